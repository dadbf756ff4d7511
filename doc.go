// Package vpack serves a mod-augmented view of a game's asset archives
// without modifying them on disk.
//
// An [Overlay] owns one composed view per archive. The host's file layer
// routes every open of an archive component through
// [Overlay.OnOpenCandidate]; opens the overlay has nothing to add to pass
// through to the real file, the rest receive a handle whose reads and
// seeks are served from the composed view.
//
// Replacement content comes from three sources, applied in order on every
// reflection pass:
//   - loose files below a replacement root, mirroring asset paths
//   - mod bundles found below the bundle roots, in bundle tree order
//   - built-in toggles: muted voice categories and a language override
//
// Metadata edit documents shipped in bundles patch shared metadata files;
// their results are synthesized once per pass.
//
// # Quick Start
//
//	o, err := vpack.New("/games/ffxiv/game/sqpack",
//	    vpack.WithDataDir("/home/me/.local/share/vpack"),
//	    vpack.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := o.Start(ctx); err != nil {
//	    return err
//	}
//	defer o.Close()
//
//	id, ok := o.OnOpenCandidate(ctx, vpack.OpenRequest{
//	    Path:        "/games/ffxiv/game/sqpack/ffxiv/040000.win32.index",
//	    Access:      vpack.AccessRead,
//	    Disposition: vpack.DispositionOpenExisting,
//	})
//
// # Hot swapping
//
// Views are laid out once. Every slot that any known replacement could
// ever target reserves room for the largest candidate, so a reflection
// pass only rebinds slots and never moves data. Replacements discovered
// after a view was built take effect after a restart.
package vpack
