package vpack

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meigma/vpack/bundle"
)

// watch rescans the bundle tree whenever something changes below a bundle
// root. Changes are debounced so a bundle being copied in triggers one
// rescan.
func (o *Overlay) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	o.watchDirs(w)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer w.Close()

		timer := time.NewTimer(o.watchDebounce)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == bundle.ChoicesFile && ev.Has(fsnotify.Write) {
					// Written by SetChoice.
					continue
				}
				timer.Reset(o.watchDebounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				o.log().Warn("bundle watcher error", "reason", err)
			case <-timer.C:
				if err := o.Rescan(); err != nil {
					o.log().Warn("rescan failed", "reason", err)
				}
				o.watchDirs(w)
			}
		}
	}()
	return nil
}

// watchDirs adds the bundle roots and every directory of the bundle tree
// to w.
func (o *Overlay) watchDirs(w *fsnotify.Watcher) {
	dirs := o.bundleRoots()
	tree := o.EnumerateBundles()
	for n := range tree.Traverse(false) {
		dirs = append(dirs, n.Dirs...)
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			o.log().Debug("directory not watched", "path", dir, "reason", err)
		}
	}
}
