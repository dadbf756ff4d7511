package vpack

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/meigma/vpack/handle"
)

// Access is the access mode an open request asks for.
type Access uint32

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// Disposition is what an open request does when the file exists or not.
type Disposition int

const (
	DispositionOpenExisting Disposition = iota
	DispositionCreateNew
	DispositionCreateAlways
	DispositionOpenAlways
	DispositionTruncateExisting
)

// OpenRequest is a file open observed by the host's file layer.
type OpenRequest struct {
	Path        string
	Access      Access
	Share       uint32
	Disposition Disposition
	// Template is set when the open copies attributes from another open
	// file.
	Template bool
}

// OnOpenCandidate decides whether the overlay serves an open. When ok is
// false the caller performs the real open. When ok is true reads, seeks
// and the close of the file must go through the returned handle.
//
// Only read-only opens of existing archive components qualify. The index
// of an archive must be opened before its data files; data files opened
// first are passed through. The first open of an index builds the
// archive's view, and archives without any possible replacement are passed
// through from then on.
func (o *Overlay) OnOpenCandidate(_ context.Context, req OpenRequest) (handle.ID, bool) {
	if req.Access&AccessWrite != 0 || req.Template || req.Disposition != DispositionOpenExisting {
		return o.passthrough()
	}
	st, comp, ok := o.state(req.Path)
	if !ok {
		return o.passthrough()
	}
	if comp.IsIndex() {
		st.indexOpened.Store(true)
	} else if !st.indexOpened.Load() {
		o.log().Debug("data file opened before its index", "path", req.Path)
		return o.passthrough()
	}
	if st.noOverride.Load() {
		return o.passthrough()
	}

	v, err := o.ensureView(st)
	if err != nil {
		o.log().Warn("archive served as passthrough", "archive", st.indexPath, "reason", err)
		return o.passthrough()
	}
	if !v.HasOverrides() {
		return o.passthrough()
	}
	id, err := o.handles.Open(v, comp)
	if err != nil {
		o.log().Debug("open not served", "path", req.Path, "reason", err)
		return o.passthrough()
	}
	o.stats.overlayOpens.Add(1)
	return id, true
}

func (o *Overlay) passthrough() (handle.ID, bool) {
	o.stats.passthroughOpens.Add(1)
	return 0, false
}

// OnRead reads into p at off from the handle's stream. A negative off
// reads at the cursor. Reads wait while a reflection pass swaps bindings.
// Reads at the end of the stream return fewer bytes, not an error.
func (o *Overlay) OnRead(id handle.ID, off int64, p []byte) (n int, cursor int64, err error) {
	o.gate.Enter()
	defer o.gate.Exit()
	o.stats.providerLookups.Add(1)
	return o.handles.Read(id, off, p)
}

// OnSeek moves the handle's cursor. Positions past the end clamp to the
// stream size; positions before the start fail with ErrIOBounds.
func (o *Overlay) OnSeek(id handle.ID, distance int64, origin handle.Origin) (int64, error) {
	pos, err := o.handles.Seek(id, distance, origin)
	if errors.Is(err, handle.ErrNegativeSeek) {
		return pos, fmt.Errorf("%w: %w", ErrIOBounds, err)
	}
	return pos, err
}

// OnClose releases a handle. It reports whether the handle was open.
func (o *Overlay) OnClose(id handle.ID) bool {
	return o.handles.Close(id)
}

// OnSize returns the size of the handle's stream.
func (o *Overlay) OnSize(id handle.ID) (int64, error) {
	return o.handles.Size(id)
}

// Stats are counters of overlay activity.
type Stats struct {
	// OverlayOpens counts opens served by the overlay.
	OverlayOpens uint64
	// PassthroughOpens counts opens handed back to the real file system.
	PassthroughOpens uint64
	// ProviderLookups counts reads served from views and queries of them.
	ProviderLookups uint64
	// ReflectionPasses counts completed reflection passes.
	ReflectionPasses uint64
}

type counters struct {
	overlayOpens     atomic.Uint64
	passthroughOpens atomic.Uint64
	providerLookups  atomic.Uint64
	passes           atomic.Uint64
}

// Stats returns the current counters.
func (o *Overlay) Stats() Stats {
	return Stats{
		OverlayOpens:     o.stats.overlayOpens.Load(),
		PassthroughOpens: o.stats.passthroughOpens.Load(),
		ProviderLookups:  o.stats.providerLookups.Load(),
		ReflectionPasses: o.stats.passes.Load(),
	}
}
