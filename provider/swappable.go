package provider

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/pathspec"
)

// Swappable is a fixed-size slot whose backing provider can be replaced
// at any time without moving the slot.
//
// The slot reserves room for the largest block it may ever be bound to.
// Reads past the bound block's end return zeros up to the reserved size.
type Swappable struct {
	spec     pathspec.Spec
	base     Provider
	reserved int64
	cur      atomic.Pointer[binding]
}

type binding struct {
	p Provider
}

// NewSwappable returns a slot bound to base, reserving at least reserved
// bytes. The reservation is rounded up to the block alignment and never
// smaller than base.
func NewSwappable(base Provider, reserved int64) *Swappable {
	reserved = max(reserved, base.Size())
	s := &Swappable{
		spec:     base.Spec(),
		base:     base,
		reserved: int64(archive.Align(uint64(reserved))), //nolint:gosec // sizes are non-negative
	}
	s.cur.Store(&binding{p: base})
	return s
}

// Swap binds p. A nil p restores the base provider. Swap reports false and
// leaves the binding unchanged when p does not fit the reservation.
func (s *Swappable) Swap(p Provider) bool {
	if p == nil {
		p = s.base
	}
	if p.Size() > s.reserved {
		return false
	}
	s.cur.Store(&binding{p: p})
	return true
}

// Current returns the bound provider.
func (s *Swappable) Current() Provider { return s.cur.Load().p }

// Base returns the provider bound at construction.
func (s *Swappable) Base() Provider { return s.base }

// Overridden reports whether a provider other than the base is bound.
func (s *Swappable) Overridden() bool { return s.Current() != s.base }

// Reserved returns the reserved block size.
func (s *Swappable) Reserved() int64 { return s.reserved }

func (s *Swappable) Kind() Kind          { return KindSwappable }
func (s *Swappable) ID() string          { return s.Current().ID() }
func (s *Swappable) Spec() pathspec.Spec { return s.spec }
func (s *Swappable) Size() int64         { return s.reserved }

// ReadAt reads from the binding current at the time of the call. A single
// call never mixes bytes of two bindings.
func (s *Swappable) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= s.reserved {
		return 0, io.EOF
	}
	short := false
	if int64(len(p)) > s.reserved-off {
		p = p[:s.reserved-off]
		short = true
	}
	bound := s.cur.Load().p
	total := 0
	if off < bound.Size() {
		n, err := bound.ReadAt(p, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return n, err
		}
		total = n
	}
	clear(p[total:])
	if short {
		return len(p), io.EOF
	}
	return len(p), nil
}
