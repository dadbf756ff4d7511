// Package handle implements the table of open overlay files.
//
// Each open of an archive component served by the overlay gets an entry
// addressed by an ID that is never reused. The entry binds the component's
// composed stream and a seek cursor.
package handle

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/meigma/vpack/pathspec"
)

var (
	// ErrUnknownHandle is returned for IDs that are not open.
	ErrUnknownHandle = errors.New("handle: unknown handle")

	// ErrBadTarget is returned by Open when the resolver has no stream for
	// the requested component.
	ErrBadTarget = errors.New("handle: unresolvable target")

	// ErrBadOrigin is returned by Seek for an unknown origin.
	ErrBadOrigin = errors.New("handle: unknown seek origin")

	// ErrNegativeSeek is returned by Seek when the result would lie before
	// the start of the stream.
	ErrNegativeSeek = errors.New("handle: negative seek position")
)

// ID identifies an open handle.
type ID uint64

// Stream is the composed content of one archive component.
type Stream interface {
	io.ReaderAt
	Size() int64
}

// Resolver resolves archive components to streams.
type Resolver interface {
	Stream(target pathspec.Component) (Stream, bool)
}

// Origin selects the reference point of a seek.
type Origin int

const (
	Begin Origin = iota
	Current
	End
)

func (o Origin) String() string {
	switch o {
	case Begin:
		return "begin"
	case Current:
		return "current"
	case End:
		return "end"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

type entry struct {
	target pathspec.Component
	stream Stream
	cursor int64
}

// Table maps handle IDs to open streams.
//
// A Table is safe for concurrent use. Its lock guards only the map and
// cursors; stream reads happen outside it.
type Table struct {
	mu      sync.Mutex
	next    ID
	entries map[ID]*entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[ID]*entry)}
}

// Open binds a new handle to the stream r resolves for target.
func (t *Table) Open(r Resolver, target pathspec.Component) (ID, error) {
	s, ok := r.Stream(target)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBadTarget, target)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.entries[t.next] = &entry{target: target, stream: s}
	return t.next, nil
}

// Target returns the component bound to id.
func (t *Table) Target(id ID) (pathspec.Component, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return pathspec.Component{}, false
	}
	return e.target, true
}

// Size returns the length of the stream bound to id.
func (t *Table) Size(id ID) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, ErrUnknownHandle
	}
	return e.stream.Size(), nil
}

// Read reads into p at off, or at the handle's cursor when off is
// negative, and moves the cursor past the bytes read. A read at or past the
// end of the stream returns fewer bytes than requested and no error.
func (t *Table) Read(id ID, off int64, p []byte) (n int, cursor int64, err error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return 0, 0, ErrUnknownHandle
	}
	if off < 0 {
		off = e.cursor
	}
	s := e.stream
	t.mu.Unlock()

	if off < s.Size() && len(p) > 0 {
		n, err = s.ReadAt(p, off)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	}
	cursor = off + int64(n)

	t.mu.Lock()
	e.cursor = cursor
	t.mu.Unlock()
	return n, cursor, err
}

// Seek moves the cursor of id by distance relative to origin. Positions
// past the end clamp to the stream length.
func (t *Table) Seek(id ID, distance int64, origin Origin) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, ErrUnknownHandle
	}
	size := e.stream.Size()
	var pos int64
	switch origin {
	case Begin:
		pos = distance
	case Current:
		pos = e.cursor + distance
	case End:
		pos = size + distance
	default:
		return e.cursor, fmt.Errorf("%w: %d", ErrBadOrigin, int(origin))
	}
	if pos < 0 {
		return e.cursor, ErrNegativeSeek
	}
	e.cursor = min(pos, size)
	return e.cursor, nil
}

// Close removes id and reports whether it was open.
func (t *Table) Close(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// Len returns the number of open handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
