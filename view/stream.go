package view

import (
	"errors"
	"io"
	"sort"
)

// span places a reader at a fixed offset of a composed stream.
type span struct {
	off  int64
	size int64
	r    io.ReaderAt
}

// dataStream is a data file composed of a header and entry slots.
type dataStream struct {
	spans []span
	size  int64
}

func (s *dataStream) Size() int64 { return s.size }

// findSpan returns the index of the span containing off.
func (s *dataStream) findSpan(off int64) int {
	return sort.Search(len(s.spans), func(i int) bool {
		return s.spans[i].off+s.spans[i].size > off
	})
}

// ReadAt reads from the spans covering [off, off+len(p)), clamping at the
// end of the stream.
func (s *dataStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("view: negative offset")
	}
	if off >= s.size {
		return 0, io.EOF
	}
	short := false
	if int64(len(p)) > s.size-off {
		p = p[:s.size-off]
		short = true
	}
	total := 0
	for i := s.findSpan(off); total < len(p) && i < len(s.spans); {
		sp := s.spans[i]
		if off < sp.off {
			// Gap between spans.
			gap := min(sp.off-off, int64(len(p)-total))
			clear(p[total : total+int(gap)])
			total += int(gap)
			off += gap
			continue
		}
		want := p[total:]
		if rem := sp.off + sp.size - off; int64(len(want)) > rem {
			want = want[:rem]
		}
		n, err := sp.r.ReadAt(want, off-sp.off)
		if err != nil && !errors.Is(err, io.EOF) {
			return total + n, err
		}
		if n < len(want) {
			clear(want[n:])
		}
		total += len(want)
		off += int64(len(want))
		i++
	}
	if total < len(p) {
		clear(p[total:])
	}
	if short {
		return len(p), io.EOF
	}
	return len(p), nil
}
