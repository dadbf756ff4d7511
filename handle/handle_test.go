package handle

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vpack/pathspec"
)

type fakeResolver map[pathspec.Component]Stream

func (r fakeResolver) Stream(c pathspec.Component) (Stream, bool) {
	s, ok := r[c]
	return s, ok
}

var (
	index = pathspec.Component{Data: -1}
	dat0  = pathspec.Component{Data: 0}
)

func newTable(t *testing.T) (*Table, ID) {
	t.Helper()
	tbl := NewTable()
	r := fakeResolver{dat0: bytes.NewReader([]byte("0123456789"))}
	id, err := tbl.Open(r, dat0)
	require.NoError(t, err)
	return tbl, id
}

func TestOpenBadTarget(t *testing.T) {
	t.Parallel()

	_, err := NewTable().Open(fakeResolver{}, pathspec.Component{Data: 3})
	require.ErrorIs(t, err, ErrBadTarget)
}

func TestIDsAreNeverReused(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	r := fakeResolver{index: bytes.NewReader(nil)}
	a, err := tbl.Open(r, index)
	require.NoError(t, err)
	require.True(t, tbl.Close(a))
	b, err := tbl.Open(r, index)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.False(t, tbl.Close(a))
	assert.Equal(t, 1, tbl.Len())
}

func TestReadAdvancesCursor(t *testing.T) {
	t.Parallel()

	tbl, id := newTable(t)
	buf := make([]byte, 4)

	n, cur, err := tbl.Read(id, -1, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), cur)
	assert.Equal(t, "0123", string(buf))

	n, cur, err = tbl.Read(id, -1, buf)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(buf[:n]))
	assert.Equal(t, int64(8), cur)

	// Short read at the end, then an empty one.
	n, cur, err = tbl.Read(id, -1, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "89", string(buf[:n]))
	assert.Equal(t, int64(10), cur)

	n, _, err = tbl.Read(id, -1, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadAtExplicitOffset(t *testing.T) {
	t.Parallel()

	tbl, id := newTable(t)
	buf := make([]byte, 3)
	n, cur, err := tbl.Read(id, 5, buf)
	require.NoError(t, err)
	assert.Equal(t, "567", string(buf[:n]))
	assert.Equal(t, int64(8), cur)

	n, cur, err = tbl.Read(id, 50, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(50), cur)

	_, _, err = tbl.Read(id+1, 0, buf)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestSeek(t *testing.T) {
	t.Parallel()

	tbl, id := newTable(t)

	tests := []struct {
		distance int64
		origin   Origin
		want     int64
		err      error
	}{
		{3, Begin, 3, nil},
		{2, Current, 5, nil},
		{-1, End, 9, nil},
		{100, Begin, 10, nil},
		{5, End, 10, nil},
		{-20, Current, 10, ErrNegativeSeek},
		{0, Origin(7), 10, ErrBadOrigin},
		{-10, End, 0, nil},
	}
	for _, tt := range tests {
		got, err := tbl.Seek(id, tt.distance, tt.origin)
		if tt.err != nil {
			require.ErrorIs(t, err, tt.err)
		} else {
			require.NoError(t, err)
		}
		assert.Equal(t, tt.want, got, "seek %d from %s", tt.distance, tt.origin)
	}
}

func TestConcurrentHandles(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	r := fakeResolver{dat0: bytes.NewReader(bytes.Repeat([]byte("x"), 1024))}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := tbl.Open(r, dat0)
			if !assert.NoError(t, err) {
				return
			}
			buf := make([]byte, 100)
			total := 0
			for {
				n, _, err := tbl.Read(id, -1, buf)
				if !assert.NoError(t, err) || n == 0 {
					break
				}
				total += n
			}
			assert.Equal(t, 1024, total)
			assert.True(t, tbl.Close(id))
		}()
	}
	wg.Wait()
	assert.Zero(t, tbl.Len())
}
