//go:generate flatc --go --go-namespace fb -o internal schema/index.fbs

// Package archive reads and writes the native archive container served by
// the overlay.
//
// An archive set consists of:
//   - "<stem>.index": FlatBuffers index keyed by directory and name hash
//   - "<stem>.index2": FlatBuffers index keyed by full-path hash
//   - "<stem>.datN": data files holding 128-byte aligned entry blocks
//
// Every entry block starts with a BlockHeader naming its compression and
// sizes, so a block is self-describing and can be relocated or replaced as
// a unit. Index offsets point at block starts.
package archive
