// Package snappycomp adapts github.com/golang/snappy - the same library the
// teacher's std.CompStream wraps around a net.Conn for transparent stream
// compression - into the discrete []byte-in/[]byte-out iomixer.Compressor
// shape, since mixer frames are framed messages rather than a continuous
// stream.
package snappycomp

import "github.com/golang/snappy"

// Compressor is the iomixer.Compressor backed by snappy block compression.
type Compressor struct{}

// New returns a ready-to-use snappy-backed Compressor. Construction never
// fails; the error return exists so callers can treat every Compressor
// constructor uniformly and fall back to no compression per spec.md sec 7
// ("resource exhaustion" at an optional capability).
func New() (*Compressor, error) {
	return &Compressor{}, nil
}

// Compress returns the snappy-encoded form of src.
func (c *Compressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

// Uncompress decodes compressed into dst, which must be sized at least as
// large as the original payload.
func (c *Compressor) Uncompress(dst []byte, compressed []byte) (int, error) {
	out, err := snappy.Decode(nil, compressed)
	if err != nil {
		return 0, err
	}
	return copy(dst, out), nil
}
