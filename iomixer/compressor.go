package iomixer

// compressThreshold is the minimum payload size worth attempting to
// compress (spec.md sec 4.6.3 step 4: "exceeds a small threshold").
const compressThreshold = 256

// Compressor is the optional pluggable codec consulted by the slave
// encoder and master decoder. It is injected at construction (WithCompressor)
// rather than dynamically loaded, per the REDESIGN FLAGS in spec.md sec 9 -
// dynamic loading of a compressor is not part of this port's contract.
//
// Compress must return the compressed form of src. Uncompress must restore
// the original bytes into a buffer sized at least originalSize.
type Compressor interface {
	Compress(src []byte) (compressed []byte, err error)
	Uncompress(dst []byte, compressed []byte) (n int, err error)
}
