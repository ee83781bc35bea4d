package trace

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionType selects how the trace file body is compressed.
type CompressionType int

const (
	// NoCompression stores the body verbatim.
	NoCompression CompressionType = iota
	// ZstdCompression wraps the body in a Zstandard frame.
	ZstdCompression
)

// DefaultCompression is used when the caller does not choose.
const DefaultCompression = ZstdCompression

// NewCompressedWriter returns a writer that compresses data before
// writing. The returned closer must be closed to flush the frame;
// for NoCompression it is a no-op.
func NewCompressedWriter(w io.Writer, ct CompressionType) (io.Writer, io.Closer, error) {
	if ct == NoCompression {
		return w, nopCloser{}, nil
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, nil, err
	}
	return enc, enc, nil
}

// NewCompressedReader returns a reader that decompresses data after
// reading.
func NewCompressedReader(r io.Reader, ct CompressionType) (io.Reader, error) {
	if ct == NoCompression {
		return r, nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
