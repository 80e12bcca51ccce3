package rewrite

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
)

// Compressor encodes a trailer for a compressed body.
type Compressor interface {
	Compress(p []byte) ([]byte, error)
}

// GzipCompressor produces a complete gzip member. A zero Level means
// gzip.DefaultCompression.
type GzipCompressor struct {
	Level int
}

// Compress returns p as a standalone gzip member.
func (g GzipCompressor) Compress(p []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
