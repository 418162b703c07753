// Package lz4 registers an lz4 message compressor with gRPC. Importing
// it for side effects makes the "lz4" encoding available to calls made
// with grpc.UseCompressor(lz4.Name).
package lz4

import (
	"io"

	"github.com/pierrec/lz4/v4"
	"google.golang.org/grpc/encoding"
)

// Name is the registered compressor name.
const Name = "lz4"

func init() {
	encoding.RegisterCompressor(compressor{})
}

type compressor struct{}

func (compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level3)); err != nil {
		return nil, err
	}
	return zw, nil
}

func (compressor) Decompress(r io.Reader) (io.Reader, error) {
	return lz4.NewReader(r), nil
}

func (compressor) Name() string {
	return Name
}
