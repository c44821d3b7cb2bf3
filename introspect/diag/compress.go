package diag

import (
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompress compresses data with zstd, appending to dst.
func ZstdCompress(dst, data []byte) []byte {
	encOpts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	}
	if len(data) > 32<<20 {
		encOpts = append(encOpts, zstd.WithEncoderConcurrency(max(1, runtime.NumCPU()/2)))
	}
	encoder, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		panic(err) // only possible with invalid options
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, dst)
}

// ZstdDecompress decompresses zstd data, appending to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, dst)
}

// SnappyCompress compresses data into the snappy block format. Recorded call sites are small and written on hot
// paths, so the faster codec is used for them.
func SnappyCompress(dst, data []byte) []byte {
	return s2.EncodeSnappyBetter(dst, data)
}

// SnappyDecompress decodes a snappy block.
func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}
