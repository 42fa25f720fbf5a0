package bytecode

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Shared coders, EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderCRC(true))
		if err != nil {
			panic(err) // only fails on invalid options
		}
		return enc
	})
	zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			panic(err)
		}
		return dec
	})
)

// ZstdCompress appends the zstd frame of data to dst.
func ZstdCompress(dst, data []byte) []byte {
	return zstdEncoder().EncodeAll(data, dst)
}

// ZstdDecompress appends the payload of a zstd frame to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	return zstdDecoder().DecodeAll(data, dst)
}
