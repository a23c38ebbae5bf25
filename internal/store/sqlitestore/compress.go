package sqlitestore

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Large text blobs (step stdout/stderr tails, log content) are stored
// zstd-compressed at rest, the same fast-compression idiom normally
// applied to HTTP responses, just applied to the storage path instead of
// the wire.
var (
	encOnce sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func initCodec() {
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
}

func compressTail(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	encOnce.Do(initCodec)
	return encoder.EncodeAll([]byte(s), nil), nil
}

func decompressTail(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	encOnce.Do(initCodec)
	out, err := decoder.DecodeAll(b, nil)
	if err != nil {
		// Tolerate legacy uncompressed rows written before codec adoption.
		var buf bytes.Buffer
		if _, cerr := io.Copy(&buf, bytes.NewReader(b)); cerr == nil {
			return buf.String(), nil
		}
		return "", err
	}
	return string(out), nil
}
