package sqlite

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// EncodeAll and DecodeAll are safe for concurrent use, so one of each is shared.
var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

func compressText(text string) ([]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc.EncodeAll([]byte(text), nil), nil
}

func decompressText(blob []byte) (string, error) {
	_, dec, err := codec()
	if err != nil {
		return "", fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decompress raw text: %w", err)
	}
	return string(out), nil
}
