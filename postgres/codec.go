package postgres

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	encodingNone = "none"
	encodingZstd = "zstd"
)

// EncodeAll and DecodeAll are safe for concurrent use, so one pair is shared.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func encodePayload(data []byte, compress bool) ([]byte, string) {
	if !compress {
		return data, encodingNone
	}
	return zstdEncoder.EncodeAll(data, nil), encodingZstd
}

func decodePayload(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case encodingNone, "":
		return data, nil
	case encodingZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}
