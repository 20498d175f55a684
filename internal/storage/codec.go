package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	encodingNone = ""
	encodingZstd = "zstd"
)

// bodyCodec compresses captured bodies before they hit the database.
// EncodeAll and DecodeAll are safe for concurrent use.
type bodyCodec struct {
	enabled bool
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func newBodyCodec(enabled bool) (*bodyCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &bodyCodec{enabled: enabled, enc: enc, dec: dec}, nil
}

// encoding is the marker stored alongside rows written by this codec.
func (c *bodyCodec) encoding() string {
	if c.enabled {
		return encodingZstd
	}
	return encodingNone
}

func (c *bodyCodec) encode(b []byte) []byte {
	if !c.enabled || len(b) == 0 {
		return b
	}
	return c.enc.EncodeAll(b, make([]byte, 0, len(b)/2))
}

// decode reverses encode for the row's stored encoding.
func (c *bodyCodec) decode(encoding string, b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	switch encoding {
	case encodingNone:
		return b, nil
	case encodingZstd:
		out, err := c.dec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("decode zstd body: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}

func (c *bodyCodec) close() {
	c.enc.Close()
	c.dec.Close()
}
