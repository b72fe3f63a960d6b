package compression

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
)

// EncodeAll and DecodeAll are safe to call concurrently, so one pair serves every table.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var (
	zstdOnce  sync.Once
	zstdInst  *zstdCodec
	zstdError error
)

func sharedZstd() (Codec, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			zstdError = errors.Wrap(err, "failed to create zstd encoder")
			return
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			zstdError = errors.Wrap(err, "failed to create zstd decoder")
			return
		}
		zstdInst = &zstdCodec{enc: enc, dec: dec}
	})
	if zstdError != nil {
		return nil, zstdError
	}
	return zstdInst, nil
}

func (*zstdCodec) Type() Type { return Zstd }

func (c *zstdCodec) Compress(dst, src []byte) []byte {
	return c.enc.EncodeAll(src, dst[:0])
}

func (c *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to decode zstd block"), dberrors.ErrCorruptFile)
	}
	return out, nil
}
