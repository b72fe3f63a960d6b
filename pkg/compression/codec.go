package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
)

// Type is persisted next to every block, so values must never change.
type Type uint8

const (
	None Type = iota
	Snappy
	Zstd
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Codec compresses SSTable blocks. Implementations are safe for concurrent use.
type Codec interface {
	Type() Type
	// Compress appends the compressed form of src to dst[:0].
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

// ParseType maps a config value to a codec type.
func ParseType(name string) (Type, error) {
	switch name {
	case "none", "":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, errors.Mark(errors.Newf("unknown compression %q", name), dberrors.ErrInvalidArgument)
	}
}

// New returns the codec named in config.
func New(name string) (Codec, error) {
	t, err := ParseType(name)
	if err != nil {
		return nil, err
	}
	return ForType(t)
}

// ForType returns the codec that reads blocks written with t.
func ForType(t Type) (Codec, error) {
	switch t {
	case None:
		return noneCodec{}, nil
	case Snappy:
		return snappyCodec{}, nil
	case Zstd:
		return sharedZstd()
	default:
		return nil, dberrors.Corrupt("unknown block compression %d", t)
	}
}

type noneCodec struct{}

func (noneCodec) Type() Type { return None }

func (noneCodec) Compress(dst, src []byte) []byte {
	return append(dst[:0], src...)
}

func (noneCodec) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

type snappyCodec struct{}

func (snappyCodec) Type() Type { return Snappy }

func (snappyCodec) Compress(dst, src []byte) []byte {
	return snappy.Encode(dst[:cap(dst)], src)
}

func (snappyCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(dst[:cap(dst)], src)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to decode snappy block"), dberrors.ErrCorruptFile)
	}
	return out, nil
}
