package protocol

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// MaxVarIntLen is the largest number of bytes a 32-bit VarInt may occupy.
const MaxVarIntLen = 5

var (
	// ErrTruncatedInput is returned when the buffer ends before the
	// terminating byte of a VarInt.
	ErrTruncatedInput = errors.New("varint: truncated input")

	// ErrOverflow is returned when a VarInt does not fit in 32 bits.
	ErrOverflow = errors.New("varint: value exceeds 32 bits")
)

// DecodeVarInt reads a VarInt starting at buf[offset].
// It returns the value and the number of bytes consumed.
func DecodeVarInt(buf []byte, offset int) (uint32, int, error) {
	if offset < 0 || offset > len(buf) {
		return 0, 0, fmt.Errorf("varint: offset %d out of range (len %d)", offset, len(buf))
	}

	var value uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if offset+i >= len(buf) {
			return 0, 0, ErrTruncatedInput
		}
		b := buf[offset+i]

		// The fifth byte only carries the top four bits of a uint32.
		if i == MaxVarIntLen-1 && b&0xF0 != 0 {
			return 0, 0, ErrOverflow
		}

		value |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrOverflow
}

// EncodeVarInt returns the VarInt encoding of v.
func EncodeVarInt(v uint32) []byte {
	return varint.ToUvarint(uint64(v))
}

// AppendVarInt appends the VarInt encoding of v to dst.
func AppendVarInt(dst []byte, v uint32) []byte {
	return append(dst, EncodeVarInt(v)...)
}

// VarIntSize returns the number of bytes needed to encode v.
func VarIntSize(v uint32) int {
	return varint.UvarintSize(uint64(v))
}
