package protocol

import (
	"errors"
	"fmt"
)

// Frame is one length-delimited protocol message extracted from a stream.
//
// For uncompressed frames len(Payload) == Length - VarIntSize(ID).
// Compressed frames carry the inflated identifier and payload.
type Frame struct {
	Length     uint32 // declared length of the frame body
	ID         uint32
	Payload    []byte
	Compressed bool
}

// ErrFrameTooLarge is returned when a declared frame length is above the
// configured ceiling or cannot be decoded at all.
var ErrFrameTooLarge = errors.New("frame too large")

// FrameTooLargeError carries the offending declared length.
type FrameTooLargeError struct {
	Length uint32
	Max    int
	Err    error // underlying length-prefix decode error, if any
}

func (e *FrameTooLargeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame too large: malformed length prefix: %v", e.Err)
	}
	return fmt.Sprintf("frame too large: declared %d bytes (max %d)", e.Length, e.Max)
}

// Unwrap lets errors.Is match both ErrFrameTooLarge and the decode error.
func (e *FrameTooLargeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFrameTooLarge, e.Err}
	}
	return []error{ErrFrameTooLarge}
}

// AppendFrame appends an uncompressed frame carrying id and payload to dst.
func AppendFrame(dst []byte, id uint32, payload []byte) []byte {
	length := VarIntSize(id) + len(payload)
	dst = AppendVarInt(dst, uint32(length))
	dst = AppendVarInt(dst, id)
	return append(dst, payload...)
}

// EncodeFrame returns the wire form of an uncompressed frame.
func EncodeFrame(id uint32, payload []byte) []byte {
	return AppendFrame(nil, id, payload)
}
