package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxStringLen bounds the byte length accepted by ReadString.
const MaxStringLen = 32767 * 4

// PacketReader decodes fields from a packet payload in order. The first
// error sticks; later reads return it without consuming input.
type PacketReader struct {
	buf []byte
	off int
	err error
}

// NewPacketReader creates a reader over payload.
func NewPacketReader(payload []byte) *PacketReader {
	return &PacketReader{buf: payload}
}

// Err returns the first decode error, if any.
func (r *PacketReader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.buf) - r.off
}

// ReadVarInt reads a VarInt.
func (r *PacketReader) ReadVarInt() (uint32, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.off >= len(r.buf) {
		return 0, r.fail(ErrTruncatedInput)
	}
	v, n, err := DecodeVarInt(r.buf, r.off)
	if err != nil {
		return 0, r.fail(err)
	}
	r.off += n
	return v, nil
}

// ReadString reads a VarInt-prefixed UTF-8 string.
func (r *PacketReader) ReadString() (string, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", r.fail(fmt.Errorf("string length %d exceeds %d", n, MaxStringLen))
	}
	data, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadUint16 reads a big-endian uint16.
func (r *PacketReader) ReadUint16() (uint16, error) {
	data, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data), nil
}

// ReadInt64 reads a big-endian int64.
func (r *PacketReader) ReadInt64() (int64, error) {
	data, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func (r *PacketReader) take(n int) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if n > len(r.buf)-r.off {
		return nil, r.fail(ErrTruncatedInput)
	}
	data := r.buf[r.off : r.off+n]
	r.off += n
	return data, nil
}

func (r *PacketReader) fail(err error) error {
	r.err = err
	return err
}

// Handshake is the decoded form of the opening serverbound packet.
type Handshake struct {
	ProtocolVersion uint32
	ServerAddress   string
	ServerPort      uint16
	NextState       uint32
}

// ParseHandshake decodes a Handshake payload.
func ParseHandshake(payload []byte) (Handshake, error) {
	r := NewPacketReader(payload)
	var h Handshake
	var err error
	if h.ProtocolVersion, err = r.ReadVarInt(); err != nil {
		return h, fmt.Errorf("handshake: protocol version: %w", err)
	}
	if h.ServerAddress, err = r.ReadString(); err != nil {
		return h, fmt.Errorf("handshake: server address: %w", err)
	}
	if h.ServerPort, err = r.ReadUint16(); err != nil {
		return h, fmt.Errorf("handshake: server port: %w", err)
	}
	if h.NextState, err = r.ReadVarInt(); err != nil {
		return h, fmt.Errorf("handshake: next state: %w", err)
	}
	return h, nil
}
