package protocol

import (
	"bytes"
	"encoding/binary"
)

// PacketBuilder constructs packet payloads in the wire encoding: VarInts,
// VarInt-prefixed strings and big-endian integers.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteVarInt writes v as a VarInt.
func (b *PacketBuilder) WriteVarInt(v uint32) *PacketBuilder {
	var tmp [MaxVarIntLen]byte
	b.buf.Write(AppendVarInt(tmp[:0], v))
	return b
}

// WriteString writes a VarInt byte length followed by the UTF-8 bytes.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.WriteVarInt(uint32(len(s)))
	b.buf.WriteString(s)
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteInt64 writes an int64 in big-endian order.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Payload returns a copy of the bytes written so far.
func (b *PacketBuilder) Payload() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// Build returns an uncompressed frame carrying id and the written payload.
func (b *PacketBuilder) Build(id uint32) []byte {
	return EncodeFrame(id, b.buf.Bytes())
}

// Len returns the payload length so far.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// --- Packet constructors ---

// HandshakePayload builds a Handshake payload.
func HandshakePayload(version uint32, host string, port uint16, next uint32) []byte {
	return NewPacketBuilder().
		WriteVarInt(version).
		WriteString(host).
		WriteUint16(port).
		WriteVarInt(next).
		Payload()
}

// BuildHandshake returns a framed Handshake packet.
func BuildHandshake(version uint32, host string, port uint16, next uint32) []byte {
	return EncodeFrame(PktHandshake, HandshakePayload(version, host, port, next))
}

// BuildStatusRequest returns a framed Status Request, which has no fields.
func BuildStatusRequest() []byte {
	return NewPacketBuilder().Build(PktStatusRequest)
}

// BuildStatusPing returns a framed Status Ping carrying token.
func BuildStatusPing(token int64) []byte {
	return NewPacketBuilder().WriteInt64(token).Build(PktStatusPing)
}
