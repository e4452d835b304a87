package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketBuilderEncoding(t *testing.T) {
	b := NewPacketBuilder().
		WriteVarInt(300).
		WriteString("hi").
		WriteUint16(25565).
		WriteInt64(-2)

	expected := []byte{
		0xAC, 0x02, // 300
		0x02, 'h', 'i',
		0x63, 0xDD, // 25565
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE,
	}
	assert.Equal(t, expected, b.Payload())
	assert.Equal(t, len(expected), b.Len())

	b.Reset()
	assert.Zero(t, b.Len())
}

func TestBuildFramesPayload(t *testing.T) {
	frame := NewPacketBuilder().WriteBytes([]byte{0xAA, 0xBB}).Build(0x10)
	assert.Equal(t, []byte{0x03, 0x10, 0xAA, 0xBB}, frame)

	assert.Equal(t, []byte{0x01, 0x00}, BuildStatusRequest())
}

func TestBuildHandshakeRoundTrip(t *testing.T) {
	raw := BuildHandshake(ProtocolVersion, "mc.example.net", 25565, NextStateStatus)

	frames, errs := collect(NewReassembler(0), raw)
	require.Empty(t, errs)
	require.Len(t, frames, 1)
	assert.Equal(t, PktHandshake, frames[0].ID)

	h, err := ParseHandshake(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, Handshake{
		ProtocolVersion: ProtocolVersion,
		ServerAddress:   "mc.example.net",
		ServerPort:      25565,
		NextState:       NextStateStatus,
	}, h)
}

func TestBuildStatusPing(t *testing.T) {
	frames, errs := collect(NewReassembler(0), BuildStatusPing(42))
	require.Empty(t, errs)
	require.Len(t, frames, 1)
	assert.Equal(t, PktStatusPing, frames[0].ID)

	token, err := NewPacketReader(frames[0].Payload).ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), token)
}

func TestPacketReaderErrorsStick(t *testing.T) {
	r := NewPacketReader([]byte{0x05, 'a', 'b'})
	_, err := r.ReadString()
	assert.ErrorIs(t, err, ErrTruncatedInput)

	_, err = r.ReadUint16()
	assert.ErrorIs(t, err, ErrTruncatedInput)
	assert.ErrorIs(t, r.Err(), ErrTruncatedInput)
}

func TestPacketReaderRejectsHugeString(t *testing.T) {
	payload := AppendVarInt(nil, MaxStringLen+1)
	_, err := NewPacketReader(payload).ReadString()
	assert.Error(t, err)
}

func TestPacketReaderRemaining(t *testing.T) {
	r := NewPacketReader([]byte{0x01, 0x00, 0x02})
	v, err := r.ReadVarInt()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
	assert.Equal(t, 2, r.Remaining())

	port, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), port)
	assert.Zero(t, r.Remaining())

	_, err = r.ReadVarInt()
	assert.ErrorIs(t, err, ErrTruncatedInput)
}
