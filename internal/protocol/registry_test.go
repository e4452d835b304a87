package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	assert.Equal(t, 1, reg.SectionLen(PhaseHandshake, Serverbound))
	assert.Equal(t, 2, reg.SectionLen(PhaseStatus, Clientbound))
	assert.Equal(t, 2, reg.SectionLen(PhaseStatus, Serverbound))
	assert.Equal(t, 5, reg.SectionLen(PhaseLogin, Clientbound))
	assert.Equal(t, 3, reg.SectionLen(PhaseLogin, Serverbound))
	assert.Equal(t, 0x68, reg.SectionLen(PhasePlay, Clientbound))
	assert.Equal(t, 0x30, reg.SectionLen(PhasePlay, Serverbound))
	assert.Equal(t, 165, reg.Len())

	testCases := []struct {
		phase Phase
		dir   Direction
		id    uint32
		name  string
	}{
		{PhaseHandshake, Serverbound, 0x00, "Handshake"},
		{PhaseStatus, Clientbound, 0x00, "Response"},
		{PhaseStatus, Serverbound, 0x01, "Ping"},
		{PhaseLogin, Clientbound, PktLoginSuccess, "Login Success"},
		{PhaseLogin, Clientbound, PktSetCompression, "Set Compression"},
		{PhaseLogin, Serverbound, PktEncryptionResponse, "Encryption Response"},
		{PhasePlay, Clientbound, 0x21, "Keep Alive"},
		{PhasePlay, Clientbound, 0x26, "Join Game"},
		{PhasePlay, Clientbound, 0x67, "Tags"},
		{PhasePlay, Serverbound, 0x0F, "Keep Alive"},
		{PhasePlay, Serverbound, 0x2F, "Use Item"},
	}
	for _, tc := range testCases {
		name, ok := reg.Lookup(tc.phase, tc.dir, tc.id)
		assert.True(t, ok, "%s %s 0x%02X", tc.phase, tc.dir, tc.id)
		assert.Equal(t, tc.name, name)
	}
}

func TestRegistryLookupMiss(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	_, ok := reg.Lookup(PhaseHandshake, Clientbound, 0)
	assert.False(t, ok)
	_, ok = reg.Lookup(PhasePlay, Clientbound, 0x68)
	assert.False(t, ok)

	var nilReg *Registry
	_, ok = nilReg.Lookup(PhasePlay, Clientbound, 0)
	assert.False(t, ok)
}

func TestLoadRegistryResetsOrdinalPerSection(t *testing.T) {
	data := `protocol_mode,packet_direction,packet_name
status,clientbound,A
status,clientbound,B
status,serverbound,C
play,serverbound,D
play,serverbound,E
play,serverbound,F
`
	reg, err := LoadRegistry(strings.NewReader(data))
	require.NoError(t, err)

	name, ok := reg.Lookup(PhaseStatus, Clientbound, 1)
	require.True(t, ok)
	assert.Equal(t, "B", name)

	name, ok = reg.Lookup(PhaseStatus, Serverbound, 0)
	require.True(t, ok)
	assert.Equal(t, "C", name)

	name, ok = reg.Lookup(PhasePlay, Serverbound, 2)
	require.True(t, ok)
	assert.Equal(t, "F", name)
}

func TestLoadRegistryErrors(t *testing.T) {
	_, err := LoadRegistry(strings.NewReader("mode,direction,name\nplay,clientbound,X\n"))
	assert.Error(t, err)

	_, err = LoadRegistry(strings.NewReader("protocol_mode,packet_direction,packet_name\nlimbo,clientbound,X\n"))
	assert.Error(t, err)

	_, err = LoadRegistry(strings.NewReader(""))
	assert.Error(t, err)
}

func TestRecordNameResolution(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	rec := NewRecord(Frame{Length: 2, ID: 0, Payload: []byte{0xAB}}, PhaseHandshake, Serverbound, reg)
	assert.True(t, rec.HasName())
	assert.Equal(t, "Handshake", rec.Name)
	assert.Equal(t, "0x00 2 Handshake handshake serverbound [ab]", rec.String())

	miss := NewRecord(Frame{Length: 1, ID: 0x7F}, PhaseStatus, Clientbound, reg)
	assert.False(t, miss.HasName())
	assert.Equal(t, "<unknown>", miss.DisplayName())

	noLookup := NewRecord(Frame{Length: 1, ID: 0}, PhaseStatus, Clientbound, nil)
	assert.False(t, noLookup.HasName())
}

func TestRecordStringTruncatesPayload(t *testing.T) {
	payload := make([]byte, 40)
	rec := NewRecord(Frame{Length: 41, ID: 0x22, Payload: payload}, PhasePlay, Clientbound, nil)
	assert.True(t, strings.HasSuffix(rec.String(), "...(+8)"))
}
