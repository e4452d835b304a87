package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerHandshake(t *testing.T) {
	testCases := []struct {
		name string
		next uint32
		want []Signal
	}{
		{"status", NextStateStatus, []Signal{{Kind: SignalPhase, Phase: PhaseStatus}}},
		{"login", NextStateLogin, []Signal{{Kind: SignalPhase, Phase: PhaseLogin}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload := HandshakePayload(ProtocolVersion, "play.example.net", 25565, tc.next)
			f := Frame{ID: PktHandshake, Payload: payload}

			got, err := Trigger(PhaseHandshake, Serverbound, f)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTriggerHandshakeErrors(t *testing.T) {
	payload := HandshakePayload(ProtocolVersion, "localhost", 25565, 3)
	_, err := Trigger(PhaseHandshake, Serverbound, Frame{ID: PktHandshake, Payload: payload})
	assert.Error(t, err)

	truncated := HandshakePayload(ProtocolVersion, "localhost", 25565, 2)
	_, err = Trigger(PhaseHandshake, Serverbound, Frame{ID: PktHandshake, Payload: truncated[:5]})
	assert.ErrorIs(t, err, ErrTruncatedInput)
}

func TestTriggerLogin(t *testing.T) {
	got, err := Trigger(PhaseLogin, Clientbound, Frame{ID: PktLoginSuccess})
	require.NoError(t, err)
	assert.Equal(t, []Signal{{Kind: SignalPhase, Phase: PhasePlay}}, got)

	got, err = Trigger(PhaseLogin, Clientbound, Frame{ID: PktSetCompression, Payload: EncodeVarInt(256)})
	require.NoError(t, err)
	assert.Equal(t, []Signal{
		{Kind: SignalPhase, Phase: PhaseLogin},
		{Kind: SignalCompression, Threshold: 256},
	}, got)

	// -1 disables compression.
	got, err = Trigger(PhaseLogin, Clientbound, Frame{ID: PktSetCompression, Payload: EncodeVarInt(0xFFFFFFFF)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, -1, got[1].Threshold)

	got, err = Trigger(PhaseLogin, Clientbound, Frame{ID: PktEncryptionRequest})
	require.NoError(t, err)
	assert.Equal(t, []Signal{{Kind: SignalPhase, Phase: PhaseLogin}}, got)

	got, err = Trigger(PhaseLogin, Serverbound, Frame{ID: PktEncryptionResponse})
	require.NoError(t, err)
	assert.Equal(t, []Signal{{Kind: SignalEncryption}}, got)
}

func TestTriggerIgnoresOtherPackets(t *testing.T) {
	testCases := []struct {
		phase Phase
		dir   Direction
		id    uint32
	}{
		{PhaseHandshake, Clientbound, 0x00},
		{PhaseStatus, Serverbound, 0x00},
		{PhaseLogin, Serverbound, PktLoginStart},
		{PhaseLogin, Clientbound, PktLoginDisconnect},
		{PhasePlay, Clientbound, PktLoginSuccess},
		{PhasePlay, Serverbound, PktEncryptionResponse},
	}
	for _, tc := range testCases {
		got, err := Trigger(tc.phase, tc.dir, Frame{ID: tc.id})
		assert.NoError(t, err)
		assert.Empty(t, got, "%s %s 0x%02X", tc.phase, tc.dir, tc.id)
	}
}
