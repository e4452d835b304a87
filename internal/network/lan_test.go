package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLANAnnouncement(t *testing.T) {
	assert.Equal(t, "[MOTD]mclisten[/MOTD][AD]25566[/AD]", string(LANAnnouncement("mclisten", 25566)))
	assert.Equal(t, "[MOTD](dev) proxy[/MOTD][AD]1[/AD]", string(LANAnnouncement("[dev] proxy", 1)))
}

func TestLANAnnouncerSendsUntilCancelled(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	a := NewLANAnnouncer(LANConfig{
		MOTD:     "test",
		Port:     25566,
		Group:    pc.LocalAddr().String(),
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(testTimeout)))
	buf := make([]byte, 256)
	for i := 0; i < 2; i++ {
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, "[MOTD]test[/MOTD][AD]25566[/AD]", string(buf[:n]))
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("announcer did not stop")
	}
}

func TestLANAnnouncerDefaults(t *testing.T) {
	a := NewLANAnnouncer(LANConfig{Port: 1})
	assert.Equal(t, DefaultLANGroup, a.cfg.Group)
	assert.Equal(t, DefaultLANInterval, a.cfg.Interval)
}
