package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mclisten-project/mclisten/internal/observer"
	"github.com/mclisten-project/mclisten/internal/protocol"
)

const testTimeout = 5 * time.Second

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []observer.Event
}

func (s *recordingSink) Observe(e observer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) kind(k observer.Kind) []observer.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []observer.Event
	for _, e := range s.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) records() []protocol.Record {
	var out []protocol.Record
	for _, e := range s.kind(observer.KindPacket) {
		out = append(out, e.Record)
	}
	return out
}

// startUpstream accepts one connection and runs handle on it.
func startUpstream(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

// connPair returns a connected client conn and the proxy-side conn.
func connPair(t *testing.T) (client, proxied net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case proxied = <-accepted:
	case <-time.After(testTimeout):
		t.Fatal("accept timed out")
	}
	return client, proxied
}

// serve runs relay.Serve in the background and returns its result channel.
func serve(ctx context.Context, relay *Relay, conn net.Conn) <-chan error {
	done := make(chan error, 1)
	go func() { done <- relay.Serve(ctx, conn) }()
	return done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("session did not terminate")
		return nil
	}
}

func testRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg, err := protocol.DefaultRegistry()
	require.NoError(t, err)
	return reg
}

func TestRelayForwardsAndObservesSingleFrame(t *testing.T) {
	received := make(chan []byte, 1)
	upstream := startUpstream(t, func(c net.Conn) {
		data, _ := io.ReadAll(c)
		received <- data
	})

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: upstream}, testRegistry(t), sink)
	client, proxied := connPair(t)
	done := serve(context.Background(), relay, proxied)

	_, err := client.Write([]byte{0x02, 0x00, 0xAB})
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	require.NoError(t, waitServe(t, done))

	select {
	case data := <-received:
		assert.Equal(t, []byte{0x02, 0x00, 0xAB}, data)
	case <-time.After(testTimeout):
		t.Fatal("upstream did not receive data")
	}

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, protocol.Frame{Length: 2, ID: 0, Payload: []byte{0xAB}}, recs[0].Frame)
	assert.Equal(t, protocol.PhaseHandshake, recs[0].Phase)
	assert.Equal(t, protocol.Serverbound, recs[0].Direction)
	assert.Equal(t, "Handshake", recs[0].Name)

	transfers := sink.kind(observer.KindTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, 3, transfers[0].Bytes)

	// The payload is not a valid handshake, which is reported but harmless.
	assert.Len(t, sink.kind(observer.KindDecodeError), 1)

	closes := sink.kind(observer.KindSessionClose)
	require.Len(t, closes, 1)
	assert.Equal(t, observer.ReasonClientClosed, closes[0].Summary.Reason)
	assert.Equal(t, uint64(3), closes[0].Summary.BytesServerbound)
	assert.Equal(t, 0, relay.Sessions().Count())
}

func TestRelayClientCloseEndsSession(t *testing.T) {
	upstreamEOF := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	upstream := startUpstream(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
		close(upstreamEOF)
		// Keep the server side open: the session must not wait for it.
		<-release
	})

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: upstream}, nil, sink)
	client, proxied := connPair(t)
	done := serve(context.Background(), relay, proxied)

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	require.NoError(t, waitServe(t, done))
	select {
	case <-upstreamEOF:
	case <-time.After(testTimeout):
		t.Fatal("upstream write side was not closed")
	}

	closes := sink.kind(observer.KindSessionClose)
	require.Len(t, closes, 1)
	assert.Equal(t, observer.ReasonClientClosed, closes[0].Summary.Reason)
}

func TestRelayUpstreamCloseEndsSession(t *testing.T) {
	upstream := startUpstream(t, func(c net.Conn) {
		_, _ = c.Write([]byte("bye"))
		_ = c.(*net.TCPConn).CloseWrite()
		_, _ = io.Copy(io.Discard, c)
	})

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: upstream}, nil, sink)
	client, proxied := connPair(t)
	done := serve(context.Background(), relay, proxied)

	// The client never closes; the upstream finishing first ends the session.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(testTimeout)))
	data, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, []byte("bye"), data)

	require.NoError(t, waitServe(t, done))
	closes := sink.kind(observer.KindSessionClose)
	require.Len(t, closes, 1)
	assert.Equal(t, observer.ReasonUpstreamClosed, closes[0].Summary.Reason)
	assert.Equal(t, uint64(3), closes[0].Summary.BytesClientbound)
}

func TestRelayUpstreamUnreachable(t *testing.T) {
	// Reserve a port, then free it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: addr, DialTimeout: time.Second}, nil, sink)
	client, proxied := connPair(t)

	err = waitServe(t, serve(context.Background(), relay, proxied))
	require.ErrorIs(t, err, ErrUpstreamUnreachable)

	var unreachable *UpstreamUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, addr, unreachable.Address)

	// The client is closed without anything being relayed.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(testTimeout)))
	data, _ := io.ReadAll(client)
	assert.Empty(t, data)

	assert.Empty(t, sink.kind(observer.KindSessionOpen))
	closes := sink.kind(observer.KindSessionClose)
	require.Len(t, closes, 1)
	assert.Equal(t, observer.ReasonUpstreamUnreachable, closes[0].Summary.Reason)
}

func TestRelayOversizedFrameKeepsForwarding(t *testing.T) {
	received := make(chan []byte, 1)
	upstream := startUpstream(t, func(c net.Conn) {
		data, _ := io.ReadAll(c)
		received <- data
	})

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: upstream, MaxFrameLength: 64}, nil, sink)
	client, proxied := connPair(t)
	done := serve(context.Background(), relay, proxied)

	first := append(protocol.EncodeVarInt(1000), 0x01, 0x02)
	second := protocol.EncodeFrame(0x00, []byte{0xAB})
	_, err := client.Write(first)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = client.Write(second)
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	require.NoError(t, waitServe(t, done))
	select {
	case data := <-received:
		assert.Equal(t, append(append([]byte{}, first...), second...), data)
	case <-time.After(testTimeout):
		t.Fatal("upstream did not receive data")
	}

	assert.Empty(t, sink.records(), "poisoned stream must not decode further frames")
	decodeErrs := sink.kind(observer.KindDecodeError)
	require.Len(t, decodeErrs, 1)
	assert.True(t, decodeErrs[0].Fatal)
	assert.ErrorIs(t, decodeErrs[0].Err, protocol.ErrFrameTooLarge)
}

// compressedFrame encodes a frame below the compression threshold.
func compressedFrame(id uint32, payload []byte) []byte {
	body := protocol.AppendVarInt(nil, 0)
	body = protocol.AppendVarInt(body, id)
	body = append(body, payload...)
	return append(protocol.AppendVarInt(nil, uint32(len(body))), body...)
}

func TestRelayLoginToPlay(t *testing.T) {
	handshake := protocol.EncodeFrame(protocol.PktHandshake,
		protocol.HandshakePayload(protocol.ProtocolVersion, "localhost", 25565, protocol.NextStateLogin))
	loginStart := protocol.EncodeFrame(protocol.PktLoginStart, []byte{0x05, 'S', 't', 'e', 'v', 'e'})
	serverbound := append(append([]byte{}, handshake...), loginStart...)

	var clientbound []byte
	clientbound = append(clientbound, protocol.EncodeFrame(protocol.PktSetCompression, protocol.EncodeVarInt(256))...)
	clientbound = append(clientbound, compressedFrame(protocol.PktLoginSuccess, make([]byte, 17))...)
	clientbound = append(clientbound, compressedFrame(0x26, []byte{0x00, 0x00, 0x00, 0x01})...)

	keepAlive := compressedFrame(0x0F, make([]byte, 8))

	upstreamErr := make(chan error, 1)
	upstream := startUpstream(t, func(c net.Conn) {
		buf := make([]byte, len(serverbound))
		if _, err := io.ReadFull(c, buf); err != nil {
			upstreamErr <- err
			return
		}
		if _, err := c.Write(clientbound); err != nil {
			upstreamErr <- err
			return
		}
		buf = make([]byte, len(keepAlive))
		_, err := io.ReadFull(c, buf)
		upstreamErr <- err
	})

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: upstream}, testRegistry(t), sink)
	client, proxied := connPair(t)
	done := serve(context.Background(), relay, proxied)

	require.NoError(t, client.SetDeadline(time.Now().Add(testTimeout)))
	_, err := client.Write(serverbound)
	require.NoError(t, err)

	got := make([]byte, len(clientbound))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, clientbound, got)

	_, err = client.Write(keepAlive)
	require.NoError(t, err)
	require.NoError(t, <-upstreamErr)

	_, _ = io.ReadAll(client)
	require.NoError(t, waitServe(t, done))

	type seen struct {
		dir   protocol.Direction
		phase protocol.Phase
		name  string
	}
	var names []seen
	for _, rec := range sink.records() {
		names = append(names, seen{rec.Direction, rec.Phase, rec.Name})
	}
	sb, cb := protocol.Serverbound, protocol.Clientbound
	assert.ElementsMatch(t, []seen{
		{sb, protocol.PhaseHandshake, "Handshake"},
		{sb, protocol.PhaseLogin, "Login Start"},
		{cb, protocol.PhaseLogin, "Set Compression"},
		{cb, protocol.PhaseLogin, "Login Success"},
		{cb, protocol.PhasePlay, "Join Game"},
		{sb, protocol.PhasePlay, "Keep Alive"},
	}, names)

	// Both directions converge on Play.
	var phases []string
	for _, e := range sink.kind(observer.KindPhase) {
		phases = append(phases, e.Direction.String()+":"+e.From.String()+">"+e.To.String())
	}
	assert.ElementsMatch(t, []string{
		"serverbound:handshake>login",
		"clientbound:handshake>login",
		"clientbound:login>play",
		"serverbound:login>play",
	}, phases)

	assert.Empty(t, sink.kind(observer.KindDecodeError))
	closes := sink.kind(observer.KindSessionClose)
	require.Len(t, closes, 1)
	assert.Equal(t, protocol.PhasePlay, closes[0].Summary.FinalPhase)
	assert.Equal(t, uint64(6), closes[0].Summary.Packets)
}

func TestRelayPluginRequestBurstKeepsDirectionsInStep(t *testing.T) {
	handshake := protocol.EncodeFrame(protocol.PktHandshake,
		protocol.HandshakePayload(protocol.ProtocolVersion, "localhost", 25565, protocol.NextStateLogin))
	loginStart := protocol.EncodeFrame(protocol.PktLoginStart, []byte{0x05, 'S', 't', 'e', 'v', 'e'})
	serverbound := append(append([]byte{}, handshake...), loginStart...)

	// More plugin requests than a session has ever needed, all in one write
	// ahead of Login Success.
	const requests = 12
	var clientbound []byte
	for i := 0; i < requests; i++ {
		req := protocol.NewPacketBuilder().WriteVarInt(uint32(i)).WriteString("velocity:player_info").
			Build(protocol.PktLoginPluginRequest)
		clientbound = append(clientbound, req...)
	}
	clientbound = append(clientbound, protocol.EncodeFrame(protocol.PktLoginSuccess, make([]byte, 17))...)

	keepAlive := protocol.EncodeFrame(0x0F, make([]byte, 8))

	upstreamErr := make(chan error, 1)
	upstream := startUpstream(t, func(c net.Conn) {
		buf := make([]byte, len(serverbound))
		if _, err := io.ReadFull(c, buf); err != nil {
			upstreamErr <- err
			return
		}
		if _, err := c.Write(clientbound); err != nil {
			upstreamErr <- err
			return
		}
		buf = make([]byte, len(keepAlive))
		_, err := io.ReadFull(c, buf)
		upstreamErr <- err
	})

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: upstream}, testRegistry(t), sink)
	client, proxied := connPair(t)
	done := serve(context.Background(), relay, proxied)

	require.NoError(t, client.SetDeadline(time.Now().Add(testTimeout)))
	_, err := client.Write(serverbound)
	require.NoError(t, err)

	got := make([]byte, len(clientbound))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)

	_, err = client.Write(keepAlive)
	require.NoError(t, err)
	require.NoError(t, <-upstreamErr)

	_, _ = io.ReadAll(client)
	require.NoError(t, waitServe(t, done))

	var plugin int
	var last protocol.Record
	for _, rec := range sink.records() {
		if rec.Direction == protocol.Clientbound && rec.Name == "Login Plugin Request" {
			assert.Equal(t, protocol.PhaseLogin, rec.Phase)
			plugin++
		}
		if rec.Direction == protocol.Serverbound {
			last = rec
		}
	}
	assert.Equal(t, requests, plugin)
	assert.Equal(t, protocol.PhasePlay, last.Phase)
	assert.Equal(t, "Keep Alive", last.Name)

	var phases []string
	for _, e := range sink.kind(observer.KindPhase) {
		phases = append(phases, e.Direction.String()+":"+e.From.String()+">"+e.To.String())
	}
	assert.Contains(t, phases, "clientbound:login>play")
	assert.Contains(t, phases, "serverbound:login>play")
	assert.Empty(t, sink.kind(observer.KindDecodeError))
}

func TestSignalQueueCoalesces(t *testing.T) {
	q := &signalQueue{}
	q.push(protocol.Signal{Kind: protocol.SignalCompression, Threshold: 64})
	q.push(protocol.Signal{Kind: protocol.SignalPhase, Phase: protocol.PhasePlay})
	q.push(protocol.Signal{Kind: protocol.SignalCompression, Threshold: 256})
	q.push(protocol.Signal{Kind: protocol.SignalPhase, Phase: protocol.PhasePlay})
	q.push(protocol.Signal{Kind: protocol.SignalEncryption})
	q.push(protocol.Signal{Kind: protocol.SignalEncryption})

	got := q.take()
	require.Len(t, got, 3)
	assert.Equal(t, protocol.Signal{Kind: protocol.SignalCompression, Threshold: 256}, got[0])
	assert.Equal(t, protocol.Signal{Kind: protocol.SignalPhase, Phase: protocol.PhasePlay}, got[1])
	assert.Equal(t, protocol.SignalEncryption, got[2].Kind)
	assert.Empty(t, q.take())
}

func TestRelayEncryptionStopsDecoding(t *testing.T) {
	handshake := protocol.EncodeFrame(protocol.PktHandshake,
		protocol.HandshakePayload(protocol.ProtocolVersion, "localhost", 25565, protocol.NextStateLogin))
	encResponse := protocol.EncodeFrame(protocol.PktEncryptionResponse, []byte{0x01, 0x02})
	garbage := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x0F, 0x13, 0x37}
	payload := append(append(append([]byte{}, handshake...), encResponse...), garbage...)

	received := make(chan []byte, 1)
	upstream := startUpstream(t, func(c net.Conn) {
		data, _ := io.ReadAll(c)
		received <- data
	})

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: upstream}, testRegistry(t), sink)
	client, proxied := connPair(t)
	done := serve(context.Background(), relay, proxied)

	_, err := client.Write(payload)
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())
	require.NoError(t, waitServe(t, done))

	assert.Equal(t, payload, <-received)
	assert.Len(t, sink.records(), 2)
	assert.Empty(t, sink.kind(observer.KindDecodeError), "encrypted bytes are not decoded")
}

func TestRelayContextCancelEndsSession(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	upstream := startUpstream(t, func(c net.Conn) { <-release })

	sink := &recordingSink{}
	relay := NewRelay(RelayConfig{Upstream: upstream}, nil, sink)
	_, proxied := connPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := serve(ctx, relay, proxied)

	require.Eventually(t, func() bool { return relay.Sessions().Count() == 1 }, testTimeout, 10*time.Millisecond)
	infos := relay.Sessions().Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, protocol.PhaseHandshake, infos[0].PhaseServerbound)
	assert.Equal(t, -1, infos[0].Compression)

	cancel()
	require.NoError(t, waitServe(t, done))

	closes := sink.kind(observer.KindSessionClose)
	require.Len(t, closes, 1)
	assert.Equal(t, observer.ReasonCanceled, closes[0].Summary.Reason)
}

func TestUpstreamUnreachableErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&UpstreamUnreachableError{Address: "127.0.0.1:1", Err: cause})
	assert.ErrorIs(t, err, ErrUpstreamUnreachable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}
