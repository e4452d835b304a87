package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mclisten-project/mclisten/internal/protocol"
)

// StatusResponse is the subset of the server list JSON the checker reads.
type StatusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
	} `json:"players"`
	Description json.RawMessage `json:"description"`

	Latency time.Duration `json:"-"`
}

// MOTD returns the plain text of the description, which servers send
// either as a bare string or as a chat component.
func (s *StatusResponse) MOTD() string {
	if len(s.Description) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(s.Description, &text); err == nil {
		return text
	}
	var component struct {
		Text  string `json:"text"`
		Extra []struct {
			Text string `json:"text"`
		} `json:"extra"`
	}
	if err := json.Unmarshal(s.Description, &component); err != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(component.Text)
	for _, e := range component.Extra {
		b.WriteString(e.Text)
	}
	return b.String()
}

var errUnexpectedPacket = errors.New("unexpected packet")

// Ping performs a server list ping against addr: a Handshake with next
// state Status, a Status Request, then a Status Ping whose round trip is
// the reported latency. The whole exchange must finish within timeout.
func Ping(ctx context.Context, addr string, timeout time.Duration) (*StatusResponse, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	request := protocol.BuildHandshake(protocol.ProtocolVersion, host, uint16(port), protocol.NextStateStatus)
	request = append(request, protocol.BuildStatusRequest()...)
	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("send status request: %w", err)
	}

	fr := newFrameReader(conn)
	frame, err := fr.next()
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if frame.ID != protocol.PktStatusResponse {
		return nil, fmt.Errorf("%w: 0x%02X instead of status response", errUnexpectedPacket, frame.ID)
	}
	body, err := protocol.NewPacketReader(frame.Payload).ReadString()
	if err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	var resp StatusResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("parse status JSON: %w", err)
	}

	token := time.Now().UnixMilli()
	sent := time.Now()
	if _, err := conn.Write(protocol.BuildStatusPing(token)); err != nil {
		return nil, fmt.Errorf("send status ping: %w", err)
	}
	frame, err = fr.next()
	if err != nil {
		return nil, fmt.Errorf("read pong: %w", err)
	}
	if frame.ID != protocol.PktStatusPong {
		return nil, fmt.Errorf("%w: 0x%02X instead of pong", errUnexpectedPacket, frame.ID)
	}
	echoed, err := protocol.NewPacketReader(frame.Payload).ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("decode pong: %w", err)
	}
	if echoed != token {
		return nil, fmt.Errorf("pong token mismatch: sent %d, got %d", token, echoed)
	}
	resp.Latency = time.Since(sent)

	return &resp, nil
}

// frameReader pulls whole frames off a connection through a Reassembler.
type frameReader struct {
	conn    net.Conn
	r       *protocol.Reassembler
	buf     []byte
	pending []protocol.Frame
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{
		conn: conn,
		r:    protocol.NewReassembler(0),
		buf:  make([]byte, 4096),
	}
}

func (f *frameReader) next() (protocol.Frame, error) {
	for len(f.pending) == 0 {
		n, err := f.conn.Read(f.buf)
		if n > 0 {
			for frame, ferr := range f.r.Feed(f.buf[:n]) {
				if ferr != nil {
					return protocol.Frame{}, ferr
				}
				f.pending = append(f.pending, frame)
			}
		}
		if err != nil && len(f.pending) == 0 {
			return protocol.Frame{}, err
		}
	}
	frame := f.pending[0]
	f.pending = f.pending[1:]
	return frame, nil
}
