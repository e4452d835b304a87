package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mclisten-project/mclisten/internal/events"
)

const captureHandlerPrefix = "capture."

// CaptureStore records sessions, packets and phase changes from the event
// bus into SQLite.
type CaptureStore struct {
	db            *Database
	storePayloads bool
	logger        zerolog.Logger
}

// SessionRow is a stored session.
type SessionRow struct {
	ID               string    `json:"id"`
	Client           string    `json:"client"`
	Upstream         string    `json:"upstream"`
	OpenedAt         time.Time `json:"opened_at"`
	ClosedAt         time.Time `json:"closed_at,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	BytesServerbound uint64    `json:"bytes_serverbound"`
	BytesClientbound uint64    `json:"bytes_clientbound"`
	Packets          uint64    `json:"packets"`
	FinalPhase       string    `json:"final_phase,omitempty"`
}

// PacketRow is a stored packet.
type PacketRow struct {
	SessionID  string    `json:"session_id"`
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
	Direction  string    `json:"direction"`
	Phase      string    `json:"phase"`
	PacketID   uint32    `json:"packet_id"`
	Name       string    `json:"name,omitempty"`
	Length     uint32    `json:"length"`
	Compressed bool      `json:"compressed"`
	Payload    []byte    `json:"payload,omitempty"`
}

// NewCaptureStore opens the capture database at path and migrates it.
// Packet payloads are only stored when storePayloads is set.
func NewCaptureStore(path string, storePayloads bool) (*CaptureStore, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	cs := &CaptureStore{
		db:            database,
		storePayloads: storePayloads,
		logger:        log.With().Str("component", "capture").Logger(),
	}
	if err := cs.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate capture database: %w", err)
	}
	return cs, nil
}

// migrate creates the database schema. Times are unix nanoseconds.
func (cs *CaptureStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			client TEXT NOT NULL DEFAULT '',
			upstream TEXT NOT NULL DEFAULT '',
			opened_at INTEGER NOT NULL,
			closed_at INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			bytes_serverbound INTEGER NOT NULL DEFAULT 0,
			bytes_clientbound INTEGER NOT NULL DEFAULT 0,
			packets INTEGER NOT NULL DEFAULT 0,
			final_phase TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS packets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			time INTEGER NOT NULL,
			direction TEXT NOT NULL,
			phase TEXT NOT NULL,
			packet_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			length INTEGER NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			payload BLOB
		);

		CREATE TABLE IF NOT EXISTS phase_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			time INTEGER NOT NULL,
			direction TEXT NOT NULL,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_packets_session ON packets(session_id, seq);
		CREATE INDEX IF NOT EXISTS idx_packets_time ON packets(time);
		CREATE INDEX IF NOT EXISTS idx_sessions_opened ON sessions(opened_at);
		CREATE INDEX IF NOT EXISTS idx_phase_changes_time ON phase_changes(time);
	`

	if _, err := cs.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	cs.logger.Debug().Msg("capture schema migrated")
	return nil
}

// Close closes the underlying database.
func (cs *CaptureStore) Close() error {
	return cs.db.Close()
}

func (cs *CaptureStore) subscriptions() map[events.EventType]events.HandlerFunc {
	return map[events.EventType]events.HandlerFunc{
		events.EventSessionOpened: cs.onSessionOpened,
		events.EventSessionClosed: cs.onSessionClosed,
		events.EventPacket:        cs.onPacket,
		events.EventPhaseChanged:  cs.onPhaseChanged,
	}
}

// Subscribe registers the store's handlers on bus.
func (cs *CaptureStore) Subscribe(bus *events.EventBus) {
	for eventType, handler := range cs.subscriptions() {
		name := captureHandlerPrefix + string(eventType)
		if eventType == events.EventPacket {
			bus.SubscribeQueued(eventType, name, events.PacketQueueSize, handler)
			continue
		}
		bus.Subscribe(eventType, name, handler)
	}
}

// Unsubscribe removes the store's handlers from bus.
func (cs *CaptureStore) Unsubscribe(bus *events.EventBus) {
	for eventType := range cs.subscriptions() {
		bus.Unsubscribe(eventType, captureHandlerPrefix+string(eventType))
	}
}

func (cs *CaptureStore) onSessionOpened(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SessionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	return cs.RecordSessionOpen(p)
}

func (cs *CaptureStore) onSessionClosed(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SessionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	return cs.RecordSessionClose(p)
}

func (cs *CaptureStore) onPacket(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.PacketPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	return cs.RecordPacket(p)
}

func (cs *CaptureStore) onPhaseChanged(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.PhasePayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	t := p.Time
	if t.IsZero() {
		t = time.Now()
	}
	return cs.RecordPhaseChange(p, t)
}

// RecordSessionOpen stores a newly opened session.
func (cs *CaptureStore) RecordSessionOpen(p events.SessionPayload) error {
	_, err := cs.db.Exec(`
		INSERT INTO sessions (id, client, upstream, opened_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		p.SessionID, p.Client, p.Upstream, p.OpenedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", p.SessionID, err)
	}
	return nil
}

// RecordSessionClose stores the final state of a session. Sessions that
// never opened (upstream unreachable) are inserted here.
func (cs *CaptureStore) RecordSessionClose(p events.SessionPayload) error {
	_, err := cs.db.Exec(`
		INSERT INTO sessions (id, client, upstream, opened_at, closed_at, reason,
			bytes_serverbound, bytes_clientbound, packets, final_phase)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			closed_at = excluded.closed_at,
			reason = excluded.reason,
			bytes_serverbound = excluded.bytes_serverbound,
			bytes_clientbound = excluded.bytes_clientbound,
			packets = excluded.packets,
			final_phase = excluded.final_phase`,
		p.SessionID, p.Client, p.Upstream, p.OpenedAt.UnixNano(), p.ClosedAt.UnixNano(), p.Reason,
		int64(p.BytesServerbound), int64(p.BytesClientbound), int64(p.Packets), p.FinalPhase)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", p.SessionID, err)
	}
	return nil
}

// RecordPacket stores one decoded packet.
func (cs *CaptureStore) RecordPacket(p events.PacketPayload) error {
	var payload []byte
	if cs.storePayloads {
		payload = p.Payload
	}
	_, err := cs.db.Exec(`
		INSERT INTO packets (session_id, seq, time, direction, phase, packet_id, name, length, compressed, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, int64(p.Seq), p.Time.UnixNano(), p.Direction, p.Phase,
		int64(p.PacketID), p.Name, int64(p.Length), p.Compressed, payload)
	if err != nil {
		return fmt.Errorf("failed to record packet: %w", err)
	}
	return nil
}

// RecordPhaseChange stores a phase transition observed at t.
func (cs *CaptureStore) RecordPhaseChange(p events.PhasePayload, t time.Time) error {
	_, err := cs.db.Exec(`
		INSERT INTO phase_changes (session_id, time, direction, from_phase, to_phase)
		VALUES (?, ?, ?, ?, ?)`,
		p.SessionID, t.UnixNano(), p.Direction, p.From, p.To)
	if err != nil {
		return fmt.Errorf("failed to record phase change: %w", err)
	}
	return nil
}

// SessionPhases returns the phase changes of one session in time order.
func (cs *CaptureStore) SessionPhases(sessionID string) ([]events.PhasePayload, error) {
	rows, err := cs.db.Query(`
		SELECT session_id, time, direction, from_phase, to_phase
		FROM phase_changes WHERE session_id = ? ORDER BY time, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase changes: %w", err)
	}
	defer rows.Close()

	var out []events.PhasePayload
	for rows.Next() {
		var (
			p  events.PhasePayload
			ts int64
		)
		if err := rows.Scan(&p.SessionID, &ts, &p.Direction, &p.From, &p.To); err != nil {
			return nil, fmt.Errorf("failed to scan phase change: %w", err)
		}
		p.Time = time.Unix(0, ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentSessions returns up to limit sessions, newest first.
func (cs *CaptureStore) RecentSessions(limit int) ([]SessionRow, error) {
	rows, err := cs.db.Query(`
		SELECT id, client, upstream, opened_at, closed_at, reason,
			bytes_serverbound, bytes_clientbound, packets, final_phase
		FROM sessions ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			s                  SessionRow
			opened             int64
			closed             sql.NullInt64
			sb, cb, packetsNum int64
		)
		if err := rows.Scan(&s.ID, &s.Client, &s.Upstream, &opened, &closed, &s.Reason,
			&sb, &cb, &packetsNum, &s.FinalPhase); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.OpenedAt = time.Unix(0, opened)
		if closed.Valid {
			s.ClosedAt = time.Unix(0, closed.Int64)
		}
		s.BytesServerbound, s.BytesClientbound, s.Packets = uint64(sb), uint64(cb), uint64(packetsNum)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionPackets returns up to limit packets of one session in sequence
// order.
func (cs *CaptureStore) SessionPackets(sessionID string, limit int) ([]PacketRow, error) {
	rows, err := cs.db.Query(`
		SELECT session_id, seq, time, direction, phase, packet_id, name, length, compressed, payload
		FROM packets WHERE session_id = ? ORDER BY seq LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query packets: %w", err)
	}
	defer rows.Close()

	var out []PacketRow
	for rows.Next() {
		var (
			p                   PacketRow
			seq, ts, id, length int64
		)
		if err := rows.Scan(&p.SessionID, &seq, &ts, &p.Direction, &p.Phase, &id, &p.Name,
			&length, &p.Compressed, &p.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan packet: %w", err)
		}
		p.Seq, p.Time, p.PacketID, p.Length = uint64(seq), time.Unix(0, ts), uint32(id), uint32(length)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes packets, phase changes and closed sessions
// recorded before cutoff. It returns the number of deleted packets.
func (cs *CaptureStore) PruneOlderThan(cutoff time.Time) (int64, error) {
	var removed int64
	err := cs.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM packets WHERE time < ?`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()

		if _, err := tx.Exec(`DELETE FROM phase_changes WHERE time < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff.UnixNano())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune capture: %w", err)
	}

	cs.logger.Info().
		Int64("packets", removed).
		Time("cutoff", cutoff).
		Msg("capture pruned")
	return removed, nil
}
