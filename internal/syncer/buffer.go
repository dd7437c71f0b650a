package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/scrypster/recall/internal/storage/sqlite"
)

// PendingKind identifies what a buffered write carries.
type PendingKind string

const (
	PendingRecord    PendingKind = "record"
	PendingUserState PendingKind = "user_state"
)

// PendingWrite is one buffered write awaiting replay.
type PendingWrite struct {
	ID        string          `json:"id"` // ULID
	Kind      PendingKind     `json:"kind"`
	Anonymous bool            `json:"anonymous"`
	Payload   json.RawMessage `json:"payload"`
	QueuedAt  time.Time       `json:"queued_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// conversationID returns the conversation of a buffered record, or "" for
// other kinds.
func (pw PendingWrite) conversationID() string {
	if pw.Kind != PendingRecord {
		return ""
	}
	var ref struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(pw.Payload, &ref); err != nil {
		return ""
	}
	return ref.ConversationID
}

const bufferSchema = `
CREATE TABLE IF NOT EXISTS pending_writes (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	anonymous  INTEGER NOT NULL DEFAULT 0,
	payload    TEXT NOT NULL,
	queued_at  INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_fifo ON pending_writes (queued_at, id);
`

// Buffer is the on-disk FIFO of writes that could not reach the durable tier.
type Buffer struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// OpenBuffer opens (creating if needed) the buffer database at dsn.
func OpenBuffer(ctx context.Context, dsn string, logger zerolog.Logger) (*Buffer, error) {
	db, err := sqlite.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sync buffer: %w", err)
	}
	if _, err := db.ExecContext(ctx, bufferSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync buffer: create schema: %w", err)
	}

	return &Buffer{
		db:      db,
		logger:  logger.With().Str("component", "sync_buffer").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

func (b *Buffer) newID(t time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), b.entropy).String()
}

// Enqueue appends payload to the buffer.
func (b *Buffer) Enqueue(ctx context.Context, kind PendingKind, anonymous bool, payload any) (PendingWrite, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PendingWrite{}, fmt.Errorf("sync buffer: marshal payload: %w", err)
	}

	now := b.now()
	pw := PendingWrite{
		ID:        b.newID(now),
		Kind:      kind,
		Anonymous: anonymous,
		Payload:   data,
		QueuedAt:  now,
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO pending_writes (id, kind, anonymous, payload, queued_at) VALUES (?, ?, ?, ?, ?)`,
		pw.ID, string(pw.Kind), boolToInt(anonymous), string(data), now.UnixNano())
	if err != nil {
		return PendingWrite{}, fmt.Errorf("sync buffer: enqueue: %w", err)
	}

	b.logger.Debug().Str("id", pw.ID).Str("kind", string(kind)).Msg("write buffered")
	return pw, nil
}

// List returns buffered writes oldest first.
func (b *Buffer) List(ctx context.Context) ([]PendingWrite, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, kind, anonymous, payload, queued_at, attempts, last_error
		FROM pending_writes ORDER BY queued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sync buffer: list: %w", err)
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var (
			pw        PendingWrite
			kind      string
			anonymous int
			payload   string
			queuedAt  int64
			lastError sql.NullString
		)
		if err := rows.Scan(&pw.ID, &kind, &anonymous, &payload, &queuedAt, &pw.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("sync buffer: scan: %w", err)
		}
		pw.Kind = PendingKind(kind)
		pw.Anonymous = anonymous != 0
		pw.Payload = json.RawMessage(payload)
		pw.QueuedAt = time.Unix(0, queuedAt).UTC()
		pw.LastError = lastError.String
		out = append(out, pw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync buffer: iterate: %w", err)
	}
	return out, nil
}

// Remove deletes a replayed write.
func (b *Buffer) Remove(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM pending_writes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sync buffer: remove %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed replay attempt; the write stays queued.
func (b *Buffer) MarkFailed(ctx context.Context, id string, cause error) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE pending_writes SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		cause.Error(), id)
	if err != nil {
		return fmt.Errorf("sync buffer: mark failed %s: %w", id, err)
	}
	return nil
}

// Len returns the number of buffered writes.
func (b *Buffer) Len(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync buffer: count: %w", err)
	}
	return n, nil
}

// PendingFor reports whether any buffered record belongs to conversationID.
func (b *Buffer) PendingFor(ctx context.Context, conversationID string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_writes
		WHERE kind = ? AND json_extract(payload, '$.conversation_id') = ?`,
		string(PendingRecord), conversationID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sync buffer: pending for %s: %w", conversationID, err)
	}
	return n > 0, nil
}

// Contains reports whether the write with id is still buffered.
func (b *Buffer) Contains(ctx context.Context, id string) (bool, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("sync buffer: contains %s: %w", id, err)
	}
	return n > 0, nil
}

// Close closes the buffer database.
func (b *Buffer) Close() error {
	return b.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
