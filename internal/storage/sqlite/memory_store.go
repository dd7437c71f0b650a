// Package sqlite provides the local SQLite implementation of the durable
// memory tier, built on the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/recall/internal/keylock"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Ensure *MemoryStore implements storage.DurableStore at compile time.
var _ storage.DurableStore = (*MemoryStore)(nil)

const recordColumns = `id, user_id, conversation_id, sequence_number, role, kind, content,
	content_format, emotion_label, emotion_intensity, emotion_category, emotion_keywords,
	archetype, user_name, category, reference_count, embedding, embedding_model, created_at`

// MemoryStore implements storage.DurableStore using SQLite.
type MemoryStore struct {
	db     *sql.DB
	locks  *keylock.Map
	logger zerolog.Logger
	now    func() time.Time
}

// NewMemoryStore opens dsn, recovering once from stale WAL files left behind
// by a crashed process, and applies pending migrations.
func NewMemoryStore(ctx context.Context, dsn string, logger zerolog.Logger) (*MemoryStore, error) {
	logger = logger.With().Str("component", "sqlite").Logger()

	store, err := openMemoryStore(ctx, dsn, logger)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath, logger)

	store, retryErr := openMemoryStore(ctx, dsn, logger)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	logger.Warn().Str("path", dbPath).Msg("recovered from stale WAL files")
	return store, nil
}

func openMemoryStore(ctx context.Context, dsn string, logger zerolog.Logger) (*MemoryStore, error) {
	db, err := Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := storage.Migrate(ctx, db, storage.DialectSQLite, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &MemoryStore{
		db:     db,
		locks:  keylock.New(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Open opens a SQLite database configured for a single writer: one pooled
// connection, WAL journaling and a busy timeout. It is shared with the local
// sync buffer. The parent directory of a file DSN is created if missing.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if err := ensureDir(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Append writes rec and fills in its ID, CreatedAt and SequenceNumber.
// Re-appending an existing ID is a no-op that returns the stored sequence.
func (s *MemoryStore) Append(ctx context.Context, rec *types.MemoryRecord) (string, error) {
	if err := storage.ValidateForAppend(rec); err != nil {
		return "", err
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.Kind == "" {
		rec.Kind = types.KindMessage
	}
	rec.ContentFormat = types.ContentFormatPlain

	unlock := s.locks.Lock(rec.UserID + "/" + rec.ConversationID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq := rec.SequenceNumber
	if seq == nil {
		var maxSeq sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(sequence_number) FROM memory_records WHERE user_id = ? AND conversation_id = ?`,
			rec.UserID, rec.ConversationID,
		).Scan(&maxSeq)
		if err != nil {
			return "", fmt.Errorf("sqlite: failed to read sequence: %w", err)
		}
		next := maxSeq.Int64 + 1
		seq = &next
	}

	stored := *rec
	stored.SequenceNumber = seq
	values, err := storage.RecordValues(&stored)
	if err != nil {
		return "", fmt.Errorf("sqlite: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO memory_records (`+recordColumns+`)
		VALUES (`+placeholders(storage.RecordColumnCount)+`)
		ON CONFLICT(id) DO NOTHING`,
		values...,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to append record: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		var existing sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT sequence_number FROM memory_records WHERE id = ?`, rec.ID,
		).Scan(&existing); err != nil {
			return "", fmt.Errorf("sqlite: failed to read existing record: %w", err)
		}
		seq = nil
		if existing.Valid {
			v := existing.Int64
			seq = &v
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: failed to commit append: %w", err)
	}

	rec.SequenceNumber = seq
	return rec.ID, nil
}

// Get retrieves a record by ID for its owner.
func (s *MemoryStore) Get(ctx context.Context, userID, id string) (*types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE id = ? AND user_id = ?`, id, userID)

	rec, err := storage.ScanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get record: %w", err)
	}
	return &rec, nil
}

// GetMany retrieves several records of one user, in the order of ids.
func (s *MemoryStore) GetMany(ctx context.Context, userID string, ids []string) ([]types.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records
		WHERE user_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get records: %w", err)
	}
	records, err := storage.ScanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return storage.OrderByIDs(records, ids), nil
}

// ListByConversation returns the conversation in (sequence, created_at) order.
func (s *MemoryStore) ListByConversation(ctx context.Context, userID, conversationID string) ([]types.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records
		WHERE user_id = ? AND conversation_id = ?
		ORDER BY COALESCE(sequence_number, 0) ASC, created_at ASC, id ASC`,
		userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list conversation: %w", err)
	}
	records, err := storage.ScanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return records, nil
}

// ListRecent returns the user's newest records first.
func (s *MemoryStore) ListRecent(ctx context.Context, userID string, opts storage.ListOptions) ([]types.MemoryRecord, error) {
	opts.Normalize()

	query := `SELECT ` + recordColumns + ` FROM memory_records WHERE user_id = ?`
	args := []any{userID}
	if opts.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, opts.ConversationID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list recent records: %w", err)
	}
	records, err := storage.ScanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return records, nil
}

// RepairSequence renumbers the conversation 1..N by ascending created_at and
// returns N.
func (s *MemoryStore) RepairSequence(ctx context.Context, conversationID, userID string) (int, error) {
	unlock := s.locks.Lock(userID + "/" + conversationID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM memory_records
		WHERE user_id = ? AND conversation_id = ?
		ORDER BY created_at ASC, COALESCE(sequence_number, 0) ASC, id ASC`,
		userID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read conversation: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to iterate conversation: %w", err)
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_records SET sequence_number = ? WHERE id = ?`, i+1, id); err != nil {
			return 0, fmt.Errorf("sqlite: failed to renumber %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to commit repair: %w", err)
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("conversation_id", conversationID).
		Int("records", len(ids)).
		Msg("sequence repaired")

	return len(ids), nil
}

// IncrementReferenceCount bumps reference_count on every listed record.
func (s *MemoryStore) IncrementReferenceCount(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET reference_count = reference_count + 1
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to increment reference count: %w", err)
	}
	return nil
}

// NormalizeLegacyContent rewrites every legacy-format row into plain format.
func (s *MemoryStore) NormalizeLegacyContent(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, content FROM memory_records WHERE content_format = ?`, int(types.ContentFormatLegacy))
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read legacy rows: %w", err)
	}

	type legacyRow struct{ id, content string }
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: failed to scan legacy row: %w", err)
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to iterate legacy rows: %w", err)
	}

	for _, r := range legacy {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_records SET content = ?, content_format = ? WHERE id = ?`,
			storage.DecodeLegacy(r.content), int(types.ContentFormatPlain), r.id); err != nil {
			return 0, fmt.Errorf("sqlite: failed to normalize %s: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to commit normalization: %w", err)
	}
	return len(legacy), nil
}

// Ping checks that the database is reachable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying connection for tests and tooling.
func (s *MemoryStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *MemoryStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
