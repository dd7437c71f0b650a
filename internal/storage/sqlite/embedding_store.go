package sqlite

import (
	"context"
	"fmt"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// SetEmbedding attaches vec to the record, replacing any previous vector.
func (s *MemoryStore) SetEmbedding(ctx context.Context, id string, vec []float32, model string) error {
	if id == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_records
		SET embedding = ?, embedding_model = ?, embedding_dimension = ?
		WHERE id = ?`,
		storage.EncodeVector(vec), model, len(vec), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListMissingEmbeddings pages through message records without a vector.
func (s *MemoryStore) ListMissingEmbeddings(ctx context.Context, q storage.MissingEmbeddingsQuery) ([]types.MemoryRecord, error) {
	q.Normalize()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records
		WHERE user_id = ? AND embedding IS NULL AND kind = ? AND content != '' AND id > ?
		ORDER BY id ASC
		LIMIT ?`,
		q.UserID, string(types.KindMessage), q.AfterID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list missing embeddings: %w", err)
	}
	records, err := storage.ScanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return records, nil
}

// ListEmbedded returns every record of the user that carries a vector.
func (s *MemoryStore) ListEmbedded(ctx context.Context, userID string) ([]types.MemoryRecord, error) {
	return s.listEmbedded(ctx, userID, false)
}

func (s *MemoryStore) listEmbedded(ctx context.Context, userID string, specialOnly bool) ([]types.MemoryRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM memory_records
		WHERE user_id = ? AND embedding IS NOT NULL`
	args := []any{userID}
	if specialOnly {
		query += ` AND emotion_intensity >= ?`
		args = append(args, types.SpecialMomentIntensity)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list embedded records: %w", err)
	}
	records, err := storage.ScanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return records, nil
}

// SearchByVector scores the user's embedded records in memory. SQLite has no
// native vector index here, so this is a brute-force cosine scan.
func (s *MemoryStore) SearchByVector(ctx context.Context, q storage.VectorQuery) ([]types.ScoredRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	candidates, err := s.listEmbedded(ctx, q.UserID, q.SpecialOnly)
	if err != nil {
		return nil, err
	}
	return storage.RankBySimilarity(candidates, q), nil
}
