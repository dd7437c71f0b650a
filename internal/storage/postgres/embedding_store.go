package postgres

import (
	"context"
	"database/sql"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SetEmbedding attaches vec to the record. The raw bytes are always kept;
// embedding_vec is filled as well when pgvector is installed.
func (s *MemoryStore) SetEmbedding(ctx context.Context, id string, vec []float32, model string) error {
	if id == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_records
		SET embedding_bytes = $1, embedding_model = $2, embedding_dimension = $3
		WHERE id = $4`,
		storage.EncodeVector(vec), model, len(vec), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}

	if s.pgvectorAvailable {
		return s.setVectorColumn(ctx, s.db, id, vec)
	}
	return nil
}

func (s *MemoryStore) setVectorColumn(ctx context.Context, ex execer, id string, vec []float32) error {
	if _, err := ex.ExecContext(ctx,
		`UPDATE memory_records SET embedding_vec = $1 WHERE id = $2`,
		pgvector.NewVector(vec), id); err != nil {
		return fmt.Errorf("postgres: failed to store vector column: %w", err)
	}
	return nil
}

// ListMissingEmbeddings pages through message records without a vector.
func (s *MemoryStore) ListMissingEmbeddings(ctx context.Context, q storage.MissingEmbeddingsQuery) ([]types.MemoryRecord, error) {
	q.Normalize()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records
		WHERE user_id = $1 AND embedding_bytes IS NULL AND kind = $2 AND content <> '' AND id > $3
		ORDER BY id ASC
		LIMIT $4`,
		q.UserID, string(types.KindMessage), q.AfterID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list missing embeddings: %w", err)
	}
	records, err := storage.ScanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return records, nil
}

// ListEmbedded returns every record of the user that carries a vector.
func (s *MemoryStore) ListEmbedded(ctx context.Context, userID string) ([]types.MemoryRecord, error) {
	return s.listEmbedded(ctx, userID, false)
}

func (s *MemoryStore) listEmbedded(ctx context.Context, userID string, specialOnly bool) ([]types.MemoryRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM memory_records
		WHERE user_id = $1 AND embedding_bytes IS NOT NULL`
	args := []any{userID}
	if specialOnly {
		query += ` AND emotion_intensity >= $2`
		args = append(args, types.SpecialMomentIntensity)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list embedded records: %w", err)
	}
	records, err := storage.ScanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return records, nil
}

// SearchByVector uses pgvector cosine distance when available and falls back
// to an in-process scan otherwise. Vectors of a different dimension than the
// query are never compared.
func (s *MemoryStore) SearchByVector(ctx context.Context, q storage.VectorQuery) ([]types.ScoredRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if !s.pgvectorAvailable {
		candidates, err := s.listEmbedded(ctx, q.UserID, q.SpecialOnly)
		if err != nil {
			return nil, err
		}
		return storage.RankBySimilarity(candidates, q), nil
	}

	query := `SELECT ` + recordColumns + `, 1 - (embedding_vec <=> $1::vector) AS similarity
		FROM memory_records
		WHERE user_id = $2
		  AND embedding_vec IS NOT NULL
		  AND vector_dims(embedding_vec) = $3
		  AND 1 - (embedding_vec <=> $1::vector) >= $4`
	args := []any{pgvector.NewVector(q.Vector), q.UserID, len(q.Vector), q.Threshold}
	if q.SpecialOnly {
		args = append(args, types.SpecialMomentIntensity)
		query += fmt.Sprintf(` AND emotion_intensity >= $%d`, len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(` ORDER BY embedding_vec <=> $1::vector ASC, created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer rows.Close()

	var results []types.ScoredRecord
	for rows.Next() {
		var sim float64
		rec, err := storage.ScanRecord(rows, &sim)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan search result: %w", err)
		}
		results = append(results, types.ScoredRecord{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to iterate search results: %w", err)
	}
	return results, nil
}
