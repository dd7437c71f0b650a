package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the record and user state tables.
// Declared in package postgres so the postgres_test package can reach the
// unexported db handle.
func (s *MemoryStore) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE memory_records, user_state")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
