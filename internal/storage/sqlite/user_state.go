package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// PutUserState upserts a profile or session document. An older UpdatedAt
// never overwrites a newer one.
func (s *MemoryStore) PutUserState(ctx context.Context, st *types.UserState) error {
	if st == nil || st.UserID == "" || st.Kind == "" || st.Key == "" {
		return fmt.Errorf("%w: user state requires user id, kind and key", storage.ErrInvalidInput)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	payload := string(st.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_state (user_id, kind, key, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, kind, key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= user_state.updated_at`,
		st.UserID, string(st.Kind), st.Key, payload, st.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to put user state: %w", err)
	}
	return nil
}

// GetUserState returns storage.ErrNotFound when the document is absent.
func (s *MemoryStore) GetUserState(ctx context.Context, userID string, kind types.UserStateKind, key string) (*types.UserState, error) {
	var (
		st      types.UserState
		kindStr string
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, kind, key, payload, updated_at FROM user_state
		WHERE user_id = ? AND kind = ? AND key = ?`,
		userID, string(kind), key,
	).Scan(&st.UserID, &kindStr, &st.Key, &payload, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get user state: %w", err)
	}

	st.Kind = types.UserStateKind(kindStr)
	st.Payload = []byte(payload)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}
