package types

import (
	"encoding/json"
	"time"
)

// UserStateKind names the kind of document stored in UserState.
type UserStateKind string

// User state kinds migrated by the sync coordinator alongside messages.
const (
	UserStateProfile UserStateKind = "profile"
	UserStateSession UserStateKind = "session"
)

// UserState is a small per-user document (profile or session metadata) that
// is written locally and reconciled with the durable store on sign-in.
type UserState struct {
	UserID    string          `json:"user_id"`
	Kind      UserStateKind   `json:"kind"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}
