package types

import "time"

// SpecialMomentIntensity is the emotional intensity at or above which a record
// counts as a special moment.
const SpecialMomentIntensity = 8

// MemoryRecord is the atomic unit of conversational memory: one message in a
// conversation, owned by exactly one user.
type MemoryRecord struct {
	// Identity and ownership
	ID             string `json:"id"`              // UUID, assigned at durable-write time when empty
	UserID         string `json:"user_id"`         // Owning user (UUID)
	ConversationID string `json:"conversation_id"` // Conversation the record belongs to (UUID)

	// SequenceNumber orders records within a conversation. Nil for legacy rows,
	// which are ordered by CreatedAt alone.
	SequenceNumber *int64 `json:"sequence_number,omitempty"`

	Role          Role          `json:"role"`
	Kind          RecordKind    `json:"kind,omitempty"`           // message (default) or control
	Content       string        `json:"content"`                  // Message text; empty only for control records
	ContentFormat ContentFormat `json:"content_format,omitempty"` // Storage format version of Content
	CreatedAt     time.Time     `json:"created_at"`

	// Affect and classification
	Emotion   *Emotion `json:"emotion,omitempty"`
	Archetype string   `json:"archetype,omitempty"` // Opaque label from the diagnostic engine
	UserName  string   `json:"user_name,omitempty"`
	Category  string   `json:"category,omitempty"` // Milestone category (first, confession, ...) or empty for routine

	// Vector representation; absence is a valid state awaiting backfill.
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	// ImportanceWeight is derived by the importance engine and never authoritative.
	ImportanceWeight float64 `json:"importance_weight,omitempty"`

	// ReferenceCount is incremented each time the record is surfaced as related context.
	ReferenceCount int `json:"reference_count"`
}

// IsSpecialMoment reports whether the record carries a high-intensity emotion.
func (r *MemoryRecord) IsSpecialMoment() bool {
	return r.Emotion != nil && r.Emotion.Intensity >= SpecialMomentIntensity
}

// Intensity returns the emotional intensity or 0 when no emotion is attached.
func (r *MemoryRecord) Intensity() int {
	if r.Emotion == nil {
		return 0
	}
	return r.Emotion.Intensity
}

// HasEmbedding reports whether a vector has been attached to the record.
func (r *MemoryRecord) HasEmbedding() bool {
	return len(r.Embedding) > 0
}

// CacheEntry projects the record into its session cache shape.
func (r *MemoryRecord) CacheEntry() SessionCacheEntry {
	return SessionCacheEntry{
		ID:        r.ID,
		Content:   r.Content,
		Role:      r.Role,
		Timestamp: r.CreatedAt,
		SessionID: r.ConversationID,
		Emotion:   r.Emotion,
	}
}

// Emotion is the affect classification attached to a message.
type Emotion struct {
	Label     string          `json:"label"`
	Intensity int             `json:"intensity"` // 1..10
	Category  EmotionCategory `json:"category"`
	Keywords  []string        `json:"keywords,omitempty"`
}

// SessionCacheEntry is the short-lived projection of a MemoryRecord kept in
// the session cache. It is always reconstructable from the durable store.
type SessionCacheEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Emotion   *Emotion  `json:"emotion,omitempty"`
}

// ScoredRecord pairs a record with its similarity to a query vector.
type ScoredRecord struct {
	Record     MemoryRecord `json:"record"`
	Similarity float64      `json:"similarity"`
}
