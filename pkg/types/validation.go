package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidIdentifier is returned when a user, conversation or session
// identifier is not a well-formed UUID.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// ErrInvalidRecord is returned when a record fails structural validation.
var ErrInvalidRecord = errors.New("invalid record")

// ValidateID checks that value is a canonical UUID. name is used in the error.
func ValidateID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidIdentifier, name)
	}
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Errorf("%w: %s %q is not a UUID", ErrInvalidIdentifier, name, value)
	}
	return nil
}

// ValidateIDs validates name/value pairs in order and returns the first error.
func ValidateIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := ValidateID(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks e for a known category and an intensity in 1..10.
func (e *Emotion) Validate() error {
	if e == nil {
		return nil
	}
	if e.Intensity < 1 || e.Intensity > 10 {
		return fmt.Errorf("%w: emotion intensity must be between 1 and 10, got %d", ErrInvalidRecord, e.Intensity)
	}
	if e.Category != "" && !e.Category.IsValid() {
		return fmt.Errorf("%w: unknown emotion category %q", ErrInvalidRecord, e.Category)
	}
	return nil
}

// Validate checks identifiers, role, content and emotion of a record.
func (r *MemoryRecord) Validate() error {
	if err := ValidateIDs("user_id", r.UserID, "conversation_id", r.ConversationID); err != nil {
		return err
	}
	if r.ID != "" {
		if err := ValidateID("id", r.ID); err != nil {
			return err
		}
	}
	if !r.Role.IsValid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRecord, r.Role)
	}
	if r.Kind != KindControl && strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidRecord)
	}
	if r.SequenceNumber != nil && *r.SequenceNumber < 1 {
		return fmt.Errorf("%w: sequence number must be positive, got %d", ErrInvalidRecord, *r.SequenceNumber)
	}
	return r.Emotion.Validate()
}
