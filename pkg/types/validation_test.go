package types_test

import (
	"errors"
	"testing"

	"github.com/scrypster/recall/pkg/types"
)

const (
	testUser = "0b7f6d0e-1c2a-4b8e-9a61-3f7e2d1c4b55"
	testConv = "6a2e4c1d-8b3f-4e7a-a5c9-2d1b0f9e8c77"
)

func TestValidateID(t *testing.T) {
	if err := types.ValidateID("user_id", testUser); err != nil {
		t.Fatalf("expected valid UUID, got %v", err)
	}

	for _, bad := range []string{"", "   ", "user-1", "0b7f6d0e-1c2a-4b8e-9a61"} {
		err := types.ValidateID("user_id", bad)
		if !errors.Is(err, types.ErrInvalidIdentifier) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidIdentifier", bad, err)
		}
	}
}

func TestValidateIDs_ReportsFirstFailure(t *testing.T) {
	err := types.ValidateIDs("user_id", testUser, "session_id", "nope", "conversation_id", "")
	if !errors.Is(err, types.ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
	if got := err.Error(); got != `invalid identifier: session_id "nope" is not a UUID` {
		t.Errorf("unexpected message %q", got)
	}
}

func TestMemoryRecordValidate(t *testing.T) {
	valid := func() types.MemoryRecord {
		return types.MemoryRecord{
			UserID:         testUser,
			ConversationID: testConv,
			Role:           types.RoleUser,
			Content:        "I got the job!",
			Emotion:        &types.Emotion{Label: "joy", Intensity: 9, Category: types.EmotionPositive},
		}
	}

	r := valid()
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}

	zero := int64(0)
	cases := map[string]func(*types.MemoryRecord){
		"bad role":       func(r *types.MemoryRecord) { r.Role = "system" },
		"empty content":  func(r *types.MemoryRecord) { r.Content = " " },
		"intensity low":  func(r *types.MemoryRecord) { r.Emotion.Intensity = 0 },
		"intensity high": func(r *types.MemoryRecord) { r.Emotion.Intensity = 11 },
		"bad category":   func(r *types.MemoryRecord) { r.Emotion.Category = "mixed" },
		"zero sequence":  func(r *types.MemoryRecord) { r.SequenceNumber = &zero },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := valid()
			mutate(&r)
			if err := r.Validate(); !errors.Is(err, types.ErrInvalidRecord) {
				t.Errorf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}

	t.Run("control record may be empty", func(t *testing.T) {
		r := valid()
		r.Kind = types.KindControl
		r.Content = ""
		if err := r.Validate(); err != nil {
			t.Errorf("expected control record to validate, got %v", err)
		}
	})

	t.Run("malformed user", func(t *testing.T) {
		r := valid()
		r.UserID = "abc"
		if err := r.Validate(); !errors.Is(err, types.ErrInvalidIdentifier) {
			t.Errorf("expected ErrInvalidIdentifier, got %v", err)
		}
	})
}
