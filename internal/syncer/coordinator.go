package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

var (
	// ErrAlreadySignedIn is returned by SignIn when another user holds the session.
	ErrAlreadySignedIn = errors.New("another user is signed in")

	// ErrInvalidTransition is returned when an operation is illegal in the
	// current state.
	ErrInvalidTransition = errors.New("invalid sync state transition")
)

// Durable is the part of the durable store the coordinator writes through.
type Durable interface {
	Append(ctx context.Context, rec *types.MemoryRecord) (string, error)
	PutUserState(ctx context.Context, st *types.UserState) error
}

// WriteResult reports where a write went.
type WriteResult struct {
	ID     string `json:"id,omitempty"`
	Queued bool   `json:"queued"`
}

// DrainReport summarises one replay of the buffer.
type DrainReport struct {
	Drained   int `json:"drained"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Status is a snapshot of the coordinator for health output.
type Status struct {
	State   State  `json:"state"`
	UserID  string `json:"user_id,omitempty"`
	Online  bool   `json:"online"`
	Pending int    `json:"pending"`
}

// Coordinator routes writes to the durable store or the local buffer.
type Coordinator struct {
	store  Durable
	buffer *Buffer
	logger zerolog.Logger
	drains singleflight.Group

	mu     sync.Mutex
	state  State
	userID string
	online bool
}

// NewCoordinator starts in the Anonymous state with connectivity assumed.
func NewCoordinator(store Durable, buffer *Buffer, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		buffer: buffer,
		logger: logger.With().Str("component", "sync").Logger(),
		state:  StateAnonymous,
		online: true,
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot including the buffer depth.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	st := Status{State: c.state, UserID: c.userID, Online: c.online}
	c.mu.Unlock()

	n, err := c.buffer.Len(ctx)
	if err != nil {
		return st, err
	}
	st.Pending = n
	return st, nil
}

// setState must be called with c.mu held.
func (c *Coordinator) setState(to State) error {
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	c.logger.Info().Str("from", c.state.String()).Str("to", to.String()).Msg("sync state changed")
	c.state = to
	return nil
}

// SignIn authenticates userID and, when online, replays the buffer. Ownerless
// writes buffered while anonymous are re-owned by userID during the replay.
func (c *Coordinator) SignIn(ctx context.Context, userID string) (DrainReport, error) {
	if err := types.ValidateID("user_id", userID); err != nil {
		return DrainReport{}, err
	}

	c.mu.Lock()
	switch {
	case c.state == StateAnonymous:
		if err := c.setState(StateAuthenticated); err != nil {
			c.mu.Unlock()
			return DrainReport{}, err
		}
		c.userID = userID
	case c.userID != userID:
		c.mu.Unlock()
		return DrainReport{}, ErrAlreadySignedIn
	}
	online := c.online
	c.mu.Unlock()

	if !online {
		return DrainReport{}, nil
	}
	return c.Drain(ctx)
}

// SignOut drops the session. Buffered writes are kept.
func (c *Coordinator) SignOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAnonymous {
		c.logger.Info().Str("from", c.state.String()).Str("to", StateAnonymous.String()).Msg("sync state changed")
	}
	c.state = StateAnonymous
	c.userID = ""
}

// SetOnline records connectivity. Regaining it while signed in replays the
// buffer before direct writes resume.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) (DrainReport, error) {
	c.mu.Lock()
	was := c.online
	c.online = online
	signedIn := c.state != StateAnonymous
	c.mu.Unlock()

	if was != online {
		c.logger.Info().Bool("online", online).Msg("connectivity changed")
	}
	if !online || !signedIn {
		return DrainReport{}, nil
	}
	return c.Drain(ctx)
}

// direct reports whether writes may go straight to the durable store.
func (c *Coordinator) direct() (anonymous, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateAnonymous, c.state == StateSynced && c.online
}

// WriteRecord writes rec to the durable store when synced and online, and to
// the buffer otherwise or when the durable write fails. Invalid records are
// rejected and never buffered.
//
// A record written with an empty UserID while nobody is signed in is owned by
// whoever signs in next. Records that name a user keep that owner.
//
// While older writes for the same conversation are still buffered, a new
// write joins the queue behind them and a replay is attempted, so sequence
// numbers follow write order.
func (c *Coordinator) WriteRecord(ctx context.Context, rec *types.MemoryRecord) (WriteResult, error) {
	if rec == nil {
		return WriteResult{}, fmt.Errorf("%w: record is required", storage.ErrInvalidInput)
	}
	anonymous, direct := c.direct()
	reown := anonymous && rec.UserID == ""
	if err := validateRecord(rec, reown); err != nil {
		return WriteResult{}, err
	}
	// Fixed before buffering so a replay is idempotent and keeps the
	// original write time.
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	catchUp := false
	if direct {
		behind, err := c.buffer.PendingFor(ctx, rec.ConversationID)
		if err != nil {
			return WriteResult{}, err
		}
		catchUp = behind
	}

	if direct && !catchUp {
		id, err := c.store.Append(ctx, rec)
		if err == nil {
			return WriteResult{ID: id}, nil
		}
		if errors.Is(err, storage.ErrInvalidInput) {
			return WriteResult{}, err
		}
		c.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("durable write failed, buffering")
	}

	pw, err := c.buffer.Enqueue(ctx, PendingRecord, reown, rec)
	if err != nil {
		return WriteResult{}, err
	}
	if catchUp {
		if _, err := c.Drain(ctx); err != nil {
			c.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("catch-up replay failed")
		}
		if pending, err := c.buffer.Contains(ctx, pw.ID); err == nil && !pending {
			return WriteResult{ID: rec.ID}, nil
		}
	}
	return WriteResult{ID: rec.ID, Queued: true}, nil
}

// validateRecord checks rec for append. An ownerless record is checked with
// a placeholder owner; the real one is filled in at replay.
func validateRecord(rec *types.MemoryRecord, ownerless bool) error {
	if !ownerless {
		return storage.ValidateForAppend(rec)
	}
	check := *rec
	check.UserID = uuid.Nil.String()
	return storage.ValidateForAppend(&check)
}

// WriteUserState is WriteRecord for profile and session documents.
func (c *Coordinator) WriteUserState(ctx context.Context, st *types.UserState) (WriteResult, error) {
	if st == nil || st.Kind == "" || st.Key == "" {
		return WriteResult{}, fmt.Errorf("%w: user state requires kind and key", storage.ErrInvalidInput)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	anonymous, direct := c.direct()
	reown := anonymous && st.UserID == ""
	if !reown {
		if err := types.ValidateID("user_id", st.UserID); err != nil {
			return WriteResult{}, err
		}
	}

	if direct {
		err := c.store.PutUserState(ctx, st)
		if err == nil {
			return WriteResult{ID: st.Key}, nil
		}
		if errors.Is(err, storage.ErrInvalidInput) {
			return WriteResult{}, err
		}
		c.logger.Warn().Err(err).Str("key", st.Key).Msg("durable user state write failed, buffering")
	}

	if _, err := c.buffer.Enqueue(ctx, PendingUserState, reown, st); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{ID: st.Key, Queued: true}, nil
}

// Drain replays the buffer oldest first. A write that fails is logged, kept
// and skipped; the rest of the queue still drains. Concurrent calls share one
// replay.
func (c *Coordinator) Drain(ctx context.Context) (DrainReport, error) {
	v, err, _ := c.drains.Do("drain", func() (interface{}, error) {
		return c.drain(ctx)
	})
	if err != nil {
		return DrainReport{}, err
	}
	return v.(DrainReport), nil
}

func (c *Coordinator) drain(ctx context.Context) (DrainReport, error) {
	c.mu.Lock()
	if !c.online || (c.state != StateAuthenticated && c.state != StateSynced) {
		c.mu.Unlock()
		return DrainReport{}, nil
	}
	if err := c.setState(StateMigrating); err != nil {
		c.mu.Unlock()
		return DrainReport{}, err
	}
	userID := c.userID
	c.mu.Unlock()

	report, err := c.replay(ctx, userID)

	c.mu.Lock()
	// SignOut during the replay already moved us back to Anonymous.
	if c.state == StateMigrating {
		_ = c.setState(StateSynced)
	}
	c.mu.Unlock()

	if n, lenErr := c.buffer.Len(ctx); lenErr == nil {
		report.Remaining = n
	}

	c.logger.Info().
		Int("drained", report.Drained).
		Int("failed", report.Failed).
		Int("remaining", report.Remaining).
		Msg("sync buffer replayed")
	return report, err
}

// replay keeps passing over the buffer until every item has been attempted
// once, so writes queued during the replay are included. After a record
// fails, later records of its conversation are held back until the next
// replay so the conversation keeps its write order.
func (c *Coordinator) replay(ctx context.Context, userID string) (DrainReport, error) {
	var report DrainReport
	attempted := make(map[string]struct{})
	blocked := make(map[string]struct{})

	for {
		items, err := c.buffer.List(ctx)
		if err != nil {
			return report, err
		}

		progressed := false
		for _, item := range items {
			if _, seen := attempted[item.ID]; seen {
				continue
			}
			conv := item.conversationID()
			if _, held := blocked[conv]; held && conv != "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			attempted[item.ID] = struct{}{}
			progressed = true

			if err := c.apply(ctx, item, userID); err != nil {
				report.Failed++
				if conv != "" {
					blocked[conv] = struct{}{}
				}
				c.logger.Warn().Err(err).Str("id", item.ID).Str("kind", string(item.Kind)).Msg("buffered write failed, keeping")
				if markErr := c.buffer.MarkFailed(ctx, item.ID, err); markErr != nil {
					return report, markErr
				}
				continue
			}
			if err := c.buffer.Remove(ctx, item.ID); err != nil {
				return report, err
			}
			report.Drained++
		}

		if !progressed {
			return report, nil
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, item PendingWrite, userID string) error {
	switch item.Kind {
	case PendingRecord:
		var rec types.MemoryRecord
		if err := json.Unmarshal(item.Payload, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if item.Anonymous {
			rec.UserID = userID
		}
		_, err := c.store.Append(ctx, &rec)
		return err
	case PendingUserState:
		var st types.UserState
		if err := json.Unmarshal(item.Payload, &st); err != nil {
			return fmt.Errorf("decode user state: %w", err)
		}
		if item.Anonymous {
			st.UserID = userID
		}
		return c.store.PutUserState(ctx, &st)
	default:
		return fmt.Errorf("unknown pending kind %q", item.Kind)
	}
}
