package api

import (
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// EventSource is implemented by engine.MemoryEngine.
type EventSource interface {
	SetOnMemorySaved(callback func(rec types.MemoryRecord))
	SetOnVectorized(callback func(rec types.MemoryRecord))
}

// WireEvents forwards engine callbacks to hub.
func WireEvents(src EventSource, hub *Hub) {
	src.SetOnMemorySaved(func(rec types.MemoryRecord) {
		hub.Broadcast(newEvent(EventMemorySaved, rec))
	})
	src.SetOnVectorized(func(rec types.MemoryRecord) {
		hub.Broadcast(newEvent(EventMemoryVectorized, rec))
	})
}

func newEvent(kind string, rec types.MemoryRecord) Event {
	return Event{
		Type:           kind,
		UserID:         rec.UserID,
		ConversationID: rec.ConversationID,
		MemoryID:       rec.ID,
		SequenceNumber: rec.SequenceNumber,
		Timestamp:      time.Now().UTC(),
	}
}
