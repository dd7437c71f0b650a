package engine

import (
	"context"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// queueVectorizeJob attempts to queue a vectorization job.
// Returns true if the job was queued, false if the queue is full or closed.
// A record left out here still has no vector and is picked up by the backlog.
func (e *MemoryEngine) queueVectorizeJob(job *vectorizeJob) bool {
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()

	if e.queueClosed {
		return false
	}

	// Try to queue (non-blocking)
	select {
	case e.vectorizeQueue <- job:
		return true
	default:
		e.logger.Warn().
			Int("queue_size", e.config.QueueSize).
			Str("record_id", job.Record.ID).
			Msg("vectorize queue full, leaving record for backlog")
		return false
	}
}

// createVectorizeJob creates a new vectorization job for rec.
func (e *MemoryEngine) createVectorizeJob(rec types.MemoryRecord, attempt int) *vectorizeJob {
	return &vectorizeJob{
		Record:    rec,
		Timestamp: e.now(),
		Attempt:   attempt,
	}
}

// requeueVectorizeJob attempts to requeue a failed job.
// Returns true if the job was requeued, false if max retries exceeded or queue full.
func (e *MemoryEngine) requeueVectorizeJob(ctx context.Context, job *vectorizeJob) bool {
	if ctx.Err() != nil {
		e.logger.Warn().Str("record_id", job.Record.ID).Msg("not requeueing vectorize job, shutdown in progress")
		return false
	}

	if job.Attempt >= e.config.MaxRetries {
		e.logger.Warn().
			Int("max_retries", e.config.MaxRetries).
			Str("record_id", job.Record.ID).
			Msg("max retries exceeded, leaving record for backlog")
		return false
	}

	job.Attempt++

	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.queueClosed {
		return false
	}

	select {
	case e.vectorizeQueue <- job:
		e.logger.Debug().
			Str("record_id", job.Record.ID).
			Int("attempt", job.Attempt).
			Int("max_retries", e.config.MaxRetries).
			Msg("requeued vectorize job")
		return true
	case <-time.After(10 * time.Millisecond):
		e.logger.Warn().Str("record_id", job.Record.ID).Msg("failed to requeue vectorize job, queue timeout")
		return false
	}
}

// queueLength returns the current number of jobs in the queue.
func (e *MemoryEngine) queueLength() int {
	return len(e.vectorizeQueue)
}
