package engine

import (
	"context"
	"time"
)

// vectorizeWorker is a worker goroutine that processes vectorization jobs.
// It runs until the queue is closed.
func (e *MemoryEngine) vectorizeWorker(ctx context.Context, workerID int) {
	defer e.workerWaitGroup.Done()

	e.logger.Debug().Int("worker", workerID).Msg("vectorize worker started")

	for job := range e.vectorizeQueue {
		e.processVectorizeJob(ctx, workerID, job)
	}

	e.logger.Debug().Int("worker", workerID).Msg("vectorize worker stopped")
}

// processVectorizeJob embeds one record and attaches the vector.
// An embedder that yields nothing (provider degraded) is not retried here;
// the record stays without a vector and the backlog picks it up later.
// A failure to store the vector is retried with backoff.
func (e *MemoryEngine) processVectorizeJob(ctx context.Context, workerID int, job *vectorizeJob) {
	log := e.logger.With().
		Int("worker", workerID).
		Str("record_id", job.Record.ID).
		Int("attempt", job.Attempt).
		Logger()

	// Apply quadratic backoff for retries: 100ms, 400ms, 900ms...
	if job.Attempt > 0 {
		backoff := time.Duration(job.Attempt*job.Attempt) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}

	rec := job.Record
	ok, err := e.index.Vectorize(ctx, &rec)
	if err != nil {
		log.Warn().Err(err).Msg("vectorize failed")
		e.requeueVectorizeJob(ctx, job)
		return
	}
	if !ok {
		log.Debug().Msg("no embedding produced, leaving record for backlog")
		return
	}

	log.Debug().Int("dimension", len(rec.Embedding)).Msg("record vectorized")

	e.cbMu.RLock()
	cb := e.onVectorized
	e.cbMu.RUnlock()
	if cb != nil {
		cb(rec)
	}
}

// startWorkerPool starts the worker goroutines.
func (e *MemoryEngine) startWorkerPool(ctx context.Context) {
	for i := 0; i < e.config.NumWorkers; i++ {
		e.workerWaitGroup.Add(1)
		go e.vectorizeWorker(ctx, i)
	}

	e.logger.Info().Int("workers", e.config.NumWorkers).Msg("started vectorize workers")
}

// stopWorkerPool closes the queue and waits for the workers to drain it
// (with timeout).
func (e *MemoryEngine) stopWorkerPool(ctx context.Context) error {
	e.queueMu.Lock()
	e.queueClosed = true
	close(e.vectorizeQueue)
	e.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workerWaitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info().Msg("all vectorize workers finished gracefully")
		return nil
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn().Int("remaining", e.queueLength()).Msg("shutdown timeout reached, vectorize jobs left for backlog")
		return nil
	case <-ctx.Done():
		e.logger.Warn().Int("remaining", e.queueLength()).Msg("context cancelled, vectorize jobs left for backlog")
		return ctx.Err()
	}
}
