package wal

import (
	"fmt"
	"sync"

	"github.com/nexusdb/tabletwal/walcore"
)

// AppendPipeline is the bounded producer/consumer queue between batch
// producers (the consensus driver, via Reserve) and the single appender
// goroutine (via BlockingDrainTo), generalizing wal/committer.go's
// group-commit buffering to the Reserve/Serialize/MarkReady/drain
// pipeline §4.6 and §4.7 describe.
//
// Reserve order is append order is callback order: batches are always
// drained in the order they were reserved, never reordered.
type AppendPipeline struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue      []*LogEntryBatch
	queueBytes int

	maxQueueBytes int
	closed        bool
}

// NewAppendPipeline builds a pipeline bounded to maxQueueBytes of
// outstanding, not-yet-drained batch payload.
func NewAppendPipeline(maxQueueBytes int) *AppendPipeline {
	p := &AppendPipeline{maxQueueBytes: maxQueueBytes}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Reserve blocks until there is budget for batch (or the pipeline is
// shutting down), assigns it a slot in FIFO order, and transitions it to
// Reserved. A batch whose own size exceeds maxQueueBytes is still admitted
// once the queue is empty, so a single oversized batch can never deadlock
// the pipeline.
func (p *AppendPipeline) Reserve(batch *LogEntryBatch) error {
	p.mu.Lock()
	for !p.closed && len(p.queue) > 0 && p.queueBytes+batch.SizeBytes() > p.maxQueueBytes {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: WAL is shutting down", walcore.ErrServiceUnavailable)
	}
	p.queue = append(p.queue, batch)
	p.queueBytes += batch.SizeBytes()
	p.mu.Unlock()
	p.cond.Broadcast()

	return batch.MarkReserved()
}

// BlockingDrainTo blocks until at least one batch is queued or the
// pipeline is shut down, then drains every currently queued batch in FIFO
// order. It returns ok=false only once the pipeline is closed and empty,
// signalling the appender loop to exit.
func (p *AppendPipeline) BlockingDrainTo() (batches []*LogEntryBatch, ok bool) {
	p.mu.Lock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return nil, false
	}
	batches = p.queue
	p.queue = nil
	p.queueBytes = 0
	p.mu.Unlock()
	p.cond.Broadcast() // wake Reserve callers waiting on budget

	return batches, true
}

// Shutdown marks the pipeline closed: pending Reserve calls return
// ServiceUnavailable, and BlockingDrainTo returns ok=false once the queue
// is empty. Already-queued batches are still drained and processed first.
func (p *AppendPipeline) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// QueueDepthBytes reports the current outstanding queue size, for metrics.
func (p *AppendPipeline) QueueDepthBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueBytes
}
