package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ncecere/tabscribe/backend/internal/models"
)

// Dispatcher sends one segment for transcription.
type Dispatcher interface {
	Dispatch(ctx context.Context, seg models.AudioSegment, cfg models.SessionConfig) (models.TranscriptionResult, error)
}

// pipeline launches dispatches in cut order with a bounded number in flight.
// Results are published as they complete, so consumers reorder by sequence.
type pipeline struct {
	sessionID  uuid.UUID
	tab        models.TabContext
	cfg        models.SessionConfig
	dispatcher Dispatcher
	sem        *semaphore.Weighted
	ctx        context.Context
	cancel     context.CancelFunc
	queue      *loop
	wg         sync.WaitGroup
	publish    func(Event)
	now        func() time.Time
	logger     *slog.Logger

	enqueued   atomic.Int64
	queued     atomic.Int64
	inFlight   atomic.Int64
	dispatched atomic.Int64
	failed     atomic.Int64

	mu      sync.Mutex
	lastErr error

	drainOnce sync.Once
	drained   chan struct{}
}

func newPipeline(parent context.Context, id uuid.UUID, tab models.TabContext, cfg models.SessionConfig, dispatcher Dispatcher, maxInFlight int, publish func(Event), now func() time.Time, logger *slog.Logger) *pipeline {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	ctx, cancel := context.WithCancel(parent)
	return &pipeline{
		sessionID:  id,
		tab:        tab,
		cfg:        cfg,
		dispatcher: dispatcher,
		sem:        semaphore.NewWeighted(int64(maxInFlight)),
		ctx:        ctx,
		cancel:     cancel,
		queue:      newLoop(),
		publish:    publish,
		now:        now,
		logger:     logger,
		drained:    make(chan struct{}),
	}
}

// enqueue never blocks; it is called from the session goroutine.
func (p *pipeline) enqueue(seg models.AudioSegment) {
	p.enqueued.Add(1)
	p.queued.Add(1)
	if !p.queue.post(func() { p.launch(seg) }) {
		p.queued.Add(-1)
		p.fail(seg.Sequence, ErrSessionClosed)
	}
}

func (p *pipeline) launch(seg models.AudioSegment) {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.queued.Add(-1)
		p.fail(seg.Sequence, err)
		return
	}
	p.queued.Add(-1)
	p.inFlight.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.inFlight.Add(-1)

		result, err := p.dispatcher.Dispatch(p.ctx, seg, p.cfg)
		if err != nil {
			p.fail(seg.Sequence, err)
			return
		}
		p.dispatched.Add(1)
		p.publish(Event{
			Type:      EventResult,
			SessionID: p.sessionID,
			Tab:       p.tab,
			Sequence:  seg.Sequence,
			Result:    &result,
			At:        p.now(),
		})
	}()
}

func (p *pipeline) fail(seq int, err error) {
	p.failed.Add(1)
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.logger.Warn("segment failed", slog.Int("sequence", seq), slog.String("error", err.Error()))
	p.publish(Event{
		Type:      EventError,
		SessionID: p.sessionID,
		Tab:       p.tab,
		Sequence:  seq,
		Err:       err,
		At:        p.now(),
	})
}

// drain waits until every enqueued segment has produced an event. No segment
// may be enqueued once draining has begun.
func (p *pipeline) drain(ctx context.Context) error {
	p.drainOnce.Do(func() {
		go func() {
			p.queue.close()
			p.wg.Wait()
			p.cancel()
			close(p.drained)
		}()
	})
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort cancels pending and in-flight dispatches.
func (p *pipeline) abort() {
	p.cancel()
}

func (p *pipeline) lastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *pipeline) pending() int {
	return int(p.queued.Load() + p.inFlight.Load())
}
