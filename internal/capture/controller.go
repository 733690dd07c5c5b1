package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/tabscribe/backend/internal/models"
	"github.com/ncecere/tabscribe/backend/internal/observability"
)

type EventType string

const (
	// EventResult carries a transcription for one segment.
	EventResult EventType = "result"
	// EventError reports a segment that produced no text.
	EventError EventType = "error"
	// EventEnded is published once per session after its last segment settled.
	EventEnded EventType = "ended"
)

// Event is one notification from the controller. Results arrive in completion
// order, which may differ from Sequence order.
type Event struct {
	Type      EventType
	SessionID uuid.UUID
	Tab       models.TabContext
	Sequence  int
	Result    *models.TranscriptionResult
	Err       error
	Summary   *Summary
	At        time.Time
}

// Options configure a Controller.
type Options struct {
	Platform      Platform
	Dispatcher    Dispatcher
	Clock         Clock
	Interval      time.Duration
	Timeslice     time.Duration
	MimeType      string
	MaxInFlight   int
	StartSequence int
	EventBuffer   int
	Logger        *slog.Logger
	Metrics       *observability.Provider
}

// Handle identifies a running capture.
type Handle struct {
	SessionID uuid.UUID            `json:"sessionId"`
	Tab       models.TabContext    `json:"tab"`
	Config    models.SessionConfig `json:"config"`
	StartedAt time.Time            `json:"startedAt"`
	// Existing is set when Start found the tab already being captured.
	Existing bool `json:"existing"`
}

// Summary describes a finished (or finishing) capture.
type Summary struct {
	SessionID          uuid.UUID         `json:"sessionId"`
	Tab                models.TabContext `json:"tab"`
	StartedAt          time.Time         `json:"startedAt"`
	StoppedAt          time.Time         `json:"stoppedAt"`
	Duration           time.Duration     `json:"-"`
	DurationMs         int64             `json:"durationMs"`
	SegmentsCut        int               `json:"segmentsCut"`
	SegmentsDispatched int               `json:"segmentsDispatched"`
	SegmentsFailed     int               `json:"segmentsFailed"`
	Pending            int               `json:"pending"`
	LastError          string            `json:"lastError,omitempty"`
	Err                error             `json:"-"`
}

// Status is the controller's current view.
type Status struct {
	State              State                 `json:"state"`
	SessionID          *uuid.UUID            `json:"sessionId,omitempty"`
	Tab                *models.TabContext    `json:"tab,omitempty"`
	Config             *models.SessionConfig `json:"config,omitempty"`
	StartedAt          *time.Time            `json:"startedAt,omitempty"`
	DurationMs         int64                 `json:"durationMs"`
	SegmentsCut        int                   `json:"segmentsCut"`
	BufferedBytes      int                   `json:"bufferedBytes"`
	Queued             int                   `json:"queued"`
	InFlight           int                   `json:"inFlight"`
	SegmentsDispatched int                   `json:"segmentsDispatched"`
	SegmentsFailed     int                   `json:"segmentsFailed"`
	LastError          string                `json:"lastError,omitempty"`
	Last               *Summary              `json:"last,omitempty"`
}

type run struct {
	id        uuid.UUID
	tab       models.TabContext
	cfg       models.SessionConfig
	startedAt time.Time
	session   *Session
	pipeline  *pipeline

	// starting is guarded by Controller.mu; started closes once Start has
	// committed or rolled back, after which startErr is fixed.
	starting    bool
	started     chan struct{}
	startErr    error
	cancelStart context.CancelFunc

	endOnce  sync.Once
	finished chan struct{}
	summary  Summary
}

// Controller binds capture to at most one tab at a time and fans segment
// outcomes out on a single event stream.
type Controller struct {
	opts   Options
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	current *run
	last    *Summary
	closed  bool

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	runs      sync.WaitGroup
}

func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:    opts,
		clock:   opts.Clock,
		logger:  logger,
		events:  make(chan Event, opts.EventBuffer),
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events streams results, failures and session endings. The channel is closed
// by Close. Consumers must keep reading or dispatch results back up.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Start begins capturing tab. Starting the tab that is already being captured
// returns the existing handle; any other tab is refused while one is active.
// The run is visible as Starting while the platform acquires the stream, so
// Status and Stop never wait on a slow start.
func (c *Controller) Start(ctx context.Context, tab models.TabContext, cfg models.SessionConfig) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrControllerClosed
	}
	if r := c.current; r != nil {
		if h, err := c.existing(r, tab); h != nil || err != nil {
			c.mu.Unlock()
			return h, err
		}
	}

	r := &run{
		id:       uuid.New(),
		tab:      tab,
		cfg:      cfg,
		starting: true,
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	logger := c.logger.With(slog.String("session_id", r.id.String()), slog.Int("tab_id", tab.ID))
	r.pipeline = newPipeline(c.ctx, r.id, tab, cfg, c.opts.Dispatcher, c.opts.MaxInFlight, c.publish, c.clock.Now, logger)
	r.session = NewSession(c.opts.Platform, SessionOptions{
		Interval:      c.opts.Interval,
		Timeslice:     c.opts.Timeslice,
		MimeType:      c.opts.MimeType,
		StartSequence: c.opts.StartSequence,
		Clock:         c.clock,
		Logger:        logger,
		OnSegment:     r.pipeline.enqueue,
		OnEnd: func(err error) {
			go c.finishRun(r, err)
		},
	})
	startCtx, cancel := context.WithCancel(ctx)
	r.cancelStart = cancel
	c.runs.Add(1)
	c.current = r
	c.mu.Unlock()

	err := r.session.Start(startCtx, tab)
	cancel()

	c.mu.Lock()
	r.starting = false
	if err != nil {
		r.startErr = err
		if c.current == r {
			c.current = nil
		}
		c.mu.Unlock()
		close(r.started)
		r.session.Close()
		r.pipeline.abort()
		c.runs.Done()
		return nil, err
	}
	r.startedAt = r.session.Snapshot().StartedAt
	c.mu.Unlock()
	close(r.started)
	c.opts.Metrics.SessionStarted()
	return &Handle{SessionID: r.id, Tab: tab, Config: cfg, StartedAt: r.startedAt}, nil
}

// existing resolves a Start against the run already registered. It returns
// nothing when that run is finished and a new one may take its place.
// Callers hold c.mu.
func (c *Controller) existing(r *run, tab models.TabContext) (*Handle, error) {
	state := StateStarting
	if !r.starting {
		state = r.session.State()
	}
	switch state {
	case StateCapturing, StateStarting:
		if r.tab.ID == tab.ID {
			return &Handle{SessionID: r.id, Tab: r.tab, Config: r.cfg, StartedAt: r.startedAt, Existing: true}, nil
		}
		return nil, &CaptureError{Kind: AlreadyCapturing, TabID: r.tab.ID}
	case StateStopping:
		return nil, &CaptureError{Kind: AlreadyCapturing, TabID: r.tab.ID, Err: errors.New("previous session is still stopping")}
	}
	return nil, nil
}

// finishRun waits for the session's outstanding segments, then publishes EventEnded.
func (c *Controller) finishRun(r *run, endErr error) {
	<-r.started
	r.endOnce.Do(func() {
		defer c.runs.Done()
		_ = r.pipeline.drain(context.Background())

		summary := c.summarize(r, endErr)
		r.summary = summary
		c.opts.Metrics.SessionEnded()

		c.mu.Lock()
		c.last = &summary
		if c.current == r {
			c.current = nil
		}
		c.mu.Unlock()

		r.session.Close()
		c.publish(Event{
			Type:      EventEnded,
			SessionID: r.id,
			Tab:       r.tab,
			Err:       endErr,
			Summary:   &summary,
			At:        summary.StoppedAt,
		})
		close(r.finished)
	})
}

func (c *Controller) summarize(r *run, endErr error) Summary {
	stoppedAt := c.clock.Now()
	s := Summary{
		SessionID:          r.id,
		Tab:                r.tab,
		StartedAt:          r.startedAt,
		StoppedAt:          stoppedAt,
		SegmentsCut:        int(r.pipeline.enqueued.Load()),
		SegmentsDispatched: int(r.pipeline.dispatched.Load()),
		SegmentsFailed:     int(r.pipeline.failed.Load()),
		Pending:            r.pipeline.pending(),
		Err:                endErr,
	}
	if !r.startedAt.IsZero() {
		s.Duration = stoppedAt.Sub(r.startedAt)
	}
	if s.Err == nil {
		s.Err = r.pipeline.lastError()
	}
	if s.Err != nil {
		s.LastError = s.Err.Error()
	}
	s.DurationMs = s.Duration.Milliseconds()
	return s
}

// Stop ends the active capture, waits for in-flight segments until ctx is done
// and returns the session summary. When ctx expires first the summary reports
// the segments still pending; they keep delivering events.
func (c *Controller) Stop(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	r := c.current
	last := c.last
	starting := r != nil && r.starting
	c.mu.Unlock()
	if r == nil {
		if last != nil {
			return *last, nil
		}
		return Summary{}, ErrNotCapturing
	}

	if starting {
		r.cancelStart()
		if err := r.session.Stop(ctx); err != nil {
			return abortedSummary(r, c.clock.Now()), err
		}
		select {
		case <-r.started:
		case <-ctx.Done():
			return abortedSummary(r, c.clock.Now()), ctx.Err()
		}
		if r.startErr != nil {
			return abortedSummary(r, c.clock.Now()), nil
		}
	}
	// A start that won the race has committed by now and is stopped normally.
	if err := r.session.Stop(ctx); err != nil {
		return c.summarize(r, nil), err
	}
	select {
	case <-r.finished:
		return r.summary, nil
	case <-ctx.Done():
		c.logger.Warn("stop returned before in-flight segments settled",
			slog.String("session_id", r.id.String()),
			slog.Int("pending", r.pipeline.pending()),
		)
		return c.summarize(r, nil), nil
	}
}

// abortedSummary describes a run stopped before its stream was acquired.
func abortedSummary(r *run, now time.Time) Summary {
	return Summary{
		SessionID: r.id,
		Tab:       r.tab,
		StoppedAt: now,
		LastError: ErrStartAborted.Error(),
		Err:       ErrStartAborted,
	}
}

// Status reports the active session, or Idle with the last summary.
func (c *Controller) Status() Status {
	c.mu.Lock()
	r := c.current
	last := c.last
	var starting bool
	var startedAt time.Time
	if r != nil {
		starting = r.starting
		startedAt = r.startedAt
	}
	c.mu.Unlock()
	if r == nil {
		return Status{State: StateIdle, Last: last}
	}

	snap := r.session.Snapshot()
	if starting {
		snap.State = StateStarting
	}
	id := r.id
	tab := r.tab
	cfg := r.cfg
	st := Status{
		State:              snap.State,
		SessionID:          &id,
		Tab:                &tab,
		Config:             &cfg,
		SegmentsCut:        snap.SegmentsCut,
		BufferedBytes:      snap.BufferedBytes,
		Queued:             int(r.pipeline.queued.Load()),
		InFlight:           int(r.pipeline.inFlight.Load()),
		SegmentsDispatched: int(r.pipeline.dispatched.Load()),
		SegmentsFailed:     int(r.pipeline.failed.Load()),
		Last:               last,
	}
	if !startedAt.IsZero() {
		st.StartedAt = &startedAt
		st.DurationMs = c.clock.Now().Sub(startedAt).Milliseconds()
	}
	if err := snap.LastError; err != nil {
		st.LastError = err.Error()
	} else if err := r.pipeline.lastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Close stops any active capture, gives in-flight segments until ctx is done,
// cancels the rest and closes the event stream.
func (c *Controller) Close(ctx context.Context) error {
	var stopErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if _, err := c.Stop(ctx); err != nil && !errors.Is(err, ErrNotCapturing) {
			stopErr = err
		}
		close(c.closing)
		c.cancel()
		c.runs.Wait()
		close(c.events)
	})
	return stopErr
}

func (c *Controller) publish(ev Event) {
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.closing:
		c.logger.Debug("dropping capture event after close", slog.String("type", string(ev.Type)))
	}
}
