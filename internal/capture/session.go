package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ncecere/tabscribe/backend/internal/models"
)

// State of a recording session.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateCapturing State = "capturing"
	StateStopping  State = "stopping"
)

// SessionOptions configure a Session.
type SessionOptions struct {
	// Interval between segment cuts.
	Interval time.Duration
	// Timeslice is how often the recorder hands over fragments.
	Timeslice     time.Duration
	MimeType      string
	StartSequence int
	Clock         Clock
	Logger        *slog.Logger
	// OnSegment receives every non-empty segment, in cut order, on the session goroutine.
	OnSegment func(models.AudioSegment)
	// OnEnd is called on the session goroutine once a capture that reached
	// Capturing has been finalized. err is the recorder failure, if any.
	OnEnd func(err error)
}

// SessionSnapshot is a point-in-time view of a session.
type SessionSnapshot struct {
	State         State
	Tab           models.TabContext
	StartedAt     time.Time
	SegmentsCut   int
	NextSequence  int
	BufferedBytes int
	LastError     error
}

// Session owns one tab capture: platform stream, recorder, passthrough and the
// chunk scheduler. Every state change runs on the session's own goroutine, so
// fragments, ticks and stop requests never interleave.
type Session struct {
	platform Platform
	opts     SessionOptions
	clock    Clock
	logger   *slog.Logger
	loop     *loop

	// fields below are only touched on the loop goroutine
	state          State
	tab            models.TabContext
	stream         Stream
	recorder       Recorder
	recorderActive bool
	passthrough    Passthrough
	ticker         Ticker
	tickerDone     chan struct{}
	timerGen       uint64
	epoch          uint64
	abortStart     bool
	buffer         [][]byte
	buffered       int
	nextSeq        int
	segmentsCut    int
	startedAt      time.Time
	lastErr        error
	idle           chan struct{}
}

func NewSession(platform Platform, opts SessionOptions) *Session {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = time.Second
	}
	if opts.MimeType == "" {
		opts.MimeType = DefaultMimeType
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		platform: platform,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger,
		loop:     newLoop(),
		state:    StateIdle,
	}
}

// Start acquires the tab's audio and begins recording. On any failure the
// session is cleaned up and left Idle.
func (s *Session) Start(ctx context.Context, tab models.TabContext) error {
	var startErr error
	if !s.loop.call(func() {
		if s.state != StateIdle {
			startErr = &CaptureError{Kind: AlreadyCapturing, TabID: s.tab.ID}
			return
		}
		s.state = StateStarting
		s.tab = tab
		s.lastErr = nil
		s.idle = make(chan struct{})
	}) {
		return ErrSessionClosed
	}
	if startErr != nil {
		return startErr
	}

	stream, err := s.platform.Capture(ctx, tab)
	if !s.loop.call(func() { startErr = s.finishStart(stream, err) }) {
		return ErrSessionClosed
	}
	return startErr
}

func (s *Session) finishStart(stream Stream, err error) error {
	if err != nil {
		return s.abort(classifyCaptureError(err))
	}
	if stream == nil {
		return s.abort(&CaptureError{Kind: NoAudio, TabID: s.tab.ID})
	}
	s.stream = stream
	if audioTracks(stream) == 0 {
		return s.abort(&CaptureError{Kind: NoAudio, TabID: s.tab.ID})
	}
	if s.abortStart {
		return s.abort(&CaptureError{Kind: Unavailable, TabID: s.tab.ID, Err: ErrStartAborted})
	}

	if pt, err := stream.Passthrough(); err != nil {
		s.logger.Warn("audio passthrough unavailable, tab may be muted while capturing",
			slog.Int("tab_id", s.tab.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.passthrough = pt
	}

	rec, err := stream.NewRecorder(s.opts.MimeType)
	if err != nil {
		return s.abort(&CaptureError{Kind: Unavailable, TabID: s.tab.ID, Err: fmt.Errorf("create recorder: %w", err)})
	}
	s.recorder = rec
	s.epoch++
	if err := rec.Start(s.opts.Timeslice, recorderSink{s: s, epoch: s.epoch}); err != nil {
		return s.abort(&CaptureError{Kind: Unavailable, TabID: s.tab.ID, Err: fmt.Errorf("start recorder: %w", err)})
	}
	s.recorderActive = true

	s.state = StateCapturing
	s.startedAt = s.clock.Now()
	s.nextSeq = s.opts.StartSequence
	s.segmentsCut = 0
	s.startTimer()
	s.logger.Info("capture started",
		slog.Int("tab_id", s.tab.ID),
		slog.String("mime_type", s.opts.MimeType),
		slog.Duration("interval", s.opts.Interval),
	)
	return nil
}

func (s *Session) abort(err *CaptureError) error {
	s.lastErr = err
	s.cleanup()
	s.logger.Warn("capture failed to start", slog.Int("tab_id", s.tab.ID), slog.String("error", err.Error()))
	return err
}

// Stop ends the capture. The chunk timer is cancelled before Stop returns
// control to the recorder, so no further interval cut happens; whatever was
// buffered becomes the final segment. Stop waits until the session is Idle or
// ctx is done.
func (s *Session) Stop(ctx context.Context) error {
	var idle chan struct{}
	if !s.loop.call(func() {
		switch s.state {
		case StateIdle:
			return
		case StateStarting:
			s.abortStart = true
		case StateCapturing:
			s.beginStop()
		}
		idle = s.idle
	}) {
		return nil
	}
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		s.loop.post(func() {
			if s.state == StateStopping {
				s.logger.Warn("recorder did not stop in time, finalizing", slog.Int("tab_id", s.tab.ID))
				s.finalize()
			}
		})
		return ctx.Err()
	}
}

func (s *Session) beginStop() {
	s.state = StateStopping
	s.stopTimer()
	if !s.recorderActive {
		s.finalize()
		return
	}
	s.recorderActive = false
	if err := s.safe("stop recorder", s.recorder.Stop); err != nil {
		s.finalize()
	}
}

// Cleanup releases every resource and returns to Idle without cutting a final
// segment. Safe to call from any state, any number of times.
func (s *Session) Cleanup() {
	s.loop.call(s.cleanup)
}

// Close cleans up and stops the session goroutine. The session is unusable afterwards.
func (s *Session) Close() {
	s.loop.call(s.cleanup)
	s.loop.close()
}

func (s *Session) State() State {
	return s.Snapshot().State
}

func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{State: StateIdle}
	s.loop.call(func() {
		snap = SessionSnapshot{
			State:         s.state,
			Tab:           s.tab,
			StartedAt:     s.startedAt,
			SegmentsCut:   s.segmentsCut,
			NextSequence:  s.nextSeq,
			BufferedBytes: s.buffered,
			LastError:     s.lastErr,
		}
	})
	return snap
}

func (s *Session) onData(epoch uint64, data []byte) {
	if epoch != s.epoch || len(data) == 0 {
		return
	}
	if s.state != StateCapturing && s.state != StateStopping {
		return
	}
	s.buffer = append(s.buffer, data)
	s.buffered += len(data)
}

func (s *Session) onStop(epoch uint64) {
	if epoch != s.epoch {
		return
	}
	switch s.state {
	case StateCapturing:
		s.lastErr = ErrRecorderStopped
		s.state = StateStopping
		s.stopTimer()
		s.recorderActive = false
		s.finalize()
	case StateStopping:
		s.finalize()
	}
}

func (s *Session) onError(epoch uint64, err error) {
	if epoch != s.epoch {
		return
	}
	s.logger.Error("recorder error", slog.Int("tab_id", s.tab.ID), slog.String("error", err.Error()))
	switch s.state {
	case StateCapturing:
		s.lastErr = err
		s.state = StateStopping
		s.stopTimer()
		s.recorderActive = false
		s.finalize()
	case StateStopping:
		s.lastErr = err
		s.finalize()
	}
}

func (s *Session) onTick(gen uint64) {
	if gen != s.timerGen || s.state != StateCapturing {
		return
	}
	s.cut()
}

// cut turns the accumulated fragments into a segment. An empty buffer is a no-op
// and does not consume a sequence number.
func (s *Session) cut() {
	if s.buffered == 0 {
		return
	}
	payload := make([]byte, 0, s.buffered)
	for _, frag := range s.buffer {
		payload = append(payload, frag...)
	}
	tab := s.tab
	seg := models.AudioSegment{
		Payload:     payload,
		ContentType: s.opts.MimeType,
		Sequence:    s.nextSeq,
		CapturedAt:  s.clock.Now(),
		Tab:         &tab,
	}
	s.nextSeq++
	s.segmentsCut++
	s.buffer = nil
	s.buffered = 0

	s.logger.Debug("segment cut", slog.Int("sequence", seg.Sequence), slog.Int("bytes", len(payload)))
	if s.opts.OnSegment != nil {
		s.opts.OnSegment(seg)
	}
}

func (s *Session) finalize() {
	if s.state == StateIdle {
		return
	}
	s.cut()
	endErr := s.lastErr
	s.cleanup()
	s.logger.Info("capture stopped", slog.Int("tab_id", s.tab.ID), slog.Int("segments", s.segmentsCut))
	if s.opts.OnEnd != nil {
		s.opts.OnEnd(endErr)
	}
}

// cleanup tears down in a fixed order: timer, passthrough, tracks, recorder.
func (s *Session) cleanup() {
	s.stopTimer()
	if s.passthrough != nil {
		pt := s.passthrough
		s.passthrough = nil
		_ = s.safe("close passthrough", pt.Close)
	}
	if s.stream != nil {
		stream := s.stream
		s.stream = nil
		_ = s.safe("stop tracks", func() error {
			for _, tr := range stream.Tracks() {
				if tr != nil {
					tr.Stop()
				}
			}
			return nil
		})
	}
	if s.recorder != nil {
		rec := s.recorder
		s.recorder = nil
		if s.recorderActive {
			s.recorderActive = false
			_ = s.safe("release recorder", rec.Stop)
		}
	}
	s.epoch++
	s.buffer = nil
	s.buffered = 0
	s.abortStart = false
	s.state = StateIdle
	if s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

func (s *Session) safe(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", step, r)
			s.logger.Error("capture cleanup step panicked", slog.String("step", step), slog.Any("panic", r))
		}
	}()
	if err = fn(); err != nil {
		s.logger.Warn("capture cleanup step failed", slog.String("step", step), slog.String("error", err.Error()))
	}
	return err
}

func (s *Session) startTimer() {
	s.timerGen++
	gen := s.timerGen
	ticker := s.clock.NewTicker(s.opts.Interval)
	done := make(chan struct{})
	s.ticker = ticker
	s.tickerDone = done
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C():
				s.loop.post(func() { s.onTick(gen) })
			}
		}
	}()
}

// stopTimer cancels the ticker; ticks already queued are dropped by generation.
func (s *Session) stopTimer() {
	s.timerGen++
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.tickerDone)
	s.ticker = nil
	s.tickerDone = nil
}

type recorderSink struct {
	s     *Session
	epoch uint64
}

func (r recorderSink) OnData(data []byte) {
	r.s.loop.post(func() { r.s.onData(r.epoch, data) })
}

func (r recorderSink) OnStop() {
	r.s.loop.post(func() { r.s.onStop(r.epoch) })
}

func (r recorderSink) OnError(err error) {
	r.s.loop.post(func() { r.s.onError(r.epoch, err) })
}
