// Package livecapture runs the capture controller for the server and the CLI:
// it applies session defaults, assembles transcripts in sequence order and
// fans updates out to subscribers.
package livecapture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/models"
	"github.com/ncecere/tabscribe/backend/internal/transcript"
)

// Segment is one released transcript entry.
type Segment struct {
	Sequence int    `json:"sequenceNumber"`
	Text     string `json:"text"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Transcript is the ordered text of one capture session.
type Transcript struct {
	SessionID uuid.UUID         `json:"sessionId"`
	Tab       models.TabContext `json:"tab"`
	Text      string            `json:"text"`
	Segments  []Segment         `json:"segments"`
	// Held counts results waiting on an earlier segment.
	Held     int              `json:"held"`
	Complete bool             `json:"complete"`
	Summary  *capture.Summary `json:"summary,omitempty"`
}

// Update is delivered to subscribers for every controller event.
type Update struct {
	Event    capture.Event
	Released []Segment
	Text     string
}

// Controller is the capture surface the service drives.
type Controller interface {
	Start(ctx context.Context, tab models.TabContext, cfg models.SessionConfig) (*capture.Handle, error)
	Stop(ctx context.Context) (capture.Summary, error)
	Status() capture.Status
	Events() <-chan capture.Event
	Close(ctx context.Context) error
}

type Options struct {
	// Defaults fill unset per-session language options.
	Defaults      models.SessionConfig
	StartSequence int
	// StopTimeout bounds how long Stop waits for in-flight segments.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

type session struct {
	id        uuid.UUID
	tab       models.TabContext
	assembler *transcript.Assembler
	segments  []Segment
	complete  bool
	summary   *capture.Summary
}

type Service struct {
	ctrl   Controller
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	last     uuid.UUID
	subs     map[int]chan Update
	nextSub  int
	done     chan struct{}
	runOnce  sync.Once
}

func New(ctrl Controller, opts Options) *Service {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ctrl:     ctrl,
		opts:     opts,
		logger:   logger,
		sessions: make(map[uuid.UUID]*session),
		subs:     make(map[int]chan Update),
		done:     make(chan struct{}),
	}
}

// Run consumes controller events until the controller closes its stream or
// ctx is done. Subscriber channels are closed when Run returns.
func (s *Service) Run(ctx context.Context) error {
	var err error
	s.runOnce.Do(func() {
		defer s.closeSubscribers()
		events := s.ctrl.Events()
		for {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.handle(ev)
			}
		}
	})
	return err
}

// Done is closed once Run has returned.
func (s *Service) Done() <-chan struct{} { return s.done }

// Start begins capturing tab, filling unset options from the service defaults.
func (s *Service) Start(ctx context.Context, tab models.TabContext, cfg models.SessionConfig) (*capture.Handle, error) {
	cfg = s.withDefaults(cfg)
	handle, err := s.ctrl.Start(ctx, tab, cfg)
	if err != nil {
		return nil, err
	}
	if !handle.Existing {
		s.sessionFor(handle.SessionID, handle.Tab)
	}
	return handle, nil
}

func (s *Service) withDefaults(cfg models.SessionConfig) models.SessionConfig {
	cfg.Language = strings.TrimSpace(cfg.Language)
	if cfg.Language == "" {
		cfg.Language = s.opts.Defaults.Language
	}
	if cfg.TranslateTo == nil || strings.TrimSpace(*cfg.TranslateTo) == "" {
		cfg.TranslateTo = s.opts.Defaults.TranslateTo
	}
	return cfg
}

// Stop ends the active capture, waiting at most StopTimeout for in-flight segments.
func (s *Service) Stop(ctx context.Context) (capture.Summary, error) {
	stopCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	return s.ctrl.Stop(stopCtx)
}

func (s *Service) Status() capture.Status {
	return s.ctrl.Status()
}

// Transcript returns the active session's transcript, or the most recent one.
func (s *Service) Transcript() (Transcript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chosen *session
	for _, sess := range s.sessions {
		if !sess.complete {
			chosen = sess
			break
		}
	}
	if chosen == nil {
		chosen = s.sessions[s.last]
	}
	if chosen == nil {
		return Transcript{}, false
	}
	return s.snapshot(chosen), true
}

// TranscriptFor returns the transcript of a specific session if still held.
func (s *Service) TranscriptFor(id uuid.UUID) (Transcript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Transcript{}, false
	}
	return s.snapshot(sess), true
}

func (s *Service) snapshot(sess *session) Transcript {
	segments := make([]Segment, len(sess.segments))
	copy(segments, sess.segments)
	return Transcript{
		SessionID: sess.id,
		Tab:       sess.tab,
		Text:      sess.assembler.Text(),
		Segments:  segments,
		Held:      sess.assembler.Held(),
		Complete:  sess.complete,
		Summary:   sess.summary,
	}
}

// Subscribe registers a listener. Updates are dropped for a subscriber whose
// buffer is full. The returned func unsubscribes.
func (s *Service) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Update, buffer)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if existing, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(existing)
			}
			s.mu.Unlock()
		})
	}
}

// Close shuts the controller down.
func (s *Service) Close(ctx context.Context) error {
	err := s.ctrl.Close(ctx)
	if errors.Is(err, capture.ErrNotCapturing) {
		return nil
	}
	return err
}

func (s *Service) sessionFor(id uuid.UUID, tab models.TabContext) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLocked(id, tab)
}

func (s *Service) sessionLocked(id uuid.UUID, tab models.TabContext) *session {
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess := &session{
		id:        id,
		tab:       tab,
		assembler: transcript.New(s.opts.StartSequence, nil),
	}
	s.sessions[id] = sess
	return sess
}

func (s *Service) handle(ev capture.Event) {
	s.mu.Lock()
	sess := s.sessionLocked(ev.SessionID, ev.Tab)

	var released []transcript.Entry
	switch ev.Type {
	case capture.EventResult:
		text := ""
		if ev.Result != nil {
			text = ev.Result.Text
		}
		released = sess.assembler.Add(ev.Sequence, text)
	case capture.EventError:
		released = sess.assembler.Skip(ev.Sequence)
	case capture.EventEnded:
		released = sess.assembler.Flush()
		sess.complete = true
		sess.summary = ev.Summary
		s.last = sess.id
		// keep only the session that just ended and any still running
		for id, other := range s.sessions {
			if id != sess.id && other.complete {
				delete(s.sessions, id)
			}
		}
	}

	segments := make([]Segment, 0, len(released))
	for _, e := range released {
		segments = append(segments, Segment{Sequence: e.Sequence, Text: e.Text, Skipped: e.Skipped})
	}
	sess.segments = append(sess.segments, segments...)
	update := Update{Event: ev, Released: segments, Text: sess.assembler.Text()}
	total := len(sess.segments)

	for id, ch := range s.subs {
		select {
		case ch <- update:
		default:
			s.logger.Warn("capture subscriber is slow, dropping update", slog.Int("subscriber", id))
		}
	}
	s.mu.Unlock()

	if ev.Type == capture.EventEnded {
		attrs := []any{slog.String("session_id", ev.SessionID.String()), slog.Int("segments", total)}
		if ev.Err != nil {
			attrs = append(attrs, slog.String("error", ev.Err.Error()))
		}
		s.logger.Info("capture transcript complete", attrs...)
	}
}

func (s *Service) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	close(s.done)
}
