// Package relay implements a capture platform fed by a remote recorder.
//
// A browser extension (or any client) records the tab itself and pushes the
// encoded fragments over a websocket. The Hub pairs each incoming feed with the
// capture session started for the same tab, so the session's chunk scheduler,
// dispatch pipeline and teardown work exactly as they do for a local recorder.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

var (
	ErrFeedAttached = errors.New("relay: a feed is already attached for this tab")
	ErrFeedClosed   = errors.New("relay: feed closed")
	ErrHubClosed    = errors.New("relay: hub closed")
)

const defaultFeedBuffer = 256

// Hub tracks one feed per tab and hands it to the matching capture.
type Hub struct {
	wait   time.Duration
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	feeds  map[int]*Feed
	notify chan struct{}
	closed bool
}

// HubOptions configure a Hub.
type HubOptions struct {
	// Wait bounds how long Capture waits for the client to connect.
	Wait time.Duration
	// Buffer is the number of fragments a feed holds before Push blocks.
	Buffer int
	Logger *slog.Logger
}

func NewHub(opts HubOptions) *Hub {
	if opts.Wait <= 0 {
		opts.Wait = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultFeedBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		wait:   opts.Wait,
		buffer: opts.Buffer,
		logger: logger,
		feeds:  make(map[int]*Feed),
		notify: make(chan struct{}),
	}
}

// Attach registers the client feed for tabID.
func (h *Hub) Attach(tabID int, mimeType string) (*Feed, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if existing, ok := h.feeds[tabID]; ok && !existing.isClosed() {
		return nil, ErrFeedAttached
	}
	f := &Feed{
		hub:      h,
		tabID:    tabID,
		mimeType: mimeType,
		data:     make(chan []byte, h.buffer),
		done:     make(chan struct{}),
	}
	h.feeds[tabID] = f
	close(h.notify)
	h.notify = make(chan struct{})
	h.logger.Info("relay feed attached", slog.Int("tab_id", tabID))
	return f, nil
}

// Attached reports whether a live feed exists for tabID.
func (h *Hub) Attached(tabID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[tabID]
	return ok && !f.isClosed()
}

func (h *Hub) detach(f *Feed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.feeds[f.tabID] == f {
		delete(h.feeds, f.tabID)
	}
}

// Close ends every feed. Waiting captures fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	feeds := make([]*Feed, 0, len(h.feeds))
	for _, f := range h.feeds {
		feeds = append(feeds, f)
	}
	close(h.notify)
	h.notify = make(chan struct{})
	h.mu.Unlock()

	for _, f := range feeds {
		f.Close(ErrHubClosed)
	}
}

// Capture implements capture.Platform. It waits for the client feed for the tab
// and claims it for one stream.
func (h *Hub) Capture(ctx context.Context, tab models.TabContext) (capture.Stream, error) {
	timer := time.NewTimer(h.wait)
	defer timer.Stop()
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		if f, ok := h.feeds[tab.ID]; ok && !f.isClosed() && f.claim() {
			h.mu.Unlock()
			return &stream{feed: f, track: &track{feed: f}}, nil
		}
		notify := h.notify
		h.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return nil, fmt.Errorf("no audio feed connected for tab %d within %s: %w", tab.ID, h.wait, capture.ErrNoAudio)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Feed is the server side of one client connection.
type Feed struct {
	hub      *Hub
	tabID    int
	mimeType string
	data     chan []byte
	done     chan struct{}

	mu      sync.Mutex
	claimed bool
	closed  bool
	err     error
}

func (f *Feed) TabID() int { return f.tabID }

// Push hands a fragment to the recorder. It blocks while the buffer is full.
func (f *Feed) Push(ctx context.Context, fragment []byte) error {
	if len(fragment) == 0 {
		return nil
	}
	select {
	case <-f.done:
		return ErrFeedClosed
	default:
	}
	select {
	case f.data <- fragment:
		return nil
	case <-f.done:
		return ErrFeedClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the feed. A nil err is a clean end of stream.
func (f *Feed) Close(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.err = err
	close(f.done)
	f.mu.Unlock()
	f.hub.detach(f)
}

// Done is closed once the feed has ended from either side.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Err is the reason the feed ended, nil for a clean stop.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed) claim() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed {
		return false
	}
	f.claimed = true
	return true
}

type stream struct {
	feed  *Feed
	track *track
}

func (s *stream) Tracks() []capture.Track { return []capture.Track{s.track} }

func (s *stream) NewRecorder(mimeType string) (capture.Recorder, error) {
	if s.feed.mimeType != "" && mimeType != "" && s.feed.mimeType != mimeType {
		s.feed.hub.logger.Warn("relay feed mime type differs from session",
			slog.Int("tab_id", s.feed.tabID),
			slog.String("feed", s.feed.mimeType),
			slog.String("session", mimeType),
		)
	}
	return &recorder{feed: s.feed}, nil
}

// Passthrough is a no-op: the tab keeps playing in the client's browser.
func (s *stream) Passthrough() (capture.Passthrough, error) { return nopPassthrough{}, nil }

type nopPassthrough struct{}

func (nopPassthrough) Close() error { return nil }

type track struct {
	feed *Feed
}

func (t *track) Kind() string { return "audio" }

// Stop releases the client connection.
func (t *track) Stop() { t.feed.Close(nil) }

type recorder struct {
	feed *Feed

	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	finished chan struct{}
}

func (r *recorder) Start(_ time.Duration, sink capture.RecorderSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("relay: recorder already started")
	}
	r.started = true
	r.stop = make(chan struct{})
	r.finished = make(chan struct{})
	go r.forward(sink)
	return nil
}

func (r *recorder) forward(sink capture.RecorderSink) {
	defer close(r.finished)
	for {
		select {
		case frag := <-r.feed.data:
			sink.OnData(frag)
		case <-r.stop:
			r.drain(sink)
			sink.OnStop()
			return
		case <-r.feed.done:
			r.drain(sink)
			if err := r.feed.Err(); err != nil {
				sink.OnError(err)
			} else {
				sink.OnStop()
			}
			return
		}
	}
}

func (r *recorder) drain(sink capture.RecorderSink) {
	for {
		select {
		case frag := <-r.feed.data:
			sink.OnData(frag)
		default:
			return
		}
	}
}

// Stop flushes fragments already received and reports OnStop.
func (r *recorder) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	stop := r.stop
	finished := r.finished
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	<-finished
	return nil
}
