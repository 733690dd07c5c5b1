// Package capturetest provides in-memory capture platforms and a manual clock
// for driving capture sessions deterministically in tests.
package capturetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

// ManualClock only moves when Advance is called.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) NewTicker(d time.Duration) capture.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 64)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward, firing every ticker deadline crossed on the way in order.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.now.Add(d)
	for {
		var due []*manualTicker
		for _, t := range c.tickers {
			if !t.stopped && !t.next.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool { return due[i].next.Before(due[j].next) })
		t := due[0]
		c.now = t.next
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.period)
	}
	c.now = target
}

// Tick queues one tick on every active ticker without moving time, like a
// deadline that fired just before the caller's next action.
func (c *ManualClock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		select {
		case t.ch <- c.now:
		default:
		}
	}
}

// ActiveTickers counts tickers that have not been stopped.
func (c *ManualClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualTicker struct {
	clock   *ManualClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

// Journal records teardown calls across a stream's parts so tests can check ordering.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// Platform hands out a fresh Stream per Capture call unless Err is set.
type Platform struct {
	mu        sync.Mutex
	Err       error
	NilStream bool
	// NewStream overrides the default single-audio-track stream.
	NewStream func() *Stream
	// Gate, when set, holds every Capture call until it is closed or the
	// call's context is done.
	Gate    chan struct{}
	streams []*Stream
	waiting int
}

func (p *Platform) Capture(ctx context.Context, tab models.TabContext) (capture.Stream, error) {
	p.mu.Lock()
	gate := p.Gate
	p.waiting++
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiting--
	if p.Err != nil {
		return nil, p.Err
	}
	if p.NilStream {
		return nil, nil
	}
	var s *Stream
	if p.NewStream != nil {
		s = p.NewStream()
	} else {
		s = NewStream("audio")
	}
	p.streams = append(p.streams, s)
	return s, nil
}

// Waiting counts Capture calls currently in progress.
func (p *Platform) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

// LastStream returns the most recent stream handed out, or nil.
func (p *Platform) LastStream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type Stream struct {
	Journal        *Journal
	TrackList      []*Track
	RecorderErr    error
	PassthroughErr error

	mu          sync.Mutex
	recorder    *Recorder
	passthrough *Passthrough
}

// NewStream creates a stream with one track per kind.
func NewStream(kinds ...string) *Stream {
	s := &Stream{Journal: &Journal{}}
	for _, k := range kinds {
		s.TrackList = append(s.TrackList, &Track{kind: k, journal: s.Journal})
	}
	return s
}

func (s *Stream) Tracks() []capture.Track {
	out := make([]capture.Track, 0, len(s.TrackList))
	for _, t := range s.TrackList {
		out = append(out, t)
	}
	return out
}

func (s *Stream) NewRecorder(mimeType string) (capture.Recorder, error) {
	if s.RecorderErr != nil {
		return nil, s.RecorderErr
	}
	rec := &Recorder{MimeType: mimeType, journal: s.Journal}
	s.mu.Lock()
	s.recorder = rec
	s.mu.Unlock()
	return rec, nil
}

func (s *Stream) Passthrough() (capture.Passthrough, error) {
	if s.PassthroughErr != nil {
		return nil, s.PassthroughErr
	}
	pt := &Passthrough{journal: s.Journal}
	s.mu.Lock()
	s.passthrough = pt
	s.mu.Unlock()
	return pt, nil
}

func (s *Stream) Recorder() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder
}

func (s *Stream) PassthroughNode() *Passthrough {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passthrough
}

type Track struct {
	kind    string
	journal *Journal
	mu      sync.Mutex
	stopped bool
}

func (t *Track) Kind() string { return t.kind }

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.journal.add("track:" + t.kind)
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type Passthrough struct {
	journal *Journal
	mu      sync.Mutex
	closed  bool
}

func (p *Passthrough) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.journal.add("passthrough")
	return nil
}

func (p *Passthrough) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Recorder is driven by the test: Emit delivers fragments, Fail reports an error.
type Recorder struct {
	MimeType string
	// Flush is delivered as a last fragment when Stop is called.
	Flush   []byte
	StopErr error

	journal   *Journal
	mu        sync.Mutex
	sink      capture.RecorderSink
	timeslice time.Duration
	running   bool
}

var ErrNotRunning = errors.New("recorder not running")

func (r *Recorder) Start(timeslice time.Duration, sink capture.RecorderSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
	r.timeslice = timeslice
	r.running = true
	return nil
}

func (r *Recorder) Stop() error {
	r.mu.Lock()
	sink := r.sink
	running := r.running
	r.running = false
	flush := r.Flush
	stopErr := r.StopErr
	r.mu.Unlock()
	r.journal.add("recorder")
	if stopErr != nil {
		return stopErr
	}
	if !running || sink == nil {
		return nil
	}
	if len(flush) > 0 {
		sink.OnData(flush)
	}
	sink.OnStop()
	return nil
}

// Emit hands a fragment to the session, as a timeslice boundary would.
func (r *Recorder) Emit(data []byte) error {
	r.mu.Lock()
	sink := r.sink
	running := r.running
	r.mu.Unlock()
	if !running || sink == nil {
		return ErrNotRunning
	}
	sink.OnData(data)
	return nil
}

// Fail reports an asynchronous recorder error.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	sink := r.sink
	r.running = false
	r.mu.Unlock()
	if sink != nil {
		sink.OnError(err)
	}
}

// EndUnexpectedly reports a stop the session did not ask for.
func (r *Recorder) EndUnexpectedly() {
	r.mu.Lock()
	sink := r.sink
	r.running = false
	r.mu.Unlock()
	if sink != nil {
		sink.OnStop()
	}
}

func (r *Recorder) Timeslice() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeslice
}

func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
