package capture_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/capture/capturetest"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

var testTab = models.TabContext{ID: 42, Title: "Conference talk", URL: "https://example.com/talk"}

type segmentLog struct {
	mu       sync.Mutex
	segments []models.AudioSegment
	ended    []error
	endCalls int
}

func (l *segmentLog) onSegment(seg models.AudioSegment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.segments = append(l.segments, seg)
}

func (l *segmentLog) onEnd(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, err)
	l.endCalls++
}

func (l *segmentLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.segments)
}

func (l *segmentLog) all() []models.AudioSegment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.AudioSegment, len(l.segments))
	copy(out, l.segments)
	return out
}

func (l *segmentLog) ends() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.ended...)
}

type sessionFixture struct {
	platform *capturetest.Platform
	clock    *capturetest.ManualClock
	log      *segmentLog
	session  *capture.Session
}

func newSessionFixture(t *testing.T, mutate func(*capture.SessionOptions)) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		platform: &capturetest.Platform{},
		clock:    capturetest.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		log:      &segmentLog{},
	}
	opts := capture.SessionOptions{
		Interval:  10 * time.Second,
		Timeslice: time.Second,
		Clock:     f.clock,
		OnSegment: f.log.onSegment,
		OnEnd:     f.log.onEnd,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.session = capture.NewSession(f.platform, opts)
	t.Cleanup(f.session.Close)
	return f
}

func (f *sessionFixture) recorder(t *testing.T) *capturetest.Recorder {
	t.Helper()
	stream := f.platform.LastStream()
	require.NotNil(t, stream)
	rec := stream.Recorder()
	require.NotNil(t, rec)
	return rec
}

// emitSeconds pushes one fragment per simulated second.
func emitSeconds(t *testing.T, rec *capturetest.Recorder, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, rec.Emit([]byte(fmt.Sprintf("[%02d]", i))))
	}
}

func waitForSegments(t *testing.T, log *segmentLog, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return log.count() >= n }, 2*time.Second, 2*time.Millisecond)
}

func expectedPayload(from, to int) []byte {
	var out []byte
	for i := from; i < to; i++ {
		out = append(out, []byte(fmt.Sprintf("[%02d]", i))...)
	}
	return out
}

func TestSessionCutsContiguousSegmentsAndFinalSegmentOnStop(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	require.Equal(t, capture.StateCapturing, f.session.State())

	rec := f.recorder(t)
	require.Equal(t, time.Second, rec.Timeslice())
	require.Equal(t, capture.DefaultMimeType, rec.MimeType)

	emitSeconds(t, rec, 0, 10)
	f.clock.Advance(10 * time.Second)
	waitForSegments(t, f.log, 1)

	emitSeconds(t, rec, 10, 20)
	f.clock.Advance(10 * time.Second)
	waitForSegments(t, f.log, 2)

	emitSeconds(t, rec, 20, 25)
	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.session.Stop(context.Background()))
	require.Equal(t, capture.StateIdle, f.session.State())

	segs := f.log.all()
	require.Len(t, segs, 3)
	for i, seg := range segs {
		require.Equal(t, i, seg.Sequence)
		require.Equal(t, capture.DefaultMimeType, seg.ContentType)
		require.Equal(t, testTab.ID, seg.Tab.ID)
	}
	require.Equal(t, expectedPayload(0, 10), segs[0].Payload)
	require.Equal(t, expectedPayload(10, 20), segs[1].Payload)
	require.Equal(t, expectedPayload(20, 25), segs[2].Payload)

	require.Equal(t, []error{nil}, f.log.ends())
	require.Zero(t, f.clock.ActiveTickers())
}

func TestSessionEmptyIntervalDoesNotAdvanceSequence(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	rec := f.recorder(t)

	f.clock.Advance(10 * time.Second)
	f.clock.Advance(10 * time.Second)
	require.Never(t, func() bool { return f.log.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	emitSeconds(t, rec, 0, 3)
	f.clock.Advance(10 * time.Second)
	waitForSegments(t, f.log, 1)
	require.Equal(t, 0, f.log.all()[0].Sequence)
}

func TestSessionIgnoresEmptyFragments(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	rec := f.recorder(t)

	require.NoError(t, rec.Emit(nil))
	require.NoError(t, rec.Emit([]byte{}))
	require.NoError(t, f.session.Stop(context.Background()))
	require.Zero(t, f.log.count())
}

func TestSessionNoCutAfterStop(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	rec := f.recorder(t)

	emitSeconds(t, rec, 0, 4)
	require.NoError(t, f.session.Stop(context.Background()))
	require.Equal(t, 1, f.log.count())

	f.clock.Advance(30 * time.Second)
	require.Never(t, func() bool { return f.log.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.ErrorIs(t, rec.Emit([]byte("late")), capturetest.ErrNotRunning)
}

func TestSessionTickRacingStopCutsOnce(t *testing.T) {
	f := newSessionFixture(t, nil)
	for run := 0; run < 50; run++ {
		require.NoError(t, f.session.Start(context.Background(), testTab))
		emitSeconds(t, f.recorder(t), 0, 4)

		f.clock.Tick()
		require.NoError(t, f.session.Stop(context.Background()))
		f.clock.Tick()

		require.Equal(t, run+1, f.log.count(), "run %d", run)
		last := f.log.all()[run]
		require.Equal(t, 0, last.Sequence)
		require.Equal(t, expectedPayload(0, 4), last.Payload)
	}
	require.Never(t, func() bool { return f.log.count() > 50 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Zero(t, f.clock.ActiveTickers())
}

func TestSessionStopIncludesRecorderFlush(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	rec := f.recorder(t)
	rec.Flush = []byte("tail")

	emitSeconds(t, rec, 0, 2)
	require.NoError(t, f.session.Stop(context.Background()))

	segs := f.log.all()
	require.Len(t, segs, 1)
	require.Equal(t, append(expectedPayload(0, 2), []byte("tail")...), segs[0].Payload)
}

func TestSessionStartSequenceOption(t *testing.T) {
	f := newSessionFixture(t, func(o *capture.SessionOptions) { o.StartSequence = 100 })
	require.NoError(t, f.session.Start(context.Background(), testTab))
	emitSeconds(t, f.recorder(t), 0, 1)
	require.NoError(t, f.session.Stop(context.Background()))
	require.Equal(t, 100, f.log.all()[0].Sequence)
}

func TestSessionRestartResetsSequence(t *testing.T) {
	f := newSessionFixture(t, nil)
	for run := 0; run < 2; run++ {
		require.NoError(t, f.session.Start(context.Background(), testTab))
		emitSeconds(t, f.recorder(t), 0, 2)
		require.NoError(t, f.session.Stop(context.Background()))
	}
	segs := f.log.all()
	require.Len(t, segs, 2)
	require.Equal(t, 0, segs[0].Sequence)
	require.Equal(t, 0, segs[1].Sequence)
}

func TestSessionStartFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*capturetest.Platform)
		kind  capture.CaptureErrorKind
	}{
		{
			name:  "nil stream",
			setup: func(p *capturetest.Platform) { p.NilStream = true },
			kind:  capture.NoAudio,
		},
		{
			name: "video only",
			setup: func(p *capturetest.Platform) {
				p.NewStream = func() *capturetest.Stream { return capturetest.NewStream("video") }
			},
			kind: capture.NoAudio,
		},
		{
			name:  "permission denied",
			setup: func(p *capturetest.Platform) { p.Err = fmt.Errorf("tab capture: %w", capture.ErrPermissionDenied) },
			kind:  capture.PermissionDenied,
		},
		{
			name:  "platform no audio",
			setup: func(p *capturetest.Platform) { p.Err = capture.ErrNoAudio },
			kind:  capture.NoAudio,
		},
		{
			name:  "platform failure",
			setup: func(p *capturetest.Platform) { p.Err = errors.New("device busy") },
			kind:  capture.Unavailable,
		},
		{
			name: "recorder unsupported",
			setup: func(p *capturetest.Platform) {
				p.NewStream = func() *capturetest.Stream {
					s := capturetest.NewStream("audio")
					s.RecorderErr = errors.New("mime type not supported")
					return s
				}
			},
			kind: capture.Unavailable,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newSessionFixture(t, nil)
			tt.setup(f.platform)

			err := f.session.Start(context.Background(), testTab)
			require.Error(t, err)
			require.True(t, capture.IsKind(err, tt.kind), "got %v", err)
			require.Equal(t, capture.StateIdle, f.session.State())
			require.Zero(t, f.clock.ActiveTickers())
			if stream := f.platform.LastStream(); stream != nil {
				for _, tr := range stream.TrackList {
					require.True(t, tr.Stopped())
				}
			}
			require.Empty(t, f.log.ends(), "failed starts never report an end")
		})
	}
}

func TestSessionPassthroughFailureIsNotFatal(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.platform.NewStream = func() *capturetest.Stream {
		s := capturetest.NewStream("audio")
		s.PassthroughErr = errors.New("audio context unavailable")
		return s
	}
	require.NoError(t, f.session.Start(context.Background(), testTab))
	require.Equal(t, capture.StateCapturing, f.session.State())
	require.NoError(t, f.session.Stop(context.Background()))
}

func TestSessionRecorderErrorFinalizes(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	rec := f.recorder(t)

	emitSeconds(t, rec, 0, 3)
	boom := errors.New("encoder crashed")
	rec.Fail(boom)

	require.Eventually(t, func() bool { return len(f.log.ends()) == 1 }, time.Second, 2*time.Millisecond)
	require.ErrorIs(t, f.log.ends()[0], boom)
	require.Equal(t, capture.StateIdle, f.session.State())
	segs := f.log.all()
	require.Len(t, segs, 1)
	require.Equal(t, expectedPayload(0, 3), segs[0].Payload)
	require.True(t, f.platform.LastStream().TrackList[0].Stopped())
}

func TestSessionUnexpectedRecorderStop(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	f.recorder(t).EndUnexpectedly()

	require.Eventually(t, func() bool { return len(f.log.ends()) == 1 }, time.Second, 2*time.Millisecond)
	require.ErrorIs(t, f.log.ends()[0], capture.ErrRecorderStopped)
}

func TestSessionCleanupOrderAndIdempotence(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	stream := f.platform.LastStream()

	f.session.Cleanup()
	f.session.Cleanup()
	require.Equal(t, capture.StateIdle, f.session.State())
	require.Equal(t, []string{"passthrough", "track:audio", "recorder"}, stream.Journal.Entries())
	require.True(t, stream.PassthroughNode().Closed())
	require.Zero(t, f.clock.ActiveTickers())
}

func TestSessionCleanupFromIdle(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NotPanics(t, f.session.Cleanup)
	require.Equal(t, capture.StateIdle, f.session.State())
	require.NoError(t, f.session.Stop(context.Background()))
}

func TestSessionRejectsSecondStart(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	err := f.session.Start(context.Background(), testTab)
	require.True(t, capture.IsKind(err, capture.AlreadyCapturing))
}

func TestSessionSnapshotTracksBuffer(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.session.Start(context.Background(), testTab))
	emitSeconds(t, f.recorder(t), 0, 2)

	snap := f.session.Snapshot()
	require.Equal(t, capture.StateCapturing, snap.State)
	require.Equal(t, 8, snap.BufferedBytes)
	require.Equal(t, testTab, snap.Tab)
	require.Equal(t, f.clock.Now(), snap.StartedAt)
}
