package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

type sinkLog struct {
	mu      sync.Mutex
	data    [][]byte
	stopped int
	errs    []error
}

func (s *sinkLog) OnData(data []byte) {
	s.mu.Lock()
	s.data = append(s.data, data)
	s.mu.Unlock()
}

func (s *sinkLog) OnStop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *sinkLog) OnError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *sinkLog) snapshot() (fragments int, stopped int, errs []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data), s.stopped, append([]error(nil), s.errs...)
}

func startRecorder(t *testing.T, hub *Hub, tabID int) (capture.Stream, capture.Recorder, *sinkLog) {
	t.Helper()
	stream, err := hub.Capture(context.Background(), models.TabContext{ID: tabID})
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 1)
	require.Equal(t, "audio", stream.Tracks()[0].Kind())

	rec, err := stream.NewRecorder(capture.DefaultMimeType)
	require.NoError(t, err)
	sink := &sinkLog{}
	require.NoError(t, rec.Start(time.Second, sink))
	return stream, rec, sink
}

func TestHubCaptureTimesOutWithoutFeed(t *testing.T) {
	hub := NewHub(HubOptions{Wait: 20 * time.Millisecond})
	_, err := hub.Capture(context.Background(), models.TabContext{ID: 1})
	require.ErrorIs(t, err, capture.ErrNoAudio)
}

func TestHubCaptureWaitsForLateFeed(t *testing.T) {
	hub := NewHub(HubOptions{Wait: time.Second})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = hub.Attach(3, "")
	}()
	stream, err := hub.Capture(context.Background(), models.TabContext{ID: 3})
	require.NoError(t, err)
	require.NotNil(t, stream)
}

func TestHubRejectsSecondFeedForTab(t *testing.T) {
	hub := NewHub(HubOptions{})
	_, err := hub.Attach(5, "")
	require.NoError(t, err)
	_, err = hub.Attach(5, "")
	require.ErrorIs(t, err, ErrFeedAttached)
}

func TestHubFeedIsClaimedOnce(t *testing.T) {
	hub := NewHub(HubOptions{Wait: 20 * time.Millisecond})
	_, err := hub.Attach(5, "")
	require.NoError(t, err)
	_, err = hub.Capture(context.Background(), models.TabContext{ID: 5})
	require.NoError(t, err)
	_, err = hub.Capture(context.Background(), models.TabContext{ID: 5})
	require.ErrorIs(t, err, capture.ErrNoAudio)
}

func TestRecorderForwardsFragmentsAndFlushesOnStop(t *testing.T) {
	hub := NewHub(HubOptions{})
	feed, err := hub.Attach(9, "")
	require.NoError(t, err)
	_, rec, sink := startRecorder(t, hub, 9)

	for i := 0; i < 3; i++ {
		require.NoError(t, feed.Push(context.Background(), []byte{byte(i)}))
	}
	require.NoError(t, feed.Push(context.Background(), nil))
	require.Eventually(t, func() bool {
		n, _, _ := sink.snapshot()
		return n == 3
	}, time.Second, time.Millisecond)

	require.NoError(t, rec.Stop())
	n, stopped, errs := sink.snapshot()
	require.Equal(t, 3, n)
	require.Equal(t, 1, stopped)
	require.Empty(t, errs)
	require.NoError(t, rec.Stop())
}

func TestRecorderReportsCleanClientStop(t *testing.T) {
	hub := NewHub(HubOptions{})
	feed, err := hub.Attach(9, "")
	require.NoError(t, err)
	_, _, sink := startRecorder(t, hub, 9)

	require.NoError(t, feed.Push(context.Background(), []byte("x")))
	feed.Close(nil)
	require.Eventually(t, func() bool {
		_, stopped, _ := sink.snapshot()
		return stopped == 1
	}, time.Second, time.Millisecond)
	n, _, _ := sink.snapshot()
	require.Equal(t, 1, n)
	require.False(t, hub.Attached(9))
	require.ErrorIs(t, feed.Push(context.Background(), []byte("late")), ErrFeedClosed)
}

func TestRecorderReportsDroppedConnection(t *testing.T) {
	hub := NewHub(HubOptions{})
	feed, err := hub.Attach(9, "")
	require.NoError(t, err)
	_, _, sink := startRecorder(t, hub, 9)

	feed.Close(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		_, _, errs := sink.snapshot()
		return len(errs) == 1
	}, time.Second, time.Millisecond)
}

func TestTrackStopReleasesFeed(t *testing.T) {
	hub := NewHub(HubOptions{})
	feed, err := hub.Attach(2, "")
	require.NoError(t, err)
	stream, err := hub.Capture(context.Background(), models.TabContext{ID: 2})
	require.NoError(t, err)

	stream.Tracks()[0].Stop()
	select {
	case <-feed.Done():
	case <-time.After(time.Second):
		t.Fatalf("feed not released by track stop")
	}
	require.NoError(t, feed.Err())

	_, err = hub.Attach(2, "")
	require.NoError(t, err)
}

func TestHubCloseEndsFeedsAndWaiters(t *testing.T) {
	hub := NewHub(HubOptions{Wait: time.Second})
	feed, err := hub.Attach(1, "")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := hub.Capture(context.Background(), models.TabContext{ID: 2})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	hub.Close()

	require.ErrorIs(t, <-errCh, ErrHubClosed)
	require.ErrorIs(t, feed.Err(), ErrHubClosed)
	_, err = hub.Attach(3, "")
	require.ErrorIs(t, err, ErrHubClosed)
}
