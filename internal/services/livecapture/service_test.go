package livecapture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

type fakeController struct {
	events   chan capture.Event
	started  []models.SessionConfig
	stopCtx  context.Context
	startErr error
	id       uuid.UUID
}

func newFakeController() *fakeController {
	return &fakeController{events: make(chan capture.Event, 16), id: uuid.New()}
}

func (f *fakeController) Start(_ context.Context, tab models.TabContext, cfg models.SessionConfig) (*capture.Handle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, cfg)
	return &capture.Handle{SessionID: f.id, Tab: tab, Config: cfg}, nil
}

func (f *fakeController) Stop(ctx context.Context) (capture.Summary, error) {
	f.stopCtx = ctx
	return capture.Summary{SessionID: f.id}, nil
}

func (f *fakeController) Status() capture.Status { return capture.Status{State: capture.StateIdle} }

func (f *fakeController) Events() <-chan capture.Event { return f.events }

func (f *fakeController) Close(context.Context) error {
	close(f.events)
	return nil
}

func result(id uuid.UUID, seq int, text string) capture.Event {
	return capture.Event{Type: capture.EventResult, SessionID: id, Sequence: seq, Result: &models.TranscriptionResult{Text: text}}
}

func runService(t *testing.T, svc *Service) {
	t.Helper()
	go func() { _ = svc.Run(context.Background()) }()
}

func TestServiceAssemblesTranscriptInOrder(t *testing.T) {
	ctrl := newFakeController()
	svc := New(ctrl, Options{})
	updates, unsubscribe := svc.Subscribe(16)
	defer unsubscribe()
	runService(t, svc)

	handle, err := svc.Start(context.Background(), models.TabContext{ID: 3, Title: "Lecture"}, models.SessionConfig{})
	require.NoError(t, err)

	ctrl.events <- result(handle.SessionID, 1, "world")
	ctrl.events <- result(handle.SessionID, 0, "hello")
	ctrl.events <- capture.Event{Type: capture.EventError, SessionID: handle.SessionID, Sequence: 2, Err: errors.New("engine down")}
	ctrl.events <- result(handle.SessionID, 3, "again")
	ctrl.events <- capture.Event{Type: capture.EventEnded, SessionID: handle.SessionID, Summary: &capture.Summary{SegmentsDispatched: 3}}

	var last Update
	for i := 0; i < 5; i++ {
		select {
		case last = <-updates:
		case <-time.After(time.Second):
			t.Fatalf("missing update %d", i)
		}
		if i == 0 {
			require.Empty(t, last.Released)
		}
		if i == 1 {
			require.Len(t, last.Released, 2)
			require.Equal(t, "hello world", last.Text)
		}
	}
	require.Equal(t, capture.EventEnded, last.Event.Type)

	tr, ok := svc.Transcript()
	require.True(t, ok)
	require.Equal(t, handle.SessionID, tr.SessionID)
	require.Equal(t, "hello world again", tr.Text)
	require.True(t, tr.Complete)
	require.Len(t, tr.Segments, 4)
	require.True(t, tr.Segments[2].Skipped)
	require.Equal(t, 3, tr.Summary.SegmentsDispatched)
	require.Equal(t, 3, tr.Tab.ID)
}

func TestServiceFlushesHeldResultsAtEnd(t *testing.T) {
	ctrl := newFakeController()
	svc := New(ctrl, Options{StartSequence: 10})
	updates, _ := svc.Subscribe(8)
	runService(t, svc)

	id := uuid.New()
	ctrl.events <- result(id, 12, "late")
	ctrl.events <- capture.Event{Type: capture.EventEnded, SessionID: id}
	<-updates
	ended := <-updates
	require.Equal(t, []Segment{{Sequence: 12, Text: "late"}}, ended.Released)

	tr, ok := svc.TranscriptFor(id)
	require.True(t, ok)
	require.Equal(t, "late", tr.Text)
	require.Zero(t, tr.Held)
}

func TestServiceAppliesDefaults(t *testing.T) {
	ctrl := newFakeController()
	target := "en"
	svc := New(ctrl, Options{Defaults: models.SessionConfig{Language: "de", TranslateTo: &target}})

	_, err := svc.Start(context.Background(), models.TabContext{ID: 1}, models.SessionConfig{Language: "  "})
	require.NoError(t, err)
	override := "fr"
	_, err = svc.Start(context.Background(), models.TabContext{ID: 1}, models.SessionConfig{Language: "es", TranslateTo: &override})
	require.NoError(t, err)

	require.Equal(t, "de", ctrl.started[0].Language)
	require.Equal(t, "en", *ctrl.started[0].TranslateTo)
	require.Equal(t, "es", ctrl.started[1].Language)
	require.Equal(t, "fr", *ctrl.started[1].TranslateTo)
}

func TestServiceStopAppliesTimeout(t *testing.T) {
	ctrl := newFakeController()
	svc := New(ctrl, Options{StopTimeout: time.Second})
	_, err := svc.Stop(context.Background())
	require.NoError(t, err)
	deadline, ok := ctrl.stopCtx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
}

func TestServiceStartErrorPassesThrough(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = &capture.CaptureError{Kind: capture.AlreadyCapturing, TabID: 4}
	svc := New(ctrl, Options{})
	_, err := svc.Start(context.Background(), models.TabContext{ID: 5}, models.SessionConfig{})
	require.True(t, capture.IsKind(err, capture.AlreadyCapturing))
	_, ok := svc.Transcript()
	require.False(t, ok)
}

func TestServiceClosesSubscribersWhenEventsEnd(t *testing.T) {
	ctrl := newFakeController()
	svc := New(ctrl, Options{})
	updates, unsubscribe := svc.Subscribe(1)
	runService(t, svc)

	require.NoError(t, svc.Close(context.Background()))
	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatalf("service did not stop")
	}
	_, open := <-updates
	require.False(t, open)
	unsubscribe()

	late, _ := svc.Subscribe(1)
	_, open = <-late
	require.False(t, open)
}
