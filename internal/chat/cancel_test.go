package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/api"
)

func TestCanceller_StopMissingOrIdle(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	mock := newMockBackend()
	c := NewCanceller(reg, mock, 0, nil)

	// Unknown id.
	c.Stop(context.Background(), 42)

	// Terminal session.
	if err := reg.Register(Session{ID: 42, SubtaskID: 7, Content: "done"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	c.Stop(context.Background(), 42)

	if got := mock.cancelCalls(); len(got) != 0 {
		t.Errorf("remote cancel called %d times, want 0", len(got))
	}
	snap, _ := reg.Get(42)
	if snap.Content != "done" || snap.Stopping {
		t.Errorf("idle session disturbed by Stop: %+v", snap)
	}
}

func TestCanceller_StopStreaming(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	mock := newMockBackend()
	c := NewCanceller(reg, mock, 0, nil)
	rec := newCallbackRecorder()

	aborted := 0
	st := &sessionState{
		snap:    Session{ID: 42, SubtaskID: 7, Streaming: true, Content: "partial reply", PendingUserMessage: "hi"},
		abort:   func() { aborted++ },
		outcome: newOutcome(rec.callbacks()),
	}
	if err := reg.registerState(st); err != nil {
		t.Fatalf("registerState() error = %v", err)
	}

	c.Stop(context.Background(), 42)

	if aborted != 1 {
		t.Errorf("abort called %d times, want 1", aborted)
	}
	calls := mock.cancelCalls()
	if len(calls) != 1 {
		t.Fatalf("remote cancel called %d times, want 1", len(calls))
	}
	if calls[0].subtaskID != 7 || calls[0].partial != "partial reply" {
		t.Errorf("remote cancel = %+v, want subtask 7 with the partial content", calls[0])
	}

	snap, _ := reg.Get(42)
	if snap.Streaming || snap.Stopping {
		t.Errorf("session still active after Stop: %+v", snap)
	}
	if snap.Content != "partial reply" {
		t.Errorf("content = %q, want preserved partial", snap.Content)
	}
	if snap.PendingUserMessage != "" {
		t.Error("pending message not cleared")
	}
	if snap.Err != nil {
		t.Errorf("Err = %v, want nil after a clean stop", snap.Err)
	}

	// The backend confirmed, so the stop counts as a completion.
	done := rec.waitComplete(t)
	if done.id != 42 || done.subtaskID != 7 {
		t.Errorf("OnComplete = %+v, want id 42 subtask 7", done)
	}
	rec.expectQuiet(t)
}

func TestCanceller_StopRemoteFails(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	mock := newMockBackend()
	mock.cancelErr = errors.New("cancel rejected")
	c := NewCanceller(reg, mock, 0, nil)
	rec := newCallbackRecorder()

	st := &sessionState{
		snap:    Session{ID: 42, SubtaskID: 7, Streaming: true, Content: "partial"},
		abort:   func() {},
		outcome: newOutcome(rec.callbacks()),
	}
	if err := reg.registerState(st); err != nil {
		t.Fatalf("registerState() error = %v", err)
	}

	// The failure is swallowed; the session still lands in a terminal
	// state with its content intact.
	c.Stop(context.Background(), 42)

	snap, _ := reg.Get(42)
	if snap.Streaming || snap.Stopping {
		t.Errorf("session still active after Stop: %+v", snap)
	}
	if snap.Err != nil {
		t.Errorf("Err = %v, want nil", snap.Err)
	}
	if snap.Content != "partial" {
		t.Errorf("content = %q, want %q", snap.Content, "partial")
	}

	// Without backend confirmation there is nothing durable to re-fetch.
	rec.expectQuiet(t)
}

func TestCanceller_StopWithoutSubtask(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	mock := newMockBackend()
	c := NewCanceller(reg, mock, 0, nil)
	rec := newCallbackRecorder()

	st := &sessionState{
		snap:    Session{ID: -5, Streaming: true},
		abort:   func() {},
		outcome: newOutcome(rec.callbacks()),
	}
	if err := reg.registerState(st); err != nil {
		t.Fatalf("registerState() error = %v", err)
	}

	c.Stop(context.Background(), -5)

	if got := mock.cancelCalls(); len(got) != 0 {
		t.Errorf("remote cancel called %d times before id resolution, want 0", len(got))
	}
	snap, _ := reg.Get(-5)
	if snap.Streaming || snap.Stopping {
		t.Errorf("session still active after Stop: %+v", snap)
	}
	rec.expectQuiet(t)
}

func TestCanceller_StopSlowRemoteBounded(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	mock := newMockBackend()
	mock.cancelDelay = 2 * time.Second
	c := NewCanceller(reg, mock, 25*time.Millisecond, nil)
	rec := newCallbackRecorder()

	st := &sessionState{
		snap:    Session{ID: 42, SubtaskID: 7, Streaming: true, Content: "partial"},
		abort:   func() {},
		outcome: newOutcome(rec.callbacks()),
	}
	if err := reg.registerState(st); err != nil {
		t.Fatalf("registerState() error = %v", err)
	}

	start := time.Now()
	c.Stop(context.Background(), 42)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Stop blocked %v on a dead remote, want the configured bound", elapsed)
	}

	snap, _ := reg.Get(42)
	if snap.Streaming || snap.Stopping {
		t.Errorf("session still active after Stop: %+v", snap)
	}
	rec.expectQuiet(t)
}

func TestCanceller_StopLiveStream(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	obs := &recordingObserver{}
	reg.AddObserver(obs)
	mock := newMockBackend()
	l := NewLauncher(reg, mock, nil)
	c := NewCanceller(reg, mock, 0, nil)
	rec := newCallbackRecorder()

	if _, err := l.Start(Request{Message: "hi"}, rec.callbacks()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	call := mock.sendCall(t, 0)
	call.emit(api.Resolved{ConversationID: 42, SubtaskID: 7})
	call.emit(api.Delta{Content: "Hello wor"})
	waitSession(t, reg, 42, func(s Session) bool { return s.Content == "Hello wor" })

	c.Stop(context.Background(), 42)
	// The abort already landed; closing the channel is the stream side of
	// that shutdown.
	select {
	case <-call.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream context never cancelled by Stop")
	}
	call.close()

	calls := mock.cancelCalls()
	if len(calls) != 1 || calls[0].partial != "Hello wor" {
		t.Fatalf("remote cancel = %+v, want exactly the stopped partial", calls)
	}

	rec.waitResolved(t)
	done := rec.waitComplete(t)
	if done.id != 42 || done.subtaskID != 7 {
		t.Errorf("OnComplete = %+v, want id 42 subtask 7", done)
	}
	// The closed stream must not add a second terminal transition.
	rec.expectQuiet(t)

	updated, _ := obs.snapshot()
	sawStopping := false
	for _, s := range updated {
		if s.Stopping {
			if !s.Streaming {
				t.Error("observer saw Stopping without Streaming")
			}
			sawStopping = true
		}
	}
	if !sawStopping {
		t.Error("no observer update carried the Stopping state")
	}
}
