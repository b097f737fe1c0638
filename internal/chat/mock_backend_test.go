package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/api"
)

// mockBackend implements Backend for testing. Each Send or Resume hands the
// test a streamCall it scripts events through.
type mockBackend struct {
	mu          sync.Mutex
	sends       []*streamCall
	resumes     []*streamCall
	sendErr     error
	resumeErr   error
	cancelErr   error
	cancelDelay time.Duration
	cancels     []cancelCall
	contents    map[int64]api.StreamingContent
	contentErrs map[int64]error
	probed      []int64
}

type cancelCall struct {
	subtaskID int64
	partial   string
}

// streamCall is one scripted stream. The test emits events and closes the
// channel at the point the real SSE consumer would; close is idempotent so
// abort paths can share it.
type streamCall struct {
	ctx       context.Context
	req       api.SendRequest
	subtaskID int64
	offset    int
	events    chan api.StreamEvent
	closeOnce sync.Once
}

func (c *streamCall) emit(ev api.StreamEvent) { c.events <- ev }

func (c *streamCall) close() { c.closeOnce.Do(func() { close(c.events) }) }

func newMockBackend() *mockBackend {
	return &mockBackend{
		contents:    make(map[int64]api.StreamingContent),
		contentErrs: make(map[int64]error),
	}
}

func (m *mockBackend) Send(ctx context.Context, req api.SendRequest) (<-chan api.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	call := &streamCall{ctx: ctx, req: req, events: make(chan api.StreamEvent, 16)}
	m.sends = append(m.sends, call)
	return call.events, nil
}

func (m *mockBackend) Resume(ctx context.Context, subtaskID int64, offset int) (<-chan api.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeErr != nil {
		return nil, m.resumeErr
	}
	call := &streamCall{ctx: ctx, subtaskID: subtaskID, offset: offset, events: make(chan api.StreamEvent, 16)}
	m.resumes = append(m.resumes, call)
	return call.events, nil
}

func (m *mockBackend) Cancel(ctx context.Context, subtaskID int64, partialContent string) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, cancelCall{subtaskID: subtaskID, partial: partialContent})
	delay := m.cancelDelay
	err := m.cancelErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *mockBackend) StreamingContent(ctx context.Context, subtaskID int64) (api.StreamingContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probed = append(m.probed, subtaskID)
	if err, ok := m.contentErrs[subtaskID]; ok {
		return api.StreamingContent{}, err
	}
	if sc, ok := m.contents[subtaskID]; ok {
		return sc, nil
	}
	return api.StreamingContent{}, api.ErrNoBufferedContent
}

// sendCall waits for the i-th Send call; launches happen on a goroutine, so
// the call may not exist yet when the test looks.
func (m *mockBackend) sendCall(t *testing.T, i int) *streamCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.sends) > i {
			call := m.sends[i]
			m.mu.Unlock()
			return call
		}
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Send call %d never arrived", i)
	return nil
}

// resumeCall waits for the i-th Resume call.
func (m *mockBackend) resumeCall(t *testing.T, i int) *streamCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.resumes) > i {
			call := m.resumes[i]
			m.mu.Unlock()
			return call
		}
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Resume call %d never arrived", i)
	return nil
}

func (m *mockBackend) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func (m *mockBackend) resumeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resumes)
}

func (m *mockBackend) cancelCalls() []cancelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cancelCall(nil), m.cancels...)
}

func (m *mockBackend) probedSubtasks() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.probed...)
}

// mockClock is a settable clock for registry timestamps.
type mockClock struct {
	mu sync.Mutex
	t  time.Time
}

func newMockClock() *mockClock {
	return &mockClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// waitSession polls until cond holds for the session snapshot.
func waitSession(t *testing.T, reg *Registry, id SessionID, cond func(Session) bool) Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := reg.Get(id); ok && cond(snap) {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	snap, ok := reg.Get(id)
	t.Fatalf("session %d never reached the expected state (present=%v, last=%+v)", int64(id), ok, snap)
	return Session{}
}

// waitGone polls until the session id disappears from the registry.
func waitGone(t *testing.T, reg *Registry, id SessionID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get(id); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session %d still present", int64(id))
}

// completion records one OnComplete invocation.
type completion struct {
	id        SessionID
	subtaskID int64
}

// callbackRecorder turns session callbacks into channels a test can wait on.
type callbackRecorder struct {
	resolved  chan SessionID
	completed chan completion
	failed    chan error
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{
		resolved:  make(chan SessionID, 4),
		completed: make(chan completion, 4),
		failed:    make(chan error, 4),
	}
}

func (r *callbackRecorder) callbacks() Callbacks {
	return Callbacks{
		OnComplete:   func(id SessionID, subtaskID int64) { r.completed <- completion{id: id, subtaskID: subtaskID} },
		OnError:      func(err error) { r.failed <- err },
		OnIDResolved: func(realID SessionID) { r.resolved <- realID },
	}
}

func (r *callbackRecorder) waitResolved(t *testing.T) SessionID {
	t.Helper()
	select {
	case id := <-r.resolved:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("OnIDResolved never fired")
	}
	return 0
}

func (r *callbackRecorder) waitComplete(t *testing.T) completion {
	t.Helper()
	select {
	case c := <-r.completed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("OnComplete never fired")
	}
	return completion{}
}

func (r *callbackRecorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.failed:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never fired")
	}
	return nil
}

// expectQuiet asserts no callback arrives within a short window.
func (r *callbackRecorder) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.completed:
		t.Fatalf("unexpected OnComplete: %+v", c)
	case err := <-r.failed:
		t.Fatalf("unexpected OnError: %v", err)
	case id := <-r.resolved:
		t.Fatalf("unexpected OnIDResolved: %d", int64(id))
	case <-time.After(50 * time.Millisecond):
	}
}

// resolveEvent captures one SessionResolved notification.
type resolveEvent struct {
	oldID SessionID
	snap  Session
}

// recordingObserver implements Observer for testing.
type recordingObserver struct {
	mu       sync.Mutex
	updated  []Session
	resolved []resolveEvent
	deleted  []SessionID
}

func (o *recordingObserver) SessionUpdated(s Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updated = append(o.updated, s)
}

func (o *recordingObserver) SessionResolved(oldID SessionID, s Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved = append(o.resolved, resolveEvent{oldID: oldID, snap: s})
}

func (o *recordingObserver) SessionDeleted(id SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, id)
}

func (o *recordingObserver) snapshot() (updated []Session, deleted []SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Session(nil), o.updated...), append([]SessionID(nil), o.deleted...)
}

func (o *recordingObserver) resolves() []resolveEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]resolveEvent(nil), o.resolved...)
}
