package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/api"
	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/client"
	"github.com/parley-ai/parley/internal/web"
)

// scriptedBackend implements chat.Backend for gateway tests. Each Send
// opens a channel the test drives by hand.
type scriptedBackend struct {
	mu      sync.Mutex
	streams []*scriptedStream
}

type scriptedStream struct {
	req    api.SendRequest
	events chan api.StreamEvent
}

func (b *scriptedBackend) Send(ctx context.Context, req api.SendRequest) (<-chan api.StreamEvent, error) {
	st := &scriptedStream{req: req, events: make(chan api.StreamEvent, 16)}
	b.mu.Lock()
	b.streams = append(b.streams, st)
	b.mu.Unlock()
	return st.events, nil
}

func (b *scriptedBackend) Resume(ctx context.Context, subtaskID int64, offset int) (<-chan api.StreamEvent, error) {
	ch := make(chan api.StreamEvent)
	close(ch)
	return ch, nil
}

func (b *scriptedBackend) Cancel(ctx context.Context, subtaskID int64, partialContent string) error {
	return nil
}

func (b *scriptedBackend) StreamingContent(ctx context.Context, subtaskID int64) (api.StreamingContent, error) {
	return api.StreamingContent{}, api.ErrNoBufferedContent
}

// waitStream waits for the i-th Send to happen. It returns nil on timeout
// so it is safe to call from helper goroutines.
func (b *scriptedBackend) waitStream(i int) *scriptedStream {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		if len(b.streams) > i {
			st := b.streams[i]
			b.mu.Unlock()
			return st
		}
		b.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// stream is waitStream with a test failure on timeout.
func (b *scriptedBackend) stream(t *testing.T, i int) *scriptedStream {
	t.Helper()
	st := b.waitStream(i)
	if st == nil {
		t.Fatalf("backend never received send %d", i)
	}
	return st
}

// newTestGateway starts a gateway over a scripted backend and returns a
// client pointed at it.
func newTestGateway(t *testing.T) (*scriptedBackend, *chat.Service, *client.Client) {
	t.Helper()

	backend := &scriptedBackend{}
	svc := chat.NewService(chat.ServiceConfig{
		Backend:       backend,
		CancelTimeout: time.Second,
	})
	gw := web.NewServer(web.Config{Service: svc})
	ts := httptest.NewServer(gw.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
		ts.Close()
		svc.Close()
	})

	return backend, svc, client.New(ts.URL)
}

func TestHealth(t *testing.T) {
	_, _, c := newTestGateway(t)

	info, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if info.Status != "ok" {
		t.Errorf("status = %q, want %q", info.Status, "ok")
	}
	if info.Sessions != 0 {
		t.Errorf("sessions = %d, want 0", info.Sessions)
	}
}

func TestHealthUnreachable(t *testing.T) {
	c := client.New("http://127.0.0.1:1", client.WithTimeout(200*time.Millisecond))
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error against unreachable gateway")
	}
}

func TestConnectReportsClientID(t *testing.T) {
	_, _, c := newTestGateway(t)

	connected := make(chan string, 1)
	conn, err := c.Connect(context.Background(), client.Callbacks{
		OnConnected: func(clientID string) { connected <- clientID },
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	select {
	case id := <-connected:
		if id == "" {
			t.Error("connected with empty client id")
		}
		if got := conn.ClientID(); got != id {
			t.Errorf("ClientID() = %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received connected frame")
	}
}

func TestSendAndWait(t *testing.T) {
	backend, _, c := newTestGateway(t)

	// Drive the backend stream as soon as the start arrives.
	go func() {
		st := backend.waitStream(0)
		if st == nil {
			return
		}
		st.events <- api.Resolved{ConversationID: 42, SubtaskID: 7}
		st.events <- api.Delta{Content: "Hello"}
		st.events <- api.Delta{Content: " world"}
		st.events <- api.Completed{}
		close(st.events)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := c.SendAndWait(ctx, web.StartPayload{Message: "hi"})
	if err != nil {
		t.Fatalf("SendAndWait failed: %v", err)
	}

	if result.ConversationID != 42 {
		t.Errorf("conversation id = %d, want 42", result.ConversationID)
	}
	if result.SubtaskID != 7 {
		t.Errorf("subtask id = %d, want 7", result.SubtaskID)
	}
	if result.Session.Content != "Hello world" {
		t.Errorf("content = %q, want %q", result.Session.Content, "Hello world")
	}
	if result.Session.Streaming {
		t.Error("final session still marked streaming")
	}
	if result.Session.Analysis == nil || result.Session.Analysis.Kind != "plain" {
		t.Errorf("analysis = %+v, want plain", result.Session.Analysis)
	}

	// The backend saw the message
	if got := backend.stream(t, 0).req.Message; got != "hi" {
		t.Errorf("backend received message %q, want %q", got, "hi")
	}
}

func TestSendAndWaitRejectsEmptyMessage(t *testing.T) {
	_, _, c := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.SendAndWait(ctx, web.StartPayload{})
	if err == nil {
		t.Fatal("expected error for empty message")
	}
	if !strings.Contains(err.Error(), "requires a message") {
		t.Errorf("error = %v, want mention of the missing message", err)
	}
}

func TestSubscribeDeliversSnapshot(t *testing.T) {
	backend, svc, c := newTestGateway(t)

	// A session streams before the client connects.
	_, err := svc.Start(chat.Request{Message: "hi"}, chat.Callbacks{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st := backend.stream(t, 0)
	st.events <- api.Resolved{ConversationID: 55, SubtaskID: 9}
	st.events <- api.Delta{Content: "partial"}

	// Wait until the service reflects the delta.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := svc.Get(55); ok && s.Content == "partial" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	snapshots := make(chan web.SessionPayload, 1)
	conn, err := c.Connect(context.Background(), client.Callbacks{
		OnSnapshot: func(s web.SessionPayload) { snapshots <- s },
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Subscribe(55); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case snap := <-snapshots:
		if snap.ID != 55 {
			t.Errorf("snapshot id = %d, want 55", snap.ID)
		}
		if snap.Content != "partial" {
			t.Errorf("snapshot content = %q, want %q", snap.Content, "partial")
		}
		if !snap.Streaming {
			t.Error("snapshot not marked streaming")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received snapshot")
	}

	// Let the stream finish so Close has nothing in flight.
	st.events <- api.Completed{}
	close(st.events)
}

func TestRecoverRoundTrip(t *testing.T) {
	_, _, c := newTestGateway(t)

	recovered := make(chan web.RecoveredPayload, 1)
	conn, err := c.Connect(context.Background(), client.Callbacks{
		OnRecovered: func(r web.RecoveredPayload) { recovered <- r },
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	err = conn.Recover(web.RecoverPayload{
		ConversationID: 42,
		Subtasks: []web.SubtaskRef{
			{ID: 7, Status: "RUNNING", Role: "ASSISTANT"},
		},
	})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	select {
	case r := <-recovered:
		if r.ConversationID != 42 {
			t.Errorf("conversation id = %d, want 42", r.ConversationID)
		}
		if len(r.Sessions) != 1 {
			t.Fatalf("got %d sessions, want 1", len(r.Sessions))
		}
		// The scripted backend has nothing buffered.
		if r.Sessions[0].Recovered {
			t.Error("probe reported recovered content for an empty backend")
		}
		if r.Sessions[0].SubtaskID != 7 {
			t.Errorf("subtask id = %d, want 7", r.Sessions[0].SubtaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received recovered frame")
	}
}
