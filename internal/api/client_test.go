package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{
		BaseURL: server.URL,
		TeamID:  7,
		Token:   "test-token",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

// collectEvents drains a stream until the channel closes or the timeout
// expires.
func collectEvents(t *testing.T, s *Stream) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for stream events, got %d so far", len(events))
		}
	}
}

func TestSend_EventSequence(t *testing.T) {
	var gotBody SendRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/stream" {
			t.Errorf("request = %s %s, want POST /stream", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Task-Id", "42")
		w.Header().Set("X-Subtask-Id", "99")
		io.WriteString(w, `data: {"task_id": 42, "subtask_id": 99, "offset": 0, "content": "", "done": false}`+"\n\n")
		io.WriteString(w, `data: {"offset": 0, "content": "Hello", "done": false}`+"\n\n")
		io.WriteString(w, `data: {"offset": 5, "content": ", world", "done": false}`+"\n\n")
		io.WriteString(w, `data: {"task_id": 42, "subtask_id": 99, "content": "", "done": true, "result": {"value": "Hello, world"}}`+"\n\n")
	})

	client := newTestClient(t, handler)
	stream, err := client.Send(context.Background(), SendRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	events := collectEvents(t, stream)
	if gotBody.Message != "hi" || gotBody.TeamID != 7 {
		t.Errorf("request body = %+v, want message hi and team 7 from config", gotBody)
	}

	if len(events) != 4 {
		t.Fatalf("got %d events %v, want 4", len(events), events)
	}
	resolved, ok := events[0].(Resolved)
	if !ok || resolved.ConversationID != 42 || resolved.SubtaskID != 99 {
		t.Errorf("events[0] = %#v, want Resolved{42, 99}", events[0])
	}
	first, ok := events[1].(Delta)
	if !ok || first.Content != "Hello" {
		t.Errorf("events[1] = %#v, want Delta{Hello}", events[1])
	}
	second, ok := events[2].(Delta)
	if !ok || second.Content != ", world" || second.Offset != 5 {
		t.Errorf("events[2] = %#v, want Delta{, world offset 5}", events[2])
	}
	done, ok := events[3].(Completed)
	if !ok || len(done.Result) == 0 {
		t.Errorf("events[3] = %#v, want Completed with result", events[3])
	}
}

func TestSend_ResolvedFromFrameWithoutHeaders(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"task_id": 10, "subtask_id": 11, "content": "", "done": false}`+"\n\n")
		io.WriteString(w, `data: {"content": "x", "done": true}`+"\n\n")
	})

	client := newTestClient(t, handler)
	stream, err := client.Send(context.Background(), SendRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	events := collectEvents(t, stream)
	if len(events) != 3 {
		t.Fatalf("got %d events %v, want Resolved, Delta, Completed", len(events), events)
	}
	if resolved, ok := events[0].(Resolved); !ok || resolved.ConversationID != 10 {
		t.Errorf("events[0] = %#v, want Resolved from frame", events[0])
	}
}

func TestSend_ErrorFrame(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"content": "partial", "done": false}`+"\n\n")
		io.WriteString(w, `data: {"error": "model exploded"}`+"\n\n")
	})

	client := newTestClient(t, handler)
	stream, err := client.Send(context.Background(), SendRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	events := collectEvents(t, stream)
	last := events[len(events)-1]
	failed, ok := last.(Failed)
	if !ok {
		t.Fatalf("last event = %#v, want Failed", last)
	}
	if failed.Err == nil || failed.Err.Error() != "backend stream error: model exploded" {
		t.Errorf("Failed.Err = %v, want backend message", failed.Err)
	}
}

func TestSend_HTTPErrorStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "team not found", http.StatusNotFound)
	})

	client := newTestClient(t, handler)
	_, err := client.Send(context.Background(), SendRequest{Message: "hi"})
	if err == nil {
		t.Fatal("Send() error = nil, want StatusError")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Errorf("error = %v, want StatusError 404", err)
	}
}

func TestSend_TruncatedStream(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"content": "partial", "done": false}`+"\n\n")
		// Connection ends without a done frame.
	})

	client := newTestClient(t, handler)
	stream, err := client.Send(context.Background(), SendRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	events := collectEvents(t, stream)
	last := events[len(events)-1]
	failed, ok := last.(Failed)
	if !ok {
		t.Fatalf("last event = %#v, want Failed for truncated stream", last)
	}
	if !errors.Is(failed.Err, io.ErrUnexpectedEOF) {
		t.Errorf("Failed.Err = %v, want unexpected EOF", failed.Err)
	}
}

func TestStream_AbortClosesWithoutTerminalEvent(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer is not a flusher")
			return
		}
		io.WriteString(w, `data: {"content": "first", "done": false}`+"\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	client := newTestClient(t, handler)
	stream, err := client.Send(context.Background(), SendRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Wait for the first delta so the abort happens mid-stream.
	select {
	case ev := <-stream.Events():
		if _, ok := ev.(Delta); !ok {
			t.Fatalf("first event = %#v, want Delta", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first delta")
	}

	stream.Abort()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return // closed without terminal event
			}
			if _, isTerminal := ev.(Failed); isTerminal {
				t.Fatalf("got Failed after local abort: %#v", ev)
			}
			if _, isTerminal := ev.(Completed); isTerminal {
				t.Fatalf("got Completed after local abort: %#v", ev)
			}
		case <-timeout:
			t.Fatal("stream did not close after abort")
		}
	}
}

func TestResume_PathAndCachedFlag(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/resume-stream/99" {
			t.Errorf("request = %s %s, want GET /resume-stream/99", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("offset"); got != "5" {
			t.Errorf("offset = %q, want 5", got)
		}
		io.WriteString(w, `data: {"offset": 5, "content": ", world", "done": false, "cached": true}`+"\n\n")
		io.WriteString(w, `data: {"content": "", "done": true}`+"\n\n")
	})

	client := newTestClient(t, handler)
	stream, err := client.Resume(context.Background(), 99, 5)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	events := collectEvents(t, stream)
	if len(events) != 2 {
		t.Fatalf("got %d events %v, want Delta, Completed", len(events), events)
	}
	delta, ok := events[0].(Delta)
	if !ok || !delta.Cached || delta.Content != ", world" {
		t.Errorf("events[0] = %#v, want cached Delta", events[0])
	}
}

func TestCancel(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/cancel" {
					t.Errorf("path = %s, want /cancel", r.URL.Path)
				}
				var req cancelRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode cancel body: %v", err)
				}
				if req.SubtaskID != 99 || req.PartialContent != "partial text" {
					t.Errorf("cancel body = %+v", req)
				}
				json.NewEncoder(w).Encode(cancelResponse{Success: true, Message: "Chat stopped successfully"})
			},
			wantErr: false,
		},
		{
			name: "backend refuses",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(cancelResponse{Success: false, Message: "not cancellable"})
			},
			wantErr: true,
		},
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, tc.handler)
			err := client.Cancel(context.Background(), 99, "partial text")
			if (err != nil) != tc.wantErr {
				t.Errorf("Cancel() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestStreamingContent(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		want    StreamingContent
		wantErr error
	}{
		{
			name:   "live redis content",
			status: http.StatusOK,
			body:   `{"content": "partial", "source": "redis", "streaming": true, "status": "RUNNING", "incomplete": false}`,
			want:   StreamingContent{Content: "partial", Source: "redis", Streaming: true, Status: "RUNNING"},
		},
		{
			name:   "database fallback incomplete",
			status: http.StatusOK,
			body:   `{"content": "cut short", "source": "database", "streaming": false, "status": "RUNNING", "incomplete": true}`,
			want:   StreamingContent{Content: "cut short", Source: "database", Status: "RUNNING", Incomplete: true},
		},
		{
			name:    "subtask unknown",
			status:  http.StatusNotFound,
			body:    `{"detail": "Subtask not found"}`,
			wantErr: ErrNoBufferedContent,
		},
		{
			name:    "nothing buffered",
			status:  http.StatusOK,
			body:    `{"content": "", "source": "database", "streaming": false, "status": "COMPLETED", "incomplete": false}`,
			wantErr: ErrNoBufferedContent,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if want := "/streaming-content/99"; r.URL.Path != want {
					t.Errorf("path = %s, want %s", r.URL.Path, want)
				}
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))

			got, err := client.StreamingContent(context.Background(), 99)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("StreamingContent() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("StreamingContent() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with empty base URL: error = nil, want error")
	}
	client, err := New(Config{BaseURL: "http://localhost:8000/api/chat/"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if client.baseURL != "http://localhost:8000/api/chat" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", client.baseURL)
	}
}

func TestUpdateConfig(t *testing.T) {
	oldHit := false
	oldServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		oldHit = true
		json.NewEncoder(w).Encode(cancelResponse{Success: true})
	}))
	t.Cleanup(oldServer.Close)

	var gotAuth string
	var gotBody SendRequest
	newServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/cancel":
			json.NewEncoder(w).Encode(cancelResponse{Success: true})
		case "/stream":
			json.NewDecoder(r.Body).Decode(&gotBody)
			io.WriteString(w, `data: {"content": "x", "done": true}`+"\n\n")
		}
	}))
	t.Cleanup(newServer.Close)

	client, err := New(Config{BaseURL: oldServer.URL, TeamID: 7, Token: "test-token"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := client.UpdateConfig(newServer.URL+"/", "rotated", 9); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	if err := client.Cancel(context.Background(), 99, ""); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if oldHit {
		t.Error("request hit the old backend after UpdateConfig")
	}
	if gotAuth != "Bearer rotated" {
		t.Errorf("Authorization = %q, want rotated token", gotAuth)
	}

	stream, err := client.Send(context.Background(), SendRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	collectEvents(t, stream)
	if gotBody.TeamID != 9 {
		t.Errorf("TeamID = %d, want the updated team applied", gotBody.TeamID)
	}

	if err := client.UpdateConfig("", "x", 1); err == nil {
		t.Error("UpdateConfig() with empty URL: error = nil, want error")
	}
	if client.base() != newServer.URL {
		t.Errorf("baseURL = %q, want unchanged after a rejected update", client.base())
	}
}

func TestIDsFromHeaders(t *testing.T) {
	cases := []struct {
		name string
		task string
		sub  string
		ok   bool
	}{
		{"both present", "42", "99", true},
		{"missing subtask", "42", "", false},
		{"missing task", "", "99", false},
		{"garbage", "abc", "99", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.task != "" {
				h.Set("X-Task-Id", tc.task)
			}
			if tc.sub != "" {
				h.Set("X-Subtask-Id", tc.sub)
			}
			_, _, ok := idsFromHeaders(h)
			if ok != tc.ok {
				t.Errorf("idsFromHeaders() ok = %v, want %v", ok, tc.ok)
			}
		})
	}
}

func TestSend_SkipsMalformedFrames(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: this is not json\n\n")
		io.WriteString(w, ": comment line\n\n")
		io.WriteString(w, `data: {"content": "ok", "done": true}`+"\n\n")
	})

	client := newTestClient(t, handler)
	stream, err := client.Send(context.Background(), SendRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	events := collectEvents(t, stream)
	if len(events) != 2 {
		t.Fatalf("got %d events %v, want Delta then Completed", len(events), events)
	}
	if _, ok := events[0].(Delta); !ok {
		t.Errorf("events[0] = %#v, want Delta", events[0])
	}
	if _, ok := events[1].(Completed); !ok {
		t.Errorf("events[1] = %#v, want Completed", events[1])
	}
}
