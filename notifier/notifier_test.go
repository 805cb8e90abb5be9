package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mjasion/balena-home/office-status/state"
	"go.uber.org/zap"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// fakeWebhook answers creates with a fixed id and edits with 200, unless
// status overrides the response code.
type fakeWebhook struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	id       any
}

func (f *fakeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
	status, id := f.status, f.id
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodPost {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "content": body["content"]})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{}`))
}

func (f *fakeWebhook) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestNotifier(t *testing.T, webhookURL string, store state.Store, maxErrors int) *Notifier {
	t.Helper()
	n, err := New(context.Background(), Config{
		WebhookURL: webhookURL,
		Username:   "office-bot",
		AvatarURL:  "https://example.com/bot.png",
		MaxErrors:  maxErrors,
		Timeout:    2 * time.Second,
	}, store, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}
	return n
}

func TestNotify_CreateThenEdit(t *testing.T) {
	hook := &fakeWebhook{id: "964561421276966912"}
	server := httptest.NewServer(hook)
	defer server.Close()

	store := state.NewMemoryStore(state.Runtime{})
	n := newTestNotifier(t, server.URL+"/api/webhooks/1/token", store, 0)
	ctx := context.Background()

	if n.State() != StateUninitialized {
		t.Fatalf("Expected uninitialized, got %v", n.State())
	}

	if err := n.Notify(ctx, "someone is in the office: True"); err != nil {
		t.Fatalf("Expected create to succeed, got %v", err)
	}
	if n.State() != StateActive {
		t.Errorf("Expected active after create, got %v", n.State())
	}

	rt, _ := store.Load(ctx)
	if rt.MessageID != "964561421276966912" {
		t.Errorf("Expected message id to be persisted, got %q", rt.MessageID)
	}

	if err := n.Notify(ctx, "someone is in the office: False"); err != nil {
		t.Fatalf("Expected edit to succeed, got %v", err)
	}

	reqs := hook.Requests()
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(reqs))
	}

	create := reqs[0]
	if create.Method != http.MethodPost || create.Path != "/api/webhooks/1/token" || create.Query != "wait=true" {
		t.Errorf("Unexpected create request %s %s?%s", create.Method, create.Path, create.Query)
	}
	if create.Body["username"] != "office-bot" || create.Body["avatar_url"] != "https://example.com/bot.png" {
		t.Errorf("Expected bot identity in create body, got %v", create.Body)
	}
	if create.Body["content"] != "someone is in the office: True" {
		t.Errorf("Unexpected create content %v", create.Body["content"])
	}

	edit := reqs[1]
	if edit.Method != http.MethodPatch || edit.Path != "/api/webhooks/1/token/messages/964561421276966912" {
		t.Errorf("Unexpected edit request %s %s", edit.Method, edit.Path)
	}
	if edit.Body["content"] != "someone is in the office: False" {
		t.Errorf("Unexpected edit content %v", edit.Body["content"])
	}
	if _, ok := edit.Body["username"]; ok {
		t.Error("Expected edit body to carry only content")
	}
}

func TestNotify_NumericMessageID(t *testing.T) {
	hook := &fakeWebhook{id: 12345}
	server := httptest.NewServer(hook)
	defer server.Close()

	n := newTestNotifier(t, server.URL, state.NewMemoryStore(state.Runtime{}), 0)
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if n.MessageID() != "12345" {
		t.Errorf("Expected id 12345, got %q", n.MessageID())
	}
}

func TestNotify_IdenticalContentEditsTwice(t *testing.T) {
	hook := &fakeWebhook{}
	server := httptest.NewServer(hook)
	defer server.Close()

	store := state.NewMemoryStore(state.Runtime{MessageID: "42"})
	n := newTestNotifier(t, server.URL, store, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := n.Notify(ctx, "someone is in the office: True"); err != nil {
			t.Fatalf("edit %d failed: %v", i, err)
		}
	}

	reqs := hook.Requests()
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(reqs))
	}
	for i, r := range reqs {
		if r.Method != http.MethodPatch || r.Path != "/messages/42" {
			t.Errorf("request %d: expected PATCH /messages/42, got %s %s", i, r.Method, r.Path)
		}
		if r.Body["content"] != "someone is in the office: True" {
			t.Errorf("request %d: unexpected content %v", i, r.Body["content"])
		}
	}
	if n.MessageID() != "42" {
		t.Errorf("Expected message id unchanged, got %q", n.MessageID())
	}
}

func TestNotify_SeedMessageID(t *testing.T) {
	store := state.NewMemoryStore(state.Runtime{})
	n, err := New(context.Background(), Config{WebhookURL: "https://example.com/hook", SeedMessageID: "7"}, store, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}
	if n.State() != StateActive {
		t.Errorf("Expected seeded notifier to be active, got %v", n.State())
	}
	rt, _ := store.Load(context.Background())
	if rt.MessageID != "7" {
		t.Errorf("Expected seed id to be persisted, got %q", rt.MessageID)
	}

	// a stored id wins over the seed
	store = state.NewMemoryStore(state.Runtime{MessageID: "9"})
	n, _ = New(context.Background(), Config{WebhookURL: "https://example.com/hook", SeedMessageID: "7"}, store, zap.NewNop())
	if n.MessageID() != "9" {
		t.Errorf("Expected stored id 9, got %q", n.MessageID())
	}
}

func TestNotify_Classification(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusNotFound, KindMessageNotFound},
		{http.StatusForbidden, KindForbidden},
		{http.StatusInternalServerError, KindUnexpectedStatus},
		{http.StatusTooManyRequests, KindUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(&fakeWebhook{status: tt.status})
			defer server.Close()

			store := state.NewMemoryStore(state.Runtime{MessageID: "1"})
			n := newTestNotifier(t, server.URL, store, 0)

			err := n.Notify(context.Background(), "x")
			var derr *DeliveryError
			if !errors.As(err, &derr) {
				t.Fatalf("Expected *DeliveryError, got %v", err)
			}
			if derr.Kind != tt.kind || derr.StatusCode != tt.status {
				t.Errorf("Expected kind %v status %d, got %v %d", tt.kind, tt.status, derr.Kind, derr.StatusCode)
			}
			if n.ErrorCount() != 1 {
				t.Errorf("Expected error count 1, got %d", n.ErrorCount())
			}
			if n.State() != StateActive {
				t.Errorf("Expected to stay active after a failed edit, got %v", n.State())
			}
			rt, _ := store.Load(context.Background())
			if rt.ErrorCount != 1 {
				t.Errorf("Expected persisted error count 1, got %d", rt.ErrorCount)
			}
		})
	}
}

func TestNotify_NoContentCountsAsSuccess(t *testing.T) {
	server := httptest.NewServer(&fakeWebhook{status: http.StatusNoContent})
	defer server.Close()

	n := newTestNotifier(t, server.URL, state.NewMemoryStore(state.Runtime{}), 0)
	if err := n.Notify(context.Background(), "x"); err != nil {
		t.Fatalf("Expected 204 to count as success, got %v", err)
	}
	if n.ErrorCount() != 0 {
		t.Errorf("Expected no errors, got %d", n.ErrorCount())
	}
	if n.State() != StateUninitialized {
		t.Errorf("Expected to stay uninitialized without an id, got %v", n.State())
	}
}

func TestNotify_CreateWithoutID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"content":"x"}`))
	}))
	defer server.Close()

	n := newTestNotifier(t, server.URL, state.NewMemoryStore(state.Runtime{}), 0)
	err := n.Notify(context.Background(), "x")
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Kind != KindInvalidResponse {
		t.Fatalf("Expected invalid response error, got %v", err)
	}
	if n.State() != StateUninitialized {
		t.Errorf("Expected to stay uninitialized, got %v", n.State())
	}
}

func TestNotify_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	n := newTestNotifier(t, url, state.NewMemoryStore(state.Runtime{}), 0)
	err := n.Notify(context.Background(), "x")
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Kind != KindTransport {
		t.Fatalf("Expected transport error, got %v", err)
	}
	if n.ErrorCount() != 1 {
		t.Errorf("Expected error count 1, got %d", n.ErrorCount())
	}
}

func TestNotify_HaltsAfterCeiling(t *testing.T) {
	hook := &fakeWebhook{status: http.StatusInternalServerError}
	server := httptest.NewServer(hook)
	defer server.Close()

	store := state.NewMemoryStore(state.Runtime{})
	n := newTestNotifier(t, server.URL, store, DefaultMaxErrors)
	ctx := context.Background()

	for i := 1; i <= DefaultMaxErrors+1; i++ {
		err := n.Notify(ctx, "x")
		var derr *DeliveryError
		if !errors.As(err, &derr) {
			t.Fatalf("failure %d: expected *DeliveryError, got %v", i, err)
		}
	}

	if !n.Halted() {
		t.Fatalf("Expected halted after %d failures, error count %d", DefaultMaxErrors+1, n.ErrorCount())
	}

	before := len(hook.Requests())
	if err := n.Notify(ctx, "x"); !errors.Is(err, ErrHalted) {
		t.Fatalf("Expected ErrHalted, got %v", err)
	}
	if after := len(hook.Requests()); after != before {
		t.Errorf("Expected no request once halted, got %d new", after-before)
	}
	if before != DefaultMaxErrors+1 {
		t.Errorf("Expected %d requests, got %d", DefaultMaxErrors+1, before)
	}
}

func TestNotify_HaltSurvivesRestart(t *testing.T) {
	store := state.NewMemoryStore(state.Runtime{MessageID: "1", ErrorCount: 4})
	hook := &fakeWebhook{}
	server := httptest.NewServer(hook)
	defer server.Close()

	n := newTestNotifier(t, server.URL, store, 3)
	if !n.Halted() {
		t.Fatal("Expected persisted error count to keep the notifier halted")
	}
	if err := n.Notify(context.Background(), "x"); !errors.Is(err, ErrHalted) {
		t.Errorf("Expected ErrHalted, got %v", err)
	}
	if len(hook.Requests()) != 0 {
		t.Error("Expected no requests")
	}

	if err := n.ResetErrors(context.Background()); err != nil {
		t.Fatalf("ResetErrors failed: %v", err)
	}
	if n.Halted() {
		t.Error("Expected reset to lift the halt")
	}
	if err := n.Notify(context.Background(), "x"); err != nil {
		t.Errorf("Expected delivery after reset, got %v", err)
	}
}

func TestNotify_CancelledContextNotCounted(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	n := newTestNotifier(t, server.URL, state.NewMemoryStore(state.Runtime{}), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := n.Notify(ctx, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline error, got %v", err)
	}
	if n.ErrorCount() != 0 {
		t.Errorf("Expected cancelled delivery not to count, got %d", n.ErrorCount())
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(context.Background(), Config{WebhookURL: "not a url"}, state.NewMemoryStore(state.Runtime{}), zap.NewNop()); err == nil {
		t.Error("Expected error for invalid webhook URL")
	}
}
