package monitor

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

	"github.com/mjasion/balena-home/office-status/notifier"
	"github.com/mjasion/balena-home/office-status/pkg/buffer"
	"github.com/mjasion/balena-home/office-status/pkg/types"
	"github.com/mjasion/balena-home/office-status/sensor"
	"github.com/mjasion/balena-home/office-status/state"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	mu       sync.Mutex
	contents []string
	err      error
	halted   bool
	// failures is how many calls fail before err applies
	failures int
}

func (f *fakeNotifier) Notify(_ context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents = append(f.contents, content)
	if f.failures > 0 {
		f.failures--
		return &notifier.DeliveryError{Kind: notifier.KindTransport, Method: http.MethodPost, Err: errors.New("network is unreachable")}
	}
	return f.err
}

func (f *fakeNotifier) Halted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted
}

func (f *fakeNotifier) Contents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.contents...)
}

type fakePublisher struct {
	events []types.OccupancyReading
}

func (f *fakePublisher) Publish(_ context.Context, r types.OccupancyReading) error {
	f.events = append(f.events, r)
	return nil
}

type fakeRecorder struct {
	samples       int
	sampleErrors  int
	notifications []string
}

func (f *fakeRecorder) ObserveSample(float64, bool, float64, time.Duration) { f.samples++ }
func (f *fakeRecorder) ObserveSampleError()                                 { f.sampleErrors++ }
func (f *fakeRecorder) ObserveNotification(result string) {
	f.notifications = append(f.notifications, result)
}

// stopAfter returns a sleep func that cancels the loop on the n-th call.
func stopAfter(n int, cancel context.CancelFunc, slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		if len(*slept) >= n {
			cancel()
			return context.Canceled
		}
		return nil
	}
}

var testConfig = Config{Pin: "4", Cycles: 10, Darkpoint: 3, Sleep: 300 * time.Second}

func TestLoop_EndToEnd(t *testing.T) {
	type request struct {
		method  string
		path    string
		content string
	}
	var (
		mu       sync.Mutex
		requests []request
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(data, &body)

		mu.Lock()
		requests = append(requests, request{r.Method, r.URL.Path, body.Content})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "1100"}`))
	}))
	defer server.Close()

	store := state.NewMemoryStore(state.Runtime{})
	n, err := notifier.New(context.Background(), notifier.Config{WebhookURL: server.URL + "/hook"}, store, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slept []time.Duration
	loop := New(testConfig, sensor.NewScripted(1.5, 5.0, 5.0), n, zap.NewNop(),
		WithClock(time.Now, stopAfter(3, cancel, &slept)))

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Expected clean stop, got %v", err)
	}

	if len(slept) != 3 {
		t.Fatalf("Expected 3 iterations, got %d", len(slept))
	}
	for _, d := range slept {
		if d != 300*time.Second {
			t.Errorf("Expected sleep of 300s, got %v", d)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("Expected 2 webhook requests, got %d: %+v", len(requests), requests)
	}
	if requests[0].method != http.MethodPost || requests[0].path != "/hook" || requests[0].content != "someone is in the office: True" {
		t.Errorf("Unexpected create request %+v", requests[0])
	}
	if requests[1].method != http.MethodPatch || requests[1].path != "/hook/messages/1100" || requests[1].content != "someone is in the office: False" {
		t.Errorf("Unexpected edit request %+v", requests[1])
	}

	rt, _ := store.Load(context.Background())
	if rt.MessageID != "1100" {
		t.Errorf("Expected message id 1100 persisted, got %q", rt.MessageID)
	}
}

func TestRunOnce_OnlyNotifiesOnChange(t *testing.T) {
	n := &fakeNotifier{}
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	buf := buffer.New[*types.Reading](100, zap.NewNop())

	loop := New(testConfig, sensor.NewScripted(1.5, 2.0, 5.0, 5.0, 1.0), n, zap.NewNop(),
		WithPublisher(pub), WithRecorder(rec), WithBuffer(buf))

	want := []bool{true, false, true, false, true}
	for i, w := range want {
		notified, err := loop.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if notified != w {
			t.Errorf("iteration %d: expected notified=%v, got %v", i, w, notified)
		}
	}

	contents := n.Contents()
	wantContents := []string{
		"someone is in the office: True",
		"someone is in the office: False",
		"someone is in the office: True",
	}
	if len(contents) != len(wantContents) {
		t.Fatalf("Expected %d notifications, got %v", len(wantContents), contents)
	}
	for i := range wantContents {
		if contents[i] != wantContents[i] {
			t.Errorf("notification %d: expected %q, got %q", i, wantContents[i], contents[i])
		}
	}

	if len(pub.events) != 3 {
		t.Errorf("Expected 3 published transitions, got %d", len(pub.events))
	}
	if pub.events[1].Occupied || pub.events[1].Reading != 5.0 {
		t.Errorf("Unexpected second event %+v", pub.events[1])
	}

	if rec.samples != 5 || len(rec.notifications) != 3 {
		t.Errorf("Expected 5 samples and 3 notifications recorded, got %d and %d", rec.samples, len(rec.notifications))
	}

	// one light and one occupancy reading per iteration
	if buf.Size() != 10 {
		t.Errorf("Expected 10 buffered readings, got %d", buf.Size())
	}

	st := loop.Status()
	if !st.Known || !st.Occupied || st.LastReading != 1.0 || st.Notifications != 3 {
		t.Errorf("Unexpected status %+v", st)
	}
}

func TestRunOnce_RetriesUndeliveredStatus(t *testing.T) {
	n := &fakeNotifier{failures: 2}
	rec := &fakeRecorder{}
	loop := New(testConfig, sensor.NewScripted(1.0, 1.0, 1.0, 1.0), n, zap.NewNop(), WithRecorder(rec))

	want := []bool{true, true, true, false}
	for i, w := range want {
		notified, err := loop.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if notified != w {
			t.Errorf("iteration %d: expected notified=%v, got %v", i, w, notified)
		}
	}

	contents := n.Contents()
	if len(contents) != 3 {
		t.Fatalf("Expected 2 failed attempts and 1 delivery, got %v", contents)
	}
	for _, c := range contents {
		if c != "someone is in the office: True" {
			t.Errorf("Expected the same status on every retry, got %q", c)
		}
	}

	wantResults := []string{ResultFailed, ResultFailed, ResultDelivered}
	if len(rec.notifications) != len(wantResults) {
		t.Fatalf("Expected results %v, got %v", wantResults, rec.notifications)
	}
	for i := range wantResults {
		if rec.notifications[i] != wantResults[i] {
			t.Errorf("result %d: expected %s, got %s", i, wantResults[i], rec.notifications[i])
		}
	}
	if loop.Status().Notifications != 1 {
		t.Errorf("Expected 1 delivered notification, got %d", loop.Status().Notifications)
	}
}

func TestRunOnce_CustomPrefix(t *testing.T) {
	n := &fakeNotifier{}
	cfg := testConfig
	cfg.Prefix = "lab occupied"
	loop := New(cfg, sensor.NewScripted(5.0), n, zap.NewNop())

	if _, err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := n.Contents(); len(got) != 1 || got[0] != "lab occupied: False" {
		t.Errorf("Unexpected content %v", got)
	}
}

func TestRun_DeliveryFailureContinues(t *testing.T) {
	n := &fakeNotifier{err: &notifier.DeliveryError{Kind: notifier.KindForbidden, Method: http.MethodPatch, StatusCode: 403}}
	rec := &fakeRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slept []time.Duration
	loop := New(testConfig, sensor.NewScripted(1.0, 5.0, 1.0), n, zap.NewNop(),
		WithRecorder(rec), WithClock(time.Now, stopAfter(3, cancel, &slept)))

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Expected delivery failures not to stop the loop, got %v", err)
	}
	if len(n.Contents()) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(n.Contents()))
	}
	for _, r := range rec.notifications {
		if r != ResultFailed {
			t.Errorf("Expected failed results, got %v", rec.notifications)
			break
		}
	}
}

func TestRun_SensorErrorEndsLoop(t *testing.T) {
	n := &fakeNotifier{}
	rec := &fakeRecorder{}
	loop := New(testConfig, sensor.NewScripted(), n, zap.NewNop(), WithRecorder(rec))

	err := loop.Run(context.Background())
	if !errors.Is(err, sensor.ErrNoSignal) {
		t.Fatalf("Expected ErrNoSignal, got %v", err)
	}
	if rec.sampleErrors != 1 {
		t.Errorf("Expected 1 sample error recorded, got %d", rec.sampleErrors)
	}
	if loop.Status().LastError == "" {
		t.Error("Expected last error in status")
	}
}

func TestRun_HaltedNotifierEndsLoop(t *testing.T) {
	n := &fakeNotifier{err: notifier.ErrHalted, halted: true}
	loop := New(testConfig, sensor.NewScripted(1.0), n, zap.NewNop())

	if err := loop.Run(context.Background()); !errors.Is(err, notifier.ErrHalted) {
		t.Fatalf("Expected ErrHalted, got %v", err)
	}
	if !loop.Status().NotifierHalted {
		t.Error("Expected status to report halted notifier")
	}
}

func TestRun_HaltAfterFinalFailure(t *testing.T) {
	n := &fakeNotifier{err: &notifier.DeliveryError{Kind: notifier.KindUnexpectedStatus, StatusCode: 500}, halted: true}
	loop := New(testConfig, sensor.NewScripted(1.0), n, zap.NewNop())

	if err := loop.Run(context.Background()); !errors.Is(err, notifier.ErrHalted) {
		t.Fatalf("Expected ErrHalted once the ceiling is crossed, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	n := &fakeNotifier{}
	loop := New(testConfig, sensor.NewScripted(1.0), n, zap.NewNop())

	if err := loop.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(n.Contents()) != 0 {
		t.Fatal("Expected no refresh before the first sample")
	}

	if _, err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if err := loop.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	got := n.Contents()
	if len(got) != 2 || got[1] != "someone is in the office: True" {
		t.Errorf("Expected refresh to resend current status, got %v", got)
	}
}

func TestStartRefresh(t *testing.T) {
	n := &fakeNotifier{}
	loop := New(testConfig, sensor.NewScripted(1.0), n, zap.NewNop())
	if _, err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	stop, err := loop.StartRefresh(context.Background(), "@every 1s")
	if err != nil {
		t.Fatalf("StartRefresh failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(n.Contents()) < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stop()

	if len(n.Contents()) < 2 {
		t.Error("Expected at least one scheduled refresh")
	}
}

func TestStartRefresh_InvalidSchedule(t *testing.T) {
	loop := New(testConfig, sensor.NewScripted(1.0), &fakeNotifier{}, zap.NewNop())
	if _, err := loop.StartRefresh(context.Background(), "not a schedule"); err == nil {
		t.Error("Expected error for invalid schedule")
	}
}

func TestSampleOnce_NoNotifier(t *testing.T) {
	loop := New(testConfig, sensor.NewScripted(2.9, 3.0), nil, zap.NewNop())

	s, err := loop.SampleOnce(context.Background())
	if err != nil {
		t.Fatalf("SampleOnce failed: %v", err)
	}
	if !s.Occupied || s.Reading != 2.9 {
		t.Errorf("Expected occupied at 2.9, got %+v", s)
	}

	s, _ = loop.SampleOnce(context.Background())
	if s.Occupied {
		t.Error("Expected reading equal to the darkpoint to be unoccupied")
	}

	if _, err := loop.RunOnce(context.Background()); err != nil {
		t.Errorf("Expected RunOnce without notifier to succeed, got %v", err)
	}
}
