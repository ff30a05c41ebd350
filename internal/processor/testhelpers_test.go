package processor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/courier/internal/clock"
	"github.com/nuetzliches/courier/internal/queue"
	"github.com/nuetzliches/courier/internal/request"
	"github.com/nuetzliches/courier/internal/retry"
)

var testStart = time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

// mockTransport implements transport.Transport for testing.
type mockTransport struct {
	SendFn func(ctx context.Context, req request.Request, attempt int) ([]byte, error)

	mu       sync.Mutex
	sent     []string
	attempts []int
}

func (m *mockTransport) Send(ctx context.Context, req request.Request, attempt int) ([]byte, error) {
	m.mu.Lock()
	m.sent = append(m.sent, req.ID)
	m.attempts = append(m.attempts, attempt)
	m.mu.Unlock()
	return m.SendFn(ctx, req, attempt)
}

func (m *mockTransport) sentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *mockTransport) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// mockPersister implements Persister for testing.
type mockPersister struct {
	mu      sync.Mutex
	marks   int
	flushes int
}

func (m *mockPersister) MarkDirty() {
	m.mu.Lock()
	m.marks++
	m.mu.Unlock()
}

func (m *mockPersister) Flush() error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *mockPersister) counts() (marks, flushes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks, m.flushes
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type harness struct {
	clk       *clock.Manual
	queue     *queue.Queue
	transport *mockTransport
	persister *mockPersister
	events    *eventRecorder
	proc      *Processor
	fields    []string
}

func newHarness(t *testing.T, sendFn func(ctx context.Context, req request.Request, attempt int) ([]byte, error), mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clk:       clock.NewManual(testStart),
		transport: &mockTransport{SendFn: sendFn},
		persister: &mockPersister{},
		events:    &eventRecorder{},
	}
	h.queue = queue.New(queue.WithNowFunc(h.clk.Now))
	cfg := Config{
		Queue:     h.queue,
		Transport: h.transport,
		Persister: h.persister,
		Policy: retry.Policy{
			MaxRetries: 50,
			Base:       time.Second,
			Cap:        3 * time.Minute,
			MaxJitter:  10 * time.Second,
			Rand:       func() float64 { return 0 },
		},
		Intervals: Intervals{Wifi: time.Hour, Cellular: time.Hour},
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Now:       h.clk.Now,
		Observer:  h.events.record,
		OnInvalidField: func(field string) {
			h.fields = append(h.fields, field)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	h.proc = p
	t.Cleanup(p.Stop)
	return h
}

func (h *harness) enqueue(t *testing.T, id string, prio request.Priority) {
	t.Helper()
	ok, err := h.queue.Enqueue(request.Request{
		ID:         id,
		AccountKey: "acct-1",
		Endpoint: request.Endpoint{
			Kind:    request.KindCreateEvent,
			Payload: request.Map(map[string]request.Value{"metric": request.String(id)}),
		},
	}, prio)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) queued(t *testing.T, id string) queue.QueuedRequest {
	t.Helper()
	imm, normal := h.queue.All()
	for _, q := range append(imm, normal...) {
		if q.ID() == id {
			return q
		}
	}
	t.Fatalf("request %s not queued", id)
	return queue.QueuedRequest{}
}

func succeed(context.Context, request.Request, int) ([]byte, error) {
	return []byte(`{}`), nil
}
