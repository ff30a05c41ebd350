package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/courier/internal/bootstrap"
	"github.com/nuetzliches/courier/internal/clock"
	"github.com/nuetzliches/courier/internal/processor"
	"github.com/nuetzliches/courier/internal/request"
	"github.com/nuetzliches/courier/internal/retry"
	"github.com/nuetzliches/courier/internal/snapshot"
	"github.com/nuetzliches/courier/internal/storage"
	"github.com/nuetzliches/courier/internal/transport"
)

var testStart = time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

// mockTransport implements transport.Transport for testing.
type mockTransport struct {
	SendFn func(ctx context.Context, req request.Request, attempt int) ([]byte, error)

	mu   sync.Mutex
	sent []request.Request
}

func (m *mockTransport) Send(ctx context.Context, req request.Request, attempt int) ([]byte, error) {
	m.mu.Lock()
	m.sent = append(m.sent, req)
	m.mu.Unlock()
	if m.SendFn == nil {
		return nil, nil
	}
	return m.SendFn(ctx, req, attempt)
}

func (m *mockTransport) requests() []request.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]request.Request(nil), m.sent...)
}

func (m *mockTransport) kinds() []request.Kind {
	var out []request.Kind
	for _, r := range m.requests() {
		out = append(out, r.Endpoint.Kind)
	}
	return out
}

func newTestClient(t *testing.T, st storage.Storage, tr *mockTransport) *Client {
	t.Helper()
	c, err := New(Config{
		Storage:   st,
		Transport: tr,
		Policy: retry.Policy{
			MaxRetries: 3,
			Base:       time.Second,
			Cap:        time.Minute,
			Rand:       func() float64 { return 0 },
		},
		Intervals: processor.Intervals{Wifi: time.Hour, Cellular: time.Hour},
		Network:   processor.NetworkWifi,
		Debounce:  time.Hour,
		Clock:     clock.NewManual(testStart),
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func stringAttr(t *testing.T, v request.Value, path ...string) string {
	t.Helper()
	for _, key := range path {
		next, ok := v.Get(key)
		require.True(t, ok, "missing key %q", key)
		v = next
	}
	s, ok := v.AsString()
	require.True(t, ok)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Transport: &mockTransport{}})
	assert.ErrorIs(t, err, ErrNoStorage)

	_, err = New(Config{Storage: storage.NewMemoryStorage()})
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestCallsBeforeInitializeReplayInOrder(t *testing.T) {
	tr := &mockTransport{}
	c := newTestClient(t, storage.NewMemoryStorage(), tr)

	require.NoError(t, c.SetEmail("ada@example.com"))
	require.NoError(t, c.CreateEvent("Viewed Product", nil))
	require.NoError(t, c.SetPushToken("tok-1"))
	assert.Equal(t, 0, c.QueueCount())
	assert.Equal(t, bootstrap.StateUninitialized, c.InitState())

	require.NoError(t, c.Initialize(context.Background(), "acct-1"))
	assert.Equal(t, bootstrap.StateInitialized, c.InitState())
	assert.Equal(t, processor.StateRunning, c.ProcessorState())

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, []request.Kind{
		request.KindCreateProfile,
		request.KindCreateEvent,
		request.KindRegisterPushToken,
	}, tr.kinds())
	assert.True(t, c.IsEmpty())

	sent := tr.requests()
	assert.Equal(t, "ada@example.com", stringAttr(t, sent[0].Endpoint.Payload, "data", "attributes", "email"))
	assert.Equal(t, "Viewed Product", stringAttr(t, sent[1].Endpoint.Payload, "data", "attributes", "metric", "name"))
	assert.Equal(t, "ada@example.com", stringAttr(t, sent[1].Endpoint.Payload, "data", "attributes", "profile", "email"))
	for _, r := range sent {
		assert.Equal(t, "acct-1", r.AccountKey)
	}
}

func TestHandlePushOpenedRunsBeforeInitialize(t *testing.T) {
	tr := &mockTransport{}
	c := newTestClient(t, storage.NewMemoryStorage(), tr)

	assert.ErrorIs(t, c.HandlePushOpened("", nil), ErrNoAccount)

	require.NoError(t, c.HandlePushOpened("acct-9", map[string]request.Value{
		"campaign": request.String("spring"),
	}))
	assert.Equal(t, 1, c.QueueCount())
	assert.Equal(t, 1, c.QueueStats().Immediate)

	require.NoError(t, c.Flush(context.Background()))
	sent := tr.requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "acct-9", sent[0].AccountKey)
	assert.Equal(t, metricOpenedPush, stringAttr(t, sent[0].Endpoint.Payload, "data", "attributes", "metric", "name"))
	assert.Equal(t, "spring", stringAttr(t, sent[0].Endpoint.Payload, "data", "attributes", "properties", "campaign"))
}

func TestEnqueueValidatesAfterInitialize(t *testing.T) {
	c := newTestClient(t, storage.NewMemoryStorage(), &mockTransport{})
	require.NoError(t, c.Initialize(context.Background(), "acct-1"))

	err := c.Enqueue(request.Request{ID: "x", AccountKey: "acct-1", Endpoint: request.Endpoint{Kind: "bogus"}}, request.PriorityNormal)
	assert.Error(t, err)
	assert.ErrorIs(t, c.CreateEvent("  ", nil), ErrEmptyMetric)
	assert.ErrorIs(t, c.SetPushToken(""), ErrEmptyPushToken)
}

func TestInvalidEmailIsCleared(t *testing.T) {
	tr := &mockTransport{}
	tr.SendFn = func(_ context.Context, req request.Request, _ int) ([]byte, error) {
		if req.Endpoint.Kind == request.KindCreateProfile {
			return nil, &transport.HTTPError{
				StatusCode: 400,
				Body:       []byte(`{"errors":[{"code":"invalid","source":{"pointer":"/data/attributes/email"}}]}`),
			}
		}
		return nil, nil
	}
	st := storage.NewMemoryStorage()
	c := newTestClient(t, st, tr)
	require.NoError(t, c.Initialize(context.Background(), "acct-1"))

	require.NoError(t, c.SetEmail("not-an-email"))
	assert.Equal(t, "not-an-email", c.Identity().Email)

	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, c.Identity().Email)
	assert.True(t, c.IsEmpty())

	stored, err := loadIdentity(st, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, stored.Email)
	assert.Equal(t, c.Identity().AnonymousID, stored.AnonymousID)
}

func TestQueueSurvivesRestart(t *testing.T) {
	st := storage.NewMemoryStorage()
	failing := &mockTransport{SendFn: func(context.Context, request.Request, int) ([]byte, error) {
		return nil, errors.New("unreachable")
	}}
	first := newTestClient(t, st, failing)
	require.NoError(t, first.Initialize(context.Background(), "acct-1"))
	require.NoError(t, first.CreateEvent("a", nil))
	require.NoError(t, first.CreateEvent("b", nil))
	anon := first.Identity().AnonymousID
	require.NoError(t, first.Close())
	assert.Empty(t, failing.requests())

	tr := &mockTransport{}
	second := newTestClient(t, st, tr)
	require.NoError(t, second.Initialize(context.Background(), "acct-1"))
	assert.Equal(t, anon, second.Identity().AnonymousID)

	require.NoError(t, second.Flush(context.Background()))
	sent := tr.requests()
	require.Len(t, sent, 2)
	assert.Equal(t, "a", stringAttr(t, sent[0].Endpoint.Payload, "data", "attributes", "metric", "name"))
	assert.Equal(t, "b", stringAttr(t, sent[1].Endpoint.Payload, "data", "attributes", "metric", "name"))
}

func TestReinitializeTransfersPushToken(t *testing.T) {
	st := storage.NewMemoryStorage()
	blocked := &mockTransport{SendFn: func(context.Context, request.Request, int) ([]byte, error) {
		return nil, errors.New("unreachable")
	}}
	c := newTestClient(t, st, blocked)
	require.NoError(t, c.Initialize(context.Background(), "acct-1"))
	require.NoError(t, c.SetPushToken("tok-1"))
	require.NoError(t, c.CreateEvent("old account", nil))

	require.NoError(t, c.Initialize(context.Background(), "acct-2"))
	assert.Equal(t, "acct-2", c.AccountKey())
	assert.Equal(t, "tok-1", c.Identity().PushToken)

	imm, normal := c.queue.All()
	assert.Empty(t, imm)
	require.Len(t, normal, 1)
	assert.Equal(t, request.KindRegisterPushToken, normal[0].Request.Endpoint.Kind)
	assert.Equal(t, "acct-2", normal[0].Request.AccountKey)

	// The first account's queue stays on disk.
	store, err := snapshot.NewStore(st, "acct-1")
	require.NoError(t, err)
	state, err := store.Read()
	require.NoError(t, err)
	assert.Len(t, state.Normal, 2)
}

// hookedStorage runs onWrite once, the first time location is written after
// it is armed.
type hookedStorage struct {
	*storage.MemoryStorage
	location string

	mu      sync.Mutex
	onWrite func()
}

func (h *hookedStorage) Write(location string, data []byte) error {
	h.mu.Lock()
	fn := h.onWrite
	if location == h.location {
		h.onWrite = nil
	} else {
		fn = nil
	}
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.MemoryStorage.Write(location, data)
}

func TestPushOpenedDuringAccountSwitchUsesNewAccount(t *testing.T) {
	st := &hookedStorage{MemoryStorage: storage.NewMemoryStorage(), location: snapshot.Location("acct-1")}
	tr := &mockTransport{SendFn: func(ctx context.Context, _ request.Request, _ int) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := newTestClient(t, st, tr)
	require.NoError(t, c.Initialize(context.Background(), "acct-1"))
	c.Pause()
	require.NoError(t, c.CreateEvent("old account", nil))

	var pushErr error
	st.mu.Lock()
	st.onWrite = func() { pushErr = c.HandlePushOpened("", nil) }
	st.mu.Unlock()

	require.NoError(t, c.Initialize(context.Background(), "acct-2"))
	require.NoError(t, pushErr)

	imm, normal := c.queue.All()
	assert.Empty(t, normal)
	require.Len(t, imm, 1)
	assert.Equal(t, "acct-2", imm[0].Request.AccountKey)
	assert.Equal(t, metricOpenedPush, stringAttr(t, imm[0].Request.Endpoint.Payload, "data", "attributes", "metric", "name"))

	store, err := snapshot.NewStore(st, "acct-1")
	require.NoError(t, err)
	state, err := store.Read()
	require.NoError(t, err)
	assert.Empty(t, state.Immediate)
	require.Len(t, state.Normal, 1)
}

func TestResetProfileKeepsPushToken(t *testing.T) {
	tr := &mockTransport{}
	c := newTestClient(t, storage.NewMemoryStorage(), tr)
	require.NoError(t, c.Initialize(context.Background(), "acct-1"))
	require.NoError(t, c.SetPushToken("tok-1"))
	require.NoError(t, c.SetEmail("ada@example.com"))
	before := c.Identity()

	require.NoError(t, c.ResetProfile())
	after := c.Identity()
	assert.NotEqual(t, before.AnonymousID, after.AnonymousID)
	assert.Empty(t, after.Email)
	assert.Equal(t, "tok-1", after.PushToken)

	require.NoError(t, c.Flush(context.Background()))
	sent := tr.requests()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Equal(t, request.KindRegisterPushToken, last.Endpoint.Kind)
	assert.Equal(t, after.AnonymousID, stringAttr(t, last.Endpoint.Payload, "data", "attributes", "profile", "anonymous_id"))
}

func TestClearQueuePersistsEmptySnapshot(t *testing.T) {
	st := storage.NewMemoryStorage()
	c := newTestClient(t, st, &mockTransport{})
	require.NoError(t, c.Initialize(context.Background(), "acct-1"))
	c.Pause()
	require.NoError(t, c.CreateEvent("a", nil))
	require.NoError(t, c.ClearQueue())
	assert.True(t, c.IsEmpty())

	store, err := snapshot.NewStore(st, "acct-1")
	require.NoError(t, err)
	state, err := store.Read()
	require.NoError(t, err)
	assert.Empty(t, state.Normal)
	assert.Empty(t, state.Immediate)
}

func TestLifecycleHooks(t *testing.T) {
	c := newTestClient(t, storage.NewMemoryStorage(), &mockTransport{})

	c.Start()
	assert.Equal(t, processor.StateStopped, c.ProcessorState(), "start waits for initialization")
	c.AppForegrounded()
	assert.Equal(t, processor.StateStopped, c.ProcessorState())

	require.NoError(t, c.Initialize(context.Background(), "acct-1"))
	assert.Equal(t, processor.StateRunning, c.ProcessorState())

	c.AppBackgrounded()
	assert.Equal(t, processor.StatePaused, c.ProcessorState())
	assert.ErrorIs(t, c.Flush(context.Background()), processor.ErrPaused)

	c.AppForegrounded()
	assert.Equal(t, processor.StateRunning, c.ProcessorState())

	c.NetworkChanged(processor.NetworkOffline)
	assert.ErrorIs(t, c.Flush(context.Background()), processor.ErrOffline)
	c.NetworkChanged(processor.NetworkCellular)
	assert.NoError(t, c.Flush(context.Background()))

	c.Stop()
	assert.Equal(t, processor.StateStopped, c.ProcessorState())
}

func TestIdentityLocationSanitizesKey(t *testing.T) {
	assert.Equal(t, "state-acct-1.json", identityLocation("acct-1"))
	assert.NotEqual(t, identityLocation("a/b"), identityLocation("a_b"))
}

func TestLoadIdentityCorrupt(t *testing.T) {
	st := storage.NewMemoryStorage()
	require.NoError(t, st.Write(identityLocation("acct-1"), []byte("{not json")))

	id, err := loadIdentity(st, "acct-1")
	assert.Error(t, err)
	assert.NotEmpty(t, id.AnonymousID)
}
