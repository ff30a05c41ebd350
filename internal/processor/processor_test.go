package processor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/courier/internal/request"
	"github.com/nuetzliches/courier/internal/retry"
	"github.com/nuetzliches/courier/internal/transport"
)

func TestFlush_OfflineThenOnline(t *testing.T) {
	var online atomic.Bool
	h := newHarness(t, func(context.Context, request.Request, int) ([]byte, error) {
		if !online.Load() {
			return nil, &transport.NetworkError{Err: errors.New("no route to host")}
		}
		return []byte(`{}`), nil
	}, nil)

	h.enqueue(t, "E1", request.PriorityNormal)
	require.NoError(t, h.proc.Flush(context.Background()))

	assert.Equal(t, 1, h.queue.Count())
	assert.Equal(t, 1, h.queued(t, "E1").RetryCount)
	assert.Equal(t, []EventKind{EventStarted, EventRetry}, h.events.kinds())

	online.Store(true)
	require.NoError(t, h.proc.Flush(context.Background()))

	assert.Equal(t, 0, h.queue.Count())
	assert.Equal(t, []int{1, 2}, h.transport.attempts)
	_, ok := h.events.last(EventCompleted)
	assert.True(t, ok)
}

func TestFlush_RateLimitedHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(context.Context, request.Request, int) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, &transport.RateLimitedError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Second, HasRetryAfter: true}
		}
		return []byte(`{}`), nil
	}, nil)

	h.enqueue(t, "E2", request.PriorityNormal)
	require.NoError(t, h.proc.Flush(context.Background()))

	e2 := h.queued(t, "E2")
	assert.Equal(t, testStart.Add(5*time.Second), e2.BackoffUntil)
	assert.Equal(t, 1, e2.RetryCount)
	ev, ok := h.events.last(EventRateLimited)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, ev.Delay)
	assert.Equal(t, http.StatusTooManyRequests, ev.StatusCode)

	h.clk.Advance(2 * time.Second)
	require.NoError(t, h.proc.Flush(context.Background()))
	assert.Equal(t, 1, h.transport.calls(), "E2 must not be resent inside its backoff window")

	h.clk.Advance(4 * time.Second)
	require.NoError(t, h.proc.Flush(context.Background()))
	assert.Equal(t, 2, h.transport.calls())
	assert.Equal(t, 0, h.queue.Count())
}

func TestFlush_DropsAfterMaxRetries(t *testing.T) {
	h := newHarness(t, func(context.Context, request.Request, int) ([]byte, error) {
		return nil, &transport.HTTPError{StatusCode: http.StatusBadGateway}
	}, func(cfg *Config) {
		cfg.Policy.MaxRetries = 2
	})

	h.enqueue(t, "E3", request.PriorityNormal)
	for i := 0; i < 2; i++ {
		require.NoError(t, h.proc.Flush(context.Background()))
		assert.Equal(t, i+1, h.queued(t, "E3").RetryCount)
	}
	require.NoError(t, h.proc.Flush(context.Background()))

	assert.Equal(t, 0, h.queue.Count())
	assert.Equal(t, 3, h.transport.calls())
	ev, ok := h.events.last(EventDropped)
	require.True(t, ok)
	assert.Equal(t, retry.ReasonMaxRetries, ev.Reason)
	assert.Equal(t, http.StatusBadGateway, ev.StatusCode)
}

func TestFlush_TransportTimeoutCountsAsRetry(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr, err := transport.NewHTTPTransport(srv.Client(), transport.HTTPConfig{
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	h := newHarness(t, nil, func(cfg *Config) {
		cfg.Transport = tr
		cfg.Policy.MaxRetries = 2
	})

	h.enqueue(t, "E9", request.PriorityNormal)
	for i := 0; i < 2; i++ {
		require.NoError(t, h.proc.Flush(context.Background()))
		assert.Equal(t, i+1, h.queued(t, "E9").RetryCount)
		ev, ok := h.events.last(EventRetry)
		require.True(t, ok)
		assert.Equal(t, retry.ReasonNetwork, ev.Reason)
	}
	require.NoError(t, h.proc.Flush(context.Background()))

	assert.Equal(t, 0, h.queue.Count())
	ev, ok := h.events.last(EventDropped)
	require.True(t, ok)
	assert.Equal(t, retry.ReasonMaxRetries, ev.Reason)
	_, canceled := h.events.last(EventCanceled)
	assert.False(t, canceled)
}

func TestFlush_PriorityAndFIFO(t *testing.T) {
	h := newHarness(t, succeed, nil)
	h.enqueue(t, "n1", request.PriorityNormal)
	h.enqueue(t, "i1", request.PriorityImmediate)
	h.enqueue(t, "n2", request.PriorityNormal)
	h.enqueue(t, "i2", request.PriorityImmediate)

	require.NoError(t, h.proc.Flush(context.Background()))

	assert.Equal(t, []string{"i1", "i2", "n1", "n2"}, h.transport.sentIDs())
	assert.True(t, h.queue.IsEmpty())
	marks, _ := h.persister.counts()
	assert.Equal(t, 4, marks)
}

func TestFlush_RetryStopsCycle(t *testing.T) {
	h := newHarness(t, func(context.Context, request.Request, int) ([]byte, error) {
		return nil, &transport.NetworkError{Err: errors.New("timeout")}
	}, nil)
	h.enqueue(t, "a", request.PriorityNormal)
	h.enqueue(t, "b", request.PriorityNormal)

	require.NoError(t, h.proc.Flush(context.Background()))

	assert.Equal(t, []string{"a"}, h.transport.sentIDs())
	assert.Equal(t, 2, h.queue.Count())
	_, flushes := h.persister.counts()
	assert.Equal(t, 1, flushes)
}

func TestFlush_ClientErrorDropsAndContinues(t *testing.T) {
	h := newHarness(t, func(_ context.Context, req request.Request, _ int) ([]byte, error) {
		if req.ID == "bad" {
			return nil, &transport.HTTPError{
				StatusCode: http.StatusBadRequest,
				Body:       []byte(`{"errors":[{"code":"invalid","source":{"pointer":"/data/attributes/email"}}]}`),
			}
		}
		return []byte(`{}`), nil
	}, nil)
	h.enqueue(t, "bad", request.PriorityNormal)
	h.enqueue(t, "good", request.PriorityNormal)

	require.NoError(t, h.proc.Flush(context.Background()))

	assert.Equal(t, []string{"bad", "good"}, h.transport.sentIDs())
	assert.True(t, h.queue.IsEmpty())
	assert.Equal(t, []string{retry.FieldEmail}, h.fields)
	assert.Equal(t, []EventKind{
		EventStarted, EventHTTPError, EventDropped,
		EventStarted, EventCompleted,
	}, h.events.kinds())
}

func TestFlush_PausedAndOffline(t *testing.T) {
	h := newHarness(t, succeed, nil)
	h.enqueue(t, "a", request.PriorityNormal)

	h.proc.SetNetwork(NetworkOffline)
	assert.ErrorIs(t, h.proc.Flush(context.Background()), ErrOffline)
	h.proc.SetNetwork(NetworkWifi)

	h.proc.Start()
	require.Eventually(t, func() bool { return h.queue.IsEmpty() }, 2*time.Second, 5*time.Millisecond)
	h.proc.Pause()
	assert.Equal(t, StatePaused, h.proc.State())
	assert.ErrorIs(t, h.proc.Flush(context.Background()), ErrPaused)
}

func TestPause_CancelsInFlightWithoutRetryCount(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	h := newHarness(t, func(ctx context.Context, _ request.Request, _ int) ([]byte, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	h.enqueue(t, "E4", request.PriorityNormal)

	h.proc.Start()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}
	h.proc.Pause()

	e4 := h.queued(t, "E4")
	assert.Equal(t, 0, e4.RetryCount)
	assert.True(t, e4.BackoffUntil.IsZero())
	assert.Equal(t, 1, h.queue.Count())
	assert.Equal(t, 0, h.queue.Stats().InFlight)
	_, ok := h.events.last(EventCanceled)
	assert.True(t, ok)
	_, flushes := h.persister.counts()
	assert.GreaterOrEqual(t, flushes, 1)
}

func TestSetNetworkOffline_CancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	h := newHarness(t, func(ctx context.Context, _ request.Request, _ int) ([]byte, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		// Transports may surface the abort as a network error.
		return nil, &transport.NetworkError{Err: ctx.Err()}
	}, nil)
	h.enqueue(t, "E5", request.PriorityNormal)

	h.proc.Start()
	<-started
	h.proc.SetNetwork(NetworkOffline)

	require.Eventually(t, func() bool {
		_, ok := h.events.last(EventCanceled)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.queued(t, "E5").RetryCount)
	assert.Equal(t, StateRunning, h.proc.State())
}

func TestStart_ImmediateEnqueueWakesLoop(t *testing.T) {
	h := newHarness(t, succeed, nil)
	h.proc.Start()

	h.enqueue(t, "urgent", request.PriorityImmediate)
	require.Eventually(t, func() bool { return h.queue.IsEmpty() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"urgent"}, h.transport.sentIDs())
}

func TestStart_NormalEnqueueWaitsForTick(t *testing.T) {
	h := newHarness(t, succeed, nil)
	h.proc.Start()
	// Let the initial drain pass before enqueueing.
	time.Sleep(20 * time.Millisecond)

	h.enqueue(t, "later", request.PriorityNormal)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.transport.calls())

	h.proc.Wake()
	require.Eventually(t, func() bool { return h.queue.IsEmpty() }, 2*time.Second, 5*time.Millisecond)
}

func TestSingleFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	h := newHarness(t, func(context.Context, request.Request, int) ([]byte, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return []byte(`{}`), nil
	}, nil)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		h.enqueue(t, id, request.PriorityNormal)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.proc.Flush(context.Background())
		}()
	}
	h.proc.Start()
	wg.Wait()

	require.Eventually(t, func() bool { return h.queue.IsEmpty() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 6, h.transport.calls())
}

func TestStateTransitions(t *testing.T) {
	h := newHarness(t, succeed, nil)
	assert.Equal(t, StateStopped, h.proc.State())

	h.proc.Resume()
	assert.Equal(t, StateStopped, h.proc.State(), "resume only leaves paused")

	h.proc.Start()
	assert.Equal(t, StateRunning, h.proc.State())
	h.proc.Pause()
	assert.Equal(t, StatePaused, h.proc.State())
	h.proc.Resume()
	assert.Equal(t, StateRunning, h.proc.State())
	h.proc.Stop()
	assert.Equal(t, StateStopped, h.proc.State())
	h.proc.Pause()
	assert.Equal(t, StateStopped, h.proc.State(), "pause only leaves running")
	h.proc.Start()
	assert.Equal(t, StateRunning, h.proc.State())
}

func TestSendImmediately_BypassesQueue(t *testing.T) {
	h := newHarness(t, func(context.Context, request.Request, int) ([]byte, error) {
		return nil, &transport.HTTPError{StatusCode: http.StatusInternalServerError}
	}, nil)

	_, err := h.proc.SendImmediately(context.Background(), request.Request{
		ID: "x", AccountKey: "acct-1", Endpoint: request.Endpoint{Kind: request.KindFetchForms},
	})
	var he *transport.HTTPError
	require.ErrorAs(t, err, &he)
	assert.True(t, h.queue.IsEmpty())
	assert.Empty(t, h.events.kinds())
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoQueue)
}

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork(" WiFi ")
	require.NoError(t, err)
	assert.Equal(t, NetworkWifi, n)
	_, err = ParseNetwork("5g")
	assert.ErrorIs(t, err, ErrUnknownNet)
}
