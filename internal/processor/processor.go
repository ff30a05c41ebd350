// Package processor drains a queue through a transport, one request at a
// time, and applies retry decisions to failures.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nuetzliches/courier/internal/queue"
	"github.com/nuetzliches/courier/internal/request"
	"github.com/nuetzliches/courier/internal/retry"
	"github.com/nuetzliches/courier/internal/transport"
)

var (
	ErrNoQueue     = errors.New("processor: nil queue")
	ErrNoTransport = errors.New("processor: nil transport")
	ErrPaused      = errors.New("processor is paused")
	ErrOffline     = errors.New("network is offline")
	ErrUnknownNet  = errors.New("unknown network quality")
)

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Network is the current connectivity class. It selects the tick interval.
type Network string

const (
	NetworkWifi     Network = "wifi"
	NetworkCellular Network = "cellular"
	NetworkOffline  Network = "offline"
)

func ParseNetwork(s string) (Network, error) {
	switch n := Network(strings.ToLower(strings.TrimSpace(s))); n {
	case NetworkWifi, NetworkCellular, NetworkOffline:
		return n, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNet, s)
	}
}

type Intervals struct {
	Wifi     time.Duration
	Cellular time.Duration
}

const (
	DefaultWifiInterval     = 10 * time.Second
	DefaultCellularInterval = 30 * time.Second
)

func (i Intervals) withDefaults() Intervals {
	if i.Wifi <= 0 {
		i.Wifi = DefaultWifiInterval
	}
	if i.Cellular <= 0 {
		i.Cellular = DefaultCellularInterval
	}
	return i
}

// Persister is told about queue changes. *snapshot.Writer implements it.
type Persister interface {
	MarkDirty()
	Flush() error
}

type noopPersister struct{}

func (noopPersister) MarkDirty()   {}
func (noopPersister) Flush() error { return nil }

type Config struct {
	Queue     *queue.Queue
	Transport transport.Transport
	Persister Persister
	Policy    retry.Policy
	Intervals Intervals
	Network   Network
	Logger    *slog.Logger
	Now       func() time.Time
	// Observer receives lifecycle events. It runs on the draining
	// goroutine; it must not block or call Pause or Stop.
	Observer func(Event)
	// OnInvalidField is called when the server rejected an identity field.
	OnInvalidField func(field string)
}

// Processor owns the scheduling loop for one queue. At most one request is
// handed to the transport at a time.
type Processor struct {
	queue          *queue.Queue
	transport      transport.Transport
	persister      Persister
	policy         retry.Policy
	logger         *slog.Logger
	nowFn          func() time.Time
	observer       func(Event)
	onInvalidField func(string)

	// drainMu makes draining single-flight across the loop and Flush.
	drainMu sync.Mutex

	mu         sync.Mutex
	state      State
	network    Network
	intervals  Intervals
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	sendCancel context.CancelFunc
	wake       chan struct{}
}

func New(cfg Config) (*Processor, error) {
	if cfg.Queue == nil {
		return nil, ErrNoQueue
	}
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	p := &Processor{
		queue:          cfg.Queue,
		transport:      cfg.Transport,
		persister:      cfg.Persister,
		policy:         cfg.Policy,
		logger:         cfg.Logger,
		nowFn:          cfg.Now,
		observer:       cfg.Observer,
		onInvalidField: cfg.OnInvalidField,
		state:          StateStopped,
		network:        cfg.Network,
		intervals:      cfg.Intervals.withDefaults(),
		wake:           make(chan struct{}, 1),
	}
	if p.persister == nil {
		p.persister = noopPersister{}
	}
	if p.policy.MaxRetries == 0 && p.policy.Base == 0 && p.policy.Cap == 0 && p.policy.MaxJitter == 0 {
		rnd := p.policy.Rand
		p.policy = retry.DefaultPolicy()
		p.policy.Rand = rnd
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "processor")
	if p.nowFn == nil {
		p.nowFn = time.Now
	}
	if p.network == "" {
		p.network = NetworkWifi
	}
	return p, nil
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) Network() Network {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.network
}

// Start moves stopped or paused to running and begins ticking.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return
	}
	p.state = StateRunning
	p.startLoopLocked()
	p.logger.Info("processor_started", slog.String("network", string(p.network)))
}

// Resume moves paused to running. It is a no-op in any other state.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return
	}
	p.state = StateRunning
	p.startLoopLocked()
	p.logger.Info("processor_resumed")
}

// Pause cancels the active send and the tick loop. Queued and in-flight
// requests stay in the queue.
func (p *Processor) Pause() {
	if !p.halt(StatePaused, StateRunning) {
		return
	}
	p.logger.Info("processor_paused")
}

// Stop halts the processor from any state.
func (p *Processor) Stop() {
	if !p.halt(StateStopped, StateRunning, StatePaused) {
		return
	}
	p.logger.Info("processor_stopped")
}

func (p *Processor) halt(to State, from ...State) bool {
	p.mu.Lock()
	allowed := false
	for _, s := range from {
		if p.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		p.mu.Unlock()
		return false
	}
	p.state = to
	loopCancel, loopDone, sendCancel := p.loopCancel, p.loopDone, p.sendCancel
	p.loopCancel, p.loopDone = nil, nil
	p.mu.Unlock()

	if sendCancel != nil {
		sendCancel()
	}
	if loopCancel != nil {
		loopCancel()
	}
	if loopDone != nil {
		<-loopDone
	}

	// A Flush running on another goroutine may still hold entries.
	p.drainMu.Lock()
	n := p.queue.RequeueInFlight()
	p.drainMu.Unlock()
	if n > 0 {
		p.logger.Info("processor_requeued_in_flight", slog.Int("count", n))
	}
	p.persister.MarkDirty()
	if err := p.persister.Flush(); err != nil {
		p.logger.Warn("processor_persist_failed", slog.Any("err", err))
	}
	return true
}

// SetNetwork switches the tick interval. Going offline cancels the active
// send and suspends ticking until connectivity returns.
func (p *Processor) SetNetwork(n Network) {
	p.mu.Lock()
	if p.network == n {
		p.mu.Unlock()
		return
	}
	prev := p.network
	p.network = n
	sendCancel := p.sendCancel
	p.mu.Unlock()

	p.logger.Info("processor_network_changed",
		slog.String("from", string(prev)),
		slog.String("to", string(n)),
	)
	if n == NetworkOffline && sendCancel != nil {
		sendCancel()
	}
	p.Wake()
}

// SetIntervals replaces the tick intervals. Zero values keep defaults.
func (p *Processor) SetIntervals(i Intervals) {
	p.mu.Lock()
	p.intervals = i.withDefaults()
	p.mu.Unlock()
	p.Wake()
}

// Wake asks the running loop to drain now.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush drains every eligible request now. It returns after the cycle
// ends: the queue has no eligible entry, a retry decision stopped the
// cycle, or ctx was canceled.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	state, network := p.state, p.network
	p.mu.Unlock()
	if state == StatePaused {
		return ErrPaused
	}
	if network == NetworkOffline {
		return ErrOffline
	}
	p.drain(ctx)
	return ctx.Err()
}

func (p *Processor) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.loopCancel = cancel
	p.loopDone = done
	go p.run(ctx, done)
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	notify := p.queue.Notify()
	p.drain(ctx)
	lastDrain := p.nowFn()
	for {
		var tick <-chan time.Time
		var timer *time.Timer
		if wait, ok := p.nextWait(lastDrain); ok {
			timer = time.NewTimer(wait)
			tick = timer.C
		}

		drainNow := false
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-tick:
			drainNow = true
		case <-p.wake:
			drainNow = true
		case <-notify:
			notify = p.queue.Notify()
			// Only immediate work skips the tick.
			drainNow = p.queue.Stats().Immediate > 0
		}
		stopTimer(timer)
		if drainNow {
			notify = p.queue.Notify()
			p.drain(ctx)
			lastDrain = p.nowFn()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// nextWait returns the time until the next tick after lastDrain, shortened
// when a backoff deadline expires sooner. It reports false while offline.
func (p *Processor) nextWait(lastDrain time.Time) (time.Duration, bool) {
	p.mu.Lock()
	network, intervals := p.network, p.intervals
	p.mu.Unlock()

	var interval time.Duration
	switch network {
	case NetworkOffline:
		return 0, false
	case NetworkCellular:
		interval = intervals.Cellular
	default:
		interval = intervals.Wifi
	}
	now := p.nowFn()
	wait := lastDrain.Add(interval).Sub(now)
	if at, ok := p.queue.NextEligibleAt(); ok {
		if until := at.Sub(now); until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (p *Processor) canSend() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != StatePaused && p.network != NetworkOffline
}

func (p *Processor) drain(ctx context.Context) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	attempted := make(map[string]struct{})
	for ctx.Err() == nil && p.canSend() {
		item, lane, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		if _, seen := attempted[item.ID()]; seen {
			_ = p.queue.Requeue(item.ID())
			return
		}
		attempted[item.ID()] = struct{}{}
		if stop := p.send(ctx, item, lane); stop {
			return
		}
	}
}

// send delivers one dequeued request and applies the outcome. It reports
// whether the drain cycle should stop.
func (p *Processor) send(ctx context.Context, item queue.QueuedRequest, lane request.Priority) bool {
	sendCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.sendCancel = cancel
	p.mu.Unlock()

	attempt := item.RetryCount + 1
	p.emit(Event{Kind: EventStarted, RequestID: item.ID(), Attempt: attempt, Lane: lane})

	_, err := p.transport.Send(sendCtx, item.Request, attempt)
	if err != nil && sendCtx.Err() != nil {
		err = sendCtx.Err()
	}

	p.mu.Lock()
	p.sendCancel = nil
	p.mu.Unlock()
	cancel()

	if err == nil {
		p.queue.Complete(item.ID())
		p.persister.MarkDirty()
		p.emit(Event{Kind: EventCompleted, RequestID: item.ID(), Attempt: attempt, Lane: lane})
		return false
	}

	decision := p.policy.Classify(err, item.RetryCount)
	ev := Event{RequestID: item.ID(), Attempt: attempt, Lane: lane, Err: err, Reason: decision.Reason}
	var he *transport.HTTPError
	if errors.As(err, &he) {
		ev.StatusCode = he.StatusCode
		httpEv := ev
		httpEv.Kind = EventHTTPError
		p.emit(httpEv)
	}
	var rl *transport.RateLimitedError
	if errors.As(err, &rl) {
		ev.StatusCode = rl.StatusCode
	}

	stop := true
	switch decision.Action {
	case retry.ActionRequeue:
		if rerr := p.queue.Requeue(item.ID()); rerr != nil {
			p.logger.Warn("processor_requeue_failed", slog.String("request_id", item.ID()), slog.Any("err", rerr))
		}
		ev.Kind = EventCanceled
		p.logger.Debug("processor_send_canceled", slog.String("request_id", item.ID()))
	case retry.ActionDrop:
		p.fail(item, false, item)
		ev.Kind = EventDropped
		p.logger.Warn("processor_request_dropped",
			slog.String("request_id", item.ID()),
			slog.String("kind", string(item.Request.Endpoint.Kind)),
			slog.String("reason", decision.Reason),
			slog.Int("attempt", attempt),
			slog.Any("err", err),
		)
		if decision.ClearField != "" && p.onInvalidField != nil {
			p.onInvalidField(decision.ClearField)
		}
		stop = false
	case retry.ActionRetryAfter:
		updated := item
		updated.RetryCount++
		updated.BackoffUntil = p.nowFn().Add(decision.Delay)
		p.fail(item, true, updated)
		ev.Kind = EventRateLimited
		ev.Delay = decision.Delay
		p.logger.Info("processor_request_backoff",
			slog.String("request_id", item.ID()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", decision.Delay),
		)
	default:
		updated := item
		updated.RetryCount++
		p.fail(item, true, updated)
		ev.Kind = EventRetry
		p.logger.Info("processor_request_retry",
			slog.String("request_id", item.ID()),
			slog.Int("attempt", attempt),
			slog.String("reason", decision.Reason),
			slog.Any("err", err),
		)
	}

	p.persister.MarkDirty()
	if ferr := p.persister.Flush(); ferr != nil {
		p.logger.Warn("processor_persist_failed", slog.Any("err", ferr))
	}
	p.emit(ev)
	return stop
}

func (p *Processor) fail(item queue.QueuedRequest, retryIt bool, updated queue.QueuedRequest) {
	if err := p.queue.Fail(item.ID(), retryIt, updated); err != nil {
		p.logger.Warn("processor_fail_update_failed",
			slog.String("request_id", item.ID()),
			slog.Any("err", err),
		)
	}
}

func (p *Processor) emit(ev Event) {
	if p.observer != nil {
		p.observer(ev)
	}
}

// SendImmediately sends req outside the queue and returns the response
// body or the transport error.
func (p *Processor) SendImmediately(ctx context.Context, req request.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return p.transport.Send(ctx, req, 1)
}
