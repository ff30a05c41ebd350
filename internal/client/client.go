// Package client is the facade the host application talks to. It wires the
// queue, processor, persistence and initialization gate for one device.
package client

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nuetzliches/courier/internal/bootstrap"
	"github.com/nuetzliches/courier/internal/clock"
	"github.com/nuetzliches/courier/internal/processor"
	"github.com/nuetzliches/courier/internal/queue"
	"github.com/nuetzliches/courier/internal/request"
	"github.com/nuetzliches/courier/internal/retry"
	"github.com/nuetzliches/courier/internal/snapshot"
	"github.com/nuetzliches/courier/internal/storage"
	"github.com/nuetzliches/courier/internal/transport"
)

var (
	ErrNoStorage      = errors.New("client: nil storage")
	ErrNoTransport    = errors.New("client: nil transport")
	ErrNoAccount      = errors.New("client: no account key")
	ErrEmptyMetric    = errors.New("client: empty metric name")
	ErrEmptyPushToken = errors.New("client: empty push token")
)

type Config struct {
	Storage      storage.Storage
	Transport    transport.Transport
	Policy       retry.Policy
	MaxQueueSize int
	Intervals    processor.Intervals
	Network      processor.Network
	// Debounce delays snapshot writes after queue changes.
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Observer func(processor.Event)
}

type Client struct {
	storage  storage.Storage
	clock    clock.Clock
	logger   *slog.Logger
	debounce time.Duration

	queue   *queue.Queue
	proc    *processor.Processor
	machine *bootstrap.Machine

	mu         sync.Mutex
	accountKey string
	store      *snapshot.Store
	writer     *snapshot.Writer
	identity   Identity
	transfers  []pushTransfer
}

type pushTransfer struct {
	token string
}

func New(cfg Config) (*Client, error) {
	if cfg.Storage == nil {
		return nil, ErrNoStorage
	}
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	maxSize := cfg.MaxQueueSize
	if maxSize == 0 {
		maxSize = queue.DefaultMaxQueueSize
	}

	c := &Client{
		storage:  cfg.Storage,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "client"),
		debounce: cfg.Debounce,
		identity: newIdentity(),
	}
	c.queue = queue.New(queue.WithNowFunc(cfg.Clock.Now), queue.WithMaxQueueSize(maxSize))

	proc, err := processor.New(processor.Config{
		Queue:          c.queue,
		Transport:      cfg.Transport,
		Persister:      accountPersister{c: c},
		Policy:         cfg.Policy,
		Intervals:      cfg.Intervals,
		Network:        cfg.Network,
		Logger:         cfg.Logger,
		Now:            cfg.Clock.Now,
		Observer:       cfg.Observer,
		OnInvalidField: c.clearInvalidField,
	})
	if err != nil {
		return nil, err
	}
	c.proc = proc

	c.machine = bootstrap.New(bootstrap.Hooks{
		Load:     c.load,
		Transfer: c.transfer,
		Reset:    c.reset,
		Start:    c.proc.Start,
	}, cfg.Logger)
	return c, nil
}

// accountPersister routes processor persistence to the writer of the
// active account.
type accountPersister struct {
	c *Client
}

func (p accountPersister) MarkDirty() {
	if w := p.c.currentWriter(); w != nil {
		w.MarkDirty()
	}
}

func (p accountPersister) Flush() error {
	if w := p.c.currentWriter(); w != nil {
		return w.Flush()
	}
	return nil
}

func (c *Client) currentWriter() *snapshot.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

func (c *Client) currentAccount() (string, Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountKey, c.identity
}

// Initialize restores state for accountKey and starts processing. Calls
// made before it completes are replayed afterwards.
func (c *Client) Initialize(ctx context.Context, accountKey string) error {
	return c.machine.Initialize(ctx, accountKey)
}

func (c *Client) InitState() bootstrap.State { return c.machine.State() }

func (c *Client) AccountKey() string {
	key, _ := c.currentAccount()
	return key
}

func (c *Client) Identity() Identity {
	_, id := c.currentAccount()
	return id
}

func (c *Client) load(_ context.Context, accountKey string) error {
	store, err := snapshot.NewStore(c.storage, accountKey, snapshot.WithLogger(c.logger))
	if err != nil {
		return err
	}
	id, err := loadIdentity(c.storage, accountKey)
	if err != nil {
		c.logger.Warn("identity_load_failed",
			slog.String("account_key", accountKey),
			slog.Any("err", err),
		)
	}

	var opts []snapshot.WriterOption
	if c.debounce > 0 {
		opts = append(opts, snapshot.WithDebounce(c.debounce))
	}
	opts = append(opts, snapshot.WithWriterLogger(c.logger))
	writer := snapshot.NewWriter(store, c.queue, opts...)

	c.mu.Lock()
	transfers := c.transfers
	c.transfers = nil
	for _, t := range transfers {
		if id.PushToken == "" {
			id.PushToken = t.token
		}
	}
	c.accountKey = accountKey
	c.store = store
	c.writer = writer
	c.identity = id
	c.mu.Unlock()

	imm, normal := store.Load()
	merged := c.queue.Merge(imm, normal)
	c.logger.Info("queue_restored",
		slog.String("account_key", accountKey),
		slog.Int("restored", merged),
		slog.Int("queued", c.queue.Count()),
	)

	for _, t := range transfers {
		req := request.New(accountKey, request.KindRegisterPushToken, pushTokenPayload(id, t.token))
		if err := c.enqueue(req, request.PriorityNormal); err != nil {
			c.logger.Warn("push_token_transfer_failed", slog.Any("err", err))
		}
	}

	if err := saveIdentity(c.storage, accountKey, id); err != nil {
		c.logger.Warn("identity_save_failed", slog.Any("err", err))
	}
	writer.MarkDirty()
	return nil
}

func (c *Client) transfer(_ context.Context, from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity.PushToken != "" {
		c.transfers = append(c.transfers, pushTransfer{token: c.identity.PushToken})
		c.logger.Info("push_token_transfer_scheduled",
			slog.String("from", from),
			slog.String("to", to),
		)
	}
	return nil
}

func (c *Client) reset(_ context.Context, accountKey string) error {
	c.proc.Stop()

	c.mu.Lock()
	writer, store := c.writer, c.store
	c.writer = nil
	c.store = nil
	c.accountKey = ""
	c.identity = newIdentity()
	c.mu.Unlock()

	// Requests already addressed to the next account stay queued.
	imm, normal := c.queue.Extract(accountKey)
	var err error
	if writer != nil {
		_ = writer.Close()
	}
	if store != nil {
		// Keep the old account's queue on disk for a later switch back.
		err = store.Save(imm, normal)
	}
	c.logger.Info("account_reset",
		slog.String("account_key", accountKey),
		slog.Int("saved", len(imm)+len(normal)),
		slog.Int("kept", c.queue.Count()),
	)
	return err
}

func (c *Client) clearInvalidField(field string) {
	c.mu.Lock()
	changed := c.identity.clearField(field)
	key, id := c.accountKey, c.identity
	c.mu.Unlock()
	if !changed || key == "" {
		return
	}
	c.logger.Warn("identity_field_cleared", slog.String("field", field))
	if err := saveIdentity(c.storage, key, id); err != nil {
		c.logger.Warn("identity_save_failed", slog.Any("err", err))
	}
}

func (c *Client) enqueue(req request.Request, priority request.Priority) error {
	ok, err := c.queue.Enqueue(req, priority)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debug("enqueue_duplicate", slog.String("request_id", req.ID))
		return nil
	}
	if w := c.currentWriter(); w != nil {
		w.MarkDirty()
	}
	return nil
}

// Enqueue accepts req for eventual delivery. Before initialization the
// call is buffered and replayed.
func (c *Client) Enqueue(req request.Request, priority request.Priority) error {
	return c.machine.Do(bootstrap.Op{
		Name: "enqueue",
		Run:  func() error { return c.enqueue(req, priority) },
	})
}

// SendImmediately sends req now, outside the queue.
func (c *Client) SendImmediately(ctx context.Context, req request.Request) ([]byte, error) {
	return c.proc.SendImmediately(ctx, req)
}

// Start begins processing. Before initialization processing starts once
// initialization completes.
func (c *Client) Start() {
	if c.machine.State() != bootstrap.StateInitialized {
		return
	}
	c.proc.Start()
}

func (c *Client) Pause()  { c.proc.Pause() }
func (c *Client) Resume() { c.proc.Resume() }
func (c *Client) Stop()   { c.proc.Stop() }

// Flush drains eligible requests now.
func (c *Client) Flush(ctx context.Context) error {
	return c.proc.Flush(ctx)
}

func (c *Client) QueueCount() int { return c.queue.Count() }

func (c *Client) IsEmpty() bool { return c.queue.IsEmpty() }

func (c *Client) QueueStats() queue.Stats { return c.queue.Stats() }

func (c *Client) ProcessorState() processor.State { return c.proc.State() }

// ClearQueue drops every queued request and persists the empty queue.
func (c *Client) ClearQueue() error {
	c.queue.Clear()
	if w := c.currentWriter(); w != nil {
		return w.SaveNow()
	}
	return nil
}

// Close stops processing and flushes pending persistence.
func (c *Client) Close() error {
	c.proc.Stop()
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer != nil {
		return writer.Close()
	}
	return nil
}

func (c *Client) profileOp(name string, mutate func(*Identity), properties map[string]request.Value) error {
	return c.machine.Do(bootstrap.Op{Name: name, Run: func() error {
		c.mu.Lock()
		if mutate != nil {
			mutate(&c.identity)
		}
		key, id := c.accountKey, c.identity
		c.mu.Unlock()
		if key == "" {
			return ErrNoAccount
		}
		if err := saveIdentity(c.storage, key, id); err != nil {
			c.logger.Warn("identity_save_failed", slog.Any("err", err))
		}
		return c.enqueue(request.New(key, request.KindCreateProfile, profilePayload(id, properties)), request.PriorityNormal)
	}})
}

// SetProfile sends custom profile properties.
func (c *Client) SetProfile(properties map[string]request.Value) error {
	return c.profileOp("set_profile", nil, properties)
}

func (c *Client) SetEmail(email string) error {
	email = strings.TrimSpace(email)
	return c.profileOp("set_email", func(id *Identity) { id.Email = email }, nil)
}

func (c *Client) SetPhoneNumber(phone string) error {
	phone = strings.TrimSpace(phone)
	return c.profileOp("set_phone_number", func(id *Identity) { id.PhoneNumber = phone }, nil)
}

func (c *Client) SetExternalID(externalID string) error {
	externalID = strings.TrimSpace(externalID)
	return c.profileOp("set_external_id", func(id *Identity) { id.ExternalID = externalID }, nil)
}

// SetPushToken records the device token and registers it.
func (c *Client) SetPushToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyPushToken
	}
	return c.machine.Do(bootstrap.Op{Name: "set_push_token", Run: func() error {
		c.mu.Lock()
		c.identity.PushToken = token
		key, id := c.accountKey, c.identity
		c.mu.Unlock()
		if key == "" {
			return ErrNoAccount
		}
		if err := saveIdentity(c.storage, key, id); err != nil {
			c.logger.Warn("identity_save_failed", slog.Any("err", err))
		}
		return c.enqueue(request.New(key, request.KindRegisterPushToken, pushTokenPayload(id, token)), request.PriorityNormal)
	}})
}

// ResetProfile starts a new anonymous profile. The push token stays with
// the device and is registered to the new profile.
func (c *Client) ResetProfile() error {
	return c.machine.Do(bootstrap.Op{Name: "reset_profile", Run: func() error {
		c.mu.Lock()
		token := c.identity.PushToken
		c.identity = newIdentity()
		c.identity.PushToken = token
		key, id := c.accountKey, c.identity
		c.mu.Unlock()
		if key == "" {
			return ErrNoAccount
		}
		if err := saveIdentity(c.storage, key, id); err != nil {
			c.logger.Warn("identity_save_failed", slog.Any("err", err))
		}
		if token == "" {
			return nil
		}
		return c.enqueue(request.New(key, request.KindRegisterPushToken, pushTokenPayload(id, token)), request.PriorityNormal)
	}})
}

// CreateEvent records a metric for the current profile.
func (c *Client) CreateEvent(metric string, properties map[string]request.Value) error {
	metric = strings.TrimSpace(metric)
	if metric == "" {
		return ErrEmptyMetric
	}
	return c.machine.Do(bootstrap.Op{Name: "create_event", Run: func() error {
		key, id := c.currentAccount()
		if key == "" {
			return ErrNoAccount
		}
		req := request.New(key, request.KindCreateEvent, eventPayload(id, metric, properties, c.clock.Now()))
		return c.enqueue(req, request.PriorityNormal)
	}})
}

// HandlePushOpened records that the user opened a push notification. It
// runs before initialization too; accountKey comes from the notification
// and falls back to the active account.
func (c *Client) HandlePushOpened(accountKey string, properties map[string]request.Value) error {
	return c.machine.Do(bootstrap.Op{Name: "push_opened", Exempt: true, Run: func() error {
		key, id := c.currentAccount()
		if pending := c.machine.AccountKey(); pending != "" {
			key = pending
		}
		if k := strings.TrimSpace(accountKey); k != "" {
			key = k
		}
		if key == "" {
			return ErrNoAccount
		}
		req := request.New(key, request.KindCreateEvent, eventPayload(id, metricOpenedPush, properties, c.clock.Now()))
		return c.enqueue(req, request.PriorityImmediate)
	}})
}

// AppForegrounded resumes processing and drains without waiting for the
// next tick.
func (c *Client) AppForegrounded() {
	if c.machine.State() != bootstrap.StateInitialized {
		return
	}
	if c.proc.State() == processor.StatePaused {
		c.proc.Resume()
	} else {
		c.proc.Start()
	}
	c.proc.Wake()
}

// AppBackgrounded persists the queue and pauses processing.
func (c *Client) AppBackgrounded() {
	c.proc.Pause()
	if w := c.currentWriter(); w != nil {
		if err := w.SaveNow(); err != nil {
			c.logger.Warn("queue_persist_failed", slog.Any("err", err))
		}
	}
}

func (c *Client) NetworkChanged(n processor.Network) {
	c.proc.SetNetwork(n)
}

// SetIntervals updates the tick intervals of a running client.
func (c *Client) SetIntervals(i processor.Intervals) {
	c.proc.SetIntervals(i)
}
