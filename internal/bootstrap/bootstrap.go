// Package bootstrap gates producer operations behind loading account state.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	ErrInitializing    = errors.New("initialization already in progress")
	ErrEmptyAccountKey = errors.New("account key is empty")
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateInitialized   State = "initialized"
)

// Op is one producer call. Exempt ops run even before initialization.
type Op struct {
	Name   string
	Exempt bool
	Run    func() error
}

// Hooks are the effects of each transition. Nil hooks are skipped.
type Hooks struct {
	// Load restores account state for key and merges anything queued
	// while it ran.
	Load func(ctx context.Context, accountKey string) error
	// Transfer moves cross-account side effects when the key changes.
	Transfer func(ctx context.Context, from, to string) error
	// Reset drops local state of the previous key.
	Reset func(ctx context.Context, accountKey string) error
	// Start runs once the machine is initialized and pending ops replayed.
	Start func()
}

// Machine is uninitialized, initializing or initialized. Ops that need
// initialization are buffered until it completes and then replayed in
// arrival order exactly once.
type Machine struct {
	hooks  Hooks
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	accountKey string
	pending    []Op
}

func New(hooks Hooks, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		hooks:  hooks,
		logger: logger.With("component", "bootstrap"),
		state:  StateUninitialized,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AccountKey returns the key of the current or in-progress initialization.
func (m *Machine) AccountKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountKey
}

// Pending returns the number of buffered ops.
func (m *Machine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Do runs op now when it is exempt or the machine is initialized, and
// buffers it otherwise. A buffered op reports no error.
func (m *Machine) Do(op Op) error {
	if op.Run == nil {
		return nil
	}
	if op.Exempt {
		return op.Run()
	}
	m.mu.Lock()
	if m.state != StateInitialized {
		m.pending = append(m.pending, op)
		n := len(m.pending)
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("bootstrap_op_buffered",
			slog.String("op", op.Name),
			slog.String("state", string(state)),
			slog.Int("pending", n),
		)
		return nil
	}
	m.mu.Unlock()
	return op.Run()
}

// Initialize loads state for accountKey, replays buffered ops and starts
// processing. Initializing again with the same key is a no-op; a new key
// transfers and resets the previous account first.
func (m *Machine) Initialize(ctx context.Context, accountKey string) error {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return ErrEmptyAccountKey
	}

	m.mu.Lock()
	prevKey := ""
	switch m.state {
	case StateInitializing:
		m.mu.Unlock()
		return ErrInitializing
	case StateInitialized:
		if m.accountKey == accountKey {
			m.mu.Unlock()
			return nil
		}
		prevKey = m.accountKey
	}
	m.state = StateInitializing
	m.accountKey = accountKey
	m.mu.Unlock()

	m.logger.Info("bootstrap_initializing",
		slog.String("account_key", accountKey),
		slog.Bool("reinitialize", prevKey != ""),
	)

	if prevKey != "" {
		if m.hooks.Transfer != nil {
			if err := m.hooks.Transfer(ctx, prevKey, accountKey); err != nil {
				m.logger.Warn("bootstrap_transfer_failed",
					slog.String("from", prevKey),
					slog.String("to", accountKey),
					slog.Any("err", err),
				)
			}
		}
		if m.hooks.Reset != nil {
			if err := m.hooks.Reset(ctx, prevKey); err != nil {
				m.logger.Warn("bootstrap_reset_failed",
					slog.String("account_key", prevKey),
					slog.Any("err", err),
				)
			}
		}
	}

	if m.hooks.Load != nil {
		if err := m.hooks.Load(ctx, accountKey); err != nil {
			m.mu.Lock()
			m.state = StateUninitialized
			m.accountKey = ""
			m.mu.Unlock()
			return fmt.Errorf("load account state: %w", err)
		}
	}

	replayed := m.replay()

	m.logger.Info("bootstrap_initialized",
		slog.String("account_key", accountKey),
		slog.Int("replayed", replayed),
	)
	if m.hooks.Start != nil {
		m.hooks.Start()
	}
	return nil
}

// replay runs buffered ops in order. Ops buffered while replaying are
// picked up by the next batch, so arrival order holds across batches.
func (m *Machine) replay() int {
	total := 0
	for {
		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		if len(batch) == 0 {
			m.state = StateInitialized
			m.mu.Unlock()
			return total
		}
		m.mu.Unlock()

		for _, op := range batch {
			if err := op.Run(); err != nil {
				m.logger.Warn("bootstrap_replay_failed",
					slog.String("op", op.Name),
					slog.Any("err", err),
				)
			}
			total++
		}
	}
}
