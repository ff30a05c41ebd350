// Package snapshot persists queue lanes per account through a
// storage.Storage.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nuetzliches/courier/internal/queue"
	"github.com/nuetzliches/courier/internal/request"
	"github.com/nuetzliches/courier/internal/storage"
)

// FormatVersion is written into every snapshot.
const FormatVersion = "2.0"

var ErrEmptyAccountKey = errors.New("snapshot account key is empty")

// State is the on-disk document.
type State struct {
	Version    string  `json:"version"`
	AccountKey string  `json:"accountKey"`
	Immediate  []Entry `json:"immediate"`
	Normal     []Entry `json:"normal"`
}

// Entry is one queued request. Timestamps are unix milliseconds.
type Entry struct {
	Request      request.Request `json:"request"`
	RetryCount   int             `json:"retryCount"`
	CreatedAt    int64           `json:"createdAt"`
	BackoffUntil *int64          `json:"backoffUntil"`
}

func entryFromQueued(q queue.QueuedRequest) Entry {
	e := Entry{
		Request:    q.Request,
		RetryCount: q.RetryCount,
		CreatedAt:  q.CreatedAt.UnixMilli(),
	}
	if !q.BackoffUntil.IsZero() {
		ms := q.BackoffUntil.UnixMilli()
		if time.UnixMilli(ms).Before(q.BackoffUntil) {
			ms++
		}
		e.BackoffUntil = &ms
	}
	return e
}

func (e Entry) queued() (queue.QueuedRequest, error) {
	if err := e.Request.Validate(); err != nil {
		return queue.QueuedRequest{}, err
	}
	if e.RetryCount < 0 {
		return queue.QueuedRequest{}, fmt.Errorf("negative retry count %d", e.RetryCount)
	}
	q := queue.QueuedRequest{
		Request:    e.Request,
		RetryCount: e.RetryCount,
		CreatedAt:  time.UnixMilli(e.CreatedAt).UTC(),
	}
	if e.BackoffUntil != nil {
		q.BackoffUntil = time.UnixMilli(*e.BackoffUntil).UTC()
	}
	return q, nil
}

// Location returns the storage location of the queue snapshot for
// accountKey.
func Location(accountKey string) string {
	return "queue-" + SanitizeKey(accountKey) + ".json"
}

// SanitizeKey maps an account key to a name safe for any storage backend.
// Keys that need rewriting get a hash suffix so two accounts never share
// a name.
func SanitizeKey(accountKey string) string {
	var b strings.Builder
	changed := false
	for _, r := range accountKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	name := b.String()
	if changed || name == "" {
		sum := sha256.Sum256([]byte(accountKey))
		name += "-" + hex.EncodeToString(sum[:4])
	}
	return name
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store reads and writes the snapshot of one account. It is the only
// writer of its location.
type Store struct {
	storage    storage.Storage
	accountKey string
	location   string
	logger     *slog.Logger
}

func NewStore(st storage.Storage, accountKey string, opts ...Option) (*Store, error) {
	if st == nil {
		return nil, errors.New("nil storage")
	}
	if strings.TrimSpace(accountKey) == "" {
		return nil, ErrEmptyAccountKey
	}
	s := &Store{
		storage:    st,
		accountKey: accountKey,
		location:   Location(accountKey),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) AccountKey() string { return s.accountKey }

func (s *Store) Location() string { return s.location }

// Save writes both lanes atomically.
func (s *Store) Save(immediate, normal []queue.QueuedRequest) error {
	state := State{
		Version:    FormatVersion,
		AccountKey: s.accountKey,
		Immediate:  make([]Entry, 0, len(immediate)),
		Normal:     make([]Entry, 0, len(normal)),
	}
	for _, q := range immediate {
		state.Immediate = append(state.Immediate, entryFromQueued(q))
	}
	for _, q := range normal {
		state.Normal = append(state.Normal, entryFromQueued(q))
	}
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.storage.Write(s.location, b); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load returns the persisted lanes. It never fails: an absent snapshot, a
// snapshot of another account and a corrupt snapshot all load as empty.
// Corrupt snapshots are deleted.
func (s *Store) Load() (immediate, normal []queue.QueuedRequest) {
	b, err := s.storage.Read(s.location)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("snapshot_read_failed",
				slog.String("location", s.location),
				slog.Any("err", err),
			)
		}
		return nil, nil
	}

	state, err := decodeState(b)
	if err == nil {
		immediate, err = toQueued(state.Immediate)
	}
	if err == nil {
		normal, err = toQueued(state.Normal)
	}
	if err != nil {
		s.logger.Warn("snapshot_corrupt",
			slog.String("location", s.location),
			slog.Any("err", err),
		)
		if derr := s.storage.Delete(s.location); derr != nil {
			s.logger.Error("snapshot_delete_failed",
				slog.String("location", s.location),
				slog.Any("err", derr),
			)
		}
		return nil, nil
	}

	if state.AccountKey != s.accountKey {
		s.logger.Warn("snapshot_account_mismatch",
			slog.String("location", s.location),
			slog.String("account_key", s.accountKey),
		)
		return nil, nil
	}
	if state.Version != FormatVersion {
		s.logger.Warn("snapshot_version_mismatch",
			slog.String("location", s.location),
			slog.String("version", state.Version),
			slog.String("want", FormatVersion),
		)
	}
	return immediate, normal
}

// Read returns the raw document without validating or deleting it.
func (s *Store) Read() (State, error) {
	b, err := s.storage.Read(s.location)
	if err != nil {
		return State{}, err
	}
	return decodeState(b)
}

// Clear deletes the snapshot. Clearing an absent snapshot is a no-op.
func (s *Store) Clear() error {
	return s.storage.Delete(s.location)
}

func decodeState(b []byte) (State, error) {
	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

func toQueued(entries []Entry) ([]queue.QueuedRequest, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]queue.QueuedRequest, 0, len(entries))
	for i, e := range entries {
		q, err := e.queued()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, q)
	}
	return out, nil
}
