package snapshot

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nuetzliches/courier/internal/queue"
)

const DefaultDebounce = 500 * time.Millisecond

var ErrWriterClosed = errors.New("snapshot writer closed")

// Source yields the lanes to persist. *queue.Queue implements it.
type Source interface {
	All() (immediate, normal []queue.QueuedRequest)
}

// Saver persists lanes. *Store implements it.
type Saver interface {
	Save(immediate, normal []queue.QueuedRequest) error
}

type WriterOption func(*Writer)

// WithDebounce sets how long MarkDirty waits before saving.
func WithDebounce(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Writer coalesces state changes into debounced saves. Callers mark the
// queue dirty after each mutation and Flush when a save must not wait.
type Writer struct {
	saver    Saver
	source   Source
	debounce time.Duration
	logger   *slog.Logger

	// saveMu serializes saves so an older snapshot never lands after a
	// newer one.
	saveMu sync.Mutex

	mu     sync.Mutex
	dirty  bool
	timer  *time.Timer
	closed bool
	saves  int64
	errs   int64
}

func NewWriter(saver Saver, source Source, opts ...WriterOption) *Writer {
	w := &Writer{
		saver:    saver,
		source:   source,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// MarkDirty schedules a save after the debounce window. Repeated calls
// within the window collapse into one save.
func (w *Writer) MarkDirty() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.dirty = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.fire)
	}
}

func (w *Writer) fire() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()
	_ = w.Flush()
}

// Flush saves now if there are unsaved changes.
func (w *Writer) Flush() error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	w.dirty = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	immediate, normal := w.source.All()
	if err := w.saver.Save(immediate, normal); err != nil {
		w.mu.Lock()
		w.errs++
		// Keep the change pending so the next flush retries it.
		w.dirty = true
		w.mu.Unlock()
		w.logger.Error("snapshot_save_failed", slog.Any("err", err))
		return err
	}
	w.mu.Lock()
	w.saves++
	w.mu.Unlock()
	return nil
}

// SaveNow marks the state dirty and flushes it.
func (w *Writer) SaveNow() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.dirty = true
	w.mu.Unlock()
	return w.Flush()
}

// Close stops the debounce timer and flushes pending changes. Later
// MarkDirty calls are ignored.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.Flush()
}

// Dirty reports whether a save is pending.
func (w *Writer) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// WriterStats reports save counters.
type WriterStats struct {
	Saves  int64
	Errors int64
}

func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{Saves: w.saves, Errors: w.errs}
}
