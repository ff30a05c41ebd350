// Package queue holds pending outbound requests in two priority lanes plus
// an in-flight set.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nuetzliches/courier/internal/request"
)

var (
	ErrNotEmpty    = errors.New("queue is not empty")
	ErrIDMismatch  = errors.New("updated request id does not match")
	ErrUnknownLane = errors.New("unknown lane")
	ErrNotInFlight = errors.New("request is not in flight")
)

const (
	DefaultMaxQueueSize = 200

	evictionReasonDropOldest = "drop_oldest"
)

// QueuedRequest wraps a request with scheduling metadata.
type QueuedRequest struct {
	Request      request.Request
	RetryCount   int
	CreatedAt    time.Time
	BackoffUntil time.Time
}

// Eligible reports whether the request may be sent at now.
func (q QueuedRequest) Eligible(now time.Time) bool {
	return q.BackoffUntil.IsZero() || !q.BackoffUntil.After(now)
}

func (q QueuedRequest) ID() string { return q.Request.ID }

type Option func(*Queue)

func WithNowFunc(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.nowFn = now
		}
	}
}

// WithMaxQueueSize bounds the normal lane. Zero or negative disables the bound.
func WithMaxQueueSize(n int) Option {
	return func(q *Queue) {
		q.maxQueueSize = n
	}
}

type inFlightEntry struct {
	item QueuedRequest
	lane request.Priority
	seq  uint64
}

// Queue is safe for concurrent use. All mutations are serialized on one mutex;
// no method blocks on I/O.
type Queue struct {
	mu           sync.Mutex
	nowFn        func() time.Time
	maxQueueSize int
	immediate    []QueuedRequest
	normal       []QueuedRequest
	inFlight     map[string]inFlightEntry
	seq          uint64
	notify       chan struct{}
	evictions    map[string]int64
}

func New(opts ...Option) *Queue {
	q := &Queue{
		nowFn:        time.Now,
		maxQueueSize: DefaultMaxQueueSize,
		inFlight:     make(map[string]inFlightEntry),
		notify:       make(chan struct{}),
		evictions:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends req to the lane chosen by priority. It reports false
// without error when the ID is already queued or in flight.
func (q *Queue) Enqueue(req request.Request, priority request.Priority) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	if priority != request.PriorityImmediate && priority != request.PriorityNormal {
		return false, ErrUnknownLane
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.containsLocked(req.ID) {
		return false, nil
	}

	item := QueuedRequest{Request: req, CreatedAt: truncMilli(q.nowFn())}
	if priority == request.PriorityImmediate {
		q.immediate = append(q.immediate, item)
	} else {
		q.normal = append(q.normal, item)
		q.enforceCapacityLocked()
	}

	// Wake anything waiting on Notify.
	close(q.notify)
	q.notify = make(chan struct{})
	return true, nil
}

// Dequeue moves the first eligible request into the in-flight set. Every
// immediate entry is considered before any normal entry; entries in backoff
// are skipped but stay in place.
func (q *Queue) Dequeue() (QueuedRequest, request.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	if item, ok := q.takeEligibleLocked(&q.immediate, now, request.PriorityImmediate); ok {
		return item, request.PriorityImmediate, true
	}
	if item, ok := q.takeEligibleLocked(&q.normal, now, request.PriorityNormal); ok {
		return item, request.PriorityNormal, true
	}
	return QueuedRequest{}, "", false
}

func (q *Queue) takeEligibleLocked(lane *[]QueuedRequest, now time.Time, priority request.Priority) (QueuedRequest, bool) {
	for i, item := range *lane {
		if !item.Eligible(now) {
			continue
		}
		*lane = append((*lane)[:i], (*lane)[i+1:]...)
		q.seq++
		q.inFlight[item.ID()] = inFlightEntry{item: item, lane: priority, seq: q.seq}
		return item, true
	}
	return QueuedRequest{}, false
}

// Complete removes id from the queue. It is idempotent.
func (q *Queue) Complete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inFlight, id)
	q.immediate = removeByID(q.immediate, id)
	q.normal = removeByID(q.normal, id)
}

// Fail removes id from the in-flight set. With retry, updated goes back to
// the front of its original lane; otherwise the request is dropped.
// RetryCount and BackoffUntil never move backwards.
func (q *Queue) Fail(id string, retry bool, updated QueuedRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inFlight[id]
	if !ok {
		return ErrNotInFlight
	}
	if retry && updated.ID() != id {
		return ErrIDMismatch
	}
	delete(q.inFlight, id)
	if !retry {
		return nil
	}

	if updated.RetryCount < entry.item.RetryCount {
		updated.RetryCount = entry.item.RetryCount
	}
	if updated.BackoffUntil.Before(entry.item.BackoffUntil) {
		updated.BackoffUntil = entry.item.BackoffUntil
	}
	updated.CreatedAt = entry.item.CreatedAt
	updated.BackoffUntil = ceilMilli(updated.BackoffUntil)
	q.pushFrontLocked(entry.lane, updated)
	return nil
}

// Requeue returns an in-flight request to the front of its lane unchanged.
// Used when a send was canceled and says nothing about the request itself.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inFlight[id]
	if !ok {
		return ErrNotInFlight
	}
	delete(q.inFlight, id)
	q.pushFrontLocked(entry.lane, entry.item)
	return nil
}

// RequeueInFlight returns every in-flight request to the front of its lane,
// preserving dequeue order. It returns how many were moved.
func (q *Queue) RequeueInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.inFlightSortedLocked()
	for i := len(entries) - 1; i >= 0; i-- {
		q.pushFrontLocked(entries[i].lane, entries[i].item)
	}
	q.inFlight = make(map[string]inFlightEntry)
	return len(entries)
}

// All returns copies of both lanes. In-flight requests are included at the
// front of their lanes so a snapshot taken mid-send loses nothing.
func (q *Queue) All() (immediate, normal []QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.inFlightSortedLocked() {
		if e.lane == request.PriorityImmediate {
			immediate = append(immediate, e.item)
		} else {
			normal = append(normal, e.item)
		}
	}
	immediate = append(immediate, q.immediate...)
	normal = append(normal, q.normal...)
	return immediate, normal
}

// Restore loads persisted lanes into an empty queue.
func (q *Queue) Restore(immediate, normal []QueuedRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.countLocked() != 0 {
		return ErrNotEmpty
	}
	q.mergeLocked(immediate, normal)
	return nil
}

// Merge places persisted lanes ahead of whatever accumulated in memory,
// skipping IDs the queue already holds. It returns how many entries were
// added.
func (q *Queue) Merge(immediate, normal []QueuedRequest) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mergeLocked(immediate, normal)
}

func (q *Queue) mergeLocked(immediate, normal []QueuedRequest) int {
	added := 0
	seen := make(map[string]struct{})
	filter := func(in []QueuedRequest) []QueuedRequest {
		out := make([]QueuedRequest, 0, len(in))
		for _, item := range in {
			if item.ID() == "" {
				continue
			}
			if _, dup := seen[item.ID()]; dup || q.containsLocked(item.ID()) {
				continue
			}
			seen[item.ID()] = struct{}{}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = q.nowFn()
			}
			item.CreatedAt = truncMilli(item.CreatedAt)
			item.BackoffUntil = ceilMilli(item.BackoffUntil)
			if item.RetryCount < 0 {
				item.RetryCount = 0
			}
			out = append(out, item)
		}
		added += len(out)
		return out
	}

	imm := filter(immediate)
	norm := filter(normal)
	q.immediate = append(imm, q.immediate...)
	q.normal = append(norm, q.normal...)
	q.enforceCapacityLocked()

	if added > 0 {
		close(q.notify)
		q.notify = make(chan struct{})
	}
	return added
}

// Extract removes every request addressed to accountKey, in flight or
// queued, and returns them in the order All reports. Other accounts'
// requests stay where they are.
func (q *Queue) Extract(accountKey string) (immediate, normal []QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.inFlightSortedLocked() {
		if e.item.Request.AccountKey != accountKey {
			continue
		}
		delete(q.inFlight, e.item.ID())
		if e.lane == request.PriorityImmediate {
			immediate = append(immediate, e.item)
		} else {
			normal = append(normal, e.item)
		}
	}
	split := func(lane []QueuedRequest, out *[]QueuedRequest) []QueuedRequest {
		kept := lane[:0]
		for _, item := range lane {
			if item.Request.AccountKey == accountKey {
				*out = append(*out, item)
			} else {
				kept = append(kept, item)
			}
		}
		return kept
	}
	q.immediate = split(q.immediate, &immediate)
	q.normal = split(q.normal, &normal)
	return immediate, normal
}

// Clear empties both lanes and the in-flight set.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.immediate = nil
	q.normal = nil
	q.inFlight = make(map[string]inFlightEntry)
}

// Count includes in-flight requests.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countLocked()
}

func (q *Queue) IsEmpty() bool { return q.Count() == 0 }

func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.containsLocked(id)
}

// NextEligibleAt returns the earliest backoff deadline among queued
// requests that are not yet eligible. It reports false when nothing is
// waiting on a deadline.
func (q *Queue) NextEligibleAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	var next time.Time
	for _, lane := range [][]QueuedRequest{q.immediate, q.normal} {
		for _, item := range lane {
			if item.Eligible(now) {
				continue
			}
			if next.IsZero() || item.BackoffUntil.Before(next) {
				next = item.BackoffUntil
			}
		}
	}
	return next, !next.IsZero()
}

// Notify returns a channel closed on the next enqueue.
func (q *Queue) Notify() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

type Stats struct {
	Immediate int
	Normal    int
	InFlight  int
	Total     int

	OldestCreatedAt   time.Time
	EvictionsByReason map[string]int64
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Immediate:         len(q.immediate),
		Normal:            len(q.normal),
		InFlight:          len(q.inFlight),
		EvictionsByReason: make(map[string]int64, len(q.evictions)),
	}
	st.Total = st.Immediate + st.Normal + st.InFlight
	for k, v := range q.evictions {
		st.EvictionsByReason[k] = v
	}
	consider := func(t time.Time) {
		if st.OldestCreatedAt.IsZero() || t.Before(st.OldestCreatedAt) {
			st.OldestCreatedAt = t
		}
	}
	for _, lane := range [][]QueuedRequest{q.immediate, q.normal} {
		for _, item := range lane {
			consider(item.CreatedAt)
		}
	}
	for _, e := range q.inFlight {
		consider(e.item.CreatedAt)
	}
	return st
}

func (q *Queue) countLocked() int {
	return len(q.immediate) + len(q.normal) + len(q.inFlight)
}

func (q *Queue) containsLocked(id string) bool {
	if _, ok := q.inFlight[id]; ok {
		return true
	}
	return indexByID(q.immediate, id) >= 0 || indexByID(q.normal, id) >= 0
}

func (q *Queue) pushFrontLocked(lane request.Priority, item QueuedRequest) {
	if lane == request.PriorityImmediate {
		q.immediate = append([]QueuedRequest{item}, q.immediate...)
		return
	}
	q.normal = append([]QueuedRequest{item}, q.normal...)
	q.enforceCapacityLocked()
}

// enforceCapacityLocked evicts the oldest normal-lane entries by CreatedAt
// until the lane fits. Ties go to the entry nearest the front.
func (q *Queue) enforceCapacityLocked() {
	if q.maxQueueSize <= 0 {
		return
	}
	for len(q.normal) > q.maxQueueSize {
		oldest := 0
		for i := 1; i < len(q.normal); i++ {
			if q.normal[i].CreatedAt.Before(q.normal[oldest].CreatedAt) {
				oldest = i
			}
		}
		q.normal = append(q.normal[:oldest], q.normal[oldest+1:]...)
		q.evictions[evictionReasonDropOldest]++
	}
}

func (q *Queue) inFlightSortedLocked() []inFlightEntry {
	out := make([]inFlightEntry, 0, len(q.inFlight))
	for _, e := range q.inFlight {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func indexByID(lane []QueuedRequest, id string) int {
	for i := range lane {
		if lane[i].ID() == id {
			return i
		}
	}
	return -1
}

func removeByID(lane []QueuedRequest, id string) []QueuedRequest {
	if i := indexByID(lane, id); i >= 0 {
		return append(lane[:i], lane[i+1:]...)
	}
	return lane
}

// Timestamps are kept at millisecond precision, the resolution snapshots
// store. Deadlines round up so a restored request never becomes eligible
// early.
func truncMilli(t time.Time) time.Time {
	if r := t.Truncate(time.Millisecond); !r.Equal(t) {
		return r
	}
	return t
}

func ceilMilli(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	if r := t.Truncate(time.Millisecond); !r.Equal(t) {
		return r.Add(time.Millisecond)
	}
	return t
}
