// Package broadcast fans job events out to live subscriptions.
//
// The Broadcaster keeps two indices, job -> subscriptions and
// subscription -> jobs, plus the last stateful event of every job so late
// subscribers start from a snapshot. Delivery never blocks: every
// subscription owns a bounded queue and a subscription whose queue is full is
// removed, the other subscriptions of the job are not affected.
//
// After a terminal event the job stays known for a grace period, then its
// snapshot and index entries are purged. Subscriptions attached with
// AutoClose are closed once they are left without jobs.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scania/scanhub/internal/metrics"
	"github.com/scania/scanhub/internal/model"
)

var (
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrClosed              = errors.New("broadcaster closed")
)

const (
	DefaultGrace     = 30 * time.Second
	DefaultQueueSize = 64
)

// Subscription is the receiving end of one live stream. Events is closed when
// the subscription is removed for any reason.
type Subscription struct {
	ID     string
	Caller string

	autoClose bool
	events    chan model.Event
	jobs      map[string]struct{}
}

func (s *Subscription) Events() <-chan model.Event { return s.events }

// AttachOptions tune a single subscription.
type AttachOptions struct {
	// AutoClose closes the subscription when its last job is purged.
	AutoClose bool
	// QueueSize overrides the broadcaster default.
	QueueSize int
}

type Stats struct {
	Subscriptions int
	Jobs          int
	Snapshots     int
	Dropped       uint64
}

type Broadcaster struct {
	grace     time.Duration
	queueSize int
	metrics   *metrics.Metrics
	now       func() time.Time

	mx        sync.Mutex
	closed    bool
	subs      map[string]*Subscription
	byJob     map[string]map[string]*Subscription
	snapshots map[string]model.Event
	purges    map[string]*time.Timer
	dropped   uint64
}

type Option func(*Broadcaster)

func WithGrace(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.grace = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		grace:     DefaultGrace,
		queueSize: DefaultQueueSize,
		now:       func() time.Time { return time.Now().UTC() },
		subs:      make(map[string]*Subscription),
		byJob:     make(map[string]map[string]*Subscription),
		snapshots: make(map[string]model.Event),
		purges:    make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Attach registers a new subscription for caller. On a closed broadcaster the
// returned subscription is already closed.
func (b *Broadcaster) Attach(caller string, opts AttachOptions) *Subscription {
	size := opts.QueueSize
	if size <= 0 {
		size = b.queueSize
	}
	s := &Subscription{
		ID:        uuid.NewString(),
		Caller:    caller,
		autoClose: opts.AutoClose,
		events:    make(chan model.Event, size),
		jobs:      make(map[string]struct{}),
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		close(s.events)
		return s
	}
	b.subs[s.ID] = s
	b.metrics.SetSubscriptions(len(b.subs))
	return s
}

// Subscribe adds jobID to the subscription and enqueues the job's snapshot
// if there is one. It reports whether a snapshot was delivered.
func (b *Broadcaster) Subscribe(subID, jobID string) (bool, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return false, ErrClosed
	}
	s, ok := b.subs[subID]
	if !ok {
		return false, ErrUnknownSubscription
	}
	s.jobs[jobID] = struct{}{}
	subs, ok := b.byJob[jobID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.byJob[jobID] = subs
	}
	subs[subID] = s

	snap, ok := b.snapshots[jobID]
	if !ok {
		return false, nil
	}
	if !b.send(s, snap) {
		b.remove(s, true)
		return false, nil
	}
	return true, nil
}

// Unsubscribe removes jobID from the subscription. The subscription stays
// attached.
func (b *Broadcaster) Unsubscribe(subID, jobID string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	s, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(s.jobs, jobID)
	b.unindex(jobID, subID)
}

// Detach removes the subscription and closes its queue. Unknown ids are ignored.
func (b *Broadcaster) Detach(subID string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if s, ok := b.subs[subID]; ok {
		b.remove(s, false)
	}
}

// Publish delivers ev to every subscription of jobID. Stateful events update
// the job snapshot, a terminal one schedules the purge. Once a job has a
// terminal snapshot, later non-terminal stateful events are discarded.
func (b *Broadcaster) Publish(jobID string, ev model.Event) {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}

	if ev.Stateful() {
		if prev, ok := b.snapshots[jobID]; ok && prev.Terminal() && !ev.Terminal() {
			slog.Debug("dropping event after terminal snapshot", "job_id", jobID, "type", ev.Type)
			return
		}
		b.snapshots[jobID] = ev
	}

	for _, s := range b.byJob[jobID] {
		if !b.send(s, ev) {
			b.remove(s, true)
		}
	}

	if ev.Terminal() {
		b.schedulePurge(jobID)
	}
}

// BroadcastAll delivers ev to every attached subscription.
func (b *Broadcaster) BroadcastAll(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !b.send(s, ev) {
			b.remove(s, true)
		}
	}
}

// Snapshot returns the last stateful event published for jobID.
func (b *Broadcaster) Snapshot(jobID string) (model.Event, bool) {
	b.mx.Lock()
	defer b.mx.Unlock()
	ev, ok := b.snapshots[jobID]
	return ev, ok
}

// Subscribers returns the number of subscriptions following jobID.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.byJob[jobID])
}

func (b *Broadcaster) Stats() Stats {
	b.mx.Lock()
	defer b.mx.Unlock()
	return Stats{
		Subscriptions: len(b.subs),
		Jobs:          len(b.byJob),
		Snapshots:     len(b.snapshots),
		Dropped:       b.dropped,
	}
}

// Close stops pending purges and closes every subscription. Later calls are
// no-ops.
func (b *Broadcaster) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, t := range b.purges {
		t.Stop()
		delete(b.purges, id)
	}
	for _, s := range b.subs {
		b.remove(s, false)
	}
	clear(b.snapshots)
}

func (b *Broadcaster) schedulePurge(jobID string) {
	if t, ok := b.purges[jobID]; ok {
		t.Stop()
	}
	b.purges[jobID] = time.AfterFunc(b.grace, func() { b.purge(jobID) })
}

func (b *Broadcaster) purge(jobID string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	delete(b.purges, jobID)
	delete(b.snapshots, jobID)
	for subID, s := range b.byJob[jobID] {
		delete(s.jobs, jobID)
		b.unindex(jobID, subID)
		if s.autoClose && len(s.jobs) == 0 {
			b.remove(s, false)
		}
	}
	delete(b.byJob, jobID)
}

// send must be called with mx held.
func (b *Broadcaster) send(s *Subscription, ev model.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// remove must be called with mx held.
func (b *Broadcaster) remove(s *Subscription, dropped bool) {
	if _, ok := b.subs[s.ID]; !ok {
		return
	}
	delete(b.subs, s.ID)
	for jobID := range s.jobs {
		b.unindex(jobID, s.ID)
	}
	clear(s.jobs)
	close(s.events)

	if dropped {
		b.dropped++
		b.metrics.SubscriptionDropped()
		slog.Warn("subscription dropped: queue full", "subscription_id", s.ID, "caller", s.Caller)
	}
	b.metrics.SetSubscriptions(len(b.subs))
}

func (b *Broadcaster) unindex(jobID, subID string) {
	subs, ok := b.byJob[jobID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.byJob, jobID)
	}
}
