// ABOUTME: In-process broker for document state-change notifications
// ABOUTME: Snapshot-first delivery, non-blocking fan-out with drop counting

package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gomaslegal/lexengine/internal/logger"
	"github.com/gomaslegal/lexengine/internal/metrics"
	"github.com/gomaslegal/lexengine/pkg/document"
)

// SnapshotSource produces the current state of every live document,
// sent to new subscribers before any incremental event.
type SnapshotSource func() ([]document.Snapshot, error)

// Subscription is one consumer's event feed. Events arrives closed
// after Unsubscribe.
type Subscription struct {
	ID     string
	Events <-chan document.Snapshot

	ch chan document.Snapshot
}

// Notifier fans document state changes out to subscribers. Publishing
// never blocks: a subscriber that stops draining loses events, counted
// per subscriber, rather than stalling the pipeline.
type Notifier struct {
	source  SnapshotSource
	log     *logger.Logger
	metrics *metrics.Metrics
	buffer  int

	mu      sync.Mutex
	subs    map[string]*Subscription
	dropped map[string]int64
	closed  bool
}

// New builds a notifier. buffer is each subscriber's channel depth;
// values below 1 become 16.
func New(source SnapshotSource, log *logger.Logger, m *metrics.Metrics, buffer int) *Notifier {
	if buffer < 1 {
		buffer = 16
	}
	return &Notifier{
		source:  source,
		log:     log.Component("notify"),
		metrics: m,
		buffer:  buffer,
		subs:    make(map[string]*Subscription),
		dropped: make(map[string]int64),
	}
}

// Subscribe registers a consumer. The current snapshot of every live
// document is queued first, so the consumer starts from a complete
// picture and then receives increments.
func (n *Notifier) Subscribe() (*Subscription, error) {
	snaps, err := n.source()
	if err != nil {
		return nil, err
	}

	ch := make(chan document.Snapshot, n.buffer+len(snaps))
	sub := &Subscription{ID: uuid.NewString(), Events: ch, ch: ch}
	for _, s := range snaps {
		ch <- s
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return sub, nil
	}
	n.subs[sub.ID] = sub
	n.metrics.Subscribers.Inc()
	n.log.Debug().Str("subscriber", sub.ID).Int("snapshot", len(snaps)).Msg("Subscriber attached")
	return sub, nil
}

// Unsubscribe detaches a consumer and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.subs[id]
	if !ok {
		return
	}
	delete(n.subs, id)
	close(sub.ch)
	n.metrics.Subscribers.Dec()
	if d := n.dropped[id]; d > 0 {
		n.log.Warn().Str("subscriber", id).Int64("dropped", d).Msg("Subscriber detached after drops")
		delete(n.dropped, id)
	}
}

// Publish sends one state change to every subscriber.
func (n *Notifier) Publish(docID string, state document.State, filename, docType string) {
	snap := document.Snapshot{
		DocumentID: docID,
		State:      state,
		Filename:   filename,
		Type:       docType,
		Timestamp:  time.Now().UTC(),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for id, sub := range n.subs {
		select {
		case sub.ch <- snap:
			n.metrics.NotificationsSent.Inc()
		default:
			n.dropped[id]++
			n.metrics.NotificationsDropped.Inc()
		}
	}
}

// Dropped returns how many events a subscriber has lost so far.
func (n *Notifier) Dropped(id string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped[id]
}

// Close detaches every subscriber. Further publishes are no-ops.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, sub := range n.subs {
		close(sub.ch)
		delete(n.subs, id)
		n.metrics.Subscribers.Dec()
	}
}
