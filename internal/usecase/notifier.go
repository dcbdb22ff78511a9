package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	applogger "CandlePull/pkg/logger"
)

// Subscription receives candle-ready events matching its filter. C is closed
// when the subscription is cancelled or the notifier is closed.
type Subscription struct {
	C <-chan models.CandleReadyEvent

	id      uint64
	ch      chan models.CandleReadyEvent
	filter  []models.WatchKey
	dropped atomic.Int64
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(key models.WatchKey) bool {
	if len(s.filter) == 0 {
		return true
	}
	for _, f := range s.filter {
		if (f.Pair == "" || f.Pair == key.Pair) && (f.Timeframe == "" || f.Timeframe == key.Timeframe) {
			return true
		}
	}
	return false
}

// Notifier fans candle-ready events out to subscribers. Publish never blocks:
// a subscriber with a full buffer loses the event. Each candle key is announced
// at most once, and open times per (pair, timeframe) only move forward.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	seenMu sync.Mutex
	seen   map[models.WatchKey]time.Time

	buffer  int
	l       *applogger.Logger
	metrics domrepo.Metrics
	wg      sync.WaitGroup
}

func NewNotifier(buffer int, l *applogger.Logger, metrics domrepo.Metrics) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	if l == nil {
		l = applogger.Nop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Notifier{
		subs:    make(map[uint64]*Subscription),
		seen:    make(map[models.WatchKey]time.Time),
		buffer:  buffer,
		l:       l,
		metrics: metrics,
	}
}

// Subscribe registers a subscriber for keys. An empty key list, or a key with an
// empty Pair or Timeframe, acts as a wildcard. buffer <= 0 uses the default size.
func (n *Notifier) Subscribe(buffer int, keys ...models.WatchKey) *Subscription {
	if buffer <= 0 {
		buffer = n.buffer
	}
	ch := make(chan models.CandleReadyEvent, buffer)
	s := &Subscription{C: ch, ch: ch, filter: append([]models.WatchKey(nil), keys...)}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return s
	}
	n.nextID++
	s.id = n.nextID
	n.subs[s.id] = s
	return s
}

// Unsubscribe cancels s and closes its channel. Safe to call twice.
func (n *Notifier) Unsubscribe(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[s.id]; ok {
		delete(n.subs, s.id)
		close(s.ch)
	}
}

// Subscribers returns the number of active subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Publish announces ev and reports whether it was accepted. Duplicates and events
// not newer than the last announced open time for the key are rejected.
func (n *Notifier) Publish(ev models.CandleReadyEvent) bool {
	key := ev.Key()
	n.seenMu.Lock()
	last, ok := n.seen[key]
	if ok && !ev.OpenTime.After(last) {
		n.seenMu.Unlock()
		n.metrics.RecordNotification("dedup", "duplicate")
		return false
	}
	n.seen[key] = ev.OpenTime
	n.seenMu.Unlock()

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, s := range n.subs {
		if !s.matches(key) {
			continue
		}
		select {
		case s.ch <- ev:
			n.metrics.RecordNotification("subscriber", "queued")
		default:
			s.dropped.Add(1)
			n.metrics.RecordNotification("subscriber", "dropped")
			n.l.Warn("notifier subscriber buffer full, event dropped",
				applogger.String("key", key.String()),
				applogger.Time("open_time", ev.OpenTime),
				applogger.Int64("dropped_total", s.dropped.Load()),
			)
		}
	}
	return true
}

// Attach drains a new subscription into sink until ctx is done or the notifier
// is closed. Delivery errors are logged and counted; they never reach Publish.
func (n *Notifier) Attach(ctx context.Context, sink domrepo.EventSink, timeout time.Duration, keys ...models.WatchKey) *Subscription {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := n.Subscribe(0, keys...)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				n.Unsubscribe(s)
				return
			case ev, ok := <-s.C:
				if !ok {
					return
				}
				n.deliver(ctx, sink, ev, timeout)
			}
		}
	}()
	n.l.Info("notifier sink attached", applogger.String("sink", sink.Name()))
	return s
}

func (n *Notifier) deliver(ctx context.Context, sink domrepo.EventSink, ev models.CandleReadyEvent, timeout time.Duration) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			n.metrics.RecordNotification(sink.Name(), "error")
			n.l.Error("notifier sink panic", applogger.String("sink", sink.Name()), applogger.Any("panic", r))
		}
	}()
	if err := sink.Deliver(dctx, ev); err != nil {
		n.metrics.RecordNotification(sink.Name(), "error")
		n.l.Error("notifier sink delivery failed",
			applogger.String("sink", sink.Name()),
			applogger.String("key", ev.Key().String()),
			applogger.Time("open_time", ev.OpenTime),
			applogger.Error(err),
		)
		return
	}
	n.metrics.RecordNotification(sink.Name(), "delivered")
}

// Close cancels every subscription and waits for attached sinks to drain what
// they already received.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		for id, s := range n.subs {
			delete(n.subs, id)
			close(s.ch)
		}
	}
	n.mu.Unlock()
	n.wg.Wait()
}
