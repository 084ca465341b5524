// Package eventbus implements an in-process publish/subscribe bus for
// operator dashboards and per-destination client listeners. Delivery
// is best-effort: a subscriber whose channel is full is dropped rather
// than allowed to stall a publisher.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/metrics"
)

// EventType names the kind of event carried by an Event.
type EventType string

const (
	EventPacketAvailable   EventType = "packet_available"
	EventPacketReceived    EventType = "packet_received"
	EventProcessingStarted EventType = "processing_started"
	EventProcessingComplete EventType = "processing_complete"
	EventNodelistAvailable EventType = "nodelist_available"
	EventAlertCreated      EventType = "alert_created"
	EventStatsUpdate       EventType = "stats_update"
)

// Event is one tagged record published to the bus. Fields not
// relevant to a given Type are left zero.
type Event struct {
	Type         EventType      `json:"type"`
	Filename     string         `json:"filename,omitempty"`
	Src          string         `json:"src,omitempty"`
	Dst          string         `json:"dst,omitempty"`
	RunID        int64          `json:"run_id,omitempty"`
	LeagueNumber string         `json:"league_number,omitempty"`
	Game         string         `json:"game,omitempty"`
	AlertID      int64          `json:"alert_id,omitempty"`
	Stats        map[string]any `json:"stats,omitempty"`
}

// subscriberBufSize bounds how far a slow subscriber can lag before
// its channel fills and it gets dropped on the next publish.
const subscriberBufSize = 64

type subscriber struct {
	id uint64
	ch chan Event
}

// Bus holds the dashboard channel's subscriber set and one
// per-destination subscriber set keyed on bbs_index hex string.
type Bus struct {
	logger *zap.Logger

	mu          sync.Mutex
	nextID      uint64
	dashboard   []subscriber
	perDest     map[string][]subscriber
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger:  logger,
		perDest: make(map[string][]subscriber),
	}
}

// SubscribeDashboard registers a new dashboard subscriber and returns
// its event channel plus an unsubscribe function.
func (b *Bus) SubscribeDashboard() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan Event, subscriberBufSize)}
	b.dashboard = append(b.dashboard, sub)
	return sub.ch, func() { b.removeDashboard(sub.id) }
}

// SubscribeDestination registers a listener for events addressed to a
// single bbs_index hex string (e.g. "01").
func (b *Bus) SubscribeDestination(destIdx string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan Event, subscriberBufSize)}
	b.perDest[destIdx] = append(b.perDest[destIdx], sub)
	return sub.ch, func() { b.removeDestination(destIdx, sub.id) }
}

// broadcastToDestinations reports whether ev has no single addressee
// and must reach every per-destination subscriber instead of just the
// one named by ev.Dst — nodelist availability applies to an entire
// league's membership, not one client.
func broadcastToDestinations(ev Event) bool {
	return ev.Type == EventNodelistAvailable
}

// Publish delivers ev to every dashboard subscriber, and additionally
// to per-destination subscribers whose key matches ev.Dst (when set),
// or to every per-destination subscriber for a broadcast-class event
// such as nodelist_available. Delivery is best-effort: a full
// subscriber channel is dropped silently and the publish continues.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	dashboard := append([]subscriber(nil), b.dashboard...)
	dest := map[string][]subscriber{}
	switch {
	case broadcastToDestinations(ev):
		for idx, subs := range b.perDest {
			dest[idx] = append([]subscriber(nil), subs...)
		}
	case ev.Dst != "":
		dest[ev.Dst] = append([]subscriber(nil), b.perDest[ev.Dst]...)
	}
	b.mu.Unlock()

	for _, sub := range dashboard {
		b.deliver(sub, ev, &b.dashboard)
	}
	for idx, subs := range dest {
		for _, sub := range subs {
			b.deliverDest(sub, ev, idx)
		}
	}
}

func (b *Bus) deliver(sub subscriber, ev Event, set *[]subscriber) {
	select {
	case sub.ch <- ev:
	default:
		metrics.EventBusDroppedTotal.WithLabelValues("dashboard").Inc()
		b.removeDashboard(sub.id)
		if b.logger != nil {
			b.logger.Warn("dropped slow dashboard subscriber", zap.Uint64("subscriber_id", sub.id))
		}
	}
}

func (b *Bus) deliverDest(sub subscriber, ev Event, destIdx string) {
	select {
	case sub.ch <- ev:
	default:
		metrics.EventBusDroppedTotal.WithLabelValues("destination").Inc()
		b.removeDestination(destIdx, sub.id)
		if b.logger != nil {
			b.logger.Warn("dropped slow destination subscriber",
				zap.Uint64("subscriber_id", sub.id), zap.String("dest_idx", destIdx))
		}
	}
}

func (b *Bus) removeDashboard(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dashboard = removeByID(b.dashboard, id)
}

func (b *Bus) removeDestination(destIdx string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perDest[destIdx] = removeByID(b.perDest[destIdx], id)
	if len(b.perDest[destIdx]) == 0 {
		delete(b.perDest, destIdx)
	}
}

func removeByID(subs []subscriber, id uint64) []subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// --- Convenience publishers used by other components ---

func (b *Bus) PublishPacketAvailable(filename, dest string) {
	b.Publish(Event{Type: EventPacketAvailable, Filename: filename, Dst: dest})
}

func (b *Bus) PublishPacketReceived(filename, src, dst string) {
	b.Publish(Event{Type: EventPacketReceived, Filename: filename, Src: src, Dst: dst})
}

func (b *Bus) PublishProcessingStarted() {
	b.Publish(Event{Type: EventProcessingStarted})
}

func (b *Bus) PublishProcessingComplete(runID int64) {
	b.Publish(Event{Type: EventProcessingComplete, RunID: runID})
}

func (b *Bus) PublishNodelistAvailable(leagueNumber, game string) {
	b.Publish(Event{Type: EventNodelistAvailable, LeagueNumber: leagueNumber, Game: game})
}

func (b *Bus) PublishAlertCreated(alertID int64) {
	b.Publish(Event{Type: EventAlertCreated, AlertID: alertID})
}

func (b *Bus) PublishStatsUpdate(stats map[string]any) {
	b.Publish(Event{Type: EventStatsUpdate, Stats: stats})
}
