package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

// subscriber is one push connection for a session. send is closed when the
// hub drops it.
type subscriber struct {
	sessionID string
	send      chan []byte
}

// HubMetrics instruments a Hub. A nil *HubMetrics records nothing.
type HubMetrics struct {
	Subscribers prometheus.Gauge
	Published   prometheus.Counter
	Dropped     prometheus.Counter
}

func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	f := promauto.With(reg)
	return &HubMetrics{
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_hub_subscribers",
			Help: "Push connections currently subscribed",
		}),
		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_hub_published_total",
			Help: "Payloads published to the hub",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_hub_slow_subscribers_total",
			Help: "Subscribers disconnected for falling behind",
		}),
	}
}

// Hub fans payloads out to the subscribers of each session. Subscribers that
// cannot keep up are disconnected rather than allowed to stall the others.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]bool
	logger *zap.Logger
	m      *HubMetrics
}

func NewHub(logger *zap.Logger, m *HubMetrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]map[*subscriber]bool),
		logger: logger,
		m:      m,
	}
}

func (h *Hub) Subscribe(sessionID string) *subscriber {
	sub := &subscriber{sessionID: sessionID, send: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[*subscriber]bool)
		h.topics[sessionID] = subs
	}
	subs[sub] = true
	h.setGaugeLocked()
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	subs, ok := h.topics[sub.sessionID]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.sessionID)
	}
	close(sub.send)
	h.setGaugeLocked()
}

func (h *Hub) setGaugeLocked() {
	if h.m == nil {
		return
	}
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	h.m.Subscribers.Set(float64(n))
}

// Publish queues payload for every subscriber of sessionID and returns how
// many accepted it.
func (h *Hub) Publish(sessionID string, payload []byte) int {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.topics[sessionID]))
	for sub := range h.topics[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if h.m != nil {
		h.m.Published.Inc()
	}

	delivered := 0
	for _, sub := range subs {
		if h.offer(sub, payload) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) offer(sub *subscriber, payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Unsubscribed since the snapshot was taken.
	if !h.topics[sub.sessionID][sub] {
		return false
	}
	select {
	case sub.send <- payload:
		return true
	default:
		h.logger.Warn("subscriber too slow, disconnecting", zap.String("session_id", sub.sessionID))
		if h.m != nil {
			h.m.Dropped.Inc()
		}
		h.removeLocked(sub)
		return false
	}
}

// Subscribers returns the number of subscribers of sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[sessionID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.topics {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
}
