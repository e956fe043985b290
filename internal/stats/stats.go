package stats

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ActiveConnections   = "rostra_active_connections"
	ActiveSubscriptions = "rostra_active_subscriptions"
	MessagesSent        = "rostra_messages_sent_total"
	BroadcastDelivered  = "rostra_broadcast_deliveries_total"
	BroadcastFailed     = "rostra_broadcast_failures_total"
	RateLimited         = "rostra_rate_limited_total"
	FrameErrors         = "rostra_frame_errors_total"
	CacheHits           = "rostra_unread_cache_hits_total"
	CacheMisses         = "rostra_unread_cache_misses_total"
	CacheErrors         = "rostra_unread_cache_errors_total"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Add(name string, delta int)
}

// StatsUpdater keeps named counters and gauges in a private prometheus
// registry. Updating a name that was never registered panics.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewStatsUpdater creates a new stats updater with the chat metrics and the
// Go runtime collectors registered.
func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	su.RegisterGauge(ActiveConnections, "Open websocket connections.")
	su.RegisterGauge(ActiveSubscriptions, "Room subscriptions held by open connections.")
	su.RegisterCounter(MessagesSent, "Messages persisted and broadcast.")
	su.RegisterCounter(BroadcastDelivered, "Events queued to a subscriber.")
	su.RegisterCounter(BroadcastFailed, "Events that could not be queued; the subscriber is reaped.")
	su.RegisterCounter(RateLimited, "Messages rejected by the per-user rate limit.")
	su.RegisterCounter(FrameErrors, "Inbound frames answered with an error event.")
	su.RegisterCounter(CacheHits, "Unread count reads served from the cache.")
	su.RegisterCounter(CacheMisses, "Unread count reads recomputed from the database.")
	su.RegisterCounter(CacheErrors, "Failed unread cache operations.")
}

func (su *StatsUpdater) RegisterCounter(name, help string) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	su.registry.MustRegister(c)

	su.mu.Lock()
	su.counters[name] = c
	su.mu.Unlock()
}

func (su *StatsUpdater) RegisterGauge(name, help string) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	su.registry.MustRegister(g)

	su.mu.Lock()
	su.gauges[name] = g
	su.mu.Unlock()
}

func (su *StatsUpdater) Incr(name string) {
	su.Add(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.Add(name, -1)
}

func (su *StatsUpdater) Add(name string, delta int) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if g, ok := su.gauges[name]; ok {
		g.Add(float64(delta))
		return
	}
	c, ok := su.counters[name]
	if !ok {
		panic("metric not found: " + name)
	}
	if delta < 0 {
		panic(fmt.Sprintf("counter %s cannot decrease", name))
	}
	c.Add(float64(delta))
}

// Handler serves the registry in the prometheus exposition format.
func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{Registry: su.registry})
}

// Gatherer exposes the registry for tests and embedding.
func (su *StatsUpdater) Gatherer() prometheus.Gatherer {
	return su.registry
}
