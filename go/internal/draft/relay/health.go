package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	ChangesPublished  uint64    `json:"changes_published"`
	LastPublished     time.Time `json:"last_published"`
	PendingChanges    int64     `json:"pending_changes"`
	DeadChanges       int64     `json:"dead_changes"`
	OldestPending     time.Time `json:"oldest_pending,omitempty"`
	DatabaseConnected bool      `json:"database_connected"`
	NATSConnected     bool      `json:"nats_connected"`
	ListenerActive    bool      `json:"listener_active"`
	Errors            []string  `json:"errors"`
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type BacklogCounter interface {
	CountBacklog(ctx context.Context, maxAttempts int32) (Backlog, error)
}

// ConnStatus is satisfied by *nats.Conn.
type ConnStatus interface {
	IsConnected() bool
}

// Health checks the relay and its dependencies.
type Health struct {
	relay     *Relay
	db        Pinger
	backlog   BacklogCounter
	nats      ConnStatus
	counters  *Counters
	clock     clockwork.Clock
	threshold time.Duration // how long pending changes may wait before unhealthy
}

func NewHealth(relay *Relay, db Pinger, backlog BacklogCounter, nats ConnStatus, counters *Counters, threshold time.Duration) *Health {
	return &Health{
		relay:     relay,
		db:        db,
		backlog:   backlog,
		nats:      nats,
		counters:  counters,
		clock:     relay.clock,
		threshold: threshold,
	}
}

func (h *Health) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, Errors: []string{}}
	status.ChangesPublished, status.LastPublished = h.relay.Stats()

	if err := h.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if h.nats != nil {
		status.NATSConnected = h.nats.IsConnected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	status.ListenerActive = h.relay.Running()
	if !status.ListenerActive {
		status.Healthy = false
		status.Errors = append(status.Errors, "listener not active")
	}

	if status.DatabaseConnected {
		b, err := h.backlog.CountBacklog(ctx, h.relay.cfg.MaxAttempts)
		if err != nil {
			status.Errors = append(status.Errors, err.Error())
		} else {
			status.PendingChanges = b.Pending
			status.DeadChanges = b.Dead
			if b.OldestUnsent.Valid {
				status.OldestPending = b.OldestUnsent.Time
				if age := h.clock.Since(b.OldestUnsent.Time); age > h.threshold {
					status.Healthy = false
					status.Errors = append(status.Errors, fmt.Sprintf("oldest pending change is %s old", age.Round(time.Second)))
				}
			}
			if b.Dead > 0 {
				status.Errors = append(status.Errors, fmt.Sprintf("%d changes exhausted their attempts", b.Dead))
			}
		}
	}
	return status
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// MetricsHandler serves the health status, the relay counters and the Go
// runtime metrics from a dedicated registry.
func (h *Health) MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		healthCollector{h},
	)
	if h.counters != nil {
		reg.MustRegister(h.counters)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

var (
	healthyDesc   = prometheus.NewDesc("relay_healthy", "Whether the relay is healthy", nil, nil)
	pendingDesc   = prometheus.NewDesc("relay_pending_changes", "Unsent changes still being retried", nil, nil)
	deadDesc      = prometheus.NewDesc("relay_dead_changes", "Unsent changes that exhausted their attempts", nil, nil)
	dbDesc        = prometheus.NewDesc("relay_database_connected", "Whether the database is reachable", nil, nil)
	natsDesc      = prometheus.NewDesc("relay_nats_connected", "Whether NATS is connected", nil, nil)
	listenerDesc  = prometheus.NewDesc("relay_listener_active", "Whether the relay loop is running", nil, nil)
	lastPubDesc   = prometheus.NewDesc("relay_last_published_timestamp_seconds", "Unix time of the last publish", nil, nil)
	publishedDesc = prometheus.NewDesc("relay_published_total", "Changes published since start", nil, nil)
)

// healthCollector runs one health check per scrape.
type healthCollector struct{ h *Health }

func (c healthCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{healthyDesc, pendingDesc, deadDesc, dbDesc, natsDesc, listenerDesc, lastPubDesc, publishedDesc} {
		ch <- d
	}
}

func (c healthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := c.h.Check(ctx)

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(healthyDesc, boolGauge(status.Healthy))
	gauge(pendingDesc, float64(status.PendingChanges))
	gauge(deadDesc, float64(status.DeadChanges))
	gauge(dbDesc, boolGauge(status.DatabaseConnected))
	gauge(natsDesc, boolGauge(status.NATSConnected))
	gauge(listenerDesc, boolGauge(status.ListenerActive))
	if !status.LastPublished.IsZero() {
		gauge(lastPubDesc, float64(status.LastPublished.Unix()))
	}
	ch <- prometheus.MustNewConstMetric(publishedDesc, prometheus.CounterValue, float64(status.ChangesPublished))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
