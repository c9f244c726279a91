// Package metrics exposes Prometheus instrumentation for the TSI broker.
//
// Endpoint: GET /metrics (configurable bind address).
// All metrics are registered on a dedicated prometheus.Registry, not the
// default global registry, to avoid collisions with other instrumented
// libraries in the same process.
//
// Metric naming convention: tsi_<subsystem>_<name>_<unit>.
//
// Cardinality control: batch job states and verb names are low-cardinality
// label sets; user names and job IDs are never used as labels.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor for the broker.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Shepherd / workers ──────────────────────────────────────────────

	// WorkersActive is the current number of live worker processes.
	WorkersActive prometheus.Gauge

	// WorkersForkedTotal counts worker processes forked since startup.
	WorkersForkedTotal prometheus.Counter

	// ConnectionsAcceptedTotal counts accepted shepherd connections.
	// Labels: result (authorized, dn_rejected, ip_rejected)
	ConnectionsAcceptedTotal *prometheus.CounterVec

	// ─── Identity ────────────────────────────────────────────────────────

	// IdentitySwitchesTotal counts Become() calls.
	// Labels: result (ok, failed)
	IdentitySwitchesTotal *prometheus.CounterVec

	// UserCacheLookupsTotal counts identity cache lookups.
	// Labels: kind (user, group), result (hit, miss)
	UserCacheLookupsTotal *prometheus.CounterVec

	// ─── Command dispatch ────────────────────────────────────────────────

	// CommandsDispatchedTotal counts dispatched command verbs.
	// Labels: verb, result (ok, failed)
	CommandsDispatchedTotal *prometheus.CounterVec

	// CommandLatency records dispatch-to-response latency in seconds.
	// Labels: verb
	CommandLatency *prometheus.HistogramVec

	// ─── Batch system ────────────────────────────────────────────────────

	// BatchSubmissionsTotal counts batch job submissions.
	// Labels: variant, result (ok, failed)
	BatchSubmissionsTotal *prometheus.CounterVec

	// BatchJobsTracked is the current number of jobs the broker has
	// observed via qstat/status polling since startup.
	BatchJobsTracked prometheus.Gauge

	// ─── Forwarding ──────────────────────────────────────────────────────

	// ForwardBytesTotal counts bytes copied by forwarding workers.
	// Labels: direction (upstream, downstream)
	ForwardBytesTotal *prometheus.CounterVec

	// ForwardRateLimitSleeps counts times a forwarding worker slept to
	// respect port_forwarding_rate_limit.
	ForwardRateLimitSleeps prometheus.Counter

	// ─── UFTP ────────────────────────────────────────────────────────────

	// UFTPTransfersTotal counts UFTP GET/PUT invocations.
	// Labels: direction (get, put), result (ok, failed)
	UFTPTransfersTotal *prometheus.CounterVec

	// ─── Audit ───────────────────────────────────────────────────────────

	// AuditWriteLatency records bbolt audit-append latency in seconds.
	AuditWriteLatency prometheus.Histogram

	// AuditEntries is the current number of entries in the audit ledger.
	AuditEntries prometheus.Gauge

	BrokerUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// New builds and registers all metrics on a fresh, dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg, startTime: time.Now()}

	m.WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsi", Subsystem: "shepherd", Name: "workers_active",
		Help: "Current number of live worker processes.",
	})
	m.WorkersForkedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "shepherd", Name: "workers_forked_total",
		Help: "Worker processes forked since startup.",
	})
	m.ConnectionsAcceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "shepherd", Name: "connections_accepted_total",
		Help: "Accepted shepherd connections by gate result.",
	}, []string{"result"})

	m.IdentitySwitchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "identity", Name: "switches_total",
		Help: "Identity Become() calls by result.",
	}, []string{"result"})
	m.UserCacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "identity", Name: "cache_lookups_total",
		Help: "User/group cache lookups by kind and result.",
	}, []string{"kind", "result"})

	m.CommandsDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "dispatch", Name: "commands_total",
		Help: "Dispatched command verbs by result.",
	}, []string{"verb", "result"})
	m.CommandLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tsi", Subsystem: "dispatch", Name: "command_latency_seconds",
		Help: "Command dispatch latency in seconds.", Buckets: prometheus.DefBuckets,
	}, []string{"verb"})

	m.BatchSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "batch", Name: "submissions_total",
		Help: "Batch job submissions by variant and result.",
	}, []string{"variant", "result"})
	m.BatchJobsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsi", Subsystem: "batch", Name: "jobs_tracked",
		Help: "Number of jobs observed via status polling since startup.",
	})

	m.ForwardBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "forward", Name: "bytes_total",
		Help: "Bytes copied by forwarding workers by direction.",
	}, []string{"direction"})
	m.ForwardRateLimitSleeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "forward", Name: "rate_limit_sleeps_total",
		Help: "Times a forwarding worker slept to respect the rate limit.",
	})

	m.UFTPTransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsi", Subsystem: "uftp", Name: "transfers_total",
		Help: "UFTP transfers by direction and result.",
	}, []string{"direction", "result"})

	m.AuditWriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tsi", Subsystem: "audit", Name: "write_latency_seconds",
		Help: "BoltDB audit-append latency in seconds.", Buckets: prometheus.DefBuckets,
	})
	m.AuditEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsi", Subsystem: "audit", Name: "entries",
		Help: "Current number of entries in the audit ledger.",
	})

	m.BrokerUptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsi", Subsystem: "broker", Name: "uptime_seconds",
		Help: "Seconds since the broker started.",
	})

	reg.MustRegister(
		m.WorkersActive, m.WorkersForkedTotal, m.ConnectionsAcceptedTotal,
		m.IdentitySwitchesTotal, m.UserCacheLookupsTotal,
		m.CommandsDispatchedTotal, m.CommandLatency,
		m.BatchSubmissionsTotal, m.BatchJobsTracked,
		m.ForwardBytesTotal, m.ForwardRateLimitSleeps,
		m.UFTPTransfersTotal,
		m.AuditWriteLatency, m.AuditEntries,
		m.BrokerUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.BrokerUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
