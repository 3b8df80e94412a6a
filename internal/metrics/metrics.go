// Package metrics exports rule activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikiv/ghost/internal/rule"
)

// Metrics holds the collectors in a private registry.
type Metrics struct {
	registry *prometheus.Registry

	events   *prometheus.CounterVec
	running  *prometheus.GaugeVec
	duration *prometheus.HistogramVec

	mu      sync.Mutex
	started map[int]time.Time
}

// New registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghost_rule_events_total",
				Help: "Events emitted by a rule, by type.",
			},
			[]string{"rule", "type"},
		),
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ghost_rule_processes",
				Help: "Commands currently running for a rule.",
			},
			[]string{"rule"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ghost_command_duration_seconds",
				Help:    "Wall time of commands launched by a rule.",
				Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
			},
			[]string{"rule"},
		),
		started: make(map[int]time.Time),
	}
	m.registry.MustRegister(m.events, m.running, m.duration)
	return m
}

// Observe updates the collectors for one event. It is a rule.Handler.
func (m *Metrics) Observe(event rule.Event) {
	name := event.Name
	m.events.WithLabelValues(name, string(event.Type)).Inc()

	switch event.Type {
	case rule.EventExec:
		m.running.WithLabelValues(name).Inc()
		m.mu.Lock()
		m.started[event.PID] = event.Time
		m.mu.Unlock()
	case rule.EventExit:
		m.running.WithLabelValues(name).Dec()
		m.mu.Lock()
		startedAt, ok := m.started[event.PID]
		delete(m.started, event.PID)
		m.mu.Unlock()
		if ok {
			m.duration.WithLabelValues(name).Observe(event.Time.Sub(startedAt).Seconds())
		}
	}
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve listens on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
