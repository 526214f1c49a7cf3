package runtimecore

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mekann2904/mekann-sub020/pkg/capacity"
)

// metrics wires both a Prometheus registry and an OTel observable gauge
// over the same Capacity snapshot rather than choosing one.
type metrics struct {
	activeRequests prometheus.Gauge
	activeLLM      prometheus.Gauge
	pendingTotal   prometheus.Gauge
	breakerOpen    prometheus.Gauge
	adaptivePenalty prometheus.Gauge

	otelGauge metric.Float64ObservableGauge
}

func newMetrics(registry prometheus.Registerer, meter metric.Meter, core *Core) (*metrics, error) {
	m := &metrics{
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runtime_core", Name: "active_requests", Help: "currently admitted requests",
		}),
		activeLLM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runtime_core", Name: "active_llm", Help: "currently admitted LLM calls",
		}),
		pendingTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runtime_core", Name: "pending_total", Help: "queued reservations awaiting admission",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runtime_core", Name: "breaker_open", Help: "1 if the default circuit breaker key is open",
		}),
		adaptivePenalty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runtime_core", Name: "adaptive_penalty", Help: "current adaptive penalty for the default key",
		}),
	}

	for _, c := range []prometheus.Collector{m.activeRequests, m.activeLLM, m.pendingTotal, m.breakerOpen, m.adaptivePenalty} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	gauge, err := meter.Float64ObservableGauge(
		"runtime_core.capacity.depth",
		metric.WithDescription("capacity and queue depth, sampled from the Capacity snapshot"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			snap := core.Scheduler.Snapshot()
			o.Observe(float64(snap.ActiveRequests), metric.WithAttributes())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	m.otelGauge = gauge
	return m, nil
}

// sample pushes a fresh Capacity snapshot into the Prometheus gauges.
// Called on every capacity-event notification (edge-triggered, not polled).
func (m *metrics) sample(snap capacity.Snapshot) {
	m.activeRequests.Set(float64(snap.ActiveRequests))
	m.activeLLM.Set(float64(snap.ActiveLLM))
	m.pendingTotal.Set(float64(snap.PendingRequests + snap.PendingLLM))
}
