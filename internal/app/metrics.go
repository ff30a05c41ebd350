package app

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/courier/internal/processor"
	"github.com/nuetzliches/courier/internal/queue"
)

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	// Producer commands read from stdin
	commandsAcceptedTotal atomic.Int64
	commandsRejectedTotal atomic.Int64

	// Delivery counters
	deliveryAttemptTotal     atomic.Int64
	deliveryCompletedTotal   atomic.Int64
	deliveryRetryTotal       atomic.Int64
	deliveryRateLimitedTotal atomic.Int64
	deliveryHTTPErrorTotal   atomic.Int64
	deliveryDroppedTotal     atomic.Int64
	deliveryCanceledTotal    atomic.Int64

	dropMu       sync.Mutex
	dropByReason map[string]int64

	// Read on scrape.
	queueStats     func() queue.Stats
	processorState func() processor.State
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		dropByReason: make(map[string]int64),
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeCommand(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.commandsAcceptedTotal.Add(1)
		return
	}
	m.commandsRejectedTotal.Add(1)
}

// observeEvent is installed as the processor observer.
func (m *runtimeMetrics) observeEvent(ev processor.Event) {
	if m == nil {
		return
	}
	switch ev.Kind {
	case processor.EventStarted:
		m.deliveryAttemptTotal.Add(1)
	case processor.EventCompleted:
		m.deliveryCompletedTotal.Add(1)
	case processor.EventRetry:
		m.deliveryRetryTotal.Add(1)
	case processor.EventRateLimited:
		m.deliveryRateLimitedTotal.Add(1)
	case processor.EventHTTPError:
		m.deliveryHTTPErrorTotal.Add(1)
	case processor.EventCanceled:
		m.deliveryCanceledTotal.Add(1)
	case processor.EventDropped:
		m.deliveryDroppedTotal.Add(1)
		reason := ev.Reason
		if reason == "" {
			reason = "unknown"
		}
		m.dropMu.Lock()
		m.dropByReason[reason]++
		m.dropMu.Unlock()
	}
}

func (m *runtimeMetrics) dropSnapshot() map[string]int64 {
	m.dropMu.Lock()
	defer m.dropMu.Unlock()
	out := make(map[string]int64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		out[k] = v
	}
	return out
}

// snapshot reports the counters as nested maps of structpb-compatible
// values.
func (m *runtimeMetrics) snapshot() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	dropped := m.dropSnapshot()
	droppedAny := make(map[string]any, len(dropped))
	for reason, n := range dropped {
		droppedAny[reason] = n
	}
	return map[string]any{
		"tracing": map[string]any{
			"enabled":             m.tracingEnabled.Load() == 1,
			"init_failures_total": m.tracingInitFailuresTotal.Load(),
			"export_errors_total": m.tracingExportErrorsTotal.Load(),
		},
		"commands": map[string]any{
			"accepted_total": m.commandsAcceptedTotal.Load(),
			"rejected_total": m.commandsRejectedTotal.Load(),
		},
		"delivery": map[string]any{
			"attempt_total":      m.deliveryAttemptTotal.Load(),
			"completed_total":    m.deliveryCompletedTotal.Load(),
			"retry_total":        m.deliveryRetryTotal.Load(),
			"rate_limited_total": m.deliveryRateLimitedTotal.Load(),
			"http_error_total":   m.deliveryHTTPErrorTotal.Load(),
			"canceled_total":     m.deliveryCanceledTotal.Load(),
			"dropped_total":      m.deliveryDroppedTotal.Load(),
			"dropped_by_reason":  droppedAny,
		},
	}
}

var processorStates = []processor.State{processor.StateStopped, processor.StateRunning, processor.StatePaused}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if rm == nil {
			rm = newRuntimeMetrics()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprintf(w, "# HELP courier_up Whether the courier process is up.\n")
		_, _ = fmt.Fprintf(w, "# TYPE courier_up gauge\n")
		_, _ = fmt.Fprintf(w, "courier_up 1\n")
		_, _ = fmt.Fprintf(w, "# HELP courier_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE courier_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "courier_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP courier_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE courier_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "courier_start_time_seconds %d\n", start.Unix())

		writeGauge(w, "courier_tracing_enabled", "Whether tracing is enabled.", rm.tracingEnabled.Load())
		writeCounter(w, "courier_tracing_init_failures_total", "Total number of tracing initialization failures.", rm.tracingInitFailuresTotal.Load())
		writeCounter(w, "courier_tracing_export_errors_total", "Total number of tracing exporter errors reported by OpenTelemetry.", rm.tracingExportErrorsTotal.Load())
		writeCounter(w, "courier_commands_accepted_total", "Total number of producer commands accepted.", rm.commandsAcceptedTotal.Load())
		writeCounter(w, "courier_commands_rejected_total", "Total number of producer commands rejected.", rm.commandsRejectedTotal.Load())
		writeCounter(w, "courier_delivery_attempts_total", "Total number of send attempts.", rm.deliveryAttemptTotal.Load())
		writeCounter(w, "courier_delivery_completed_total", "Total number of requests sent successfully.", rm.deliveryCompletedTotal.Load())
		writeCounter(w, "courier_delivery_retry_total", "Total number of failed attempts scheduled for retry.", rm.deliveryRetryTotal.Load())
		writeCounter(w, "courier_delivery_rate_limited_total", "Total number of attempts answered with a backoff.", rm.deliveryRateLimitedTotal.Load())
		writeCounter(w, "courier_delivery_http_errors_total", "Total number of attempts answered with an HTTP error status.", rm.deliveryHTTPErrorTotal.Load())
		writeCounter(w, "courier_delivery_canceled_total", "Total number of attempts canceled and requeued.", rm.deliveryCanceledTotal.Load())
		writeCounter(w, "courier_delivery_dropped_total", "Total number of requests dropped.", rm.deliveryDroppedTotal.Load())

		dropped := rm.dropSnapshot()
		if len(dropped) > 0 {
			reasons := make([]string, 0, len(dropped))
			for reason := range dropped {
				reasons = append(reasons, reason)
			}
			sort.Strings(reasons)
			_, _ = fmt.Fprintf(w, "# HELP courier_delivery_dropped_by_reason_total Total number of dropped requests by reason.\n")
			_, _ = fmt.Fprintf(w, "# TYPE courier_delivery_dropped_by_reason_total counter\n")
			for _, reason := range reasons {
				_, _ = fmt.Fprintf(w, "courier_delivery_dropped_by_reason_total{reason=%q} %d\n", reason, dropped[reason])
			}
		}

		if rm.queueStats != nil {
			st := rm.queueStats()
			_, _ = fmt.Fprintf(w, "# HELP courier_queue_depth Current number of queued requests by lane.\n")
			_, _ = fmt.Fprintf(w, "# TYPE courier_queue_depth gauge\n")
			_, _ = fmt.Fprintf(w, "courier_queue_depth{lane=\"immediate\"} %d\n", st.Immediate)
			_, _ = fmt.Fprintf(w, "courier_queue_depth{lane=\"normal\"} %d\n", st.Normal)
			_, _ = fmt.Fprintf(w, "courier_queue_depth{lane=\"in_flight\"} %d\n", st.InFlight)
			writeGauge(w, "courier_queue_total", "Current number of requests held by the queue.", int64(st.Total))
			if !st.OldestCreatedAt.IsZero() {
				age := time.Since(st.OldestCreatedAt)
				if age < 0 {
					age = 0
				}
				_, _ = fmt.Fprintf(w, "# HELP courier_queue_oldest_age_seconds Age of the oldest queued request.\n")
				_, _ = fmt.Fprintf(w, "# TYPE courier_queue_oldest_age_seconds gauge\n")
				_, _ = fmt.Fprintf(w, "courier_queue_oldest_age_seconds %.3f\n", age.Seconds())
			}
			if len(st.EvictionsByReason) > 0 {
				reasons := make([]string, 0, len(st.EvictionsByReason))
				for reason := range st.EvictionsByReason {
					reasons = append(reasons, reason)
				}
				sort.Strings(reasons)
				_, _ = fmt.Fprintf(w, "# HELP courier_queue_evictions_total Total number of requests evicted from a full queue.\n")
				_, _ = fmt.Fprintf(w, "# TYPE courier_queue_evictions_total counter\n")
				for _, reason := range reasons {
					_, _ = fmt.Fprintf(w, "courier_queue_evictions_total{reason=%q} %d\n", reason, st.EvictionsByReason[reason])
				}
			}
		}

		if rm.processorState != nil {
			cur := rm.processorState()
			_, _ = fmt.Fprintf(w, "# HELP courier_processor_state Processor state, 1 for the current state.\n")
			_, _ = fmt.Fprintf(w, "# TYPE courier_processor_state gauge\n")
			for _, s := range processorStates {
				v := 0
				if s == cur {
					v = 1
				}
				_, _ = fmt.Fprintf(w, "courier_processor_state{state=%q} %d\n", string(s), v)
			}
		}
	})
}

func writeCounter(w http.ResponseWriter, name, help string, v int64) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
	_, _ = fmt.Fprintf(w, "%s %d\n", name, v)
}

func writeGauge(w http.ResponseWriter, name, help string, v int64) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	_, _ = fmt.Fprintf(w, "%s %d\n", name, v)
}
