// Package metrics is the coordinator's ExecutionMetrics counter set
// (§3.1, §6.1): tasks_submitted, tasks_completed, tasks_failed,
// steps_total, mcp_calls_total, llm_calls_total, agent_calls_total.
// Instruments are otel/metric counters, adapted from telemetry/metrics.go's
// MetricInstruments cache, but collected through an in-process
// sdkmetric.ManualReader rather than pushed to a periodic OTLP exporter —
// /admin/metrics is a pull surface, so the reader is Collect()-ed
// synchronously on each request instead of exporting on a timer.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Registry holds the coordinator's counter instruments. A nil *Registry is
// safe to call methods on (no-op), so components can be built without one
// wired in without adding nil checks at every call site.
type Registry struct {
	reader *sdkmetric.ManualReader

	tasksSubmitted  metric.Int64Counter
	tasksCompleted  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	stepsTotal      metric.Int64Counter
	mcpCallsTotal   metric.Int64Counter
	llmCallsTotal   metric.Int64Counter
	agentCallsTotal metric.Int64Counter
}

// New builds a Registry backed by its own isolated MeterProvider — the
// coordinator has no push-based metrics exporter configured, so this
// provider exists solely to give the manual reader something to collect
// from.
func New() *Registry {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("agentcoord")

	r := &Registry{reader: reader}
	r.tasksSubmitted, _ = meter.Int64Counter("tasks_submitted")
	r.tasksCompleted, _ = meter.Int64Counter("tasks_completed")
	r.tasksFailed, _ = meter.Int64Counter("tasks_failed")
	r.stepsTotal, _ = meter.Int64Counter("steps_total")
	r.mcpCallsTotal, _ = meter.Int64Counter("mcp_calls_total")
	r.llmCallsTotal, _ = meter.Int64Counter("llm_calls_total")
	r.agentCallsTotal, _ = meter.Int64Counter("agent_calls_total")
	return r
}

func (r *Registry) TaskSubmitted(ctx context.Context) {
	if r == nil {
		return
	}
	r.tasksSubmitted.Add(ctx, 1)
}

func (r *Registry) TaskCompleted(ctx context.Context) {
	if r == nil {
		return
	}
	r.tasksCompleted.Add(ctx, 1)
}

func (r *Registry) TaskFailed(ctx context.Context) {
	if r == nil {
		return
	}
	r.tasksFailed.Add(ctx, 1)
}

func (r *Registry) StepRecorded(ctx context.Context, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.stepsTotal.Add(ctx, int64(n))
}

func (r *Registry) MCPCall(ctx context.Context) {
	if r == nil {
		return
	}
	r.mcpCallsTotal.Add(ctx, 1)
}

func (r *Registry) LLMCall(ctx context.Context) {
	if r == nil {
		return
	}
	r.llmCallsTotal.Add(ctx, 1)
}

func (r *Registry) AgentCall(ctx context.Context) {
	if r == nil {
		return
	}
	r.agentCallsTotal.Add(ctx, 1)
}

// Snapshot collects every instrument's current accumulated value into a
// flat name->value map, used by /admin/metrics for both its JSON and
// Prometheus-text renderings.
func (r *Registry) Snapshot(ctx context.Context) map[string]float64 {
	if r == nil {
		return map[string]float64{}
	}
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return map[string]float64{}
	}
	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				out[m.Name] = float64(total)
			}
		}
	}
	return out
}
