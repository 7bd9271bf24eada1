package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/sessionflow/runtime"
)

// MetricsHandler translates session events into OpenTelemetry metrics:
// counters for node outcomes and retries, histograms for node and session
// durations.
type MetricsHandler struct {
	nodeExecutions  metric.Int64Counter
	nodeFailures    metric.Int64Counter
	nodeRetries     metric.Int64Counter
	nodeSkips       metric.Int64Counter
	nodeDuration    metric.Float64Histogram
	sessionDuration metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler whose instruments come from meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("sessionflow.node.executions",
		metric.WithDescription("Number of successful node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeFail, err := meter.Int64Counter("sessionflow.node.failures",
		metric.WithDescription("Number of terminal node failures"),
	)
	if err != nil {
		return nil, err
	}
	nodeRetry, err := meter.Int64Counter("sessionflow.node.retries",
		metric.WithDescription("Number of node retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	nodeSkip, err := meter.Int64Counter("sessionflow.node.skipped",
		metric.WithDescription("Number of skipped nodes"),
	)
	if err != nil {
		return nil, err
	}
	nodeDur, err := meter.Float64Histogram("sessionflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	sessionDur, err := meter.Float64Histogram("sessionflow.session.duration",
		metric.WithDescription("Duration of a session run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions:  nodeExec,
		nodeFailures:    nodeFail,
		nodeRetries:     nodeRetry,
		nodeSkips:       nodeSkip,
		nodeDuration:    nodeDur,
		sessionDuration: sessionDur,
	}, nil
}

// Handle records the metrics for one event.
// It has runtime.EventHandler shape.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	nodeAttrs := metric.WithAttributes(
		attribute.String("node_type", string(e.NodeType)),
		attribute.String("node_id", e.NodeID),
	)

	switch e.Kind {
	case runtime.EventNodeFinished:
		h.nodeExecutions.Add(ctx, 1, nodeAttrs)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), nodeAttrs)
	case runtime.EventNodeFailed:
		h.nodeFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("node_type", string(e.NodeType)),
			attribute.String("node_id", e.NodeID),
			attribute.String("error_type", payloadString(e, "error_type", "")),
		))
	case runtime.EventNodeRetry:
		h.nodeRetries.Add(ctx, 1, nodeAttrs)
	case runtime.EventNodeSkipped:
		h.nodeSkips.Add(ctx, 1, nodeAttrs)
	case runtime.EventSessionFinished:
		h.sessionDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("workflow_id", e.WorkflowID),
			attribute.String("status", payloadString(e, "status", "")),
		))
	}
}
