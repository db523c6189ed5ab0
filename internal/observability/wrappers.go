package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/invoker"
)

// NodeResolver maps hierarchy node IDs to agent names so node calls are
// labelled by the agent that served them.
type NodeResolver interface {
	AgentFor(nodeID string) (string, bool)
}

// InstrumentedInvoker wraps an invoker.Invoker with metrics, tracing and
// anomaly detection.
type InstrumentedInvoker struct {
	inner   invoker.Invoker
	nodes   NodeResolver
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedInvoker wraps inv. Any of nodes, metrics, ts or anomaly
// may be nil.
func NewInstrumentedInvoker(inv invoker.Invoker, nodes NodeResolver, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedInvoker {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedInvoker{
		inner:   inv,
		nodes:   nodes,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (i *InstrumentedInvoker) Call(ctx context.Context, agent, message string) (*invoker.Response, error) {
	return i.observe(ctx, "agent.call", agent, func(ctx context.Context) (*invoker.Response, error) {
		return i.inner.Call(ctx, agent, message)
	})
}

func (i *InstrumentedInvoker) CallNode(ctx context.Context, nodeID, message string) (*invoker.Response, error) {
	agent := nodeID
	if i.nodes != nil {
		if name, ok := i.nodes.AgentFor(nodeID); ok {
			agent = name
		}
	}
	return i.observe(ctx, "agent.call_node", agent, func(ctx context.Context) (*invoker.Response, error) {
		return i.inner.CallNode(ctx, nodeID, message)
	})
}

func (i *InstrumentedInvoker) observe(ctx context.Context, spanName, agent string, call func(context.Context) (*invoker.Response, error)) (*invoker.Response, error) {
	if i.tracer != nil {
		var span trace.Span
		ctx, span = i.tracer.Start(ctx, spanName,
			trace.WithAttributes(attribute.String("agent.name", agent)))
		defer span.End()
	}

	start := time.Now()
	resp, err := call(ctx)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if i.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if i.metrics != nil {
		i.metrics.AgentCallsTotal.WithLabelValues(agent, status).Inc()
		i.metrics.AgentCallDuration.WithLabelValues(agent).Observe(duration)
		if resp != nil && resp.TokensUsed > 0 {
			i.metrics.AgentTokensUsed.WithLabelValues(agent).Add(float64(resp.TokensUsed))
		}
	}

	if err != nil {
		i.anomaly.RecordError(agent)
	} else {
		i.anomaly.RecordSuccess(agent)
	}

	return resp, err
}
