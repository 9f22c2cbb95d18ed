package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Governance attribute keys.
var (
	AttrAgentID     = attribute.Key("agentgov.agent.id")
	AttrWorkspaceID = attribute.Key("agentgov.workspace.id")
	AttrDecision    = attribute.Key("decision")
	AttrCode        = attribute.Key("code")
	AttrResult      = attribute.Key("result")
	AttrStatus      = attribute.Key("status")
)

// Metrics holds the governance instruments. A nil *Metrics records nothing.
type Metrics struct {
	admissions          metric.Int64Counter
	admissionDuration   metric.Float64Histogram
	promotions          metric.Int64Counter
	transitions         metric.Int64Counter
	auditPersistFailure metric.Int64Counter
	auditDropped        metric.Int64Counter
}

// NewMetrics registers the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.admissions, err = meter.Int64Counter("agentgov.admission.decisions",
		metric.WithDescription("Admission decisions by outcome and first error code"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if m.admissionDuration, err = meter.Float64Histogram("agentgov.admission.duration",
		metric.WithDescription("Admission chain latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	); err != nil {
		return nil, err
	}
	if m.promotions, err = meter.Int64Counter("agentgov.promotions",
		metric.WithDescription("Promotion attempts by result"),
		metric.WithUnit("{promotion}"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("agentgov.revalidation.transitions",
		metric.WithDescription("Governed agents moved out of GOVERNED_VALID by revalidation"),
		metric.WithUnit("{agent}"),
	); err != nil {
		return nil, err
	}
	if m.auditPersistFailure, err = meter.Int64Counter("agentgov.audit.persist_failures",
		metric.WithDescription("Audit events that failed to reach durable storage"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.auditDropped, err = meter.Int64Counter("agentgov.audit.dropped",
		metric.WithDescription("Audit events dropped because the persistence queue was full"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordAdmission counts one chain decision. code is empty on allow.
func (m *Metrics) RecordAdmission(ctx context.Context, decision, code string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrDecision.String(decision), AttrCode.String(code))
	m.admissions.Add(ctx, 1, attrs)
	m.admissionDuration.Record(ctx, seconds, metric.WithAttributes(AttrDecision.String(decision)))
}

// RecordPromotion counts one promotion attempt: "allowed", "denied" or "error".
func (m *Metrics) RecordPromotion(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.promotions.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
}

// RecordTransition counts one revalidation status change.
func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(to)))
}

// RecordAuditPersistFailure counts one event lost on the durable path.
func (m *Metrics) RecordAuditPersistFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.auditPersistFailure.Add(ctx, 1)
}

// RecordAuditDropped counts one event dropped at enqueue.
func (m *Metrics) RecordAuditDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.auditDropped.Add(ctx, 1)
}
