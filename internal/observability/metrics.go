// Package observability exports pipeline counters through OpenTelemetry and Prometheus.
package observability

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/SirClappington/dmq"

// InitMetrics installs a meter provider backed by a Prometheus exporter and returns the
// /metrics handler and the provider's shutdown func.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, errors.Wrap(err, "observability: prometheus exporter")
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.Handler(), provider.Shutdown, nil
}

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	jobs       metric.Int64Counter
	rateLimit  metric.Int64Counter
	webhooks   metric.Int64Counter
	integrity  metric.Int64Counter
	jobLatency metric.Float64Histogram
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error
	if m.jobs, err = meter.Int64Counter("dmq_jobs_finished_total",
		metric.WithDescription("Jobs finished by type and outcome")); err != nil {
		return nil, errors.Wrap(err, "observability: jobs counter")
	}
	if m.rateLimit, err = meter.Int64Counter("dmq_ratelimit_decisions_total",
		metric.WithDescription("Rate limiter decisions by resource and outcome")); err != nil {
		return nil, errors.Wrap(err, "observability: ratelimit counter")
	}
	if m.webhooks, err = meter.Int64Counter("dmq_webhook_events_total",
		metric.WithDescription("Webhook events by outcome")); err != nil {
		return nil, errors.Wrap(err, "observability: webhook counter")
	}
	if m.integrity, err = meter.Int64Counter("dmq_credential_integrity_failures_total",
		metric.WithDescription("Credential tag verification failures")); err != nil {
		return nil, errors.Wrap(err, "observability: integrity counter")
	}
	if m.jobLatency, err = meter.Float64Histogram("dmq_job_duration_seconds",
		metric.WithDescription("Processor run time"), metric.WithUnit("s")); err != nil {
		return nil, errors.Wrap(err, "observability: job histogram")
	}
	return m, nil
}

func (m *Metrics) JobFinished(ctx context.Context, jobType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", jobType), attribute.String("outcome", outcome))
	m.jobs.Add(ctx, 1, attrs)
	m.jobLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("type", jobType)))
}

func (m *Metrics) RateLimitDecision(ctx context.Context, resource, outcome string) {
	if m == nil {
		return
	}
	m.rateLimit.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource), attribute.String("outcome", outcome)))
}

func (m *Metrics) WebhookEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) IntegrityFailure(ctx context.Context, platform string) {
	if m == nil {
		return
	}
	m.integrity.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}
