package rendezvous

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	transfersCompleted metric.Int64Counter
	controlSent        metric.Int64Counter
	bulkPosted         metric.Int64Counter
	replenished        metric.Int64Counter
	fatalErrors        metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/rdvbench/rendezvous"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.transfersCompleted, "rdvbench.transfers.completed"},
		{&o.controlSent, "rdvbench.control.sent"},
		{&o.bulkPosted, "rdvbench.bulk.posted"},
		{&o.replenished, "rdvbench.receives.replenished"},
		{&o.fatalErrors, "rdvbench.fatal_errors"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// TransferCompleted records a finished transfer.
func (o *OTelMetrics) TransferCompleted(attrs map[string]string) {
	o.transfersCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRole)...))
}

// ControlMessageSent records a posted control message of the given kind.
func (o *OTelMetrics) ControlMessageSent(kind string, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.controlSent.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// BulkPosted records a posted one-sided operation.
func (o *OTelMetrics) BulkPosted(attrs map[string]string) {
	o.bulkPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelOperation)...))
}

// ReceivesReplenished records reposted control receives.
func (o *OTelMetrics) ReceivesReplenished(n int, attrs map[string]string) {
	o.replenished.Add(context.Background(), int64(n), metric.WithAttributes(otelAttrs(attrs)...))
}

// FatalError records a fatal engine error.
func (o *OTelMetrics) FatalError(class string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelClass, class))
	o.fatalErrors.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string, extra ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelVariant, attrs[labelVariant]),
		attribute.String(labelRank, attrs[labelRank]),
	}
	for _, key := range extra {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
