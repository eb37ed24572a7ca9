package rendezvous

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	transfersCompleted *prometheus.CounterVec
	controlSent        *prometheus.CounterVec
	bulkPosted         *prometheus.CounterVec
	replenished        *prometheus.CounterVec
	fatalErrors        *prometheus.CounterVec
}

var (
	baseLabelKeys     = []string{labelVariant, labelRank}
	transferLabelKeys = []string{labelVariant, labelRank, labelRole}
	controlLabelKeys  = []string{labelVariant, labelRank, labelKind}
	bulkLabelKeys     = []string{labelVariant, labelRank, labelOperation}
	fatalLabelKeys    = []string{labelVariant, labelRank, labelClass}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters. Counters
// that are already registered with the same shape are reused, so several engines can
// share one registry.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		transfersCompleted: counter("rdvbench_transfers_completed_total", "Number of rendezvous transfers completed", transferLabelKeys),
		controlSent:        counter("rdvbench_control_messages_sent_total", "Number of control messages posted", controlLabelKeys),
		bulkPosted:         counter("rdvbench_bulk_operations_posted_total", "Number of one-sided read or write operations posted", bulkLabelKeys),
		replenished:        counter("rdvbench_receives_replenished_total", "Number of control receive buffers reposted", baseLabelKeys),
		fatalErrors:        counter("rdvbench_fatal_errors_total", "Number of fatal engine errors", fatalLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{&p.transfersCompleted, &p.controlSent, &p.bulkPosted, &p.replenished, &p.fatalErrors} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// TransferCompleted increments the completed transfer counter for the role in attrs.
func (p *PrometheusMetrics) TransferCompleted(attrs map[string]string) {
	p.transfersCompleted.With(labels(attrs, transferLabelKeys...)).Inc()
}

// ControlMessageSent increments the control message counter for kind.
func (p *PrometheusMetrics) ControlMessageSent(kind string, attrs map[string]string) {
	labs := labels(attrs, controlLabelKeys...)
	labs[labelKind] = kind
	p.controlSent.With(labs).Inc()
}

// BulkPosted increments the one-sided operation counter.
func (p *PrometheusMetrics) BulkPosted(attrs map[string]string) {
	p.bulkPosted.With(labels(attrs, bulkLabelKeys...)).Inc()
}

// ReceivesReplenished adds n reposted control receives.
func (p *PrometheusMetrics) ReceivesReplenished(n int, attrs map[string]string) {
	p.replenished.With(labels(attrs, baseLabelKeys...)).Add(float64(n))
}

// FatalError increments the fatal error counter for class.
func (p *PrometheusMetrics) FatalError(class string, _ error, attrs map[string]string) {
	labs := labels(attrs, fatalLabelKeys...)
	labs[labelClass] = class
	p.fatalErrors.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
