package profiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"gorgonia.org/tensor"
)

// MetricsObserver exports scalar observations as Prometheus gauges and
// tensor observations as element counts.
type MetricsObserver struct {
	values   *prometheus.GaugeVec
	elements *prometheus.GaugeVec
	samples  *prometheus.CounterVec
}

// NewMetricsObserver creates the collectors and registers them with reg.
//
// Arguments:
//   - reg: Registry to register with, e.g. prometheus.NewRegistry().
//
// Returns:
//   - *MetricsObserver: The observer.
//   - error: If registration fails (for example on a duplicate registration).
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	m := &MetricsObserver{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "maskrcnn",
			Name:      "observed_value",
			Help:      "Last observed scalar per name (losses, sample counts).",
		}, []string{"name"}),
		elements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "maskrcnn",
			Name:      "observed_tensor_elements",
			Help:      "Element count of the last observed tensor per name.",
		}, []string{"name"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maskrcnn",
			Name:      "observations_total",
			Help:      "Number of observations per name.",
		}, []string{"name"}),
	}

	for _, c := range []prometheus.Collector{m.values, m.elements, m.samples} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Tensor implements Observer.
func (m *MetricsObserver) Tensor(name string, t tensor.Tensor) {
	if t == nil {
		return
	}
	m.elements.WithLabelValues(name).Set(float64(t.Shape().TotalSize()))
	m.samples.WithLabelValues(name).Inc()
}

// Scalar implements Observer.
func (m *MetricsObserver) Scalar(name string, v float64) {
	m.values.WithLabelValues(name).Set(v)
	m.samples.WithLabelValues(name).Inc()
}
