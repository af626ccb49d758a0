package ringco

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "ringco"
	kindLabel        = "kind"
	loopLabel        = "loop"
	outcomeLabel     = "outcome"
)

// Metrics counts scheduler activity. A nil *Metrics records nothing.
// It implements prometheus.Collector.
type Metrics struct {
	registry    *prometheus.Registry
	submissions *prometheus.CounterVec
	completions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	starts      *prometheus.CounterVec
	finishes    *prometheus.CounterVec
	exhausted   *prometheus.CounterVec
	live        *prometheus.GaugeVec
	ticks       *prometheus.CounterVec
	idle        *prometheus.CounterVec
}

// NewMetrics creates scheduler metrics and registers them with reg
// when it is not nil. One Metrics is meant to be shared by every loop
// of a process.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	kindCounter := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "instance",
			Name:      name,
			Help:      help,
		}, append([]string{kindLabel}, labels...))
		m.registry.MustRegister(c)
		return c
	}
	loopCounter := func(name, help string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "loop",
			Name:      name,
			Help:      help,
		}, []string{loopLabel})
		m.registry.MustRegister(c)
		return c
	}

	m.submissions = kindCounter("submissions_total", "Requests queued on the submission ring.")
	m.completions = kindCounter("completions_total", "Completions routed to an instance.")
	m.retries = kindCounter("retries_total", "Suspensions caused by a full submission ring.")
	m.starts = kindCounter("starts_total", "Instances started.")
	m.finishes = kindCounter("finishes_total", "Instances that ended.", outcomeLabel)
	m.exhausted = kindCounter("exhausted_total", "Starts refused because every slot was taken.")
	m.live = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "instance",
		Name:      "live",
		Help:      "Instances not yet reclaimed.",
	}, []string{kindLabel})
	m.registry.MustRegister(m.live)
	m.ticks = loopCounter("ticks_total", "Loop iterations.")
	m.idle = loopCounter("idle_waits_total", "Blocking waits for completions.")

	if reg != nil {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Describe is part of the implementation of prometheus.Collector.
func (m *Metrics) Describe(descCh chan<- *prometheus.Desc) {
	m.registry.Describe(descCh)
}

// Collect is part of the implementation of prometheus.Collector.
func (m *Metrics) Collect(metricCh chan<- prometheus.Metric) {
	m.registry.Collect(metricCh)
}

func (m *Metrics) submitted(kind string) {
	if m != nil {
		m.submissions.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) completedInc(kind string) {
	if m != nil {
		m.completions.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) retried(kind string) {
	if m != nil {
		m.retries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) startedInc(kind string) {
	if m != nil {
		m.starts.WithLabelValues(kind).Inc()
		m.live.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) finishedInc(kind string, killed bool) {
	if m != nil {
		outcome := "complete"
		if killed {
			outcome = "killed"
		}
		m.finishes.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) exhaustedInc(kind string) {
	if m != nil {
		m.exhausted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) liveAdd(kind string, delta float64) {
	if m != nil {
		m.live.WithLabelValues(kind).Add(delta)
	}
}

func (m *Metrics) tick(loop string) {
	if m != nil {
		m.ticks.WithLabelValues(loop).Inc()
	}
}

func (m *Metrics) idleWait(loop string) {
	if m != nil {
		m.idle.WithLabelValues(loop).Inc()
	}
}
