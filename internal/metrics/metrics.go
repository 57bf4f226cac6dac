package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "aero_webrtc_matchmaker"

// Event names. Each one is exported as a value of the `event` label on
// aero_webrtc_matchmaker_events_total.
const (
	Registered       = "registered"
	IdentityTakeover = "identity_takeover"
	Waiting          = "waiting"
	Matched          = "matched"
	Next             = "next"
	Leave            = "leave"
	Disconnect       = "disconnect"

	SignalRelayed           = "signal_relayed"
	SignalDroppedStale      = "signal_dropped_stale_recipient"
	SignalDroppedQueueFull  = "signal_dropped_queue_full"
	SignalDroppedNotMatched = "signal_dropped_not_matched"
	NotificationDropped     = "notification_dropped"

	MessageMalformed    = "message_malformed"
	MessageUnknownType  = "message_unknown_type"
	MessageUnregistered = "message_unregistered"

	WSConnections    = "ws_connections"
	WSIdleTimeout    = "ws_idle_timeout"
	SendQueueDropped = "send_queue_dropped"
	OriginRejected   = "origin_rejected"
	TURNRESTIssued   = "turn_rest_credentials_issued"
)

// StateGauges reads the current matchmaking state for the gauge collectors.
type StateGauges struct {
	Registered func() float64
	Waiting    func() float64
	Matches    func() float64
}

// Metrics owns a private Prometheus registry. Event counters share one
// CounterVec keyed by the `event` label so call sites only need a name.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec

	gaugesOnce sync.Once
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})

	reg.MustRegister(
		events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{reg: reg, events: events}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.events.WithLabelValues(name).Add(float64(n))
}

// Get returns the current value of an event counter. It reads a snapshot of
// the collected series and never creates one, so events that have not fired
// stay absent from /metrics.
func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	ch := make(chan prometheus.Metric)
	go func() {
		m.events.Collect(ch)
		close(ch)
	}()

	var total uint64
	for pm := range ch {
		var out dto.Metric
		if err := pm.Write(&out); err != nil {
			continue
		}
		for _, lp := range out.GetLabel() {
			if lp.GetName() == "event" && lp.GetValue() == name {
				total = uint64(out.GetCounter().GetValue())
			}
		}
	}
	return total
}

// ObserveState registers gauges backed by g. Only the first call has an
// effect.
func (m *Metrics) ObserveState(g StateGauges) {
	if m == nil {
		return
	}
	m.gaugesOnce.Do(func() {
		m.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_identities",
				Help:      "Identities currently bound to a live connection.",
			}, g.Registered),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "waiting_identities",
				Help:      "Identities in the waiting slot (0 or 1).",
			}, g.Waiting),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_matches",
				Help:      "Currently matched pairs.",
			}, g.Matches),
		)
	})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
