// Package metrics exposes Prometheus collectors for session activity, fed from the event bus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ship-commander/sessiond/internal/events"
)

const namespace = "sessiond"

// Metrics holds the sessiond collectors.
type Metrics struct {
	transitions    *prometheus.CounterVec
	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runsSuperseded prometheus.Counter
	eventsRejected prometheus.Counter
	workspaces     *prometheus.CounterVec
	activities     *prometheus.CounterVec
	workingCopies  *prometheus.GaugeVec
	sessionsActive prometheus.Collector
}

// New registers the collectors with reg. active, when set, backs the sessions_active gauge.
func New(reg prometheus.Registerer, active func() int) (*Metrics, error) {
	if reg == nil {
		return nil, errors.New("prometheus registerer is required")
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Session lifecycle transitions by target state.",
			},
			[]string{"to"},
		),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "started_total",
			Help:      "Agent runs registered for a session.",
		}),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "run",
				Name:      "finished_total",
				Help:      "Agent runs that left the registry, by final session state.",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "run",
				Name:      "duration_seconds",
				Help:      "Time from run registration to completion.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"outcome"},
		),
		runsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "superseded_total",
			Help:      "Runs stopped because a newer run started for the same session.",
		}),
		eventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "events_rejected_total",
			Help:      "Inbound events dropped as malformed.",
		}),
		workspaces: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workspace",
				Name:      "provisions_total",
				Help:      "Working copy provisioning attempts by result.",
			},
			[]string{"result"},
		),
		activities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "activity",
				Name:      "deliveries_total",
				Help:      "Activity deliveries to the tracker by kind and result.",
			},
			[]string{"kind", "result"},
		),
		workingCopies: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workspace",
				Name:      "working_copies",
				Help:      "Working copies seen by the last health check, by ownership.",
			},
			[]string{"state"},
		),
	}

	collectors := []prometheus.Collector{
		m.transitions, m.runsStarted, m.runsFinished, m.runDuration,
		m.runsSuperseded, m.eventsRejected, m.workspaces, m.activities,
		m.workingCopies,
	}
	if active != nil {
		m.sessionsActive = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Sessions with an executing run.",
			},
			func() float64 { return float64(active()) },
		)
		collectors = append(collectors, m.sessionsActive)
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe updates collectors for one bus event. Unknown event types are ignored.
func (m *Metrics) Observe(event events.Event) {
	if m == nil {
		return
	}
	switch event.Type {
	case events.EventTypeSessionTransition:
		if payload, ok := event.Payload.(events.TransitionPayload); ok {
			m.transitions.WithLabelValues(payload.To).Inc()
		}
	case events.EventTypeRunStarted:
		m.runsStarted.Inc()
	case events.EventTypeRunFinished:
		payload, ok := event.Payload.(events.RunFinishedPayload)
		if !ok {
			return
		}
		m.runsFinished.WithLabelValues(payload.Outcome).Inc()
		if payload.Duration > 0 {
			m.runDuration.WithLabelValues(payload.Outcome).Observe(payload.Duration.Seconds())
		}
	case events.EventTypeRunSuperseded:
		m.runsSuperseded.Inc()
	case events.EventTypeEventRejected:
		m.eventsRejected.Inc()
	case events.EventTypeWorkspaceAcquired:
		m.workspaces.WithLabelValues("acquired").Inc()
	case events.EventTypeWorkspaceDegraded:
		m.workspaces.WithLabelValues("degraded").Inc()
	case events.EventTypeWorkspacePruned:
		m.workspaces.WithLabelValues("pruned").Inc()
	case events.EventTypeHealthCheck:
		payload, ok := event.Payload.(events.HealthPayload)
		if !ok {
			return
		}
		m.workingCopies.WithLabelValues("owned").Set(float64(payload.Workspaces - payload.Orphaned))
		m.workingCopies.WithLabelValues("orphaned").Set(float64(payload.Orphaned - payload.Pruned))
	case events.EventTypeActivitySent, events.EventTypeActivityDropped:
		payload, ok := event.Payload.(events.ActivityPayload)
		if !ok {
			return
		}
		result := "sent"
		if event.Type == events.EventTypeActivityDropped {
			result = "dropped"
		}
		m.activities.WithLabelValues(payload.Kind, result).Inc()
	}
}

// Subscribe feeds every event published on bus into m.
func (m *Metrics) Subscribe(bus events.Bus) {
	if m == nil || bus == nil {
		return
	}
	bus.SubscribeAll(m.Observe)
}
