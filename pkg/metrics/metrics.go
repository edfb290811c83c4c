package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chative"

// Recorder holds the agent's collectors. A nil *Recorder records nothing.
type Recorder struct {
	Transitions    *prometheus.CounterVec
	TransitionTime *prometheus.HistogramVec
	ToolCalls      *prometheus.CounterVec
	ToolLatency    *prometheus.HistogramVec
	DecideAttempts *prometheus.CounterVec
	Turns          *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Completed state machine transitions by node and outcome",
			},
			[]string{"node", "outcome"},
		),
		TransitionTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Time spent in each node, checkpoint included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by tool and result status",
			},
			[]string{"tool", "status"},
		),
		ToolLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Tool execution latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		DecideAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decide_attempts_total",
				Help:      "Model invocations by outcome",
			},
			[]string{"outcome"},
		),
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Finished turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "End to end turn latency",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}
}

func (r *Recorder) ObserveTransition(node string, d time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.Transitions.WithLabelValues(node, outcome).Inc()
	r.TransitionTime.WithLabelValues(node).Observe(d.Seconds())
}

func (r *Recorder) ObserveTool(tool, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.ToolCalls.WithLabelValues(tool, status).Inc()
	r.ToolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

func (r *Recorder) ObserveDecide(outcome string) {
	if r == nil {
		return
	}
	r.DecideAttempts.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveTurn(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.Turns.WithLabelValues(outcome).Inc()
	r.TurnDuration.Observe(d.Seconds())
}
