// Package metrics exposes mission activity as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/nexus/internal/events"
	"github.com/aristath/nexus/internal/scheduler"
)

// Recorder turns bus events into Prometheus metrics.
//
// Metrics:
//   - nexus_missions_started_total
//   - nexus_missions_finished_total{outcome}
//   - nexus_mission_duration_seconds{outcome}
//   - nexus_task_transitions_total{status}
//   - nexus_tasks{status} - task counts of the latest progress event
//   - nexus_revisions_total{result}
//   - nexus_tokens_total{kind}
//   - nexus_vcs_operations_total{kind,result}
type Recorder struct {
	MissionsStarted  prometheus.Counter
	MissionsFinished *prometheus.CounterVec
	MissionDuration  *prometheus.HistogramVec
	TaskTransitions  *prometheus.CounterVec
	Tasks            *prometheus.GaugeVec
	Revisions        *prometheus.CounterVec
	Tokens           *prometheus.CounterVec
	VCSOperations    *prometheus.CounterVec
}

// NewRecorder registers the metrics with reg. Pass prometheus.DefaultRegisterer
// to serve them from promhttp.Handler.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		MissionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "nexus_missions_started_total",
			Help: "Total number of missions started",
		}),
		MissionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_missions_finished_total",
			Help: "Total number of missions finished, by outcome",
		}, []string{"outcome"}),
		MissionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_mission_duration_seconds",
			Help:    "Wall time of finished missions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"outcome"}),
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_task_transitions_total",
			Help: "Task status transitions, by new status",
		}, []string{"status"}),
		Tasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexus_tasks",
			Help: "Tasks of the current mission, by status",
		}, []string{"status"}),
		Revisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_revisions_total",
			Help: "Reviewer verdicts, by result (approved, revise, exhausted)",
		}, []string{"result"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_tokens_total",
			Help: "Tokens consumed by finished missions, by kind",
		}, []string{"kind"}),
		VCSOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_vcs_operations_total",
			Help: "Publisher calls, by kind and result",
		}, []string{"kind", "result"}),
	}
}

// Observe updates the metrics for one event.
func (r *Recorder) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.MissionStartedEvent:
		r.MissionsStarted.Inc()
		r.Tasks.Reset()
		r.Tasks.WithLabelValues(scheduler.StatusPending.String()).Set(float64(len(e.Tasks)))

	case events.TaskStatusEvent:
		if e.Previous != e.Record.Status {
			r.TaskTransitions.WithLabelValues(e.Record.Status.String()).Inc()
		}

	case events.MissionProgressEvent:
		r.Tasks.Reset()
		for status, n := range e.Counts {
			r.Tasks.WithLabelValues(status).Set(float64(n))
		}

	case events.TaskRevisionEvent:
		r.Revisions.WithLabelValues(e.Result).Inc()

	case events.VCSEvent:
		result := "ok"
		if e.Failed() {
			result = "error"
		}
		r.VCSOperations.WithLabelValues(e.Kind, result).Inc()

	case events.MissionFinishedEvent:
		outcome := string(e.Outcome)
		r.MissionsFinished.WithLabelValues(outcome).Inc()
		r.MissionDuration.WithLabelValues(outcome).Observe(e.Duration.Seconds())
		r.Tokens.WithLabelValues("prompt").Add(float64(e.Usage.PromptTokens))
		r.Tokens.WithLabelValues("completion").Add(float64(e.Usage.CompletionTokens))
	}
}

// Run observes events from ch until it closes or ctx is done.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(ev)
		}
	}
}
