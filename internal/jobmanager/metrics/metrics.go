// Package metrics defines the prometheus metrics exported by the job manager.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/liveq/jobmanager/internal/jobmanager/agentdb"
)

const MetricPrefix = "liveq_jobmanager_"

// Metrics holds the counters and gauges updated by the scheduler.
type Metrics struct {
	JobsSubmitted        *prometheus.CounterVec
	JobsRejected         *prometheus.CounterVec
	JobsFinished         *prometheus.CounterVec
	JobsByState          *prometheus.GaugeVec
	QueuedJobs           *prometheus.GaugeVec
	CacheLookups         *prometheus.CounterVec
	FramesReceived       prometheus.Counter
	FramesDropped        *prometheus.CounterVec
	AgentReleases        *prometheus.CounterVec
	Redistributions      prometheus.Counter
	ResultWrites         *prometheus.CounterVec
	WorkerTaskWait       *prometheus.HistogramVec
	WorkerTaskDuration   *prometheus.HistogramVec
	SchedulerEventLength prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_submitted_total",
			Help: "Submissions admitted, by lab",
		}, []string{"lab"}),
		JobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_rejected_total",
			Help: "Submissions refused at admission, by reason",
		}, []string{"reason"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_finished_total",
			Help: "Jobs that reached a terminal state, by state",
		}, []string{"state"}),
		JobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricPrefix + "jobs",
			Help: "Non-terminal jobs, by state",
		}, []string{"state"}),
		QueuedJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricPrefix + "queued_jobs",
			Help: "Jobs waiting for agents, by team",
		}, []string{"team"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "interpolation_lookups_total",
			Help: "Interpolation cache lookups made at submission, by result",
		}, []string{"result"}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "frames_received_total",
			Help: "Partial result frames received from agents",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "frames_dropped_total",
			Help: "Frames or histograms of frames that were not merged, by reason",
		}, []string{"reason"}),
		AgentReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "agent_releases_total",
			Help: "Agent assignments released, by outcome",
		}, []string{"outcome"}),
		Redistributions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "redistributions_total",
			Help: "Rounds in which the event share of failed agents was handed to other agents",
		}),
		ResultWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "result_writes_total",
			Help: "Final results persisted, by result",
		}, []string{"result"}),
		WorkerTaskWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPrefix + "worker_task_wait_seconds",
			Help:    "Time tasks spent queued in the worker pool",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"task"}),
		WorkerTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPrefix + "worker_task_duration_seconds",
			Help:    "Run time of worker pool tasks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"task", "result"}),
		SchedulerEventLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricPrefix + "scheduler_event_seconds",
			Help:    "Time the scheduler loop spent handling one event",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobsSubmitted,
		m.JobsRejected,
		m.JobsFinished,
		m.JobsByState,
		m.QueuedJobs,
		m.CacheLookups,
		m.FramesReceived,
		m.FramesDropped,
		m.AgentReleases,
		m.Redistributions,
		m.ResultWrites,
		m.WorkerTaskWait,
		m.WorkerTaskDuration,
		m.SchedulerEventLength,
	}
}

// Register adds every metric to r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveTask records a worker pool task. Its signature matches workerpool.Observer.
func (m *Metrics) ObserveTask(name string, wait, run time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WorkerTaskWait.WithLabelValues(name).Observe(wait.Seconds())
	m.WorkerTaskDuration.WithLabelValues(name, result).Observe(run.Seconds())
}

// SetQueued replaces the queued job gauge with the given per-team counts.
func (m *Metrics) SetQueued(byTeam map[string]int) {
	m.QueuedJobs.Reset()
	for team, n := range byTeam {
		m.QueuedJobs.WithLabelValues(team).Set(float64(n))
	}
}

// SetJobsByState replaces the job state gauge.
func (m *Metrics) SetJobsByState(byState map[string]int) {
	m.JobsByState.Reset()
	for state, n := range byState {
		m.JobsByState.WithLabelValues(state).Set(float64(n))
	}
}

var (
	agentsDesc = prometheus.NewDesc(
		MetricPrefix+"agents",
		"Known agents, by group and status",
		[]string{"group", "status"},
		nil,
	)
	agentSlotsDesc = prometheus.NewDesc(
		MetricPrefix+"agent_slots",
		"Job slots of online agents, by group and usage",
		[]string{"group", "usage"},
		nil,
	)
	agentFailuresDesc = prometheus.NewDesc(
		MetricPrefix+"agent_consecutive_failures",
		"Consecutive failures of an agent",
		[]string{"agent"},
		nil,
	)
)

// AgentCollector reports the agent registry at scrape time. The registry is safe to read concurrently with the
// scheduler.
type AgentCollector struct {
	agents *agentdb.AgentDb
	now    func() time.Time
}

func NewAgentCollector(agents *agentdb.AgentDb, now func() time.Time) *AgentCollector {
	return &AgentCollector{agents: agents, now: now}
}

func (c *AgentCollector) Describe(out chan<- *prometheus.Desc) {
	out <- agentsDesc
	out <- agentSlotsDesc
	out <- agentFailuresDesc
}

func (c *AgentCollector) Collect(out chan<- prometheus.Metric) {
	agents, err := c.agents.All()
	if err != nil {
		log.WithError(err).Warn("reading agents for metrics")
		return
	}
	type groupStatus struct{ group, status string }
	counts := map[groupStatus]int{}
	used := map[string]int{}
	free := map[string]int{}
	now := c.now()
	for _, a := range agents {
		status := "offline"
		switch {
		case a.Online && a.Quarantined(now):
			status = "quarantined"
		case a.Online:
			status = "online"
		}
		counts[groupStatus{a.Group, status}]++
		if a.Online {
			used[a.Group] += len(a.Jobs)
			free[a.Group] += a.FreeSlots()
		}
		if a.ConsecutiveFailures > 0 {
			out <- prometheus.MustNewConstMetric(agentFailuresDesc, prometheus.GaugeValue, float64(a.ConsecutiveFailures), a.Id)
		}
	}
	for k, n := range counts {
		out <- prometheus.MustNewConstMetric(agentsDesc, prometheus.GaugeValue, float64(n), k.group, k.status)
	}
	for group, n := range used {
		out <- prometheus.MustNewConstMetric(agentSlotsDesc, prometheus.GaugeValue, float64(n), group, "used")
		out <- prometheus.MustNewConstMetric(agentSlotsDesc, prometheus.GaugeValue, float64(free[group]), group, "free")
	}
}
