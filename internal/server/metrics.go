package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/descentreg/internal/opt"
)

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry     *prometheus.Registry
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	iterations   prometheus.Counter
	value        *prometheus.GaugeVec
	learningRate *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "descentreg",
			Name:      "jobs_started_total",
			Help:      "Number of registration jobs started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "descentreg",
			Name:      "jobs_finished_total",
			Help:      "Number of registration jobs finished, by final state.",
		}, []string{"state"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "descentreg",
			Name:      "jobs_running",
			Help:      "Number of registration jobs currently iterating.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "descentreg",
			Name:      "optimizer_iterations_total",
			Help:      "Gradient descent iterations across all jobs.",
		}),
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "descentreg",
			Name:      "optimizer_value",
			Help:      "Latest metric value per job.",
		}, []string{"job"}),
		learningRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "descentreg",
			Name:      "optimizer_learning_rate",
			Help:      "Latest learning rate per job.",
		}, []string{"job"}),
	}
	m.registry.MustRegister(m.jobsStarted, m.jobsFinished, m.jobsRunning, m.iterations, m.value, m.learningRate)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) jobStarted() {
	m.jobsStarted.Inc()
	m.jobsRunning.Inc()
}

func (m *Metrics) jobStopped() {
	m.jobsRunning.Dec()
}

func (m *Metrics) jobFinished(jobID string, state JobState) {
	m.jobsFinished.WithLabelValues(string(state)).Inc()
	m.value.DeleteLabelValues(jobID)
	m.learningRate.DeleteLabelValues(jobID)
}

func (m *Metrics) observe(jobID string, e opt.Event) {
	m.iterations.Inc()
	m.value.WithLabelValues(jobID).Set(e.Value)
	m.learningRate.WithLabelValues(jobID).Set(e.LearningRate)
}
