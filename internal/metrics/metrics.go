// Package metrics exposes prometheus instrumentation for saves, uploads and
// submission POSTs. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	formSaves       *prometheus.CounterVec
	instanceUploads *prometheus.CounterVec
	submissionPosts *prometheus.CounterVec
	uploadDuration  *prometheus.HistogramVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		formSaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collect_form_saves_total",
			Help: "Form saves by terminal state.",
		}, []string{"state"}),
		instanceUploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collect_instance_uploads_total",
			Help: "Instance uploads by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		submissionPosts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collect_submission_posts_total",
			Help: "Multipart submission POSTs by HTTP status.",
		}, []string{"status"}),
		uploadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collect_upload_duration_seconds",
			Help:    "Time to upload one instance.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
	}
}

func (m *Metrics) FormSaved(state string) {
	if m == nil {
		return
	}
	m.formSaves.WithLabelValues(state).Inc()
}

func (m *Metrics) InstanceUploaded(protocol string, ok bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.instanceUploads.WithLabelValues(protocol, outcome).Inc()
	m.uploadDuration.WithLabelValues(protocol).Observe(took.Seconds())
}

func (m *Metrics) SubmissionPosted(status int) {
	if m == nil {
		return
	}
	m.submissionPosts.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Registry returns the underlying registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
