// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the triage pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsTotal counts handled push events by change type and
	// pipeline outcome.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_notifications_total",
			Help: "Push notifications handled, by change type and outcome",
		},
		[]string{"change_type", "outcome"},
	)

	// DraftsTotal counts draft lifecycle results.
	DraftsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_drafts_total",
			Help: "Draft replies created or deleted, by result",
		},
		[]string{"result"},
	)

	// ModelLatency observes language-model call duration.
	ModelLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triage_model_latency_seconds",
			Help:    "Language model call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	// ProcessingDuration observes the delayed processing step end to end.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_processing_seconds",
			Help:    "Delayed processing step duration by terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status"},
	)
)

// RecordNotification counts one handled push event.
func RecordNotification(changeType, outcome string) {
	NotificationsTotal.WithLabelValues(changeType, outcome).Inc()
}

// RecordDraft counts one draft result.
func RecordDraft(result string) {
	DraftsTotal.WithLabelValues(result).Inc()
}

// RecordProcessing observes one completed processing step.
func RecordProcessing(status string, duration time.Duration) {
	ProcessingDuration.WithLabelValues(status).Observe(duration.Seconds())
}
