// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// collaboration service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring real-time
// collaboration rooms and assistant streaming. Metrics include:
//   - Room and participant gauges
//   - Relayed event counters (by event type)
//   - Assistant turn counters (by outcome) and stream duration histograms
//   - Model attempt counters (by model and outcome)
//   - File tree update and durable write counters
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "devsync"

// Subsystem for collaboration metrics
const collabSubsystem = "collab"

// CollabMetrics holds all Prometheus metrics for the collaboration service.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring room membership,
// event relay throughput, and assistant streaming. Initialize once at startup
// via InitMetrics().
//
// # Fields
//
//   - ActiveRooms: Gauge of rooms with at least one connected participant
//   - ActiveParticipants: Gauge of open room connections
//   - EventsRelayed: Counter of fan-out events by event type
//   - AITurnsTotal: Counter of assistant turns by outcome
//   - AIChunksTotal: Counter of streamed assistant chunks
//   - AIStreamDurationSeconds: Histogram of assistant turn duration
//   - ModelAttemptsTotal: Counter of model attempts by model and outcome
//   - FileTreeUpdatesTotal: Counter of in-memory file tree merges
//   - FileTreeWritesTotal: Counter of durable file tree writes
//   - AdmissionRejectionsTotal: Counter of rejected connections by reason
//
// # Thread Safety
//
// All operations are thread-safe.
type CollabMetrics struct {
	// ActiveRooms tracks rooms that currently have members.
	ActiveRooms prometheus.Gauge

	// ActiveParticipants tracks open room connections across all rooms.
	ActiveParticipants prometheus.Gauge

	// EventsRelayed counts events fanned out to room members.
	// Labels: event (project-message, ai-message-chunk, files-updated, etc.)
	EventsRelayed *prometheus.CounterVec

	// AITurnsTotal counts completed assistant turns.
	// Labels: outcome (conversational, file_edit, error)
	AITurnsTotal *prometheus.CounterVec

	// AIChunksTotal counts streamed assistant chunks delivered to rooms.
	AIChunksTotal prometheus.Counter

	// AIStreamDurationSeconds measures assistant turn duration end to end.
	AIStreamDurationSeconds prometheus.Histogram

	// ModelAttemptsTotal counts fallback chain attempts.
	// Labels: model, outcome (success, error)
	ModelAttemptsTotal *prometheus.CounterVec

	// FileTreeUpdatesTotal counts in-memory file tree merges.
	FileTreeUpdatesTotal prometheus.Counter

	// FileTreeWritesTotal counts durable file tree persistence calls.
	FileTreeWritesTotal prometheus.Counter

	// AdmissionRejectionsTotal counts rejected connection attempts.
	// Labels: reason (missing_room, room_not_found, unauthenticated)
	AdmissionRejectionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of CollabMetrics.
// Initialized by InitMetrics(). Callers must nil-check before use so that
// packages remain usable in tests without a registry.
var DefaultMetrics *CollabMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics against the default registry.
// Should be called once at application startup.
//
// # Outputs
//
//   - *CollabMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *CollabMetrics {
	DefaultMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	return DefaultMetrics
}

// NewMetricsWith creates a CollabMetrics instance registered against the given
// registerer. Used by tests to avoid global registry conflicts.
func NewMetricsWith(reg prometheus.Registerer) *CollabMetrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *CollabMetrics {
	return &CollabMetrics{
		ActiveRooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "active_rooms",
				Help:      "Number of rooms with at least one connected participant",
			},
		),

		ActiveParticipants: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "active_participants",
				Help:      "Number of open room connections",
			},
		),

		EventsRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "events_relayed_total",
				Help:      "Total events fanned out to room members by event type",
			},
			[]string{"event"},
		),

		AITurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "ai_turns_total",
				Help:      "Total assistant turns by outcome",
			},
			[]string{"outcome"},
		),

		AIChunksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "ai_chunks_total",
				Help:      "Total assistant chunks streamed to rooms",
			},
		),

		AIStreamDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "ai_stream_duration_seconds",
				Help:      "Assistant turn duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		ModelAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "model_attempts_total",
				Help:      "Total model attempts in the fallback chain by model and outcome",
			},
			[]string{"model", "outcome"},
		),

		FileTreeUpdatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "file_tree_updates_total",
				Help:      "Total in-memory file tree merges",
			},
		),

		FileTreeWritesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "file_tree_writes_total",
				Help:      "Total durable file tree writes",
			},
		),

		AdmissionRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collabSubsystem,
				Name:      "admission_rejections_total",
				Help:      "Total rejected room connection attempts by reason",
			},
			[]string{"reason"},
		),
	}
}

// =============================================================================
// Turn Outcomes
// =============================================================================

// TurnOutcome represents a categorized assistant turn result for metrics.
type TurnOutcome string

const (
	// OutcomeConversational indicates a plain text assistant reply.
	OutcomeConversational TurnOutcome = "conversational"

	// OutcomeFileEdit indicates a reply that merged file changes.
	OutcomeFileEdit TurnOutcome = "file_edit"

	// OutcomeError indicates the fallback chain was exhausted.
	OutcomeError TurnOutcome = "error"
)

// =============================================================================
// Admission Rejection Reasons
// =============================================================================

// RejectionReason labels why a connection attempt was refused.
type RejectionReason string

const (
	// ReasonMissingRoom indicates no room identifier was supplied.
	ReasonMissingRoom RejectionReason = "missing_room"

	// ReasonRoomNotFound indicates the room does not exist in the store.
	ReasonRoomNotFound RejectionReason = "room_not_found"

	// ReasonUnauthenticated indicates a missing or invalid credential.
	ReasonUnauthenticated RejectionReason = "unauthenticated"
)
