// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Note: InitMetrics registers with the default Prometheus registry, so it can
// only run once per test binary (duplicate registration panics).
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (promauto restriction)")
	}
	initMetricsTestOnce = true

	result := InitMetrics()

	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}
}

func TestNewMetricsWith_AllFieldsSet(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	if m.ActiveRooms == nil {
		t.Error("ActiveRooms should not be nil")
	}
	if m.ActiveParticipants == nil {
		t.Error("ActiveParticipants should not be nil")
	}
	if m.EventsRelayed == nil {
		t.Error("EventsRelayed should not be nil")
	}
	if m.AITurnsTotal == nil {
		t.Error("AITurnsTotal should not be nil")
	}
	if m.AIChunksTotal == nil {
		t.Error("AIChunksTotal should not be nil")
	}
	if m.AIStreamDurationSeconds == nil {
		t.Error("AIStreamDurationSeconds should not be nil")
	}
	if m.ModelAttemptsTotal == nil {
		t.Error("ModelAttemptsTotal should not be nil")
	}
	if m.FileTreeUpdatesTotal == nil {
		t.Error("FileTreeUpdatesTotal should not be nil")
	}
	if m.FileTreeWritesTotal == nil {
		t.Error("FileTreeWritesTotal should not be nil")
	}
	if m.AdmissionRejectionsTotal == nil {
		t.Error("AdmissionRejectionsTotal should not be nil")
	}
}

func TestMetrics_CountersObserve(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.ActiveRooms.Inc()
	m.ActiveRooms.Inc()
	m.ActiveRooms.Dec()
	if got := testutil.ToFloat64(m.ActiveRooms); got != 1 {
		t.Errorf("ActiveRooms = %v, want 1", got)
	}

	m.EventsRelayed.WithLabelValues("project-message").Add(3)
	if got := testutil.ToFloat64(m.EventsRelayed.WithLabelValues("project-message")); got != 3 {
		t.Errorf("EventsRelayed[project-message] = %v, want 3", got)
	}

	m.AITurnsTotal.WithLabelValues(string(OutcomeFileEdit)).Inc()
	if got := testutil.ToFloat64(m.AITurnsTotal.WithLabelValues(string(OutcomeFileEdit))); got != 1 {
		t.Errorf("AITurnsTotal[file_edit] = %v, want 1", got)
	}

	m.ModelAttemptsTotal.WithLabelValues("gemini-2.5-flash", "success").Inc()
	if got := testutil.ToFloat64(m.ModelAttemptsTotal.WithLabelValues("gemini-2.5-flash", "success")); got != 1 {
		t.Errorf("ModelAttemptsTotal = %v, want 1", got)
	}

	m.AdmissionRejectionsTotal.WithLabelValues(string(ReasonRoomNotFound)).Inc()
	if got := testutil.ToFloat64(m.AdmissionRejectionsTotal.WithLabelValues(string(ReasonRoomNotFound))); got != 1 {
		t.Errorf("AdmissionRejectionsTotal = %v, want 1", got)
	}

	m.AIStreamDurationSeconds.Observe(1.5)
	m.FileTreeUpdatesTotal.Inc()
	m.FileTreeWritesTotal.Inc()
}
