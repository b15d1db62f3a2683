// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the turn loop.
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "vibegraph"

// TurnMetrics holds the Prometheus metrics for turn execution.
//
// # Fields
//
//   - TurnsTotal: Counter of turns by outcome
//   - IterationsPerTurn: Histogram of loop iterations used per turn
//   - ValidationFailuresTotal: Counter of patch validation failures
//   - EvaluatorVerdictsTotal: Counter of evaluator verdicts by decision
//   - EventsPublishedTotal: Counter of events appended to session logs
//   - ActiveTurns: Gauge of currently running turns
//   - DiffTransitionsTotal: Counter of review state transitions
type TurnMetrics struct {
	// TurnsTotal counts completed turns.
	// Labels: outcome (diff_proposed, text_answer, failed, cancelled)
	TurnsTotal *prometheus.CounterVec

	// IterationsPerTurn observes how many loop iterations each turn used.
	IterationsPerTurn prometheus.Histogram

	// ValidationFailuresTotal counts patch validation failures.
	// Labels: stage (apply, syntax)
	ValidationFailuresTotal *prometheus.CounterVec

	// EvaluatorVerdictsTotal counts evaluator decisions.
	// Labels: decision (approved, rejected)
	EvaluatorVerdictsTotal *prometheus.CounterVec

	// EventsPublishedTotal counts events appended to session logs.
	// Labels: kind
	EventsPublishedTotal *prometheus.CounterVec

	// ActiveTurns tracks turns currently in flight.
	ActiveTurns prometheus.Gauge

	// DiffTransitionsTotal counts review state transitions.
	// Labels: to (evaluator_approved, human_approved, committed, ...)
	DiffTransitionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *TurnMetrics

// InitMetrics creates and registers all metrics. Call once at startup.
func InitMetrics() *TurnMetrics {
	if DefaultMetrics != nil {
		return DefaultMetrics
	}
	DefaultMetrics = &TurnMetrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		IterationsPerTurn: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "iterations_per_turn",
			Help:      "Loop iterations used per turn.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		ValidationFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "validation_failures_total",
			Help:      "Patch validation failures by stage.",
		}, []string{"stage"}),
		EvaluatorVerdictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evaluator_verdicts_total",
			Help:      "Evaluator verdicts by decision.",
		}, []string{"decision"}),
		EventsPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_published_total",
			Help:      "Events appended to session logs by kind.",
		}, []string{"kind"}),
		ActiveTurns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_turns",
			Help:      "Turns currently in flight.",
		}),
		DiffTransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "diff_transitions_total",
			Help:      "Diff review state transitions by target status.",
		}, []string{"to"}),
	}
	return DefaultMetrics
}

// RecordTurn records a completed turn's outcome and iteration count.
// Safe to call when metrics are disabled.
func RecordTurn(outcome string, iterations int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.TurnsTotal.WithLabelValues(outcome).Inc()
	if iterations > 0 {
		DefaultMetrics.IterationsPerTurn.Observe(float64(iterations))
	}
}

// RecordValidationFailure records one patch validation failure.
func RecordValidationFailure(stage string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ValidationFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordVerdict records one evaluator decision.
func RecordVerdict(approved bool) {
	if DefaultMetrics == nil {
		return
	}
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	DefaultMetrics.EvaluatorVerdictsTotal.WithLabelValues(decision).Inc()
}

// RecordEventPublished records one event appended to a session log.
func RecordEventPublished(kind string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.EventsPublishedTotal.WithLabelValues(kind).Inc()
}

// RecordDiffTransition records one review state transition.
func RecordDiffTransition(to string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.DiffTransitionsTotal.WithLabelValues(to).Inc()
}

// TurnStarted increments the active turn gauge; call TurnEnded when done.
func TurnStarted() {
	if DefaultMetrics != nil {
		DefaultMetrics.ActiveTurns.Inc()
	}
}

// TurnEnded decrements the active turn gauge.
func TurnEnded() {
	if DefaultMetrics != nil {
		DefaultMetrics.ActiveTurns.Dec()
	}
}
