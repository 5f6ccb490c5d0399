package genqueue

import (
	"time"

	"github.com/joeycumines/go-genqueue/generr"
)

// Health statuses, as reported by [Overview].
const (
	HealthHealthy  = `healthy`
	HealthWarning  = `warning`
	HealthCritical = `critical`
)

// Error trends, comparing the most recent events against the rest of the
// window.
const (
	TrendIncreasing = `increasing`
	TrendStable     = `stable`
	TrendDecreasing = `decreasing`
)

// Health thresholds.
const (
	queueSizeWarning    = 20
	queueSizeCritical   = 50
	errorRateWarning    = 0.10
	successRateWarning  = 0.90
	trendRecentEvents   = 10
	aggregateRateWindow = time.Hour
	aggregateRecentSpan = time.Minute
	trendEpsilon        = 0.05
)

type (
	// Overview is the live health and configuration summary returned by
	// [Manager.Overview]. Rates are fractions in [0, 1].
	Overview struct {
		Status             string   `json:"status"`
		ErrorTrend         string   `json:"error_trend"`
		LastError          string   `json:"last_error,omitempty"`
		Warnings           []string `json:"warnings,omitempty"`
		RecommendedActions []string `json:"recommended_actions,omitempty"`
		SuccessRate        float64  `json:"success_rate"`
		ErrorRate          float64  `json:"error_rate"`
		GrowthRate         float64  `json:"growth_rate"`
		AvgProcessingMS    float64  `json:"avg_processing_ms"`
		QueueSize          int      `json:"queue_size"`
		ActiveJobs         int      `json:"active_jobs"`
		Concurrency        int      `json:"concurrency"`
		TasksPerMinute     int      `json:"tasks_per_minute"`
		IsPaused           bool     `json:"is_paused"`
		IsAcceptingTasks   bool     `json:"is_accepting_tasks"`
		IsInitialized      bool     `json:"is_initialized"`
		NeedsAttention     bool     `json:"needs_attention"`
	}

	// aggregates are the derived statistics computed from an event
	// snapshot.
	aggregates struct {
		errorTrend     string
		successRate    float64
		errorRate      float64
		growthRate     float64
		tasksPerMinute int
	}
)

func isErrorEvent(e Event) bool {
	switch e.Action {
	case actionTaskError:
		return true
	case actionTaskFinally:
		return !e.Success && e.ErrorType != generr.Cancelled.String()
	default:
		return false
	}
}

// aggregate derives rates, trend, and throughput from an oldest-first event
// snapshot.
func aggregate(events []Event, now time.Time) aggregates {
	agg := aggregates{successRate: 1, errorTrend: TrendStable}

	var successes, failures, terminal, recentTerminal int
	rateCutoff := now.Add(-aggregateRateWindow)
	recentCutoff := now.Add(-aggregateRecentSpan)
	for _, e := range events {
		if e.Action != actionTaskFinally {
			continue
		}
		terminal++
		if e.Timestamp.After(recentCutoff) {
			recentTerminal++
		}
		if !e.Timestamp.After(rateCutoff) {
			continue
		}
		if e.Success {
			successes++
		} else if e.ErrorType != generr.Cancelled.String() {
			failures++
		}
	}
	if successes+failures > 0 {
		agg.successRate = float64(successes) / float64(successes+failures)
	}
	if terminal > 0 {
		var errored int
		for _, e := range events {
			if e.Action == actionTaskFinally && !e.Success && e.ErrorType != generr.Cancelled.String() {
				errored++
			}
		}
		agg.errorRate = float64(errored) / float64(terminal)
	}
	agg.tasksPerMinute = recentTerminal

	// Trend: error density of the newest events against the rest.
	if len(events) > trendRecentEvents {
		older := events[:len(events)-trendRecentEvents]
		recent := events[len(events)-trendRecentEvents:]
		recentRate := errorDensity(recent)
		olderRate := errorDensity(older)
		switch {
		case recentRate > olderRate+trendEpsilon:
			agg.errorTrend = TrendIncreasing
		case recentRate < olderRate-trendEpsilon:
			agg.errorTrend = TrendDecreasing
		}
	}

	// Queue growth across the window, in queued tasks per minute.
	if len(events) >= 2 {
		first, last := events[0], events[len(events)-1]
		if minutes := last.Timestamp.Sub(first.Timestamp).Minutes(); minutes > 0 {
			agg.growthRate = float64(last.QueueSize-first.QueueSize) / minutes
		}
	}

	return agg
}

func errorDensity(events []Event) float64 {
	if len(events) == 0 {
		return 0
	}
	var errored int
	for _, e := range events {
		if isErrorEvent(e) {
			errored++
		}
	}
	return float64(errored) / float64(len(events))
}

// applyHealth fills the status, warnings, and recommendations of o from its
// gauge and rate fields.
func (o *Overview) applyHealth() {
	o.Status = HealthHealthy
	switch {
	case o.QueueSize >= queueSizeCritical:
		o.Status = HealthCritical
		o.Warnings = append(o.Warnings, `queue size critical`)
		o.RecommendedActions = append(o.RecommendedActions, `raise concurrency or shed load`)
	case o.QueueSize >= queueSizeWarning:
		o.Status = HealthWarning
		o.Warnings = append(o.Warnings, `queue size elevated`)
		o.RecommendedActions = append(o.RecommendedActions, `monitor queue growth`)
	}
	if o.ErrorRate > errorRateWarning {
		if o.Status == HealthHealthy {
			o.Status = HealthWarning
		}
		o.Warnings = append(o.Warnings, `error rate elevated`)
		o.RecommendedActions = append(o.RecommendedActions, `inspect provider health and circuit breaker status`)
	}
	if o.SuccessRate < successRateWarning {
		if o.Status == HealthHealthy {
			o.Status = HealthWarning
		}
		o.Warnings = append(o.Warnings, `success rate degraded`)
	}
	o.NeedsAttention = o.Status != HealthHealthy
}
