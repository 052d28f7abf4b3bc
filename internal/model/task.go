package model

import (
	"math"
	"time"
)

// TaskStatus represents the scheduling state of an autonomy task.
type TaskStatus string

const (
	TaskStatusIdle    TaskStatus = "IDLE"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusBackoff TaskStatus = "BACKOFF"
)

// AutonomyTask is one recurring schedulable work item mapped to a premium
// endpoint. Endpoint is unique across tasks.
type AutonomyTask struct {
	Endpoint       string     `json:"endpoint"`
	ValueScore     float64    `json:"value_score"`
	Cost           float64    `json:"cost"`
	FreshnessSecs  int64      `json:"freshness_secs"`
	BaseBackoffSecs int64     `json:"base_backoff_secs"`
	Status         TaskStatus `json:"status"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
	FailureCount   int        `json:"failure_count"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LastScore      float64    `json:"last_score"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Runnable reports whether the task is eligible for selection at now.
func (t AutonomyTask) Runnable(now time.Time) bool {
	return t.Status != TaskStatusRunning && t.LockedAt == nil && !t.NextEligibleAt.After(now)
}

// Score computes the freshness-weighted value score at now. Tasks that have
// never succeeded score as if stale for two freshness windows. A cost of
// zero or a non-finite result scores zero.
func (t AutonomyTask) Score(now time.Time) float64 {
	if t.Cost <= 0 || t.FreshnessSecs <= 0 {
		return 0
	}
	staleness := float64(t.FreshnessSecs) * 2
	if t.LastSuccessAt != nil {
		staleness = math.Max(1, now.Sub(*t.LastSuccessAt).Seconds())
	}
	score := (staleness / float64(t.FreshnessSecs)) * t.ValueScore / t.Cost
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

// BackoffDelay returns the delay before the next attempt after failureCount
// consecutive failures, capped at maxBackoff.
func (t AutonomyTask) BackoffDelay(failureCount int, maxBackoff time.Duration) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	base := time.Duration(t.BaseBackoffSecs) * time.Second
	delay := float64(base) * math.Pow(2, float64(failureCount-1))
	if delay > float64(maxBackoff) || math.IsInf(delay, 0) {
		return maxBackoff
	}
	return time.Duration(delay)
}
