package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		lamports uint64
		wantErr  bool
	}{
		{"0.05", 50_000_000, false},
		{"0.03", 30_000_000, false},
		{"1", 1_000_000_000, false},
		{"2.000000001", 2_000_000_001, false},
		{".5", 500_000_000, false},
		{"0.0000000001", 0, true}, // 10 fractional digits
		{"-0.05", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		a, err := ParseAmount(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.lamports, a.Lamports(), tt.in)
	}
}

func TestAmount_RoundTrip(t *testing.T) {
	a := MustAmount("0.05")
	assert.Equal(t, "0.050000000", a.String())

	b, err := ParseAmount(a.String())
	require.NoError(t, err)
	assert.Equal(t, a.Lamports(), b.Lamports())

	assert.Equal(t, uint64(123), AmountFromLamports(123).Lamports())
}

func TestRequestStatus_Transitions(t *testing.T) {
	assert.True(t, RequestStatusPaymentRequired.CanTransition(RequestStatusPaid))
	assert.True(t, RequestStatusPaid.CanTransition(RequestStatusFulfilled))
	assert.True(t, RequestStatusPaymentRequired.CanTransition(RequestStatusFailed))
	assert.True(t, RequestStatusPaid.CanTransition(RequestStatusFailed))

	// Skipping a stage is rejected.
	assert.False(t, RequestStatusPaymentRequired.CanTransition(RequestStatusFulfilled))
	assert.False(t, RequestStatusPaid.CanTransition(RequestStatusPaymentRequired))

	// Terminal states reject every mutation.
	assert.False(t, RequestStatusFulfilled.CanTransition(RequestStatusFailed))
	assert.False(t, RequestStatusFailed.CanTransition(RequestStatusPaid))
}

func TestSessionCapability_Usable(t *testing.T) {
	now := time.Now()
	s := SessionCapability{
		Status:        SessionStatusActive,
		MaxSignatures: 3,
		UsedCount:     2,
		ExpiresAt:     now.Add(time.Hour),
	}
	assert.True(t, s.Usable(now))

	s.UsedCount = 3
	assert.True(t, s.Exhausted())
	assert.False(t, s.Usable(now))

	s.UsedCount = 0
	assert.True(t, s.ExpiredAt(now.Add(2*time.Hour)))
	assert.False(t, s.Usable(now.Add(2*time.Hour)))

	s.Status = SessionStatusRevoked
	assert.False(t, s.Usable(now))
}

func TestTask_Score_MonotoneInStaleness(t *testing.T) {
	now := time.Now()
	success := now.Add(-10 * time.Minute)
	task := AutonomyTask{
		ValueScore:    10,
		Cost:          0.05,
		FreshnessSecs: 300,
		LastSuccessAt: &success,
	}

	s1 := task.Score(now)
	s2 := task.Score(now.Add(5 * time.Minute))
	assert.GreaterOrEqual(t, s2, s1)
	assert.Greater(t, s1, 0.0)
}

func TestTask_Score_NeverRunUsesDoubleWindow(t *testing.T) {
	now := time.Now()
	task := AutonomyTask{ValueScore: 10, Cost: 0.05, FreshnessSecs: 300}

	// staleness = 600s → (600/300) * 10 / 0.05 = 400
	assert.InDelta(t, 400, task.Score(now), 1e-9)
}

func TestTask_Score_DegenerateInputs(t *testing.T) {
	now := time.Now()
	assert.Zero(t, AutonomyTask{ValueScore: 10, Cost: 0, FreshnessSecs: 300}.Score(now))
	assert.Zero(t, AutonomyTask{ValueScore: 10, Cost: 0.05, FreshnessSecs: 0}.Score(now))
}

func TestTask_BackoffDelay(t *testing.T) {
	task := AutonomyTask{BaseBackoffSecs: 30}
	maxBackoff := 900 * time.Second

	assert.Equal(t, 30*time.Second, task.BackoffDelay(1, maxBackoff))
	assert.Equal(t, 60*time.Second, task.BackoffDelay(2, maxBackoff))
	assert.Equal(t, 120*time.Second, task.BackoffDelay(3, maxBackoff))
	assert.Equal(t, 240*time.Second, task.BackoffDelay(4, maxBackoff))
	assert.Equal(t, maxBackoff, task.BackoffDelay(10, maxBackoff))
	assert.Equal(t, maxBackoff, task.BackoffDelay(200, maxBackoff))
}

func TestTask_Runnable(t *testing.T) {
	now := time.Now()
	locked := now.Add(-time.Minute)

	assert.True(t, AutonomyTask{Status: TaskStatusIdle, NextEligibleAt: now.Add(-time.Second)}.Runnable(now))
	assert.False(t, AutonomyTask{Status: TaskStatusRunning, NextEligibleAt: now.Add(-time.Second)}.Runnable(now))
	assert.False(t, AutonomyTask{Status: TaskStatusIdle, LockedAt: &locked, NextEligibleAt: now.Add(-time.Second)}.Runnable(now))
	assert.False(t, AutonomyTask{Status: TaskStatusBackoff, NextEligibleAt: now.Add(time.Minute)}.Runnable(now))
}

func TestPayment_Synthetic(t *testing.T) {
	assert.True(t, Payment{TxHash: "failed-3fa9c1aa"}.Synthetic())
	assert.False(t, Payment{TxHash: "5KtP9mZq"}.Synthetic())
}

func TestCatalog(t *testing.T) {
	market, ok := OfferingFor("market")
	require.True(t, ok)
	assert.Equal(t, "USDC", market.Currency)
	assert.Equal(t, MustAmount("0.05"), market.Amount)

	knowledge, ok := OfferingFor("knowledge")
	require.True(t, ok)
	assert.Equal(t, "CASH", knowledge.Currency)

	_, ok = OfferingFor("unknown")
	assert.False(t, ok)

	payload := FulfilledPayload("market")
	require.NotNil(t, payload)
	assert.Contains(t, payload, "prices")
	assert.Contains(t, payload, "arbitrageSignals")
	assert.Contains(t, payload, "sentiment")
}
