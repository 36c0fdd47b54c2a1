package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDeadline_Success(t *testing.T) {
	svc := New(map[Op]time.Duration{OpCalculatorStep: 50 * time.Millisecond}, nil)
	err := svc.WithDeadline(context.Background(), OpCalculatorStep, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, len(svc.ringFor(OpCalculatorStep).snapshot()))
}

func TestWithDeadline_ViolationDoesNotAbortCaller(t *testing.T) {
	var violated bool
	svc := New(map[Op]time.Duration{OpCalculatorStep: 5 * time.Millisecond}, func(op Op, budget, observed time.Duration) {
		violated = true
	})
	err := svc.WithDeadline(context.Background(), OpCalculatorStep, func(ctx context.Context) error {
		time.Sleep(15 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
	assert.True(t, violated)
}

func TestPercentile_Empty(t *testing.T) {
	svc := New(nil, nil)
	assert.Equal(t, time.Duration(0), svc.Percentile(OpEndToEnd, 0.95))
}

func TestPercentile_ComputesOrderedValue(t *testing.T) {
	svc := New(nil, nil)
	for i := 1; i <= 100; i++ {
		svc.Observe(OpEndToEnd, time.Duration(i)*time.Millisecond)
	}
	p95 := svc.Percentile(OpEndToEnd, 0.95)
	assert.InDelta(t, 96, p95.Milliseconds(), 1)
}

func TestRing_WrapsAtCapacity(t *testing.T) {
	r := &ring{}
	for i := 0; i < ringSize+10; i++ {
		r.push(time.Duration(i) * time.Millisecond)
	}
	assert.Equal(t, ringSize, len(r.snapshot()))
}
