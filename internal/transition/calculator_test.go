package transition

import (
	"testing"

	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func neutralSnapshot(sessionID string) session.InteractionSnapshot {
	return session.InteractionSnapshot{
		SessionID:              sessionID,
		SessionDurationMinutes: 10, // <25, fatigue=0.1*(10/25-0.5)=-0.01
		WallHour:               12, // neutral time-of-day
		Environment:            session.EnvironmentStandard,
	}
}

func TestStep_ZeroAlphaBetaHoldsPreviousValue(t *testing.T) {
	in := Inputs{
		Previous:   session.TransitionState{SessionID: "s1", Value: 0.5},
		Snapshot:   neutralSnapshot("s1"),
		Learner:    Weighted{Signal: 0.6, Weight: 0.30},
		Knowledge:  Weighted{Signal: 0.2, Weight: 0.25},
		Engagement: Weighted{Signal: 0.1, Weight: 0.20},
		Assessment: Weighted{Signal: 0.3, Weight: 0.25},
		Alpha:      0,
		Beta:       0,
	}
	res, err := Step(in)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.State.Value, 1e-9)
	assert.InDelta(t, 1.0, res.State.Stability, 1e-9)
}

func TestStep_WeightsNormalizeToOne(t *testing.T) {
	in := Inputs{
		Previous:   session.TransitionState{SessionID: "s2", Value: 0.5},
		Snapshot:   neutralSnapshot("s2"),
		Learner:    Weighted{Signal: 0.5, Weight: 0.40},
		Knowledge:  Weighted{Signal: 0.5, Weight: 0.35},
		Engagement: Weighted{Signal: 0.5, Weight: 0.30},
		Assessment: Weighted{Signal: 0.5, Weight: 0.35},
		Alpha:      0.5,
		Beta:       0.2,
	}
	res, err := Step(in)
	require.NoError(t, err)
	sum := res.State.WeightLearner + res.State.WeightKnowledge + res.State.WeightEngagement + res.State.WeightAssessment
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestStep_NumericErrorOnZeroWeightSum(t *testing.T) {
	in := Inputs{
		Previous: session.TransitionState{SessionID: "s3", Value: 0.5},
		Snapshot: neutralSnapshot("s3"),
	}
	_, err := Step(in)
	require.Error(t, err)
	var numErr *NumericError
	assert.ErrorAs(t, err, &numErr)
}

func TestStep_DeterministicForSameSessionID(t *testing.T) {
	in := Inputs{
		Previous:   session.TransitionState{SessionID: "s4", Value: 0.4},
		Snapshot:   neutralSnapshot("s4"),
		Learner:    Weighted{Signal: 0.3, Weight: 0.30},
		Knowledge:  Weighted{Signal: 0.1, Weight: 0.25},
		Engagement: Weighted{Signal: 0.2, Weight: 0.20},
		Assessment: Weighted{Signal: 0.4, Weight: 0.25},
		Alpha:      0.5,
		Beta:       0.2,
	}
	a, err := Step(in)
	require.NoError(t, err)
	b, err := Step(in)
	require.NoError(t, err)
	assert.Equal(t, a.State.Value, b.State.Value)
	assert.Equal(t, a.State.Noise, b.State.Noise)
}

func TestStep_DegradedPropagatesFromExtractors(t *testing.T) {
	in := Inputs{
		Previous:   session.TransitionState{SessionID: "s5", Value: 0.5},
		Snapshot:   neutralSnapshot("s5"),
		Learner:    Weighted{Signal: 0.1, Weight: 0.30, Degraded: true},
		Knowledge:  Weighted{Signal: 0.1, Weight: 0.25},
		Engagement: Weighted{Signal: 0.1, Weight: 0.20},
		Assessment: Weighted{Signal: 0.1, Weight: 0.25},
		Alpha:      0.5,
		Beta:       0.1,
	}
	res, err := Step(in)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}
