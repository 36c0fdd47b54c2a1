package decision

import (
	"testing"

	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/stretchr/testify/assert"
)

func TestDecide_LowConfidenceHoldsRegardlessOfOtherSignals(t *testing.T) {
	out := Decide(Input{
		CurrentEvent: session.Practice,
		Progress:     0.9,
		Value:        0.95,
		Stability:    0.9,
		Confidence:   0.2,
	})
	assert.Equal(t, session.CommandHoldEvent, out.Primary)
	assert.Equal(t, ReasonLowConfidence, out.Reason)
}

func TestDecide_AdvancesOnHighValueStabilityProgress(t *testing.T) {
	out := Decide(Input{
		CurrentEvent: session.Practice,
		Progress:     0.9,
		Value:        0.9,
		Stability:    0.7,
		Confidence:   0.9,
	})
	assert.Equal(t, session.CommandAdvanceEvent, out.Primary)
	assert.Equal(t, session.Application, out.TargetEvent)
}

func TestDecide_MasteryAtFullProgressTerminates(t *testing.T) {
	out := Decide(Input{
		CurrentEvent: session.Mastery,
		Progress:     1.0,
		Value:        0.9,
		Stability:    0.7,
		Confidence:   0.9,
	})
	assert.Equal(t, session.CommandTerminate, out.Primary)
}

func TestDecide_RemediatesOnLowValue(t *testing.T) {
	out := Decide(Input{
		CurrentEvent: session.Application,
		Progress:     0.5,
		Value:        0.2,
		Stability:    0.5,
		Confidence:   0.9,
	})
	assert.Equal(t, session.CommandRemediate, out.Primary)
	assert.Equal(t, session.Practice, out.TargetEvent)
}

func TestDecide_RemediateClampsAtOnboarding(t *testing.T) {
	out := Decide(Input{
		CurrentEvent: session.Onboarding,
		Progress:     0.5,
		Value:        0.1,
		Stability:    0.5,
		Confidence:   0.9,
	})
	// rule 3 requires CurrentEvent > onboarding, so it falls through to rule 7.
	assert.Equal(t, session.CommandHoldEvent, out.Primary)
}

func TestDecide_OffersHelpOnHighHelpRequestRate(t *testing.T) {
	out := Decide(Input{
		CurrentEvent:    session.Practice,
		Progress:        0.5,
		Value:           0.5,
		PreviousValue:   0.5,
		Stability:       0.7,
		Confidence:      0.9,
		HelpRequestRate: 0.3,
	})
	assert.Equal(t, session.CommandHoldEvent, out.Primary)
	assert.Contains(t, out.Auxiliary, session.CommandOfferHelp)
}

func TestDecide_AdjustsDifficultyUpOnLargePositiveDelta(t *testing.T) {
	out := Decide(Input{
		CurrentEvent:  session.Practice,
		Progress:      0.5,
		PreviousValue: 0.4,
		Value:         0.6,
		Stability:     0.7,
		Confidence:    0.9,
	})
	assert.Equal(t, session.CommandAdjustDifficulty, out.Primary)
	assert.Equal(t, 1, out.Direction)
}

func TestDecide_AdjustsDifficultyDownOnLargeNegativeDelta(t *testing.T) {
	out := Decide(Input{
		CurrentEvent:  session.Practice,
		Progress:      0.5,
		PreviousValue: 0.6,
		Value:         0.4,
		Stability:     0.7,
		Confidence:    0.9,
	})
	assert.Equal(t, session.CommandAdjustDifficulty, out.Primary)
	assert.Equal(t, -1, out.Direction)
}

func TestDecide_FallsThroughToHold(t *testing.T) {
	out := Decide(Input{
		CurrentEvent:  session.Practice,
		Progress:      0.5,
		PreviousValue: 0.5,
		Value:         0.52,
		Stability:     0.7,
		Confidence:    0.9,
	})
	assert.Equal(t, session.CommandHoldEvent, out.Primary)
}
