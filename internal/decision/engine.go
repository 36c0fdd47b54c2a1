// Package decision implements the Decision Policy (§4.5): a pure function
// mapping the post-calculation state to exactly one AdaptationCommand kind
// plus optional auxiliary commands.
package decision

import "github.com/arclight-learning/adaptcore/internal/domain/session"

// Reason codes attached to commands this policy emits.
const (
	ReasonLowConfidence = "low_confidence"
	ReasonMastered      = "mastery_complete"
)

// Input bundles everything rule evaluation needs.
type Input struct {
	CurrentEvent  session.LearningEvent
	Progress      float64 // [0,1]
	PreviousValue float64
	Value         float64 // value'
	Confidence    float64
	Stability     float64
	Delta         float64 // Δ, the calculator's integration term

	// HelpRequestRate is the recent help-request rate (interactions per
	// event window); LowDeltaStreak counts consecutive events with |Δ|<0.05.
	HelpRequestRate float64
	LowDeltaStreak  int
}

// Output is the decision: one primary command plus zero or more auxiliary
// commands, per the tie-break rules in §4.5.
type Output struct {
	Primary    session.CommandKind
	Reason     string
	TargetEvent session.LearningEvent
	Direction  int // +1/-1 for adjust_difficulty
	Auxiliary  []session.CommandKind
}

// Decide evaluates the seven ordered rules, short-circuiting on first match.
func Decide(in Input) Output {
	// Rule 1: low confidence overrides everything else.
	if in.Confidence < 0.35 {
		return Output{Primary: session.CommandHoldEvent, Reason: ReasonLowConfidence, TargetEvent: in.CurrentEvent}
	}

	// Rule 2: advance, beats rule 5 by evaluation order.
	if in.Value >= 0.85 && in.Stability >= 0.6 && in.Progress >= 0.8 {
		if in.CurrentEvent == session.Mastery && in.Progress >= 1.0 {
			return Output{Primary: session.CommandTerminate, TargetEvent: session.Mastery}
		}
		return Output{Primary: session.CommandAdvanceEvent, TargetEvent: in.CurrentEvent.Next()}
	}

	// Rule 3: remediate, beats rule 6 by evaluation order.
	if in.Value <= 0.25 && in.CurrentEvent > session.Onboarding {
		return Output{Primary: session.CommandRemediate, TargetEvent: in.CurrentEvent.Prev()}
	}

	// Rule 4: offer_help, attached as auxiliary to hold_event.
	if in.HelpRequestRate > 0.2 || in.LowDeltaStreak >= 3 {
		return Output{
			Primary:     session.CommandHoldEvent,
			TargetEvent: in.CurrentEvent,
			Auxiliary:   []session.CommandKind{session.CommandOfferHelp},
		}
	}

	// Rules 5/6 are mutually exclusive.
	if in.Value-in.PreviousValue > 0.15 {
		return Output{Primary: session.CommandAdjustDifficulty, TargetEvent: in.CurrentEvent, Direction: 1}
	}
	if in.Value-in.PreviousValue < -0.15 {
		return Output{Primary: session.CommandAdjustDifficulty, TargetEvent: in.CurrentEvent, Direction: -1}
	}

	// Rule 7: fallback.
	return Output{Primary: session.CommandHoldEvent, TargetEvent: in.CurrentEvent}
}
