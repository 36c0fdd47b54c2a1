// Package transition implements the Transition Calculator (§4.4): the
// weighted-sum update rule that combines the four Signal Extractor outputs
// into a new TransitionState.
package transition

import (
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/arclight-learning/adaptcore/internal/config"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/signal"
)

// Weighted is one extractor's contribution before normalization.
type Weighted struct {
	Signal   float64
	Weight   float64
	Degraded bool
}

// Inputs bundles everything the calculator needs for one step.
type Inputs struct {
	Previous session.TransitionState
	Snapshot session.InteractionSnapshot

	Learner    Weighted
	Knowledge  Weighted
	Engagement Weighted
	Assessment Weighted

	Alpha                    float64 // [0.1,1.0]
	Beta                     float64 // [0,0.5]
	EnvironmentalSensitivity float64 // [0,1], from the learner profile
}

// FromExtractors runs the four extractors and bundles their results into
// Weighted values, convenience for callers that have bands but not yet
// normalized weights.
func FromExtractors(snap session.InteractionSnapshot, bands map[string]config.WeightBand) (learner, knowledge, engagement, assessment Weighted) {
	l := signal.LearnerExtractor{}.Extract(snap, bands["learner"])
	k := signal.KnowledgeExtractor{}.Extract(snap, bands["knowledge"])
	e := signal.EngagementExtractor{}.Extract(snap, bands["engagement"])
	a := signal.AssessmentExtractor{}.Extract(snap, bands["assessment"])
	return Weighted{l.Signal, l.Weight, l.Degraded},
		Weighted{k.Signal, k.Weight, k.Degraded},
		Weighted{e.Signal, e.Weight, e.Degraded},
		Weighted{a.Signal, a.Weight, a.Degraded}
}

// Result is the calculator's output: a fully populated TransitionState plus
// whether any extractor degraded (informs the Decision Policy's confidence
// gate indirectly, since degraded weights still flow through Δ).
type Result struct {
	State    session.TransitionState
	Degraded bool
}

// Step evaluates one update. Numeric faults are caught and returned as a
// *NumericError in the error result so the caller can turn them into a
// hold_event command plus an audit entry (§4.6 failure semantics) instead
// of propagating a panic or NaN state.
func Step(in Inputs) (Result, error) {
	wSum := in.Learner.Weight + in.Knowledge.Weight + in.Engagement.Weight + in.Assessment.Weight
	if wSum <= 0 || math.IsNaN(wSum) || math.IsInf(wSum, 0) {
		return Result{}, errNumeric("weight sum is non-positive or non-finite")
	}

	wL := in.Learner.Weight / wSum
	wK := in.Knowledge.Weight / wSum
	wE := in.Engagement.Weight / wSum
	wA := in.Assessment.Weight / wSum

	delta := wL*in.Learner.Signal + wK*in.Knowledge.Signal + wE*in.Engagement.Signal + wA*in.Assessment.Signal

	eps := epsilon(in.Snapshot, in.EnvironmentalSensitivity)

	value := in.Previous.Value + in.Alpha*delta + in.Beta*eps
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Result{}, errNumeric("calculator produced NaN or Inf")
	}
	value = clamp(value, 0, 1)

	confidence := confidenceOf(delta, eps, in.Alpha)
	stability := stabilityOf(value-in.Previous.Value, in.Alpha*delta)

	state := session.TransitionState{
		SessionID:        in.Previous.SessionID,
		Value:            value,
		PreviousValue:    in.Previous.Value,
		Integration:      delta,
		Noise:            eps,
		Alpha:            in.Alpha,
		Beta:             in.Beta,
		WeightLearner:    wL,
		WeightKnowledge:  wK,
		WeightEngagement: wE,
		WeightAssessment: wA,
		Confidence:       confidence,
		Stability:        stability,
	}

	degraded := in.Learner.Degraded || in.Knowledge.Degraded || in.Engagement.Degraded || in.Assessment.Degraded
	return Result{State: state, Degraded: degraded}, nil
}

// epsilon computes the environmental-factor term: fatigue + time-of-day +
// environment tag, scaled by the learner's environmental sensitivity, plus
// a deterministic, session-seeded micro-jitter (±0.01) so ε is reproducible
// for the same session_id but not identical across sessions with otherwise
// identical context.
func epsilon(snap session.InteractionSnapshot, sensitivity float64) float64 {
	fatigue := fatigueTerm(snap.SessionDurationMinutes)
	timeOfDay := timeOfDayTerm(snap.WallHour)
	env := environmentTerm(snap.Environment)

	raw := fatigue + timeOfDay + env
	scaled := raw * clamp(sensitivity, 0, 1)
	scaled += sessionJitter(snap.SessionID)

	return clamp(scaled, -0.5, 0.5)
}

// fatigueTerm mirrors learning_calculations.py's _calculate_fatigue_factor:
// optimal session length is 25 minutes. Below it the term is a small
// ramp from -0.05 (session just started) through 0 (at 12.5 minutes) up
// to +0.05 (right at 25 minutes); past it, fatigue grows at 2% per minute
// over, floored at -0.5.
func fatigueTerm(minutes float64) float64 {
	const optimal = 25.0
	if minutes <= optimal {
		return 0.1 * (minutes/optimal - 0.5)
	}
	v := -0.02 * (minutes - optimal)
	if v < -0.5 {
		return -0.5
	}
	return v
}

func timeOfDayTerm(hour int) float64 {
	switch {
	case hour >= 9 && hour <= 11:
		return 0.2
	case hour >= 14 && hour <= 16:
		return 0.2
	case hour >= 0 && hour <= 5:
		return -0.2
	case hour >= 22 && hour <= 23:
		return -0.2
	default:
		return 0
	}
}

func environmentTerm(tag session.EnvironmentTag) float64 {
	switch tag {
	case session.EnvironmentOptimal:
		return 0.3
	case session.EnvironmentStandard, "":
		return 0
	case session.EnvironmentNoisy:
		return -0.2
	case session.EnvironmentDistracted:
		return -0.3
	case session.EnvironmentMobile:
		return -0.1
	default:
		return 0
	}
}

// sessionJitter derives a small, reproducible perturbation from session_id
// so property tests stay deterministic while still exercising the
// "pseudo-random sampling seeded from session_id" the update rule allows.
func sessionJitter(sessionID string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed))
	return (rng.Float64() - 0.5) * 0.02
}

func confidenceOf(delta, eps, alpha float64) float64 {
	c := 0.5*math.Abs(delta) + 0.3*(1-math.Abs(eps)) + 0.2*alpha
	if math.Abs(delta) > 0.7 {
		c += 0.1
	}
	if math.Abs(eps) > 0.3 {
		c -= 0.1
	}
	return clamp(c, 0, 1)
}

func stabilityOf(deltaValue, adaptationTerm float64) float64 {
	dv := math.Abs(deltaValue)
	var base float64
	switch {
	case dv < 0.1:
		base = 1.0
	case dv < 0.3:
		base = 0.8
	case dv < 0.5:
		base = 0.6
	default:
		base = 0.4
	}
	if math.Abs(adaptationTerm) > 0.5 {
		base *= 0.8
	}
	return clamp(base, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NumericError is returned by Step when the calculator would otherwise
// produce NaN or Inf. The session pipeline turns it into a hold_event
// command and an error audit entry (§4.6/§7); the tool decision path
// returns it to the caller unchanged.
type NumericError struct{ Reason string }

func (e *NumericError) Error() string { return "transition: numeric fault: " + e.Reason }

func errNumeric(reason string) error { return &NumericError{Reason: reason} }
