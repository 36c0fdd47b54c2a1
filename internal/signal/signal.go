// Package signal implements the four pure Signal Extractors (§4.3): total
// functions that turn one raw model-input blob into a scalar signal in
// [-1,1] plus a weight in a bounded range. None of them suspend or fail;
// missing fields degrade the result instead.
package signal

import (
	"github.com/arclight-learning/adaptcore/internal/config"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
)

// Result is what every extractor produces.
type Result struct {
	Signal   float64 // [-1,1]
	Weight   float64 // within the extractor's configured band
	Degraded bool    // true when too many inputs were defaulted
}

// Extractor turns one InteractionSnapshot into a Result. Each concrete
// extractor reads only the blob it owns.
type Extractor interface {
	Extract(snap session.InteractionSnapshot, band config.WeightBand) Result
}

const defaultedThreshold = 2 // degraded once this many inputs were defaulted

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// field resolves a possibly-nil input to its value and whether it was
// defaulted to 0.5.
func field(p *float64) (float64, bool) {
	if p == nil {
		return 0.5, true
	}
	return *p, false
}

func fieldInt(p *int) (int, bool) {
	if p == nil {
		return 0, true
	}
	return *p, false
}

// LearnerExtractor reads readiness, preferences, engagement trend, and pace
// from the learner blob.
type LearnerExtractor struct{}

func (LearnerExtractor) Extract(snap session.InteractionSnapshot, band config.WeightBand) Result {
	b := snap.Learner
	defaults := 0

	readiness, d := field(b.Readiness)
	if d {
		defaults++
	}
	preferences, d := field(b.Preferences)
	if d {
		defaults++
	}
	engagementTrend, d := field(b.EngagementTrend)
	if d {
		defaults++
	}
	pace, d := field(b.Pace)
	if d {
		defaults++
	}
	// Confidence is read for degraded accounting per spec prose even though
	// the signal formula does not consume it directly.
	_, d = field(b.Confidence)
	if d {
		defaults++
	}

	sig := 0.4*(readiness-0.5)*2 +
		0.3*(preferences-0.5)*2 +
		0.2*engagementTrend +
		0.1*pace
	sig = clamp(sig, -1, 1)

	weight := learnerWeightBase(b.PriorKnowledgeLevel)
	weight += guidanceAdjustment(b.GuidancePreference)
	weight += interactionStyleAdjustment(b.InteractionStyle)
	weight = clamp(weight, band.Min, band.Max)

	return Result{Signal: sig, Weight: weight, Degraded: defaults >= defaultedThreshold}
}

func learnerWeightBase(level string) float64 {
	switch level {
	case "novice":
		return 0.40
	case "beginner":
		return 0.35
	case "intermediate":
		return 0.30
	case "advanced", "expert":
		return 0.25
	default:
		return 0.30
	}
}

// guidanceAdjustment: learners who need more guidance need more
// personalisation from this signal; adaptive learners get a slight boost;
// learners who need little guidance lean less on it. Matches
// learning_calculations.py's guidance_adjustments table.
func guidanceAdjustment(pref string) float64 {
	switch pref {
	case "high":
		return 0.05
	case "moderate":
		return 0
	case "low":
		return -0.03
	case "adaptive":
		return 0.02
	default:
		return 0
	}
}

// interactionStyleAdjustment: guided learners need more personalisation,
// independent learners need less, collaborative learners sit in between.
// Matches learning_calculations.py's style_adjustments table.
func interactionStyleAdjustment(style string) float64 {
	switch style {
	case "guided":
		return 0.02
	case "independent":
		return -0.02
	case "collaborative":
		return 0.01
	default:
		return 0
	}
}

// KnowledgeExtractor reads prerequisite completion, path complexity, and
// competency gap count.
type KnowledgeExtractor struct{}

func (KnowledgeExtractor) Extract(snap session.InteractionSnapshot, band config.WeightBand) Result {
	b := snap.Knowledge
	defaults := 0

	prereq, d := field(b.PrerequisiteCompletion)
	if d {
		defaults++
	}
	complexity, d := field(b.PathComplexity)
	if d {
		defaults++
	}
	gaps, d := fieldInt(b.CompetencyGaps)
	if d {
		defaults++
	}

	sig := 0.5*(prereq-0.5)*2 +
		0.3*((1-complexity)-0.5)*2 -
		0.2*minFloat(1, 0.1*float64(gaps))
	sig = clamp(sig, -1, 1)

	return Result{Signal: sig, Weight: bandMidpoint(band), Degraded: defaults >= defaultedThreshold}
}

// EngagementExtractor reads composite engagement, attention, intrinsic
// motivation, and task persistence.
type EngagementExtractor struct{}

func (EngagementExtractor) Extract(snap session.InteractionSnapshot, band config.WeightBand) Result {
	b := snap.Engagement
	defaults := 0

	engagement, d := field(b.CompositeEngagement)
	if d {
		defaults++
	}
	attention, d := field(b.Attention)
	if d {
		defaults++
	}
	intrinsic, d := field(b.IntrinsicMotivation)
	if d {
		defaults++
	}
	persistence, d := field(b.TaskPersistence)
	if d {
		defaults++
	}

	sig := 0.4*(engagement-0.5)*2 +
		0.3*(attention-0.5)*2 +
		0.2*(intrinsic-0.5)*2 +
		0.1*(persistence-0.5)*2
	sig = clamp(sig, -1, 1)

	return Result{Signal: sig, Weight: bandMidpoint(band), Degraded: defaults >= defaultedThreshold}
}

// AssessmentExtractor reads competency level, mean skill score, accuracy,
// and consistency.
type AssessmentExtractor struct{}

func (AssessmentExtractor) Extract(snap session.InteractionSnapshot, band config.WeightBand) Result {
	b := snap.Assessment
	defaults := 0

	competency, d := field(b.CompetencyLevel)
	if d {
		defaults++
	}
	skill, d := field(b.MeanSkillScore)
	if d {
		defaults++
	}
	accuracy, d := field(b.Accuracy)
	if d {
		defaults++
	}
	consistency, d := field(b.Consistency)
	if d {
		defaults++
	}

	sig := 0.4*(competency-0.5)*2 +
		0.3*(skill-0.5)*2 +
		0.2*(accuracy-0.5)*2 +
		0.1*(consistency-0.5)*2
	sig = clamp(sig, -1, 1)

	return Result{Signal: sig, Weight: bandMidpoint(band), Degraded: defaults >= defaultedThreshold}
}

func bandMidpoint(band config.WeightBand) float64 {
	return (band.Min + band.Max) / 2
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
