// Package learner defines the LearnerRecord entity owned exclusively by the
// Learner Registry.
package learner

import "time"

// PriorKnowledgeLevel is the coarse prior-knowledge bucket used to seed the
// learner extractor's weight base.
type PriorKnowledgeLevel string

const (
	PriorKnowledgeNovice       PriorKnowledgeLevel = "novice"
	PriorKnowledgeBeginner     PriorKnowledgeLevel = "beginner"
	PriorKnowledgeIntermediate PriorKnowledgeLevel = "intermediate"
	PriorKnowledgeAdvanced     PriorKnowledgeLevel = "advanced"
)

// GuidancePreference nudges the learner extractor's weight base: a learner
// who needs more hand-holding leans more on this signal, an adaptive one
// leans slightly more too, and one who needs little guidance leans less.
type GuidancePreference string

const (
	GuidanceHigh     GuidancePreference = "high"
	GuidanceModerate GuidancePreference = "moderate"
	GuidanceLow      GuidancePreference = "low"
	GuidanceAdaptive GuidancePreference = "adaptive"
)

// InteractionStyle nudges the learner extractor's weight base: guided
// learners need more personalisation than independent ones, with
// collaborative learners in between.
type InteractionStyle string

const (
	InteractionGuided        InteractionStyle = "guided"
	InteractionIndependent   InteractionStyle = "independent"
	InteractionCollaborative InteractionStyle = "collaborative"
)

// AgeBand is a k-anonymity bucket for age (§4.2).
type AgeBand string

const (
	AgeBandUnder18 AgeBand = "<18"
	AgeBand18to24  AgeBand = "18-24"
	AgeBand25to34  AgeBand = "25-34"
	AgeBand35to49  AgeBand = "35-49"
	AgeBand50Plus  AgeBand = "50+"
	AgeBandUnknown AgeBand = "unknown"
)

// Profile holds the learner's static attributes, already generalised to
// coarse buckets (anonymisation never needs to re-generalise a Profile —
// only the raw demographic fields the caller supplied, which are not
// retained beyond anonymisation).
type Profile struct {
	AgeBand            AgeBand
	Region             string // already coarse region label, not a specific location
	EducationTier      string // tier label, not a specific institution
	PriorKnowledge     PriorKnowledgeLevel
	GuidancePreference GuidancePreference
	InteractionStyle   InteractionStyle
	// EnvironmentalSensitivity in [0,1] scales the calculator's ε term for
	// this learner (§4.4).
	EnvironmentalSensitivity float64
}

// DynamicStats are moving averages updated as the learner's sessions
// progress. They are read by extractors as defaults when a session hasn't
// yet produced enough signal of its own.
type DynamicStats struct {
	MovingReadiness  float64
	MovingEngagement float64
	MovingAccuracy   float64
	UpdatedAt        time.Time
}

// Record is the LearnerRecord entity (§3). At most one active Record exists
// per LearnerID at any time; that invariant is enforced by the Registry,
// not by this type.
type Record struct {
	LearnerID    string
	AnonymisedID string // deterministic keyed hash of LearnerID, cached for consistency
	Profile      Profile
	Dynamic      DynamicStats
	CreatedAt    time.Time
}
