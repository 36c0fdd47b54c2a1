package session

// The four model-input blobs are opaque to everything except their matching
// Signal Extractor (§4.3). Missing fields default to 0.5 at extraction time
// and mark the result degraded, never fail to parse.

// LearnerBlob backs the learner extractor.
type LearnerBlob struct {
	Readiness        *float64
	Confidence       *float64
	EngagementTrend  *float64
	Pace             *float64
	Preferences      *float64

	PriorKnowledgeLevel     string // novice|beginner|intermediate|advanced
	GuidancePreference      string // high|moderate|low|adaptive
	InteractionStyle        string // guided|independent|collaborative
}

// KnowledgeBlob backs the knowledge extractor.
type KnowledgeBlob struct {
	PrerequisiteCompletion *float64
	PathComplexity         *float64
	CompetencyGaps         *int
}

// EngagementBlob backs the engagement extractor.
type EngagementBlob struct {
	CompositeEngagement *float64
	Attention           *float64
	IntrinsicMotivation *float64
	TaskPersistence     *float64
}

// AssessmentBlob backs the assessment extractor.
type AssessmentBlob struct {
	CompetencyLevel *float64
	MeanSkillScore  *float64
	Accuracy        *float64
	Consistency     *float64
}
