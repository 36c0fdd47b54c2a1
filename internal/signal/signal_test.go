package signal

import (
	"testing"

	"github.com/arclight-learning/adaptcore/internal/config"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/stretchr/testify/assert"
)

func ptr(f float64) *float64 { return &f }
func iptr(i int) *int        { return &i }

func TestLearnerExtractor_AllFieldsPresent(t *testing.T) {
	band := config.WeightBand{Min: 0.25, Max: 0.40}
	snap := session.InteractionSnapshot{
		Learner: session.LearnerBlob{
			Readiness:           ptr(0.85),
			Confidence:          ptr(0.8),
			EngagementTrend:     ptr(0.5),
			Pace:                ptr(0.5),
			Preferences:         ptr(0.6),
			PriorKnowledgeLevel: "novice",
			GuidancePreference:  "high",
			InteractionStyle:    "guided",
		},
	}

	r := LearnerExtractor{}.Extract(snap, band)
	assert.False(t, r.Degraded)
	assert.InDelta(t, 0.40, r.Weight, 1e-9) // 0.40 base clamped at band max
	assert.Greater(t, r.Signal, 0.0)
}

func TestLearnerExtractor_DegradedWhenFieldsMissing(t *testing.T) {
	band := config.WeightBand{Min: 0.25, Max: 0.40}
	snap := session.InteractionSnapshot{}
	r := LearnerExtractor{}.Extract(snap, band)
	assert.True(t, r.Degraded)
}

func TestKnowledgeExtractor_Formula(t *testing.T) {
	band := config.WeightBand{Min: 0.20, Max: 0.35}
	snap := session.InteractionSnapshot{
		Knowledge: session.KnowledgeBlob{
			PrerequisiteCompletion: ptr(1.0),
			PathComplexity:         ptr(0.0),
			CompetencyGaps:         iptr(0),
		},
	}
	r := KnowledgeExtractor{}.Extract(snap, band)
	// 0.5*(1-0.5)*2 + 0.3*((1-0)-0.5)*2 - 0 = 0.5 + 0.3 = 0.8
	assert.InDelta(t, 0.8, r.Signal, 1e-9)
	assert.InDelta(t, 0.275, r.Weight, 1e-9)
	assert.False(t, r.Degraded)
}

func TestEngagementExtractor_Formula(t *testing.T) {
	band := config.WeightBand{Min: 0.15, Max: 0.30}
	snap := session.InteractionSnapshot{
		Engagement: session.EngagementBlob{
			CompositeEngagement: ptr(1.0),
			Attention:           ptr(1.0),
			IntrinsicMotivation: ptr(1.0),
			TaskPersistence:     ptr(1.0),
		},
	}
	r := EngagementExtractor{}.Extract(snap, band)
	assert.InDelta(t, 1.0, r.Signal, 1e-9)
}

func TestAssessmentExtractor_ClampsToUnitRange(t *testing.T) {
	band := config.WeightBand{Min: 0.20, Max: 0.35}
	snap := session.InteractionSnapshot{
		Assessment: session.AssessmentBlob{
			CompetencyLevel: ptr(0.0),
			MeanSkillScore:  ptr(0.0),
			Accuracy:        ptr(0.0),
			Consistency:     ptr(0.0),
		},
	}
	r := AssessmentExtractor{}.Extract(snap, band)
	assert.InDelta(t, -1.0, r.Signal, 1e-9)
}
