// Package session defines the SessionRecord, TransitionState,
// InteractionSnapshot, AdaptationCommand, and AuditRecord entities owned by
// the Session Pipeline.
package session

import "time"

// LearningEvent is one of the five ordered pedagogical stages. Order matters:
// the Decision Policy advances and remediates along this sequence.
type LearningEvent int

const (
	Onboarding LearningEvent = iota
	Introduction
	Practice
	Application
	Mastery
)

func (e LearningEvent) String() string {
	switch e {
	case Onboarding:
		return "onboarding"
	case Introduction:
		return "introduction"
	case Practice:
		return "practice"
	case Application:
		return "application"
	case Mastery:
		return "mastery"
	default:
		return "unknown"
	}
}

// Next returns the next learning event, or Mastery itself if already there.
func (e LearningEvent) Next() LearningEvent {
	if e >= Mastery {
		return Mastery
	}
	return e + 1
}

// Prev returns the previous learning event, clamped at Onboarding.
func (e LearningEvent) Prev() LearningEvent {
	if e <= Onboarding {
		return Onboarding
	}
	return e - 1
}

// Sensitivity is the configured adaptation sensitivity for a session.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// EnvironmentTag scales the calculator's ε term (§4.4).
type EnvironmentTag string

const (
	EnvironmentOptimal    EnvironmentTag = "optimal"
	EnvironmentStandard   EnvironmentTag = "standard"
	EnvironmentNoisy      EnvironmentTag = "noisy"
	EnvironmentDistracted EnvironmentTag = "distracted"
	EnvironmentMobile     EnvironmentTag = "mobile"
)

// Configuration is the session's fixed connect-time configuration.
type Configuration struct {
	Domain       string
	TargetEvent  LearningEvent
	Sensitivity  Sensitivity
	Difficulty   float64 // [0,1]
	SupportLevel string
}

// Counters accumulate over a session's lifetime.
type Counters struct {
	EventsIn      int
	AdaptationsOut int
	HelpRequests  int
}

// LatencyHistogram is a minimal bucketed summary of per-event latencies,
// distinct from the Clock service's own op-class rings: this one is scoped
// to a single session and persisted with the SessionRecord.
type LatencyHistogram struct {
	Count  int
	SumNS  int64
	MaxNS  int64
}

// Observe folds one latency sample into the histogram.
func (h *LatencyHistogram) Observe(d time.Duration) {
	h.Count++
	h.SumNS += int64(d)
	if int64(d) > h.MaxNS {
		h.MaxNS = int64(d)
	}
}

// Lifecycle is the per-session state machine (§4.6).
type Lifecycle string

const (
	Connecting Lifecycle = "connecting"
	Active     Lifecycle = "active"
	Draining   Lifecycle = "draining"
	Closed     Lifecycle = "closed"
)

// Record is the SessionRecord entity. It is exclusively owned by its
// pipeline for the duration of one event; no other component may mutate it.
type Record struct {
	SessionID   string
	LearnerID   string
	Channel     string // transport channel identity, for the (learner_id, channel) uniqueness invariant
	CreatedAt   time.Time
	LastEventAt time.Time

	Configuration Configuration
	CurrentEvent  LearningEvent
	Progress      float64 // [0,1]
	Counters      Counters
	Latency       LatencyHistogram

	State Lifecycle
}

// TransitionState is owned by its SessionRecord and mutated only inside the
// Transition Calculator under the pipeline's serialisation discipline.
type TransitionState struct {
	SessionID string

	Value         float64 // [0,1]
	PreviousValue float64 // [0,1]
	Integration   float64 // Δ, [-1,1]
	Noise         float64 // ε, [-0.5,0.5]

	Alpha float64 // [0.1,1.0]
	Beta  float64 // [0,0.5]

	WeightLearner    float64
	WeightKnowledge  float64
	WeightEngagement float64
	WeightAssessment float64

	Confidence float64 // [0,1]
	Stability  float64 // [0,1]

	UpdatedAt time.Time
}

// InteractionSnapshot carries the four raw model-input blobs for one event.
// The blobs are opaque to the core except through the Signal Extractors.
type InteractionSnapshot struct {
	SessionID string
	Timestamp time.Time

	Learner    LearnerBlob
	Knowledge  KnowledgeBlob
	Engagement EngagementBlob
	Assessment AssessmentBlob

	SessionDurationMinutes float64
	WallHour               int
	Environment            EnvironmentTag

	// HelpRequested marks this event as an explicit help request, feeding
	// the Decision Policy's recent help-request rate (§4.5 rule 4).
	HelpRequested bool
}

// CommandKind enumerates AdaptationCommand kinds (§3, §4.5).
type CommandKind string

const (
	CommandAdvanceEvent     CommandKind = "advance_event"
	CommandHoldEvent        CommandKind = "hold_event"
	CommandRemediate        CommandKind = "remediate"
	CommandIncreaseSupport  CommandKind = "increase_support"
	CommandDecreaseSupport  CommandKind = "decrease_support"
	CommandAdjustDifficulty CommandKind = "adjust_difficulty"
	CommandOfferHelp        CommandKind = "offer_help"
	CommandTerminate        CommandKind = "terminate"
)

// AdaptationCommand is a single directive sent back toward the client.
// Commands for one session are totally ordered; Sequence is strictly
// increasing within a SessionID.
type AdaptationCommand struct {
	SessionID string
	Sequence  uint64
	Kind      CommandKind
	Reason    string // e.g. "low_confidence", populated for hold_event/remediate
	Direction int    // +1/-1 for adjust_difficulty, 0 otherwise
	Payload   map[string]any
	IssuedAt  time.Time
}

// AuditEventKind enumerates AuditRecord event kinds (§3).
type AuditEventKind string

const (
	AuditAccess    AuditEventKind = "access"
	AuditModify    AuditEventKind = "modify"
	AuditEncrypt   AuditEventKind = "encrypt"
	AuditDecrypt   AuditEventKind = "decrypt"
	AuditAnonymise AuditEventKind = "anonymise"
	AuditAuth      AuditEventKind = "auth"
	AuditError     AuditEventKind = "error"
)

// Summary is returned to the client on disconnection_confirmed and to the
// idle sweeper / recovery path when a session is finalised.
type Summary struct {
	SessionID      string
	LearnerID      string
	FinalEvent     LearningEvent
	Progress       float64
	TotalEvents    int
	AdaptationsOut int
	HelpRequests   int
	Reason         string
	ClosedAt       time.Time
}

// AuditRecord is append-only and never mutated after it is written.
type AuditRecord struct {
	Sequence  uint64
	SessionID string
	LearnerID string
	Kind      AuditEventKind
	Success   bool
	Timestamp time.Time
	Metadata  map[string]any
}
