// Package toolapi implements the synchronous tool interface half of the
// Adaptation Fan-out (§4.7, §6): five HTTP endpoints that
// front the same extractors, calculator, and decision engine the session
// pipeline uses, without requiring a caller to hold a live websocket
// session. Routing follows the teacher's chi-based internal/api, layering
// go-chi/httprate as a coarse per-IP safety net in front of the
// project's own internal/ratelimit.Limiter, which enforces the finer
// per-tool-mode budgets named in §6.
package toolapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/arclight-learning/adaptcore/internal/anonymize"
	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/auth"
	"github.com/arclight-learning/adaptcore/internal/cache"
	"github.com/arclight-learning/adaptcore/internal/clock"
	"github.com/arclight-learning/adaptcore/internal/config"
	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/log"
	"github.com/arclight-learning/adaptcore/internal/pipeline"
	"github.com/arclight-learning/adaptcore/internal/ratelimit"
	"github.com/arclight-learning/adaptcore/internal/registry"
	"github.com/arclight-learning/adaptcore/internal/signal"
)

// knowledgeCacheTTL bounds how long a content architecture's extracted
// signal is reused before process_knowledge_model recomputes it. Domain
// graphs change far less often than learner/engagement state, so this
// endpoint is the one tool call worth caching.
const knowledgeCacheTTL = 30 * time.Second

// RelStore is the subset of store.RelStore the tool handlers persist
// through. Scoped to a narrow port so tests can fake it.
type RelStore interface {
	RecordAssessment(ctx context.Context, assessmentID, learnerID, sessionID, kind string, result any, ts time.Time) error
	RecordEngagement(ctx context.Context, engagementID, learnerID, sessionID string, interaction any, score float64, ts time.Time) error
}

// Deps bundles the collaborators every tool handler needs.
type Deps struct {
	Clock      *clock.Service
	Registry   *registry.Registry
	Dispatcher *pipeline.Dispatcher
	Rel        RelStore
	Cache      cache.Cache
	Config     config.Snapshot
	AuthToken  string
}

// NewRouter mounts the five tool endpoints under /tools.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(log.Middleware())
	r.Use(httprate.LimitByIP(200, time.Minute))

	limiter := ratelimit.New(ratelimit.DefaultConfig())

	h := &handlers{deps: deps, limiter: limiter}

	r.Route("/tools", func(tr chi.Router) {
		tr.Use(h.authenticate)
		tr.Post("/process_learner_model", h.withToolLimit("process_learner_model", h.processLearnerModel))
		tr.Post("/process_knowledge_model", h.withToolLimit("process_knowledge_model", h.processKnowledgeModel))
		tr.Post("/track_engagement", h.withToolLimit("track_engagement", h.trackEngagement))
		tr.Post("/evaluate_assessment", h.withToolLimit("evaluate_assessment", h.evaluateAssessment))
		tr.Post("/make_transition_decision", h.withToolLimit("make_transition_decision", h.makeTransitionDecision))
	})

	return r
}

type handlers struct {
	deps    Deps
	limiter *ratelimit.Limiter
}

func (h *handlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.AuthToken != "" && !auth.AuthorizeRequest(r, h.deps.AuthToken, false) {
			writeError(w, http.StatusUnauthorized, apperr.AuthFailure("unauthorized", "missing or invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) withToolLimit(mode string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(ratelimit.GetClientIP(r), mode) {
			writeError(w, http.StatusTooManyRequests, apperr.Busy("rate_limited", "tool call rate exceeded"))
			return
		}
		next(w, r)
	}
}

// envelope is the §6 response shape every tool endpoint returns.
type envelope struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
	Error     *errBody `json:"error,omitempty"`
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeEnvelope(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Status: "success", Timestamp: time.Now().UTC().Format(time.RFC3339), Payload: payload})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	code := apperr.CodeOf(err)
	msg := err.Error()
	if apperr.KindOf(err) == apperr.KindInternal {
		code, msg = "processing_error", "an internal error occurred"
	}
	_ = json.NewEncoder(w).Encode(envelope{
		Status:    "error",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     &errBody{Code: code, Message: msg},
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindBusy:
		return http.StatusTooManyRequests
	case apperr.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid_request_body", err.Error())
	}
	return nil
}

// ---- process_learner_model ----

type learnerModelRequest struct {
	LearnerID      string            `json:"learner_id"`
	StaticProfile  learnerProfileDTO `json:"static_profile"`
	DynamicProfile dynamicStatsDTO   `json:"dynamic_profile"`
}

// learnerProfileDTO carries the caller's raw demographic inputs. Age,
// location, and institution are generalised to their k-anonymity buckets
// server-side (internal/anonymize) before ever reaching a learner.Profile —
// this endpoint never trusts a caller-supplied bucket, since a self-
// reported bucket is not something the Learner Registry can verify.
type learnerProfileDTO struct {
	AgeYears                 int     `json:"age_years"`
	Location                 string  `json:"location"`
	Institution              string  `json:"institution"`
	PriorKnowledge           string  `json:"prior_knowledge"`
	GuidancePreference       string  `json:"guidance_preference"`
	InteractionStyle         string  `json:"interaction_style"`
	EnvironmentalSensitivity float64 `json:"environmental_sensitivity"`
}

type dynamicStatsDTO struct {
	MovingReadiness  float64 `json:"moving_readiness"`
	MovingEngagement float64 `json:"moving_engagement"`
	MovingAccuracy   float64 `json:"moving_accuracy"`
}

func (h *handlers) processLearnerModel(w http.ResponseWriter, r *http.Request) {
	var req learnerModelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	if req.LearnerID == "" {
		err := apperr.Validation("missing_learner_id", "learner_id is required")
		writeError(w, statusForKind(apperr.KindValidation), err)
		return
	}

	var payload any
	err := h.deps.Clock.WithDeadline(r.Context(), clock.OpToolLearnerModel, func(ctx context.Context) error {
		handle, err := h.deps.Registry.Acquire(ctx, req.LearnerID)
		if err != nil {
			return err
		}
		defer func() { _ = h.deps.Registry.Release(ctx, handle) }()

		rec := handle.Record()
		rec.Profile = anonymize.Profile(req.StaticProfile.AgeYears, req.StaticProfile.Location, req.StaticProfile.Institution, learner.Profile{
			PriorKnowledge:           learner.PriorKnowledgeLevel(req.StaticProfile.PriorKnowledge),
			GuidancePreference:       learner.GuidancePreference(req.StaticProfile.GuidancePreference),
			InteractionStyle:         learner.InteractionStyle(req.StaticProfile.InteractionStyle),
			EnvironmentalSensitivity: req.StaticProfile.EnvironmentalSensitivity,
		})
		rec.Dynamic = learner.DynamicStats{
			MovingReadiness:  req.DynamicProfile.MovingReadiness,
			MovingEngagement: req.DynamicProfile.MovingEngagement,
			MovingAccuracy:   req.DynamicProfile.MovingAccuracy,
			UpdatedAt:        time.Now(),
		}
		handle.Update(rec)

		readiness := rec.Dynamic.MovingReadiness
		pace := rec.Dynamic.MovingAccuracy
		engagementTrend := rec.Dynamic.MovingEngagement
		preferences := 0.5
		band := h.deps.Config.WeightBands["learner"]
		result := signal.LearnerExtractor{}.Extract(session.InteractionSnapshot{
			Learner: session.LearnerBlob{
				Readiness:           &readiness,
				Pace:                &pace,
				EngagementTrend:     &engagementTrend,
				Preferences:         &preferences,
				PriorKnowledgeLevel: string(rec.Profile.PriorKnowledge),
				GuidancePreference:  string(rec.Profile.GuidancePreference),
				InteractionStyle:    string(rec.Profile.InteractionStyle),
			},
		}, band)

		payload = map[string]any{
			"learner_id":     req.LearnerID,
			"anonymised_id":  rec.AnonymisedID,
			"signal":         result.Signal,
			"weight":         result.Weight,
			"degraded":       result.Degraded,
		}
		return nil
	})
	if err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	writeEnvelope(w, payload)
}

// ---- process_knowledge_model ----

type knowledgeModelRequest struct {
	DomainID           string                 `json:"domain_id"`
	ContentArchitecture map[string]any        `json:"content_architecture"`
}

func (h *handlers) processKnowledgeModel(w http.ResponseWriter, r *http.Request) {
	var req knowledgeModelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	if req.DomainID == "" {
		err := apperr.Validation("missing_domain_id", "domain_id is required")
		writeError(w, statusForKind(apperr.KindValidation), err)
		return
	}

	cacheKey := fmt.Sprintf("knowledge:%s:%v", req.DomainID, req.ContentArchitecture)
	if h.deps.Cache != nil {
		if cached, ok := h.deps.Cache.Get(cacheKey); ok {
			writeEnvelope(w, cached)
			return
		}
	}

	var payload any
	err := h.deps.Clock.WithDeadline(r.Context(), clock.OpToolKnowledge, func(ctx context.Context) error {
		prereq := floatFromMap(req.ContentArchitecture, "prerequisite_completion", 0.5)
		complexity := floatFromMap(req.ContentArchitecture, "path_complexity", 0.5)
		gaps := intFromMap(req.ContentArchitecture, "competency_gaps", 0)

		band := h.deps.Config.WeightBands["knowledge"]
		result := signal.KnowledgeExtractor{}.Extract(session.InteractionSnapshot{
			Knowledge: session.KnowledgeBlob{
				PrerequisiteCompletion: &prereq,
				PathComplexity:         &complexity,
				CompetencyGaps:         &gaps,
			},
		}, band)

		payload = map[string]any{
			"domain_id": req.DomainID,
			"signal":    result.Signal,
			"weight":    result.Weight,
			"degraded":  result.Degraded,
		}
		if h.deps.Cache != nil {
			h.deps.Cache.Set(cacheKey, payload, knowledgeCacheTTL)
		}
		return nil
	})
	if err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	writeEnvelope(w, payload)
}

// ---- track_engagement ----

type trackEngagementRequest struct {
	SessionID       string         `json:"session_id"`
	LearnerID       string         `json:"learner_id"`
	InteractionData map[string]any `json:"interaction_data"`
}

func (h *handlers) trackEngagement(w http.ResponseWriter, r *http.Request) {
	var req trackEngagementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	if req.LearnerID == "" {
		err := apperr.Validation("missing_learner_id", "learner_id is required")
		writeError(w, statusForKind(apperr.KindValidation), err)
		return
	}

	var payload any
	err := h.deps.Clock.WithDeadline(r.Context(), clock.OpToolEngagement, func(ctx context.Context) error {
		composite := floatFromMap(req.InteractionData, "composite_engagement", 0.5)
		attention := floatFromMap(req.InteractionData, "attention", 0.5)
		intrinsic := floatFromMap(req.InteractionData, "intrinsic_motivation", 0.5)
		persistence := floatFromMap(req.InteractionData, "task_persistence", 0.5)

		band := h.deps.Config.WeightBands["engagement"]
		result := signal.EngagementExtractor{}.Extract(session.InteractionSnapshot{
			Engagement: session.EngagementBlob{
				CompositeEngagement: &composite,
				Attention:           &attention,
				IntrinsicMotivation: &intrinsic,
				TaskPersistence:     &persistence,
			},
		}, band)

		if h.deps.Rel != nil {
			engagementID := req.LearnerID + ":" + time.Now().UTC().Format(time.RFC3339Nano)
			if err := h.deps.Rel.RecordEngagement(ctx, engagementID, req.LearnerID, req.SessionID, req.InteractionData, result.Signal, time.Now()); err != nil {
				return err
			}
		}

		payload = map[string]any{
			"session_id": req.SessionID,
			"learner_id": req.LearnerID,
			"signal":     result.Signal,
			"weight":     result.Weight,
			"degraded":   result.Degraded,
		}
		return nil
	})
	if err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	writeEnvelope(w, payload)
}

// ---- evaluate_assessment ----

type evaluateAssessmentRequest struct {
	CheckpointID   string         `json:"checkpoint_id"`
	LearnerID      string         `json:"learner_id"`
	SessionID      string         `json:"session_id"`
	AssessmentType string         `json:"assessment_type"`
	PerformanceData map[string]any `json:"performance_data"`
}

var validAssessmentTypes = map[string]bool{"formative": true, "authentic": true, "competency": true}

func (h *handlers) evaluateAssessment(w http.ResponseWriter, r *http.Request) {
	var req evaluateAssessmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	if req.CheckpointID == "" {
		err := apperr.Validation("missing_checkpoint_id", "checkpoint_id is required")
		writeError(w, statusForKind(apperr.KindValidation), err)
		return
	}
	if !validAssessmentTypes[req.AssessmentType] {
		err := apperr.Validation("invalid_assessment_type", "assessment_type must be one of formative, authentic, competency")
		writeError(w, statusForKind(apperr.KindValidation), err)
		return
	}

	var payload any
	err := h.deps.Clock.WithDeadline(r.Context(), clock.OpToolAssessment, func(ctx context.Context) error {
		competency := floatFromMap(req.PerformanceData, "competency_level", 0.5)
		skill := floatFromMap(req.PerformanceData, "mean_skill_score", 0.5)
		accuracy := floatFromMap(req.PerformanceData, "accuracy", 0.5)
		consistency := floatFromMap(req.PerformanceData, "consistency", 0.5)

		band := h.deps.Config.WeightBands["assessment"]
		result := signal.AssessmentExtractor{}.Extract(session.InteractionSnapshot{
			Assessment: session.AssessmentBlob{
				CompetencyLevel: &competency,
				MeanSkillScore:  &skill,
				Accuracy:        &accuracy,
				Consistency:     &consistency,
			},
		}, band)

		if h.deps.Rel != nil {
			if err := h.deps.Rel.RecordAssessment(ctx, req.CheckpointID, req.LearnerID, req.SessionID, req.AssessmentType, req.PerformanceData, time.Now()); err != nil {
				return err
			}
		}

		payload = map[string]any{
			"checkpoint_id":   req.CheckpointID,
			"assessment_type": req.AssessmentType,
			"signal":          result.Signal,
			"weight":          result.Weight,
			"degraded":        result.Degraded,
		}
		return nil
	})
	if err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	writeEnvelope(w, payload)
}

// ---- make_transition_decision ----

type transitionDecisionRequest struct {
	LearnerID    string            `json:"learner_id"`
	CurrentState stateDTO          `json:"current_state"`
	ModelInputs  modelInputsDTO    `json:"model_inputs"`
}

type stateDTO struct {
	CurrentEvent string  `json:"current_event"`
	Progress     float64 `json:"progress"`
}

type modelInputsDTO struct {
	Learner    map[string]any `json:"learner"`
	Knowledge  map[string]any `json:"knowledge"`
	Engagement map[string]any `json:"engagement"`
	Assessment map[string]any `json:"assessment"`
}

func snapshotFromModelInputs(m modelInputsDTO) session.InteractionSnapshot {
	readiness := floatFromMap(m.Learner, "readiness", 0.5)
	confidence := floatFromMap(m.Learner, "confidence", 0.5)
	engagementTrend := floatFromMap(m.Learner, "engagement_trend", 0.5)
	pace := floatFromMap(m.Learner, "pace", 0.5)
	preferences := floatFromMap(m.Learner, "preferences", 0.5)

	prereq := floatFromMap(m.Knowledge, "prerequisite_completion", 0.5)
	complexity := floatFromMap(m.Knowledge, "path_complexity", 0.5)
	gaps := intFromMap(m.Knowledge, "competency_gaps", 0)

	composite := floatFromMap(m.Engagement, "composite_engagement", 0.5)
	attention := floatFromMap(m.Engagement, "attention", 0.5)
	intrinsic := floatFromMap(m.Engagement, "intrinsic_motivation", 0.5)
	persistence := floatFromMap(m.Engagement, "task_persistence", 0.5)

	competency := floatFromMap(m.Assessment, "competency_level", 0.5)
	skill := floatFromMap(m.Assessment, "mean_skill_score", 0.5)
	accuracy := floatFromMap(m.Assessment, "accuracy", 0.5)
	consistency := floatFromMap(m.Assessment, "consistency", 0.5)

	return session.InteractionSnapshot{
		Timestamp: time.Now(),
		Learner: session.LearnerBlob{
			Readiness:           &readiness,
			Confidence:          &confidence,
			EngagementTrend:     &engagementTrend,
			Pace:                &pace,
			Preferences:         &preferences,
			PriorKnowledgeLevel: stringFromMap(m.Learner, "prior_knowledge_level"),
			GuidancePreference:  stringFromMap(m.Learner, "guidance_preference"),
			InteractionStyle:    stringFromMap(m.Learner, "interaction_style"),
		},
		Knowledge: session.KnowledgeBlob{
			PrerequisiteCompletion: &prereq,
			PathComplexity:         &complexity,
			CompetencyGaps:         &gaps,
		},
		Engagement: session.EngagementBlob{
			CompositeEngagement: &composite,
			Attention:           &attention,
			IntrinsicMotivation: &intrinsic,
			TaskPersistence:     &persistence,
		},
		Assessment: session.AssessmentBlob{
			CompetencyLevel: &competency,
			MeanSkillScore:  &skill,
			Accuracy:        &accuracy,
			Consistency:     &consistency,
		},
	}
}

func (h *handlers) makeTransitionDecision(w http.ResponseWriter, r *http.Request) {
	var req transitionDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}
	if req.LearnerID == "" {
		err := apperr.Validation("missing_learner_id", "learner_id is required")
		writeError(w, statusForKind(apperr.KindValidation), err)
		return
	}

	currentEvent := eventFromString(req.CurrentState.CurrentEvent)
	snap := snapshotFromModelInputs(req.ModelInputs)

	cmd, err := h.deps.Dispatcher.ToolDecision(r.Context(), req.LearnerID, currentEvent, req.CurrentState.Progress, snap)
	if err != nil {
		writeError(w, statusForKind(apperr.KindOf(err)), err)
		return
	}

	writeEnvelope(w, map[string]any{
		"learner_id": req.LearnerID,
		"command": map[string]any{
			"kind":      cmd.Kind,
			"reason":    cmd.Reason,
			"direction": cmd.Direction,
			"sequence":  cmd.Sequence,
			"issued_at": cmd.IssuedAt,
			"payload":   cmd.Payload,
		},
	})
}

func eventFromString(s string) session.LearningEvent {
	for e := session.Onboarding; e <= session.Mastery; e++ {
		if e.String() == s {
			return e
		}
	}
	return session.Onboarding
}

func floatFromMap(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

func stringFromMap(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intFromMap(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return def
}
