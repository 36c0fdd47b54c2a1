// Package ws implements the duplex transport side of the Adaptation
// Fan-out (§4.7, §6): one framed-JSON websocket connection per session,
// carrying connect/learning_data/disconnect/error frames. Grounded on the
// teacher's pkg/api websocket hub, narrowed from a broadcast hub to a
// per-connection request/response loop since every adaptation command here
// is already a direct reply to the frame that produced it.
// adaptation_request is listed in the advertised capabilities but is not
// handled: such a frame is answered with an invalid_action error.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/auth"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/log"
	"github.com/arclight-learning/adaptcore/internal/pipeline"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 70 * time.Second // generous relative to the 5s streaming cadence
)

var serverCapabilities = []string{
	"learning_data", "adaptation_request", "disconnect",
}

// Handler upgrades incoming HTTP requests to websocket connections and runs
// the per-session frame loop against a Dispatcher.
type Handler struct {
	Dispatcher    *pipeline.Dispatcher
	AuthToken     string // empty disables auth, matching auth.AuthorizeRequest's fail-closed behaviour for non-empty expected tokens
	AllowQueryAuth bool

	upgrader websocket.Upgrader
}

// NewHandler builds a Handler serving sessions through d.
func NewHandler(d *pipeline.Dispatcher) *Handler {
	return &Handler{
		Dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type envelope struct {
	Type string `json:"type"`
}

type sessionConfigWire struct {
	LearningDomain        string  `json:"learning_domain"`
	TargetLearningEvent   string  `json:"target_learning_event"`
	AdaptationSensitivity string  `json:"adaptation_sensitivity"`
	Difficulty            float64 `json:"difficulty"`
	SupportLevel          string  `json:"support_level"`
}

type connectFrame struct {
	Type          string            `json:"type"`
	LearnerID     string            `json:"learner_id"`
	SessionConfig sessionConfigWire `json:"session_config"`
}

type interactionSnapshotWire struct {
	LearnerState          map[string]any `json:"learner_state"`
	EngagementMetrics     map[string]any `json:"engagement_metrics"`
	PerformanceIndicators map[string]any `json:"performance_indicators"`
	VRMetrics             map[string]any `json:"vr_metrics"`
	EducationalContext    map[string]any `json:"educational_context"`
}

type learningDataFrame struct {
	Type                string                  `json:"type"`
	SessionID           string                  `json:"session_id"`
	Timestamp           time.Time               `json:"timestamp"`
	InteractionSnapshot interactionSnapshotWire `json:"interaction_snapshot"`
}

type disconnectFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type commandWire struct {
	Kind        string         `json:"kind"`
	Reason      string         `json:"reason,omitempty"`
	Direction   int            `json:"direction,omitempty"`
	TargetEvent string         `json:"target_event,omitempty"`
	Sequence    uint64         `json:"sequence"`
	IssuedAt    time.Time      `json:"issued_at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func commandsToWire(cmds []session.AdaptationCommand) []commandWire {
	out := make([]commandWire, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, commandWire{
			Kind:      string(c.Kind),
			Reason:    c.Reason,
			Direction: c.Direction,
			Sequence:  c.Sequence,
			IssuedAt:  c.IssuedAt,
			Payload:   c.Payload,
		})
	}
	return out
}

type connectionEstablishedFrame struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id"`
	Capabilities []string `json:"capabilities"`
}

type learningStateWire struct {
	CurrentEvent string  `json:"current_event"`
	Progress     float64 `json:"progress"`
}

type adaptationResponseFrame struct {
	Type                string            `json:"type"`
	SessionID           string            `json:"session_id"`
	AdaptationCommands  []commandWire     `json:"adaptation_commands"`
	UpdatedLearningState learningStateWire `json:"updated_learning_state"`
}

type summaryWire struct {
	FinalEvent     string    `json:"final_event"`
	Progress       float64   `json:"progress"`
	TotalEvents    int       `json:"total_events"`
	AdaptationsOut int       `json:"adaptations_out"`
	HelpRequests   int       `json:"help_requests"`
	Reason         string    `json:"reason"`
	ClosedAt       time.Time `json:"closed_at"`
}

type disconnectionConfirmedFrame struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Summary   summaryWire `json:"summary"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func getFloat(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func getInt(m map[string]any, key string) *int {
	f := getFloat(m, key)
	if f == nil {
		return nil
	}
	i := int(*f)
	return &i
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// snapshotFromWire maps the duplex wire's nested metric maps onto the four
// model-input blobs (§6 interaction_snapshot). Unknown or absent fields are
// simply left nil; the extractors treat that as degraded input (§4.3).
func snapshotFromWire(sessionID string, ts time.Time, w interactionSnapshotWire) session.InteractionSnapshot {
	ls, em, pi := w.LearnerState, w.EngagementMetrics, w.PerformanceIndicators

	snap := session.InteractionSnapshot{
		SessionID: sessionID,
		Timestamp: ts,
		Learner: session.LearnerBlob{
			Readiness:           getFloat(ls, "readiness"),
			Confidence:          getFloat(ls, "confidence"),
			EngagementTrend:     getFloat(ls, "engagement_trend"),
			Pace:                getFloat(ls, "pace"),
			Preferences:         getFloat(ls, "preferences"),
			PriorKnowledgeLevel: getString(ls, "prior_knowledge_level"),
			GuidancePreference:  getString(ls, "guidance_preference"),
			InteractionStyle:    getString(ls, "interaction_style"),
		},
		Knowledge: session.KnowledgeBlob{
			PrerequisiteCompletion: getFloat(pi, "prerequisite_completion"),
			PathComplexity:         getFloat(pi, "path_complexity"),
			CompetencyGaps:         getInt(pi, "competency_gaps"),
		},
		Engagement: session.EngagementBlob{
			CompositeEngagement: getFloat(em, "composite_engagement"),
			Attention:           getFloat(em, "attention"),
			IntrinsicMotivation: getFloat(em, "intrinsic_motivation"),
			TaskPersistence:     getFloat(em, "task_persistence"),
		},
		Assessment: session.AssessmentBlob{
			CompetencyLevel: getFloat(pi, "competency_level"),
			MeanSkillScore:  getFloat(pi, "mean_skill_score"),
			Accuracy:        getFloat(pi, "accuracy"),
			Consistency:     getFloat(pi, "consistency"),
		},
		Environment: session.EnvironmentTag(getString(w.EducationalContext, "environment")),
	}

	if v := getFloat(w.EducationalContext, "session_duration_minutes"); v != nil {
		snap.SessionDurationMinutes = *v
	}
	if v := getInt(w.EducationalContext, "wall_hour"); v != nil {
		snap.WallHour = *v
	} else {
		snap.WallHour = ts.Hour()
	}
	if v, ok := em["help_requested"].(bool); ok {
		snap.HelpRequested = v
	}

	return snap
}

func sensitivityFromWire(s string) session.Sensitivity {
	switch session.Sensitivity(s) {
	case session.SensitivityLow, session.SensitivityHigh:
		return session.Sensitivity(s)
	default:
		return session.SensitivityMedium
	}
}

func eventFromWire(s string) session.LearningEvent {
	for e := session.Onboarding; e <= session.Mastery; e++ {
		if e.String() == s {
			return e
		}
	}
	return session.Onboarding
}

// ServeHTTP upgrades the request and runs the per-connection frame loop
// until the client disconnects or a fatal protocol error occurs.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.AuthToken != "" && !auth.AuthorizeRequest(r, h.AuthToken, h.AllowQueryAuth) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.L().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var sessionID string

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if sessionID != "" {
				_, _ = h.Dispatcher.Disconnect(r.Context(), sessionID, "transport_closed")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.writeError(conn, "invalid_action", "malformed message frame")
			continue
		}

		switch env.Type {
		case "connect":
			var f connectFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				h.writeError(conn, "invalid_action", "malformed connect frame")
				continue
			}
			rec, err := h.Dispatcher.Connect(r.Context(), f.LearnerID, r.RemoteAddr, session.Configuration{
				Domain:       f.SessionConfig.LearningDomain,
				TargetEvent:  eventFromWire(f.SessionConfig.TargetLearningEvent),
				Sensitivity:  sensitivityFromWire(f.SessionConfig.AdaptationSensitivity),
				Difficulty:   f.SessionConfig.Difficulty,
				SupportLevel: f.SessionConfig.SupportLevel,
			})
			if err != nil {
				h.writeAppError(conn, err)
				continue
			}
			sessionID = rec.SessionID
			h.write(conn, connectionEstablishedFrame{Type: "connection_established", SessionID: rec.SessionID, Capabilities: serverCapabilities})

		case "learning_data":
			var f learningDataFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				h.writeError(conn, "invalid_action", "malformed learning_data frame")
				continue
			}
			if f.SessionID == "" {
				h.writeError(conn, "missing_learner_id", "session_id is required")
				continue
			}
			snap := snapshotFromWire(f.SessionID, f.Timestamp, f.InteractionSnapshot)
			cmds, err := h.Dispatcher.Ingest(r.Context(), f.SessionID, snap)
			if err != nil {
				h.writeAppError(conn, err)
				continue
			}
			rec, _, _ := h.Dispatcher.SessionRecord(r.Context(), f.SessionID)
			h.write(conn, adaptationResponseFrame{
				Type:               "adaptation_response",
				SessionID:          f.SessionID,
				AdaptationCommands: commandsToWire(cmds),
				UpdatedLearningState: learningStateWire{
					CurrentEvent: rec.CurrentEvent.String(),
					Progress:     rec.Progress,
				},
			})

		case "disconnect":
			var f disconnectFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				h.writeError(conn, "invalid_action", "malformed disconnect frame")
				continue
			}
			summary, err := h.Dispatcher.Disconnect(r.Context(), f.SessionID, f.Reason)
			if err != nil {
				h.writeAppError(conn, err)
				continue
			}
			h.write(conn, disconnectionConfirmedFrame{
				Type:      "disconnection_confirmed",
				SessionID: f.SessionID,
				Summary: summaryWire{
					FinalEvent:     summary.FinalEvent.String(),
					Progress:       summary.Progress,
					TotalEvents:    summary.TotalEvents,
					AdaptationsOut: summary.AdaptationsOut,
					HelpRequests:   summary.HelpRequests,
					Reason:         summary.Reason,
					ClosedAt:       summary.ClosedAt,
				},
			})
			return

		default:
			h.writeError(conn, "invalid_action", "unknown message type: "+env.Type)
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, v any) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		log.L().Warn().Err(err).Msg("websocket write failed")
	}
}

func (h *Handler) writeError(conn *websocket.Conn, code, message string) {
	h.write(conn, errorFrame{Type: "error", Code: code, Message: message})
}

// writeAppError maps a classified apperr.Error onto the stable error codes
// named in §7; unclassified errors surface as processing_error.
func (h *Handler) writeAppError(conn *websocket.Conn, err error) {
	code := apperr.CodeOf(err)
	msg := err.Error()
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindAuth, apperr.KindNotFound, apperr.KindBusy:
		h.writeError(conn, code, msg)
	default:
		h.writeError(conn, "processing_error", "an internal error occurred processing this request")
	}
}
