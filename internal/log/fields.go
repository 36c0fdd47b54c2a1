// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID       = "session_id"
	FieldLearnerID       = "learner_id"
	FieldAnonymisedID    = "anonymised_id"
	FieldCorrelationID   = "correlation_id"
	FieldRequestID       = "request_id"
	FieldClientRequestID = "client_request_id"
	FieldJobID           = "job_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldOp        = "op"
	FieldSequence  = "sequence"

	// Decision / state fields
	FieldOldState       = "old_state"
	FieldNewState       = "new_state"
	FieldCommandKind    = "command_kind"
	FieldDecisionReason = "decision_reason"

	// Path / storage fields
	FieldPath = "path"
	FieldTable = "table"
)
