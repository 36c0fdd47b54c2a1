package config

import (
	"fmt"
	"time"
)

// WeightBand is an inclusive [Min, Max] range for a signal weight.
type WeightBand struct {
	Min float64
	Max float64
}

// ParamBand is an inclusive [Min, Max] range for a calculator parameter.
type ParamBand struct {
	Min float64
	Max float64
}

// Snapshot is the immutable startup configuration consumed by the pipeline
// factory and every component it builds. It is assembled once from the
// environment, validated, and frozen; reload replaces it wholesale, never
// mutates it in place.
type Snapshot struct {
	Epoch uint64

	ServerName string
	Debug      bool

	MaxConcurrentLearners     int
	SessionIdleTimeout        time.Duration
	InboundQueueCapacity      int
	CalculatorBudget          time.Duration
	EndToEndBudget            time.Duration
	DataRetentionDays         int
	FERPAComplianceEnabled    bool
	AnonymisationEnabled      bool
	AuditLoggingEnabled       bool
	AuthTokenTTL              time.Duration
	CacheEnabled              bool
	PersistenceLocation       string

	AlphaBand  ParamBand
	BetaBand   ParamBand
	WeightBands map[string]WeightBand // keys: "learner", "knowledge", "engagement", "assessment"
}

// DefaultSnapshot returns the spec-mandated defaults before env overrides.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		ServerName:             "adaptcore",
		Debug:                  false,
		MaxConcurrentLearners:  64,
		SessionIdleTimeout:     60 * time.Minute,
		InboundQueueCapacity:   64,
		CalculatorBudget:       10 * time.Millisecond,
		EndToEndBudget:         25 * time.Millisecond,
		DataRetentionDays:      365,
		FERPAComplianceEnabled: true,
		AnonymisationEnabled:   true,
		AuditLoggingEnabled:    true,
		AuthTokenTTL:           24 * time.Hour,
		CacheEnabled:           true,
		PersistenceLocation:    "./data/adaptcore",
		AlphaBand:              ParamBand{Min: 0.1, Max: 1.0},
		BetaBand:               ParamBand{Min: 0.0, Max: 0.5},
		WeightBands: map[string]WeightBand{
			"learner":    {Min: 0.25, Max: 0.40},
			"knowledge":  {Min: 0.20, Max: 0.35},
			"engagement": {Min: 0.15, Max: 0.30},
			"assessment": {Min: 0.20, Max: 0.35},
		},
	}
}

// Load builds a Snapshot from the process environment on top of the
// defaults, the way the teacher's env.go + snapshot assembly does it: each
// field's provenance (env vs default) is logged as it is read.
func Load() Snapshot {
	d := DefaultSnapshot()
	s := Snapshot{
		ServerName:             ParseString("ADAPTCORE_SERVER_NAME", d.ServerName),
		Debug:                  ParseBool("ADAPTCORE_DEBUG", d.Debug),
		MaxConcurrentLearners:  ParseInt("ADAPTCORE_MAX_CONCURRENT_LEARNERS", d.MaxConcurrentLearners),
		SessionIdleTimeout:     ParseDuration("ADAPTCORE_SESSION_IDLE_TIMEOUT", d.SessionIdleTimeout),
		InboundQueueCapacity:   ParseInt("ADAPTCORE_INBOUND_QUEUE_CAPACITY", d.InboundQueueCapacity),
		CalculatorBudget:       ParseDuration("ADAPTCORE_CALCULATOR_BUDGET", d.CalculatorBudget),
		EndToEndBudget:         ParseDuration("ADAPTCORE_END_TO_END_BUDGET", d.EndToEndBudget),
		DataRetentionDays:      ParseInt("ADAPTCORE_DATA_RETENTION_DAYS", d.DataRetentionDays),
		FERPAComplianceEnabled: ParseBool("ADAPTCORE_FERPA_COMPLIANCE", d.FERPAComplianceEnabled),
		AnonymisationEnabled:   ParseBool("ADAPTCORE_ANONYMISATION_ENABLED", d.AnonymisationEnabled),
		AuditLoggingEnabled:    ParseBool("ADAPTCORE_AUDIT_LOGGING_ENABLED", d.AuditLoggingEnabled),
		AuthTokenTTL:           ParseDuration("ADAPTCORE_AUTH_TOKEN_TTL", d.AuthTokenTTL),
		CacheEnabled:           ParseBool("ADAPTCORE_CACHE_ENABLED", d.CacheEnabled),
		PersistenceLocation:    ParseString("ADAPTCORE_PERSISTENCE_LOCATION", d.PersistenceLocation),
		AlphaBand:              d.AlphaBand,
		BetaBand:               d.BetaBand,
		WeightBands:            d.WeightBands,
	}
	return s
}

// Validate rejects a snapshot with out-of-range or contradictory values. It
// is run once at startup (and again on any explicit reload) before the
// snapshot is ever handed to a pipeline.
func Validate(s Snapshot) error {
	if s.MaxConcurrentLearners <= 0 {
		return fmt.Errorf("max_concurrent_learners must be > 0, got %d", s.MaxConcurrentLearners)
	}
	if s.InboundQueueCapacity <= 0 {
		return fmt.Errorf("inbound_queue_capacity must be > 0, got %d", s.InboundQueueCapacity)
	}
	if s.CalculatorBudget <= 0 {
		return fmt.Errorf("calculator_budget_ms must be > 0")
	}
	if s.EndToEndBudget <= 0 {
		return fmt.Errorf("end_to_end_budget_ms must be > 0")
	}
	if s.SessionIdleTimeout <= 0 {
		return fmt.Errorf("session_idle_timeout_minutes must be > 0")
	}
	if s.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth_token_ttl_hours must be > 0")
	}
	if s.AlphaBand.Min < 0 || s.AlphaBand.Max > 1.0 || s.AlphaBand.Min > s.AlphaBand.Max {
		return fmt.Errorf("alpha band invalid: %+v", s.AlphaBand)
	}
	if s.BetaBand.Min < 0 || s.BetaBand.Max > 1.0 || s.BetaBand.Min > s.BetaBand.Max {
		return fmt.Errorf("beta band invalid: %+v", s.BetaBand)
	}
	for name, band := range s.WeightBands {
		if band.Min < 0 || band.Max > 1.0 || band.Min > band.Max {
			return fmt.Errorf("weight band %q invalid: %+v", name, band)
		}
	}
	return nil
}
