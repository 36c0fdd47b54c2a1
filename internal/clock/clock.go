// Package clock implements the Clock & Deadline Service: a monotonic time
// source that wraps units of work in a deadline and records their observed
// latency in a bounded per-operation ring buffer.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arclight-learning/adaptcore/internal/apperr"
)

// Op identifies an operation class for budget and latency-observation
// purposes.
type Op string

const (
	OpCalculatorStep   Op = "calculator_step"
	OpEndToEnd         Op = "end_to_end"
	OpToolLearnerModel Op = "tool_learner_model"
	OpToolKnowledge    Op = "tool_knowledge_model"
	OpToolEngagement   Op = "tool_engagement"
	OpToolAssessment   Op = "tool_assessment"
	OpToolDecision     Op = "tool_decision"
)

// DefaultBudgets mirrors the per-operation budgets named by the spec.
func DefaultBudgets() map[Op]time.Duration {
	return map[Op]time.Duration{
		OpCalculatorStep:   10 * time.Millisecond,
		OpEndToEnd:         25 * time.Millisecond,
		OpToolLearnerModel: 100 * time.Millisecond,
		OpToolKnowledge:    100 * time.Millisecond,
		OpToolEngagement:   100 * time.Millisecond,
		OpToolAssessment:   200 * time.Millisecond,
		OpToolDecision:     500 * time.Millisecond,
	}
}

const ringSize = 256

// ring is a fixed-capacity circular buffer of observed latencies for one
// operation class.
type ring struct {
	mu     sync.Mutex
	buf    [ringSize]time.Duration
	next   int
	filled bool
}

func (r *ring) push(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = d
	r.next = (r.next + 1) % ringSize
	if r.next == 0 {
		r.filled = true
	}
}

func (r *ring) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.filled {
		n = ringSize
	}
	out := make([]time.Duration, n)
	copy(out, r.buf[:n])
	return out
}

func (r *ring) percentile(p float64) time.Duration {
	s := r.snapshot()
	if len(s) == 0 {
		return 0
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	idx := int(p * float64(len(s)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

// ViolationHook is invoked whenever a deadline is breached. The pipeline
// wires this to its logger and metrics.
type ViolationHook func(op Op, budget, observed time.Duration)

// Service is the Clock & Deadline Service. Zero value is unusable; use New.
type Service struct {
	budgets map[Op]time.Duration
	rings   sync.Map // Op -> *ring

	onViolation ViolationHook
}

// New builds a Service with the given budgets. A nil map uses defaults.
func New(budgets map[Op]time.Duration, onViolation ViolationHook) *Service {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	return &Service{budgets: budgets, onViolation: onViolation}
}

// Now returns the current monotonic instant.
func (s *Service) Now() time.Time {
	return time.Now()
}

func (s *Service) ringFor(op Op) *ring {
	v, _ := s.rings.LoadOrStore(op, &ring{})
	return v.(*ring)
}

// Observe records a latency sample for an operation class.
func (s *Service) Observe(op Op, latency time.Duration) {
	s.ringFor(op).push(latency)
}

// Percentile returns the p-th percentile (0..1) observed latency for op.
func (s *Service) Percentile(op Op, p float64) time.Duration {
	return s.ringFor(op).percentile(p)
}

// Budget returns the configured budget for op, or 0 if unset.
func (s *Service) Budget(op Op) time.Duration {
	return s.budgets[op]
}

// WithDeadline runs fn under the operation's budget, observing its latency
// and raising DeadlineExceeded (without aborting the caller's session) if
// the budget is breached. When a budget is set, fn's context is cancelled
// once the budget elapses. If fn overran the budget and returned nil,
// WithDeadline returns DeadlineExceeded; otherwise it returns fn's own
// error. The caller decides how to react to the returned error.
func (s *Service) WithDeadline(ctx context.Context, op Op, fn func(ctx context.Context) error) error {
	budget := s.budgets[op]
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	err := fn(runCtx)
	elapsed := time.Since(start)
	s.Observe(op, elapsed)

	if budget > 0 && elapsed > budget {
		if s.onViolation != nil {
			s.onViolation(op, budget, elapsed)
		}
		if err == nil {
			return apperr.DeadlineExceeded("latency_violation", string(op)+" exceeded budget")
		}
	}
	return err
}
