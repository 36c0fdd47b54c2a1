package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	records []session.AuditRecord
}

func (f *fakeSink) AppendAudit(_ context.Context, rec session.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func TestRecord_AssignsStrictlyIncreasingSequence(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink)

	for i := 0; i < 5; i++ {
		_, err := r.Access(context.Background(), "s1", "l1", true, nil)
		require.NoError(t, err)
	}

	require.Len(t, sink.records, 5)
	for i := 1; i < len(sink.records); i++ {
		assert.Greater(t, sink.records[i].Sequence, sink.records[i-1].Sequence)
	}
}

func TestError_MarksSuccessFalse(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink)

	rec, err := r.Error(context.Background(), "s1", "l1", map[string]any{"reason": "numeric_fault"})
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, session.AuditError, rec.Kind)
}
