package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSnapshot_Validates(t *testing.T) {
	require.NoError(t, Validate(DefaultSnapshot()))
}

func TestValidate_RejectsZeroQueueCapacity(t *testing.T) {
	s := DefaultSnapshot()
	s.InboundQueueCapacity = 0
	assert.Error(t, Validate(s))
}

func TestValidate_RejectsInvertedWeightBand(t *testing.T) {
	s := DefaultSnapshot()
	s.WeightBands["learner"] = WeightBand{Min: 0.5, Max: 0.1}
	assert.Error(t, Validate(s))
}

func TestHolder_ReloadKeepsOldOnInvalidCandidate(t *testing.T) {
	h, err := NewHolder(DefaultSnapshot())
	require.NoError(t, err)

	before := h.Current()
	bad := DefaultSnapshot()
	bad.MaxConcurrentLearners = -1

	err = h.Reload(bad)
	assert.Error(t, err)
	assert.Equal(t, before.Epoch, h.Current().Epoch)
}

func TestHolder_ReloadAppliesValidCandidate(t *testing.T) {
	h, err := NewHolder(DefaultSnapshot())
	require.NoError(t, err)

	next := DefaultSnapshot()
	next.ServerName = "renamed"
	require.NoError(t, h.Reload(next))
	assert.Equal(t, "renamed", h.Current().ServerName)
}
