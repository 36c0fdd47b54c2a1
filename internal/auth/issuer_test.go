package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueThenVerify(t *testing.T) {
	iss := NewIssuer(time.Hour)
	tok, err := iss.Issue("learner-api", []string{"tool:invoke"})
	require.NoError(t, err)

	p, ok := iss.Verify(tok.Value)
	require.True(t, ok)
	assert.Equal(t, "learner-api", p.User)
}

func TestIssuer_ExpiredTokenRejected(t *testing.T) {
	iss := NewIssuer(-time.Minute) // already expired
	tok, err := iss.Issue("u", nil)
	require.NoError(t, err)

	_, ok := iss.Verify(tok.Value)
	assert.False(t, ok)
}

func TestIssuer_RevokeInvalidatesImmediately(t *testing.T) {
	iss := NewIssuer(time.Hour)
	tok, err := iss.Issue("u", nil)
	require.NoError(t, err)
	iss.Revoke(tok.Value)

	_, ok := iss.Verify(tok.Value)
	assert.False(t, ok)
}
