package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testProfile struct {
	Region string `json:"region"`
	Score  int    `json:"score"`
}

func TestBox_SealThenOpen_RoundTrips(t *testing.T) {
	box, err := NewBox([]byte("a sufficiently long master secret value"), "learner_models")
	require.NoError(t, err)

	meta := Metadata{
		DataType:       "learner_profile",
		AccessLevel:    AccessConfidential,
		RetentionUntil: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	sealed, err := box.SealJSON(testProfile{Region: "eu-west", Score: 42}, meta)
	require.NoError(t, err)
	assert.Equal(t, meta, sealed.Metadata)

	var got testProfile
	require.NoError(t, box.OpenJSON(sealed, &got))
	assert.Equal(t, testProfile{Region: "eu-west", Score: 42}, got)
}

func TestBox_OpenFailsOnTamperedCiphertext(t *testing.T) {
	box, err := NewBox([]byte("a sufficiently long master secret value"), "learner_models")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("secret"), Metadata{AccessLevel: AccessRestricted})
	require.NoError(t, err)
	sealed.Ciphertext[len(sealed.Ciphertext)-1] ^= 0xFF

	_, err = box.Open(sealed)
	assert.Error(t, err)
}

func TestBox_OpenFailsOnMetadataSwap(t *testing.T) {
	box, err := NewBox([]byte("a sufficiently long master secret value"), "learner_models")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("secret"), Metadata{AccessLevel: AccessRestricted})
	require.NoError(t, err)
	sealed.Metadata.AccessLevel = AccessPublic

	_, err = box.Open(sealed)
	assert.Error(t, err)
}

func TestNewBox_DifferentInfoProducesDifferentKeys(t *testing.T) {
	secret := []byte("a sufficiently long master secret value")
	boxA, err := NewBox(secret, "learner_models")
	require.NoError(t, err)
	boxB, err := NewBox(secret, "assessment_results")
	require.NoError(t, err)

	sealed, err := boxA.Seal([]byte("secret"), Metadata{})
	require.NoError(t, err)

	_, err = boxB.Open(sealed)
	assert.Error(t, err)
}
