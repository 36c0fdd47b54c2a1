package anonymize

import (
	"testing"

	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/stretchr/testify/assert"
)

func TestAgeBand_Buckets(t *testing.T) {
	cases := []struct {
		age  int
		want learner.AgeBand
	}{
		{0, learner.AgeBandUnknown},
		{-5, learner.AgeBandUnknown},
		{17, learner.AgeBandUnder18},
		{18, learner.AgeBand18to24},
		{24, learner.AgeBand18to24},
		{25, learner.AgeBand25to34},
		{34, learner.AgeBand25to34},
		{35, learner.AgeBand35to49},
		{49, learner.AgeBand35to49},
		{50, learner.AgeBand50Plus},
		{70, learner.AgeBand50Plus},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, AgeBand(c.age))
	}
}

func TestRegionTier_GeneralisesKnownStates(t *testing.T) {
	cases := []struct {
		location string
		want     string
	}{
		{"", "unspecified"},
		{"New York, NY", "Northeast US"},
		{"Los Angeles, CA", "West Coast US"},
		{"Austin, TX", "Southwest US"},
		{"Miami, FL", "Southeast US"},
		{"Honolulu, HI", "Other US Region"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RegionTier(c.location))
	}
}

func TestInstitutionTier_GeneralisesKnownTypes(t *testing.T) {
	cases := []struct {
		institution string
		want        string
	}{
		{"", "unspecified"},
		{"State University", "Higher Education"},
		{"Lincoln High School", "Secondary Education"},
		{"Oakdale Elementary", "Primary Education"},
		{"Acme Corporate Training", "Corporate Training"},
		{"Community Learning Center", "Educational Institution"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, InstitutionTier(c.institution))
	}
}

func TestProfile_GeneralisesRawDemographicsBeforeStorage(t *testing.T) {
	in := learner.Profile{PriorKnowledge: learner.PriorKnowledgeNovice}
	out := Profile(16, "Brooklyn, NY", "PS 123 Elementary", in)

	assert.Equal(t, learner.AgeBandUnder18, out.AgeBand)
	assert.Equal(t, "Northeast US", out.Region)
	assert.Equal(t, "Primary Education", out.EducationTier)
	assert.Equal(t, learner.PriorKnowledgeNovice, out.PriorKnowledge)
}

func TestKeyedHasher_TokenIsStableAndKeyed(t *testing.T) {
	secret, err := NewSecret()
	assert.NoError(t, err)
	h := NewKeyedHasher(secret)

	a := h.Token("learner-1")
	b := h.Token("learner-1")
	c := h.Token("learner-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
