// Package anonymize implements the Learner Registry's anonymisation
// responsibility (§4.2): keyed hashing of direct identifiers and k-anonymity
// bucketing of demographics, so no outbound artefact reveals an individual
// learner beyond a bucket of size >= 5.
package anonymize

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/arclight-learning/adaptcore/internal/domain/learner"
)

// Secret is a process-lifetime key used to derive stable, non-reversible
// tokens. It is never persisted; restarting the process invalidates the
// mapping from learner_id to anonymised_id (any consumer that needs
// cross-restart stability must supply its own persisted secret via
// NewKeyedHasher).
type Secret [32]byte

// NewSecret draws a fresh process-lifetime secret.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("generate anonymisation secret: %w", err)
	}
	return s, nil
}

// KeyedHasher derives deterministic, non-reversible 16-hex-character tokens
// from an identifier plus the process secret.
type KeyedHasher struct {
	secret Secret
}

// NewKeyedHasher builds a hasher from an explicit secret, letting callers
// supply one persisted across restarts when anonymised_id stability beyond
// process lifetime is required.
func NewKeyedHasher(secret Secret) *KeyedHasher {
	return &KeyedHasher{secret: secret}
}

// Token returns a stable 16-hex-character token for id. Direct identifiers
// (email, phone, legal name, address) and learner_id itself are hashed this
// way (§4.2, §3 LearnerRecord.anonymised_id).
func (k *KeyedHasher) Token(id string) string {
	mac := hmac.New(sha256.New, k.secret[:])
	_, _ = mac.Write([]byte(id))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

// AgeBand generalises an age in years to its k-anonymity bucket, mirroring
// educational_security.py's _generalize_age. ageYears <= 0 means the
// caller never supplied one.
func AgeBand(ageYears int) learner.AgeBand {
	switch {
	case ageYears <= 0:
		return learner.AgeBandUnknown
	case ageYears < 18:
		return learner.AgeBandUnder18
	case ageYears <= 24:
		return learner.AgeBand18to24
	case ageYears <= 34:
		return learner.AgeBand25to34
	case ageYears <= 49:
		return learner.AgeBand35to49
	default:
		return learner.AgeBand50Plus
	}
}

// RegionTier generalises a raw location string (e.g. "New York, NY") to a
// coarse US region label for k-anonymity, mirroring
// educational_security.py's _generalize_location.
func RegionTier(location string) string {
	loc := strings.ToLower(location)
	switch {
	case loc == "":
		return "unspecified"
	case containsAny(loc, "ny", "new york", "nj", "new jersey", "ct", "connecticut"):
		return "Northeast US"
	case containsAny(loc, "ca", "california", "or", "oregon", "wa", "washington"):
		return "West Coast US"
	case containsAny(loc, "tx", "texas", "az", "arizona", "nm", "new mexico"):
		return "Southwest US"
	case containsAny(loc, "fl", "florida", "ga", "georgia", "al", "alabama"):
		return "Southeast US"
	default:
		return "Other US Region"
	}
}

// InstitutionTier generalises a raw institution name to its institution
// type for k-anonymity, mirroring educational_security.py's
// _generalize_institution.
func InstitutionTier(institution string) string {
	inst := strings.ToLower(institution)
	switch {
	case inst == "":
		return "unspecified"
	case containsAny(inst, "university", "college"):
		return "Higher Education"
	case containsAny(inst, "high school", "secondary"):
		return "Secondary Education"
	case containsAny(inst, "elementary", "primary"):
		return "Primary Education"
	case containsAny(inst, "corporate", "company", "training"):
		return "Corporate Training"
	default:
		return "Educational Institution"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Profile anonymises a learner.Profile built from raw demographic inputs,
// generalising age/location/institution to their k-anonymity buckets
// before the record is ever persisted. ageYears <= 0 means unknown;
// AgeBand maps it to learner.AgeBandUnknown.
func Profile(ageYears int, location, institution string, p learner.Profile) learner.Profile {
	out := p
	out.AgeBand = AgeBand(ageYears)
	out.Region = RegionTier(location)
	out.EducationTier = InstitutionTier(institution)
	return out
}
