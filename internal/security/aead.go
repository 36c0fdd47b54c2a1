// Package security provides authenticated encryption for learner-identifying
// rows at rest (§6 persistence layout: "all learner-identifying rows are
// encrypted-at-rest with symmetric authenticated encryption").
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AccessLevel classifies a payload's sensitivity per the persistence layout
// table's `access_level` column.
type AccessLevel string

const (
	AccessPublic       AccessLevel = "public"
	AccessEducational  AccessLevel = "educational"
	AccessRestricted   AccessLevel = "restricted"
	AccessConfidential AccessLevel = "confidential"
)

// Metadata travels alongside an encrypted payload, unencrypted, so stores
// can index/filter on it without decrypting.
type Metadata struct {
	DataType       string      `json:"data_type"`
	AccessLevel    AccessLevel `json:"access_level"`
	RetentionUntil time.Time   `json:"retention_until,omitzero"`
}

// Sealed is what gets persisted: ciphertext plus its metadata. Nonce is
// prepended to Ciphertext, matching the wire layout used for the
// project's other AEAD usage (qzmq-style nonce||ciphertext framing).
type Sealed struct {
	Ciphertext []byte   `json:"ciphertext"`
	Metadata   Metadata `json:"metadata"`
}

// Box derives a single symmetric key from a master secret via HKDF and
// seals/opens payloads with ChaCha20-Poly1305. One Box is created per
// logical table/column pair (distinguished by HKDF info) so that
// compromising one key does not expose every table.
type Box struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewBox derives a table-scoped key from masterSecret using HKDF-SHA256,
// with info binding the key to its purpose so two boxes never share a key
// even when derived from the same secret.
func NewBox(masterSecret []byte, info string) (*Box, error) {
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte("adaptcore-security:"+info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("security: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("security: init aead: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext, authenticating meta as additional data so
// metadata cannot be swapped onto a different ciphertext undetected.
func (b *Box) Seal(plaintext []byte, meta Metadata) (Sealed, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("security: generate nonce: %w", err)
	}
	aad, err := json.Marshal(meta)
	if err != nil {
		return Sealed{}, fmt.Errorf("security: marshal metadata: %w", err)
	}
	ct := b.aead.Seal(nonce, nonce, plaintext, aad)
	return Sealed{Ciphertext: ct, Metadata: meta}, nil
}

// Open decrypts a Sealed payload, verifying that its metadata matches what
// was authenticated at Seal time.
func (b *Box) Open(s Sealed) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(s.Ciphertext) < nonceSize {
		return nil, fmt.Errorf("security: ciphertext shorter than nonce")
	}
	aad, err := json.Marshal(s.Metadata)
	if err != nil {
		return nil, fmt.Errorf("security: marshal metadata: %w", err)
	}
	nonce, ct := s.Ciphertext[:nonceSize], s.Ciphertext[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("security: authentication failed: %w", err)
	}
	return plaintext, nil
}

// SealJSON is a convenience for the common case of encrypting a
// JSON-serializable struct (e.g. a learner.Profile or DynamicStats blob).
func (b *Box) SealJSON(v any, meta Metadata) (Sealed, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return Sealed{}, fmt.Errorf("security: marshal payload: %w", err)
	}
	return b.Seal(buf, meta)
}

// OpenJSON decrypts and unmarshals into out.
func (b *Box) OpenJSON(s Sealed, out any) error {
	buf, err := b.Open(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
