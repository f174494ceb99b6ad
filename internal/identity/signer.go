// Package identity owns agent registration, signer-key lifecycle, and the
// authority/delegation/capability grant graph: everything the rest of the
// coordinator consults to answer "is this caller, key, or grant allowed to
// do this, right now."
package identity

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/nooterra/settld/internal/canon"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
)

// SignerKeyStatus is a signer key's lifecycle state.
type SignerKeyStatus string

const (
	SignerKeyActive  SignerKeyStatus = "active"
	SignerKeyRotated SignerKeyStatus = "rotated"
	SignerKeyRevoked SignerKeyStatus = "revoked"
)

// SignerKey is a registered Ed25519 public key plus its validity window and
// lifecycle state.
type SignerKey struct {
	TenantID  string
	KeyID     string
	PublicKey ed25519.PublicKey
	Status    SignerKeyStatus
	ValidFrom time.Time
	ValidTo   *time.Time // nil means open-ended
}

// SignerRegistry is the per-process cache of registered signer keys. Per
// spec it is advisory: the Store remains the source of truth and the
// registry must be rebuildable by replaying SignerKeyRegistered /
// SignerKeyRotated / SignerKeyRevoked events.
type SignerRegistry struct {
	mu   sync.RWMutex
	keys map[string]*SignerKey // tenantID|keyID
}

// NewSignerRegistry builds an empty registry.
func NewSignerRegistry() *SignerRegistry {
	return &SignerRegistry{keys: make(map[string]*SignerKey)}
}

func signerKey(tenantID, keyID string) string { return tenantID + "|" + keyID }

// Register adds a new active signer key.
func (r *SignerRegistry) Register(tenantID, keyID string, pub ed25519.PublicKey, validFrom time.Time, validTo *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[signerKey(tenantID, keyID)] = &SignerKey{
		TenantID: tenantID, KeyID: keyID, PublicKey: pub,
		Status: SignerKeyActive, ValidFrom: validFrom, ValidTo: validTo,
	}
}

// Rotate marks a key rotated as of now; it stays in the map (queryable) but
// evaluateSignerLifecycle will reject it for any `at` from this point on.
func (r *SignerRegistry) Rotate(tenantID, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[signerKey(tenantID, keyID)]
	if !ok {
		return coordinatorerrors.NotFound("signerKey", keyID)
	}
	k.Status = SignerKeyRotated
	now := time.Now().UTC()
	k.ValidTo = &now
	return nil
}

// Revoke marks a key revoked immediately.
func (r *SignerRegistry) Revoke(tenantID, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[signerKey(tenantID, keyID)]
	if !ok {
		return coordinatorerrors.NotFound("signerKey", keyID)
	}
	k.Status = SignerKeyRevoked
	now := time.Now().UTC()
	k.ValidTo = &now
	return nil
}

// Get returns the registered key, or nil if not registered.
func (r *SignerRegistry) Get(tenantID, keyID string) *SignerKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[signerKey(tenantID, keyID)]
}

// evaluateSignerLifecycle returns nil only if status is active and
// notBefore <= at <= notAfter; any other outcome carries one of the stable
// SIGNER_KEY_* reason codes reused across every caller (spec §4.4).
func evaluateSignerLifecycle(k *SignerKey, at time.Time) error {
	if k == nil {
		return signerKeyError("SIGNER_KEY_NOT_REGISTERED", "signer key is not registered")
	}
	switch k.Status {
	case SignerKeyRotated:
		return signerKeyError("SIGNER_KEY_ROTATED", "signer key has been rotated")
	case SignerKeyRevoked:
		return signerKeyError("SIGNER_KEY_REVOKED", "signer key has been revoked")
	case SignerKeyActive:
		// fall through to window check
	default:
		return signerKeyError("SIGNER_KEY_NOT_ACTIVE", "signer key is not active")
	}
	if at.Before(k.ValidFrom) {
		return signerKeyError("SIGNER_KEY_NOT_YET_VALID", "signer key is not yet valid at this time")
	}
	if k.ValidTo != nil && at.After(*k.ValidTo) {
		return signerKeyError("SIGNER_KEY_EXPIRED", "signer key validity window has elapsed")
	}
	return nil
}

func signerKeyError(code, message string) *coordinatorerrors.ServiceError {
	return coordinatorerrors.New(coordinatorerrors.Code(code), message, 409)
}

// VerifySignedEvent implements kernel.SignerLifecycleChecker: it resolves
// keyID, checks its lifecycle at `at`, and verifies signatureB64 against
// contentHashHex under the registered public key.
func (r *SignerRegistry) VerifySignedEvent(ctx context.Context, tenantID, keyID, contentHashHex, signatureB64 string, at time.Time) error {
	k := r.Get(tenantID, keyID)
	if err := evaluateSignerLifecycle(k, at); err != nil {
		return err
	}
	if !canon.Verify(k.PublicKey, contentHashHex, signatureB64) {
		return coordinatorerrors.Unauthorized("event signature does not verify against registered signer key")
	}
	return nil
}
