package identity

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/nooterra/settld/internal/canon"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignedEventAcceptsActiveKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := NewSignerRegistry()
	r.Register("t1", "key_1", pub, time.Now().Add(-time.Hour), nil)

	hash := "deadbeef"
	sig := canon.Sign(priv, hash)

	err = r.VerifySignedEvent(context.Background(), "t1", "key_1", hash, sig, time.Now())
	assert.NoError(t, err)
}

func TestVerifySignedEventRejectsUnregisteredKey(t *testing.T) {
	r := NewSignerRegistry()
	err := r.VerifySignedEvent(context.Background(), "t1", "ghost", "h", "s", time.Now())
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("SIGNER_KEY_NOT_REGISTERED"), svcErr.Code)
}

func TestVerifySignedEventRejectsRotatedKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := NewSignerRegistry()
	r.Register("t1", "key_1", pub, time.Now().Add(-time.Hour), nil)
	require.NoError(t, r.Rotate("t1", "key_1"))

	hash := "deadbeef"
	sig := canon.Sign(priv, hash)

	err = r.VerifySignedEvent(context.Background(), "t1", "key_1", hash, sig, time.Now().Add(time.Minute))
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("SIGNER_KEY_ROTATED"), svcErr.Code)
}

func TestVerifySignedEventRejectsRevokedKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := NewSignerRegistry()
	r.Register("t1", "key_1", pub, time.Now().Add(-time.Hour), nil)
	require.NoError(t, r.Revoke("t1", "key_1"))

	err = r.VerifySignedEvent(context.Background(), "t1", "key_1", "h", "s", time.Now())
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("SIGNER_KEY_REVOKED"), svcErr.Code)
}

func TestVerifySignedEventRejectsNotYetValidAndExpired(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := NewSignerRegistry()
	future := time.Now().Add(time.Hour)
	r.Register("t1", "key_future", pub, future, nil)
	err = r.VerifySignedEvent(context.Background(), "t1", "key_future", "h", "s", time.Now())
	require.Error(t, err)
	svcErr, _ := coordinatorerrors.As(err)
	assert.Equal(t, coordinatorerrors.Code("SIGNER_KEY_NOT_YET_VALID"), svcErr.Code)

	validTo := time.Now().Add(-time.Minute)
	r.Register("t1", "key_expired", pub, time.Now().Add(-time.Hour), &validTo)
	err = r.VerifySignedEvent(context.Background(), "t1", "key_expired", "h", "s", time.Now())
	require.Error(t, err)
	svcErr, _ = coordinatorerrors.As(err)
	assert.Equal(t, coordinatorerrors.Code("SIGNER_KEY_EXPIRED"), svcErr.Code)
}

func TestVerifySignedEventRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := NewSignerRegistry()
	r.Register("t1", "key_1", pub, time.Now().Add(-time.Hour), nil)

	err = r.VerifySignedEvent(context.Background(), "t1", "key_1", "deadbeef", "bm90LWEtc2ln", time.Now())
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeUnauthorized, svcErr.Code)
}
