package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/resilience"
	"github.com/nooterra/settld/internal/store"
	"github.com/nooterra/settld/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret []byte, ts, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(fmt.Sprintf("t=%s.%s", ts, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAcceptsValidWithinTolerance(t *testing.T) {
	secret := []byte("whsec_test")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := `{"type":"invoice.paid"}`
	sig := sign(secret, ts, body)

	err := VerifySignature(secret, ts, body, sig, 5*time.Minute, now)
	require.NoError(t, err)
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("whsec_test")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	body := `{"type":"invoice.paid"}`
	sig := sign(secret, ts, body)

	err := VerifySignature(secret, ts, body, sig, 5*time.Minute, now)
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("WEBHOOK_TIMESTAMP_OUT_OF_TOLERANCE"), svcErr.Code)
}

func TestVerifySignatureRejectsBadSignature(t *testing.T) {
	secret := []byte("whsec_test")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := `{"type":"invoice.paid"}`

	err := VerifySignature(secret, ts, body, "deadbeef", 5*time.Minute, now)
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("WEBHOOK_SIGNATURE_INVALID"), svcErr.Code)
}

func TestDeliverDeadLettersOnPermanentFailure(t *testing.T) {
	st := memory.New()
	breaker := resilience.New("billing-webhook", resilience.DefaultConfig())
	d := New(st, breaker, resilience.RetryConfig{MaxAttempts: 1})
	ctx := context.Background()

	err := d.Deliver(ctx, "t1", "evt_1", map[string]any{"type": "invoice.paid"}, func(ctx context.Context) error {
		return coordinatorerrors.SchemaInvalid("bad event payload")
	})
	require.Error(t, err)

	letters, err := st.ListDeadLetters(ctx, store.ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "evt_1", letters[0].EventID)
	assert.False(t, letters[0].Replayable)
}

func TestReplayRejectsNonReplayableAndMissing(t *testing.T) {
	st := memory.New()
	breaker := resilience.New("billing-webhook", resilience.DefaultConfig())
	d := New(st, breaker, resilience.RetryConfig{MaxAttempts: 1})
	ctx := context.Background()

	err := d.Deliver(ctx, "t1", "evt_bad", nil, func(ctx context.Context) error {
		return coordinatorerrors.SchemaInvalid("malformed")
	})
	require.Error(t, err)

	replayErr := d.Replay(ctx, "t1", "evt_bad", func(ctx context.Context) error { return nil })
	require.Error(t, replayErr)
	svcErr, ok := coordinatorerrors.As(replayErr)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeConflict, svcErr.Code)

	_, err = st.ListDeadLetters(ctx, store.ListFilter{TenantID: "t1"})
	require.NoError(t, err)

	missingErr := d.Replay(ctx, "t1", "evt_missing", func(ctx context.Context) error { return nil })
	require.Error(t, missingErr)
	svcErr, ok = coordinatorerrors.As(missingErr)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeNotFound, svcErr.Code)
}

func TestDeliverRecoversWithoutDeadLetterOnEventualSuccess(t *testing.T) {
	st := memory.New()
	breaker := resilience.New("billing-webhook-2", resilience.DefaultConfig())
	d := New(st, breaker, resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2})
	ctx := context.Background()

	attempts := 0
	err := d.Deliver(ctx, "t1", "evt_ok", nil, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return coordinatorerrors.New("UPSTREAM_TIMEOUT", "upstream timed out", 503)
		}
		return nil
	})
	require.NoError(t, err)

	letters, err := st.ListDeadLetters(ctx, store.ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, letters)
}
