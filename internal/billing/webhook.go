// Package billing implements the subscription-billing webhook surface:
// provider-signature verification, retry/circuit-breaker-shielded
// delivery, dead-lettering of failed deliveries, and idempotent replay
// (spec §4.10).
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/resilience"
	"github.com/nooterra/settld/internal/store"
)

// VerifySignature checks a provider webhook signature computed as
// HMAC-SHA256 over "t=<ts>.<body>", rejecting deliveries whose timestamp
// falls outside tolerance of now (spec §4.10: "HMAC over t=<ts>.<body>,
// tolerance window configurable").
func VerifySignature(secret []byte, timestamp, body, signatureHex string, tolerance time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return coordinatorerrors.SchemaInvalid("webhook timestamp is not a valid unix seconds value")
	}
	deliveredAt := time.Unix(ts, 0).UTC()
	if delta := now.UTC().Sub(deliveredAt); delta > tolerance || delta < -tolerance {
		return coordinatorerrors.New("WEBHOOK_TIMESTAMP_OUT_OF_TOLERANCE", "webhook timestamp is outside the tolerance window", 400).
			WithDetails("deltaSeconds", delta.Seconds())
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(fmt.Sprintf("t=%s.%s", timestamp, body)))
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(signatureHex)
	if err != nil || !hmac.Equal(given, expected) {
		return coordinatorerrors.New("WEBHOOK_SIGNATURE_INVALID", "webhook signature does not match", 400)
	}
	return nil
}

// Dispatcher shields webhook processing with retry/backoff and a circuit
// breaker, dead-lettering deliveries that exhaust both.
type Dispatcher struct {
	st      store.Store
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// New builds a Dispatcher over st, using breaker for the upstream-call
// shield and retryCfg for the backoff schedule.
func New(st store.Store, breaker *resilience.CircuitBreaker, retryCfg resilience.RetryConfig) *Dispatcher {
	return &Dispatcher{st: st, breaker: breaker, retry: retryCfg}
}

// Handler processes one decoded webhook event; any returned error is
// retried under the Dispatcher's retry policy, and isReplayable only
// decides whether the resulting dead letter may be replayed.
type Handler func(ctx context.Context) error

// Deliver runs handler under the circuit breaker and retry policy. On
// exhaustion it records a DeadLetter row keyed by eventID so the event
// can be inspected and replayed later (spec §4.10: "failed webhook
// deliveries land in a dead-letter store with {eventId, reason,
// replayable}").
func (d *Dispatcher) Deliver(ctx context.Context, tenantID, eventID string, payload map[string]any, handler Handler) error {
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, d.retry, func(ctx context.Context) error { return handler(ctx) })
	})
	if err == nil {
		return nil
	}

	dl := store.DeadLetter{
		TenantID:   tenantID,
		EventID:    eventID,
		Reason:     err.Error(),
		Replayable: isReplayable(err),
		Payload:    payload,
	}
	if putErr := d.st.CommitTx(ctx, time.Now().UTC(), []store.Op{{Kind: store.OpDeadLetterPut, DeadLetter: &dl}}); putErr != nil {
		return putErr
	}
	return err
}

// isReplayable classifies whether a delivery failure is worth retrying:
// schema/validation failures (4xx, excluding 429/408) are permanent;
// everything else (upstream 5xx, timeouts, circuit-open) is replayable.
func isReplayable(err error) bool {
	svcErr, ok := coordinatorerrors.As(err)
	if !ok {
		return true
	}
	if svcErr.HTTPStatus >= 400 && svcErr.HTTPStatus < 500 && svcErr.HTTPStatus != 408 && svcErr.HTTPStatus != 429 {
		return false
	}
	return true
}

// Replay finds the dead-lettered event and re-runs handler, returning
// NotFound if no such event exists and Conflict if it was classified
// non-replayable. Because handler is expected to be idempotent
// (downstream commands route through the same idempotencyKey path as
// their first delivery), replay is safe to call more than once.
func (d *Dispatcher) Replay(ctx context.Context, tenantID, eventID string, handler Handler) error {
	letters, err := d.st.ListDeadLetters(ctx, store.ListFilter{TenantID: tenantID})
	if err != nil {
		return err
	}
	var found *store.DeadLetter
	for i := range letters {
		if letters[i].EventID == eventID {
			found = &letters[i]
			break
		}
	}
	if found == nil {
		return coordinatorerrors.NotFound("deadLetter", eventID)
	}
	if !found.Replayable {
		return coordinatorerrors.Conflict("dead letter is not replayable").WithDetails("eventId", eventID).WithDetails("reason", found.Reason)
	}
	return d.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, d.retry, func(ctx context.Context) error { return handler(ctx) })
	})
}
