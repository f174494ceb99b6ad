package x402

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/nooterra/settld/internal/canon"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizePaymentReplayDoesNotPlaceSecondHold(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	gateID, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)

	in := AuthorizeInput{
		TenantID: "t1", GateID: gateID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_1",
		IdempotencyKey:    "idem-1",
	}
	first, err := r.gw.AuthorizePayment(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, first.State["state"])

	second, err := r.gw.AuthorizePayment(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.State["holdId"], second.State["holdId"])

	payerAfter, err := r.st.GetSnapshot(ctx, "t1", payerID)
	require.NoError(t, err)
	assert.Equal(t, float64(400), payerAfter.State["escrowLockedCents"], "a replayed authorize must not place a second hold")
}

func TestAuthorizePaymentReplayWithDifferentIntentIsMismatch(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	gateID, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)

	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_1",
		IdempotencyKey:    "idem-1",
	})
	require.NoError(t, err)

	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_2",
		IdempotencyKey:    "idem-1",
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("X402_EXECUTION_INTENT_IDEMPOTENCY_MISMATCH"), svcErr.Code)
}

func TestAuthorizePaymentRejectsExecutionIntentReusedAcrossGates(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	gateID1, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 200, Currency: "USD",
	})
	require.NoError(t, err)
	gateID2, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 200, Currency: "USD",
	})
	require.NoError(t, err)

	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID1,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "shared_intent",
	})
	require.NoError(t, err)

	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID2,
		RequestBinding:    RequestBinding{RequestBodyHash: "h2"},
		ExecutionIntentID: "shared_intent",
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("X402_EXECUTION_INTENT_CONFLICT"), svcErr.Code)
}

func TestVerifyReplayDoesNotReleaseHoldTwice(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	gateID, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_1",
	})
	require.NoError(t, err)

	in := VerifyInput{
		TenantID: "t1", GateID: gateID, VerificationStatus: VerificationGreen, RunStatus: "completed",
		EvidenceRefs: []string{"http:request_sha256:h1", "http:response_sha256:h2"},
		Policy: ReleasePolicy{Mode: "auto", Rules: map[string]ReleaseRule{
			VerificationGreen: {AutoRelease: true, ReleaseRatePct: 100},
		}},
		IdempotencyKey: "verify-idem-1",
	}
	first, err := r.gw.Verify(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, first.State["state"])

	second, err := r.gw.Verify(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.Revision, second.Revision)

	payeeSnap, err := r.st.GetSnapshot(ctx, "t1", payeeID)
	require.NoError(t, err)
	assert.Equal(t, float64(400), payeeSnap.State["availableCents"], "a replayed verify must not release the hold twice")
}

func TestAuthorizePaymentRejectsDelegationGrantOverDailyCap(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	grantID, _, err := r.grants.Issue(ctx, identity.IssueInput{
		TenantID: "t1", GrantType: identity.GrantTypeDelegation, GranterID: payerID, GranteeID: payeeID,
		SpendLimit: identity.SpendLimit{MaxPerCallCents: 400, MaxDailyCents: 500, Currency: "USD"},
		Validity:   identity.Validity{NotBefore: time.Now().Add(-time.Hour)},
	})
	require.NoError(t, err)

	gateID1, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID1, DelegationGrantRef: grantID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_1",
	})
	require.NoError(t, err)

	gateID2, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 300, Currency: "USD",
	})
	require.NoError(t, err)
	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID2, DelegationGrantRef: grantID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h2"},
		ExecutionIntentID: "intent_2",
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("X402_DELEGATION_GRANT_TOTAL_EXCEEDED"), svcErr.Code)
}

func TestAuthorizePaymentRequiresWalletAuthorizationDecisionToken(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	gateID, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 400, Currency: "USD",
		SponsorWalletRef: "sponsor_wallet_1",
	})
	require.NoError(t, err)

	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_1",
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("X402_WALLET_ISSUER_DECISION_REQUIRED"), svcErr.Code)
}

func TestAuthorizePaymentAcceptsValidWalletAuthorizationDecisionToken(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keyID := walletIssuerKeyID("sponsor_wallet_1")
	r.signers.Register("t1", keyID, pub, time.Now().Add(-time.Hour), nil)

	gateID, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 400, Currency: "USD",
		SponsorWalletRef: "sponsor_wallet_1",
	})
	require.NoError(t, err)

	contentHash, err := canon.HashOf(map[string]any{
		"sponsorWalletRef":     "sponsor_wallet_1",
		"delegationLineageRef": "",
		"maxAmountCents":       int64(400),
	})
	require.NoError(t, err)
	sig := canon.Sign(priv, contentHash)

	authSnap, err := r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_1",
		WalletAuthorizationDecisionToken: &WalletAuthorizationDecisionToken{
			IssuerKeyID: keyID, SponsorWalletRef: "sponsor_wallet_1", MaxAmountCents: 400, SignatureB64: sig,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, authSnap.State["state"])
}

func TestVerifyLatencyPluginOverridesSubmittedStatus(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	gateID, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)
	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_1",
	})
	require.NoError(t, err)

	verifySnap, err := r.gw.Verify(ctx, VerifyInput{
		TenantID: "t1", GateID: gateID,
		VerificationStatus: VerificationGreen, // submitted green, but the run actually timed out
		RunStatus:          "timeout",
		VerificationMethod: VerifierIdentity{VerifierID: "v1", Source: "latency"},
		EvidenceRefs:       []string{"http:request_sha256:h1", "http:response_sha256:h2"},
		Policy: ReleasePolicy{Mode: "auto", Rules: map[string]ReleaseRule{
			VerificationGreen: {AutoRelease: true, ReleaseRatePct: 100},
			VerificationRed:   {AutoRelease: false},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, verifySnap.State["state"])

	settlement, _ := verifySnap.State["settlement"].(map[string]any)
	assert.Equal(t, VerificationRed, settlement["verificationStatus"])
	assert.Equal(t, VerificationGreen, settlement["submittedVerificationStatus"])
	assert.Equal(t, true, settlement["verificationOverridden"])

	payeeSnap, err := r.st.GetSnapshot(ctx, "t1", payeeID)
	require.NoError(t, err)
	assert.Equal(t, float64(0), payeeSnap.State["availableCents"])
}
