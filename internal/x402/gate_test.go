package x402

import (
	"context"
	"crypto/ed25519"
	"testing"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/identity"
	"github.com/nooterra/settld/internal/kernel"
	"github.com/nooterra/settld/internal/ledger"
	"github.com/nooterra/settld/internal/store"
	"github.com/nooterra/settld/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	gw      *Gateway
	agents  *identity.AgentRegistry
	grants  *identity.GrantRegistry
	ldg     *ledger.Ledger
	st      store.Store
	signers *identity.SignerRegistry
}

func newTestRig() *testRig {
	st := memory.New()
	k := kernel.New(st, nil, nil)
	agents := identity.NewAgentRegistry(k)
	grants := identity.NewGrantRegistry(k, st)
	ldg := ledger.New(st)
	signers := identity.NewSignerRegistry()
	gw := New(k, st, ldg, grants, agents, signers)
	return &testRig{gw: gw, agents: agents, grants: grants, ldg: ldg, st: st, signers: signers}
}

func mustRegisterAgent(t *testing.T, r *testRig, owner string) (string, *store.Snapshot) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id, snap, err := r.agents.Register(context.Background(), identity.RegisterInput{
		TenantID: "t1", OwnerPrincipalID: owner, PublicKey: pub, Currency: "USD",
	})
	require.NoError(t, err)
	return id, snap
}

func TestHappyReleaseCreditsPayeeAndClearsHold(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()

	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	gateID, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID,
		AmountCents: 400, Currency: "USD", ToolID: "tool_x",
	})
	require.NoError(t, err)

	binding := RequestBinding{Method: "POST", Host: "api.example.com", Path: "/v1/run", RequestBodyHash: "h1"}
	authSnap, err := r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID, RequestBinding: binding, ExecutionIntentID: "intent_1",
	})
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, authSnap.State["state"])

	verifySnap, err := r.gw.Verify(ctx, VerifyInput{
		TenantID: "t1", GateID: gateID, VerificationStatus: VerificationGreen, RunStatus: "completed",
		EvidenceRefs: []string{"http:request_sha256:h1", "http:response_sha256:h2"},
		Policy: ReleasePolicy{Mode: "auto", Rules: map[string]ReleaseRule{
			VerificationGreen: {AutoRelease: true, ReleaseRatePct: 100},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateReleased, verifySnap.State["state"])

	settlement, _ := verifySnap.State["settlement"].(map[string]any)
	assert.Equal(t, float64(400), settlement["releasedAmountCents"])
	assert.Equal(t, float64(0), settlement["refundedAmountCents"])

	payeeSnap, err := r.st.GetSnapshot(ctx, "t1", payeeID)
	require.NoError(t, err)
	assert.Equal(t, float64(400), payeeSnap.State["availableCents"])
}

func TestAuthorizeRejectsWhenAmountExceedsPolicyCeiling(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	_, _, err = r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID,
		AmountCents: 1000, MaxAmountCents: 500, Currency: "USD",
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("X402_AMOUNT_EXCEEDS_POLICY"), svcErr.Code)
}

func TestVerifyRejectsMissingBindingEvidence(t *testing.T) {
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

	_, err = r.gw.Verify(ctx, VerifyInput{
		TenantID: "t1", GateID: gateID, VerificationStatus: VerificationGreen,
		EvidenceRefs: []string{"http:response_sha256:h2"}, // missing request hash
		Policy: ReleasePolicy{Mode: "auto", Rules: map[string]ReleaseRule{
			VerificationGreen: {AutoRelease: true, ReleaseRatePct: 100},
		}},
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("X402_REQUEST_BINDING_EVIDENCE_REQUIRED"), svcErr.Code)

	gateSnap, err := r.st.GetSnapshot(ctx, "t1", gateID)
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, gateSnap.State["state"], "gate unchanged after failed verify")
}

func TestAuthorizeRejectsWhenPayeeSuspended(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, payeeSnap := mustRegisterAgent(t, r, "p_payee")

	creditedSnap, err := r.agents.CreditWallet(ctx, "t1", payeeID, 0, &payeeSnap.LastChainHash, "")
	require.NoError(t, err)

	gateID, _, err := r.gw.Create(ctx, CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID, AmountCents: 400, Currency: "USD",
	})
	require.NoError(t, err)

	res, err := r.agents.Suspend(ctx, "t1", payeeID, &creditedSnap.LastChainHash)
	require.NoError(t, err)
	assert.Equal(t, "suspended", res.State["status"])

	_, err = r.gw.AuthorizePayment(ctx, AuthorizeInput{
		TenantID: "t1", GateID: gateID,
		RequestBinding:    RequestBinding{RequestBodyHash: "h1"},
		ExecutionIntentID: "intent_1",
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("X402_AGENT_SUSPENDED"), svcErr.Code)
}

func TestVerifyManualModeAwaitsWithoutMovingFunds(t *testing.T) {
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
		TenantID: "t1", GateID: gateID, VerificationStatus: VerificationGreen,
		EvidenceRefs: []string{"http:request_sha256:h1", "http:response_sha256:h2"},
		Policy:       ReleasePolicy{Mode: "manual"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingManual, verifySnap.State["state"])

	payeeSnap, err := r.st.GetSnapshot(ctx, "t1", payeeID)
	require.NoError(t, err)
	assert.Equal(t, float64(0), payeeSnap.State["availableCents"])
}
