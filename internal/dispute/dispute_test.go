package dispute

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
	"github.com/nooterra/settld/internal/x402"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	cases  *Cases
	gates  *x402.Gateway
	agents *identity.AgentRegistry
	st     store.Store
}

func newTestRig() *testRig {
	st := memory.New()
	k := kernel.New(st, nil, nil)
	agents := identity.NewAgentRegistry(k)
	grants := identity.NewGrantRegistry(k, st)
	ldg := ledger.New(st)
	signers := identity.NewSignerRegistry()
	gates := x402.New(k, st, ldg, grants, agents, signers)
	cases := New(k, st, gates)
	return &testRig{cases: cases, gates: gates, agents: agents, st: st}
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

func mustReleasedGate(t *testing.T, r *testRig) (gateID, bindingHash string) {
	t.Helper()
	ctx := context.Background()
	payerID, payerSnap := mustRegisterAgent(t, r, "p_payer")
	_, err := r.agents.CreditWallet(ctx, "t1", payerID, 5000, &payerSnap.LastChainHash, "")
	require.NoError(t, err)
	payeeID, _ := mustRegisterAgent(t, r, "p_payee")

	gateID, _, err = r.gates.Create(ctx, x402.CreateInput{
		TenantID: "t1", PayerAgentID: payerID, PayeeAgentID: payeeID,
		AmountCents: 400, Currency: "USD", ToolID: "tool_x",
	})
	require.NoError(t, err)

	binding := x402.RequestBinding{Method: "POST", Host: "api.example.com", Path: "/v1/run", RequestBodyHash: "h1"}
	bindingHash, err = x402.ComputeRequestBindingHash(binding)
	require.NoError(t, err)

	_, err = r.gates.AuthorizePayment(ctx, x402.AuthorizeInput{
		TenantID: "t1", GateID: gateID, RequestBinding: binding, ExecutionIntentID: "intent_1",
	})
	require.NoError(t, err)

	verifySnap, err := r.gates.Verify(ctx, x402.VerifyInput{
		TenantID: "t1", GateID: gateID, VerificationStatus: x402.VerificationGreen, RunStatus: "completed",
		EvidenceRefs: []string{"http:request_sha256:h1", "http:response_sha256:h2"},
		Policy: x402.ReleasePolicy{Mode: "auto", Rules: map[string]x402.ReleaseRule{
			x402.VerificationGreen: {AutoRelease: true, ReleaseRatePct: 100},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, x402.StateReleased, verifySnap.State["state"])
	return gateID, bindingHash
}

func TestOpenDisputeCreatesCaseAndMovesGate(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	gateID, bindingHash := mustReleasedGate(t, r)

	caseSnap, err := r.cases.Open(ctx, OpenInput{
		TenantID: "t1", GateID: gateID, BindingEvidence: bindingHash,
		DisputeWindowDays: 7, Reason: "not_delivered",
	})
	require.NoError(t, err)
	assert.Equal(t, DisputeOpen, caseSnap.State["status"])

	gateSnap, err := r.st.GetSnapshot(ctx, "t1", gateID)
	require.NoError(t, err)
	assert.Equal(t, x402.StateDisputed, gateSnap.State["state"])
}

func TestOpenDisputeRejectsBadBindingEvidence(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	gateID, _ := mustReleasedGate(t, r)

	_, err := r.cases.Open(ctx, OpenInput{
		TenantID: "t1", GateID: gateID, BindingEvidence: "wrong_hash", DisputeWindowDays: 7,
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.Code("X402_DISPUTE_OPEN_BINDING_EVIDENCE_MISMATCH"), svcErr.Code)
}

func TestEscalateThenResolveReverseAppliesLedgerAdjustment(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	gateID, bindingHash := mustReleasedGate(t, r)

	caseSnap, err := r.cases.Open(ctx, OpenInput{
		TenantID: "t1", GateID: gateID, BindingEvidence: bindingHash, DisputeWindowDays: 7,
	})
	require.NoError(t, err)
	disputeCaseID, _ := caseSnap.State["caseId"].(string)

	escSnap, err := r.cases.Escalate(ctx, EscalateInput{
		TenantID: "t1", DisputeCaseID: disputeCaseID, GateID: gateID, BindingEvidence: bindingHash,
	})
	require.NoError(t, err)
	assert.Equal(t, DisputeEscalated, escSnap.State["status"])
	arbCaseID, _ := escSnap.State["arbitrationCaseId"].(string)
	require.NotEmpty(t, arbCaseID)

	gateSnap, err := r.st.GetSnapshot(ctx, "t1", gateID)
	require.NoError(t, err)
	assert.Equal(t, x402.StateArbitrating, gateSnap.State["state"])

	resolvedSnap, err := r.cases.Resolve(ctx, ResolveInput{
		TenantID: "t1", ArbitrationCaseID: arbCaseID, GateID: gateID,
		BindingEvidence: bindingHash, Verdict: x402.ArbitrationReverse, ArbiterID: "arb_1",
	})
	require.NoError(t, err)
	assert.Equal(t, ArbitrationResolved, resolvedSnap.State["status"])
	assert.Equal(t, x402.ArbitrationReverse, resolvedSnap.State["verdict"])

	gateSnap, err = r.st.GetSnapshot(ctx, "t1", gateID)
	require.NoError(t, err)
	assert.Equal(t, x402.StateResolved, gateSnap.State["state"])
}

func TestAutoCloseRejectsBeforeWindowElapses(t *testing.T) {
	r := newTestRig()
	ctx := context.Background()
	gateID, bindingHash := mustReleasedGate(t, r)

	caseSnap, err := r.cases.Open(ctx, OpenInput{
		TenantID: "t1", GateID: gateID, BindingEvidence: bindingHash, DisputeWindowDays: 7,
	})
	require.NoError(t, err)
	disputeCaseID, _ := caseSnap.State["caseId"].(string)

	_, err = r.cases.AutoClose(ctx, "t1", disputeCaseID)
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeConflict, svcErr.Code)
}
