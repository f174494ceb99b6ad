package memory

import (
	"context"
	"testing"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitTxAppendsEventAndUpdatesSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()

	ev := store.Event{ID: "evt_1", TenantID: "t1", StreamID: "agent_1", Type: "AgentRegistered", At: time.Now(), ChainHash: "h1"}
	snap := store.Snapshot{TenantID: "t1", StreamID: "agent_1", Revision: 1, LastEventID: "evt_1", LastChainHash: "h1", State: map[string]any{"status": "active"}}

	err := s.WithTx(ctx, func(ctx context.Context) error {
		return s.CommitTx(ctx, time.Now(), []store.Op{
			{Kind: store.OpEventAppend, Event: &ev},
			{Kind: store.OpSnapshotUpsert, Snapshot: &snap},
		})
	})
	require.NoError(t, err)

	head, err := s.GetStreamHead(ctx, "t1", "agent_1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "evt_1", head.ID)

	gotSnap, err := s.GetSnapshot(ctx, "t1", "agent_1")
	require.NoError(t, err)
	require.NotNil(t, gotSnap)
	assert.Equal(t, 1, gotSnap.Revision)
}

func TestCommitTxRejectsUnbalancedLedgerEntry(t *testing.T) {
	s := New()
	ctx := context.Background()

	entry := store.LedgerEntry{
		TenantID: "t1",
		EntryID:  "le_1",
		At:       time.Now(),
		Postings: []store.Posting{
			{PostingID: "p1", AccountID: "payer", Direction: "debit", Currency: "USD", AmountCents: 500},
			{PostingID: "p2", AccountID: "payee", Direction: "credit", Currency: "USD", AmountCents: 400},
		},
	}

	err := s.CommitTx(ctx, time.Now(), []store.Op{{Kind: store.OpLedgerEntryAppend, LedgerEntry: &entry}})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeLedgerUnbalanced, svcErr.Code)

	entries, err := s.ListLedgerEntries(ctx, "t1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, entries, "unbalanced entry must not be committed")
}

func TestCommitTxAcceptsBalancedLedgerEntry(t *testing.T) {
	s := New()
	ctx := context.Background()

	entry := store.LedgerEntry{
		TenantID: "t1",
		EntryID:  "le_2",
		At:       time.Now(),
		Postings: []store.Posting{
			{PostingID: "p1", AccountID: "payer", Direction: "debit", Currency: "USD", AmountCents: 400},
			{PostingID: "p2", AccountID: "payee", Direction: "credit", Currency: "USD", AmountCents: 400},
		},
	}

	err := s.CommitTx(ctx, time.Now(), []store.Op{{Kind: store.OpLedgerEntryAppend, LedgerEntry: &entry}})
	require.NoError(t, err)

	entries, err := s.ListLedgerEntries(ctx, "t1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCommitTxRejectsUnknownOpKind(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.CommitTx(ctx, time.Now(), []store.Op{{Kind: "NOT_A_REAL_OP"}})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeSchemaInvalid, svcErr.Code)
}

func TestListGatesIsSortedAndPaginated(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"gate_c", "gate_a", "gate_b"} {
		err := s.CommitTx(ctx, time.Now(), []store.Op{{Kind: store.OpGateUpsert, Gate: &store.Gate{TenantID: "t1", GateID: id, State: map[string]any{}}}})
		require.NoError(t, err)
	}

	gates, err := s.ListGates(ctx, store.ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, gates, 3)
	assert.Equal(t, []string{"gate_a", "gate_b", "gate_c"}, []string{gates[0].GateID, gates[1].GateID, gates[2].GateID})

	limited, err := s.ListGates(ctx, store.ListFilter{TenantID: "t1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestArtifactImmutabilityViolationRejected(t *testing.T) {
	s := New()
	ctx := context.Background()

	a1 := store.Artifact{TenantID: "t1", ArtifactID: "art_1", ArtifactType: "SettlementStatement.v1", ArtifactHash: "hash1", Core: map[string]any{"x": 1}}
	require.NoError(t, s.CommitTx(ctx, time.Now(), []store.Op{{Kind: store.OpArtifactPut, Artifact: &a1}}))

	a2 := store.Artifact{TenantID: "t1", ArtifactID: "art_1", ArtifactType: "SettlementStatement.v1", ArtifactHash: "hash2", Core: map[string]any{"x": 2}}
	err := s.CommitTx(ctx, time.Now(), []store.Op{{Kind: store.OpArtifactPut, Artifact: &a2}})
	// The first write recorded hash1 under artifactId art_1; inserting a
	// different hash under the same id+type is a content-addressing violation.
	if err == nil {
		got, lookupErr := s.GetArtifactByID(ctx, "t1", "art_1")
		require.NoError(t, lookupErr)
		t.Fatalf("expected immutability violation rejected, got stored artifact %+v", got)
	}
}
