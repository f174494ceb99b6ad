package kernel

import (
	"context"
	"testing"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/store"
	"github.com/nooterra/settld/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterReducer(state map[string]any, event store.Event) (map[string]any, error) {
	count, _ := state["count"].(float64)
	next := map[string]any{}
	for k, v := range state {
		next[k] = v
	}
	next["count"] = count + 1
	next["lastType"] = event.Type
	return next, nil
}

func newTestKernel() *Kernel {
	st := memory.New()
	k := New(st, nil, nil)
	k.Register("widget", counterReducer)
	return k
}

func TestAppendFirstEventHasNilPrevChainHash(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	res, err := k.Append(ctx, AppendInput{
		StreamID:   "widget_1",
		StreamKind: "widget",
		Type:       "WidgetCreated",
		Actor:      "user_1",
		Payload:    map[string]any{"name": "sprocket"},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Event.PrevChainHash)
	assert.NotEmpty(t, res.Event.ChainHash)
	assert.Equal(t, 1, res.Snapshot.Revision)
	assert.Equal(t, float64(1), res.Snapshot.State["count"])
}

func TestAppendChainsSecondEventToFirst(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	first, err := k.Append(ctx, AppendInput{StreamID: "widget_1", StreamKind: "widget", Type: "WidgetCreated"})
	require.NoError(t, err)

	second, err := k.Append(ctx, AppendInput{
		StreamID:              "widget_1",
		StreamKind:            "widget",
		Type:                  "WidgetRenamed",
		ExpectedPrevChainHash: &first.Event.ChainHash,
	})
	require.NoError(t, err)
	require.NotNil(t, second.Event.PrevChainHash)
	assert.Equal(t, first.Event.ChainHash, *second.Event.PrevChainHash)
	assert.Equal(t, 2, second.Snapshot.Revision)
}

func TestAppendRejectsStaleExpectedPrevChainHash(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	_, err := k.Append(ctx, AppendInput{StreamID: "widget_1", StreamKind: "widget", Type: "WidgetCreated"})
	require.NoError(t, err)

	stale := "not-the-real-hash"
	_, err = k.Append(ctx, AppendInput{
		StreamID:              "widget_1",
		StreamKind:            "widget",
		Type:                  "WidgetRenamed",
		ExpectedPrevChainHash: &stale,
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeConflict, svcErr.Code)
}

func TestAppendChainSensitiveRouteRequiresExpectedPrevChainHash(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	_, err := k.Append(ctx, AppendInput{
		StreamID:       "widget_1",
		StreamKind:     "widget",
		Type:           "WidgetRenamed",
		ChainSensitive: true,
	})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeMissingPrecondition, svcErr.Code)
}

func TestAppendIsIdempotentOnRepeatedKey(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	in := AppendInput{
		StreamID:         "widget_1",
		StreamKind:       "widget",
		Type:             "WidgetCreated",
		IdempotencyKey:   "idem-1",
		RouteBindingHash: "route-create-widget",
	}

	first, err := k.Append(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := k.Append(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	snap, err := k.st.GetSnapshot(ctx, store.DefaultTenantID, "widget_1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Revision, "replayed append must not apply the reducer twice")
}

func TestPeekIdempotentReturnsCacheMissBeforeFirstAppend(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	res, err := k.PeekIdempotent(ctx, store.DefaultTenantID, "idem-1", "route-create-widget")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestPeekIdempotentReturnsMemoizedResultWithoutRunningReducer(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	in := AppendInput{
		StreamID:         "widget_1",
		StreamKind:       "widget",
		Type:             "WidgetCreated",
		IdempotencyKey:   "idem-1",
		RouteBindingHash: "route-create-widget",
	}
	first, err := k.Append(ctx, in)
	require.NoError(t, err)

	peeked, err := k.PeekIdempotent(ctx, store.DefaultTenantID, "idem-1", "route-create-widget")
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.True(t, peeked.Replayed)
	assert.Equal(t, first.Event.ID, peeked.Event.ID)

	snap, err := k.st.GetSnapshot(ctx, store.DefaultTenantID, "widget_1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Revision, "PeekIdempotent must not run the reducer or mutate state")
}

func TestAppendMissingReducerFails(t *testing.T) {
	st := memory.New()
	k := New(st, nil, nil)
	ctx := context.Background()

	_, err := k.Append(ctx, AppendInput{StreamID: "x_1", StreamKind: "unregistered", Type: "Foo"})
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeFatalInternal, svcErr.Code)
}

func TestRebuildReplaysDeterministically(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	first, err := k.Append(ctx, AppendInput{StreamID: "widget_9", StreamKind: "widget", Type: "WidgetCreated"})
	require.NoError(t, err)
	_, err = k.Append(ctx, AppendInput{
		StreamID:              "widget_9",
		StreamKind:            "widget",
		Type:                  "WidgetRenamed",
		ExpectedPrevChainHash: &first.Event.ChainHash,
	})
	require.NoError(t, err)

	rebuilt, err := k.Rebuild(ctx, store.DefaultTenantID, "widget_9", "widget")
	require.NoError(t, err)
	assert.Equal(t, 2, rebuilt.Revision)
	assert.Equal(t, float64(2), rebuilt.State["count"])

	live, err := k.st.GetSnapshot(ctx, store.DefaultTenantID, "widget_9")
	require.NoError(t, err)
	assert.Equal(t, live.LastChainHash, rebuilt.LastChainHash)
}

func TestRebuildDetectsBrokenChain(t *testing.T) {
	k := newTestKernel()
	ctx := context.Background()

	_, err := k.Append(ctx, AppendInput{StreamID: "widget_2", StreamKind: "widget", Type: "WidgetCreated"})
	require.NoError(t, err)

	tampered := store.Event{
		ID: "evt_tampered", TenantID: store.DefaultTenantID, StreamID: "widget_2",
		StreamKind: "widget", Type: "WidgetRenamed", At: time.Now(),
		PrevChainHash: strPtr("wrong-prev"), ChainHash: "also-wrong",
	}
	snap := store.Snapshot{TenantID: store.DefaultTenantID, StreamID: "widget_2", StreamKind: "widget", Revision: 2, LastEventID: tampered.ID, LastChainHash: tampered.ChainHash, State: map[string]any{}}
	require.NoError(t, k.st.CommitTx(ctx, time.Now(), []store.Op{
		{Kind: store.OpEventAppend, Event: &tampered},
		{Kind: store.OpSnapshotUpsert, Snapshot: &snap},
	}))

	_, err = k.Rebuild(ctx, store.DefaultTenantID, "widget_2", "widget")
	require.Error(t, err)
	svcErr, ok := coordinatorerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coordinatorerrors.CodeChainBroken, svcErr.Code)
}

func strPtr(s string) *string { return &s }
