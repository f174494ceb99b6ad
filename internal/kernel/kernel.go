// Package kernel implements the event-sourced aggregate kernel: appending
// events to per-aggregate chained streams with chain-hash and signer-key
// binding, and reducing appended events into snapshots via deterministic,
// registered reducers.
package kernel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/nooterra/settld/internal/canon"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/idgen"
	"github.com/nooterra/settld/internal/logging"
	"github.com/nooterra/settld/internal/store"
)

// SignerLifecycleChecker resolves a signer key's registered public key and
// lifecycle state. internal/identity implements this; kernel only depends
// on the interface to avoid a kernel<->identity import cycle.
type SignerLifecycleChecker interface {
	// VerifySignedEvent returns nil if keyID is registered and was active at
	// `at`, and signatureB64 verifies against contentHashHex under that
	// key's registered public key. Otherwise it returns a *errors.ServiceError
	// with one of the SIGNER_KEY_* reason codes.
	VerifySignedEvent(ctx context.Context, tenantID, keyID, contentHashHex, signatureB64 string, at time.Time) error
}

// Reducer folds one event onto the current snapshot state, returning the
// new state. Reducers must be pure functions of (state, event) — no
// wall-clock reads, no I/O — so replays are byte-identical.
type Reducer func(state map[string]any, event store.Event) (map[string]any, error)

// AppendInput describes one event append request.
type AppendInput struct {
	TenantID              string
	StreamID              string
	StreamKind            string
	Type                  string
	Actor                 string
	Payload               map[string]any
	ExpectedPrevChainHash *string
	ChainSensitive        bool // route declares append requires ExpectedPrevChainHash
	IdempotencyKey        string
	RouteBindingHash      string
	Signature             *string
	KeyID                 *string
	At                    time.Time
}

// AppendResult is returned by Append, and is also what gets memoized for
// idempotent replay.
type AppendResult struct {
	Event    store.Event    `json:"event"`
	Snapshot store.Snapshot `json:"snapshot"`
	Replayed bool           `json:"-"`
}

// Kernel owns the registered reducers and serializes per-stream appends.
type Kernel struct {
	st       store.Store
	signer   SignerLifecycleChecker
	logger   *logging.Logger
	audit    *logging.AuditSink
	reducers map[string]Reducer // keyed by streamKind

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // keyed by tenantID|streamID
}

// New builds a Kernel. signer may be nil if no stream kinds in use require
// signed events.
func New(st store.Store, signer SignerLifecycleChecker, logger *logging.Logger) *Kernel {
	return &Kernel{
		st:       st,
		signer:   signer,
		logger:   logger,
		audit:    logging.DefaultAuditSink(),
		reducers: make(map[string]Reducer),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Register associates a reducer with a stream kind (e.g. "agent", "gate").
func (k *Kernel) Register(streamKind string, reducer Reducer) {
	k.reducers[streamKind] = reducer
}

func (k *Kernel) lockFor(tenantID, streamID string) *sync.Mutex {
	k.locksMu.Lock()
	defer k.locksMu.Unlock()
	key := tenantID + "|" + streamID
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// PeekIdempotent looks up a prior response memoized under (idempotencyKey,
// routeBindingHash) without taking the stream lock or running any reducer.
// Callers whose command has side effects outside the kernel (a ledger hold,
// an external rail call) must call this before triggering those effects: a
// retried command needs to return the original response untouched, not
// re-run the side effect and then hit Append's own replay check too late.
// Returns (nil, nil) on a cache miss.
func (k *Kernel) PeekIdempotent(ctx context.Context, tenantID, idempotencyKey, routeBindingHash string) (*AppendResult, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	rec, err := k.st.GetIdempotency(ctx, tenantID, idempotencyKey, routeBindingHash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	var result AppendResult
	if err := decodeInto(rec.ResponseBody, &result); err != nil {
		return nil, coordinatorerrors.FatalInternal("corrupt idempotency record", err)
	}
	result.Replayed = true
	return &result, nil
}

// Append appends one event to a stream, enforcing idempotency, optimistic
// concurrency (expectedPrevChainHash), and signer-key lifecycle, then
// reduces it into the stream's snapshot — all within one store transaction.
func (k *Kernel) Append(ctx context.Context, in AppendInput) (*AppendResult, error) {
	if in.TenantID == "" {
		in.TenantID = store.DefaultTenantID
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}

	// (a) idempotency replay — checked before taking the stream lock since
	// it never mutates state.
	if in.IdempotencyKey != "" {
		replayed, err := k.PeekIdempotent(ctx, in.TenantID, in.IdempotencyKey, in.RouteBindingHash)
		if err != nil {
			return nil, err
		}
		if replayed != nil {
			return replayed, nil
		}
	}

	lock := k.lockFor(in.TenantID, in.StreamID)
	lock.Lock()
	defer lock.Unlock()

	var result *AppendResult
	err := k.st.WithTx(ctx, func(ctx context.Context) error {
		head, err := k.st.GetStreamHead(ctx, in.TenantID, in.StreamID)
		if err != nil {
			return err
		}

		var headChainHash *string
		if head != nil {
			h := head.ChainHash
			headChainHash = &h
		}

		if in.ExpectedPrevChainHash != nil {
			if !chainHashEqual(in.ExpectedPrevChainHash, headChainHash) {
				expected := derefOr(in.ExpectedPrevChainHash, "")
				actual := derefOr(headChainHash, "")
				return coordinatorerrors.ChainHashMismatch(expected, actual)
			}
		} else if in.ChainSensitive {
			return coordinatorerrors.MissingPrecondition("expectedPrevChainHash")
		}

		chainHash, err := computeChainHash(headChainHash, in.Type, in.At, in.Actor, in.Payload, in.StreamID)
		if err != nil {
			return err
		}

		if in.Signature != nil {
			if in.KeyID == nil {
				return coordinatorerrors.New(coordinatorerrors.CodeUnauthorized, "signed event missing keyId", http.StatusUnauthorized)
			}
			if k.signer == nil {
				return coordinatorerrors.New("SIGNER_KEY_NOT_REGISTERED", "no signer registry configured", http.StatusConflict)
			}
			if err := k.signer.VerifySignedEvent(ctx, in.TenantID, *in.KeyID, chainHash, *in.Signature, in.At); err != nil {
				return err
			}
		}

		event := store.Event{
			ID:            idgen.Event(),
			TenantID:      in.TenantID,
			StreamID:      in.StreamID,
			StreamKind:    in.StreamKind,
			Type:          in.Type,
			At:            in.At,
			Actor:         in.Actor,
			Payload:       in.Payload,
			PrevChainHash: headChainHash,
			ChainHash:     chainHash,
			Signature:     in.Signature,
			KeyID:         in.KeyID,
		}

		reducer, ok := k.reducers[in.StreamKind]
		if !ok {
			return coordinatorerrors.FatalInternal("no reducer registered for stream kind "+in.StreamKind, nil)
		}

		prevSnap, err := k.st.GetSnapshot(ctx, in.TenantID, in.StreamID)
		if err != nil {
			return err
		}
		prevState := map[string]any{}
		prevRevision := 0
		if prevSnap != nil {
			prevState = prevSnap.State
			prevRevision = prevSnap.Revision
		}

		newState, err := reducer(prevState, event)
		if err != nil {
			return err
		}

		newSnap := store.Snapshot{
			TenantID:      in.TenantID,
			StreamID:      in.StreamID,
			StreamKind:    in.StreamKind,
			Revision:      prevRevision + 1,
			LastEventID:   event.ID,
			LastChainHash: event.ChainHash,
			State:         newState,
		}

		ops := []store.Op{
			{Kind: store.OpEventAppend, Event: &event},
			{Kind: store.OpSnapshotUpsert, Snapshot: &newSnap},
		}

		result = &AppendResult{Event: event, Snapshot: newSnap}

		if in.IdempotencyKey != "" {
			responseBody, err := encodeResult(result)
			if err != nil {
				return err
			}
			ops = append(ops, store.Op{Kind: store.OpIdempotencyPut, Idempotency: &store.IdempotencyRecord{
				TenantID:         in.TenantID,
				IdempotencyKey:   in.IdempotencyKey,
				RouteBindingHash: in.RouteBindingHash,
				ResponseBody:     responseBody,
				StatusCode:       200,
				CreatedAt:        in.At,
			}})
		}

		if err := k.st.CommitTx(ctx, in.At, ops); err != nil {
			return err
		}

		if k.logger != nil {
			k.logger.LogAudit(ctx, in.Type, in.StreamID, event.ID)
		}
		k.audit.Record(in.Type, map[string]any{
			"tenantId": in.TenantID,
			"streamId": in.StreamID,
			"eventId":  event.ID,
			"chainHash": event.ChainHash,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Rebuild replays every event in a stream through the registered reducer
// and returns the resulting snapshot, used to verify chain-hash continuity
// (spec invariant: rebuilding from any prefix yields the same chainHash).
func (k *Kernel) Rebuild(ctx context.Context, tenantID, streamID, streamKind string) (*store.Snapshot, error) {
	events, err := k.st.ListEvents(ctx, tenantID, streamID)
	if err != nil {
		return nil, err
	}
	reducer, ok := k.reducers[streamKind]
	if !ok {
		return nil, coordinatorerrors.FatalInternal("no reducer registered for stream kind "+streamKind, nil)
	}

	state := map[string]any{}
	var lastEventID, lastChainHash string
	var prevChainHash *string

	for i, event := range events {
		expectedChainHash, err := computeChainHash(prevChainHash, event.Type, event.At, event.Actor, event.Payload, event.StreamID)
		if err != nil {
			return nil, err
		}
		if expectedChainHash != event.ChainHash {
			return nil, coordinatorerrors.ChainBroken(streamID).WithDetails("eventIndex", i)
		}

		state, err = reducer(state, event)
		if err != nil {
			return nil, coordinatorerrors.Wrap("EVENT_PAYLOAD_INVALID", "stored event failed reduction", 500, err).WithDetails("eventId", event.ID)
		}

		lastEventID = event.ID
		lastChainHash = event.ChainHash
		h := event.ChainHash
		prevChainHash = &h
	}

	return &store.Snapshot{
		TenantID:      tenantID,
		StreamID:      streamID,
		StreamKind:    streamKind,
		Revision:      len(events),
		LastEventID:   lastEventID,
		LastChainHash: lastChainHash,
		State:         state,
	}, nil
}

func computeChainHash(prevChainHash *string, eventType string, at time.Time, actor string, payload map[string]any, streamID string) (string, error) {
	content := map[string]any{
		"prevChainHash": derefAny(prevChainHash),
		"type":          eventType,
		"at":            at.UTC().Format(time.RFC3339Nano),
		"actor":         actor,
		"payload":       payload,
		"streamId":      streamID,
	}
	return canon.HashOf(content)
}

func chainHashEqual(expected, actual *string) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}
	return *expected == *actual
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func derefAny(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func encodeResult(r *AppendResult) (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, coordinatorerrors.FatalInternal("failed to encode idempotency record", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, coordinatorerrors.FatalInternal("failed to encode idempotency record", err)
	}
	return m, nil
}

func decodeInto(m map[string]any, target any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return coordinatorerrors.FatalInternal("corrupt idempotency record", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return coordinatorerrors.FatalInternal("corrupt idempotency record", err)
	}
	return nil
}
