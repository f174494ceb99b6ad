// Package memory implements store.Store in process memory, guarded by a
// single RWMutex. It is the reference implementation used by unit tests
// and local development; a Postgres-backed implementation would satisfy
// the same interface behind jmoiron/sqlx.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/store"
)

// Store is an in-memory store.Store. All mutation goes through WithTx/
// CommitTx so callers never observe a partially-applied batch.
type Store struct {
	mu sync.RWMutex

	events       map[string][]store.Event // key: tenantID|streamID
	snapshots    map[string]store.Snapshot
	artifactsByHash map[string]store.Artifact // key: tenantID|artifactType|artifactHash
	artifactsByID   map[string]store.Artifact // key: tenantID|artifactID
	ledgerEntries map[string][]store.LedgerEntry // key: tenantID
	grants       map[string]store.Grant
	holds        map[string]store.Hold
	gates        map[string]store.Gate
	idempotency  map[string]store.IdempotencyRecord
	triage       map[string]store.TriageRow
	railOps      map[string]store.RailOp
	railOpsByProviderEvent map[string]string // key: tenantID|providerID|providerEventID -> operationID
	deadLetters  []store.DeadLetter
	monthClose   map[string]store.MonthClose

	// streamLocks is allocated but not consulted; all serialization,
	// per stream included, comes from mu.
	streamLocks map[string]*sync.Mutex
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:          make(map[string][]store.Event),
		snapshots:       make(map[string]store.Snapshot),
		artifactsByHash: make(map[string]store.Artifact),
		artifactsByID:   make(map[string]store.Artifact),
		ledgerEntries:   make(map[string][]store.LedgerEntry),
		grants:          make(map[string]store.Grant),
		holds:           make(map[string]store.Hold),
		gates:           make(map[string]store.Gate),
		idempotency:     make(map[string]store.IdempotencyRecord),
		triage:          make(map[string]store.TriageRow),
		railOps:         make(map[string]store.RailOp),
		railOpsByProviderEvent: make(map[string]string),
		monthClose:      make(map[string]store.MonthClose),
		streamLocks:     make(map[string]*sync.Mutex),
	}
}

func streamKey(tenantID, streamID string) string { return tenantID + "|" + streamID }
func artifactHashKey(tenantID, artifactType, hash string) string { return tenantID + "|" + artifactType + "|" + hash }
func artifactIDKey(tenantID, artifactID string) string { return tenantID + "|" + artifactID }
func idKey(tenantID, id string) string { return tenantID + "|" + id }
func idempotencyKey(tenantID, key, routeBindingHash string) string {
	return tenantID + "|" + key + "|" + routeBindingHash
}

// inTxKey marks that we're already inside WithTx, so CommitTx called
// directly (without an explicit WithTx wrapper) still takes the lock once.
type ctxKey string

const inTxKey ctxKey = "memory_store_in_tx"

// WithTx runs fn while holding the store-wide write lock for the duration
// of the closure, giving commitTx-inside-WithTx atomicity across the batch.
// A single process-wide lock is coarser than per-aggregate locking but
// matches the spec's requirement that the kernel itself serializes per
// stream; this implementation just serializes everything, which is a safe
// (if less concurrent) refinement for a reference store.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, inTxKey, true))
}

// CommitTx atomically applies ops. If not already inside WithTx, it takes
// the lock itself so standalone calls are still atomic.
func (s *Store) CommitTx(ctx context.Context, at time.Time, ops []Op) error {
	return s.commitTx(ctx, at, ops)
}

// Op is an alias kept local so this file doesn't need a second import of
// the store package name in the method signature above; it is identical to
// store.Op.
type Op = store.Op

func (s *Store) commitTx(ctx context.Context, at time.Time, ops []store.Op) error {
	if ctx.Value(inTxKey) == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	// Validate the whole batch before mutating anything, so a bad op never
	// leaves a partial write (all-or-none).
	for _, op := range ops {
		if err := s.validateOp(op); err != nil {
			return err
		}
	}

	for _, op := range ops {
		s.applyOp(op)
	}
	return nil
}

func (s *Store) validateOp(op store.Op) error {
	switch op.Kind {
	case store.OpEventAppend:
		if op.Event == nil {
			return coordinatorerrors.SchemaInvalid("EVENT_APPEND op missing event")
		}
	case store.OpSnapshotUpsert:
		if op.Snapshot == nil {
			return coordinatorerrors.SchemaInvalid("SNAPSHOT_UPSERT op missing snapshot")
		}
	case store.OpArtifactPut:
		if op.Artifact == nil {
			return coordinatorerrors.SchemaInvalid("ARTIFACT_PUT op missing artifact")
		}
		idKeyStr := artifactIDKey(op.Artifact.TenantID, op.Artifact.ArtifactID)
		if existingByID, ok := s.artifactsByID[idKeyStr]; ok && existingByID.ArtifactHash != op.Artifact.ArtifactHash {
			return coordinatorerrors.Conflict("artifact immutability violated: same artifactId produced a different hash")
		}
	case store.OpLedgerEntryAppend:
		if op.LedgerEntry == nil {
			return coordinatorerrors.SchemaInvalid("LEDGER_ENTRY_APPEND op missing entry")
		}
		if err := validateLedgerEntry(*op.LedgerEntry); err != nil {
			return err
		}
	case store.OpGrantUpsert:
		if op.Grant == nil {
			return coordinatorerrors.SchemaInvalid("GRANT_UPSERT op missing grant")
		}
	case store.OpHoldUpdate:
		if op.Hold == nil {
			return coordinatorerrors.SchemaInvalid("HOLD_UPDATE op missing hold")
		}
	case store.OpGateUpsert:
		if op.Gate == nil {
			return coordinatorerrors.SchemaInvalid("GATE_UPSERT op missing gate")
		}
	case store.OpIdempotencyPut:
		if op.Idempotency == nil {
			return coordinatorerrors.SchemaInvalid("IDEMPOTENCY_PUT op missing record")
		}
	case store.OpTriageUpsert:
		if op.Triage == nil {
			return coordinatorerrors.SchemaInvalid("TRIAGE_UPSERT op missing row")
		}
	case store.OpRailOpUpsert:
		if op.RailOp == nil {
			return coordinatorerrors.SchemaInvalid("RAIL_OP_UPSERT op missing operation")
		}
	case store.OpDeadLetterPut:
		if op.DeadLetter == nil {
			return coordinatorerrors.SchemaInvalid("DEAD_LETTER_PUT op missing record")
		}
	case store.OpMonthCloseUpsert:
		if op.MonthClose == nil {
			return coordinatorerrors.SchemaInvalid("MONTH_CLOSE_UPSERT op missing row")
		}
	default:
		return coordinatorerrors.SchemaInvalid("unknown op kind: " + string(op.Kind))
	}
	return nil
}

func validateLedgerEntry(entry store.LedgerEntry) error {
	totals := make(map[string]int64)
	for _, p := range entry.Postings {
		switch p.Direction {
		case "debit":
			totals[p.Currency] -= p.AmountCents
		case "credit":
			totals[p.Currency] += p.AmountCents
		default:
			return coordinatorerrors.SchemaInvalid("posting direction must be debit or credit")
		}
	}
	for ccy, total := range totals {
		if total != 0 {
			return coordinatorerrors.LedgerUnbalanced(entry.EntryID).WithDetails("currency", ccy)
		}
	}
	return nil
}

func (s *Store) applyOp(op store.Op) {
	switch op.Kind {
	case store.OpEventAppend:
		k := streamKey(op.Event.TenantID, op.Event.StreamID)
		s.events[k] = append(s.events[k], *op.Event)
	case store.OpSnapshotUpsert:
		k := streamKey(op.Snapshot.TenantID, op.Snapshot.StreamID)
		s.snapshots[k] = *op.Snapshot
	case store.OpArtifactPut:
		s.artifactsByHash[artifactHashKey(op.Artifact.TenantID, op.Artifact.ArtifactType, op.Artifact.ArtifactHash)] = *op.Artifact
		s.artifactsByID[artifactIDKey(op.Artifact.TenantID, op.Artifact.ArtifactID)] = *op.Artifact
	case store.OpLedgerEntryAppend:
		s.ledgerEntries[op.LedgerEntry.TenantID] = append(s.ledgerEntries[op.LedgerEntry.TenantID], *op.LedgerEntry)
	case store.OpGrantUpsert:
		s.grants[idKey(op.Grant.TenantID, op.Grant.GrantID)] = *op.Grant
	case store.OpHoldUpdate:
		s.holds[idKey(op.Hold.TenantID, op.Hold.HoldID)] = *op.Hold
	case store.OpGateUpsert:
		s.gates[idKey(op.Gate.TenantID, op.Gate.GateID)] = *op.Gate
	case store.OpIdempotencyPut:
		s.idempotency[idempotencyKey(op.Idempotency.TenantID, op.Idempotency.IdempotencyKey, op.Idempotency.RouteBindingHash)] = *op.Idempotency
	case store.OpTriageUpsert:
		s.triage[idKey(op.Triage.TenantID, op.Triage.TriageKey)] = *op.Triage
	case store.OpRailOpUpsert:
		s.railOps[idKey(op.RailOp.TenantID, op.RailOp.OperationID)] = *op.RailOp
	case store.OpDeadLetterPut:
		s.deadLetters = append(s.deadLetters, *op.DeadLetter)
	case store.OpMonthCloseUpsert:
		s.monthClose[idKey(op.MonthClose.TenantID, op.MonthClose.Month)] = *op.MonthClose
	}
}

func (s *Store) GetStreamHead(ctx context.Context, tenantID, streamID string) (*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[streamKey(tenantID, streamID)]
	if len(evs) == 0 {
		return nil, nil
	}
	head := evs[len(evs)-1]
	return &head, nil
}

func (s *Store) ListEvents(ctx context.Context, tenantID, streamID string) ([]store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[streamKey(tenantID, streamID)]
	out := make([]store.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *Store) GetSnapshot(ctx context.Context, tenantID, streamID string) (*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[streamKey(tenantID, streamID)]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, filter store.ListFilter) ([]store.Snapshot, error) {
	if filter.TenantID == "" {
		return nil, coordinatorerrors.SchemaInvalid("tenantId is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Snapshot
	for _, snap := range s.snapshots {
		if snap.TenantID != filter.TenantID {
			continue
		}
		if filter.StreamKind != "" && snap.StreamKind != filter.StreamKind {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return paginate(out, filter), nil
}

func paginate[T any](items []T, filter store.ListFilter) []T {
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return nil
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(items) {
		items = items[:filter.Limit]
	}
	return items
}

func (s *Store) GetArtifact(ctx context.Context, tenantID, artifactType, artifactHash string) (*store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifactsByHash[artifactHashKey(tenantID, artifactType, artifactHash)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) GetArtifactByID(ctx context.Context, tenantID, artifactID string) (*store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifactsByID[artifactIDKey(tenantID, artifactID)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) GetGate(ctx context.Context, tenantID, gateID string) (*store.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[idKey(tenantID, gateID)]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *Store) ListGates(ctx context.Context, filter store.ListFilter) ([]store.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Gate
	for _, g := range s.gates {
		if g.TenantID != filter.TenantID {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GateID < out[j].GateID })
	return paginate(out, filter), nil
}

func (s *Store) GetGrant(ctx context.Context, tenantID, grantID string) (*store.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[idKey(tenantID, grantID)]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *Store) ListGrants(ctx context.Context, filter store.ListFilter) ([]store.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Grant
	for _, g := range s.grants {
		if g.TenantID != filter.TenantID {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantID < out[j].GrantID })
	return paginate(out, filter), nil
}

func (s *Store) GetHold(ctx context.Context, tenantID, holdID string) (*store.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[idKey(tenantID, holdID)]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (s *Store) ListActiveHolds(ctx context.Context, tenantID, agentID string) ([]store.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Hold
	for _, h := range s.holds {
		if h.TenantID == tenantID && h.AgentID == agentID && h.State == "active" {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldID < out[j].HoldID })
	return out, nil
}

func (s *Store) GetIdempotency(ctx context.Context, tenantID, key, routeBindingHash string) (*store.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[idempotencyKey(tenantID, key, routeBindingHash)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) GetTriage(ctx context.Context, tenantID, triageKey string) (*store.TriageRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.triage[idKey(tenantID, triageKey)]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) ListTriage(ctx context.Context, filter store.ListFilter) ([]store.TriageRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.TriageRow
	for _, row := range s.triage {
		if row.TenantID != filter.TenantID {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriageKey < out[j].TriageKey })
	return paginate(out, filter), nil
}

func (s *Store) GetRailOp(ctx context.Context, tenantID, operationID string) (*store.RailOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.railOps[idKey(tenantID, operationID)]
	if !ok {
		return nil, nil
	}
	return &op, nil
}

func (s *Store) ListRailOps(ctx context.Context, filter store.ListFilter) ([]store.RailOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.RailOp
	for _, op := range s.railOps {
		if op.TenantID != filter.TenantID {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return paginate(out, filter), nil
}

func (s *Store) GetRailOpByProviderEvent(ctx context.Context, tenantID, providerID, providerEventID string) (*store.RailOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opID, ok := s.railOpsByProviderEvent[tenantID+"|"+providerID+"|"+providerEventID]
	if !ok {
		return nil, nil
	}
	op := s.railOps[idKey(tenantID, opID)]
	return &op, nil
}

// RecordProviderEvent links a (providerID, providerEventID) to an
// operationID for idempotent rail ingest. Not part of store.Store's
// generic surface — rails.Ingest calls this directly against the
// concrete memory.Store in tests; a Postgres store would enforce the
// same uniqueness via a DB constraint instead.
func (s *Store) RecordProviderEvent(tenantID, providerID, providerEventID, operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.railOpsByProviderEvent[tenantID+"|"+providerID+"|"+providerEventID] = operationID
}

func (s *Store) ListDeadLetters(ctx context.Context, filter store.ListFilter) ([]store.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.DeadLetter
	for _, dl := range s.deadLetters {
		if dl.TenantID != filter.TenantID {
			continue
		}
		out = append(out, dl)
	}
	return paginate(out, filter), nil
}

func (s *Store) GetMonthClose(ctx context.Context, tenantID, month string) (*store.MonthClose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.monthClose[idKey(tenantID, month)]
	if !ok {
		return nil, nil
	}
	return &mc, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, tenantID string, fromInclusive, toExclusive time.Time) ([]store.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.LedgerEntry
	for _, e := range s.ledgerEntries[tenantID] {
		if (e.At.Equal(fromInclusive) || e.At.After(fromInclusive)) && e.At.Before(toExclusive) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

var _ store.Store = (*Store)(nil)
