// Package store defines the narrow persistence port the rest of the
// coordinator programs against: per-kind put/get/list, idempotency
// memoization, and an atomic heterogeneous commitTx. internal/store/memory
// implements it for tests and local development; a Postgres implementation
// would live alongside it behind the same interface.
package store

import (
	"context"
	"time"
)

// OpKind identifies one operation inside a commitTx batch.
type OpKind string

const (
	OpEventAppend      OpKind = "EVENT_APPEND"
	OpSnapshotUpsert   OpKind = "SNAPSHOT_UPSERT"
	OpArtifactPut      OpKind = "ARTIFACT_PUT"
	OpLedgerEntryAppend OpKind = "LEDGER_ENTRY_APPEND"
	OpGrantUpsert      OpKind = "GRANT_UPSERT"
	OpHoldUpdate       OpKind = "HOLD_UPDATE"
	OpGateUpsert       OpKind = "GATE_UPSERT"
	OpIdempotencyPut   OpKind = "IDEMPOTENCY_PUT"
	OpTriageUpsert     OpKind = "TRIAGE_UPSERT"
	OpRailOpUpsert     OpKind = "RAIL_OP_UPSERT"
	OpDeadLetterPut    OpKind = "DEAD_LETTER_PUT"
	OpMonthCloseUpsert OpKind = "MONTH_CLOSE_UPSERT"
)

// Event is the append-only record persisted per stream.
type Event struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	StreamID       string         `json:"streamId"`
	StreamKind     string         `json:"streamKind"`
	Type           string         `json:"type"`
	At             time.Time      `json:"at"`
	Actor          string         `json:"actor"`
	Payload        map[string]any `json:"payload"`
	PrevChainHash  *string        `json:"prevChainHash"`
	ChainHash      string         `json:"chainHash"`
	Signature      *string        `json:"signature,omitempty"`
	KeyID          *string        `json:"keyId,omitempty"`
}

// Snapshot is the reduced, queryable state of one aggregate stream.
type Snapshot struct {
	TenantID      string         `json:"tenantId"`
	StreamID      string         `json:"streamId"`
	StreamKind    string         `json:"streamKind"`
	Revision      int            `json:"revision"`
	LastEventID   string         `json:"lastEventId"`
	LastChainHash string         `json:"lastChainHash"`
	State         map[string]any `json:"state"`
}

// Artifact is an immutable, content-addressed JSON document.
type Artifact struct {
	TenantID     string         `json:"tenantId"`
	ArtifactID   string         `json:"artifactId"`
	ArtifactType string         `json:"artifactType"`
	ArtifactHash string         `json:"artifactHash"`
	Core         map[string]any `json:"core"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// LedgerEntry is one atomic double-entry posting set.
type LedgerEntry struct {
	TenantID string    `json:"tenantId"`
	EntryID  string    `json:"entryId"`
	At       time.Time `json:"at"`
	Postings []Posting `json:"postings"`
}

// Posting is one leg of a LedgerEntry.
type Posting struct {
	PostingID  string  `json:"postingId"`
	AccountID  string  `json:"accountId"`
	Direction  string  `json:"direction"` // "debit" | "credit"
	Currency   string  `json:"currency"`
	AmountCents int64  `json:"amountCents"`
	PartyRef   *string `json:"partyRef,omitempty"`
}

// Grant is the persisted row backing AuthorityGrant / DelegationGrant /
// CapabilityAttestation streams.
type Grant struct {
	TenantID  string         `json:"tenantId"`
	GrantID   string         `json:"grantId"`
	GrantType string         `json:"grantType"`
	GrantHash string         `json:"grantHash"`
	State     map[string]any `json:"state"`
}

// Hold is an escrow reservation against an agent's wallet.
type Hold struct {
	TenantID    string `json:"tenantId"`
	HoldID      string `json:"holdId"`
	AgentID     string `json:"agentId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	State       string `json:"state"` // active | released | refunded
}

// Gate is the persisted row for an x402 payment gate.
type Gate struct {
	TenantID string         `json:"tenantId"`
	GateID   string         `json:"gateId"`
	State    map[string]any `json:"state"`
}

// IdempotencyRecord memoizes the response for a (tenantId, idempotencyKey,
// routeBindingHash) triple.
type IdempotencyRecord struct {
	TenantID        string         `json:"tenantId"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	RouteBindingHash string        `json:"routeBindingHash"`
	ResponseBody    map[string]any `json:"responseBody"`
	StatusCode      int            `json:"statusCode"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// TriageRow is one reconciliation-mismatch triage entry.
type TriageRow struct {
	TenantID         string         `json:"tenantId"`
	TriageKey        string         `json:"triageKey"`
	Status           string         `json:"status"` // open | in_progress | resolved
	OwnerPrincipalID string         `json:"ownerPrincipalId"`
	Notes            string         `json:"notes"`
	Severity         string         `json:"severity"`
	Revision         int            `json:"revision"`
	Details          map[string]any `json:"details"`
}

// RailOp is the persisted row for a MoneyRailOperation.
type RailOp struct {
	TenantID   string         `json:"tenantId"`
	OperationID string        `json:"operationId"`
	ProviderID string         `json:"providerId"`
	State      map[string]any `json:"state"`
}

// DeadLetter is a failed, potentially-replayable webhook delivery.
type DeadLetter struct {
	TenantID   string `json:"tenantId"`
	EventID    string `json:"eventId"`
	Reason     string `json:"reason"`
	Replayable bool   `json:"replayable"`
	Payload    map[string]any `json:"payload"`
}

// MonthClose is the persisted row for a MonthClose aggregate.
type MonthClose struct {
	TenantID string         `json:"tenantId"`
	Month    string         `json:"month"` // "YYYY-MM"
	State    map[string]any `json:"state"`
}

// Op is one operation inside a commitTx batch. Exactly one of the typed
// fields is populated, selected by Kind.
type Op struct {
	Kind        OpKind
	Event       *Event
	Snapshot    *Snapshot
	Artifact    *Artifact
	LedgerEntry *LedgerEntry
	Grant       *Grant
	Hold        *Hold
	Gate        *Gate
	Idempotency *IdempotencyRecord
	Triage      *TriageRow
	RailOp      *RailOp
	DeadLetter  *DeadLetter
	MonthClose  *MonthClose
}

// ListFilter scopes a list query. Zero values mean "unconstrained" for that
// field. Unknown/mistyped filter values must be rejected by implementations
// with errors.SchemaInvalid, not silently ignored.
type ListFilter struct {
	TenantID   string
	StreamKind string
	Limit      int
	Offset     int
	Extra      map[string]any
}

// Store is the persistence port. Every method is tenant-scoped; callers
// must always pass a non-empty tenantId (store.DefaultTenantID if absent).
type Store interface {
	// WithTx runs fn inside one atomic transaction; if fn returns an error
	// the transaction (and any ops staged via CommitTx within it) rolls back.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// CommitTx atomically applies a heterogeneous batch of ops, all-or-none.
	CommitTx(ctx context.Context, at time.Time, ops []Op) error

	GetStreamHead(ctx context.Context, tenantID, streamID string) (*Event, error)
	ListEvents(ctx context.Context, tenantID, streamID string) ([]Event, error)
	GetSnapshot(ctx context.Context, tenantID, streamID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, filter ListFilter) ([]Snapshot, error)

	GetArtifact(ctx context.Context, tenantID, artifactType, artifactHash string) (*Artifact, error)
	GetArtifactByID(ctx context.Context, tenantID, artifactID string) (*Artifact, error)

	GetGate(ctx context.Context, tenantID, gateID string) (*Gate, error)
	ListGates(ctx context.Context, filter ListFilter) ([]Gate, error)

	GetGrant(ctx context.Context, tenantID, grantID string) (*Grant, error)
	ListGrants(ctx context.Context, filter ListFilter) ([]Grant, error)

	GetHold(ctx context.Context, tenantID, holdID string) (*Hold, error)
	ListActiveHolds(ctx context.Context, tenantID, agentID string) ([]Hold, error)

	GetIdempotency(ctx context.Context, tenantID, idempotencyKey, routeBindingHash string) (*IdempotencyRecord, error)

	GetTriage(ctx context.Context, tenantID, triageKey string) (*TriageRow, error)
	ListTriage(ctx context.Context, filter ListFilter) ([]TriageRow, error)

	GetRailOp(ctx context.Context, tenantID, operationID string) (*RailOp, error)
	ListRailOps(ctx context.Context, filter ListFilter) ([]RailOp, error)
	GetRailOpByProviderEvent(ctx context.Context, tenantID, providerID, providerEventID string) (*RailOp, error)

	ListDeadLetters(ctx context.Context, filter ListFilter) ([]DeadLetter, error)

	GetMonthClose(ctx context.Context, tenantID, month string) (*MonthClose, error)

	ListLedgerEntries(ctx context.Context, tenantID string, fromInclusive, toExclusive time.Time) ([]LedgerEntry, error)
}

// DefaultTenantID is used when a caller supplies no tenant scope.
const DefaultTenantID = "tenant_default"
