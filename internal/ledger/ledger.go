// Package ledger implements the coordinator's double-entry accounting:
// postings, escrow hold release/refund, party statements, and month-close.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/nooterra/settld/internal/canon"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/idgen"
	"github.com/nooterra/settld/internal/store"
)

// Well-known internal account ids. Real deployments would make these
// configurable per tenant; the coordinator's core logic only needs stable
// identifiers to post against.
const (
	AccountProviderSuspense = "acct_provider_suspense"
	AccountFees             = "acct_fees"
	AccountSLACredit        = "acct_sla_credit_liability"
	AccountTax              = "acct_tax"
)

func walletAccount(agentID string) string { return "wallet:" + agentID }

// Ledger wraps the Store port with the posting and hold-settlement logic.
type Ledger struct {
	st store.Store
}

// New builds a Ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{st: st}
}

// PlaceHold creates an active escrow hold against an agent's wallet. The
// caller (x402 authorize-payment) is responsible for having already
// verified the agent has sufficient availableCents; PlaceHold only records
// the hold row, it does not itself debit a wallet balance (the wallet
// snapshot's availableCents/escrowLockedCents split is reducer-maintained
// in internal/identity.Agent — escrowLockedCents == sum of active holds per
// invariant iv).
func (l *Ledger) PlaceHold(ctx context.Context, tenantID, agentID string, amountCents int64, currency string) (*store.Hold, error) {
	hold := store.Hold{
		TenantID:    tenantID,
		HoldID:      idgen.New("hold"),
		AgentID:     agentID,
		AmountCents: amountCents,
		Currency:    currency,
		State:       "active",
	}
	if err := l.st.CommitTx(ctx, time.Now().UTC(), []store.Op{{Kind: store.OpHoldUpdate, Hold: &hold}}); err != nil {
		return nil, err
	}
	return &hold, nil
}

// ReleaseHold decrements locked escrow, credits the payee wallet, and
// writes a balanced LedgerEntry — both within one commitTx (spec §4.6).
// amountCents may be less than the hold's full amount (partial release);
// any remainder must be refunded separately via RefundHold.
func (l *Ledger) ReleaseHold(ctx context.Context, tenantID, holdID, payeeAgentID string, amountCents int64, currency string) (*store.LedgerEntry, error) {
	hold, err := l.st.GetHold(ctx, tenantID, holdID)
	if err != nil {
		return nil, err
	}
	if hold == nil {
		return nil, coordinatorerrors.NotFound("hold", holdID)
	}
	if hold.State != "active" {
		return nil, coordinatorerrors.Conflict("hold is not active").WithDetails("holdId", holdID).WithDetails("state", hold.State)
	}
	if amountCents > hold.AmountCents {
		return nil, coordinatorerrors.SchemaInvalid("release amount exceeds hold amount")
	}

	entry := store.LedgerEntry{
		TenantID: tenantID,
		EntryID:  idgen.New("le"),
		At:       time.Now().UTC(),
		Postings: []store.Posting{
			{PostingID: idgen.New("post"), AccountID: walletAccount(hold.AgentID), Direction: "debit", Currency: currency, AmountCents: amountCents, PartyRef: &hold.AgentID},
			{PostingID: idgen.New("post"), AccountID: walletAccount(payeeAgentID), Direction: "credit", Currency: currency, AmountCents: amountCents, PartyRef: &payeeAgentID},
		},
	}

	remaining := hold.AmountCents - amountCents
	newState := "released"
	if remaining > 0 {
		newState = "active" // caller issues a follow-on RefundHold for the remainder
	}
	hold.State = newState
	hold.AmountCents = remaining

	ops := []store.Op{
		{Kind: store.OpLedgerEntryAppend, LedgerEntry: &entry},
		{Kind: store.OpHoldUpdate, Hold: hold},
	}
	if err := l.st.CommitTx(ctx, entry.At, ops); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RefundHold symmetrically credits the payer's available balance and
// releases the remaining hold amount back (spec §4.6).
func (l *Ledger) RefundHold(ctx context.Context, tenantID, holdID string, amountCents int64, currency string) (*store.LedgerEntry, error) {
	hold, err := l.st.GetHold(ctx, tenantID, holdID)
	if err != nil {
		return nil, err
	}
	if hold == nil {
		return nil, coordinatorerrors.NotFound("hold", holdID)
	}
	if hold.State != "active" {
		return nil, coordinatorerrors.Conflict("hold is not active").WithDetails("holdId", holdID).WithDetails("state", hold.State)
	}
	if amountCents > hold.AmountCents {
		return nil, coordinatorerrors.SchemaInvalid("refund amount exceeds hold amount")
	}

	entry := store.LedgerEntry{
		TenantID: tenantID,
		EntryID:  idgen.New("le"),
		At:       time.Now().UTC(),
		Postings: []store.Posting{
			{PostingID: idgen.New("post"), AccountID: AccountProviderSuspense, Direction: "debit", Currency: currency, AmountCents: amountCents},
			{PostingID: idgen.New("post"), AccountID: walletAccount(hold.AgentID), Direction: "credit", Currency: currency, AmountCents: amountCents, PartyRef: &hold.AgentID},
		},
	}

	remaining := hold.AmountCents - amountCents
	hold.AmountCents = remaining
	if remaining == 0 {
		hold.State = "refunded"
	}

	ops := []store.Op{
		{Kind: store.OpLedgerEntryAppend, LedgerEntry: &entry},
		{Kind: store.OpHoldUpdate, Hold: hold},
	}
	if err := l.st.CommitTx(ctx, entry.At, ops); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ReverseRelease books the ledger-adjustment side of an arbitration
// "reverse" verdict (spec §4.5): debits the payee's wallet for the
// previously released amount and credits it back to provider suspense,
// independent of the original hold (already closed by the time arbitration
// resolves).
func (l *Ledger) ReverseRelease(ctx context.Context, tenantID, payeeAgentID string, amountCents int64, currency string) (*store.LedgerEntry, error) {
	entry := store.LedgerEntry{
		TenantID: tenantID,
		EntryID:  idgen.New("le"),
		At:       time.Now().UTC(),
		Postings: []store.Posting{
			{PostingID: idgen.New("post"), AccountID: walletAccount(payeeAgentID), Direction: "debit", Currency: currency, AmountCents: amountCents, PartyRef: &payeeAgentID},
			{PostingID: idgen.New("post"), AccountID: AccountProviderSuspense, Direction: "credit", Currency: currency, AmountCents: amountCents},
		},
	}
	if err := l.st.CommitTx(ctx, entry.At, []store.Op{{Kind: store.OpLedgerEntryAppend, LedgerEntry: &entry}}); err != nil {
		return nil, err
	}
	return &entry, nil
}

// PartyStatement is the artifact-ready summary computePartyStatement
// produces (spec §4.6), before it is hashed into a PartyStatement.v1
// artifact by internal/artifacts.
type PartyStatement struct {
	TenantID    string    `json:"tenantId"`
	PartyID     string    `json:"partyId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	Basis       string    `json:"basis"`
	Currency    string    `json:"currency"`
	PayoutCents int64     `json:"payoutCents"`
}

// ComputePartyStatement sums postings crediting partyId's wallet whose `at`
// falls in [periodStart, periodEnd) under the chosen basis. Only
// "settledAt" basis is supported initially per spec §4.6.
func (l *Ledger) ComputePartyStatement(ctx context.Context, tenantID, partyID string, periodStart, periodEnd time.Time, basis, currency string) (*PartyStatement, error) {
	if basis == "" {
		basis = "settledAt"
	}
	entries, err := l.st.ListLedgerEntries(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	var total int64
	account := walletAccount(partyID)
	for _, entry := range entries {
		for _, posting := range entry.Postings {
			if posting.AccountID != account || posting.Currency != currency {
				continue
			}
			if posting.Direction == "credit" {
				total += posting.AmountCents
			} else {
				total -= posting.AmountCents
			}
		}
	}

	return &PartyStatement{
		TenantID: tenantID, PartyID: partyID,
		PeriodStart: periodStart, PeriodEnd: periodEnd,
		Basis: basis, Currency: currency, PayoutCents: total,
	}, nil
}

// StatementHash is SHA256(canon(statement)), matching spec §4.6's
// "statementHash" field on PartyStatement.v1.
func StatementHash(s *PartyStatement) (string, error) {
	return canon.HashOf(s)
}

// ValidateBalanced re-checks the zero-sum invariant for entry, matching the
// invariant under test in spec §8 (Σ debits == Σ credits per currency).
// internal/store/memory already enforces this at commit time; this helper
// lets callers (tests, reconciliation) re-verify independently.
func ValidateBalanced(entry store.LedgerEntry) error {
	sums := make(map[string]int64)
	for _, p := range entry.Postings {
		switch p.Direction {
		case "debit":
			sums[p.Currency] -= p.AmountCents
		case "credit":
			sums[p.Currency] += p.AmountCents
		default:
			return coordinatorerrors.SchemaInvalid("posting direction must be debit or credit")
		}
	}
	currencies := make([]string, 0, len(sums))
	for ccy := range sums {
		currencies = append(currencies, ccy)
	}
	sort.Strings(currencies)
	for _, ccy := range currencies {
		if sums[ccy] != 0 {
			return coordinatorerrors.LedgerUnbalanced(entry.EntryID)
		}
	}
	return nil
}
