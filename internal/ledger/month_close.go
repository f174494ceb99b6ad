package ledger

import (
	"context"
	"time"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/store"
)

// MonthClose states (spec §4.6: "A MonthClose aggregate is OPEN -> CLOSED").
const (
	MonthCloseOpen   = "OPEN"
	MonthCloseClosed = "CLOSED"
)

// GetMonthClose returns the current state for tenantId+month, or a
// synthetic OPEN row if none exists yet.
func (l *Ledger) GetMonthClose(ctx context.Context, tenantID, month string) (*store.MonthClose, error) {
	mc, err := l.st.GetMonthClose(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	if mc == nil {
		return &store.MonthClose{TenantID: tenantID, Month: month, State: map[string]any{"status": MonthCloseOpen}}, nil
	}
	return mc, nil
}

// Close transitions month to CLOSED, freezing statementArtifactId/Hash
// supplied by the caller (internal/artifacts produces the
// MonthlyStatement.v1 artifact; this just records the closed state).
func (l *Ledger) Close(ctx context.Context, tenantID, month, statementArtifactID, statementArtifactHash string) (*store.MonthClose, error) {
	current, err := l.GetMonthClose(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	status, _ := current.State["status"].(string)
	if status == MonthCloseClosed {
		return current, nil // idempotent: closing an already-closed month is a no-op replay
	}

	mc := store.MonthClose{
		TenantID: tenantID,
		Month:    month,
		State: map[string]any{
			"status":                MonthCloseClosed,
			"closedAt":              time.Now().UTC().Format(time.RFC3339Nano),
			"statementArtifactId":   statementArtifactID,
			"statementArtifactHash": statementArtifactHash,
		},
	}
	if err := l.st.CommitTx(ctx, time.Now().UTC(), []store.Op{{Kind: store.OpMonthCloseUpsert, MonthClose: &mc}}); err != nil {
		return nil, err
	}
	return &mc, nil
}

// Reopen clears the statement binding; per spec §4.6 this is allowed only
// via an explicit event.
func (l *Ledger) Reopen(ctx context.Context, tenantID, month string) (*store.MonthClose, error) {
	current, err := l.GetMonthClose(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	status, _ := current.State["status"].(string)
	if status != MonthCloseClosed {
		return nil, coordinatorerrors.Conflict("month is not closed").WithDetails("month", month)
	}

	mc := store.MonthClose{
		TenantID: tenantID,
		Month:    month,
		State: map[string]any{
			"status":   MonthCloseOpen,
			"reopenedAt": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := l.st.CommitTx(ctx, time.Now().UTC(), []store.Op{{Kind: store.OpMonthCloseUpsert, MonthClose: &mc}}); err != nil {
		return nil, err
	}
	return &mc, nil
}
