package ops

import (
	"context"

	"github.com/nooterra/settld/internal/rails"
)

// ExpectedPayoutsSource supplies the expected-vs-actual comparison input a
// finance-reconcile pass needs for one (tenant, provider, period) shard —
// typically backed by the billing provider's settlement report.
type ExpectedPayoutsSource func(ctx context.Context, tenantID, providerID, period string) (map[string]int64, error)

// FinanceReconcileTick builds the periodic finance-reconcile tick (spec
// §4.11: "finance-reconcile (configurable interval)"): each shard encodes
// one "tenantId|providerId|period" triple, and a mismatch found by
// rails.Reconcile is immediately filed into the triage queue.
func FinanceReconcileTick(r *rails.Rails, expected ExpectedPayoutsSource, parseShard func(shard string) (tenantID, providerID, period string)) Tick {
	return func(ctx context.Context, shard string) error {
		tenantID, providerID, period := parseShard(shard)

		amounts, err := expected(ctx, tenantID, providerID, period)
		if err != nil {
			return err
		}

		mismatches, err := r.Reconcile(ctx, tenantID, providerID, period, amounts)
		if err != nil {
			return err
		}

		for _, m := range mismatches {
			if _, err := r.UpsertTriage(ctx, rails.UpsertTriageInput{
				TenantID:         tenantID,
				SourceType:       "payout_reconcile",
				Mismatch:         m,
				OwnerPrincipalID: "finance-reconcile-worker",
			}); err != nil {
				return err
			}
		}
		return nil
	}
}
