package ops

import (
	"context"

	"github.com/nooterra/settld/internal/artifacts"
	"github.com/nooterra/settld/internal/ledger"
)

// StatementBuilder produces the canonical core object for a tenant's
// month-close statement artifact, ready for content-addressed hashing.
type StatementBuilder func(ctx context.Context, tenantID, month string) (map[string]any, error)

// MonthCloseTick builds the periodic month-close tick (spec §4.11): each
// shard is a "tenantId|month" pair. It builds the statement artifact,
// then closes the ledger month against it, idempotently — ledger.Close
// is itself a no-op replay if the month is already closed, whichever
// artifact is passed.
func MonthCloseTick(ldg *ledger.Ledger, arts *artifacts.Store, buildStatement StatementBuilder, parseShard func(shard string) (tenantID, month string)) Tick {
	return func(ctx context.Context, shard string) error {
		tenantID, month := parseShard(shard)

		core, err := buildStatement(ctx, tenantID, month)
		if err != nil {
			return err
		}

		artifactID := artifacts.NewArtifactID("month_statement")
		artifact, err := arts.Build(ctx, tenantID, "month_statement", artifactID, core)
		if err != nil {
			return err
		}

		_, err = ldg.Close(ctx, tenantID, month, artifact.ArtifactID, artifact.ArtifactHash)
		return err
	}
}
