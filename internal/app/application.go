// Package app wires the settlement coordinator's domain packages into one
// long-lived Application: the event store, the aggregate kernel, identity,
// ledger, x402 payment gates, money rails, artifacts, dispute/arbitration,
// billing webhooks, and the background ops workers that drive periodic
// maintenance against them.
package app

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nooterra/settld/internal/artifacts"
	"github.com/nooterra/settld/internal/billing"
	"github.com/nooterra/settld/internal/config"
	"github.com/nooterra/settld/internal/dispute"
	"github.com/nooterra/settld/internal/identity"
	"github.com/nooterra/settld/internal/kernel"
	"github.com/nooterra/settld/internal/ledger"
	"github.com/nooterra/settld/internal/logging"
	"github.com/nooterra/settld/internal/ops"
	"github.com/nooterra/settld/internal/rails"
	"github.com/nooterra/settld/internal/resilience"
	rtenv "github.com/nooterra/settld/internal/runtime"
	"github.com/nooterra/settld/internal/store"
	"github.com/nooterra/settld/internal/store/memory"
	"github.com/nooterra/settld/internal/x402"
)

// Application is the fully wired coordinator.
type Application struct {
	Config *config.Config
	Log    *logging.Logger

	Store   store.Store
	Kernel  *kernel.Kernel
	Signers *identity.SignerRegistry
	signer  ed25519.PrivateKey // coordinator's own key, nil if unconfigured

	Agents    *identity.AgentRegistry
	Grants    *identity.GrantRegistry
	Ledger    *ledger.Ledger
	Gates     *x402.Gateway
	Rails     *rails.Rails
	Artifacts *artifacts.Store
	Disputes  *dispute.Cases
	Billing   *billing.Dispatcher

	leases  *ops.LeaseManager
	workers []*ops.Worker
}

// NewApplication wires every domain package against st. Pass a nil st to
// get an in-memory store, the only store.Store implementation the
// coordinator ships today; a Postgres-backed store can be substituted here
// without touching any domain package.
func NewApplication(cfg *config.Config, st store.Store) (*Application, error) {
	if st == nil {
		st = memory.New()
	}
	log := logging.New("settld", cfg.Logging.Level, cfg.Logging.Format)
	env := rtenv.Env()
	log.WithFields(map[string]any{"environment": string(env)}).Info("settld: starting")
	if rtenv.IsProduction() && cfg.Signer.PrivateKeyHex == "" {
		log.Warn("settld: running in production with no coordinator signing key configured")
	}

	signers := identity.NewSignerRegistry()
	var signerKey ed25519.PrivateKey
	if cfg.Signer.PrivateKeyHex != "" {
		raw, err := hex.DecodeString(cfg.Signer.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("config: signer.private_key_hex is not valid hex: %w", err)
		}
		switch len(raw) {
		case ed25519.SeedSize:
			signerKey = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			signerKey = ed25519.PrivateKey(raw)
		default:
			return nil, fmt.Errorf("config: signer.private_key_hex must decode to %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
		}
	}

	k := kernel.New(st, signers, log)

	agents := identity.NewAgentRegistry(k)
	grants := identity.NewGrantRegistry(k, st)
	ldg := ledger.New(st)
	gates := x402.New(k, st, ldg, grants, agents, signers)
	rls := rails.New(st)
	arts := artifacts.New(st)
	disputes := dispute.New(k, st, gates)

	breaker := resilience.New("billing-webhook", resilience.DefaultConfig())
	bill := billing.New(st, breaker, resilience.DefaultRetryConfig())

	a := &Application{
		Config: cfg, Log: log,
		Store: st, Kernel: k, Signers: signers, signer: signerKey,
		Agents: agents, Grants: grants, Ledger: ldg, Gates: gates,
		Rails: rls, Artifacts: arts, Disputes: disputes, Billing: bill,
		leases: ops.NewLeaseManager(),
	}
	a.buildWorkers()
	return a, nil
}

// buildWorkers assembles the four periodic maintenance workers named in
// spec §4.11. Each worker's shard set is assigned later by StartWorkers;
// shard strings are "|"-joined (tenantId[|providerId][|period]) and decoded
// by the split* helpers below.
func (a *Application) buildWorkers() {
	wc := a.Config.Worker
	if wc.PollInterval <= 0 {
		wc.PollInterval = 5 * time.Second
	}
	if wc.LeaseDuration <= 0 {
		wc.LeaseDuration = 30 * time.Second
	}
	workerID := fmt.Sprintf("settld-%d", time.Now().UnixNano())

	retention := ops.NewRetentionScanner(a.Store)
	retentionTick := func(ctx context.Context, shard string) error {
		_, err := retention.Scan(ctx, ops.RetentionPolicy{TenantID: shard, OlderThan: 90 * 24 * time.Hour, DryRun: true}, time.Now().UTC())
		return err
	}

	financeTick := ops.FinanceReconcileTick(a.Rails,
		func(ctx context.Context, tenantID, providerID, period string) (map[string]int64, error) {
			// No external settlement-report feed is wired yet; an empty
			// expectation set makes this tick a no-op until one is.
			return map[string]int64{}, nil
		},
		splitTriple,
	)

	monthCloseTick := ops.MonthCloseTick(a.Ledger, a.Artifacts, a.BuildMonthStatement, splitPair)

	deliveryAckTick := ops.DeliveryAckTick(a.Store, func(ctx context.Context, dl store.DeadLetter) error {
		a.Log.WithFields(map[string]any{"tenant": dl.TenantID, "event": dl.EventID, "reason": dl.Reason}).Warn("dead letter observed by delivery-ack scan")
		return nil
	})

	a.workers = []*ops.Worker{
		{Name: "retention", WorkerID: workerID, Interval: wc.PollInterval, LeaseTTL: wc.LeaseDuration, Leases: a.leases, Log: a.Log, Tick: retentionTick},
		{Name: "finance-reconcile", WorkerID: workerID, Interval: wc.PollInterval, LeaseTTL: wc.LeaseDuration, Leases: a.leases, Log: a.Log, Tick: financeTick},
		{Name: "month-close", WorkerID: workerID, Interval: wc.PollInterval, LeaseTTL: wc.LeaseDuration, Leases: a.leases, Log: a.Log, Tick: monthCloseTick},
		{Name: "delivery-ack", WorkerID: workerID, Interval: wc.PollInterval, LeaseTTL: wc.LeaseDuration, Leases: a.leases, Log: a.Log, Tick: deliveryAckTick},
	}
}

// splitTriple decodes a "tenantId|providerId|period" shard key.
func splitTriple(shard string) (tenantID, providerID, period string) {
	parts := splitPipe(shard, 3)
	return parts[0], parts[1], parts[2]
}

// splitPair decodes a "tenantId|period" shard key.
func splitPair(shard string) (tenantID, period string) {
	parts := splitPipe(shard, 2)
	return parts[0], parts[1]
}

func splitPipe(s string, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	for len(out) < n {
		out = append(out, "")
	}
	return out
}

// BuildMonthStatement aggregates every ledger entry posted against tenantID
// in the given "YYYY-MM" month into a per-currency total, used as the
// canonical core object for the month-close statement artifact.
func (a *Application) BuildMonthStatement(ctx context.Context, tenantID, month string) (map[string]any, error) {
	periodStart, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, fmt.Errorf("month-close: invalid period %q: %w", month, err)
	}
	periodEnd := periodStart.AddDate(0, 1, 0)

	entries, err := a.Store.ListLedgerEntries(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	totalsByCurrency := map[string]int64{}
	for _, entry := range entries {
		for _, posting := range entry.Postings {
			if posting.Direction == "credit" {
				totalsByCurrency[posting.Currency] += posting.AmountCents
			} else {
				totalsByCurrency[posting.Currency] -= posting.AmountCents
			}
		}
	}
	totals := make(map[string]any, len(totalsByCurrency))
	for cur, amt := range totalsByCurrency {
		totals[cur] = amt
	}

	return map[string]any{
		"tenantId":    tenantID,
		"month":       month,
		"entryCount":  len(entries),
		"totalsCents": totals,
		"periodStart": periodStart.UTC().Format(time.RFC3339),
		"periodEnd":   periodEnd.UTC().Format(time.RFC3339),
	}, nil
}

// StartWorkers starts every background maintenance worker against the
// given shard keys. Shard enumeration is left to the caller since the
// Application has no tenant directory of its own.
func (a *Application) StartWorkers(ctx context.Context, shards []string) {
	for _, w := range a.workers {
		w.Shards = shards
		w.Start(ctx)
	}
}

// StopWorkers stops every background maintenance worker, blocking until
// each has finished its in-flight tick.
func (a *Application) StopWorkers() {
	for _, w := range a.workers {
		w.Stop()
	}
}
