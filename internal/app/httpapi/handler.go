package httpapi

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nooterra/settld/internal/app"
	"github.com/nooterra/settld/internal/billing"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/identity"
	"github.com/nooterra/settld/internal/rails"
	"github.com/nooterra/settld/internal/store"
	"github.com/nooterra/settld/internal/x402"
)

// handler implements every route named in the coordinator's external
// interface: agent/wallet management, the x402 gate lifecycle (surfaced a
// second time under /agents/{id}/runs for callers that think in terms of
// "this agent's runs" rather than gate ids), delegation grants, and the
// ops/finance/billing maintenance surface.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler builds the coordinator's HTTP API and wraps it in the
// auth -> audit -> CORS middleware chain. Order matters: auth should see
// real requests, CORS should short-circuit preflight OPTIONS before auth.
// Metrics instrumentation is added around the result by NewService.
func NewHandler(application *app.Application, tokens []string) http.Handler {
	h := &handler{app: application, audit: newAuditLog(300, newAuditSinkFromEnv())}
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.healthz)
	mux.HandleFunc("/capabilities", h.capabilities)
	mux.HandleFunc("/ops/status", h.opsStatus)

	mux.HandleFunc("/agents/register", h.registerAgent)
	mux.HandleFunc("/agents", h.listAgents)
	mux.HandleFunc("/agents/", h.agentSubroutes)

	mux.HandleFunc("/x402/gate/create", h.gateCreate)
	mux.HandleFunc("/x402/gate/authorize-payment", h.gateAuthorize)
	mux.HandleFunc("/x402/gate/verify", h.gateVerify)
	mux.HandleFunc("/x402/gate/", h.gateGet)
	mux.HandleFunc("/x402/wallets", h.walletCreate)
	mux.HandleFunc("/x402/wallets/", h.walletSubroutes)

	mux.HandleFunc("/delegation-grants", h.grantsRoot)
	mux.HandleFunc("/delegation-grants/", h.grantsSubroutes)

	mux.HandleFunc("/ops/month-close", h.monthClose)
	mux.HandleFunc("/ops/finance/money-rails/reconcile", h.financeReconcile)
	mux.HandleFunc("/ops/finance/reconciliation/triage", h.financeTriage)
	mux.HandleFunc("/ops/finance/billing/providers/stripe/webhook", h.stripeWebhook)

	var wrapped http.Handler = mux
	wrapped = wrapWithAuth(wrapped, tokens)
	wrapped = wrapWithAudit(wrapped, h.audit)
	wrapped = wrapWithCORS(wrapped)
	return wrapped
}

// -- system ------------------------------------------------------------

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *handler) capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"streamKinds": []string{
			identity.StreamKindAgent, identity.StreamKindGrant,
			x402.StreamKindGate, "dispute_case", "arbitration_case",
		},
		"verificationStatuses": []string{x402.VerificationGreen, x402.VerificationAmber, x402.VerificationRed},
	})
}

func (h *handler) opsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": []string{"retention", "finance-reconcile", "month-close", "delivery-ack"},
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// -- agents --------------------------------------------------------------

func (h *handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body struct {
		OwnerPrincipalID string   `json:"ownerPrincipalId"`
		Capabilities     []string `json:"capabilities"`
		PublicKeyHex     string   `json:"publicKeyHex"`
		Currency         string   `json:"currency"`
		IdempotencyKey   string   `json:"idempotencyKey"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	pub, err := hex.DecodeString(body.PublicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		writeError(w, http.StatusBadRequest, coordinatorerrors.SchemaInvalid("publicKeyHex must be a hex-encoded ed25519 public key"))
		return
	}
	id, snap, err := h.app.Agents.Register(r.Context(), identity.RegisterInput{
		TenantID: tenantFromCtx(r.Context()), OwnerPrincipalID: body.OwnerPrincipalID,
		Capabilities: body.Capabilities, PublicKey: ed25519.PublicKey(pub),
		Currency: body.Currency, IdempotencyKey: body.IdempotencyKey,
	})
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"agentId": id, "snapshot": snap})
}

func (h *handler) listAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	snaps, err := h.app.Store.ListSnapshots(r.Context(), store.ListFilter{TenantID: tenantFromCtx(r.Context()), StreamKind: identity.StreamKindAgent})
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": snaps})
}

func (h *handler) agentSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	agentID := parts[0]
	switch {
	case len(parts) == 1:
		h.getAgent(w, r, agentID)
	case len(parts) == 2 && parts[1] == "wallet":
		h.getWallet(w, r, agentID)
	case len(parts) == 3 && parts[1] == "wallet" && parts[2] == "credit":
		h.creditWallet(w, r, agentID)
	case len(parts) == 2 && parts[1] == "runs":
		h.createRun(w, r, agentID)
	case len(parts) == 4 && parts[1] == "runs" && parts[3] == "events":
		h.postRunEvent(w, r, agentID, parts[2])
	default:
		writeError(w, http.StatusNotFound, errNotFound)
	}
}

func (h *handler) getAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	snap, err := h.app.Store.GetSnapshot(r.Context(), tenantFromCtx(r.Context()), agentID)
	if writeIfError(w, err) {
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, coordinatorerrors.NotFound("agent", agentID))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) getWallet(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	snap, err := h.app.Store.GetSnapshot(r.Context(), tenantFromCtx(r.Context()), agentID)
	if writeIfError(w, err) {
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, coordinatorerrors.NotFound("agent", agentID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId":     agentID,
		"walletCents": snap.State["walletCents"],
		"currency":    snap.State["currency"],
	})
}

func (h *handler) creditWallet(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body struct {
		AmountCents           int64   `json:"amountCents"`
		ExpectedPrevChainHash *string `json:"expectedPrevChainHash"`
		IdempotencyKey        string  `json:"idempotencyKey"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	snap, err := h.app.Agents.CreditWallet(r.Context(), tenantFromCtx(r.Context()), agentID, body.AmountCents, body.ExpectedPrevChainHash, body.IdempotencyKey)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// createRun treats "creating a run" for an agent as creating the x402 gate
// that will settle it: the coordinator has no separate Run aggregate, and
// the gate lifecycle (create -> authorize -> verify) already models exactly
// the quote/execute/verdict flow a run goes through.
func (h *handler) createRun(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body struct {
		PayeeAgentID   string `json:"payeeAgentId"`
		AmountCents    int64  `json:"amountCents"`
		Currency       string `json:"currency"`
		ToolID         string `json:"toolId"`
		PolicyRef      string `json:"policyRef"`
		MaxAmountCents int64  `json:"maxAmountCents"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	runID, snap, err := h.app.Gates.Create(r.Context(), x402.CreateInput{
		TenantID: tenantFromCtx(r.Context()), PayerAgentID: agentID, PayeeAgentID: body.PayeeAgentID,
		AmountCents: body.AmountCents, Currency: body.Currency, ToolID: body.ToolID,
		PolicyRef: body.PolicyRef, MaxAmountCents: body.MaxAmountCents, IdempotencyKey: body.IdempotencyKey,
	})
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"runId": runID, "snapshot": snap})
}

// postRunEvent treats a run event as the verifier's outcome report, mapped
// onto the gate's Verify transition.
func (h *handler) postRunEvent(w http.ResponseWriter, r *http.Request, agentID, runID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body struct {
		VerificationStatus string                `json:"verificationStatus"`
		RunStatus          string                `json:"runStatus"`
		VerificationMethod x402.VerifierIdentity `json:"verificationMethod"`
		EvidenceRefs       []string              `json:"evidenceRefs"`
		Policy             x402.ReleasePolicy    `json:"policy"`
		IdempotencyKey     string                `json:"idempotencyKey"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	snap, err := h.app.Gates.Verify(r.Context(), x402.VerifyInput{
		TenantID: tenantFromCtx(r.Context()), GateID: runID,
		VerificationStatus: body.VerificationStatus, RunStatus: body.RunStatus,
		VerificationMethod: body.VerificationMethod, EvidenceRefs: body.EvidenceRefs,
		Policy: body.Policy, IdempotencyKey: body.IdempotencyKey,
	})
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// -- x402 gates ------------------------------------------------------------

func (h *handler) gateCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var in x402.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.TenantID = tenantFromCtx(r.Context())
	id, snap, err := h.app.Gates.Create(r.Context(), in)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"gateId": id, "snapshot": snap})
}

func (h *handler) gateAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var in x402.AuthorizeInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.TenantID = tenantFromCtx(r.Context())
	snap, err := h.app.Gates.AuthorizePayment(r.Context(), in)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) gateVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var in x402.VerifyInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.TenantID = tenantFromCtx(r.Context())
	snap, err := h.app.Gates.Verify(r.Context(), in)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) gateGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	gateID := strings.TrimPrefix(r.URL.Path, "/x402/gate/")
	if gateID == "" {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	snap, err := h.app.Store.GetSnapshot(r.Context(), tenantFromCtx(r.Context()), gateID)
	if writeIfError(w, err) {
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, coordinatorerrors.NotFound("gate", gateID))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// -- x402 wallets ------------------------------------------------------------
//
// There is no separate Wallet aggregate: a wallet is the ledger's
// "wallet:{agentId}" account. /x402/wallets exposes that account through
// the ledger's hold/posting primitives instead of duplicating agent-wallet
// state.

func (h *handler) walletCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body struct {
		AgentID            string  `json:"agentId"`
		InitialCreditCents int64   `json:"initialCreditCents"`
		IdempotencyKey     string  `json:"idempotencyKey"`
		ExpectedPrevChainHash *string `json:"expectedPrevChainHash"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	snap, err := h.app.Agents.CreditWallet(r.Context(), tenantFromCtx(r.Context()), body.AgentID, body.InitialCreditCents, body.ExpectedPrevChainHash, body.IdempotencyKey)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *handler) walletSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/x402/wallets/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	ref := parts[0]
	switch parts[1] {
	case "authorize":
		h.walletAuthorize(w, r, ref)
	case "ledger":
		h.walletLedger(w, r, ref)
	default:
		writeError(w, http.StatusNotFound, errNotFound)
	}
}

func (h *handler) walletAuthorize(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body struct {
		AmountCents int64  `json:"amountCents"`
		Currency    string `json:"currency"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	hold, err := h.app.Ledger.PlaceHold(r.Context(), tenantFromCtx(r.Context()), agentID, body.AmountCents, body.Currency)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (h *handler) walletLedger(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	from, to := parsePeriodQuery(r)
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = "USD"
	}
	statement, err := h.app.Ledger.ComputePartyStatement(r.Context(), tenantFromCtx(r.Context()), agentID, from, to, "settledAt", currency)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, statement)
}

func parsePeriodQuery(r *http.Request) (from, to time.Time) {
	to = time.Now().UTC()
	from = to.AddDate(0, -1, 0)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}

// -- delegation grants ------------------------------------------------------------

func (h *handler) grantsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.issueGrant(w, r)
	case http.MethodGet:
		h.listGrants(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

func (h *handler) issueGrant(w http.ResponseWriter, r *http.Request) {
	var in identity.IssueInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.TenantID = tenantFromCtx(r.Context())
	id, snap, err := h.app.Grants.Issue(r.Context(), in)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"grantId": id, "snapshot": snap})
}

func (h *handler) listGrants(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.app.Store.ListSnapshots(r.Context(), store.ListFilter{TenantID: tenantFromCtx(r.Context()), StreamKind: identity.StreamKindGrant})
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": snaps})
}

func (h *handler) grantsSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/delegation-grants/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "revoke" {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	snap, err := h.app.Grants.Revoke(r.Context(), tenantFromCtx(r.Context()), parts[0], body.Reason)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// -- ops / finance / billing ------------------------------------------------------------

func (h *handler) monthClose(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.triggerMonthClose(w, r)
	case http.MethodGet:
		h.getMonthClose(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

func (h *handler) triggerMonthClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Month string `json:"month"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	tenantID := tenantFromCtx(r.Context())
	core, err := h.app.BuildMonthStatement(r.Context(), tenantID, body.Month)
	if writeIfError(w, err) {
		return
	}
	artifactID := "month_statement_" + tenantID + "_" + body.Month
	art, err := h.app.Artifacts.Build(r.Context(), tenantID, "month_statement", artifactID, core)
	if writeIfError(w, err) {
		return
	}
	mc, err := h.app.Ledger.Close(r.Context(), tenantID, body.Month, art.ArtifactID, art.ArtifactHash)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

func (h *handler) getMonthClose(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		writeError(w, http.StatusBadRequest, coordinatorerrors.SchemaInvalid("month query parameter required"))
		return
	}
	mc, err := h.app.Ledger.GetMonthClose(r.Context(), tenantFromCtx(r.Context()), month)
	if writeIfError(w, err) {
		return
	}
	if mc == nil {
		writeError(w, http.StatusNotFound, coordinatorerrors.NotFound("month_close", month))
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

// financeReconcile returns the open triage rows filed by the most recent
// reconciliation pass; triggering a fresh reconciliation requires an
// expected-payouts source body, which this GET route doesn't carry — that
// happens on the periodic finance-reconcile worker instead.
func (h *handler) financeReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	rows, err := h.app.Store.ListTriage(r.Context(), store.ListFilter{TenantID: tenantFromCtx(r.Context())})
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triage": rows})
}

func (h *handler) financeTriage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var in rails.UpsertTriageInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.TenantID = tenantFromCtx(r.Context())
	row, err := h.app.Rails.UpsertTriage(r.Context(), in)
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	secret := h.app.Config.Rails.WebhookSigningSecret
	tenantID := tenantFromCtx(r.Context())

	bodyBytes, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, coordinatorerrors.SchemaInvalid("could not read request body"))
		return
	}

	if secret != "" {
		sigHeader := r.Header.Get("stripe-signature")
		ts, sig, ok := splitStripeSignature(sigHeader)
		if !ok {
			writeError(w, http.StatusBadRequest, coordinatorerrors.SchemaInvalid("missing or malformed stripe-signature header"))
			return
		}
		if err := billing.VerifySignature([]byte(secret), ts, string(bodyBytes), sig, 5*time.Minute, time.Now().UTC()); err != nil {
			writeIfError(w, err)
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(bodyBytes, &payload); err != nil {
		writeError(w, http.StatusBadRequest, coordinatorerrors.SchemaInvalid("webhook body must be JSON"))
		return
	}
	eventID, _ := payload["id"].(string)
	if eventID == "" {
		eventID = "evt_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	err = h.app.Billing.Deliver(r.Context(), tenantID, eventID, payload, func(ctx context.Context) error { return nil })
	if writeIfError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// splitStripeSignature parses Stripe's "t=<unix>,v1=<hex>" header format.
func splitStripeSignature(header string) (timestamp, signature string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signature = kv[1]
		}
	}
	return timestamp, signature, timestamp != "" && signature != ""
}

var (
	errMethodNotAllowed = coordinatorerrors.New(coordinatorerrors.CodeSchemaInvalid, "method not allowed", http.StatusMethodNotAllowed)
	errNotFound         = coordinatorerrors.NotFound("route", "")
)

func writeIfError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	if svcErr, ok := coordinatorerrors.As(err); ok {
		writeJSON(w, svcErr.HTTPStatus, map[string]any{"error": svcErr.Code, "message": svcErr.Message, "details": svcErr.Details})
		return true
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "INTERNAL", "message": err.Error()})
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, coordinatorerrors.SchemaInvalid("request body must be valid JSON: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
