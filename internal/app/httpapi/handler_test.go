package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nooterra/settld/internal/app"
	"github.com/nooterra/settld/internal/config"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	application, err := app.NewApplication(config.New(), nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	return NewHandler(application, []string{"test-token"})
}

func TestHealthzIsExemptFromAuth(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterAgentRoundTrip(t *testing.T) {
	h := newTestHandler(t)

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	body, _ := json.Marshal(map[string]any{
		"ownerPrincipalId": "principal_1",
		"capabilities":     []string{"pay"},
		"publicKeyHex":     hex.EncodeToString(pub),
		"currency":         "USD",
		"idempotencyKey":   "reg-1",
	})

	req := httptest.NewRequest(http.MethodPost, "/agents/register", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("X-Tenant-Id", "tenant_1")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK && rec.Code != http.StatusCreated {
		t.Fatalf("expected success, got %d: %s", rec.Code, rec.Body.String())
	}

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["agentId"] == nil && out["agent"] == nil {
		t.Fatalf("expected an agent identifier in response: %+v", out)
	}
}

func TestStripeWebhookBypassesAuth(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/ops/finance/billing/providers/stripe/webhook", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Fatalf("expected webhook route to bypass bearer auth, got 401")
	}
}
