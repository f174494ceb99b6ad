package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/idgen"
	"github.com/nooterra/settld/internal/kernel"
	"github.com/nooterra/settld/internal/store"
)

// AgentLifecycleStatus mirrors the values x402 preconditions check.
type AgentLifecycleStatus string

const (
	AgentActive    AgentLifecycleStatus = "active"
	AgentSuspended AgentLifecycleStatus = "suspended"
	AgentThrottled AgentLifecycleStatus = "throttled"
)

// StreamKindAgent is the EventKernel stream kind for Agent aggregates.
const StreamKindAgent = "agent"

// Event types on the agent stream.
const (
	EventAgentRegistered    = "AgentRegistered"
	EventAgentWalletCredited = "AgentWalletCredited"
	EventAgentSuspended     = "AgentSuspended"
	EventAgentReactivated   = "AgentReactivated"
)

// AgentRegistry wraps the EventKernel to register and query Agent streams.
type AgentRegistry struct {
	k *kernel.Kernel
}

// NewAgentRegistry registers the agent reducer on k and returns a registry
// bound to it.
func NewAgentRegistry(k *kernel.Kernel) *AgentRegistry {
	k.Register(StreamKindAgent, reduceAgent)
	return &AgentRegistry{k: k}
}

// reduceAgent folds agent-stream events into the agent's snapshot state.
// Pure function of (state, event) per spec §4.3 reducer rules.
func reduceAgent(state map[string]any, event store.Event) (map[string]any, error) {
	next := cloneState(state)
	switch event.Type {
	case EventAgentRegistered:
		owner, _ := event.Payload["ownerPrincipalId"].(string)
		pubKeyB64, _ := event.Payload["publicKeyB64"].(string)
		capabilities, _ := event.Payload["capabilities"].([]any)
		next["ownerPrincipalId"] = owner
		next["publicKeyB64"] = pubKeyB64
		next["capabilities"] = capabilities
		next["status"] = string(AgentActive)
		next["availableCents"] = float64(0)
		next["escrowLockedCents"] = float64(0)
		next["currency"] = strOr(event.Payload["currency"], "USD")
	case EventAgentWalletCredited:
		amount, _ := event.Payload["amountCents"].(float64)
		available, _ := next["availableCents"].(float64)
		next["availableCents"] = available + amount
	case EventAgentSuspended:
		next["status"] = string(AgentSuspended)
	case EventAgentReactivated:
		next["status"] = string(AgentActive)
	default:
		return nil, coordinatorerrors.Wrap("EVENT_PAYLOAD_INVALID", "unrecognized agent event type", 500, nil).
			WithDetails("type", event.Type)
	}
	return next, nil
}

func cloneState(state map[string]any) map[string]any {
	next := make(map[string]any, len(state)+4)
	for k, v := range state {
		next[k] = v
	}
	return next
}

func strOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// RegisterInput is the Agents.Register command.
type RegisterInput struct {
	TenantID         string
	OwnerPrincipalID string
	Capabilities     []string
	PublicKey        ed25519.PublicKey
	Currency         string
	IdempotencyKey   string
}

// Register appends an AgentRegistered event on a fresh stream and returns
// the new agent id.
func (r *AgentRegistry) Register(ctx context.Context, in RegisterInput) (string, *store.Snapshot, error) {
	streamID := idgen.Stream("agent")
	caps := make([]any, len(in.Capabilities))
	for i, c := range in.Capabilities {
		caps[i] = c
	}

	res, err := r.k.Append(ctx, kernel.AppendInput{
		TenantID:         in.TenantID,
		StreamID:         streamID,
		StreamKind:       StreamKindAgent,
		Type:             EventAgentRegistered,
		Actor:            in.OwnerPrincipalID,
		IdempotencyKey:   in.IdempotencyKey,
		RouteBindingHash: "route:agents.register",
		Payload: map[string]any{
			"ownerPrincipalId": in.OwnerPrincipalID,
			"capabilities":     caps,
			"publicKeyB64":     base64.StdEncoding.EncodeToString(in.PublicKey),
			"currency":         in.Currency,
		},
	})
	if err != nil {
		return "", nil, err
	}
	return streamID, &res.Snapshot, nil
}

// CreditWallet appends an AgentWalletCredited event, chain-bound to the
// agent's current head (this route is chain-sensitive: concurrent credits
// must not silently clobber one another).
func (r *AgentRegistry) CreditWallet(ctx context.Context, tenantID, agentID string, amountCents int64, expectedPrevChainHash *string, idempotencyKey string) (*store.Snapshot, error) {
	res, err := r.k.Append(ctx, kernel.AppendInput{
		TenantID:              tenantID,
		StreamID:              agentID,
		StreamKind:            StreamKindAgent,
		Type:                  EventAgentWalletCredited,
		Actor:                 "system",
		ChainSensitive:        true,
		ExpectedPrevChainHash: expectedPrevChainHash,
		IdempotencyKey:        idempotencyKey,
		RouteBindingHash:      "route:agents.wallet.credit",
		Payload:               map[string]any{"amountCents": float64(amountCents)},
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// Suspend appends AgentSuspended, chain-bound to the agent's current head.
func (r *AgentRegistry) Suspend(ctx context.Context, tenantID, agentID string, expectedPrevChainHash *string) (*store.Snapshot, error) {
	res, err := r.k.Append(ctx, kernel.AppendInput{
		TenantID:              tenantID,
		StreamID:              agentID,
		StreamKind:            StreamKindAgent,
		Type:                  EventAgentSuspended,
		Actor:                 "system",
		ChainSensitive:        true,
		ExpectedPrevChainHash: expectedPrevChainHash,
		RouteBindingHash:      "route:agents.suspend",
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// Reactivate appends AgentReactivated, chain-bound to the agent's current head.
func (r *AgentRegistry) Reactivate(ctx context.Context, tenantID, agentID string, expectedPrevChainHash *string) (*store.Snapshot, error) {
	res, err := r.k.Append(ctx, kernel.AppendInput{
		TenantID:              tenantID,
		StreamID:              agentID,
		StreamKind:            StreamKindAgent,
		Type:                  EventAgentReactivated,
		Actor:                 "system",
		ChainSensitive:        true,
		ExpectedPrevChainHash: expectedPrevChainHash,
		RouteBindingHash:      "route:agents.reactivate",
	})
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// CheckActive returns nil if the agent's current status is active, else a
// *ServiceError carrying X402_AGENT_{NOT_ACTIVE,SUSPENDED,THROTTLED} with
// the matching HTTP status the x402 preconditions require.
func CheckActive(snap *store.Snapshot) error {
	if snap == nil {
		return coordinatorerrors.NotFound("agent", "")
	}
	status, _ := snap.State["status"].(string)
	switch AgentLifecycleStatus(status) {
	case AgentActive:
		return nil
	case AgentSuspended:
		return coordinatorerrors.New("X402_AGENT_SUSPENDED", "agent is suspended", 410).
			WithDetails("agentId", snap.StreamID)
	case AgentThrottled:
		return coordinatorerrors.New("X402_AGENT_THROTTLED", "agent is throttled", 429).
			WithDetails("agentId", snap.StreamID)
	default:
		return coordinatorerrors.New("X402_AGENT_NOT_ACTIVE", "agent is not active", 409).
			WithDetails("agentId", snap.StreamID).WithDetails("status", status)
	}
}
