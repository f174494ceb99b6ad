package main

import (
	"context"
	"fmt"
	"net/http"
)

func handleGate(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		printGateUsage()
		return fmt.Errorf("no gate subcommand specified")
	}
	switch args[0] {
	case "create":
		fs := newFlagSet("gate create")
		payer := fs.String("payer", "", "payer agent id")
		payee := fs.String("payee", "", "payee agent id")
		amount := fs.String("amount-cents", "0", "amount, in cents")
		maxAmount := fs.String("max-amount-cents", "0", "maximum authorizable amount, in cents")
		currency := fs.String("currency", "USD", "currency")
		tool := fs.String("tool", "", "tool id")
		policy := fs.String("policy", "", "policy reference")
		idem := fs.String("idempotency-key", "", "idempotency key")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		amountCents, err := toInt64(*amount)
		if err != nil {
			return fmt.Errorf("invalid --amount-cents: %w", err)
		}
		maxCents, err := toInt64(*maxAmount)
		if err != nil {
			return fmt.Errorf("invalid --max-amount-cents: %w", err)
		}
		data, err := client.request(ctx, http.MethodPost, "/x402/gate/create", map[string]any{
			"payerAgentId":   *payer,
			"payeeAgentId":   *payee,
			"amountCents":    amountCents,
			"maxAmountCents": maxCents,
			"currency":       *currency,
			"toolId":         *tool,
			"policyRef":      *policy,
			"idempotencyKey": *idem,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "authorize":
		fs := newFlagSet("gate authorize")
		id := fs.String("id", "", "gate id")
		grantRef := fs.String("grant", "", "delegation grant ref")
		verdict := fs.String("risk-verdict", "", "prompt risk verdict")
		idem := fs.String("idempotency-key", "", "idempotency key")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodPost, "/x402/gate/authorize-payment", map[string]any{
			"gateId":             *id,
			"delegationGrantRef": *grantRef,
			"promptRiskVerdict":  *verdict,
			"idempotencyKey":     *idem,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "verify":
		fs := newFlagSet("gate verify")
		id := fs.String("id", "", "gate id")
		status := fs.String("status", "green", "verification status: green, amber, red")
		runStatus := fs.String("run-status", "completed", "run status")
		idem := fs.String("idempotency-key", "", "idempotency key")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodPost, "/x402/gate/verify", map[string]any{
			"gateId":             *id,
			"verificationStatus": *status,
			"runStatus":          *runStatus,
			"idempotencyKey":     *idem,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "get":
		fs := newFlagSet("gate get")
		id := fs.String("id", "", "gate id")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodGet, "/x402/gate/"+*id, nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	default:
		printGateUsage()
		return fmt.Errorf("unknown gate subcommand %q", args[0])
	}
}

func printGateUsage() {
	fmt.Println(`Usage:
  settldctl gate create --payer <id> --payee <id> --amount-cents <n> --tool <toolId>
  settldctl gate authorize --id <gateId> --grant <grantRef>
  settldctl gate verify --id <gateId> --status green|amber|red
  settldctl gate get --id <gateId>`)
}
