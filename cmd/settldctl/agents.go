package main

import (
	"context"
	"fmt"
	"net/http"
)

func handleAgents(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		printAgentsUsage()
		return fmt.Errorf("no agents subcommand specified")
	}
	switch args[0] {
	case "register":
		fs := newFlagSet("agents register")
		owner := fs.String("owner", "", "owner principal id")
		pubKeyHex := fs.String("pubkey", "", "hex-encoded ed25519 public key")
		currency := fs.String("currency", "USD", "settlement currency")
		idem := fs.String("idempotency-key", "", "idempotency key")
		caps := fs.String("capabilities", "", "comma-separated capability list")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodPost, "/agents/register", map[string]any{
			"ownerPrincipalId": *owner,
			"publicKeyHex":     *pubKeyHex,
			"currency":         *currency,
			"idempotencyKey":   *idem,
			"capabilities":     splitList(*caps),
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "list":
		data, err := client.request(ctx, http.MethodGet, "/agents", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "get":
		fs := newFlagSet("agents get")
		id := fs.String("id", "", "agent id")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodGet, "/agents/"+*id, nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "credit":
		fs := newFlagSet("agents credit")
		id := fs.String("id", "", "agent id")
		amount := fs.String("amount-cents", "0", "amount to credit, in cents")
		idem := fs.String("idempotency-key", "", "idempotency key")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cents, err := toInt64(*amount)
		if err != nil {
			return fmt.Errorf("invalid --amount-cents: %w", err)
		}
		data, err := client.request(ctx, http.MethodPost, "/agents/"+*id+"/wallet/credit", map[string]any{
			"amountCents":    cents,
			"idempotencyKey": *idem,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "run-start":
		fs := newFlagSet("agents run-start")
		id := fs.String("id", "", "payer agent id")
		payee := fs.String("payee", "", "payee agent id")
		amount := fs.String("amount-cents", "0", "amount authorized, in cents")
		tool := fs.String("tool", "", "tool id")
		idem := fs.String("idempotency-key", "", "idempotency key")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cents, err := toInt64(*amount)
		if err != nil {
			return fmt.Errorf("invalid --amount-cents: %w", err)
		}
		data, err := client.request(ctx, http.MethodPost, "/agents/"+*id+"/runs", map[string]any{
			"payeeAgentId":   *payee,
			"amountCents":    cents,
			"toolId":         *tool,
			"idempotencyKey": *idem,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "run-event":
		fs := newFlagSet("agents run-event")
		id := fs.String("id", "", "agent id")
		runID := fs.String("run", "", "run id")
		status := fs.String("status", "green", "verification status: green, amber, red")
		runStatus := fs.String("run-status", "completed", "run status")
		idem := fs.String("idempotency-key", "", "idempotency key")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodPost, "/agents/"+*id+"/runs/"+*runID+"/events", map[string]any{
			"verificationStatus": *status,
			"runStatus":          *runStatus,
			"idempotencyKey":     *idem,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	default:
		printAgentsUsage()
		return fmt.Errorf("unknown agents subcommand %q", args[0])
	}
}

func printAgentsUsage() {
	fmt.Println(`Usage:
  settldctl agents register --owner <id> --pubkey <hex> [--currency USD] [--capabilities a,b]
  settldctl agents list
  settldctl agents get --id <agentId>
  settldctl agents credit --id <agentId> --amount-cents <n>
  settldctl agents run-start --id <payerAgentId> --payee <agentId> --amount-cents <n> --tool <toolId>
  settldctl agents run-event --id <agentId> --run <runId> --status green|amber|red`)
}
