package main

import (
	"context"
	"fmt"
	"net/http"
)

func handleGrants(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		printGrantsUsage()
		return fmt.Errorf("no grants subcommand specified")
	}
	switch args[0] {
	case "issue":
		fs := newFlagSet("grants issue")
		grantType := fs.String("type", "delegation", "grant type")
		granter := fs.String("granter", "", "granter principal id")
		grantee := fs.String("grantee", "", "grantee agent id")
		tools := fs.String("tools", "", "comma-separated allowed tool ids")
		providers := fs.String("providers", "", "comma-separated allowed provider ids")
		sideEffecting := fs.Bool("side-effecting", false, "allow side-effecting tool calls")
		parent := fs.String("parent", "", "parent grant id, for delegation chains")
		idem := fs.String("idempotency-key", "", "idempotency key")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodPost, "/delegation-grants", map[string]any{
			"grantType":            *grantType,
			"granterId":            *granter,
			"granteeId":            *grantee,
			"allowedToolIds":       splitList(*tools),
			"allowedProviderIds":   splitList(*providers),
			"sideEffectingAllowed": *sideEffecting,
			"parentGrantId":        *parent,
			"idempotencyKey":       *idem,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "list":
		data, err := client.request(ctx, http.MethodGet, "/delegation-grants", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "revoke":
		fs := newFlagSet("grants revoke")
		id := fs.String("id", "", "grant id")
		reason := fs.String("reason", "", "revocation reason")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodPost, "/delegation-grants/"+*id+"/revoke", map[string]any{
			"reason": *reason,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	default:
		printGrantsUsage()
		return fmt.Errorf("unknown grants subcommand %q", args[0])
	}
}

func printGrantsUsage() {
	fmt.Println(`Usage:
  settldctl grants issue --granter <id> --grantee <id> [--tools a,b] [--providers a,b] [--side-effecting]
  settldctl grants list
  settldctl grants revoke --id <grantId> --reason <text>`)
}
