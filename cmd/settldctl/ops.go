package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func handleOps(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		printOpsUsage()
		return fmt.Errorf("no ops subcommand specified")
	}
	switch args[0] {
	case "month-close":
		fs := newFlagSet("ops month-close")
		month := fs.String("month", "", "period, formatted YYYY-MM")
		trigger := fs.Bool("trigger", false, "trigger a close instead of reading an existing one")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *trigger {
			data, err := client.request(ctx, http.MethodPost, "/ops/month-close", map[string]any{"month": *month})
			if err != nil {
				return err
			}
			prettyPrint(data)
			return nil
		}
		data, err := client.request(ctx, http.MethodGet, "/ops/month-close?month="+*month, nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "reconcile":
		data, err := client.request(ctx, http.MethodGet, "/ops/finance/money-rails/reconcile", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "triage":
		fs := newFlagSet("ops triage")
		sourceType := fs.String("source-type", "", "triage source type")
		owner := fs.String("owner", "", "owning principal id")
		status := fs.String("status", "", "triage status")
		idem := fs.String("idempotency-key", "", "idempotency key")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodPost, "/ops/finance/reconciliation/triage", map[string]any{
			"sourceType":       *sourceType,
			"ownerPrincipalId": *owner,
			"status":           *status,
			"idempotencyKey":   *idem,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "status":
		data, err := client.request(ctx, http.MethodGet, "/ops/status", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	default:
		printOpsUsage()
		return fmt.Errorf("unknown ops subcommand %q", args[0])
	}
}

func printOpsUsage() {
	fmt.Println(`Usage:
  settldctl ops month-close --month YYYY-MM [--trigger]
  settldctl ops reconcile
  settldctl ops triage --source-type <type> --owner <principalId>
  settldctl ops status`)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func splitList(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == ';'
	})
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
