package main

import (
	"context"
	"fmt"
	"net/http"
)

func handleWallet(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		printWalletUsage()
		return fmt.Errorf("no wallet subcommand specified")
	}
	switch args[0] {
	case "authorize":
		fs := newFlagSet("wallet authorize")
		ref := fs.String("ref", "", "wallet ref (agent id)")
		amount := fs.String("amount-cents", "0", "amount to hold, in cents")
		currency := fs.String("currency", "USD", "currency")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cents, err := toInt64(*amount)
		if err != nil {
			return fmt.Errorf("invalid --amount-cents: %w", err)
		}
		data, err := client.request(ctx, http.MethodPost, "/x402/wallets/"+*ref+"/authorize", map[string]any{
			"amountCents": cents,
			"currency":    *currency,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "ledger":
		fs := newFlagSet("wallet ledger")
		ref := fs.String("ref", "", "wallet ref (agent id)")
		from := fs.String("from", "", "period start, RFC3339")
		to := fs.String("to", "", "period end, RFC3339")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		path := "/x402/wallets/" + *ref + "/ledger"
		if *from != "" || *to != "" {
			path += "?from=" + *from + "&to=" + *to
		}
		data, err := client.request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	default:
		printWalletUsage()
		return fmt.Errorf("unknown wallet subcommand %q", args[0])
	}
}

func printWalletUsage() {
	fmt.Println(`Usage:
  settldctl wallet authorize --ref <agentId> --amount-cents <n>
  settldctl wallet ledger --ref <agentId> [--from <rfc3339>] [--to <rfc3339>]`)
}
