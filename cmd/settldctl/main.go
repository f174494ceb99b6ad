package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nooterra/settld/pkg/version"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("SETTLD_ADDR", "http://localhost:8080")
	defaultToken := os.Getenv("SETTLD_TOKEN")
	defaultTenant := getenv("SETTLD_TENANT", "tenant_default")

	root := flag.NewFlagSet("settldctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "coordinator base URL (env SETTLD_ADDR)")
	tokenFlag := root.String("token", defaultToken, "bearer token for authentication (env SETTLD_TOKEN)")
	tenantFlag := root.String("tenant", defaultTenant, "tenant id sent as X-Tenant-Id (env SETTLD_TENANT)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	showVersion := root.Bool("version", false, "print settldctl build information and exit")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	if *showVersion {
		fmt.Println(version.FullVersion())
		return nil
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		token:   strings.TrimSpace(*tokenFlag),
		tenant:  strings.TrimSpace(*tenantFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "agents":
		return handleAgents(ctx, client, remaining[1:])
	case "grants":
		return handleGrants(ctx, client, remaining[1:])
	case "gate":
		return handleGate(ctx, client, remaining[1:])
	case "wallet":
		return handleWallet(ctx, client, remaining[1:])
	case "ops":
		return handleOps(ctx, client, remaining[1:])
	case "health":
		data, err := client.request(ctx, http.MethodGet, "/healthz", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "version":
		data, err := client.request(ctx, http.MethodGet, "/capabilities", nil)
		if err != nil {
			return err
		}
		fmt.Println(version.FullVersion())
		prettyPrint(data)
		return nil
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`settld coordinator CLI (settldctl)

Usage:
  settldctl [global flags] <command> [subcommand] [flags]

Global Flags:
  --addr       coordinator base URL (env SETTLD_ADDR, default http://localhost:8080)
  --token      API bearer token (env SETTLD_TOKEN)
  --tenant     tenant id sent as X-Tenant-Id (env SETTLD_TENANT)
  --timeout    HTTP timeout (default 15s)
  --version    print CLI build information and exit

Commands:
  agents   Register and inspect agents, credit wallets, start/report runs
  grants   Issue, list, and revoke delegation grants
  gate     Create, authorize, verify, and inspect x402 payment gates
  wallet   Authorize holds and inspect ledger statements for a wallet
  ops      Trigger and inspect month-close, finance reconciliation triage
  health   Show /healthz
  version  Show CLI and server capabilities`)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func toInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
