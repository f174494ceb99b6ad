// Command appserver runs the agent-economy settlement coordinator: the
// HTTP API plus the background ops workers (retention, finance-reconcile,
// month-close, delivery-ack) that keep its ledger and money-rail state
// current.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nooterra/settld/internal/app"
	"github.com/nooterra/settld/internal/app/httpapi"
	"github.com/nooterra/settld/internal/config"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	apiTokensFlag := flag.String("api-tokens", "", "comma-separated API tokens for HTTP authentication")
	shardCount := flag.Int("shards", 0, "number of worker shards to run locally (defaults to config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	application, err := app.NewApplication(cfg, nil)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	listenAddr := determineAddr(*addr, cfg)
	tokens := resolveAPITokens(*apiTokensFlag)
	httpService := httpapi.NewService(application, listenAddr, tokens)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := httpService.Start(rootCtx); err != nil {
		log.Fatalf("start http service: %v", err)
	}
	log.Printf("settld coordinator listening on %s", listenAddr)

	application.StartWorkers(rootCtx, localShards(cfg, *shardCount))

	<-rootCtx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	application.StopWorkers()
	if err := httpService.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown http service: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		switch strings.ToLower(filepath.Ext(trimmed)) {
		case ".json":
			return config.LoadConfig(trimmed)
		default:
			return config.LoadFile(trimmed)
		}
	}
	return config.Load()
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if addr := strings.TrimSpace(flagAddr); addr != "" {
		return addr
	}
	host := strings.TrimSpace(cfg.Server.Host)
	port := cfg.Server.Port
	if port == 0 {
		return ":8080"
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func resolveAPITokens(flagTokens string) []string {
	var tokens []string
	tokens = append(tokens, splitTokens(flagTokens)...)
	tokens = append(tokens, splitTokens(os.Getenv("API_TOKENS"))...)
	if token := strings.TrimSpace(os.Getenv("API_TOKEN")); token != "" {
		tokens = append(tokens, token)
	}
	return tokens
}

func splitTokens(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return trimmed
}

// localShards builds the shard-key set the single local process owns. A
// multi-process deployment would partition cfg.Worker.ShardCount across
// instances instead of running them all in one.
func localShards(cfg *config.Config, override int) []string {
	n := cfg.Worker.ShardCount
	if override > 0 {
		n = override
	}
	if n <= 0 {
		n = 1
	}
	shards := make([]string, n)
	for i := 0; i < n; i++ {
		shards[i] = fmt.Sprintf("shard-%d", i)
	}
	return shards
}
