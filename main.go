// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"

	"github.com/dqhuy/unilink/internal/config"
	"github.com/dqhuy/unilink/internal/relay"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgPath  = flag.String("config", "unilink.json", "Path to config file")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("unilink v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	if *debug {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	args := flag.Args()

	// No arguments: run the call agent and wait for inbound calls.
	if len(args) == 0 {
		runAgent("", false)
		return
	}

	switch args[0] {
	case "agent":
		runAgent("", false)

	case "call":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: call command requires a user ID")
			fmt.Fprintln(os.Stderr, "Usage: unilink call <user-id> [video]")
			os.Exit(1)
		}
		video := len(args) > 2 && args[2] == "video"
		runAgent(args[1], video)

	case "relay":
		runRelay()

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runAgent(dialUser string, video bool) {
	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		fmt.Printf("created %s; set identity.user_id and restart\n", *cfgPath)
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	app := NewApp(cfg)

	// Hot-reload is limited to call tunables; identity and relay changes
	// need a restart.
	stopWatch, err := config.Watch(*cfgPath, func(next config.Config) {
		if next.Identity != cfg.Identity || next.Relay != cfg.Relay {
			log.Warn("identity/relay changed on disk; restart to apply")
		}
		app.ApplyConfig(next)
		log.Info("call/media tunables reloaded")
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	if err := app.Run(ctx, dialUser, video); err != nil {
		log.Fatalf("agent: %v", err)
	}
}

func runRelay() {
	// Relay deployments configure via environment, .env supported.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("load .env: %v", err)
	}

	addr := envOr("UNILINK_RELAY_ADDR", ":8787")
	dsn := os.Getenv("UNILINK_DB")
	apiKey := os.Getenv("UNILINK_API_KEY")

	var store relay.Store
	var err error
	switch {
	case dsn == "":
		store = relay.NewMemStore()
		log.Info("relay store: in-memory (set UNILINK_DB to persist)")
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		store, err = relay.OpenPostgres(dsn)
	default:
		store, err = relay.OpenSQLite(dsn)
	}
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	srv := relay.NewServer(addr, apiKey, store)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("relay: %v", err)
	}
	fmt.Printf("relay listening on %s\n", srv.URL())

	<-ctx.Done()
	fmt.Println("\nShutting down gracefully...")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func showUsage() {
	fmt.Println("unilink - two-party voice/video calls over a store-and-forward relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  unilink                      Run the call agent (answer inbound calls)")
	fmt.Println("  unilink call <user> [video]  Run the agent and immediately dial <user>")
	fmt.Println("  unilink relay                Run a signaling relay server")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <path>  Config file (default unilink.json)")
	fmt.Println("  -debug          Verbose logging")
	fmt.Println("  -h              Show this help message")
	fmt.Println("  -version        Show version information")
	fmt.Println()
	fmt.Println("Relay environment (read from .env when present):")
	fmt.Println("  UNILINK_RELAY_ADDR  Listen address (default :8787)")
	fmt.Println("  UNILINK_DB          sqlite path or postgres:// DSN; empty = in-memory")
	fmt.Println("  UNILINK_API_KEY     Shared key required from clients; empty = open")
}
