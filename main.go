package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/emberchat/ember/internal/app"
	"github.com/emberchat/ember/internal/config"
)

var (
	cfgPath   = flag.String("config", "ember.json", "Path to the config file (created with defaults if missing)")
	relayOnly = flag.Bool("relay", false, "Run only the signaling relay server")
	name      = flag.String("name", "", "Override the configured display name")
	showHelp  = flag.Bool("h", false, "Show help")
	version   = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ember v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absPath, err := filepath.Abs(*cfgPath)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}
	cfg, created, err := config.Ensure(absPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", absPath)
	}
	if *name != "" {
		cfg.Profile.DisplayName = *name
	}

	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Log.Level, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{Cfg: cfg, RelayOnly: *relayOnly}); err != nil {
		log.Fatalf("ember failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("ember - ephemeral peer-to-peer group chat")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ember                  Run the interactive chat client")
	fmt.Println("  ember -relay           Run the signaling relay server")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Host a relay on the port from ember.json")
	fmt.Println("  ember -relay -config ./server/ember.json")
	fmt.Println()
	fmt.Println("  # Chat via a relay")
	fmt.Println("  ember -name alice")
}
