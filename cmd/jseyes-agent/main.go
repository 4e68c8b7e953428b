// JS-Eyes browser agent: drives Chrome on behalf of the relay broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/agent"
	"github.com/imjszhang/js-eyes/internal/browser"
	"github.com/imjszhang/js-eyes/internal/config"
	"github.com/imjszhang/js-eyes/internal/reliability"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")
	useFake := flag.Bool("fake", false, "serve an in-memory browser instead of Chrome")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("jseyes-agent %s\n", agent.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", agent.Version).
		Str("client_id", cfg.ClientID).
		Str("url", cfg.BrokerURL).
		Bool("challenge", cfg.SecretKey != "").
		Msg("JS-Eyes agent starting")

	// Browser backend
	var api browser.API
	if *useFake {
		api = browser.NewFake()
		log.Warn().Msg("using in-memory browser")
	} else {
		api, err = browser.NewChrome(browser.ChromeConfig{
			DevToolsURL: cfg.DevToolsURL,
			Headless:    cfg.Headless,
			UserAgent:   cfg.UserAgent,
			Timeout:     cfg.RequestTTL,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start browser")
		}
	}
	defer func() { _ = api.Close() }()

	// Create agent
	a := agent.New(cfg, api, log)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	// Run agent
	if err := a.Run(); err != nil {
		log.Error().Err(err).Msg("agent stopped")
		_ = api.Close()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Usage: jseyes-agent [options]

JS-Eyes Agent %s - connects a browser to the JS-Eyes relay broker.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity
  --fake          Serve an in-memory browser (no Chrome)

Environment variables (also read from ./.env):
  JSEYES_URL                Broker WebSocket URL (default: ws://localhost:18080/ws?type=agent)
  JSEYES_CLIENT_ID          Agent name reported to the broker
  JSEYES_SECRET             Shared secret for the challenge handshake
  JSEYES_TOKEN              Bearer token for the broker's event stream
  JSEYES_USER_AGENT         User-Agent reported to the broker
  JSEYES_AUTH_TIMEOUT       Wait for a challenge before legacy mode (default: 10s)
  JSEYES_RATE_LIMIT         Commands per rate window (default: 60)
  JSEYES_QUEUE_CAPACITY     In-flight command limit (default: 100)
  JSEYES_REQUEST_TTL        Per-command timeout (default: 60s)
  JSEYES_HEALTH_URL         Broker health endpoint (default: derived from JSEYES_URL)
  JSEYES_FALLBACK_URL       Broker event stream (default: derived from JSEYES_URL)
  JSEYES_DEVTOOLS_URL       Attach to a running Chrome instead of launching one
  JSEYES_HEADLESS           Launch Chrome headless (default: true)
  JSEYES_LOG_LEVEL          Log level: debug, info, warn, error
`, agent.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	// Load config
	cfg, err := config.LoadFromEnv()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Client ID:   %s\n", cfg.ClientID)
	fmt.Printf("  Broker:      %s\n", cfg.BrokerURL)
	fmt.Printf("  Challenge:   %t\n", cfg.SecretKey != "")
	if cfg.DevToolsURL != "" {
		fmt.Printf("  DevTools:    %s\n", cfg.DevToolsURL)
	}
	fmt.Println()

	if cfg.HealthURL == "" {
		fmt.Println("No health URL configured, skipping connectivity test")
		return 0
	}

	// Test connectivity
	fmt.Print("Testing broker connectivity... ")

	hc := reliability.NewHealthChecker(reliability.HealthConfig{
		URL:     cfg.HealthURL,
		Timeout: 10 * time.Second,
	}, zerolog.Nop())
	start := time.Now()
	status := hc.Check(context.Background())
	latency := time.Since(start)

	if hc.ConsecutiveFailures() > 0 {
		fmt.Printf("❌ Failed\n")
		return 1
	}

	fmt.Printf("✓ %s (latency: %dms)\n", status, latency.Milliseconds())
	return 0
}
