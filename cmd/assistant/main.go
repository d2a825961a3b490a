package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"floorbot/internal/adapter/catalog"
	"floorbot/internal/adapter/channel"
	"floorbot/internal/adapter/mcpserver"
	"floorbot/internal/infra/config"
	"floorbot/internal/infra/logger"
	"floorbot/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := "serve"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "help":
		showUsage()
		return
	case "serve":
		err = runServe()
	case "mcp":
		err = runMCP()
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "seed":
		err = runSeed(os.Args[2:])
	case "version":
		fmt.Println("floorbot", version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'assistant help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`assistant - flooring order assistant

USAGE:
    assistant [COMMAND] [FLAGS]

COMMANDS:
    serve            Run the HTTP API (default)
    mcp              Serve the catalog and order tools over MCP stdio
    seed FILE        Validate a YAML seed file and load it into the catalog
    encrypt VALUE    Print an enc: value for the config file
                     (passphrase from FLOORBOT_CONFIG_KEY)
    version          Print the version

FLAGS:
    --config PATH    Config file (default: ./config.yaml, or $FLOORBOT_CONFIG)

CONFIGURATION:
    Environment: FLOORBOT_* variables override config values
    Quick start: OPENAI_API_KEY=sk-... assistant serve`)
}

// configPath returns the --config flag, $FLOORBOT_CONFIG or ./config.yaml.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("FLOORBOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// positional returns args with flags and their values removed.
func positional(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "-"):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

func runServe() error {
	// 1. Config
	cfg, err := config.Load(configPath(os.Args[1:]))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, "floorbot")
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Catalog, order calculator, tools
	cat, err := initCatalog(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer cat.Close()

	// 4. Sessions and turn locking
	sessions, err := initSessions(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	defer sessions.Close()

	// 5. Engine (LLM, token guard, transcription)
	engine, err := initEngine(cfg, cat, sessions, log)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// 6. Background jobs
	sched, err := initScheduler(cfg, cat, sessions, log)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	// 7. HTTP API
	api := channel.NewHTTPChannel(channel.HTTPDeps{
		Assistant:   engine,
		Catalog:     cat.Catalog,
		Recommender: cat.Calculator,
		Counter:     cat.Catalog,
		Config:      cfg.Server,
		Logger:      log,
	})
	if err := api.Start(ctx); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	log.Info("floorbot started",
		"version", version,
		"addr", api.Addr(),
		"provider", cfg.LLM.DefaultProvider,
		"session_store", cfg.Session.Store,
		"session_lock", cfg.Session.Lock,
		"tools", len(cat.Tools.List()),
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	return nil
}

func runMCP() error {
	cfg, err := config.Load(configPath(os.Args[2:]))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// stdout carries the protocol.
	if cfg.Logger.Output == "stdout" {
		cfg.Logger.Output = "stderr"
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cat, err := initCatalog(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer cat.Close()

	return mcpserver.New(cat.Tools.List(), version, log).Serve(ctx, os.Stdin, os.Stdout)
}

func runEncrypt(args []string) error {
	values := positional(args)
	if len(values) != 1 {
		return fmt.Errorf("usage: assistant encrypt VALUE")
	}
	passphrase := os.Getenv("FLOORBOT_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("FLOORBOT_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(values[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func runSeed(args []string) error {
	files := positional(args)
	if len(files) != 1 {
		return fmt.Errorf("usage: assistant seed FILE")
	}
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	db, err := openCatalog(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := catalog.NewImporter(db, files[0], log).Import(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d products into %s\n", n, cfg.Catalog.Path)
	return nil
}
