package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/engine"
	"github.com/scrypster/companion/internal/imaging"
	"github.com/scrypster/companion/internal/llm"
	"github.com/scrypster/companion/internal/locale"
	"github.com/scrypster/companion/internal/notify"
	"github.com/scrypster/companion/internal/server"
	"github.com/scrypster/companion/internal/sessions"
	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/internal/storage/postgres"
	"github.com/scrypster/companion/internal/storage/sqlite"
	"github.com/scrypster/companion/web/handlers"
)

// ServeFlags override selected config values from the command line.
type ServeFlags struct {
	ConfigPath string
	Host       string
	Port       int
	DataPath   string
	EventDir   string
}

func NewServeFlags() *ServeFlags {
	return &ServeFlags{}
}

func (f *ServeFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", f.ConfigPath, "Path to an optional YAML config file")
	fs.StringVar(&f.Host, "host", f.Host, "Address to listen on (overrides COMPANION_HOST)")
	fs.IntVar(&f.Port, "port", f.Port, "Port to listen on (overrides COMPANION_PORT)")
	fs.StringVar(&f.DataPath, "data-path", f.DataPath, "Directory of the sqlite database (overrides COMPANION_DATA_PATH)")
	fs.StringVar(&f.EventDir, "event-dir", f.EventDir, "Directory watched for render event files (overrides COMPANION_EVENT_DIR)")
}

func (f *ServeFlags) Validate() error {
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("--port %d out of range", f.Port)
	}
	if f.ConfigPath != "" {
		if _, err := os.Stat(f.ConfigPath); err != nil {
			return fmt.Errorf("--config: %w", err)
		}
	}
	return nil
}

// Apply writes the flags that were set over cfg.
func (f *ServeFlags) Apply(cfg *config.Config) {
	if f.Host != "" {
		cfg.Server.Host = f.Host
	}
	if f.Port != 0 {
		cfg.Server.Port = f.Port
	}
	if f.DataPath != "" {
		cfg.Storage.DataPath = f.DataPath
	}
	if f.EventDir != "" {
		cfg.Notify.EventDir = f.EventDir
	}
}

// loadConfig loads, overrides and validates the configuration, then sets up
// logging from it.
func (f *ServeFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	f.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := configureLogging(cfg.Logging); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	f := NewServeFlags()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket notifications and render event watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.Validate(); err != nil {
				return err
			}
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}

// openStore opens the configured storage backend.
func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Engine {
	case "postgres":
		return postgres.NewStore(cfg.PostgresDSN)
	case "sqlite", "":
		if err := os.MkdirAll(cfg.DataPath, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlite.NewStore(filepath.Join(cfg.DataPath, "companion.db"))
	default:
		return nil, fmt.Errorf("unsupported storage engine %q", cfg.Engine)
	}
}

// engineConfig maps the turn section of cfg onto the engine defaults.
func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.MaxTokens = cfg.Turn.MaxTokens
	ec.MaxPendingTasks = cfg.Turn.MaxPendingTasks
	ec.GoalWindow = cfg.Turn.GoalWindow
	if cfg.Server.ShutdownTimeout > 0 {
		ec.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	return ec
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	sessionStore, err := sessions.New(cfg.Sessions.RedisURL, cfg.Sessions.TTL, cfg.Sessions.MaxEntries)
	if err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}
	defer sessionStore.Close()

	catalog, err := locale.Load(cfg.Locale.Dir, cfg.Locale.Default)
	if err != nil {
		return fmt.Errorf("failed to load locale catalogs: %w", err)
	}

	chat, err := llm.NewChatCompleter(cfg.LLM)
	if err != nil {
		return err
	}
	goalAgent := llm.NewGoalAgent(chat)
	imageAgent := llm.NewImageAgent(chat)

	hub := handlers.NewWebSocketHub(sessionStore, cfg.Security.AllowedOrigins)

	orch, err := engine.NewOrchestrator(engine.Dependencies{
		Store:          store,
		Completer:      llm.NewRetryingCompleter(chat, cfg.Turn.CompletionAttempts),
		Renderer:       imaging.NewClient(imaging.Config{BaseURL: cfg.Imaging.BaseURL, APIKey: cfg.Imaging.APIKey, CallbackURL: cfg.Imaging.CallbackURL, Timeout: cfg.Imaging.Timeout}),
		Notifier:       hub,
		GoalGenerator:  goalAgent,
		GoalClassifier: goalAgent,
		ImageDetector:  imageAgent,
		Poser:          imageAgent,
		Catalog:        catalog,
		Pricing:        engine.LinearPricing(cfg.Turn.PricePerImage),
		Models:         cfg.LLM.ModelFor,
	}, engineConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	var watcher *notify.EventWatcher
	if cfg.Notify.EventDir != "" {
		watcher = notify.NewEventWatcher(cfg.Notify.EventDir, func(ev imaging.RenderEvent) {
			if err := orch.CompleteRender(context.Background(), ev); err != nil && !errors.Is(err, engine.ErrUnknownTask) {
				log.WithError(err).WithField("placeholder_id", ev.PlaceholderID).Error("failed to apply render event file")
			}
		})
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch %s: %w", cfg.Notify.EventDir, err)
		}
	}

	srv := server.New(cfg, server.Deps{
		Store:    store,
		Turns:    orch,
		Messages: orch.Engine(),
		Sessions: sessionStore,
		Hub:      hub,
		Version:  version,
	})
	addr, err := srv.Start(ctx)
	if err != nil {
		if watcher != nil {
			watcher.Stop()
		}
		return err
	}
	log.WithFields(log.Fields{
		"addr":    addr,
		"version": version,
		"storage": cfg.Storage.Engine,
		"llm":     cfg.LLM.Provider,
	}).Info("companion server running")

	<-ctx.Done()
	log.Info("shutting down gracefully")

	// Stop taking requests and events first, then drain in-flight turns.
	<-srv.Done()
	if watcher != nil {
		watcher.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), engineConfig(cfg).ShutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("engine shutdown incomplete")
	}
	return nil
}
