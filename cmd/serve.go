package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claudiohq/claudio/internal/agent"
	"github.com/claudiohq/claudio/internal/config"
	"github.com/claudiohq/claudio/internal/dispatch"
	"github.com/claudiohq/claudio/internal/history"
	"github.com/claudiohq/claudio/internal/memory"
	"github.com/claudiohq/claudio/internal/pipeline"
	"github.com/claudiohq/claudio/internal/platform"
	"github.com/claudiohq/claudio/internal/registry"
	"github.com/claudiohq/claudio/internal/speech"
	"github.com/claudiohq/claudio/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	svc := config.NewService(claudioPath)
	setupLogging(svc.LogFile, verbose)

	if err := svc.Init(); err != nil {
		slog.Error("failed to initialise installation", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Claudio server", "version", Version, "port", svc.Port())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint: svc.Env["OTEL_ENDPOINT"],
		Protocol: svc.Env["OTEL_PROTOCOL"],
		Insecure: svc.Env["OTEL_INSECURE"] == "1",
	})
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without traces", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	reg := registry.New(svc)
	if err := reg.Reload(); err != nil {
		slog.Error("failed to load bot registry", "error", err)
		os.Exit(1)
	}
	if err := reg.Watch(); err != nil {
		slog.Warn("bots directory watcher unavailable", "error", err)
	}
	defer reg.Close()

	// Memory daemon (in-process, reachable over the UDS for external
	// callers like the cron-driven CLI).
	var memClient *memory.Client
	var memDaemon *memory.Daemon
	if svc.MemoryEnabled() {
		memDaemon = startMemoryDaemon(ctx, svc, reg)
		if memDaemon != nil {
			memClient = memory.NewClient(svc.MemorySocket())
		}
	}

	runner := &agent.Runner{}
	pipe := &pipeline.Pipeline{
		Service: svc,
		Runner:  runner,
		NewClient: func(platformName string, cfg *config.BotConfig) (platform.Client, error) {
			if platformName == "whatsapp" {
				return platform.NewWhatsAppClient(
					cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAccessToken, cfg.BotID), nil
			}
			return platform.NewTelegramClient(cfg.TelegramToken, cfg.BotID)
		},
		NewSpeech: func(apiKey string) pipeline.SpeechService {
			return speech.NewClient(apiKey)
		},
	}
	if memClient != nil {
		pipe.Memory = memClient
	}

	queues := dispatch.NewQueueManager(pipe.Process)
	var memPinger dispatch.MemoryPinger
	if memClient != nil {
		memPinger = memClient
	}
	server := dispatch.NewServer(reg, queues, memPinger)
	reg.OnReload = server.InvalidateHealthCache

	if err := server.Start(svc.Port()); err != nil {
		slog.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	// SIGHUP reloads the registry; SIGTERM/SIGINT run the graceful
	// shutdown drain.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range signals {
		if sig == syscall.SIGHUP {
			slog.Info("SIGHUP received, reloading bot registry")
			if err := reg.Reload(); err != nil {
				slog.Error("registry reload failed", "error", err)
			}
			server.InvalidateHealthCache()
			svc.Reload()
			continue
		}

		slog.Info("shutdown signal received", "signal", sig.String())
		break
	}

	server.Shutdown(ctx)
	if memDaemon != nil {
		memDaemon.Stop()
	}
	shutdownTelemetry(context.Background())
	slog.Info("Claudio server stopped")
}

// startMemoryDaemon opens the memory store on the primary bot's database
// and serves it over the Unix socket. Returns nil when the store cannot be
// opened — the pipeline then runs without memories.
func startMemoryDaemon(ctx context.Context, svc *config.Service, reg *registry.Registry) *memory.Daemon {
	dbFile := memoryDBFile(svc, reg)

	store, err := memory.OpenStore(dbFile, svc.EmbeddingModel())
	if err != nil {
		slog.Error("failed to open memory store, running without memories", "error", err)
		return nil
	}
	db, err := history.Open(dbFile)
	if err != nil {
		slog.Error("failed to open history for memory daemon", "error", err)
		store.Close()
		return nil
	}

	var embedder memory.Embedder
	if endpoint := svc.Env["MEMORY_EMBEDDING_ENDPOINT"]; endpoint != "" {
		embedder = memory.NewHTTPEmbedder(endpoint, svc.EmbeddingModel())
	}
	engine := memory.NewEngine(store, embedder, &memory.CLIModel{ModelName: svc.ConsolidationModel()})

	daemon, err := memory.NewDaemon(engine, db, svc.MemorySocket(), svc.Env["MEMORY_RECONSOLIDATE_CRON"])
	if err != nil {
		slog.Error("failed to build memory daemon", "error", err)
		store.Close()
		db.Close()
		return nil
	}
	if err := daemon.Start(ctx); err != nil {
		slog.Error("failed to start memory daemon", "error", err)
		store.Close()
		db.Close()
		return nil
	}
	return daemon
}

// memoryDBFile picks the database the memory engine runs against: the
// first bot's history.db, falling back to the legacy root-level path.
func memoryDBFile(svc *config.Service, reg *registry.Registry) string {
	if bots := svc.ListBots(); len(bots) > 0 {
		if cfg, ok := reg.Get(bots[0]); ok {
			return cfg.DBFile
		}
	}
	return filepath.Join(svc.ClaudioPath, "history.db")
}
