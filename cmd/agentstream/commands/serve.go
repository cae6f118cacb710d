package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arture/agentstream/internal/config"
	"github.com/arture/agentstream/internal/event"
	"github.com/arture/agentstream/internal/logging"
	"github.com/arture/agentstream/internal/provider"
	"github.com/arture/agentstream/internal/server"
	"github.com/arture/agentstream/internal/session"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming response server",
	Long: `Start the agentstream HTTP server.

The server exposes the streaming session API under /api/streaming and
the non-streaming fallback under /api/chat/ai-response.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Pretty: printLogs || cfg.PrettyLogs,
	})
	log := logging.Component("serve")
	log.Info().Str("version", Version).Str("directory", workDir).Msg("starting agentstream")

	bus := event.NewBus()
	defer bus.Close()

	store := session.NewStore(bus, cfg.Session.BufferSize)

	cooldowns := provider.NewCooldowns()
	gemini := cfg.Provider["gemini"]
	openrouter := cfg.Provider["openrouter"]
	providers := provider.NewRegistry(
		provider.NewGeminiProvider(provider.GeminiConfig{
			APIKeys: gemini.APIKeys,
			Models:  gemini.Models,
			BaseURL: gemini.BaseURL,
		}, cooldowns),
		provider.NewOpenRouterProvider(provider.OpenRouterConfig{
			APIKeys: openrouter.APIKeys,
			Models:  openrouter.Models,
			BaseURL: openrouter.BaseURL,
		}, cooldowns),
	)
	for name, health := range providers.HealthReport() {
		log.Info().Str("provider", name).Bool("configured", health.Configured).Int("keys", health.KeyCount).Msg("provider registered")
	}

	serverCfg := server.DefaultConfig()
	serverCfg.Port = cfg.Port
	if servePort != 0 {
		serverCfg.Port = servePort
	}
	if cfg.EnableCORS != nil {
		serverCfg.EnableCORS = *cfg.EnableCORS
	}
	serverCfg.StreamTimeout = time.Duration(cfg.Session.TimeoutMs) * time.Millisecond
	serverCfg.HeartbeatInterval = time.Duration(cfg.Session.HeartbeatIntervalMs) * time.Millisecond
	serverCfg.MaxOutputTokens = cfg.MaxOutputTokens

	srv := server.New(serverCfg, store, bus, providers)

	janitor := session.NewJanitor(store,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
		time.Duration(cfg.SessionMaxAgeMinutes)*time.Minute)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go janitor.Run(janitorCtx)

	watcher, err := config.NewWatcher(workDir, func(next *config.Config) {
		level := next.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		logging.Init(logging.Config{
			Level:  logging.ParseLevel(level),
			Pretty: printLogs || next.PrettyLogs,
		})
		log.Info().Msg("configuration reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	go func() {
		log.Info().Int("port", serverCfg.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}
