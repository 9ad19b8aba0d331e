package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/autohub-io/autohub/internal/bidi"
	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/config"
	"github.com/autohub-io/autohub/internal/dispatch"
	"github.com/autohub-io/autohub/internal/event"
	"github.com/autohub-io/autohub/internal/logging"
	"github.com/autohub-io/autohub/internal/server"
	"github.com/autohub-io/autohub/internal/session"
)

var (
	servePort            int
	serveHost            string
	serveBasePath        string
	serveConfigPath      string
	serveCapsPath        string
	serveUsePlugins      []string
	serveSessionOverride bool
	serveAllowCORS       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the automation hub server",
	Long: `Start the hub: accept session requests over HTTP, route commands
through the plugin chain to backend drivers, and serve the bidirectional
socket protocol.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on")
	serveCmd.Flags().StringVar(&serveBasePath, "base-path", "", "Route prefix for all endpoints")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a config file")
	serveCmd.Flags().StringVar(&serveCapsPath, "default-capabilities", "", "Path to a default-capabilities file, watched for changes")
	serveCmd.Flags().StringSliceVar(&serveUsePlugins, "use-plugins", nil, "Plugins to activate, in chain order")
	serveCmd.Flags().BoolVar(&serveSessionOverride, "session-override", false, "Let a new session displace existing ones")
	serveCmd.Flags().BoolVar(&serveAllowCORS, "allow-cors", false, "Allow cross-origin browser requests")
}

func runServe(cmd *cobra.Command, args []string) error {
	fsys := afero.NewOsFs()

	if serveConfigPath != "" {
		os.Setenv("AUTOHUB_CONFIG", serveConfigPath)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load(fsys, workDir)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.PrettyLogs,
	})
	log := logging.ForComponent("serve")

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()

	sessions := session.NewService(registry, bus, session.Config{
		SessionOverride:     cfg.SessionOverride,
		DefaultCapabilities: cfg.DefaultCapabilities,
	})

	cliArgs := make(map[string]any, len(cfg.Plugins))
	for name, settings := range cfg.Plugins {
		cliArgs[name] = settings
	}
	dispatcher := dispatch.New(sessions, registry, cliArgs, Version)
	if len(cfg.UsePlugins) > 0 {
		dispatcher.ActivatePlugins(cfg.UsePlugins)
	}

	openWait, dial := cfg.BidiTimeouts()
	gateway := bidi.New(sessions, dispatcher, bus, bidi.Config{
		OpenWaitTimeout: openWait,
		DialTimeout:     dial,
	})

	if cfg.DefaultCapabilitiesPath != "" {
		watcher, err := config.WatchCapabilitiesFile(fsys, cfg.DefaultCapabilitiesPath, func(caps capabilities.Capabilities) {
			sessions.SetDefaultCapabilities(caps)
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	srv := server.New(cfg, dispatcher, sessions, gateway)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Address()).Str("version", Version).Msg("server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions.DeleteAll(shutdownCtx, false, "server shutdown")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}

// applyFlagOverrides folds explicit CLI flags over the loaded configuration.
func applyFlagOverrides(cfg *config.Config) {
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if serveBasePath != "" {
		cfg.BasePath = serveBasePath
	}
	if serveCapsPath != "" {
		cfg.DefaultCapabilitiesPath = serveCapsPath
	}
	if len(serveUsePlugins) > 0 {
		cfg.UsePlugins = serveUsePlugins
	}
	if serveSessionOverride {
		cfg.SessionOverride = true
	}
	if serveAllowCORS {
		cfg.AllowCORS = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if prettyLogs {
		cfg.PrettyLogs = true
	}
}
