// Command testrund is the Testrun orchestration daemon. It brings up the
// two-bridge test fabric, watches for the device under test, runs the test
// module containers against it, and serves the control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/api"
	"testrun/internal/certs"
	"testrun/internal/config"
	"testrun/internal/container"
	"testrun/internal/core"
	"testrun/internal/devices"
	"testrun/internal/history"
	"testrun/internal/netcontrol"
	"testrun/internal/network"
	"testrun/internal/registry"
	"testrun/internal/report"
	"testrun/internal/runner"
	"testrun/internal/session"
	"testrun/internal/testpack"
)

var (
	rootFlag     string
	logLevelFlag string
)

func parseFlags() {
	flag.StringVar(&rootFlag, "root", ".", "Testrun root directory (holds local/, runtime/, modules/)")
	flag.StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error); overrides system.json")
	flag.Parse()
}

func main() {
	run()
	// A signal-driven stop always exits nonzero.
	os.Exit(1)
}

func run() {
	parseFlags()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Starting Testrun")

	cfg, err := config.Load(rootFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	levelName := cfg.LogLevel
	if logLevelFlag != "" {
		levelName = logLevelFlag
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	repo, err := devices.NewRepository(cfg.DevicesDir())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load device profiles")
	}
	certStore, err := certs.NewStore(cfg.RootCertsDir())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load root certificates")
	}
	packs, err := testpack.Load(cfg.TestPacksDir())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load test packs")
	}

	log.Info().Str("path", cfg.HistoryPath()).Msg("Opening run history")
	hist, err := history.New(cfg.HistoryPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open run history")
	}
	defer hist.Close()

	manager, err := container.NewManager()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the container runtime")
	}
	defer manager.Close()

	sess := session.New()
	fabric := netcontrol.New()
	reg := registry.New(cfg.ModulesDir, manager)
	orch := network.New(cfg, fabric, manager, reg)
	batch := runner.New(cfg, sess, manager, fabric)
	facade := core.New(cfg, sess, repo, certStore, packs, hist, reg, orch, batch, report.NewAssembler())

	// Reload system.json on edit, but never mid-run.
	if err := cfg.Watch(func() bool { return sess.Phase().Active() }); err != nil {
		log.Warn().Err(err).Msg("Configuration watch unavailable")
	}
	defer cfg.Close()

	router := mux.NewRouter()
	api.NewSystemHandler(facade).RegisterRoutes(router)
	api.NewDeviceHandler(facade).RegisterRoutes(router)
	api.NewReportHandler(facade, cfg.DevicesDir()).RegisterRoutes(router)

	corsMiddleware := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Received termination signal")

	// Cancel any run in flight so teardown leaves the host networking clean.
	if sess.Phase().Active() {
		if err := facade.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop the active run")
		}
	}
	if err := facade.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown refused")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	log.Info().Msg("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}
