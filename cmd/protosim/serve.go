package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/protosim/protosim/pkg/admin"
	"github.com/protosim/protosim/pkg/config"
	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/mqttsim"
	"github.com/protosim/protosim/pkg/persist"
	"github.com/protosim/protosim/pkg/tcpserver"

	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the graceful stop of the admin server and the
// running simulators on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

// serveFlags holds all flags for the serve command.
type serveFlags struct {
	configPath string
	port       int
	dataDir    string
	logLevel   string
	logFormat  string
}

// serveFlagVals is the package-level instance bound to cobra flags.
var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the simulator service (admin API + persisted simulators)",
	Long: `Start the simulator service in the foreground.

On startup the service loads simulators.json and templates.json from the
data directory, restores every persisted simulator, starts the ones
marked auto-start, and serves the admin REST API until SIGINT/SIGTERM.`,
	Example: `  # Start with defaults (port 3030, data in the working directory)
  protosim serve

  # Custom port and data directory
  protosim serve --port 8080 --data-dir /var/lib/protosim

  # JSON logs for ingestion
  protosim serve --log-format json --log-level debug`,
	RunE: runServe,
}

func init() {
	f := &serveFlagVals

	serveCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to service config file (YAML)")
	serveCmd.Flags().IntVarP(&f.port, "port", "p", 0, "Admin API port (overrides config file and PORT)")
	serveCmd.Flags().StringVar(&f.dataDir, "data-dir", "", "Directory for simulators.json, templates.json and debug logs")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	f := &serveFlagVals

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags override file and environment values.
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}

	// PROTOSIM_LOG beats the configured level, same as the original
	// deployment's RUST_LOG behavior.
	level := cfg.LogLevel
	if env := os.Getenv("PROTOSIM_LOG"); env != "" {
		level = env
	}
	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(level),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	store := persist.NewStore(filepath.Join(cfg.DataDir, persist.DefaultFileName), log.With("component", "persist"))
	templates := persist.NewTemplates(filepath.Join(cfg.DataDir, persist.TemplatesFileName), log.With("component", "templates"))

	tcpMgr := tcpserver.NewManager(log.With("component", "tcp"))
	mqttMgr := mqttsim.NewManager(log.With("component", "mqtt"))

	debugDir := filepath.Join(cfg.DataDir, "logs", "simulator")
	tcpMgr.SetDebugDir(debugDir)
	mqttMgr.SetDebugDir(debugDir)

	// Both managers funnel through a single save so the file always
	// holds the full simulator set.
	persistFn := func() error {
		return store.Save(&persist.File{
			TCPSimulators:  tcpMgr.Export(),
			MQTTSimulators: mqttMgr.Export(),
		})
	}
	tcpMgr.SetPersistFunc(persistFn)
	mqttMgr.SetPersistFunc(persistFn)

	// Restore persisted simulators. A bad entry is logged and skipped
	// rather than blocking startup.
	doc := store.Load()
	for _, info := range doc.TCPSimulators {
		if err := tcpMgr.Restore(info); err != nil {
			log.Warn("skipping persisted tcp simulator", "id", info.ID, "name", info.Name, "error", err)
		}
	}
	for _, info := range doc.MQTTSimulators {
		if err := mqttMgr.Restore(info); err != nil {
			log.Warn("skipping persisted mqtt simulator", "id", info.ID, "name", info.Name, "error", err)
		}
	}

	ctx := context.Background()
	tcpMgr.StartAutoStart(ctx)
	mqttMgr.StartAutoStart(ctx)

	api := admin.New(cfg.Port, tcpMgr, mqttMgr, templates, log.With("component", "admin"))
	if err := api.Start(); err != nil {
		return fmt.Errorf("start admin api: %w", err)
	}

	log.Info("protosim started",
		"version", Version,
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"tcp_simulators", len(tcpMgr.List()),
		"mqtt_simulators", len(mqttMgr.List()))

	// Block until SIGINT/SIGTERM, then stop everything gracefully.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := api.Stop(stopCtx); err != nil {
		log.Warn("admin api shutdown", "error", err)
	}
	tcpMgr.StopAll(stopCtx)
	mqttMgr.StopAll(stopCtx)

	log.Info("shutdown complete")
	return nil
}
