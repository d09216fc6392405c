// Command s4ppd runs the S4PP collector daemon: it loads a YAML
// configuration file, opens the bbolt-backed sample sink and memguard-backed
// key store it describes, and serves the Server Role Engine until signalled
// to stop. Command structure (root + subcommands, version injection) is
// grounded on postalsys-Muti-Metroo's cmd/muti-metroo/main.go; the graceful
// shutdown sequence (signal.NotifyContext, goroutine + timeout select) is
// carried over from the teacher's cmd/rtmp-server/main.go almost verbatim.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/finlaysensors/s4pp/internal/config"
	"github.com/finlaysensors/s4pp/internal/keystore"
	"github.com/finlaysensors/s4pp/internal/logger"
	"github.com/finlaysensors/s4pp/internal/memcollab"
	"github.com/finlaysensors/s4pp/internal/s4ppmetrics"
	"github.com/finlaysensors/s4pp/internal/s4ppserver"
	"github.com/finlaysensors/s4pp/internal/sink"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     "s4ppd",
		Short:   "s4ppd - S4PP sample collector daemon",
		Version: Version,
		Long: `s4ppd accepts S4PP connections from field sensors, authenticates
them against a configured key store, verifies each sequence's HMAC
signature, and commits accepted samples to durable storage.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "s4ppd.yaml", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd(&configPath, &logLevel))
	rootCmd.AddCommand(genKeyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the collector daemon and serve until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configPath, *logLevel)
		},
	}
}

func run(configPath, logLevelOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("s4ppd: %w", err)
	}

	logger.Init()
	level := cfg.Log.Level
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	if err := logger.SetLevel(level); err != nil {
		fmt.Printf("warning: invalid log level %q, using default\n", level)
	}
	log := logger.Logger().With("component", "cli")

	keys := keystore.New()
	for _, k := range cfg.Keys {
		secret, err := k.ResolveSecret()
		if err != nil {
			return fmt.Errorf("s4ppd: %w", err)
		}
		if err := keys.Load(k.KeyID, secret); err != nil {
			return fmt.Errorf("s4ppd: %w", err)
		}
	}
	defer keys.Close()

	store, err := sink.Open(cfg.Server.StorePath, log.With("component", "sink"))
	if err != nil {
		return fmt.Errorf("s4ppd: %w", err)
	}
	defer store.Close()

	metrics := s4ppmetrics.Default()
	serveMetrics(cfg.Server.MetricsAddr, log)

	server := s4ppserver.New(s4ppserver.Config{
		ListenAddr:         cfg.Server.ListenAddr,
		HashAlgos:          cfg.Server.HashAlgos,
		HideAlgos:          cfg.Server.HideAlgos,
		MaxSamples:         cfg.Server.MaxSamples,
		RejectNegativeSpan: cfg.Server.RejectNegativeSpan,
		NotifyQueueSize:    cfg.Server.NotifyQueueSize,
		KeyStore:           keys,
		Sink:               store,
		Entropy:            memcollab.NewEntropy(),
		Clock:              memcollab.SystemClock{},
		Metrics:            metrics,
		Log:                log,
	})

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		return err
	}
	log.Info("server started", "addr", server.Addr().String(), "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
	return nil
}

// serveMetrics starts a best-effort Prometheus exporter on addr. Failure to
// bind is logged, not fatal — metrics are observability, not a protocol
// dependency.
func serveMetrics(addr string, log interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
}

func genKeyCmd() *cobra.Command {
	var length int
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Print a random hex-encoded shared secret suitable for a keys.secret entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			e := memcollab.NewEntropy()
			tok, err := e.Token(length)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "bytes", 32, "number of random bytes to generate before hex encoding")
	return cmd
}
