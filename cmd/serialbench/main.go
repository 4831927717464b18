// Command serialbench drives a serial queue from concurrent submitters and
// verifies that calls ran one at a time, in submission order, with failures
// isolated to the call that produced them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NetPo4ki/go-serial/internal/bench"
	"github.com/NetPo4ki/go-serial/observe/prom"
	"github.com/NetPo4ki/go-serial/observe/zlog"
	"github.com/NetPo4ki/go-serial/serial"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "serialbench",
		Short:         "Load-test a sequential task queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
			cfg, err := bench.Load(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = run(ctx, cfg, logger, cmd.OutOrStdout())
			if err != nil {
				logger.Error().Err(err).Msg("Run failed")
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (json, yaml or toml)")
	d := bench.DefaultConfig()
	flags.Int("calls", d.Calls, "total number of calls")
	flags.Int("submitters", d.Submitters, "number of concurrent submitters")
	flags.Int("max-pending", d.MaxPending, "queue depth bound, 0 for unbounded")
	flags.Float64("failure-rate", d.FailureRate, "fraction of calls that return an error")
	flags.Float64("panic-rate", d.PanicRate, "fraction of calls that panic")
	flags.Duration("min-latency", d.MinLatency, "minimum operation latency")
	flags.Duration("max-latency", d.MaxLatency, "maximum operation latency")
	flags.Int64("seed", d.Seed, "random seed for the call plan")
	flags.String("queue-name", d.QueueName, "queue name used in logs and metrics")
	flags.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address during the run")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.Bool("pretty", d.Pretty, "human-friendly console logs")

	for _, name := range []string{
		"calls", "submitters", "max-pending", "failure-rate", "panic-rate",
		"min-latency", "max-latency", "seed", "queue-name", "metrics-addr",
		"log-level", "pretty",
	} {
		_ = v.BindPFlag(flagKey(name), flags.Lookup(name))
	}
	return cmd
}

func flagKey(name string) string { return strings.ReplaceAll(name, "-", "_") }

func newLogger(cfg bench.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func run(ctx context.Context, cfg bench.Config, logger zerolog.Logger, out io.Writer) error {
	reg := prometheus.NewRegistry()
	metrics, err := prom.New("serialbench", reg, prom.Options{})
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	obs := serial.Observers(metrics, zlog.New(logger, zlog.Options{SlowWait: time.Second}))

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
	}

	rep, runErr := bench.Run(ctx, cfg, logger, obs)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return runErr
}
