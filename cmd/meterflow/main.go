package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/meterflow/meterflow/internal/pipeline"
	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/json"
	"github.com/meterflow/meterflow/pkg/logger"
	"github.com/meterflow/meterflow/pkg/shard"
	"github.com/meterflow/meterflow/pkg/transport"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "meterflow",
		Short: "Meterflow - usage-event ingestion pipeline",
		Long: `Meterflow ingests usage events from a message broker and writes them
durably to a sharded store through a coalescing write-behind cache.
It is the ingestion tier of a usage-based billing platform.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Meterflow v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string
	var logLevel string
	var metricsAddr string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion pipeline",
		Long: `Run the ingestion pipeline with the given configuration.
Settings resolve in order: defaults, config file, METERFLOW_* environment
variables, then command-line flags.

Example:
  meterflow run --config meterflow.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.LogLevel = logLevel
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Observability.MetricsAddr = metricsAddr
			}
			return runPipeline(cfg)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to pipeline configuration YAML file")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Listen address for the /metrics endpoint")
	root.AddCommand(runCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(configFile)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to pipeline configuration YAML file")
	root.AddCommand(validateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfig layers the config file and METERFLOW_* environment
// variables over the defaults.
func resolveConfig(configFile string) (*config.PipelineConfig, error) {
	var cfg *config.PipelineConfig
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	v := viper.New()
	v.SetEnvPrefix("METERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if brokers := v.GetString("brokers"); brokers != "" {
		cfg.Transport.Brokers = strings.Split(brokers, ",")
	}
	if topic := v.GetString("topic"); topic != "" {
		cfg.Transport.Topic = topic
	}
	if group := v.GetString("group_id"); group != "" {
		cfg.Transport.GroupID = group
	}
	if producerID := v.GetString("producer_id"); producerID != "" {
		cfg.ProducerID = producerID
	}
	if level := v.GetString("log_level"); level != "" {
		cfg.Observability.LogLevel = level
	}
	if user := v.GetString("sasl_username"); user != "" {
		cfg.Transport.SASLUsername = user
	}
	if pass := v.GetString("sasl_password"); pass != "" {
		cfg.Transport.SASLPassword = pass
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runPipeline wires the production transport and store, starts the
// coordinator, and blocks until a shutdown signal.
func runPipeline(cfg *config.PipelineConfig) error {
	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
	}); err != nil {
		return err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := transport.NewKafkaTransport(cfg.Transport, log)
	if err != nil {
		return fmt.Errorf("transport setup failed: %w", err)
	}

	router, err := shard.NewRouter(cfg.Sharding, log)
	if err != nil {
		return fmt.Errorf("shard router setup failed: %w", err)
	}
	adapter, err := shard.NewPgxAdapter(ctx, cfg.Sharding, router, log)
	if err != nil {
		return fmt.Errorf("store setup failed: %w", err)
	}

	coord, err := pipeline.NewCoordinator(cfg, tr, adapter, log)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Observability.EnableMetrics {
		metricsSrv = serveMetrics(cfg.Observability.MetricsAddr, coord, log)
	}

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("pipeline start failed: %w", err)
	}

	log.Info("meterflow running",
		zap.String("version", version),
		zap.Strings("brokers", cfg.Transport.Brokers),
		zap.String("topic", cfg.Transport.Topic))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	if err := coord.Stop(ctx); err != nil {
		log.Error("pipeline shutdown incomplete", zap.Error(err))
	}
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	return nil
}

// serveMetrics exposes /metrics and /healthz.
func serveMetrics(addr string, coord *pipeline.Coordinator, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := coord.Health(r.Context())
		body, err := json.Marshal(h)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if h.State != "running" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("metrics listener started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics listener failed", zap.Error(err))
		}
	}()
	return srv
}
