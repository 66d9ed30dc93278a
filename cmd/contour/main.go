package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	contour "github.com/SDVentures/Contour-sub001"
	"github.com/SDVentures/Contour-sub001/config"
	"github.com/SDVentures/Contour-sub001/health"
	"github.com/SDVentures/Contour-sub001/internal/logging"
	"github.com/SDVentures/Contour-sub001/messaging"
	"github.com/SDVentures/Contour-sub001/metrics"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "contour",
		Short: "Send and receive messages on a Contour bus",
		Long: `contour starts a bus endpoint from a YAML configuration and publishes,
requests or listens on its configured labels.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	var (
		configPath string
		label      string
		data       string
		timeout    time.Duration
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "bus.yaml", "Bus configuration file")
	rootCmd.PersistentFlags().StringVarP(&label, "label", "l", "", "Message label")

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message and wait for the broker to take it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if label == "" {
				return errors.New("--label is required")
			}
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			return withBus(cmd.Context(), configPath, func(ctx context.Context, bus *contour.Bus, _ *config.Config) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := bus.Emit(ctx, label, payload); err != nil {
					return fmt.Errorf("failed to publish: %w", err)
				}
				fmt.Printf("published %s\n", label)
				return nil
			})
		},
	}
	publishCmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON payload")
	publishCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to wait for the broker")

	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "Send a request and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if label == "" {
				return errors.New("--label is required")
			}
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			return withBus(cmd.Context(), configPath, func(ctx context.Context, bus *contour.Bus, _ *config.Config) error {
				reply, err := contour.Request[json.RawMessage](ctx, bus, label, payload, contour.WithTimeout(timeout))
				if err != nil {
					return fmt.Errorf("request failed: %w", err)
				}
				fmt.Println(string(reply))
				return nil
			})
		},
	}
	requestCmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON payload")
	requestCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to wait for the reply")

	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every delivery until interrupted",
		Long:  "Subscribes to --label, or to every configured receiver when no label is given, and prints deliveries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBus(cmd.Context(), configPath, func(ctx context.Context, bus *contour.Bus, cfg *config.Config) error {
				<-ctx.Done()
				return nil
			}, func(bus *contour.Bus, cfg *config.Config) error {
				labels := []string{label}
				if label == "" {
					labels = labels[:0]
					for _, r := range cfg.Receivers {
						labels = append(labels, r.Label)
					}
				}
				for _, l := range labels {
					if err := bus.Subscribe(l, printer()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	rootCmd.AddCommand(publishCmd, requestCmd, listenCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func parsePayload(data string) (json.RawMessage, error) {
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", data)
	}
	return json.RawMessage(data), nil
}

func printer() messaging.Consumer {
	return messaging.ConsumerFunc(func(ctx context.Context, c *messaging.ConsumingContext) error {
		fmt.Printf("%s %s %s\n", time.Now().Format(time.RFC3339), c.Message.Label, c.Delivery.Body())
		return nil
	})
}

// withBus loads the configuration, starts a bus and runs fn against it.
// setup runs between construction and start.
func withBus(ctx context.Context, path string, fn func(context.Context, *contour.Bus, *config.Config) error, setup ...func(*contour.Bus, *config.Config) error) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	options := []contour.BusOption{contour.WithLogger(logger)}
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.NewMetrics(reg)
		if err != nil {
			return err
		}
		options = append(options, contour.WithMetrics(m))
	}

	bus, err := contour.New(cfg, options...)
	if err != nil {
		return err
	}
	for _, s := range setup {
		if err := s(bus, cfg); err != nil {
			return err
		}
	}

	if reg != nil {
		shutdown := serveMetrics(cfg.Metrics, reg, bus.Health(), logger)
		defer shutdown()
	}

	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Stop()

	return fn(ctx, bus, cfg)
}

// serveMetrics exposes the Prometheus registry and the bus health report
func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry, checks *health.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))
	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", cfg.Address, "path", cfg.Path)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
