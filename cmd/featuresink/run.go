package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/internal/pipeline"
	"github.com/ajitpratap0/featuresink/internal/source"
	"github.com/ajitpratap0/featuresink/pkg/observability"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume Kafka topics and ingest them into Tecton",
		Long: `Run joins the configured consumer group and delivers every poll to the
ingest API. Retriable failures redeliver the same poll with backoff; a
terminal failure stops the consumer with an error.

Example:
  featuresink run --config sink.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if err := cfg.Kafka.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
				Enabled:        cfg.Observability.TracingEnabled,
				ServiceName:    cfg.Observability.ServiceName,
				ServiceVersion: version,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					log.Warn("failed to flush traces", zap.Error(err))
				}
			}()

			if addr := cfg.Observability.MetricsAddress; addr != "" {
				srv := serveMetrics(addr, log)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			s, err := newSink(cfg, log)
			if err != nil {
				return err
			}
			defer s.close()

			go publishThroughput(ctx, s.processor, throughputInterval)

			start := time.Now()
			err = source.NewKafkaSource(cfg.Kafka, s.handle, log).Run(ctx)

			stats := s.processor.Stats()
			fields := []zap.Field{
				zap.Duration("uptime", time.Since(start)),
				zap.Int64("invocations", stats.Invocations),
				zap.Int64("records_processed", stats.RecordsProcessed),
				zap.Int64("records_errant", stats.RecordsErrant),
				zap.Int64("errant_reports", stats.ErrantReports),
				zap.Float64("records_per_second", stats.ThroughputRPS()),
			}
			if httpStats, ok := s.client.HTTPStats(); ok {
				fields = append(fields,
					zap.Int64("http_requests", httpStats.TotalRequests),
					zap.Int64("http_failures", httpStats.FailedRequests))
			}
			log.Info("consumer stopped", append(fields, zap.Error(err))...)
			return err
		},
	}
}

// throughputInterval is how often the throughput gauge is refreshed
const throughputInterval = 10 * time.Second

// publishThroughput refreshes the throughput gauge until ctx is done
func publishThroughput(ctx context.Context, p *pipeline.Processor, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PublishThroughput()
		}
	}
}

// serveMetrics exposes the default Prometheus registry on addr
func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("address", addr))
	return srv
}
