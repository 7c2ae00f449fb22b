package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/internal/source"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/json"
	"github.com/ajitpratap0/featuresink/pkg/logger"
)

// sendSummary is printed after a send. Errant counts distinct input
// records; a retried send may have reported them more than once.
type sendSummary struct {
	Records  int     `json:"records"`
	Ingested int64   `json:"ingested"`
	Errant   int64   `json:"errant"`
	Batches  int64   `json:"batches"`
	Seconds  float64 `json:"seconds"`
	DryRun   bool    `json:"dry_run"`
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		topic   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [file]",
		Short: "Ingest newline-delimited JSON records from a file or stdin",
		Long: `Send reads one JSON object per line and ingests them as a single
invocation. The topic names the push source unless tecton.push_source_name
is configured. Retriable failures are retried until the timeout.

Example:
  featuresink send --config sink.yaml --topic user_clicks clicks.ndjson
  cat clicks.ndjson | featuresink send --config sink.yaml --topic user_clicks`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if topic == "" && cfg.Tecton.PushSourceName == "" {
				return errors.New(errors.ErrorTypeConfig, "--topic is required unless tecton.push_source_name is set")
			}

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeConfig, "failed to open input").WithDetail("path", args[0])
				}
				defer f.Close()
				in = f
			}

			records, err := source.ReadNDJSON(in, topic)
			if err != nil {
				return err
			}

			s, err := newSink(cfg, log)
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if topic != "" {
				ctx = context.WithValue(ctx, logger.TopicKey, topic)
			}

			start := time.Now()
			if err := s.handle(ctx, records); err != nil {
				return err
			}

			stats := s.processor.Stats()
			log.Debug("send complete", zap.Int("records", len(records)), zap.Int64("errant", stats.RecordsErrant))
			return writeSummary(cmd.OutOrStdout(), sendSummary{
				Records:  len(records),
				Ingested: stats.RecordsProcessed,
				Errant:   stats.RecordsErrant,
				Batches:  stats.BatchesSent,
				Seconds:  time.Since(start).Seconds(),
				DryRun:   cfg.Tecton.DryRun,
			})
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic recorded on each record; names the push source by default")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up retrying after this long")
	return cmd
}

func writeSummary(w io.Writer, summary sendSummary) error {
	data, err := json.NewCodec().MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
