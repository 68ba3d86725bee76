package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shogotsuneto/go-simple-shardreader"
	"github.com/shogotsuneto/go-simple-shardreader/internal/checkpoint"
	"github.com/shogotsuneto/go-simple-shardreader/internal/config"
	"github.com/shogotsuneto/go-simple-shardreader/metrics"
	"github.com/shogotsuneto/go-simple-shardreader/postgres"
)

func consumeCmd() *cobra.Command {
	var (
		stream        string
		shards        []string
		from          string
		untilFinished bool
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Poll shards and print their records as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stream != "" {
				cfg.Reader.Stream = stream
			}
			if from != "" {
				cfg.Reader.StartPosition = from
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runConsume(cmd.Context(), cfg, shards, untilFinished, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "", "stream ID (defaults to reader.stream)")
	cmd.Flags().StringSliceVar(&shards, "shard", nil, "shard IDs to read (defaults to every shard of the stream)")
	cmd.Flags().StringVar(&from, "from", "", "start position without a checkpoint: latest or trim-horizon")
	cmd.Flags().BoolVar(&untilFinished, "until-finished", false, "exit once every shard is finished")

	return cmd
}

func startPosition(name string) shardreader.StartingPosition {
	if name == config.StartLatest {
		return shardreader.FromLatest()
	}
	return shardreader.FromStart()
}

func runConsume(ctx context.Context, cfg *config.Config, shardIDs []string, untilFinished bool, out io.Writer) error {
	proxy, err := postgres.NewStreamProxy(pgConfig(cfg))
	if err != nil {
		return err
	}

	if len(shardIDs) == 0 {
		shardIDs, err = proxy.ListShards(ctx, cfg.Reader.Stream)
		if err != nil {
			proxy.Close()
			return err
		}
	}

	var store *checkpoint.Store
	saved := map[string]checkpoint.Checkpoint{}
	if cfg.Checkpoint.Enabled {
		store, err = checkpoint.Open(cfg.Checkpoint.Directory)
		if err != nil {
			proxy.Close()
			return err
		}
		defer store.Close()

		saved, err = store.Load(cfg.Reader.Stream)
		if err != nil {
			proxy.Close()
			return err
		}
	}

	opts := []shardreader.Option{
		shardreader.WithLogger(logger),
		shardreader.WithMaxRecordsPerPoll(cfg.Reader.MaxRecordsPerPoll),
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m, err := metrics.NewReader(reg)
		if err != nil {
			proxy.Close()
			return err
		}
		opts = append(opts, shardreader.WithMetrics(m))

		srv := serveMetrics(cfg.Metrics.Addr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	reader := shardreader.NewSplitReader(proxy, opts...)
	defer reader.Close()

	splits := assignableSplits(cfg.Reader.Stream, shardIDs, saved, startPosition(cfg.Reader.StartPosition))
	if err := reader.HandleSplitsChanges(shardreader.SplitsAddition{Splits: splits}); err != nil {
		return err
	}

	logger.Info("consumer started",
		zap.String("stream", cfg.Reader.Stream),
		zap.Int("splits", len(splits)),
		zap.Duration("poll_interval", cfg.Reader.PollInterval),
	)

	c := &consumer{
		stream: cfg.Reader.Stream,
		reader: reader,
		out:    json.NewEncoder(out),
		logger: logger,
	}
	if store != nil {
		c.store = store
	}
	return c.run(ctx, cfg.Reader.PollInterval, untilFinished)
}

// assignableSplits builds the splits to read, resuming from saved checkpoints
// and leaving out shards already read to their end.
func assignableSplits(stream string, shardIDs []string, saved map[string]checkpoint.Checkpoint, fallback shardreader.StartingPosition) []shardreader.Split {
	splits := make([]shardreader.Split, 0, len(shardIDs))
	for _, id := range shardIDs {
		cp := saved[id]
		if cp.Finished {
			logger.Info("skipping finished shard", zap.String("shard", id))
			continue
		}
		splits = append(splits, shardreader.NewSplit(stream, id, cp.Position(fallback)))
	}
	return splits
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

type checkpointer interface {
	Save(streamID string, states []shardreader.SplitState) error
	MarkFinished(streamID, shardID string) error
}

// outputRecord is one line of consume output.
type outputRecord struct {
	Stream         string    `json:"stream"`
	Shard          string    `json:"shard"`
	SequenceNumber string    `json:"sequence_number"`
	PartitionKey   string    `json:"partition_key"`
	Data           string    `json:"data"`
	ArrivedAt      time.Time `json:"arrived_at"`
}

// consumer is the host loop around a SplitReader.
type consumer struct {
	stream string
	reader *shardreader.SplitReader
	out    *json.Encoder
	store  checkpointer // nil disables checkpointing
	logger *zap.Logger
}

// pollOnce fetches one batch, writes every record, then checkpoints. It
// returns the number of records written.
func (c *consumer) pollOnce(ctx context.Context) (int, error) {
	batch, err := c.reader.Fetch(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for {
		split, ok := batch.NextSplit()
		if !ok {
			break
		}
		for {
			r, ok := batch.NextRecordFromSplit()
			if !ok {
				break
			}
			if err := c.out.Encode(outputRecord{
				Stream:         c.stream,
				Shard:          split,
				SequenceNumber: r.SequenceNumber,
				PartitionKey:   r.PartitionKey,
				Data:           string(r.Data),
				ArrivedAt:      r.ApproximateArrivalTimestamp,
			}); err != nil {
				return n, fmt.Errorf("failed to write record: %w", err)
			}
			n++
		}
	}

	finished := batch.FinishedSplits()
	for _, id := range finished {
		c.logger.Info("shard finished", zap.String("shard", id))
	}

	if c.store == nil {
		return n, nil
	}
	if err := c.store.Save(c.stream, c.reader.Snapshot()); err != nil {
		return n, err
	}
	for _, id := range finished {
		if err := c.store.MarkFinished(c.stream, id); err != nil {
			return n, err
		}
	}
	return n, nil
}

// run polls until ctx is done, or with untilFinished until no split is left.
// A batch that returned records is followed by another poll right away.
func (c *consumer) run(ctx context.Context, interval time.Duration, untilFinished bool) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context cancelled, shutting down")
			return nil
		case <-timer.C:
		}

		n, err := c.pollOnce(ctx)
		switch {
		case ctx.Err() != nil:
			c.logger.Info("context cancelled, shutting down")
			return nil
		case errors.Is(err, shardreader.ErrReaderClosed):
			return err
		case err != nil:
			c.logger.Warn("poll failed", zap.Error(err))
		}

		if untilFinished && len(c.reader.ActiveSplits()) == 0 {
			c.logger.Info("all shards finished")
			return nil
		}

		if n > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(interval)
		}
	}
}
