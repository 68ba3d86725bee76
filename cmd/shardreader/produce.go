package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shogotsuneto/go-simple-shardreader/postgres"
)

func produceCmd() *cobra.Command {
	var (
		stream       string
		shard        string
		partitionKey string
	)

	cmd := &cobra.Command{
		Use:   "produce [data...]",
		Short: "Append records to a shard, creating it if needed",
		Long: `Append one record per argument to a shard. Without arguments each
line read from stdin becomes a record.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stream == "" {
				stream = cfg.Reader.Stream
			}
			entries, err := produceEntries(args, cmd.InOrStdin(), partitionKey)
			if err != nil {
				return err
			}

			producer, err := postgres.NewProducer(pgConfig(cfg))
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx := cmd.Context()
			if err := producer.CreateShard(ctx, stream, shard); err != nil {
				return err
			}
			seqs, err := producer.PutRecords(ctx, stream, shard, entries)
			if err != nil {
				return err
			}

			for _, seq := range seqs {
				fmt.Fprintln(cmd.OutOrStdout(), seq)
			}
			logger.Info("records produced",
				zap.String("stream", stream),
				zap.String("shard", shard),
				zap.Int("count", len(seqs)),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "", "stream ID (defaults to reader.stream)")
	cmd.Flags().StringVar(&shard, "shard", "", "shard ID")
	cmd.Flags().StringVar(&partitionKey, "key", "default", "partition key")
	_ = cmd.MarkFlagRequired("shard")

	return cmd
}

// produceEntries builds one entry per argument, or per stdin line when no
// arguments are given.
func produceEntries(args []string, stdin io.Reader, key string) ([]postgres.PutRecordsEntry, error) {
	var entries []postgres.PutRecordsEntry
	if len(args) > 0 {
		for _, a := range args {
			entries = append(entries, postgres.PutRecordsEntry{PartitionKey: key, Data: []byte(a)})
		}
		return entries, nil
	}

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entries = append(entries, postgres.PutRecordsEntry{PartitionKey: key, Data: []byte(line)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no records given")
	}
	return entries, nil
}

func closeShardCmd() *cobra.Command {
	var (
		stream string
		shard  string
	)

	cmd := &cobra.Command{
		Use:   "close-shard",
		Short: "Close a shard so readers finish it after its last record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stream == "" {
				stream = cfg.Reader.Stream
			}
			producer, err := postgres.NewProducer(pgConfig(cfg))
			if err != nil {
				return err
			}
			defer producer.Close()

			if err := producer.CloseShard(cmd.Context(), stream, shard); err != nil {
				return err
			}
			logger.Info("shard closed", zap.String("stream", stream), zap.String("shard", shard))
			return nil
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "", "stream ID (defaults to reader.stream)")
	cmd.Flags().StringVar(&shard, "shard", "", "shard ID")
	_ = cmd.MarkFlagRequired("shard")

	return cmd
}
