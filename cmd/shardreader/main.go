package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shogotsuneto/go-simple-shardreader/internal/config"
	"github.com/shogotsuneto/go-simple-shardreader/internal/logging"
	"github.com/shogotsuneto/go-simple-shardreader/postgres"
)

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

func pgConfig(c *config.Config) postgres.Config {
	return postgres.Config{
		ConnectionString:  c.Postgres.ConnectionString,
		TableName:         c.Postgres.TableName,
		ShardTableName:    c.Postgres.ShardTableName,
		RequestsPerSecond: c.Postgres.RequestsPerSecond,
		Burst:             1,
		CompressPayloads:  c.Postgres.CompressPayloads,
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "shardreader",
		Short:         "Produce to and consume from PostgreSQL-backed shards",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				var err error
				logger, err = logging.New(verbose, "")
				return err
			}

			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}

			level := cfg.Logging.Level
			if verbose {
				level = "debug"
			}
			logger, err = logging.New(verbose, level)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("SHARDREADER_CONFIG"), "config file path (or set SHARDREADER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(initSchemaCmd())
	rootCmd.AddCommand(produceCmd())
	rootCmd.AddCommand(closeShardCmd())
	rootCmd.AddCommand(consumeCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			os.Stderr.WriteString("error: " + err.Error() + "\n")
		}
		cancel()
		os.Exit(1)
	}
}
