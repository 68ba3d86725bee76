package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shogotsuneto/go-simple-shardreader/postgres"
)

func initSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-schema",
		Short: "Create the shard and record tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sql.Open("postgres", cfg.Postgres.ConnectionString)
			if err != nil {
				return fmt.Errorf("failed to open database connection: %w", err)
			}
			defer db.Close()

			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("failed to ping database: %w", err)
			}
			if err := postgres.InitSchema(db, pgConfig(cfg)); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}

			logger.Info("schema initialized",
				zap.String("table", cfg.Postgres.TableName),
				zap.String("shard_table", cfg.Postgres.ShardTableName),
			)
			return nil
		},
	}
}
