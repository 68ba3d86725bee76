//go:build integration
// +build integration

package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shogotsuneto/go-simple-shardreader/postgres"
)

func getTestConnectionString() string {
	// Default connection string for testing
	connStr := "host=localhost port=5432 user=test password=test dbname=shardreader_test sslmode=disable"

	// Allow override via environment variable
	if envConnStr := os.Getenv("TEST_DATABASE_URL"); envConnStr != "" {
		connStr = envConnStr
	}

	return connStr
}

// setupTestStream creates uniquely named tables and returns a producer and a
// proxy over them. Tables are dropped when the test ends.
func setupTestStream(t *testing.T, mutate func(*postgres.Config)) (*postgres.Producer, *postgres.StreamProxy, postgres.Config) {
	t.Helper()

	suffix := time.Now().UnixNano()
	cfg := postgres.DefaultConfig(getTestConnectionString())
	cfg.TableName = fmt.Sprintf("records_%d", suffix)
	cfg.ShardTableName = fmt.Sprintf("shards_%d", suffix)
	cfg.RequestsPerSecond = 0
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		t.Fatalf("Failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}
	if err := postgres.InitSchema(db, cfg); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	t.Cleanup(func() {
		db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, cfg.TableName))
		db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, cfg.ShardTableName))
		db.Close()
	})

	producer, err := postgres.NewProducer(cfg)
	if err != nil {
		t.Fatalf("Failed to create producer: %v", err)
	}
	t.Cleanup(func() { producer.Close() })

	proxy, err := postgres.NewStreamProxy(cfg)
	if err != nil {
		t.Fatalf("Failed to create stream proxy: %v", err)
	}
	t.Cleanup(func() { proxy.Close() })

	return producer, proxy, cfg
}

func put(t *testing.T, producer *postgres.Producer, streamID, shardID string, data ...string) []string {
	t.Helper()
	ctx := context.Background()
	if err := producer.CreateShard(ctx, streamID, shardID); err != nil {
		t.Fatalf("Failed to create shard: %v", err)
	}
	entries := make([]postgres.PutRecordsEntry, 0, len(data))
	for _, d := range data {
		entries = append(entries, postgres.PutRecordsEntry{PartitionKey: "pk", Data: []byte(d)})
	}
	seqs, err := producer.PutRecords(ctx, streamID, shardID, entries)
	if err != nil {
		t.Fatalf("Failed to put records: %v", err)
	}
	return seqs
}

// Helper function to check if a table exists in the database
func checkTableExists(t *testing.T, connectionString, tableName string) bool {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		t.Fatalf("Failed to open database connection: %v", err)
	}
	defer db.Close()

	var exists bool
	query := `SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_schema = 'public'
		AND table_name = $1
	)`

	if err := db.QueryRow(query, tableName).Scan(&exists); err != nil {
		t.Fatalf("Failed to check if table exists: %v", err)
	}
	return exists
}
