// Package postgres provides a PostgreSQL-backed stream: a proxy that serves
// shard records to split readers and a producer that appends and closes shards.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	// DefaultTableName is the default table holding stream records.
	DefaultTableName = "stream_records"
	// DefaultShardTableName is the default table holding shard metadata.
	DefaultShardTableName = "stream_shards"
	// DefaultRequestsPerSecond mirrors the Kinesis GetRecords limit per shard.
	DefaultRequestsPerSecond = 5
)

// ErrShardClosed is returned when appending to a closed shard.
var ErrShardClosed = errors.New("shard is closed")

// Config holds the configuration for PostgreSQL connections.
type Config struct {
	ConnectionString string
	// TableName is the table holding stream records.
	TableName string
	// ShardTableName is the table holding shard metadata.
	ShardTableName string
	// RequestsPerSecond limits GetRecords calls per shard. Zero disables the limit.
	RequestsPerSecond float64
	// Burst is the GetRecords burst per shard. Defaults to 1.
	Burst int
	// CompressPayloads stores record data zstd-compressed.
	CompressPayloads bool
}

// DefaultConfig returns a configuration with the default table names and
// request limit.
func DefaultConfig(connectionString string) Config {
	return Config{
		ConnectionString:  connectionString,
		TableName:         DefaultTableName,
		ShardTableName:    DefaultShardTableName,
		RequestsPerSecond: DefaultRequestsPerSecond,
		Burst:             1,
	}
}

func (c Config) validate() error {
	if c.TableName == "" || c.ShardTableName == "" {
		return errors.New("table name must not be empty")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	return nil
}

// pgClient is the connection shared by the proxy and the producer.
type pgClient struct {
	db             *sql.DB
	tableName      string
	shardTableName string
}

func newPgClient(config Config) (*pgClient, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &pgClient{
		db:             db,
		tableName:      config.TableName,
		shardTableName: config.ShardTableName,
	}, nil
}

// Close closes the database connection.
func (c *pgClient) Close() error {
	return c.db.Close()
}

// quoteIdentifier quotes a PostgreSQL identifier, doubling embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// InitSchema creates the shard and record tables and their indexes if they
// don't exist.
func InitSchema(db *sql.DB, config Config) error {
	if err := config.validate(); err != nil {
		return err
	}

	shards := quoteIdentifier(config.ShardTableName)
	records := quoteIdentifier(config.TableName)
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		stream_id VARCHAR(255) NOT NULL,
		shard_id VARCHAR(255) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		closed_at TIMESTAMP WITH TIME ZONE,
		PRIMARY KEY (stream_id, shard_id)
	);

	CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		stream_id VARCHAR(255) NOT NULL,
		shard_id VARCHAR(255) NOT NULL,
		partition_key VARCHAR(256) NOT NULL,
		data BYTEA NOT NULL,
		encoding VARCHAR(16) NOT NULL DEFAULT 'none',
		arrival TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS %s ON %s(stream_id, shard_id, id);
	CREATE INDEX IF NOT EXISTS %s ON %s(stream_id, shard_id, arrival);
	`, shards, records,
		quoteIdentifier("idx_"+config.TableName+"_shard_id"), records,
		quoteIdentifier("idx_"+config.TableName+"_shard_arrival"), records)

	_, err := db.Exec(query)
	return err
}
