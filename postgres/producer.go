package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shogotsuneto/go-simple-shardreader"
)

// PutRecordsEntry is one record to append to a shard.
type PutRecordsEntry struct {
	PartitionKey string
	Data         []byte
}

// Producer creates shards, appends records to them and closes them.
type Producer struct {
	*pgClient
	compress bool
}

// NewProducer creates a producer writing to the tables named in config.
func NewProducer(config Config) (*Producer, error) {
	client, err := newPgClient(config)
	if err != nil {
		return nil, err
	}
	return &Producer{pgClient: client, compress: config.CompressPayloads}, nil
}

// CreateShard registers an open shard. Creating an existing shard is a no-op.
func (p *Producer) CreateShard(ctx context.Context, streamID, shardID string) error {
	query := fmt.Sprintf(`INSERT INTO %s (stream_id, shard_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		quoteIdentifier(p.shardTableName))

	if _, err := p.db.ExecContext(ctx, query, streamID, shardID); err != nil {
		return fmt.Errorf("failed to create shard: %w", err)
	}
	return nil
}

// lockShard locks the shard row for the rest of tx and reports whether the
// shard is closed.
func (p *Producer) lockShard(ctx context.Context, tx *sql.Tx, streamID, shardID string) (bool, error) {
	query := fmt.Sprintf(`SELECT closed_at IS NOT NULL FROM %s WHERE stream_id = $1 AND shard_id = $2 FOR UPDATE`,
		quoteIdentifier(p.shardTableName))

	var closed bool
	err := tx.QueryRowContext(ctx, query, streamID, shardID).Scan(&closed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("stream '%s' shard '%s': %w", streamID, shardID, shardreader.ErrShardNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock shard: %w", err)
	}
	return closed, nil
}

// PutRecords appends records to an open shard in one transaction and returns
// their sequence numbers.
func (p *Producer) PutRecords(ctx context.Context, streamID, shardID string, records []PutRecordsEntry) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Holding the shard row lock serializes appends per shard, so row ids
	// become visible in order.
	closed, err := p.lockShard(ctx, tx, streamID, shardID)
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, fmt.Errorf("stream '%s' shard '%s': %w", streamID, shardID, ErrShardClosed)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (stream_id, shard_id, partition_key, data, encoding)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, quoteIdentifier(p.tableName))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	seqs := make([]string, 0, len(records))
	for _, r := range records {
		data, encoding := encodePayload(r.Data, p.compress)
		var id int64
		if err := stmt.QueryRowContext(ctx, streamID, shardID, r.PartitionKey, data, encoding).Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}
		seqs = append(seqs, formatSequence(id))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return seqs, nil
}

// CloseShard marks a shard closed. Readers see it finish once they have
// consumed its remaining records. Closing a closed shard is a no-op.
func (p *Producer) CloseShard(ctx context.Context, streamID, shardID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	closed, err := p.lockShard(ctx, tx, streamID, shardID)
	if err != nil {
		return err
	}
	if closed {
		return nil
	}

	query := fmt.Sprintf(`UPDATE %s SET closed_at = now() WHERE stream_id = $1 AND shard_id = $2`,
		quoteIdentifier(p.shardTableName))
	if _, err := tx.ExecContext(ctx, query, streamID, shardID); err != nil {
		return fmt.Errorf("failed to close shard: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
