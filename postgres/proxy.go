package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shogotsuneto/go-simple-shardreader"
)

// StreamProxy serves shard records stored in PostgreSQL. It implements
// shardreader.StreamProxy.
type StreamProxy struct {
	*pgClient
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per stream/shard
}

var _ shardreader.StreamProxy = (*StreamProxy)(nil)

// NewStreamProxy creates a proxy over the tables named in config. Call
// InitSchema first if they may not exist.
func NewStreamProxy(config Config) (*StreamProxy, error) {
	client, err := newPgClient(config)
	if err != nil {
		return nil, err
	}
	return newStreamProxy(client, config), nil
}

func newStreamProxy(client *pgClient, config Config) *StreamProxy {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &StreamProxy{
		pgClient: client,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *StreamProxy) limiter(streamID, shardID string) *rate.Limiter {
	key := streamID + "/" + shardID
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	return l
}

// shardClosed reports whether the shard has been closed. It returns
// shardreader.ErrShardNotFound for unknown shards.
func (p *StreamProxy) shardClosed(ctx context.Context, streamID, shardID string) (bool, error) {
	query := fmt.Sprintf(`SELECT closed_at IS NOT NULL FROM %s WHERE stream_id = $1 AND shard_id = $2`,
		quoteIdentifier(p.shardTableName))

	var closed bool
	err := p.db.QueryRowContext(ctx, query, streamID, shardID).Scan(&closed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("stream '%s' shard '%s': %w", streamID, shardID, shardreader.ErrShardNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to query shard: %w", err)
	}
	return closed, nil
}

func (p *StreamProxy) latestID(ctx context.Context, streamID, shardID string) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s WHERE stream_id = $1 AND shard_id = $2`,
		quoteIdentifier(p.tableName))

	var id int64
	if err := p.db.QueryRowContext(ctx, query, streamID, shardID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to query latest record: %w", err)
	}
	return id, nil
}

// GetShardIterator resolves pos to an iterator token for the shard.
func (p *StreamProxy) GetShardIterator(ctx context.Context, streamID, shardID string, pos shardreader.StartingPosition) (string, error) {
	if err := pos.Validate(); err != nil {
		return "", err
	}
	if _, err := p.shardClosed(ctx, streamID, shardID); err != nil {
		return "", err
	}

	it := shardIterator{streamID: streamID, shardID: shardID}
	switch pos.Type {
	case shardreader.TrimHorizon:
		it.afterID = 0
	case shardreader.Latest:
		id, err := p.latestID(ctx, streamID, shardID)
		if err != nil {
			return "", err
		}
		it.afterID = id
	case shardreader.AtSequenceNumber:
		id, err := parseSequence(pos.SequenceNumber)
		if err != nil {
			return "", err
		}
		if id > 0 {
			id--
		}
		it.afterID = id
	case shardreader.AfterSequenceNumber:
		id, err := parseSequence(pos.SequenceNumber)
		if err != nil {
			return "", err
		}
		it.afterID = id
	case shardreader.AtTimestamp:
		query := fmt.Sprintf(`SELECT MIN(id) FROM %s WHERE stream_id = $1 AND shard_id = $2 AND arrival >= $3`,
			quoteIdentifier(p.tableName))
		var first sql.NullInt64
		if err := p.db.QueryRowContext(ctx, query, streamID, shardID, pos.Timestamp).Scan(&first); err != nil {
			return "", fmt.Errorf("failed to query records by timestamp: %w", err)
		}
		if first.Valid {
			it.afterID = first.Int64 - 1
		} else {
			id, err := p.latestID(ctx, streamID, shardID)
			if err != nil {
				return "", err
			}
			it.afterID = id
		}
	}

	return it.encode(), nil
}

// GetRecords returns up to limit records after the iterator position. The
// next iterator is empty once the shard is closed and every record has been
// returned.
func (p *StreamProxy) GetRecords(ctx context.Context, iterator string, limit int) (*shardreader.GetRecordsResult, error) {
	it, err := decodeIterator(iterator)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = shardreader.DefaultMaxRecordsPerPoll
	}

	if err := p.limiter(it.streamID, it.shardID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	// Read the closed flag before the records: once a shard is closed no
	// more rows can be appended, so a short read after it means the end.
	closed, err := p.shardClosed(ctx, it.streamID, it.shardID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, partition_key, data, encoding, arrival
		FROM %s
		WHERE stream_id = $1 AND shard_id = $2 AND id > $3
		ORDER BY id ASC
		LIMIT $4`, quoteIdentifier(p.tableName))

	rows, err := p.db.QueryContext(ctx, query, it.streamID, it.shardID, it.afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]shardreader.Record, 0)
	next := it
	for rows.Next() {
		var (
			id       int64
			key      string
			data     []byte
			encoding string
			arrival  time.Time
		)
		if err := rows.Scan(&id, &key, &data, &encoding, &arrival); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		payload, err := decodePayload(data, encoding)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", id, err)
		}
		records = append(records, shardreader.Record{
			SequenceNumber:              formatSequence(id),
			PartitionKey:                key,
			Data:                        payload,
			ApproximateArrivalTimestamp: arrival,
		})
		next.afterID = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	result := &shardreader.GetRecordsResult{Records: records}
	if closed && len(records) < limit {
		return result, nil
	}
	result.NextShardIterator = next.encode()
	if len(records) == limit {
		// More rows may follow; report how old the last one returned is.
		last := records[len(records)-1].ApproximateArrivalTimestamp
		result.MillisBehindLatest = time.Since(last).Milliseconds()
	}
	return result, nil
}

// ListShards returns the shard IDs of a stream in ascending order.
func (p *StreamProxy) ListShards(ctx context.Context, streamID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT shard_id FROM %s WHERE stream_id = $1 ORDER BY shard_id ASC`,
		quoteIdentifier(p.shardTableName))

	rows, err := p.db.QueryContext(ctx, query, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shards: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan shard: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate shards: %w", err)
	}
	return ids, nil
}
