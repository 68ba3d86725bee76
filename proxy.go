package shardreader

import "context"

// GetRecordsResult is one response of StreamProxy.GetRecords.
type GetRecordsResult struct {
	Records []Record
	// NextShardIterator continues the read. It is empty once the shard is
	// closed and every record of it has been returned.
	NextShardIterator  string
	MillisBehindLatest int64
}

// ShardClosed reports whether the shard will never return records again.
func (r *GetRecordsResult) ShardClosed() bool {
	return r.NextShardIterator == ""
}

// StreamProxy is the reader's only way to talk to the stream service.
// Retries and backoff belong to the proxy; any error it returns is fatal for
// the poll cycle that observed it.
type StreamProxy interface {
	// GetShardIterator opens an iterator for a shard at the given position.
	GetShardIterator(ctx context.Context, streamID, shardID string, pos StartingPosition) (string, error)

	// GetRecords returns up to limit records read with iterator and the
	// iterator to continue from.
	GetRecords(ctx context.Context, iterator string, limit int) (*GetRecordsResult, error)

	// Close releases the proxy's connection.
	Close() error
}
