package shardreader

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrReaderClosed is returned by Fetch after Close.
	ErrReaderClosed = errors.New("split reader is closed")

	// ErrShardNotFound is returned by proxies for unknown streams or shards.
	ErrShardNotFound = errors.New("shard not found")

	// ErrExpiredIterator is returned by proxies when a shard iterator is no
	// longer valid. The reader re-opens the iterator once per cycle.
	ErrExpiredIterator = errors.New("shard iterator expired")

	// ErrInvalidStartingPosition indicates a starting position missing the
	// fields its type needs.
	ErrInvalidStartingPosition = errors.New("invalid starting position")
)

// ProxyError wraps a stream proxy failure with the split it happened on.
type ProxyError struct {
	SplitID string
	Op      string // "GetShardIterator" or "GetRecords"
	Err     error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s failed for split '%s': %v", e.Op, e.SplitID, e.Err)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}
