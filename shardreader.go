// Package shardreader provides a polling reader that consumes records from the
// shards of a Kinesis-style stream and hands them to a host engine split by split.
package shardreader

import (
	"fmt"
	"time"
)

// PositionType selects where a shard iterator starts.
type PositionType string

const (
	// TrimHorizon starts at the oldest record still retained by the shard.
	TrimHorizon PositionType = "TRIM_HORIZON"
	// Latest starts just after the most recent record of the shard.
	Latest PositionType = "LATEST"
	// AtSequenceNumber starts at the record with the given sequence number.
	AtSequenceNumber PositionType = "AT_SEQUENCE_NUMBER"
	// AfterSequenceNumber starts right after the record with the given sequence number.
	AfterSequenceNumber PositionType = "AFTER_SEQUENCE_NUMBER"
	// AtTimestamp starts at the first record that arrived at or after the given time.
	AtTimestamp PositionType = "AT_TIMESTAMP"
)

// StartingPosition is an opaque-to-the-reader position inside a shard.
type StartingPosition struct {
	Type           PositionType
	SequenceNumber string    // AtSequenceNumber / AfterSequenceNumber only
	Timestamp      time.Time // AtTimestamp only
}

// FromStart returns a position at the trim horizon of the shard.
func FromStart() StartingPosition {
	return StartingPosition{Type: TrimHorizon}
}

// FromLatest returns a position after the newest record of the shard.
func FromLatest() StartingPosition {
	return StartingPosition{Type: Latest}
}

// AtSequence returns a position at the given sequence number.
func AtSequence(seq string) StartingPosition {
	return StartingPosition{Type: AtSequenceNumber, SequenceNumber: seq}
}

// AfterSequence returns a position right after the given sequence number.
func AfterSequence(seq string) StartingPosition {
	return StartingPosition{Type: AfterSequenceNumber, SequenceNumber: seq}
}

// FromTimestamp returns a position at the first record arriving at or after t.
func FromTimestamp(t time.Time) StartingPosition {
	return StartingPosition{Type: AtTimestamp, Timestamp: t}
}

// Validate checks that the position carries the fields its type needs.
func (p StartingPosition) Validate() error {
	switch p.Type {
	case TrimHorizon, Latest:
		return nil
	case AtSequenceNumber, AfterSequenceNumber:
		if p.SequenceNumber == "" {
			return fmt.Errorf("%w: %s requires a sequence number", ErrInvalidStartingPosition, p.Type)
		}
		return nil
	case AtTimestamp:
		if p.Timestamp.IsZero() {
			return fmt.Errorf("%w: %s requires a timestamp", ErrInvalidStartingPosition, p.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidStartingPosition, p.Type)
	}
}

func (p StartingPosition) String() string {
	switch p.Type {
	case AtSequenceNumber, AfterSequenceNumber:
		return string(p.Type) + ":" + p.SequenceNumber
	case AtTimestamp:
		return string(p.Type) + ":" + p.Timestamp.Format(time.RFC3339Nano)
	default:
		return string(p.Type)
	}
}

// Split is one shard assigned to a reader.
type Split struct {
	StreamID         string
	ShardID          string
	StartingPosition StartingPosition
}

// NewSplit creates a split for the given shard starting at pos.
func NewSplit(streamID, shardID string, pos StartingPosition) Split {
	return Split{StreamID: streamID, ShardID: shardID, StartingPosition: pos}
}

// ID returns the split identifier, which is the shard ID.
func (s Split) ID() string {
	return s.ShardID
}

// SplitStatus is the consumption status of a split.
type SplitStatus int

const (
	SplitActive SplitStatus = iota
	SplitFinished
)

func (s SplitStatus) String() string {
	switch s {
	case SplitActive:
		return "ACTIVE"
	case SplitFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("SplitStatus(%d)", int(s))
	}
}

// Record is a single data record read from a shard. The reader never looks
// at Data, only at SequenceNumber.
type Record struct {
	SequenceNumber              string
	PartitionKey                string
	Data                        []byte
	ApproximateArrivalTimestamp time.Time
}
