// Package memory provides an in-memory stream proxy that simulates the shards
// of a stream. It is suitable for testing and demonstration purposes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shogotsuneto/go-simple-shardreader"
)

// Compile-time interface compliance check
var _ shardreader.StreamProxy = (*StreamProxy)(nil)

// ErrProxyClosed is returned by every call made after Close.
var ErrProxyClosed = errors.New("stream proxy is closed")

type shard struct {
	records []shardreader.Record
	// chunkEnds holds the end offset of every AddRecords call. One GetRecords
	// call consumes at most one chunk, empty chunks included.
	chunkEnds []int
	closed    bool
}

type iteratorState struct {
	streamID string
	shardID  string
	offset   int
	chunk    int // index into chunkEnds of the next response
}

// StreamProxy is an in-memory implementation of shardreader.StreamProxy.
// Each AddRecords call becomes exactly one GetRecords response, which lets
// tests script what the reader sees on each poll cycle.
type StreamProxy struct {
	mu        sync.RWMutex
	streams   map[string]map[string]*shard
	iterators map[string]iteratorState
	tokens    map[iteratorState]string
	nextIter  int64
	nextSeq   int64
	now       func() time.Time

	shouldCompleteNextShard bool
	getRecordsErr           error
	shardErrs               map[string]error
	closed                  bool
}

// NewStreamProxy creates an empty in-memory stream proxy.
func NewStreamProxy() *StreamProxy {
	return &StreamProxy{
		streams:   make(map[string]map[string]*shard),
		iterators: make(map[string]iteratorState),
		tokens:    make(map[iteratorState]string),
		shardErrs: make(map[string]error),
		now:       time.Now,
	}
}

// AddShards creates empty open shards in a stream.
func (p *StreamProxy) AddShards(streamID string, shardIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stream, ok := p.streams[streamID]
	if !ok {
		stream = make(map[string]*shard)
		p.streams[streamID] = stream
	}
	for _, id := range shardIDs {
		if _, exists := stream[id]; !exists {
			stream[id] = &shard{}
		}
	}
}

// AddRecords appends records to a shard as one GetRecords response. An empty
// slice queues an empty response. Missing sequence numbers and arrival
// timestamps are filled in.
func (p *StreamProxy) AddRecords(streamID, shardID string, records []shardreader.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.shardLocked(streamID, shardID)
	if err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("shard '%s' of stream '%s' is closed", shardID, streamID)
	}

	for _, r := range records {
		p.nextSeq++
		if r.SequenceNumber == "" {
			r.SequenceNumber = fmt.Sprintf("%020d", p.nextSeq)
		}
		if r.ApproximateArrivalTimestamp.IsZero() {
			r.ApproximateArrivalTimestamp = p.now()
		}
		s.records = append(s.records, r)
	}
	s.chunkEnds = append(s.chunkEnds, len(s.records))
	return nil
}

// CloseShard marks a shard closed. Readers see the closure once they have
// read every record of the shard.
func (p *StreamProxy) CloseShard(streamID, shardID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.shardLocked(streamID, shardID)
	if err != nil {
		return err
	}
	s.closed = true
	return nil
}

// SetShouldCompleteNextShard makes the next GetRecords call close the shard it
// reads from, as a reshard would.
func (p *StreamProxy) SetShouldCompleteNextShard(complete bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shouldCompleteNextShard = complete
}

// SetGetRecordsError makes every GetRecords call fail with err until it is
// reset with nil.
func (p *StreamProxy) SetGetRecordsError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getRecordsErr = err
}

// SetGetRecordsErrorFor makes GetRecords calls on one shard fail with err
// until it is reset with nil. Other shards are unaffected.
func (p *StreamProxy) SetGetRecordsErrorFor(shardID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.shardErrs, shardID)
		return
	}
	p.shardErrs[shardID] = err
}

// ExpireIterators invalidates every iterator handed out so far.
func (p *StreamProxy) ExpireIterators() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetIteratorsLocked()
}

// IsClosed reports whether Close has been called.
func (p *StreamProxy) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// ShardIDs returns the shard IDs of a stream, sorted.
func (p *StreamProxy) ShardIDs(streamID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.streams[streamID]))
	for id := range p.streams[streamID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetShardIterator opens an iterator at the given position.
func (p *StreamProxy) GetShardIterator(ctx context.Context, streamID, shardID string, pos shardreader.StartingPosition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := pos.Validate(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrProxyClosed
	}
	s, err := p.shardLocked(streamID, shardID)
	if err != nil {
		return "", err
	}

	offset, err := s.offsetOf(pos)
	if err != nil {
		return "", err
	}
	st := iteratorState{streamID: streamID, shardID: shardID, offset: offset, chunk: s.chunkAt(offset)}
	return p.iteratorLocked(st), nil
}

// GetRecords returns the records of the next queued response of the shard.
func (p *StreamProxy) GetRecords(ctx context.Context, iterator string, limit int) (*shardreader.GetRecordsResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProxyClosed
	}
	if p.getRecordsErr != nil {
		return nil, p.getRecordsErr
	}

	it, ok := p.iterators[iterator]
	if !ok {
		return nil, shardreader.ErrExpiredIterator
	}
	if err := p.shardErrs[it.shardID]; err != nil {
		return nil, err
	}

	s, err := p.shardLocked(it.streamID, it.shardID)
	if err != nil {
		return nil, err
	}

	if p.shouldCompleteNextShard {
		s.closed = true
		p.shouldCompleteNextShard = false
	}

	end, next := len(s.records), it.chunk
	if it.chunk < len(s.chunkEnds) {
		end = s.chunkEnds[it.chunk]
		if limit > 0 && end-it.offset > limit {
			end = it.offset + limit
		} else {
			next++
		}
	}
	records := make([]shardreader.Record, end-it.offset)
	copy(records, s.records[it.offset:end])

	result := &shardreader.GetRecordsResult{
		Records:            records,
		MillisBehindLatest: s.millisBehind(end),
	}
	if s.closed && end == len(s.records) && next >= len(s.chunkEnds) {
		return result, nil
	}
	result.NextShardIterator = p.iteratorLocked(iteratorState{streamID: it.streamID, shardID: it.shardID, offset: end, chunk: next})
	return result, nil
}

// Close marks the proxy closed. Calling it again has no effect.
func (p *StreamProxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.resetIteratorsLocked()
	return nil
}

func (p *StreamProxy) shardLocked(streamID, shardID string) (*shard, error) {
	stream, ok := p.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("stream '%s': %w", streamID, shardreader.ErrShardNotFound)
	}
	s, ok := stream[shardID]
	if !ok {
		return nil, fmt.Errorf("shard '%s' of stream '%s': %w", shardID, streamID, shardreader.ErrShardNotFound)
	}
	return s, nil
}

// iteratorLocked returns the token for st, reusing the one already handed out
// for the same position. The number of live tokens is bounded by the number
// of positions in the stream, not by the number of calls.
func (p *StreamProxy) iteratorLocked(st iteratorState) string {
	if token, ok := p.tokens[st]; ok {
		return token
	}
	p.nextIter++
	token := fmt.Sprintf("%s/%s/%d.%d#%d", st.streamID, st.shardID, st.offset, st.chunk, p.nextIter)
	p.iterators[token] = st
	p.tokens[st] = token
	return token
}

func (p *StreamProxy) resetIteratorsLocked() {
	p.iterators = make(map[string]iteratorState)
	p.tokens = make(map[iteratorState]string)
}

// offsetOf resolves a starting position to an index into the shard's records.
func (s *shard) offsetOf(pos shardreader.StartingPosition) (int, error) {
	switch pos.Type {
	case shardreader.TrimHorizon:
		return 0, nil
	case shardreader.Latest:
		return len(s.records), nil
	case shardreader.AtSequenceNumber, shardreader.AfterSequenceNumber:
		for i, r := range s.records {
			if r.SequenceNumber == pos.SequenceNumber {
				if pos.Type == shardreader.AfterSequenceNumber {
					return i + 1, nil
				}
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: sequence number %s not in shard", shardreader.ErrInvalidStartingPosition, pos.SequenceNumber)
	case shardreader.AtTimestamp:
		for i, r := range s.records {
			if !r.ApproximateArrivalTimestamp.Before(pos.Timestamp) {
				return i, nil
			}
		}
		return len(s.records), nil
	}
	return 0, fmt.Errorf("%w: unknown type %q", shardreader.ErrInvalidStartingPosition, pos.Type)
}

// chunkAt returns the first chunk that is not entirely before offset. Empty
// chunks queued at offset are not skipped.
func (s *shard) chunkAt(offset int) int {
	start := 0
	for i, end := range s.chunkEnds {
		if end > offset || start >= offset {
			return i
		}
		start = end
	}
	return len(s.chunkEnds)
}

func (s *shard) millisBehind(offset int) int64 {
	if offset >= len(s.records) {
		return 0
	}
	last := s.records[len(s.records)-1].ApproximateArrivalTimestamp
	read := s.records[offset].ApproximateArrivalTimestamp
	return last.Sub(read).Milliseconds()
}
