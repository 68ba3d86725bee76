package shardreader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shogotsuneto/go-simple-shardreader/metrics"
)

// DefaultMaxRecordsPerPoll is the largest batch a single GetRecords call may return.
const DefaultMaxRecordsPerPoll = 10000

const (
	opGetShardIterator = "GetShardIterator"
	opGetRecords       = "GetRecords"
)

// Option configures a SplitReader.
type Option func(*SplitReader)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(r *SplitReader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the collectors updated by the reader.
func WithMetrics(m *metrics.Reader) Option {
	return func(r *SplitReader) {
		r.metrics = m
	}
}

// WithMaxRecordsPerPoll caps the records requested per split and cycle.
func WithMaxRecordsPerPoll(n int) Option {
	return func(r *SplitReader) {
		if n > 0 {
			r.maxRecords = n
		}
	}
}

// SplitReader polls every assigned split once per Fetch call. Hosts should
// drain each RecordBatch before reading its FinishedSplits.
//
// Fetch, HandleSplitsChanges and Snapshot must be called from a single
// goroutine, the host's poll loop. WakeUp and Close may be called from any
// goroutine.
type SplitReader struct {
	id         string
	proxy      StreamProxy
	splits     *splitTable
	logger     *zap.Logger
	metrics    *metrics.Reader
	maxRecords int
	closed     atomic.Bool
}

// NewSplitReader creates a reader that owns proxy. Close closes the proxy.
func NewSplitReader(proxy StreamProxy, opts ...Option) *SplitReader {
	r := &SplitReader{
		id:         uuid.NewString(),
		proxy:      proxy,
		splits:     newSplitTable(),
		logger:     zap.NewNop(),
		maxRecords: DefaultMaxRecordsPerPoll,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("reader_id", r.id))
	return r
}

// ID returns the reader instance ID used in logs.
func (r *SplitReader) ID() string {
	return r.id
}

// HandleSplitsChanges applies an assignment change. Splits that are already
// active or already finished are ignored.
func (r *SplitReader) HandleSplitsChanges(change SplitsChange) error {
	switch c := change.(type) {
	case SplitsAddition:
		return r.addSplits(c.Splits)
	case *SplitsAddition:
		return r.addSplits(c.Splits)
	case SplitsRemoval:
		r.removeSplits(c.SplitIDs)
	case *SplitsRemoval:
		r.removeSplits(c.SplitIDs)
	default:
		return fmt.Errorf("unsupported splits change %T", change)
	}
	return nil
}

func (r *SplitReader) addSplits(splits []Split) error {
	for _, s := range splits {
		if err := s.StartingPosition.Validate(); err != nil {
			return fmt.Errorf("split '%s': %w", s.ID(), err)
		}
	}

	for _, s := range splits {
		if !r.splits.add(s) {
			r.logger.Warn("ignoring split already assigned or finished",
				zap.String("split", s.ID()),
				zap.String("stream", s.StreamID),
			)
			continue
		}
		r.logger.Info("split assigned",
			zap.String("split", s.ID()),
			zap.String("stream", s.StreamID),
			zap.Stringer("starting_position", s.StartingPosition),
		)
	}
	r.metrics.SetActiveSplits(r.splits.len())
	return nil
}

func (r *SplitReader) removeSplits(ids []string) {
	for _, id := range ids {
		if r.splits.remove(id) {
			r.metrics.SplitRemoved(id)
			r.logger.Info("split removed", zap.String("split", id))
		}
	}
	r.metrics.SetActiveSplits(r.splits.len())
}

// ActiveSplits returns the IDs of the splits polled by the next Fetch.
func (r *SplitReader) ActiveSplits() []string {
	return r.splits.ids()
}

// Snapshot returns the state of every active split, in assignment order.
func (r *SplitReader) Snapshot() []SplitState {
	return r.splits.snapshot()
}

// pollResult is the outcome of one split's poll, applied only once the whole
// cycle succeeded.
type pollResult struct {
	state        *splitState
	records      []Record
	nextIterator string
	closed       bool
	millisBehind int64
}

// Fetch runs one poll cycle: every active split is asked for one batch of
// records. Splits whose shard closed are reported in the batch's finished set
// and never polled again.
//
// If any proxy call fails the cycle is abandoned, no split position moves and
// the error is returned as a *ProxyError.
func (r *SplitReader) Fetch(ctx context.Context) (*RecordBatch, error) {
	if r.closed.Load() {
		return nil, ErrReaderClosed
	}
	if r.splits.len() == 0 {
		return emptyBatch(), nil
	}

	start := time.Now()
	defer func() { r.metrics.ObserveFetch(time.Since(start)) }()

	active := r.splits.active()
	results := make([]pollResult, 0, len(active))
	for _, st := range active {
		res, err := r.poll(ctx, st)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	var (
		entries  []splitRecords
		finished []string
		total    int
	)
	for _, res := range results {
		id := res.state.split.ID()
		if n := len(res.records); n > 0 {
			res.state.lastSequence = res.records[n-1].SequenceNumber
			entries = append(entries, splitRecords{splitID: id, records: res.records})
			total += n
			r.metrics.AddRecords(id, n)
		}

		if res.closed {
			r.splits.finish(id)
			finished = append(finished, id)
			r.metrics.SplitFinished(id)
			r.logger.Info("split finished, shard closed",
				zap.String("split", id),
				zap.String("last_sequence", res.state.lastSequence),
			)
			continue
		}
		res.state.iterator = res.nextIterator
		r.metrics.SetMillisBehindLatest(id, res.millisBehind)
	}
	r.metrics.SetActiveSplits(r.splits.len())

	r.logger.Debug("poll cycle completed",
		zap.Int("splits", len(active)),
		zap.Int("records", total),
		zap.Int("finished", len(finished)),
	)
	return newRecordBatch(entries, finished), nil
}

func (r *SplitReader) poll(ctx context.Context, st *splitState) (pollResult, error) {
	if st.iterator == "" {
		if err := r.openIterator(ctx, st); err != nil {
			return pollResult{}, err
		}
	}

	res, err := r.proxy.GetRecords(ctx, st.iterator, r.maxRecords)
	if errors.Is(err, ErrExpiredIterator) {
		r.logger.Info("shard iterator expired, reopening",
			zap.String("split", st.split.ID()),
			zap.Stringer("position", st.resumePosition()),
		)
		if err := r.openIterator(ctx, st); err != nil {
			return pollResult{}, err
		}
		res, err = r.proxy.GetRecords(ctx, st.iterator, r.maxRecords)
	}
	if err != nil {
		r.metrics.ProxyError(opGetRecords)
		return pollResult{}, &ProxyError{SplitID: st.split.ID(), Op: opGetRecords, Err: err}
	}

	return pollResult{
		state:        st,
		records:      res.Records,
		nextIterator: res.NextShardIterator,
		closed:       res.ShardClosed(),
		millisBehind: res.MillisBehindLatest,
	}, nil
}

// openIterator stores a fresh iterator at the split's resume position.
// Opening an iterator does not move the split's position, so it is kept
// even if the rest of the cycle fails.
func (r *SplitReader) openIterator(ctx context.Context, st *splitState) error {
	it, err := r.proxy.GetShardIterator(ctx, st.split.StreamID, st.split.ShardID, st.resumePosition())
	if err != nil {
		r.metrics.ProxyError(opGetShardIterator)
		return &ProxyError{SplitID: st.split.ID(), Op: opGetShardIterator, Err: err}
	}
	st.iterator = it
	return nil
}

// WakeUp is a no-op: Fetch never waits for data, so there is nothing to
// interrupt.
func (r *SplitReader) WakeUp() {}

// Close closes the stream proxy. Calling Close more than once is safe.
func (r *SplitReader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.logger.Info("closing split reader")
	if err := r.proxy.Close(); err != nil {
		return fmt.Errorf("failed to close stream proxy: %w", err)
	}
	return nil
}
