//go:build integration
// +build integration

package integration_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/shogotsuneto/go-simple-shardreader"
	"github.com/shogotsuneto/go-simple-shardreader/postgres"
)

func newReader(t *testing.T, proxy *postgres.StreamProxy, splits ...shardreader.Split) *shardreader.SplitReader {
	t.Helper()
	reader := shardreader.NewSplitReader(proxy, shardreader.WithLogger(zaptest.NewLogger(t)))
	if err := reader.HandleSplitsChanges(shardreader.SplitsAddition{Splits: splits}); err != nil {
		t.Fatalf("Failed to assign splits: %v", err)
	}
	return reader
}

func drain(t *testing.T, reader *shardreader.SplitReader) (map[string][]string, []string) {
	t.Helper()
	batch, err := reader.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	out := make(map[string][]string)
	for {
		split, ok := batch.NextSplit()
		if !ok {
			break
		}
		for {
			r, ok := batch.NextRecordFromSplit()
			if !ok {
				break
			}
			out[split] = append(out[split], string(r.Data))
		}
	}
	return out, batch.FinishedSplits()
}

func TestPostgresReader_ConsumesAndFinishesShards(t *testing.T) {
	producer, proxy, _ := setupTestStream(t, nil)
	ctx := context.Background()

	put(t, producer, stream, "shard-1", "a1", "a2")
	put(t, producer, stream, "shard-2", "b1")
	if err := producer.CloseShard(ctx, stream, "shard-1"); err != nil {
		t.Fatalf("Failed to close shard: %v", err)
	}

	reader := newReader(t, proxy,
		shardreader.NewSplit(stream, "shard-1", shardreader.FromStart()),
		shardreader.NewSplit(stream, "shard-2", shardreader.FromStart()),
	)

	got, finished := drain(t, reader)
	want := map[string][]string{"shard-1": {"a1", "a2"}, "shard-2": {"b1"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if !reflect.DeepEqual(finished, []string{"shard-1"}) {
		t.Errorf("Expected shard-1 finished, got %v", finished)
	}
	if active := reader.ActiveSplits(); !reflect.DeepEqual(active, []string{"shard-2"}) {
		t.Errorf("Expected shard-2 still active, got %v", active)
	}

	// New records on the open shard show up in the next cycle
	put(t, producer, stream, "shard-2", "b2")
	got, finished = drain(t, reader)
	if !reflect.DeepEqual(got, map[string][]string{"shard-2": {"b2"}}) || len(finished) != 0 {
		t.Errorf("Unexpected second cycle %v finished=%v", got, finished)
	}

	if err := reader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := reader.Fetch(ctx); !errors.Is(err, shardreader.ErrReaderClosed) {
		t.Errorf("Expected ErrReaderClosed, got %v", err)
	}
}

func TestPostgresReader_EmptyClosedShard(t *testing.T) {
	producer, proxy, _ := setupTestStream(t, nil)
	ctx := context.Background()

	if err := producer.CreateShard(ctx, stream, "shard-1"); err != nil {
		t.Fatalf("Failed to create shard: %v", err)
	}
	if err := producer.CloseShard(ctx, stream, "shard-1"); err != nil {
		t.Fatalf("Failed to close shard: %v", err)
	}

	reader := newReader(t, proxy, shardreader.NewSplit(stream, "shard-1", shardreader.FromStart()))
	defer reader.Close()

	got, finished := drain(t, reader)
	if len(got) != 0 {
		t.Errorf("Expected no records, got %v", got)
	}
	if !reflect.DeepEqual(finished, []string{"shard-1"}) {
		t.Errorf("Expected shard-1 finished, got %v", finished)
	}
}

func TestPostgresReader_ResumeFromSnapshot(t *testing.T) {
	producer, proxy, cfg := setupTestStream(t, nil)

	put(t, producer, stream, "shard-1", "a1", "a2")

	first := newReader(t, proxy, shardreader.NewSplit(stream, "shard-1", shardreader.FromStart()))
	drain(t, first)
	snapshot := first.Snapshot()
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	put(t, producer, stream, "shard-1", "a3")

	// The first reader closed its proxy, so resume on a fresh one
	second, err := postgres.NewStreamProxy(cfg)
	if err != nil {
		t.Fatalf("Failed to create stream proxy: %v", err)
	}
	var splits []shardreader.Split
	for _, st := range snapshot {
		splits = append(splits, shardreader.NewSplit(st.Split.StreamID, st.Split.ShardID, st.ResumePosition()))
	}
	reader := newReader(t, second, splits...)
	defer reader.Close()

	got, _ := drain(t, reader)
	if !reflect.DeepEqual(got, map[string][]string{"shard-1": {"a3"}}) {
		t.Errorf("Expected only a3 after resume, got %v", got)
	}
}

func TestPostgresReader_UnknownShard(t *testing.T) {
	_, proxy, _ := setupTestStream(t, nil)

	reader := newReader(t, proxy, shardreader.NewSplit(stream, "missing", shardreader.FromStart()))

	_, err := reader.Fetch(context.Background())
	var proxyErr *shardreader.ProxyError
	if !errors.As(err, &proxyErr) {
		t.Fatalf("Expected ProxyError, got %v", err)
	}
	if proxyErr.SplitID != "missing" || !errors.Is(err, shardreader.ErrShardNotFound) {
		t.Errorf("Unexpected error %v", err)
	}
}
