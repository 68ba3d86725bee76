// Package checkpoint persists per-shard read positions in a local Pebble
// database so a consumer can resume where it stopped.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/shogotsuneto/go-simple-shardreader"
)

// Checkpoint is the stored position of one shard.
type Checkpoint struct {
	LastSequenceNumber string `json:"last_sequence_number,omitempty"`
	Finished           bool   `json:"finished,omitempty"`
}

// Position returns where reading should resume, or fallback when nothing
// has been read yet.
func (c Checkpoint) Position(fallback shardreader.StartingPosition) shardreader.StartingPosition {
	if c.LastSequenceNumber == "" {
		return fallback
	}
	return shardreader.AfterSequence(c.LastSequenceNumber)
}

// Store is a Pebble-backed checkpoint store.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a store in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key format: cp:<stream>\x00<shard>
func streamPrefix(streamID string) []byte {
	return []byte("cp:" + streamID + "\x00")
}

func key(streamID, shardID string) []byte {
	return append(streamPrefix(streamID), shardID...)
}

// Get returns the checkpoint of a shard. The boolean is false when none is
// stored.
func (s *Store) Get(streamID, shardID string) (Checkpoint, bool, error) {
	v, closer, err := s.db.Get(key(streamID, shardID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer closer.Close()

	var cp Checkpoint
	if err := json.Unmarshal(v, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("invalid checkpoint for shard '%s': %w", shardID, err)
	}
	return cp, true, nil
}

// Load returns every stored checkpoint of a stream keyed by shard ID.
func (s *Store) Load(streamID string) (map[string]Checkpoint, error) {
	prefix := streamPrefix(streamID)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	out := make(map[string]Checkpoint)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var cp Checkpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, fmt.Errorf("invalid checkpoint at %q: %w", iter.Key(), err)
		}
		out[string(iter.Key()[len(prefix):])] = cp
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

// Save writes the given states of a stream in one synced batch. A state is
// stored with the sequence number it resumes after; states that have neither
// read a record nor started after a sequence number are skipped.
func (s *Store) Save(streamID string, states []shardreader.SplitState) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, st := range states {
		cp := Checkpoint{Finished: st.Status == shardreader.SplitFinished}
		if pos := st.ResumePosition(); pos.Type == shardreader.AfterSequenceNumber {
			cp.LastSequenceNumber = pos.SequenceNumber
		}
		if cp.LastSequenceNumber == "" && !cp.Finished {
			continue
		}
		v, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		if err := b.Set(key(streamID, st.Split.ShardID), v, nil); err != nil {
			return fmt.Errorf("failed to stage checkpoint: %w", err)
		}
	}

	if b.Empty() {
		return nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit checkpoints: %w", err)
	}
	return nil
}

// MarkFinished records that a shard has been read to its end.
func (s *Store) MarkFinished(streamID, shardID string) error {
	cp, _, err := s.Get(streamID, shardID)
	if err != nil {
		return err
	}
	cp.Finished = true
	v, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.db.Set(key(streamID, shardID), v, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
