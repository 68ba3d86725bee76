package shardreader

import "sort"

type batchState int

const (
	beforeSplit batchState = iota
	inSplit
	exhausted
)

type splitRecords struct {
	splitID string
	records []Record
}

// RecordBatch is the result of one poll cycle. It is read once: the host
// calls NextSplit, drains that split with NextRecordFromSplit, and repeats
// until NextSplit reports no more splits.
//
// Drain the batch before acting on FinishedSplits. A split that closed is
// dropped by the reader during the cycle, so it is only listed here and
// never again.
//
// A RecordBatch is not safe for concurrent use.
type RecordBatch struct {
	entries  []splitRecords
	index    map[string]int // split ID -> entry
	finished []string       // sorted

	state batchState
	entry int // current entry while inSplit
	pos   int // next record of the current entry
}

func newRecordBatch(entries []splitRecords, finished []string) *RecordBatch {
	b := &RecordBatch{
		entries: entries,
		index:   make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		b.index[e.splitID] = i
	}
	b.finished = append(b.finished, finished...)
	sort.Strings(b.finished)
	return b
}

// emptyBatch returns a batch with no records and no finished splits.
func emptyBatch() *RecordBatch {
	return newRecordBatch(nil, nil)
}

// NextSplit moves to the next split with unread records and returns its ID.
// While the current split still has unread records it is returned again.
// Once every split has been visited it returns false, and keeps doing so.
func (b *RecordBatch) NextSplit() (string, bool) {
	switch b.state {
	case exhausted:
		return "", false
	case inSplit:
		if b.pos < len(b.entries[b.entry].records) {
			return b.entries[b.entry].splitID, true
		}
		b.entry++
	case beforeSplit:
		b.entry = 0
	}
	b.pos = 0

	if b.entry >= len(b.entries) {
		b.state = exhausted
		return "", false
	}
	b.state = inSplit
	return b.entries[b.entry].splitID, true
}

// NextRecordFromSplit returns the next unread record of the split selected by
// the last NextSplit call. It returns false when that split is drained or no
// split is selected.
func (b *RecordBatch) NextRecordFromSplit() (Record, bool) {
	if b.state != inSplit {
		return Record{}, false
	}
	records := b.entries[b.entry].records
	if b.pos >= len(records) {
		return Record{}, false
	}
	r := records[b.pos]
	b.pos++
	return r, true
}

// FinishedSplits returns the splits whose shards closed during this cycle.
// A finished split is listed once all of its records in this batch have been
// read; a split that closed without records is listed right away. Called
// before the batch is drained it may return a subset.
func (b *RecordBatch) FinishedSplits() []string {
	out := make([]string, 0, len(b.finished))
	for _, id := range b.finished {
		if b.drained(id) {
			out = append(out, id)
		}
	}
	return out
}

func (b *RecordBatch) drained(splitID string) bool {
	i, ok := b.index[splitID]
	if !ok || b.state == exhausted {
		return true
	}
	if b.state == beforeSplit || i > b.entry {
		return false
	}
	if i < b.entry {
		return true
	}
	return b.pos >= len(b.entries[i].records)
}

// Len returns the total number of records in the batch, read or not.
func (b *RecordBatch) Len() int {
	n := 0
	for _, e := range b.entries {
		n += len(e.records)
	}
	return n
}

// Empty reports whether the batch carries neither records nor finished splits.
func (b *RecordBatch) Empty() bool {
	return len(b.entries) == 0 && len(b.finished) == 0
}
