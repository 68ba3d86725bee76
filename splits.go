package shardreader

// SplitsChange is an assignment change the host hands to a reader.
// It is implemented by SplitsAddition and SplitsRemoval.
type SplitsChange interface {
	isSplitsChange()
}

// SplitsAddition assigns new splits to the reader.
type SplitsAddition struct {
	Splits []Split
}

// SplitsRemoval revokes unfinished splits from the reader. Removed splits are
// not reported as finished.
type SplitsRemoval struct {
	SplitIDs []string
}

func (SplitsAddition) isSplitsChange() {}
func (SplitsRemoval) isSplitsChange()  {}

// SplitState is a point-in-time view of one active split.
type SplitState struct {
	Split              Split
	Status             SplitStatus
	LastSequenceNumber string
}

// ResumePosition is the position a new reader should start from to continue
// after the last delivered record.
func (s SplitState) ResumePosition() StartingPosition {
	if s.LastSequenceNumber == "" {
		return s.Split.StartingPosition
	}
	return AfterSequence(s.LastSequenceNumber)
}

type splitState struct {
	split        Split
	status       SplitStatus
	iterator     string
	lastSequence string
}

func (s *splitState) resumePosition() StartingPosition {
	return SplitState{Split: s.split, LastSequenceNumber: s.lastSequence}.ResumePosition()
}

// splitTable is the reader's split state table. It is confined to the
// goroutine calling the reader and carries no locking.
type splitTable struct {
	states   map[string]*splitState
	order    []string
	finished map[string]struct{}
}

func newSplitTable() *splitTable {
	return &splitTable{
		states:   make(map[string]*splitState),
		finished: make(map[string]struct{}),
	}
}

// add inserts a split and reports whether it was accepted. Splits already
// active or already finished are rejected.
func (t *splitTable) add(split Split) bool {
	id := split.ID()
	if _, ok := t.states[id]; ok {
		return false
	}
	if _, ok := t.finished[id]; ok {
		return false
	}
	t.states[id] = &splitState{split: split, status: SplitActive}
	t.order = append(t.order, id)
	return true
}

// remove drops an active split without marking it finished.
func (t *splitTable) remove(id string) bool {
	if _, ok := t.states[id]; !ok {
		return false
	}
	delete(t.states, id)
	t.dropFromOrder(id)
	return true
}

// finish marks a split finished and stops tracking it.
func (t *splitTable) finish(id string) {
	if st, ok := t.states[id]; ok {
		st.status = SplitFinished
	}
	t.finished[id] = struct{}{}
	delete(t.states, id)
	t.dropFromOrder(id)
}

func (t *splitTable) dropFromOrder(id string) {
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *splitTable) get(id string) (*splitState, bool) {
	st, ok := t.states[id]
	return st, ok
}

// active returns the active splits in assignment order.
func (t *splitTable) active() []*splitState {
	out := make([]*splitState, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.states[id])
	}
	return out
}

func (t *splitTable) ids() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *splitTable) len() int {
	return len(t.order)
}

func (t *splitTable) snapshot() []SplitState {
	out := make([]SplitState, 0, len(t.order))
	for _, st := range t.active() {
		out = append(out, SplitState{
			Split:              st.split,
			Status:             st.status,
			LastSequenceNumber: st.lastSequence,
		})
	}
	return out
}
