package chat

import "sync"

// ReadTracker maintains, per (user, room), the highest message sequence the
// user has acknowledged seeing.
//
// Acknowledgements race and arrive out of order over an unreliable channel,
// so every write is a compare-and-set against regression: a mark at or below
// the stored value is a no-op, never an error and never an overwrite.
type ReadTracker struct {
	mu    sync.Mutex
	marks map[readKey]int64
}

type readKey struct {
	userID string
	roomID string
}

// NewReadTracker constructs an empty tracker.
func NewReadTracker() *ReadTracker {
	return &ReadTracker{
		marks: make(map[readKey]int64),
	}
}

// RecordRead merges seq into the stored mark for (userID, roomID). It reports
// whether the mark advanced, and the effective stored value after the merge.
func (t *ReadTracker) RecordRead(userID, roomID string, seq int64) (int64, bool) {
	if userID == "" || roomID == "" || seq <= 0 {
		return t.current(userID, roomID), false
	}

	k := readKey{userID: userID, roomID: roomID}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.marks[k]
	if ok && seq <= cur {
		return cur, false
	}
	t.marks[k] = seq
	return seq, true
}

// GetRead returns the stored mark for (userID, roomID). ok is false when no
// record exists; absence is not an error.
func (t *ReadTracker) GetRead(userID, roomID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq, ok := t.marks[readKey{userID: userID, roomID: roomID}]
	return seq, ok
}

func (t *ReadTracker) current(userID, roomID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.marks[readKey{userID: userID, roomID: roomID}]
}
