package stm

import (
	"log/slog"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
)

// uidComparator gives gods a total order over UID values so the lock
// sequence (a treemap.Map keyed by UID) sorts and deduplicates the write set
// in a single pass, and answers "is this UID one we locked" in O(log n)
// rather than the linear scan the original source's code comment
// second-guesses.
func uidComparator(a, b interface{}) int {
	ua := a.(UID) //nolint:forcetypeassert
	ub := b.(UID) //nolint:forcetypeassert
	switch {
	case ua.Equal(ub):
		return 0
	case ua.Less(ub):
		return -1
	default:
		return 1
	}
}

// lockSequence is the write set sorted by UID with adjacent duplicates
// collapsed: exactly the structure spec §4.3 Phase 0 describes. Re-inserting
// a key under the same UID just overwrites the previous entry, which is the
// dedup step; the most recently inserted writer/payload pair for a UID is
// the one whose capability gets Lock/Unlock called, which is correct since
// every write to the same cell within a transaction comes from the same
// participant.
type lockSequence struct {
	tree *treemap.Map
}

func newLockSequence(writes []writeEntry) *lockSequence {
	tree := treemap.NewWith(uidComparator)
	for _, e := range writes {
		tree.Put(e.p.UID(), e)
	}
	return &lockSequence{tree: tree}
}

func (ls *lockSequence) ordered() []writeEntry {
	seq := make([]writeEntry, 0, ls.tree.Size())
	ls.tree.Each(func(_ interface{}, value interface{}) {
		seq = append(seq, value.(writeEntry)) //nolint:forcetypeassert
	})
	return seq
}

// lockedByUs reports whether uid is one of the cells this transaction's
// commit is locking, i.e. whether it appears in the lock sequence.
func (ls *lockSequence) lockedByUs(uid UID) bool {
	_, ok := ls.tree.Get(uid)
	return ok
}

// Commit runs the commit protocol of spec §4.3: deterministic lock
// acquisition in global UID order, optimistic validation of every read,
// installation of every write in original insertion order, and finalization
// (unlock, then the commit or abort handlers). It returns true iff the
// transaction's effects are now globally visible.
//
// No participant call is expected to panic; Commit propagates no error value
// of its own; conflicts are reported purely via the boolean result, per
// spec §7.
func (t *Transaction) Commit() bool {
	if t.state != Open {
		return false
	}
	t.state = Committing

	seq := newLockSequence(t.writes)
	lockSeq := seq.ordered()

	start := time.Now()
	for _, e := range lockSeq {
		e.cap.Lock(e.p)
	}
	lockWaitSeconds.Observe(time.Since(start).Seconds())

	success := t.validateReads(seq)

	if success {
		t.installWrites()
	}

	for _, e := range lockSeq {
		e.cap.Unlock(e.p)
	}

	if success {
		t.state = Committed
		t.runCommits()
		commitTotal.WithLabelValues("committed").Inc()
	} else {
		t.state = Aborted
		t.runAborts()
		commitTotal.WithLabelValues("conflict").Inc()
	}

	slog.Debug("stm commit finished",
		slog.Bool("success", success),
		slog.Int("reads", len(t.reads)),
		slog.Int("writes", len(t.writes)),
		slog.Int("locks", len(lockSeq)),
	)

	return success
}

// validateReads implements spec §4.3 Phase 2: every read must still be
// current, or the cell it targets must be one this transaction is itself
// locking.
func (t *Transaction) validateReads(seq *lockSequence) bool {
	for _, r := range t.reads {
		if !r.cap.Check(r.p) {
			return false
		}
		if r.cap.IsLocked(r.p) && !seq.lockedByUs(r.p.UID()) {
			return false
		}
	}
	return true
}

// installWrites implements spec §4.3 Phase 3: iterate the *original*
// insertion-ordered write set, not the sorted lock sequence, so repeated
// writes to the same cell within one transaction install in order and the
// last one wins.
func (t *Transaction) installWrites() {
	for _, e := range t.writes {
		e.cap.Install(e.p)
	}
}
