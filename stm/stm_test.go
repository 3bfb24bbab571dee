package stm_test

import (
	"testing"

	"github.com/bootjp/gostm/stm"
	"github.com/stretchr/testify/require"
)

// fakeUID is a trivial totally-ordered UID used to unit test the coordinator
// in isolation, without depending on a real participant implementation.
type fakeUID int

func (u fakeUID) Less(other stm.UID) bool  { return u < other.(fakeUID) } //nolint:forcetypeassert
func (u fakeUID) Equal(other stm.UID) bool { o, ok := other.(fakeUID); return ok && o == u }

// fakeCell is a minimal participant: one memory cell, a version counter, a
// lock bit, and a log of every Install call (in call order) so tests can
// assert last-writer-wins and install counts directly.
type fakeCell struct {
	uid       fakeUID
	value     int
	version   int
	locked    bool
	installed []int
	undone    []int
	afterRuns int
}

type fakeRead struct {
	uid     fakeUID
	version int
}

func (p fakeRead) UID() stm.UID { return p.uid }

type fakeWrite struct {
	uid   fakeUID
	value int
}

func (p fakeWrite) UID() stm.UID { return p.uid }

func (c *fakeCell) Check(p stm.ReadPayload) bool {
	return c.version == p.(fakeRead).version //nolint:forcetypeassert
}

func (c *fakeCell) IsLocked(_ stm.ReadPayload) bool { return c.locked }

func (c *fakeCell) Lock(_ stm.WritePayload)   { c.locked = true }
func (c *fakeCell) Unlock(_ stm.WritePayload) { c.locked = false }

func (c *fakeCell) Install(p stm.WritePayload) {
	w := p.(fakeWrite) //nolint:forcetypeassert
	c.value = w.value
	c.version++
	c.installed = append(c.installed, w.value)
}

func (c *fakeCell) Undo(p stm.WritePayload) {
	c.undone = append(c.undone, p.(fakeWrite).value) //nolint:forcetypeassert
}

func (c *fakeCell) AfterCommit(_ stm.WritePayload) { c.afterRuns++ }

func (c *fakeCell) read(tx *stm.Transaction) int {
	tx.RecordRead(c, fakeRead{uid: c.uid, version: c.version})
	return c.value
}

func (c *fakeCell) write(tx *stm.Transaction, v int) {
	tx.RecordWrite(c, fakeWrite{uid: c.uid, value: v})
}

func TestCommitInstallsLastWriterWinsOnDuplicateWrites(t *testing.T) {
	c := &fakeCell{uid: 1}
	tx := stm.New()

	c.write(tx, 10)
	c.write(tx, 20)
	c.write(tx, 30)

	require.True(t, tx.Commit())
	require.Equal(t, 30, c.value)
	require.Equal(t, []int{10, 20, 30}, c.installed)
}

func TestCommitRunsAfterCommitHooksOnSuccess(t *testing.T) {
	c := &fakeCell{uid: 1}
	tx := stm.New()

	c.write(tx, 5)
	tx.RegisterCommit(c, fakeWrite{uid: c.uid, value: 5})

	require.True(t, tx.Commit())
	require.Equal(t, 1, c.afterRuns)
}

func TestCommitFailsValidationOnStaleRead(t *testing.T) {
	c := &fakeCell{uid: 1, version: 0}
	tx := stm.New()

	_ = c.read(tx)
	c.version = 1 // a concurrent committer bumped the version underneath us

	require.False(t, tx.Commit())
	require.Empty(t, c.installed)
	require.False(t, c.locked, "locks must be released even on abort")
}

func TestCommitAcceptsReadOfCellLockedByItself(t *testing.T) {
	c := &fakeCell{uid: 1}
	tx := stm.New()

	_ = c.read(tx)
	c.write(tx, 7)

	require.True(t, tx.Commit())
	require.Equal(t, 7, c.value)
}

func TestAbortRunsUndoInInsertionOrderAndLeavesWritesUninstalled(t *testing.T) {
	c := &fakeCell{uid: 1}
	tx := stm.New()

	tx.RegisterAbort(c, fakeWrite{uid: c.uid, value: 1})
	tx.RegisterAbort(c, fakeWrite{uid: c.uid, value: 2})
	c.write(tx, 99)

	tx.Abort()

	require.Equal(t, []int{1, 2}, c.undone)
	require.Empty(t, c.installed)
}

func TestTerminatedTransactionRejectsFurtherCommit(t *testing.T) {
	tx := stm.New()
	require.True(t, tx.Commit())
	require.False(t, tx.Commit())
}

func TestLocksAreBalancedAcrossMultipleCells(t *testing.T) {
	a := &fakeCell{uid: 1}
	b := &fakeCell{uid: 2}
	tx := stm.New()

	a.write(tx, 1)
	b.write(tx, 2)
	// duplicate UID write: must not double-lock/unlock cell a.
	a.write(tx, 3)

	require.True(t, tx.Commit())
	require.False(t, a.locked)
	require.False(t, b.locked)
	require.Equal(t, 3, a.value)
}
