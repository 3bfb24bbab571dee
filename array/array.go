// Package array provides the reference transactional participant specified
// alongside the stm coordinator: a fixed-capacity array of values of type T,
// with a per-cell version counter and lock bit, satisfying
// stm.ReadCapability and stm.WriteCapability.
package array

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/bootjp/gostm/internal"
	"github.com/bootjp/gostm/stm"
	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
)

// ErrIndexOutOfRange is the participant-internal failure spec §7 describes:
// reported at the point of use, never surfaced through Commit.
var ErrIndexOutOfRange = errors.New("array: index out of range")

// cellUID is the array participant's UID: the array's own identity combined
// with the cell index, the Go-native analogue of the original's
// (array_pointer, index) pair, ordered lexicographically without comparing
// raw pointers.
type cellUID struct {
	arrayID uint64
	index   int
}

func (u cellUID) Less(other stm.UID) bool {
	o := other.(cellUID) //nolint:forcetypeassert
	if u.arrayID != o.arrayID {
		return u.arrayID < o.arrayID
	}
	return u.index < o.index
}

func (u cellUID) Equal(other stm.UID) bool {
	o, ok := other.(cellUID)
	return ok && o == u
}

// cell holds one array slot: the committed value plus the version and lock
// bit the commit coordinator validates against. value, version, and locked
// are all manipulated with atomics so install publishes with release
// semantics and a transactional read's acquire-ordered load of version
// before value per spec §5's memory-ordering obligations on participants —
// a writer that races the read bumps version only after publishing its
// value, so a read that returns the new value has recorded the old version,
// and validation rejects it (Check fails once the bump lands, IsLocked fails
// while the writer still holds the cell).
type cell[T any] struct {
	value   atomic.Pointer[T]
	version atomic.Uint64
	locked  atomic.Bool
}

func (c *cell[T]) load() T {
	if p := c.value.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

func (c *cell[T]) store(v T) {
	c.value.Store(&v)
}

// Array is a fixed-capacity transactional array of values of type T.
type Array[T any] struct {
	id    uint64
	cells []cell[T]
}

// New returns an Array of the given capacity, every cell holding the zero
// value of T.
func New[T any](capacity int) *Array[T] {
	a := &Array[T]{
		cells: make([]cell[T], capacity),
	}
	a.id = arrayIdentity(unsafe.Pointer(a))
	return a
}

// Size returns the array's fixed capacity.
func (a *Array[T]) Size() int {
	return len(a.cells)
}

// ID returns the array's identity as a plain int, suitable for inclusion in
// log fields and diagnostics. It is the same murmur3 hash that seeds every
// cell's UID, with its top bit cleared so that it always fits in an int.
func (a *Array[T]) ID() (int, error) {
	id, err := internal.Uint64ToInt(a.id & math.MaxInt64)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return id, nil
}

func (a *Array[T]) boundsCheck(index int) error {
	if index < 0 || index >= len(a.cells) {
		_, err := internal.WithStacks(0, errors.Wrapf(ErrIndexOutOfRange, "index %d, size %d", index, len(a.cells)))
		return err
	}
	return nil
}

func arrayIdentity(a unsafe.Pointer) uint64 {
	var buf [8]byte
	ptr := uint64(uintptr(a))
	for i := range buf {
		buf[i] = byte(ptr >> (8 * i))
	}
	return murmur3.Sum64(buf[:])
}

// Read is the non-transactional direct read used by tests and verifiers to
// assert final state. It bypasses the commit protocol entirely.
func (a *Array[T]) Read(index int) T {
	if err := a.boundsCheck(index); err != nil {
		panic(err)
	}
	return a.cells[index].load()
}

// readPayload is the opaque descriptor of a single transactional read: the
// cell and the version observed at read time.
type readPayload struct {
	uid     cellUID
	version uint64
}

func (p readPayload) UID() stm.UID { return p.uid }

// writePayload is the opaque descriptor of a single tentative write: the
// cell and the new value, boxed so it can sit in a homogeneous slice
// alongside payloads from other participants.
type writePayload[T any] struct {
	uid   cellUID
	value T
}

func (p writePayload[T]) UID() stm.UID { return p.uid }

// TransactionalRead records a read on tx capturing the cell's current
// version and returns the cell's current value. The version is sampled
// before the value: a concurrent Install always bumps version strictly
// after publishing its value, so if one races this read, the version we
// record is older than the value we return, and Phase 2 validation catches
// it: the writer either still holds the cell's lock or has bumped the
// version. Reading value first would risk
// pairing a pre-write value with a post-write version, which Check could
// not distinguish from a clean read.
func (a *Array[T]) TransactionalRead(tx *stm.Transaction, index int) T {
	if err := a.boundsCheck(index); err != nil {
		panic(err)
	}
	c := &a.cells[index]
	version := c.version.Load()
	v := c.load()
	tx.RecordRead(a, readPayload{uid: a.uid(index), version: version})
	return v
}

// TransactionalWrite records a tentative write of value into index on tx.
// The write is not visible to any reader, transactional or not, until the
// transaction commits.
func (a *Array[T]) TransactionalWrite(tx *stm.Transaction, index int, value T) {
	if err := a.boundsCheck(index); err != nil {
		panic(err)
	}
	tx.RecordWrite(a, writePayload[T]{uid: a.uid(index), value: value})
}

func (a *Array[T]) uid(index int) cellUID {
	return cellUID{arrayID: a.id, index: index}
}

func (a *Array[T]) cellFor(u stm.UID) *cell[T] {
	cu := u.(cellUID) //nolint:forcetypeassert
	return &a.cells[cu.index]
}

// Check implements stm.ReadCapability: true iff no committed writer has
// bumped the cell's version since the read was taken.
func (a *Array[T]) Check(p stm.ReadPayload) bool {
	rp := p.(readPayload) //nolint:forcetypeassert
	c := a.cellFor(rp.uid)
	return c.version.Load() == rp.version
}

// IsLocked implements stm.ReadCapability.
func (a *Array[T]) IsLocked(p stm.ReadPayload) bool {
	rp := p.(readPayload) //nolint:forcetypeassert
	c := a.cellFor(rp.uid)
	return c.locked.Load()
}

// Lock implements stm.WriteCapability: a compare-and-swap spin, acceptable
// per spec §4.4, since the coordinator only ever holds a lock for the
// duration of a single commit's validation and install phases.
func (a *Array[T]) Lock(p stm.WritePayload) {
	wp := p.(writePayload[T]) //nolint:forcetypeassert
	c := a.cellFor(wp.uid)
	for !c.locked.CompareAndSwap(false, true) {
		// spin
	}
}

// Unlock implements stm.WriteCapability.
func (a *Array[T]) Unlock(p stm.WritePayload) {
	wp := p.(writePayload[T]) //nolint:forcetypeassert
	c := a.cellFor(wp.uid)
	c.locked.Store(false)
}

// Install implements stm.WriteCapability: publishes the tentative value and
// bumps the version. Only called while the cell is locked by this
// transaction.
func (a *Array[T]) Install(p stm.WritePayload) {
	wp := p.(writePayload[T]) //nolint:forcetypeassert
	c := a.cellFor(wp.uid)
	c.store(wp.value)
	c.version.Add(1)
}

// Undo implements stm.WriteCapability. The array participant has no
// external side effects to compensate for, so user code never registers its
// writes on the abort set; Undo exists to satisfy the contract.
func (a *Array[T]) Undo(_ stm.WritePayload) {}

// AfterCommit implements stm.WriteCapability. Same note as Undo: the array
// has no post-commit hook of its own.
func (a *Array[T]) AfterCommit(_ stm.WritePayload) {}
