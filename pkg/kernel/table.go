// Package kernel implements the object table (spec §4.2): a flat,
// fixed-capacity table mapping opaque handles to kernel-owned object
// records, with generation-stamped slot reuse and the locking
// discipline message dispatch relies on (spec §5).
package kernel

import (
	"sync"

	"github.com/coreguard/cryptkernel/pkg/errs"
	"go.uber.org/zap"
)

// DefaultCapacity mirrors the "on the order of 2^16" ceiling spec.md
// names for the object table.
const DefaultCapacity = 1 << 16

type slot struct {
	mu       sync.Mutex // per-object lock (spec §4.3 step 2, §5)
	record   *Record
	occupied bool
	gen      uint32
}

// Table is the process-wide object table. A single reader-writer lock
// guards structural mutation (allocate/free); message delivery to an
// existing object only needs a read lock on the table plus the target
// slot's own mutex (spec §4.2).
type Table struct {
	mu       sync.RWMutex
	slots    []slot
	freeList []int
	log      *zap.Logger
}

// NewTable allocates a table with the given slot capacity. It installs
// no records: the two reserved singleton handles are installed later
// through AllocateAt.
func NewTable(capacity int, log *zap.Logger) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Table{
		slots: make([]slot, capacity),
		log:   log,
	}
	// Slot 0 is never issued: Handle(0) is NullHandle. Slots 1 and 2
	// (SystemObject/DefaultUser) sit at the bottom of the free list, so
	// Allocate hands them out only after every other slot is in use.
	t.slots[0].occupied = true // burn slot 0 so it's never allocated
	for i := 1; i <= 2; i++ {
		t.freeList = append(t.freeList, i)
	}
	for i := len(t.slots) - 1; i >= 3; i-- {
		t.freeList = append(t.freeList, i)
	}
	return t
}

// Allocate reserves a slot, stores a new record in partially-initialised
// state, and returns its handle. Per spec §3 invariants, no handle is
// observable before the record has an owner and permissions populated;
// callers must supply both here rather than patching them in later.
func (t *Table) Allocate(typ Type, subtype Subtype, owner Handle, perms ActionPermissions, payload Payload) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.freeList) == 0 {
		return NullHandle, errs.New(errs.Memory)
	}
	idx := t.freeList[len(t.freeList)-1]
	t.freeList = t.freeList[:len(t.freeList)-1]

	s := &t.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()

	h := newHandle(idx, s.gen)
	rec := &Record{
		Handle:      h,
		Type:        typ,
		Subtype:     subtype,
		State:       StatePartiallyInitialised,
		Permissions: perms,
		Owner:       owner,
		Dependent:   NullHandle,
		Payload:     payload,
		generation:  s.gen,
	}
	s.record = rec
	s.occupied = true
	return h, nil
}

// AllocateAt is used once, at construction, to install the two reserved
// singleton handles at their fixed slot numbers.
func (t *Table) AllocateAt(h Handle, typ Type, subtype Subtype, owner Handle, perms ActionPermissions, payload Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := h.slot()
	s := &t.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = &Record{
		Handle:      h,
		Type:        typ,
		Subtype:     subtype,
		State:       StateReady,
		Permissions: perms,
		Owner:       owner,
		Dependent:   NullHandle,
		Payload:     payload,
		generation:  h.generation(),
	}
	s.occupied = true
	s.gen = h.generation()
	// remove idx from freeList (was pre-seeded there)
	for i, f := range t.freeList {
		if f == idx {
			t.freeList = append(t.freeList[:i], t.freeList[i+1:]...)
			break
		}
	}
}

// lookup validates a handle (exists, not destroyed, generation matches)
// and returns the slot, locked, for the caller to inspect/mutate. The
// caller must call unlock when done.
func (t *Table) lookup(h Handle) (*slot, error) {
	t.mu.RLock()
	idx := h.slot()
	if idx <= 0 || idx >= len(t.slots) {
		t.mu.RUnlock()
		return nil, errs.New(errs.NotFound)
	}
	s := &t.slots[idx]
	s.mu.Lock()
	t.mu.RUnlock()

	if !s.occupied || s.record == nil || s.gen != h.generation() || s.record.State == StateDestroyed {
		s.mu.Unlock()
		return nil, errs.New(errs.NotFound)
	}
	return s, nil
}

// lookupTry is lookup's non-blocking counterpart: if the slot's lock is
// currently held (a control verb is in flight), it returns Busy
// immediately instead of waiting, so Destroy never blocks indefinitely
// on a busy object (spec §5).
func (t *Table) lookupTry(h Handle) (*slot, error) {
	t.mu.RLock()
	idx := h.slot()
	if idx <= 0 || idx >= len(t.slots) {
		t.mu.RUnlock()
		return nil, errs.New(errs.NotFound)
	}
	s := &t.slots[idx]
	locked := s.mu.TryLock()
	t.mu.RUnlock()
	if !locked {
		return nil, errs.New(errs.Busy)
	}

	if !s.occupied || s.record == nil || s.gen != h.generation() || s.record.State == StateDestroyed {
		s.mu.Unlock()
		return nil, errs.New(errs.NotFound)
	}
	return s, nil
}

// With runs fn with the target object's record locked and its
// generation validated, after incrementing its reference count for the
// duration (spec §4.3 steps 1-2, 6). fn must not block on another
// object's lock.
func (t *Table) With(h Handle, fn func(*Record) error) error {
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	s.record.RefCount++
	defer func() {
		s.record.RefCount--
		s.mu.Unlock()
	}()
	return fn(s.record)
}

// Get returns a snapshot copy of the record's scalar fields, suitable
// for read-only inspection (e.g. by the ACL engine) without holding the
// lock past the call. Payload is returned by reference since handlers
// need to call into it.
func (t *Table) Get(h Handle) (Record, error) {
	s, err := t.lookup(h)
	if err != nil {
		return Record{}, err
	}
	defer s.mu.Unlock()
	return *s.record, nil
}

// Destroy marks the object destroyed and frees its slot once the
// reference count reaches zero; a busy object (refcount > 0 from other
// in-flight messages) returns Busy rather than blocking (spec §4.3 step
// 7, §5 "destroy issued against a busy object returns a busy error").
func (t *Table) Destroy(h Handle) error {
	s, err := t.lookupTry(h)
	if err != nil {
		return err
	}
	if s.record.RefCount > 0 {
		s.mu.Unlock()
		return errs.New(errs.Busy)
	}
	if s.record.Dependent != NullHandle {
		dep := s.record.Dependent
		s.mu.Unlock()
		// Decrement the dependent's refcount; if that object is itself
		// mid-destruction this naturally serialises through its own lock.
		t.releaseDependent(dep)
		s, err = t.lookupTry(h)
		if err != nil {
			return err
		}
	}
	payload := s.record.Payload
	s.record.State = StateDestroyed
	s.record.Payload = nil
	t.log.Debug("object destroyed", zap.Uint32("handle", uint32(h)), zap.Stringer("type", s.record.Type))
	s.mu.Unlock()

	if payload != nil {
		payload.Destroy()
	}

	t.mu.Lock()
	idx := h.slot()
	sl := &t.slots[idx]
	sl.mu.Lock()
	sl.occupied = false
	sl.record = nil
	sl.gen++ // age the generation so reissued handles are distinguishable
	sl.mu.Unlock()
	t.freeList = append([]int{idx}, t.freeList...)
	t.mu.Unlock()
	return nil
}

func (t *Table) releaseDependent(h Handle) {
	s, err := t.lookup(h)
	if err != nil {
		return
	}
	if s.record.RefCount > 0 {
		s.record.RefCount--
	}
	s.mu.Unlock()
}

// Retain increments a dependent object's reference count; used when A
// binds to B so B's destruction fails with Busy while A still depends
// on it (spec §3 invariant on dependent links).
func (t *Table) Retain(h Handle) error {
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	s.record.RefCount++
	s.mu.Unlock()
	return nil
}

// SetState transitions an object's state under its own lock.
func (t *Table) SetState(h Handle, state State) error {
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	s.record.State = state
	s.mu.Unlock()
	return nil
}

// SetDependent records h's dependency on dep and retains dep.
func (t *Table) SetDependent(h, dep Handle) error {
	if err := t.Retain(dep); err != nil {
		return err
	}
	s, err := t.lookup(h)
	if err != nil {
		t.releaseDependent(dep)
		return err
	}
	s.record.Dependent = dep
	s.mu.Unlock()
	return nil
}

// SetError records the error locus/type on an object, or on the system
// object if h is NullHandle (spec §7 "the target object (or the system
// object for handle-less failures)").
func (t *Table) SetError(h Handle, kind errs.Kind, locus string) {
	if h == NullHandle {
		h = SystemObject
	}
	s, err := t.lookup(h)
	if err != nil {
		return
	}
	s.record.LastError = ErrorLocus{Type: kind, Locus: locus}
	s.mu.Unlock()
}
