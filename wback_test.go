// Copyright (C) 2026 wback authors

package wback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/blockwb/wback/dispatch"
	"github.com/blockwb/wback/image"
	"github.com/blockwb/wback/objectmap"
	"github.com/blockwb/wback/striper"
)

// fakeStore captures dispatched operations so tests can complete the
// underlying I/Os in any order they like.
type fakeStore struct {
	mutex  sync.Mutex
	writes []*fakeWrite
	reads  []*fakeRead
}

type fakeWrite struct {
	oid        string
	objectNo   uint64
	off        uint64
	data       []byte
	onComplete dispatch.Completion
}

type fakeRead struct {
	oid        string
	off        uint64
	flags      int
	dst        []byte
	onComplete dispatch.Completion
}

func (s *fakeStore) SendWrite(oid string, objectNo, off uint64, data []byte,
	snapc image.SnapContext, onComplete dispatch.Completion) {

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.writes = append(s.writes, &fakeWrite{oid, objectNo, off, data, onComplete})
}

func (s *fakeStore) SendRead(oid string, off uint64, flags int, dst []byte,
	onComplete dispatch.Completion) {

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.reads = append(s.reads, &fakeRead{oid, off, flags, dst, onComplete})
}

func (s *fakeStore) writeCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.writes)
}

func (s *fakeStore) readCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.reads)
}

// fakeJournal records flush registrations and extent commits.
type fakeJournal struct {
	mutex   sync.Mutex
	flushes []*fakeFlush
	commits []fakeCommit
}

type fakeFlush struct {
	tid    uint64
	onSafe dispatch.Completion
}

type fakeCommit struct {
	tid    uint64
	offset uint64
	length uint64
	result int
}

func (j *fakeJournal) FlushEvent(tid uint64, onSafe dispatch.Completion) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.flushes = append(j.flushes, &fakeFlush{tid, onSafe})
}

func (j *fakeJournal) CommitIOEventExtent(tid uint64, offset, length uint64, r int) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.commits = append(j.commits, fakeCommit{tid, offset, length, r})
}

func (j *fakeJournal) committed() []fakeCommit {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return append([]fakeCommit(nil), j.commits...)
}

type stubWatcher struct {
	owner bool
}

func (w stubWatcher) IsLockOwner() bool { return w.owner }

// recorder appends fired results to an order-preserving log.
type recorder struct {
	mutex sync.Mutex
	fired []int
}

func (r *recorder) completion(tag int) dispatch.Completion {
	return dispatch.CompletionFunc(func(int) {
		r.mutex.Lock()
		r.fired = append(r.fired, tag)
		r.mutex.Unlock()
	})
}

func (r *recorder) results() []int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]int(nil), r.fired...)
}

func newTestContext() *image.Context {
	return &image.Context{
		Name:         "img",
		ObjectPrefix: "wback_data.img",
		Layout:       striper.Layout{ObjectSize: 1 << 22},
		SnapID:       image.NoSnap,
		Watcher:      stubWatcher{owner: true},
	}
}

// submit runs Write with the locking context the contract demands.
func submit(w *WriteHandler, lock *image.Mutex, oid string, off uint64, data []byte,
	journalTID uint64, onCommit dispatch.Completion) uint64 {

	w.ictx.OwnerLock.RLock()
	defer w.ictx.OwnerLock.RUnlock()
	lock.Lock()
	defer lock.Unlock()

	return w.Write(oid, off, data, image.SnapContext{}, journalTID, onCommit)
}

func TestWriteCompletionsReleasedInSubmissionOrder(t *testing.T) {
	ictx := newTestContext()
	store := &fakeStore{}
	var lock image.Mutex
	w := New(ictx, store, &lock)
	defer w.Stop()

	oid := ictx.ObjectName(0)
	rec := &recorder{}

	tid1 := submit(w, &lock, oid, 0, []byte("first"), 0, rec.completion(1))
	tid2 := submit(w, &lock, oid, 512, []byte("second"), 0, rec.completion(2))
	require.Less(t, tid1, tid2)
	require.Equal(t, 2, store.writeCount())

	// The second write finishes first; nothing may be released yet.
	store.writes[1].onComplete.Complete(0)
	assert.Empty(t, rec.results(), "completion withheld until the first write is done")

	store.writes[0].onComplete.Complete(0)
	assert.Equal(t, []int{1, 2}, rec.results(), "completions fire in submission order")

	lock.Lock()
	assert.Empty(t, w.writes, "per-object queue removed once drained")
	lock.Unlock()
}

func TestWritesToDifferentObjectsAreIndependent(t *testing.T) {
	ictx := newTestContext()
	store := &fakeStore{}
	var lock image.Mutex
	w := New(ictx, store, &lock)
	defer w.Stop()

	rec := &recorder{}
	submit(w, &lock, ictx.ObjectName(0), 0, []byte("a"), 0, rec.completion(1))
	submit(w, &lock, ictx.ObjectName(1), 0, []byte("b"), 0, rec.completion(2))

	// Object 1 completing does not wait for object 0.
	store.writes[1].onComplete.Complete(0)
	assert.Equal(t, []int{2}, rec.results())

	store.writes[0].onComplete.Complete(0)
	assert.Equal(t, []int{2, 1}, rec.results())
}

func TestWriteErrorPropagatesVerbatim(t *testing.T) {
	ictx := newTestContext()
	store := &fakeStore{}
	var lock image.Mutex
	w := New(ictx, store, &lock)
	defer w.Stop()

	results := make(chan int, 1)
	submit(w, &lock, ictx.ObjectName(0), 0, []byte("x"), 0,
		dispatch.CompletionFunc(func(r int) { results <- r }))

	store.writes[0].onComplete.Complete(-int(unix.EIO))
	assert.Equal(t, -int(unix.EIO), <-results)
}

func TestWriteAssertsLockingContext(t *testing.T) {
	ictx := newTestContext()
	var lock image.Mutex
	w := New(ictx, &fakeStore{}, &lock)
	defer w.Stop()

	assert.Panics(t, func() {
		w.Write(ictx.ObjectName(0), 0, []byte("x"), image.SnapContext{}, 0,
			dispatch.CompletionFunc(func(int) {}))
	}, "write without the ownership lock is a programming error")
}

func TestJournaledWriteWithoutJournalIsFatal(t *testing.T) {
	ictx := newTestContext() // no journal attached
	var lock image.Mutex
	w := New(ictx, &fakeStore{}, &lock)
	defer w.Stop()

	assert.Panics(t, func() {
		submit(w, &lock, ictx.ObjectName(0), 0, []byte("x"), 9,
			dispatch.CompletionFunc(func(int) {}))
	})
}

func TestJournalGateDefersWriteUntilDurable(t *testing.T) {
	ictx := newTestContext()
	journal := &fakeJournal{}
	ictx.Journal = journal
	store := &fakeStore{}
	var lock image.Mutex
	w := New(ictx, store, &lock)
	defer w.Stop()

	oid := ictx.ObjectName(1)
	results := make(chan int, 1)
	submit(w, &lock, oid, 4096, []byte("payload"), 5,
		dispatch.CompletionFunc(func(r int) { results <- r }))

	require.Len(t, journal.flushes, 1)
	assert.Equal(t, uint64(5), journal.flushes[0].tid)
	assert.Equal(t, 0, store.writeCount(), "write must wait for journal durability")

	// Journal reports the transaction durable: the write goes out.
	journal.flushes[0].onSafe.Complete(0)
	require.Equal(t, 1, store.writeCount())
	assert.Equal(t, uint64(1), store.writes[0].objectNo)
	assert.Empty(t, journal.committed(), "bookkeeping waits for the write result")

	// The store write completes: extents committed, caller notified.
	store.writes[0].onComplete.Complete(7)

	commits := journal.committed()
	require.Len(t, commits, 1)
	assert.Equal(t, fakeCommit{
		tid:    5,
		offset: uint64(1<<22) + 4096,
		length: 7,
		result: 7,
	}, commits[0])
	assert.Equal(t, 7, <-results)
}

func TestJournalFailureSkipsWriteButCommitsExtents(t *testing.T) {
	ictx := newTestContext()
	journal := &fakeJournal{}
	ictx.Journal = journal
	store := &fakeStore{}
	var lock image.Mutex
	w := New(ictx, store, &lock)
	defer w.Stop()

	oid := ictx.ObjectName(0)
	results := make(chan int, 1)
	submit(w, &lock, oid, 0, []byte("doomed"), 5,
		dispatch.CompletionFunc(func(r int) { results <- r }))

	journal.flushes[0].onSafe.Complete(-5)

	assert.Equal(t, 0, store.writeCount(), "failed journal transaction never reaches the store")

	commits := journal.committed()
	require.Len(t, commits, 1)
	assert.Equal(t, fakeCommit{tid: 5, offset: 0, length: 6, result: -5}, commits[0])
	assert.Equal(t, -5, <-results)

	lock.Lock()
	assert.Empty(t, w.writes)
	lock.Unlock()
}

func TestJournalGateRequiresLockOwnership(t *testing.T) {
	ictx := newTestContext()
	ictx.Watcher = stubWatcher{owner: false}
	journal := &fakeJournal{}
	ictx.Journal = journal
	var lock image.Mutex
	w := New(ictx, &fakeStore{}, &lock)
	defer w.Stop()

	submit(w, &lock, ictx.ObjectName(0), 0, []byte("x"), 5,
		dispatch.CompletionFunc(func(int) {}))

	assert.Panics(t, func() { journal.flushes[0].onSafe.Complete(0) })
}

func TestReadShortCircuitsKnownAbsentObjects(t *testing.T) {
	ictx := newTestContext()
	ictx.ObjectMap = objectmap.New(8, nil, nil)
	ictx.ObjectMap.Set(2, objectmap.StateNonexistent)
	store := &fakeStore{}
	var lock image.Mutex
	w := New(ictx, store, &lock)
	defer w.Stop()

	results := make(chan int, 1)
	dst := make([]byte, 16)
	w.Read(ictx.ObjectName(2), 2, 0, dst, image.NoSnap, 0,
		dispatch.CompletionFunc(func(r int) { results <- r }))

	select {
	case r := <-results:
		assert.Equal(t, -int(unix.ENOENT), r)
	case <-time.After(5 * time.Second):
		t.Fatal("short-circuited read did not complete")
	}
	assert.Equal(t, 0, store.readCount(), "no store I/O for a known-absent object")
}

func TestReadDispatchesAndRetakesLocks(t *testing.T) {
	ictx := newTestContext()
	ictx.ObjectMap = objectmap.New(8, nil, nil)
	ictx.BalanceSnapReads = true
	store := &fakeStore{}
	var lock image.Mutex
	w := New(ictx, store, &lock)
	defer w.Stop()

	results := make(chan int, 1)
	dst := make([]byte, 16)
	w.Read(ictx.ObjectName(3), 3, 128, dst, 9, 0,
		dispatch.CompletionFunc(func(r int) {
			// The caller's completion runs under its expected locks.
			ictx.OwnerLock.AssertHeld()
			lock.AssertHeld()
			results <- r
		}))

	require.Equal(t, 1, store.readCount())
	assert.Equal(t, uint64(128), store.reads[0].off)
	assert.Equal(t, image.ReadFlagBalanceReads, store.reads[0].flags,
		"snapshot reads carry the translated read flags")

	store.reads[0].onComplete.Complete(16)
	assert.Equal(t, 16, <-results)
}

func TestMayCopyOnWrite(t *testing.T) {
	ictx := newTestContext()
	ictx.Layout = striper.Layout{ObjectSize: 8}
	ictx.ParentLock.Lock()
	ictx.SetParentOverlap(image.NoSnap, 12)
	ictx.ParentLock.Unlock()

	var lock image.Mutex
	w := New(ictx, &fakeStore{}, &lock)
	defer w.Stop()

	// Object 0 covers [0, 8), object 1 covers [8, 16): both intersect
	// the overlap [0, 12). Object 2 covers [16, 24) and does not.
	assert.True(t, w.MayCopyOnWrite(ictx.ObjectName(0), 0, 4, image.NoSnap))
	assert.True(t, w.MayCopyOnWrite(ictx.ObjectName(1), 0, 4, image.NoSnap))
	assert.False(t, w.MayCopyOnWrite(ictx.ObjectName(2), 0, 4, image.NoSnap))
}

func TestMayCopyOnWriteNoParent(t *testing.T) {
	ictx := newTestContext()
	ictx.Layout = striper.Layout{ObjectSize: 8}
	var lock image.Mutex
	w := New(ictx, &fakeStore{}, &lock)
	defer w.Stop()

	assert.False(t, w.MayCopyOnWrite(ictx.ObjectName(0), 0, 4, image.NoSnap))
}

func TestOverwriteExtentCommitsBookkeeping(t *testing.T) {
	ictx := newTestContext()
	journal := &fakeJournal{}
	ictx.Journal = journal
	var lock image.Mutex
	w := New(ictx, &fakeStore{}, &lock)
	defer w.Stop()

	ictx.OwnerLock.RLock()
	w.OverwriteExtent(ictx.ObjectName(2), 100, 50, 9)
	ictx.OwnerLock.RUnlock()

	commits := journal.committed()
	require.Len(t, commits, 1)
	assert.Equal(t, fakeCommit{tid: 9, offset: 2*(1<<22) + 100, length: 50, result: 0},
		commits[0])
}

// End-to-end: two plain writes to one object complete out of order
// underneath, the caller still observes submission order and the queue
// drains.
func TestEndToEndOutOfOrderCompletion(t *testing.T) {
	ictx := newTestContext()
	store := &fakeStore{}
	var lock image.Mutex
	w := New(ictx, store, &lock)
	defer w.Stop()

	oid := ictx.ObjectName(0)

	var mutex sync.Mutex
	var order []uint64
	var results []int
	record := func(tid uint64) dispatch.Completion {
		return dispatch.CompletionFunc(func(r int) {
			mutex.Lock()
			order = append(order, tid)
			results = append(results, r)
			mutex.Unlock()
		})
	}

	tid1 := submit(w, &lock, oid, 0, []byte("w1"), 0, record(1))
	tid2 := submit(w, &lock, oid, 2, []byte("w2"), 0, record(2))
	require.Less(t, tid1, tid2)

	store.writes[1].onComplete.Complete(0)
	store.writes[0].onComplete.Complete(0)

	mutex.Lock()
	assert.Equal(t, []uint64{1, 2}, order)
	assert.Equal(t, []int{0, 0}, results)
	mutex.Unlock()

	lock.Lock()
	assert.Empty(t, w.writes)
	lock.Unlock()
}
