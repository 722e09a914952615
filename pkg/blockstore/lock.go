package blockstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// LockMode is the mode a block lock is acquired in.
type LockMode int

const (
	// Shared allows any number of concurrent holders, excluding Exclusive.
	Shared LockMode = iota
	// Exclusive excludes every other holder, shared or exclusive.
	Exclusive
)

// LockManager hands out per-block shared/exclusive locks keyed by block id.
// A Handle is a scoped resource: its Release method drops exactly one
// acquisition, and releasing it twice is a programming error (detected and
// panicked on, the same way a negative sync.WaitGroup counter panics).
//
// The manager owns the lock table and every live Handle carries only an id
// plus a back-reference to the manager, so the manager's lifetime strictly
// exceeds all handles (spec.md §9, "Cyclic ownership between lock handles
// and the lock manager") as long as whatever embeds the manager (the block
// store) is never torn down while sessions are outstanding.
type LockManager struct {
	mu    sync.Mutex
	locks map[BlockID]*blockLock

	nextHandleID uint64
	bySession    map[SessionID]map[uint64]*Handle
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		locks:     make(map[BlockID]*blockLock),
		bySession: make(map[SessionID]map[uint64]*Handle),
	}
}

type waiter struct {
	mode      LockMode
	grant     chan struct{}
	cancelled bool
}

type blockLock struct {
	mu      sync.Mutex
	readers int
	writer  bool
	queue   []*waiter
}

// dispatch grants the FIFO queue as far as it can, preserving strict
// arrival order: a reader waiting behind a not-yet-grantable writer never
// jumps ahead of it, which bounds writer starvation (spec.md §4.1).
func (bl *blockLock) dispatch() {
	for len(bl.queue) > 0 {
		head := bl.queue[0]
		if head.cancelled {
			bl.queue = bl.queue[1:]
			continue
		}
		if head.mode == Shared {
			if bl.writer {
				return
			}
			bl.readers++
			close(head.grant)
			bl.queue = bl.queue[1:]
			continue
		}
		// Exclusive.
		if bl.writer || bl.readers > 0 {
			return
		}
		bl.writer = true
		close(head.grant)
		bl.queue = bl.queue[1:]
		return
	}
}

// Handle is a live lock acquisition. Release it exactly once.
type Handle struct {
	id      uint64
	session SessionID
	block   BlockID
	mode    LockMode
	mgr     *LockManager
	done    int32 // atomic
}

// Validate reports whether h is a live handle owned by session for block.
func (h *Handle) Validate(session SessionID, block BlockID) bool {
	return h != nil && h.session == session && h.block == block && atomic.LoadInt32(&h.done) == 0
}

// Release drops this acquisition. Calling it more than once panics.
func (h *Handle) Release() {
	if !atomic.CompareAndSwapInt32(&h.done, 0, 1) {
		panic(fmt.Sprintf("blockstore: lock handle %d on block %d released twice", h.id, h.block))
	}
	h.mgr.release(h)
}

func (m *LockManager) release(h *Handle) {
	m.mu.Lock()
	bl := m.locks[h.block]
	if sess := m.bySession[h.session]; sess != nil {
		delete(sess, h.id)
		if len(sess) == 0 {
			delete(m.bySession, h.session)
		}
	}
	m.mu.Unlock()

	if bl == nil {
		return
	}
	bl.mu.Lock()
	if h.mode == Shared {
		bl.readers--
	} else {
		bl.writer = false
	}
	bl.dispatch()
	bl.mu.Unlock()
}

func (m *LockManager) lockFor(block BlockID) *blockLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	bl := m.locks[block]
	if bl == nil {
		bl = &blockLock{}
		m.locks[block] = bl
	}
	return bl
}

func (m *LockManager) newHandle(session SessionID, block BlockID, mode LockMode) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandleID++
	h := &Handle{id: m.nextHandleID, session: session, block: block, mode: mode, mgr: m}
	sess := m.bySession[session]
	if sess == nil {
		sess = make(map[uint64]*Handle)
		m.bySession[session] = sess
	}
	sess[h.id] = h
	return h
}

// Acquire blocks until mode is granted for block under session, returning a
// handle whose Release drops exactly one acquisition.
func (m *LockManager) Acquire(ctx context.Context, session SessionID, block BlockID, mode LockMode) (*Handle, error) {
	h := m.newHandle(session, block, mode)
	bl := m.lockFor(block)

	w := &waiter{mode: mode, grant: make(chan struct{})}
	bl.mu.Lock()
	bl.queue = append(bl.queue, w)
	bl.dispatch()
	bl.mu.Unlock()

	select {
	case <-w.grant:
		return h, nil
	case <-ctx.Done():
		if cancelWaiter(bl, w) {
			m.forgetHandle(h)
			return nil, ctx.Err()
		}
		return h, nil // granted in the race between ctx firing and dispatch
	}
}

// TryAcquire is Acquire bounded by timeout; on expiry it returns a
// DeadlineExceeded error and leaves no trace of the attempt.
func (m *LockManager) TryAcquire(session SessionID, block BlockID, mode LockMode, timeout time.Duration) (*Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	h, err := m.Acquire(ctx, session, block, mode)
	if err != nil {
		return nil, deadlineExceededf("lock on block %d not acquired within %s", block, timeout)
	}
	return h, nil
}

// cancelWaiter marks w cancelled if it is still queued (not yet granted).
// Returns true if the cancellation took effect, false if w was granted in
// the race against the caller's deadline.
func cancelWaiter(bl *blockLock, w *waiter) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	select {
	case <-w.grant:
		return false
	default:
	}
	w.cancelled = true
	bl.dispatch()
	return true
}

func (m *LockManager) forgetHandle(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess := m.bySession[h.session]; sess != nil {
		delete(sess, h.id)
		if len(sess) == 0 {
			delete(m.bySession, h.session)
		}
	}
}

// LockID returns the identifier validate(session, block, lock_id) in
// spec.md §4.1 refers to: it is opaque and only meaningful when passed back
// to Validate.
func (h *Handle) LockID() uint64 { return h.id }

// Validate verifies that lockID is a live handle owned by session and
// scoped to block (spec.md §4.1's validate operation).
func (m *LockManager) Validate(session SessionID, block BlockID, lockID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.bySession[session][lockID]
	if !ok {
		return false
	}
	return h.block == block && atomic.LoadInt32(&h.done) == 0
}

// ReleaseSession releases every lock currently held by session, used for
// session cleanup (e.g. an RPC connection closing unexpectedly).
func (m *LockManager) ReleaseSession(session SessionID) {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.bySession[session]))
	for _, h := range m.bySession[session] {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if atomic.CompareAndSwapInt32(&h.done, 0, 1) {
			m.release(h)
		}
	}
}
