package txns

import (
	"context"
	"sort"
	"sync"

	"github.com/quillsql/quill/src/pkg/assert"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage"
)

type LockMode uint8

const (
	LockShared LockMode = iota + 1
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockShared {
		return "shared"
	}
	return "exclusive"
}

func compatible(a, b LockMode) bool {
	return a == LockShared && b == LockShared
}

// waiter is a queued lock request. The grant channel delivers nil when
// the lock is granted, or an error when the waiter was chosen as a
// deadlock victim.
type waiter struct {
	txn   common.TxnID
	mode  LockMode
	grant chan error
}

type lockQueue struct {
	granted map[common.TxnID]LockMode
	queue   []*waiter
}

// LockManager hands out page-granular shared/exclusive locks with
// strictly FIFO queuing. Waits block on a channel, so cancellation via
// context costs nothing to the rest of the queue. Deadlocks are broken
// by a periodic waits-for-graph check, not by timeouts.
type LockManager struct {
	mu    sync.Mutex
	pages map[common.PageID]*lockQueue
	byTxn map[common.TxnID]map[common.PageID]struct{}
}

func NewLockManager() *LockManager {
	return &LockManager{
		pages: make(map[common.PageID]*lockQueue),
		byTxn: make(map[common.TxnID]map[common.PageID]struct{}),
	}
}

// Lock blocks until the transaction holds the page in the given mode.
// Re-entrant; a shared holder asking for exclusive is upgraded when it
// is the only holder and otherwise queues like any other writer.
func (lm *LockManager) Lock(
	ctx context.Context,
	txn common.TxnID,
	id common.PageID,
	mode LockMode,
) error {
	lm.mu.Lock()

	q := lm.pages[id]
	if q == nil {
		q = &lockQueue{granted: make(map[common.TxnID]LockMode)}
		lm.pages[id] = q
	}

	if held, ok := q.granted[txn]; ok {
		if held >= mode {
			lm.mu.Unlock()
			return nil
		}
		// upgrade in place when no one else shares the lock
		if len(q.granted) == 1 {
			q.granted[txn] = LockExclusive
			lm.mu.Unlock()
			return nil
		}
		// drop the shared hold and requeue for exclusive; FIFO order
		// still guarantees the upgrade happens before later requests
		delete(q.granted, txn)
	}

	if len(q.queue) == 0 && lm.grantableLocked(q, mode) {
		q.granted[txn] = mode
		lm.rememberLocked(txn, id)
		lm.mu.Unlock()
		return nil
	}

	w := &waiter{txn: txn, mode: mode, grant: make(chan error, 1)}
	q.queue = append(q.queue, w)
	lm.mu.Unlock()

	select {
	case err := <-w.grant:
		if err != nil {
			return err
		}
		lm.mu.Lock()
		lm.rememberLocked(txn, id)
		lm.mu.Unlock()
		return nil
	case <-ctx.Done():
		lm.mu.Lock()
		// the grant may have raced the cancellation
		select {
		case err := <-w.grant:
			if err == nil {
				lm.rememberLocked(txn, id)
				lm.mu.Unlock()
				return nil
			}
			lm.mu.Unlock()
			return err
		default:
		}
		lm.removeWaiterLocked(id, w)
		lm.promoteLocked(id)
		lm.mu.Unlock()
		return ctx.Err()
	}
}

func (lm *LockManager) grantableLocked(q *lockQueue, mode LockMode) bool {
	for _, held := range q.granted {
		if !compatible(held, mode) {
			return false
		}
	}
	return true
}

func (lm *LockManager) rememberLocked(txn common.TxnID, id common.PageID) {
	held := lm.byTxn[txn]
	if held == nil {
		held = make(map[common.PageID]struct{})
		lm.byTxn[txn] = held
	}
	held[id] = struct{}{}
}

func (lm *LockManager) removeWaiterLocked(id common.PageID, w *waiter) {
	q := lm.pages[id]
	if q == nil {
		return
	}
	for i, cand := range q.queue {
		if cand == w {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
}

// promoteLocked grants queued requests in FIFO order for as long as they
// are compatible with the granted set.
func (lm *LockManager) promoteLocked(id common.PageID) {
	q := lm.pages[id]
	if q == nil {
		return
	}

	for len(q.queue) > 0 {
		head := q.queue[0]
		if !lm.grantableLocked(q, head.mode) {
			return
		}

		q.granted[head.txn] = head.mode
		q.queue = q.queue[1:]
		head.grant <- nil
	}
}

// UnlockAll releases every lock the transaction holds. Called exactly
// once, at commit or abort.
func (lm *LockManager) UnlockAll(txn common.TxnID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for id := range lm.byTxn[txn] {
		q := lm.pages[id]
		assert.Assert(q != nil, "held page %d has no lock queue", id)

		delete(q.granted, txn)
		lm.promoteLocked(id)
		if len(q.granted) == 0 && len(q.queue) == 0 {
			delete(lm.pages, id)
		}
	}

	delete(lm.byTxn, txn)
}

// ResolveDeadlocks builds the waits-for graph (waiter -> every current
// holder of the page it wants) and aborts one victim per cycle by
// failing its pending request with storage.ErrDeadlock. The youngest
// transaction in the cycle dies: it has done the least work.
func (lm *LockManager) ResolveDeadlocks() []common.TxnID {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var victims []common.TxnID
	for {
		cycle := lm.findCycleLocked()
		if len(cycle) == 0 {
			return victims
		}

		victim := cycle[0]
		for _, txn := range cycle[1:] {
			if txn > victim {
				victim = txn
			}
		}
		victims = append(victims, victim)
		lm.failWaiterLocked(victim)
	}
}

func (lm *LockManager) waitsForLocked() map[common.TxnID][]common.TxnID {
	graph := make(map[common.TxnID][]common.TxnID)
	for _, q := range lm.pages {
		for _, w := range q.queue {
			for holder := range q.granted {
				if holder != w.txn {
					graph[w.txn] = append(graph[w.txn], holder)
				}
			}
		}
	}

	return graph
}

func (lm *LockManager) findCycleLocked() []common.TxnID {
	graph := lm.waitsForLocked()

	starts := make([]common.TxnID, 0, len(graph))
	for txn := range graph {
		starts = append(starts, txn)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[common.TxnID]int)

	var stack []common.TxnID
	var dfs func(txn common.TxnID) []common.TxnID
	dfs = func(txn common.TxnID) []common.TxnID {
		color[txn] = gray
		stack = append(stack, txn)

		for _, next := range graph[txn] {
			switch color[next] {
			case white:
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			case gray:
				// unwind the stack back to next: that's the cycle
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						return append([]common.TxnID(nil), stack[i:]...)
					}
				}
				assert.Assert(false, "gray node %d missing from the DFS stack", next)
			}
		}

		color[txn] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, txn := range starts {
		if color[txn] == white {
			if cycle := dfs(txn); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

// failWaiterLocked aborts every pending request of the victim.
func (lm *LockManager) failWaiterLocked(victim common.TxnID) {
	for id, q := range lm.pages {
		remaining := q.queue[:0]
		for _, w := range q.queue {
			if w.txn == victim {
				w.grant <- storage.ErrDeadlock
				continue
			}
			remaining = append(remaining, w)
		}
		q.queue = remaining
		lm.promoteLocked(id)
	}
}

// ActiveLockers lists transactions currently holding at least one lock.
func (lm *LockManager) ActiveLockers() []common.TxnID {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	res := make([]common.TxnID, 0, len(lm.byTxn))
	for txn := range lm.byTxn {
		res = append(res, txn)
	}

	return res
}

// AllQueuesEmpty reports whether no request is waiting anywhere.
func (lm *LockManager) AllQueuesEmpty() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, q := range lm.pages {
		if len(q.queue) > 0 {
			return false
		}
	}

	return true
}
