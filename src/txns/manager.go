// Package txns provides the transaction boundary over the buffer pool
// and the write-ahead log: begin/commit/abort, logged page writes with
// before/after images, page locks, and runtime rollback via compensation
// records.
package txns

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quillsql/quill/src/bufferpool"
	"github.com/quillsql/quill/src/pkg/assert"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/pkg/metrics"
	"github.com/quillsql/quill/src/storage"
	"github.com/quillsql/quill/src/wal"
)

// Manager hands out transactions and keeps the active transaction table
// consumed by checkpoints.
type Manager struct {
	wal   *wal.Wal
	pool  *bufferpool.Manager
	locks *LockManager

	met *metrics.Metrics
	log *zap.SugaredLogger

	mu      sync.Mutex
	nextTxn common.TxnID
	active  map[common.TxnID]*Txn
}

var _ common.ActiveTxnTable = &Manager{}

func NewManager(
	w *wal.Wal,
	pool *bufferpool.Manager,
	locks *LockManager,
	met *metrics.Metrics,
	log *zap.SugaredLogger,
) *Manager {
	return &Manager{
		wal:     w,
		pool:    pool,
		locks:   locks,
		met:     met,
		log:     log,
		nextTxn: 1,
		active:  make(map[common.TxnID]*Txn),
	}
}

// AdvancePast raises the TxnID floor so that IDs seen in the recovered
// log are never reissued.
func (m *Manager) AdvancePast(id common.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id >= m.nextTxn {
		m.nextTxn = id + 1
	}
}

// Begin starts a transaction and logs its begin record.
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	id := m.nextTxn
	m.nextTxn++
	m.mu.Unlock()

	lsn, err := m.wal.Append(wal.NewBegin(id))
	if err != nil {
		return nil, err
	}

	t := &Txn{m: m, id: id, beginLSN: lsn, lastLSN: lsn}

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()

	if m.met != nil {
		m.met.TxnsBegun.Inc()
	}

	return t, nil
}

// ActiveSnapshot is the active transaction table: txn id -> last LSN of
// its log chain.
func (m *Manager) ActiveSnapshot() map[common.TxnID]common.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[common.TxnID]common.LSN, len(m.active))
	for id, t := range m.active {
		snapshot[id] = t.chainTail()
	}

	return snapshot
}

// OldestBeginLSN is the earliest LSN any active transaction may still
// need for rollback. Log truncation must never pass it.
func (m *Manager) OldestBeginLSN() common.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := common.NilLSN
	for _, t := range m.active {
		if oldest.IsNil() || t.beginLSN < oldest {
			oldest = t.beginLSN
		}
	}

	return oldest
}

func (m *Manager) finish(t *Txn) {
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()

	m.locks.UnlockAll(t.id)
}

// Txn is a single transaction. Not safe for concurrent use by multiple
// goroutines; concurrency happens across transactions.
type Txn struct {
	m *Manager

	id       common.TxnID
	beginLSN common.LSN

	mu      sync.Mutex
	lastLSN common.LSN
	done    bool
}

func (t *Txn) ID() common.TxnID {
	return t.id
}

func (t *Txn) chainTail() common.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastLSN
}

// LockShared blocks until the page is readable by this transaction.
func (t *Txn) LockShared(ctx context.Context, id common.PageID) error {
	return t.m.locks.Lock(ctx, t.id, id, LockShared)
}

// LockExclusive blocks until the page is writable by this transaction.
func (t *Txn) LockExclusive(ctx context.Context, id common.PageID) error {
	return t.m.locks.Lock(ctx, t.id, id, LockExclusive)
}

// Write applies a logged mutation to a contiguous range of the frame's
// payload. The caller holds a pin (and, under locking, the exclusive
// page lock); the frame latch and the dirty marking are handled here.
// The page LSN is stamped with the update's LSN before the latch drops,
// so the write-ahead check always sees it. The dirty marking happens
// after the latch drops: the pool takes its mutex and then frame
// latches, so calling into it while latched would invert that order
// against a concurrent flush.
func (t *Txn) Write(frame *bufferpool.Frame, off int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return fmt.Errorf("%w: txn %d", storage.ErrTxnFinished, t.id)
	}

	frame.Lock()

	payload := frame.Payload()
	if off < 0 || off+len(data) > len(payload) {
		frame.Unlock()
		return fmt.Errorf(
			"write of %d bytes at offset %d does not fit the page payload (%d bytes)",
			len(data), off, len(payload),
		)
	}

	before := make([]byte, len(data))
	copy(before, payload[off:])
	after := make([]byte, len(data))
	copy(after, data)

	lsn, err := t.m.wal.Append(wal.NewUpdate(t.id, t.lastLSN, wal.UpdatePayload{
		PageID: frame.PageID(),
		Offset: uint32(off),
		Before: before,
		After:  after,
	}))
	if err != nil {
		frame.Unlock()
		return err
	}

	copy(payload[off:], data)
	frame.SetPageLSN(lsn)
	frame.Unlock()

	// the frame stays pinned, so it cannot be evicted in the window
	// before the dirty table learns about the write
	t.m.pool.MarkDirty(frame.PageID(), lsn)
	t.lastLSN = lsn

	return nil
}

// Commit makes the transaction durable. The commit record is flushed
// before Commit returns: an acknowledged commit survives any crash.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return fmt.Errorf("%w: txn %d", storage.ErrTxnFinished, t.id)
	}

	commitLSN, err := t.m.wal.Append(wal.NewCommit(t.id, t.lastLSN))
	if err != nil {
		return err
	}
	if err := t.m.wal.Flush(commitLSN); err != nil {
		return fmt.Errorf("commit of txn %d not durable: %w", t.id, err)
	}

	endLSN, err := t.m.wal.Append(wal.NewTxnEnd(t.id, commitLSN))
	if err != nil {
		return err
	}

	t.lastLSN = endLSN
	t.done = true
	t.m.finish(t)

	if t.m.met != nil {
		t.m.met.TxnsCommitted.Inc()
	}

	return nil
}

// Abort rolls the transaction back: every update is compensated in
// reverse order, restoring the before-images through the pool, then the
// transaction ends. Safe to call after a failed operation.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return fmt.Errorf("%w: txn %d", storage.ErrTxnFinished, t.id)
	}

	tail, err := t.m.wal.Append(wal.NewAbort(t.id, t.lastLSN))
	if err != nil {
		return err
	}

	cur := t.lastLSN
	for !cur.IsNil() {
		rec, err := t.m.wal.ReadAt(cur)
		if err != nil {
			return fmt.Errorf("rollback of txn %d: %w", t.id, err)
		}
		assert.Assert(rec.TxnID == t.id,
			"rollback of txn %d walked into txn %d at LSN %d", t.id, rec.TxnID, cur)

		switch rec.Kind {
		case wal.KindUpdate:
			u, err := wal.DecodeUpdate(rec.Payload)
			if err != nil {
				return fmt.Errorf("rollback of txn %d: %w", t.id, err)
			}

			tail, err = t.compensate(tail, u, rec.PrevLSN)
			if err != nil {
				return err
			}
			cur = rec.PrevLSN
		case wal.KindCompensation:
			c, err := wal.DecodeCompensation(rec.Payload)
			if err != nil {
				return fmt.Errorf("rollback of txn %d: %w", t.id, err)
			}
			cur = c.UndoNextLSN
		case wal.KindBegin:
			cur = common.NilLSN
		default:
			cur = rec.PrevLSN
		}
	}

	endLSN, err := t.m.wal.Append(wal.NewTxnEnd(t.id, tail))
	if err != nil {
		return err
	}
	if err := t.m.wal.Flush(endLSN); err != nil {
		return err
	}

	t.lastLSN = endLSN
	t.done = true
	t.m.finish(t)

	if t.m.met != nil {
		t.m.met.TxnsAborted.Inc()
	}

	return nil
}

// compensate undoes one update: a redo-only compensation record is
// logged, then the before-image is applied through the pool. undoNext is
// the undone record's PrevLSN, so a crash mid-rollback resumes where
// this rollback stopped instead of undoing twice.
func (t *Txn) compensate(
	tail common.LSN,
	u wal.UpdatePayload,
	undoNext common.LSN,
) (common.LSN, error) {
	clrLSN, err := t.m.wal.Append(wal.NewCompensation(t.id, tail, wal.CompensationPayload{
		PageID:      u.PageID,
		Offset:      u.Offset,
		Image:       u.Before,
		UndoNextLSN: undoNext,
	}))
	if err != nil {
		return tail, err
	}

	frame, err := t.m.pool.FetchPage(u.PageID)
	if err != nil {
		return tail, fmt.Errorf("rollback of txn %d, page %d: %w", t.id, u.PageID, err)
	}

	frame.Lock()
	copy(frame.Payload()[u.Offset:], u.Before)
	frame.SetPageLSN(clrLSN)
	frame.Unlock()

	t.m.pool.MarkDirty(u.PageID, clrLSN)
	t.m.pool.Unpin(u.PageID, false)

	return clrLSN, nil
}
