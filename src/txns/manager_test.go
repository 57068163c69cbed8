package txns

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quillsql/quill/src/bufferpool"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage"
	"github.com/quillsql/quill/src/storage/pagefile"
	"github.com/quillsql/quill/src/wal"
)

type testEngine struct {
	pf    *pagefile.PageFile
	wal   *wal.Wal
	pool  *bufferpool.DebugManager
	locks *LockManager
	txns  *Manager
}

func newTestEngine(t *testing.T, capacity uint64) *testEngine {
	t.Helper()

	fs := afero.NewMemMapFs()
	log := zap.NewNop().Sugar()

	pf, err := pagefile.Create(fs, "data.qdb", 4096, log)
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })

	w, err := wal.Open(fs, "wal", wal.Options{}, nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	pool := bufferpool.NewDebugManager(bufferpool.New(
		capacity, bufferpool.NewClockReplacer(), pf, w, nil, log,
	))
	t.Cleanup(func() {
		assert.NoError(t, pool.EnsureAllPagesUnpinned())
	})

	locks := NewLockManager()
	t.Cleanup(func() {
		assert.Empty(t, locks.ActiveLockers())
		assert.True(t, locks.AllQueuesEmpty())
	})

	return &testEngine{
		pf:    pf,
		wal:   w,
		pool:  pool,
		locks: locks,
		txns:  NewManager(w, pool.Manager, locks, nil, log),
	}
}

func (e *testEngine) newPage(t *testing.T) common.PageID {
	t.Helper()

	frame, err := e.pool.AllocatePage()
	require.NoError(t, err)
	id := frame.PageID()
	e.pool.Unpin(id, true)

	return id
}

func TestCommitIsDurableBeforeReturning(t *testing.T) {
	e := newTestEngine(t, 8)
	pageID := e.newPage(t)

	txn, err := e.txns.Begin()
	require.NoError(t, err)

	frame, err := e.pool.FetchPage(pageID)
	require.NoError(t, err)
	require.NoError(t, txn.Write(frame, 0, []byte("hello")))
	e.pool.Unpin(pageID, false)

	require.NoError(t, txn.Commit())

	// every record of the transaction, commit included, is durable
	it := e.wal.ReadFrom(1)
	defer it.Close()

	var kinds []wal.RecordKind
	for it.Next() {
		if it.Record().TxnID == txn.ID() {
			kinds = append(kinds, it.Record().Kind)
		}
	}
	require.NoError(t, it.Err())
	assert.Contains(t, kinds, wal.KindBegin)
	assert.Contains(t, kinds, wal.KindUpdate)
	assert.Contains(t, kinds, wal.KindCommit)
}

func TestFinishedTxnRefusesFurtherWork(t *testing.T) {
	e := newTestEngine(t, 8)
	pageID := e.newPage(t)

	txn, err := e.txns.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	frame, err := e.pool.FetchPage(pageID)
	require.NoError(t, err)
	defer e.pool.Unpin(pageID, false)

	assert.ErrorIs(t, txn.Write(frame, 0, []byte("x")), storage.ErrTxnFinished)
	assert.ErrorIs(t, txn.Commit(), storage.ErrTxnFinished)
	assert.ErrorIs(t, txn.Abort(), storage.ErrTxnFinished)
}

func TestAbortRestoresBeforeImages(t *testing.T) {
	e := newTestEngine(t, 8)
	pageID := e.newPage(t)

	// committed baseline
	setup, err := e.txns.Begin()
	require.NoError(t, err)
	frame, err := e.pool.FetchPage(pageID)
	require.NoError(t, err)
	require.NoError(t, setup.Write(frame, 0, []byte("baseline")))
	e.pool.Unpin(pageID, false)
	require.NoError(t, setup.Commit())

	// a transaction scribbles over it twice, then aborts
	txn, err := e.txns.Begin()
	require.NoError(t, err)
	frame, err = e.pool.FetchPage(pageID)
	require.NoError(t, err)
	require.NoError(t, txn.Write(frame, 0, []byte("garbage1")))
	require.NoError(t, txn.Write(frame, 4, []byte("even more garbage")))
	e.pool.Unpin(pageID, false)
	require.NoError(t, txn.Abort())

	frame, err = e.pool.FetchPage(pageID)
	require.NoError(t, err)
	frame.RLock()
	assert.Equal(t, []byte("baseline"), frame.Payload()[:8])
	frame.RUnlock()
	e.pool.Unpin(pageID, false)
}

func TestAbortAfterEvictionReadsLogFromDisk(t *testing.T) {
	// pool of one frame: the dirtied page is evicted (and its log
	// records flushed) before the abort walks the chain
	e := newTestEngine(t, 1)
	pageID := e.newPage(t)
	otherID := e.newPage(t)

	txn, err := e.txns.Begin()
	require.NoError(t, err)

	frame, err := e.pool.FetchPage(pageID)
	require.NoError(t, err)
	require.NoError(t, txn.Write(frame, 0, []byte{0xAA, 0xBB}))
	e.pool.Unpin(pageID, false)

	// force the eviction
	other, err := e.pool.FetchPage(otherID)
	require.NoError(t, err)
	e.pool.Unpin(other.PageID(), false)

	require.NoError(t, txn.Abort())

	frame, err = e.pool.FetchPage(pageID)
	require.NoError(t, err)
	frame.RLock()
	assert.Equal(t, []byte{0, 0}, frame.Payload()[:2])
	frame.RUnlock()
	e.pool.Unpin(pageID, false)
}

func TestWritesDoNotWedgeAgainstFlushAll(t *testing.T) {
	// a writer stamps its frame while the checkpoint path flushes the
	// whole pool; the pool takes its mutex before frame latches, so the
	// writer must never call into the pool while latched. The two loops
	// have to interleave, never wedge.
	e := newTestEngine(t, 8)

	ids := make([]common.PageID, 4)
	for i := range ids {
		ids[i] = e.newPage(t)
	}
	require.NoError(t, e.pool.FlushAll())

	stop := make(chan struct{})
	var flusher sync.WaitGroup
	flusher.Add(1)
	go func() {
		defer flusher.Done()
		for {
			select {
			case <-stop:
				return
			default:
				assert.NoError(t, e.pool.FlushAll())
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			txn, err := e.txns.Begin()
			if !assert.NoError(t, err) {
				return
			}

			id := ids[i%len(ids)]
			frame, err := e.pool.FetchPage(id)
			if !assert.NoError(t, err) {
				return
			}
			writeErr := txn.Write(frame, 0, []byte{byte(i)})
			e.pool.Unpin(id, false)

			if !assert.NoError(t, writeErr) || !assert.NoError(t, txn.Commit()) {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("writer wedged against a concurrent pool flush")
	}

	close(stop)
	flusher.Wait()
}

func TestLocksReleasedOnCommitAndAbort(t *testing.T) {
	e := newTestEngine(t, 8)
	pageID := e.newPage(t)
	ctx := context.Background()

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	require.NoError(t, t1.LockExclusive(ctx, pageID))
	require.NoError(t, t1.Commit())

	t2, err := e.txns.Begin()
	require.NoError(t, err)
	require.NoError(t, t2.LockExclusive(ctx, pageID))
	require.NoError(t, t2.Abort())

	t3, err := e.txns.Begin()
	require.NoError(t, err)
	require.NoError(t, t3.LockExclusive(ctx, pageID))
	require.NoError(t, t3.Commit())
}

func TestLockConflictBlocksUntilRelease(t *testing.T) {
	e := newTestEngine(t, 8)
	pageID := e.newPage(t)
	ctx := context.Background()

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	require.NoError(t, t1.LockExclusive(ctx, pageID))

	acquired := make(chan struct{})
	t2, err := e.txns.Begin()
	require.NoError(t, err)
	go func() {
		if err := t2.LockShared(ctx, pageID); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("shared lock granted while exclusive was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, t1.Commit())

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("shared lock not granted after the holder committed")
	}

	require.NoError(t, t2.Commit())
}

func TestLockWaitHonorsContextCancellation(t *testing.T) {
	e := newTestEngine(t, 8)
	pageID := e.newPage(t)

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	require.NoError(t, t1.LockExclusive(context.Background(), pageID))

	t2, err := e.txns.Begin()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, t2.LockExclusive(ctx, pageID), context.DeadlineExceeded)

	require.NoError(t, t1.Commit())
	require.NoError(t, t2.Abort())
}

func TestDeadlockDetectionPicksAVictim(t *testing.T) {
	e := newTestEngine(t, 8)
	pageA := e.newPage(t)
	pageB := e.newPage(t)
	ctx := context.Background()

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	t2, err := e.txns.Begin()
	require.NoError(t, err)

	require.NoError(t, t1.LockExclusive(ctx, pageA))
	require.NoError(t, t2.LockExclusive(ctx, pageB))

	// crossed requests: t1 wants B, t2 wants A
	t1Err := make(chan error, 1)
	t2Err := make(chan error, 1)
	go func() { t1Err <- t1.LockExclusive(ctx, pageB) }()
	go func() { t2Err <- t2.LockExclusive(ctx, pageA) }()

	// let both park, then break the cycle; the youngest dies
	var victims []common.TxnID
	require.Eventually(t, func() bool {
		victims = e.locks.ResolveDeadlocks()
		return len(victims) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []common.TxnID{t2.ID()}, victims)

	assert.ErrorIs(t, <-t2Err, storage.ErrDeadlock)
	require.NoError(t, t2.Abort())

	// the survivor's request is granted once the victim's locks drop
	require.NoError(t, <-t1Err)
	require.NoError(t, t1.Commit())
}

// Concurrent transfers between accounts spread across pages. Total money
// is conserved regardless of aborts, retries and deadlock victims.
func TestConcurrentTransfersConserveTotal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	const (
		accounts     = 16
		poolCapacity = 4
		transfers    = 1500
		workers      = 8
		startBalance = uint64(100)
	)

	e := newTestEngine(t, poolCapacity)
	ctx := context.Background()

	pages := make([]common.PageID, accounts)
	for i := range pages {
		pages[i] = e.newPage(t)
	}

	// deposit the opening balances
	setup, err := e.txns.Begin()
	require.NoError(t, err)
	var amount [8]byte
	binary.LittleEndian.PutUint64(amount[:], startBalance)
	for _, id := range pages {
		frame, err := e.pool.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, setup.Write(frame, 0, amount[:]))
		e.pool.Unpin(id, false)
	}
	require.NoError(t, setup.Commit())

	stopDetector := make(chan struct{})
	var detector sync.WaitGroup
	detector.Add(1)
	go func() {
		defer detector.Done()
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopDetector:
				return
			case <-ticker.C:
				e.locks.ResolveDeadlocks()
			}
		}
	}()

	readBalance := func(txn *Txn, id common.PageID) (uint64, error) {
		frame, err := e.pool.FetchPage(id)
		if err != nil {
			return 0, err
		}
		frame.RLock()
		v := binary.LittleEndian.Uint64(frame.Payload()[:8])
		frame.RUnlock()
		e.pool.Unpin(id, false)
		return v, nil
	}

	writeBalance := func(txn *Txn, id common.PageID, v uint64) error {
		frame, err := e.pool.FetchPage(id)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		err = txn.Write(frame, 0, buf[:])
		e.pool.Unpin(id, false)
		return err
	}

	transfer := func() bool {
		from := pages[rand.Intn(accounts)]
		to := pages[rand.Intn(accounts)]
		if from == to {
			return true
		}

		txn, err := e.txns.Begin()
		require.NoError(t, err)

		abort := func() bool {
			require.NoError(t, txn.Abort())
			return false
		}

		// lock in a fixed order to keep most pairs deadlock-free; the
		// detector mops up the rest
		first, second := from, to
		if second < first {
			first, second = second, first
		}
		if err := txn.LockExclusive(ctx, first); err != nil {
			return abort()
		}
		if err := txn.LockExclusive(ctx, second); err != nil {
			return abort()
		}

		fromBalance, err := readBalance(txn, from)
		if err != nil {
			return abort()
		}
		if fromBalance == 0 {
			return abort()
		}
		toBalance, err := readBalance(txn, to)
		if err != nil {
			return abort()
		}

		moved := uint64(rand.Intn(int(fromBalance))) + 1
		if err := writeBalance(txn, from, fromBalance-moved); err != nil {
			return abort()
		}
		if err := writeBalance(txn, to, toBalance+moved); err != nil {
			return abort()
		}

		require.NoError(t, txn.Commit())
		return true
	}

	workerPool, err := ants.NewPool(workers)
	require.NoError(t, err)
	defer workerPool.Release()

	var wg sync.WaitGroup
	var committed atomic.Uint64
	for i := 0; i < transfers; i++ {
		wg.Add(1)
		require.NoError(t, workerPool.Submit(func() {
			defer wg.Done()
			if transfer() {
				committed.Add(1)
			}
		}))
	}
	wg.Wait()

	close(stopDetector)
	detector.Wait()

	assert.Greater(t, committed.Load(), uint64(0))

	audit, err := e.txns.Begin()
	require.NoError(t, err)
	total := uint64(0)
	for _, id := range pages {
		v, err := readBalance(audit, id)
		require.NoError(t, err)
		total += v
	}
	require.NoError(t, audit.Commit())

	assert.Equal(t, startBalance*accounts, total)
}
