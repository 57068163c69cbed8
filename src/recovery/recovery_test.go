package recovery

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quillsql/quill/src/bufferpool"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage/page"
	"github.com/quillsql/quill/src/storage/pagefile"
	"github.com/quillsql/quill/src/txns"
	"github.com/quillsql/quill/src/wal"
)

// engine is the full storage stack over one shared in-memory fs. A
// "crash" abandons the instance and opens a fresh one over the same fs:
// everything not yet on (simulated) stable storage is gone, exactly
// like losing power.
type engine struct {
	fs    afero.Fs
	pf    *pagefile.PageFile
	wal   *wal.Wal
	pool  *bufferpool.Manager
	locks *txns.LockManager
	txns  *txns.Manager
	rec   *Manager
}

func boot(t *testing.T, fs afero.Fs, capacity uint64) (*engine, Summary) {
	t.Helper()
	log := zap.NewNop().Sugar()

	exists, err := afero.Exists(fs, "data.qdb")
	require.NoError(t, err)

	var pf *pagefile.PageFile
	if exists {
		pf, err = pagefile.Open(fs, "data.qdb", log)
	} else {
		pf, err = pagefile.Create(fs, "data.qdb", 4096, log)
	}
	require.NoError(t, err)

	w, err := wal.Open(fs, "wal", wal.Options{}, nil, log)
	require.NoError(t, err)

	pool := bufferpool.New(capacity, bufferpool.NewClockReplacer(), pf, w, nil, log)
	locks := txns.NewLockManager()
	txnMgr := txns.NewManager(w, pool, locks, nil, log)
	rec := New(pf, w, pool, txnMgr, nil, log)

	summary, err := rec.Recover()
	require.NoError(t, err)
	txnMgr.AdvancePast(summary.MaxTxnID)

	return &engine{
		fs:    fs,
		pf:    pf,
		wal:   w,
		pool:  pool,
		locks: locks,
		txns:  txnMgr,
		rec:   rec,
	}, summary
}

// crash opens a fresh engine over the same fs, leaving the old instance
// to rot unclosed.
func (e *engine) crash(t *testing.T, capacity uint64) (*engine, Summary) {
	t.Helper()
	return boot(t, e.fs, capacity)
}

func (e *engine) newPage(t *testing.T) common.PageID {
	t.Helper()

	frame, err := e.pool.AllocatePage()
	require.NoError(t, err)
	id := frame.PageID()
	e.pool.Unpin(id, true)
	require.NoError(t, e.pool.FlushPage(id))

	return id
}

func (e *engine) write(t *testing.T, txn *txns.Txn, id common.PageID, off int, data []byte) {
	t.Helper()

	frame, err := e.pool.FetchPage(id)
	require.NoError(t, err)
	require.NoError(t, txn.Write(frame, off, data))
	e.pool.Unpin(id, false)
}

// readDisk reads page content straight from the data file, bypassing
// the pool: this is what a post-crash engine would see.
func (e *engine) readDisk(t *testing.T, id common.PageID) []byte {
	t.Helper()

	buf := make([]byte, e.pf.PageSize())
	require.NoError(t, e.pf.ReadPage(id, buf))

	return page.Page(buf).Payload()
}

func (e *engine) readPooled(t *testing.T, id common.PageID) []byte {
	t.Helper()

	frame, err := e.pool.FetchPage(id)
	require.NoError(t, err)
	frame.RLock()
	out := make([]byte, len(frame.Payload()))
	copy(out, frame.Payload())
	frame.RUnlock()
	e.pool.Unpin(id, false)

	return out
}

// The headline crash scenario: T1 commits, T2 never does, no page ever
// reaches the data file before the crash. After recovery T1's effect is
// present and T2's is gone.
func TestCommittedSurvivesUncommittedRollsBack(t *testing.T) {
	e, _ := boot(t, afero.NewMemMapFs(), 8)
	p1 := e.newPage(t)
	p2 := e.newPage(t)

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, t1, p1, 0, []byte("committed money"))
	require.NoError(t, t1.Commit())

	t2, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, t2, p2, 0, []byte("doomed scribble"))
	// the background flusher made t2's records durable, its pages and
	// commit never. crash.
	require.NoError(t, e.wal.Flush(e.wal.LastLSN()))

	after, summary := e.crash(t, 8)
	assert.Positive(t, summary.RedoneRecords, "committed update had never reached the data file")
	assert.Equal(t, 1, summary.UndoneTxns)

	assert.Equal(t, []byte("committed money"), after.readDisk(t, p1)[:15])
	for _, b := range after.readDisk(t, p2)[:15] {
		assert.Zero(t, b, "uncommitted write survived the crash")
	}
}

// The write-ahead invariant, observed from the crash side: a dirty page
// evicted to disk mid-transaction carries only mutations whose records
// are durable, so the post-crash undo can always roll it back.
func TestEvictedUncommittedPageIsRolledBack(t *testing.T) {
	e, _ := boot(t, afero.NewMemMapFs(), 1)
	target := e.newPage(t)
	filler := e.newPage(t)

	txn, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, txn, target, 0, []byte{0xCA, 0xFE})

	// one-frame pool: fetching the filler evicts the dirty target,
	// forcing its update record to disk first
	_, err = e.pool.FetchPage(filler)
	require.NoError(t, err)
	e.pool.Unpin(filler, false)

	assert.Equal(t, []byte{0xCA, 0xFE}, e.readDisk(t, target)[:2],
		"eviction should have written the page")
	// crash before commit

	after, summary := e.crash(t, 8)
	assert.Equal(t, 1, summary.UndoneTxns)
	assert.Equal(t, []byte{0, 0}, after.readDisk(t, target)[:2])
}

func TestRecoveryIsIdempotent(t *testing.T) {
	e, _ := boot(t, afero.NewMemMapFs(), 8)
	p1 := e.newPage(t)

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, t1, p1, 0, []byte("written once"))
	require.NoError(t, t1.Commit())

	after, first := e.crash(t, 8)
	require.Positive(t, first.RedoneRecords)
	assert.Equal(t, []byte("written once"), after.readDisk(t, p1)[:12])

	// recovering again replays nothing: every page LSN is already
	// at or past its records
	again, second := after.crash(t, 8)
	assert.Zero(t, second.RedoneRecords)
	assert.Zero(t, second.UndoneTxns)
	assert.Equal(t, []byte("written once"), again.readDisk(t, p1)[:12])
}

func TestCheckpointBoundsReplay(t *testing.T) {
	e, _ := boot(t, afero.NewMemMapFs(), 8)
	p1 := e.newPage(t)

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, t1, p1, 0, []byte("before checkpoint"))
	require.NoError(t, t1.Commit())

	beginLSN, err := e.rec.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, beginLSN, e.pf.CheckpointLSN())

	// post-checkpoint traffic
	t2, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, t2, p1, 0, []byte("after  checkpoint"))
	require.NoError(t, t2.Commit())

	after, summary := e.crash(t, 8)
	assert.Equal(t, []byte("after  checkpoint"), after.readDisk(t, p1)[:17])
	assert.Zero(t, summary.UndoneTxns)
}

// Committed state from before a checkpoint stays correct even when the
// log below the checkpoint is gone.
func TestTruncatedLogStillRecoversCommittedState(t *testing.T) {
	fs := afero.NewMemMapFs()
	e, _ := boot(t, fs, 8)
	p1 := e.newPage(t)

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, t1, p1, 0, []byte("durable by checkpoint"))
	require.NoError(t, t1.Commit())

	_, err = e.rec.Checkpoint()
	require.NoError(t, err)

	after, _ := e.crash(t, 8)
	assert.Equal(t, []byte("durable by checkpoint"), after.readDisk(t, p1)[:21])
	assert.Equal(t, []byte("durable by checkpoint"), after.readPooled(t, p1)[:21])
}

func TestRecoverySeedsTxnIDsAboveTheLog(t *testing.T) {
	e, _ := boot(t, afero.NewMemMapFs(), 8)
	p1 := e.newPage(t)

	t1, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, t1, p1, 0, []byte("x"))
	require.NoError(t, t1.Commit())

	after, summary := e.crash(t, 8)
	require.Equal(t, t1.ID(), summary.MaxTxnID)

	fresh, err := after.txns.Begin()
	require.NoError(t, err)
	assert.Greater(t, fresh.ID(), summary.MaxTxnID)
	require.NoError(t, fresh.Abort())
}

// A crash in the middle of a rollback: some updates already compensated,
// the rest still pending. Recovery resumes at undoNextLSN and ends with
// the full before-state, never a double undo.
func TestCrashMidRollbackResumesViaCompensation(t *testing.T) {
	e, _ := boot(t, afero.NewMemMapFs(), 8)
	p1 := e.newPage(t)
	p2 := e.newPage(t)

	txn, err := e.txns.Begin()
	require.NoError(t, err)
	e.write(t, txn, p1, 0, []byte{1})
	e.write(t, txn, p2, 0, []byte{2})

	// hand-roll the first half of an abort: compensate the LATER update
	// only, flush, then "crash" before the chain walk finishes
	last, err := e.wal.ReadAt(e.wal.LastLSN())
	require.NoError(t, err)
	require.Equal(t, wal.KindUpdate, last.Kind)
	u, err := wal.DecodeUpdate(last.Payload)
	require.NoError(t, err)

	clr, err := e.wal.Append(wal.NewCompensation(txn.ID(), last.LSN, wal.CompensationPayload{
		PageID:      u.PageID,
		Offset:      u.Offset,
		Image:       u.Before,
		UndoNextLSN: last.PrevLSN,
	}))
	require.NoError(t, err)
	require.NoError(t, e.wal.Flush(clr))

	after, summary := e.crash(t, 8)
	assert.Equal(t, 1, summary.UndoneTxns)
	assert.Zero(t, after.readDisk(t, p1)[0])
	assert.Zero(t, after.readDisk(t, p2)[0])
}

func TestFreshEngineRecoversToEmpty(t *testing.T) {
	_, summary := boot(t, afero.NewMemMapFs(), 4)
	assert.Zero(t, summary.RedoneRecords)
	assert.Zero(t, summary.UndoneTxns)
	assert.Equal(t, common.NilTxnID, summary.MaxTxnID)
}
