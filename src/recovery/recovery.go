// Package recovery restores the engine to its last durable, consistent
// state after a crash and drives checkpointing during normal operation.
// The protocol is ARIES-shaped: analysis reconstructs the dirty page
// table and the active transaction table from the log, redo re-applies
// logged mutations idempotently, undo rolls back the losers with
// compensation records.
package recovery

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quillsql/quill/src/bufferpool"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/pkg/metrics"
	"github.com/quillsql/quill/src/storage"
	"github.com/quillsql/quill/src/storage/page"
	"github.com/quillsql/quill/src/storage/pagefile"
	"github.com/quillsql/quill/src/wal"
)

// Manager owns startup recovery and checkpoints. During replay it
// applies log images directly through the page file, bypassing the
// normal logging path; it is the only component allowed to do that.
type Manager struct {
	pf   *pagefile.PageFile
	wal  *wal.Wal
	pool *bufferpool.Manager
	att  common.ActiveTxnTable

	met *metrics.Metrics
	log *zap.SugaredLogger
}

func New(
	pf *pagefile.PageFile,
	w *wal.Wal,
	pool *bufferpool.Manager,
	att common.ActiveTxnTable,
	met *metrics.Metrics,
	log *zap.SugaredLogger,
) *Manager {
	return &Manager{
		pf:   pf,
		wal:  w,
		pool: pool,
		att:  att,
		met:  met,
		log:  log,
	}
}

// Summary reports what recovery found and did.
type Summary struct {
	// MaxTxnID is the highest transaction id seen in the log; new ids
	// must start above it.
	MaxTxnID common.TxnID

	RedoneRecords int
	UndoneTxns    int
}

type txnStatus uint8

const (
	statusActive txnStatus = iota
	statusCommitted
)

type attEntry struct {
	lastLSN common.LSN
	status  txnStatus
}

// Recover runs the three phases and must complete before any
// caller-visible operation. Every failure wraps ErrRecoveryFailed: the
// engine refuses to come online over inconsistent data.
func (m *Manager) Recover() (Summary, error) {
	start := m.pf.CheckpointLSN()
	if start.IsNil() {
		start = 1
	}

	att, dpt, summary, err := m.analyze(start)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: analysis from LSN %d: %w", storage.ErrRecoveryFailed, start, err)
	}

	redone, err := m.redo(dpt)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: redo: %w", storage.ErrRecoveryFailed, err)
	}
	summary.RedoneRecords = redone

	undone, err := m.undo(att)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: undo: %w", storage.ErrRecoveryFailed, err)
	}
	summary.UndoneTxns = undone

	m.log.Infow("recovery complete",
		"scanStart", start,
		"redoneRecords", summary.RedoneRecords,
		"undoneTxns", summary.UndoneTxns,
		"maxTxnID", summary.MaxTxnID,
	)

	return summary, nil
}

// analyze scans forward from the last checkpoint, folding in the
// checkpoint-end snapshot and refining it with everything after.
func (m *Manager) analyze(
	start common.LSN,
) (map[common.TxnID]*attEntry, map[common.PageID]common.LSN, Summary, error) {
	att := make(map[common.TxnID]*attEntry)
	dpt := make(map[common.PageID]common.LSN)
	var summary Summary

	touch := func(txn common.TxnID, lsn common.LSN) *attEntry {
		if txn > summary.MaxTxnID {
			summary.MaxTxnID = txn
		}
		e, ok := att[txn]
		if !ok {
			e = &attEntry{}
			att[txn] = e
		}
		e.lastLSN = lsn
		return e
	}
	dirty := func(id common.PageID, lsn common.LSN) {
		if _, ok := dpt[id]; !ok {
			dpt[id] = lsn
		}
	}

	it := m.wal.ReadFrom(start)
	defer it.Close()

	for it.Next() {
		rec := it.Record()

		switch rec.Kind {
		case wal.KindBegin:
			touch(rec.TxnID, rec.LSN)
		case wal.KindUpdate:
			u, err := wal.DecodeUpdate(rec.Payload)
			if err != nil {
				return nil, nil, summary, err
			}
			touch(rec.TxnID, rec.LSN)
			dirty(u.PageID, rec.LSN)
		case wal.KindCompensation:
			c, err := wal.DecodeCompensation(rec.Payload)
			if err != nil {
				return nil, nil, summary, err
			}
			touch(rec.TxnID, rec.LSN)
			dirty(c.PageID, rec.LSN)
		case wal.KindCommit:
			touch(rec.TxnID, rec.LSN).status = statusCommitted
		case wal.KindAbort:
			touch(rec.TxnID, rec.LSN)
		case wal.KindTxnEnd:
			if rec.TxnID > summary.MaxTxnID {
				summary.MaxTxnID = rec.TxnID
			}
			delete(att, rec.TxnID)
		case wal.KindCheckpointBegin:
			// the matching end carries the state
		case wal.KindCheckpointEnd:
			snap, err := wal.DecodeCheckpointEnd(rec.Payload)
			if err != nil {
				return nil, nil, summary, err
			}
			for txn, lastLSN := range snap.ActiveTxns {
				if _, ok := att[txn]; !ok {
					touch(txn, lastLSN)
				}
			}
			for id, recLSN := range snap.DirtyPages {
				dirty(id, recLSN)
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, nil, summary, err
	}

	return att, dpt, summary, nil
}

// redo replays logged images for potentially-inconsistent pages, in LSN
// order, starting at the oldest recLSN. Replay is idempotent: a page
// whose stored LSN is already at or past the record's LSN is untouched,
// so redoing twice equals redoing once.
func (m *Manager) redo(dpt map[common.PageID]common.LSN) (int, error) {
	if len(dpt) == 0 {
		return 0, nil
	}

	scanFrom := common.MaxLSN
	for _, recLSN := range dpt {
		if recLSN < scanFrom {
			scanFrom = recLSN
		}
	}

	buf := make([]byte, m.pf.PageSize())
	redone := 0

	it := m.wal.ReadFrom(scanFrom)
	defer it.Close()

	for it.Next() {
		rec := it.Record()

		var id common.PageID
		var offset uint32
		var image []byte

		switch rec.Kind {
		case wal.KindUpdate:
			u, err := wal.DecodeUpdate(rec.Payload)
			if err != nil {
				return redone, err
			}
			id, offset, image = u.PageID, u.Offset, u.After
		case wal.KindCompensation:
			c, err := wal.DecodeCompensation(rec.Payload)
			if err != nil {
				return redone, err
			}
			id, offset, image = c.PageID, c.Offset, c.Image
		default:
			continue
		}

		recLSN, tracked := dpt[id]
		if !tracked || rec.LSN < recLSN {
			continue
		}

		applied, err := m.applyImage(buf, id, rec.LSN, offset, image)
		if err != nil {
			return redone, err
		}
		if applied {
			redone++
			if m.met != nil {
				m.met.RecoveryRedone.Inc()
			}
		}
	}

	return redone, it.Err()
}

// applyImage writes one logged image into a page unless the page is
// already at or past lsn. A page freed since the record was written is
// skipped: its content no longer matters.
func (m *Manager) applyImage(
	buf []byte,
	id common.PageID,
	lsn common.LSN,
	offset uint32,
	image []byte,
) (bool, error) {
	err := m.pf.ReadPage(id, buf)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrInvalidPageID):
		return false, nil
	default:
		return false, fmt.Errorf("page %d needed for replay: %w", id, err)
	}

	p := page.Page(buf)
	if p.LSN() >= lsn {
		return false, nil
	}

	payload := p.Payload()
	if int(offset)+len(image) > len(payload) {
		return false, fmt.Errorf(
			"%w: logged image for page %d overflows the payload: offset %d, image %d bytes",
			storage.ErrCorrupted, id, offset, len(image),
		)
	}

	copy(payload[offset:], image)
	p.SetLSN(lsn)
	if err := m.pf.WritePage(id, buf); err != nil {
		return false, fmt.Errorf("replay write of page %d: %w", id, err)
	}

	return true, nil
}

// undo rolls back every transaction that neither committed nor ended,
// walking each chain backwards and logging compensation records, so a
// crash during undo never undoes twice.
func (m *Manager) undo(att map[common.TxnID]*attEntry) (int, error) {
	buf := make([]byte, m.pf.PageSize())
	undone := 0

	for txn, entry := range att {
		if entry.status == statusCommitted {
			// committed but missing its txn-end: close it out
			if _, err := m.wal.Append(wal.NewTxnEnd(txn, entry.lastLSN)); err != nil {
				return undone, err
			}
			continue
		}

		tail := entry.lastLSN
		cur := entry.lastLSN
		for !cur.IsNil() {
			rec, err := m.wal.ReadAt(cur)
			if err != nil {
				return undone, fmt.Errorf("undo of txn %d at LSN %d: %w", txn, cur, err)
			}

			switch rec.Kind {
			case wal.KindUpdate:
				u, err := wal.DecodeUpdate(rec.Payload)
				if err != nil {
					return undone, err
				}

				clrLSN, err := m.wal.Append(wal.NewCompensation(txn, tail, wal.CompensationPayload{
					PageID:      u.PageID,
					Offset:      u.Offset,
					Image:       u.Before,
					UndoNextLSN: rec.PrevLSN,
				}))
				if err != nil {
					return undone, err
				}
				// the compensation record must be durable before the
				// page write it covers
				if err := m.wal.Flush(clrLSN); err != nil {
					return undone, err
				}

				if _, err := m.applyImage(buf, u.PageID, clrLSN, u.Offset, u.Before); err != nil {
					return undone, err
				}

				if m.met != nil {
					m.met.RecoveryUndone.Inc()
				}
				tail = clrLSN
				cur = rec.PrevLSN
			case wal.KindCompensation:
				c, err := wal.DecodeCompensation(rec.Payload)
				if err != nil {
					return undone, err
				}
				cur = c.UndoNextLSN
			case wal.KindBegin:
				cur = common.NilLSN
			default:
				cur = rec.PrevLSN
			}
		}

		endLSN, err := m.wal.Append(wal.NewTxnEnd(txn, tail))
		if err != nil {
			return undone, err
		}
		if err := m.wal.Flush(endLSN); err != nil {
			return undone, err
		}

		undone++
	}

	return undone, nil
}

// Checkpoint bounds future recovery: it brackets a full flush of the
// pool between begin/end marker records, snapshots the active
// transaction table and the dirty page table into the end record,
// advances the header's checkpoint pointer and truncates cold log
// segments. Fuzzy: normal traffic keeps running while it works.
func (m *Manager) Checkpoint() (common.LSN, error) {
	started := time.Now()

	beginLSN, err := m.wal.Append(wal.NewCheckpointBegin())
	if err != nil {
		return common.NilLSN, err
	}
	if err := m.wal.Flush(beginLSN); err != nil {
		return common.NilLSN, err
	}

	if err := m.pool.FlushAll(); err != nil {
		return common.NilLSN, fmt.Errorf("checkpoint flush: %w", err)
	}

	snapshot := wal.CheckpointEndPayload{
		ActiveTxns: m.att.ActiveSnapshot(),
		DirtyPages: m.pool.DirtyPageTable(),
	}
	endLSN, err := m.wal.Append(wal.NewCheckpointEnd(snapshot))
	if err != nil {
		return common.NilLSN, err
	}
	if err := m.wal.Flush(endLSN); err != nil {
		return common.NilLSN, err
	}

	if err := m.pf.SetCheckpointLSN(beginLSN); err != nil {
		return common.NilLSN, err
	}

	// records below every horizon are dead weight: nothing redoes them
	// (DPT), nothing rolls back over them (ATT), nothing scans them
	// (checkpoint pointer)
	cutoff := beginLSN
	for _, recLSN := range snapshot.DirtyPages {
		if recLSN < cutoff {
			cutoff = recLSN
		}
	}
	if oldest := m.att.OldestBeginLSN(); !oldest.IsNil() && oldest < cutoff {
		cutoff = oldest
	}
	if err := m.wal.Truncate(cutoff); err != nil {
		return common.NilLSN, err
	}

	if m.met != nil {
		m.met.CheckpointDuration.Observe(time.Since(started).Seconds())
	}
	m.log.Infow("checkpoint complete",
		"beginLSN", beginLSN,
		"activeTxns", len(snapshot.ActiveTxns),
		"dirtyPages", len(snapshot.DirtyPages),
		"took", time.Since(started),
	)

	return beginLSN, nil
}
