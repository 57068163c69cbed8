// Package app assembles the storage engine: configuration, logging,
// recovery at startup and the background daemons that keep the log
// flushed, checkpoints taken and deadlocks broken.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillsql/quill/src/bufferpool"
	"github.com/quillsql/quill/src/pkg/metrics"
	"github.com/quillsql/quill/src/pkg/utils"
	"github.com/quillsql/quill/src/recovery"
	"github.com/quillsql/quill/src/storage/pagefile"
	"github.com/quillsql/quill/src/txns"
	"github.com/quillsql/quill/src/wal"
)

const CloseTimeout = 15 * time.Second

// Engine is the assembled storage stack. Open runs recovery before
// returning, so a non-nil Engine is always consistent.
type Engine struct {
	cfg Config
	log *zap.SugaredLogger
	met *metrics.Metrics

	pf    *pagefile.PageFile
	wal   *wal.Wal
	pool  *bufferpool.Manager
	locks *txns.LockManager
	txns  *txns.Manager
	rec   *recovery.Manager

	stopDaemons context.CancelFunc
	daemons     *errgroup.Group
}

func newLogger(environment string) *zap.SugaredLogger {
	if environment == EnvDev {
		return utils.Must(zap.NewDevelopment()).Sugar()
	}

	return utils.Must(zap.NewProduction()).Sugar()
}

// Open builds the engine over fs: create-or-open the data file, open
// the log, recover, then start the flush/checkpoint/deadlock daemons.
// Pass a nil registerer to keep metrics unregistered.
func Open(
	ctx context.Context,
	cfg Config,
	fs afero.Fs,
	reg prometheus.Registerer,
) (*Engine, error) {
	log := newLogger(cfg.Environment)
	met := metrics.New(reg)

	if dir := filepath.Dir(cfg.DataPath); dir != "." {
		if err := fs.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	exists, err := afero.Exists(fs, cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", cfg.DataPath, err)
	}

	var pf *pagefile.PageFile
	if exists {
		pf, err = pagefile.Open(fs, cfg.DataPath, log)
	} else {
		pf, err = pagefile.Create(fs, cfg.DataPath, cfg.PageSize, log)
	}
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(fs, cfg.WalDir, wal.Options{SegmentSize: cfg.WalSegmentSize}, met, log)
	if err != nil {
		pf.Close()
		return nil, err
	}

	pool := bufferpool.New(cfg.PoolCapacity, bufferpool.NewClockReplacer(), pf, w, met, log)
	locks := txns.NewLockManager()
	txnMgr := txns.NewManager(w, pool, locks, met, log)
	rec := recovery.New(pf, w, pool, txnMgr, met, log)

	summary, err := rec.Recover()
	if err != nil {
		w.Close()
		pf.Close()
		return nil, err
	}
	txnMgr.AdvancePast(summary.MaxTxnID)

	// a fresh checkpoint right away, so the work recovery just did is
	// never replayed on the next startup
	if _, err := rec.Checkpoint(); err != nil {
		w.Close()
		pf.Close()
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		log:   log,
		met:   met,
		pf:    pf,
		wal:   w,
		pool:  pool,
		locks: locks,
		txns:  txnMgr,
		rec:   rec,
	}
	e.startDaemons(ctx)

	return e, nil
}

func (e *Engine) startDaemons(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	e.stopDaemons = cancel
	e.daemons = g

	g.Go(func() error { return e.runTicker(ctx, "wal-flush", e.cfg.WalFlushInterval, e.flushTick) })
	g.Go(func() error { return e.runTicker(ctx, "checkpoint", e.cfg.CheckpointInterval, e.checkpointTick) })
	g.Go(func() error { return e.runTicker(ctx, "deadlock-check", e.cfg.DeadlockCheckInterval, e.deadlockTick) })
}

// runTicker drives one daemon until shutdown. A failing tick is logged
// and retried on the next interval: the daemons are independent, and a
// transient checkpoint error must not take the deadlock detector down
// with it.
func (e *Engine) runTicker(ctx context.Context, name string, every time.Duration, tick func() error) error {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := tick(); err != nil {
				e.log.Errorw("daemon tick failed", "daemon", name, "error", err)
			}
		}
	}
}

// flushTick bounds how long an appended record can stay memory-only.
// Commits do not depend on it: they flush inline.
func (e *Engine) flushTick() error {
	last := e.wal.LastLSN()
	if last <= e.wal.DurableLSN() {
		return nil
	}

	return e.wal.Flush(last)
}

func (e *Engine) checkpointTick() error {
	if _, err := e.rec.Checkpoint(); err != nil {
		return fmt.Errorf("periodic checkpoint: %w", err)
	}

	return nil
}

func (e *Engine) deadlockTick() error {
	for _, victim := range e.locks.ResolveDeadlocks() {
		e.log.Warnw("broke deadlock", "victimTxn", victim)
	}

	return nil
}

// Begin starts a transaction.
func (e *Engine) Begin() (*txns.Txn, error) {
	return e.txns.Begin()
}

// Pool exposes the buffer pool for page access.
func (e *Engine) Pool() *bufferpool.Manager {
	return e.pool
}

// PageFile exposes the data file for page lifecycle operations that
// bypass the pool, such as Free.
func (e *Engine) PageFile() *pagefile.PageFile {
	return e.pf
}

// Checkpoint runs one on demand, outside the periodic schedule.
func (e *Engine) Checkpoint() error {
	_, err := e.rec.Checkpoint()
	return err
}

// Close stops the daemons, takes a final checkpoint and releases the
// files. Bounded by CloseTimeout.
func (e *Engine) Close() error {
	e.stopDaemons()

	done := make(chan error, 1)
	go func() { done <- e.daemons.Wait() }()

	var errs []error
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, fmt.Errorf("daemon failed: %w", err))
		}
	case <-time.After(CloseTimeout):
		errs = append(errs, errors.New("daemons did not stop within the close timeout"))
	}

	if _, err := e.rec.Checkpoint(); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}
	if err := e.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	if err := e.pf.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close data file: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		e.log.Errorw("engine closed with errors", "error", err)
	} else {
		e.log.Infow("engine closed")
	}
	_ = e.log.Sync()

	return err
}
