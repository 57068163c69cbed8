// Package wal implements the write-ahead log: an append-only stream of
// checksummed records split over fixed-size segment files. Appends are
// buffered in memory; Flush is the durability barrier. LSNs are assigned
// under a single mutex, so they form a strict, gapless total order.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/quillsql/quill/src/pkg/assert"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/pkg/metrics"
	"github.com/quillsql/quill/src/storage"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	// DefaultSegmentSize is the rotation threshold. Records never split
	// across segments: a segment may exceed the threshold by one record.
	DefaultSegmentSize int64 = 16 << 20

	// maxRecordSize bounds a single record's body. Anything larger in
	// the length prefix is treated as corruption, not allocated.
	maxRecordSize = 64 << 20
)

type Options struct {
	// SegmentSize is the rotation threshold in bytes. Zero means
	// DefaultSegmentSize.
	SegmentSize int64
}

type pending struct {
	lsn  common.LSN
	data []byte
}

// Wal is a single-instance write-ahead log over a directory of segment
// files. Safe for concurrent use.
type Wal struct {
	mu sync.Mutex

	fs      afero.Fs
	dir     string
	segSize int64

	active     afero.File
	activeSize int64

	// records appended but not yet written to the active segment,
	// in LSN order
	buf []pending

	nextLSN    common.LSN
	durableLSN common.LSN

	// failed poisons the log after a flush-path I/O error: the active
	// segment may hold a partially written record, so retrying the
	// write would corrupt the stream. Only a restart (which truncates
	// the torn tail) clears it.
	failed error

	met *metrics.Metrics
	log *zap.SugaredLogger
}

func segmentName(firstLSN common.LSN) string {
	return fmt.Sprintf("%s%010d%s", segmentPrefix, firstLSN, segmentSuffix)
}

func parseSegmentName(name string) (common.LSN, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return common.NilLSN, false
	}

	var first uint64
	numeric := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	if _, err := fmt.Sscanf(numeric, "%d", &first); err != nil || first == 0 {
		return common.NilLSN, false
	}

	return common.LSN(first), true
}

// listSegments returns the segment start LSNs found in dir, ascending.
func listSegments(fs afero.Fs, dir string) ([]common.LSN, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read log dir %s: %w", storage.ErrIO, dir, err)
	}

	var firsts []common.LSN
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if first, ok := parseSegmentName(entry.Name()); ok {
			firsts = append(firsts, first)
		}
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })

	return firsts, nil
}

// Open loads the log from dir, creating the directory and the first
// segment on first use. A torn record at the very tail of the last
// segment was never acknowledged as durable and is discarded together
// with everything after it; a bad record anywhere else is corruption.
func Open(
	fs afero.Fs,
	dir string,
	opts Options,
	met *metrics.Metrics,
	log *zap.SugaredLogger,
) (*Wal, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}

	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create log dir %s: %w", storage.ErrIO, dir, err)
	}

	segments, err := listSegments(fs, dir)
	if err != nil {
		return nil, err
	}

	w := &Wal{
		fs:      fs,
		dir:     dir,
		segSize: opts.SegmentSize,
		nextLSN: 1,
		met:     met,
		log:     log,
	}

	if len(segments) == 0 {
		if err := w.openSegment(common.LSN(1)); err != nil {
			return nil, err
		}
		log.Infow("created write-ahead log", "dir", dir, "segmentSize", opts.SegmentSize)
		return w, nil
	}

	expect := segments[0]
	for i, first := range segments {
		if first != expect {
			return nil, fmt.Errorf(
				"%w: log segment gap: expected segment starting at LSN %d, found %d",
				storage.ErrCorrupted, expect, first,
			)
		}

		last := i == len(segments)-1
		next, err := w.scanSegment(first, last)
		if err != nil {
			return nil, err
		}
		expect = next
	}

	w.nextLSN = expect
	w.durableLSN = expect - 1

	lastSegment := segments[len(segments)-1]
	if err := w.openSegment(lastSegment); err != nil {
		return nil, err
	}

	log.Infow("opened write-ahead log",
		"dir", dir,
		"segments", len(segments),
		"durableLSN", w.durableLSN,
	)
	if met != nil {
		met.WalDurableLSN.Set(float64(w.durableLSN))
	}

	return w, nil
}

// scanSegment validates every record of one segment and returns the LSN
// expected right after it. Only the last segment may carry a torn tail;
// it is cut off in place.
func (w *Wal) scanSegment(first common.LSN, last bool) (common.LSN, error) {
	name := path.Join(w.dir, segmentName(first))

	data, err := afero.ReadFile(w.fs, name)
	if err != nil {
		return common.NilLSN, fmt.Errorf("%w: read segment %s: %w", storage.ErrIO, name, err)
	}

	expect := first
	offset := 0
	for {
		rec, recLen, err := sliceRecord(data[offset:])
		if err != nil {
			if !last {
				return common.NilLSN, fmt.Errorf("segment %s at offset %d: %w", name, offset, err)
			}
			if offset < len(data) {
				w.log.Warnw("dropping torn log tail",
					"segment", name,
					"offset", offset,
					"discardedBytes", len(data)-offset,
				)
				if err := truncateFile(w.fs, name, int64(offset)); err != nil {
					return common.NilLSN, err
				}
			}
			return expect, nil
		}

		if rec.LSN != expect {
			return common.NilLSN, fmt.Errorf(
				"%w: segment %s: expected LSN %d, found %d",
				storage.ErrCorrupted, name, expect, rec.LSN,
			)
		}

		expect++
		offset += recLen
		if offset == len(data) {
			return expect, nil
		}
	}
}

// sliceRecord decodes the first record of data, returning it and its
// encoded length. io-style errors mean "no full record here".
func sliceRecord(data []byte) (Record, int, error) {
	if len(data) < lenPrefixSize {
		return Record{}, 0, fmt.Errorf("%w: truncated length prefix", storage.ErrCorrupted)
	}

	body := int(binary.LittleEndian.Uint32(data))
	if body < recordFixedSize+recordTrailer || body > maxRecordSize {
		return Record{}, 0, fmt.Errorf("%w: implausible record length %d", storage.ErrCorrupted, body)
	}
	if len(data) < lenPrefixSize+body {
		return Record{}, 0, fmt.Errorf("%w: truncated record body", storage.ErrCorrupted)
	}

	rec, err := decodeRecordBody(data[lenPrefixSize : lenPrefixSize+body])
	if err != nil {
		return Record{}, 0, err
	}

	return rec, lenPrefixSize + body, nil
}

func truncateFile(fs afero.Fs, name string, size int64) error {
	f, err := fs.OpenFile(name, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", storage.ErrIO, name, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate %s: %w", storage.ErrIO, name, err)
	}

	return f.Sync()
}

func (w *Wal) openSegment(first common.LSN) error {
	if w.active != nil {
		if err := w.active.Close(); err != nil {
			return fmt.Errorf("%w: close segment: %w", storage.ErrIO, err)
		}
	}

	name := path.Join(w.dir, segmentName(first))
	f, err := w.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open segment %s: %w", storage.ErrIO, name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: stat segment %s: %w", storage.ErrIO, name, err)
	}

	w.active = f
	w.activeSize = info.Size()
	return nil
}

// Append assigns the next LSN and buffers the record. The record is NOT
// durable until a Flush covering its LSN returns.
func (w *Wal) Append(rec Record) (common.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return common.NilLSN, w.failed
	}

	rec.LSN = w.nextLSN
	w.nextLSN++

	w.buf = append(w.buf, pending{lsn: rec.LSN, data: encodeRecord(rec)})
	if w.met != nil {
		w.met.WalAppends.Inc()
	}

	return rec.LSN, nil
}

// Flush forces all records up to and including upTo onto stable storage.
// It may flush more than asked. An I/O failure here is fatal to the
// whole log, not just the caller's transaction: the segment may hold a
// torn record, so the log refuses further work instead of risking a
// duplicate write on retry.
func (w *Wal) Flush(upTo common.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}
	if upTo <= w.durableLSN {
		return nil
	}
	assert.Assert(upTo < w.nextLSN, "flush of unassigned LSN %d (next is %d)", upTo, w.nextLSN)

	written := int64(0)
	for len(w.buf) > 0 {
		p := w.buf[0]

		if w.activeSize >= w.segSize {
			if err := w.active.Sync(); err != nil {
				return w.poison(fmt.Errorf("%w: sync segment: %w", storage.ErrIO, err))
			}
			if err := w.openSegment(p.lsn); err != nil {
				return w.poison(err)
			}
		}

		if _, err := w.active.Write(p.data); err != nil {
			return w.poison(fmt.Errorf("%w: append record %d: %w", storage.ErrIO, p.lsn, err))
		}
		w.activeSize += int64(len(p.data))
		written += int64(len(p.data))
		w.buf = w.buf[1:]
	}

	if err := w.active.Sync(); err != nil {
		return w.poison(fmt.Errorf("%w: sync segment: %w", storage.ErrIO, err))
	}

	w.durableLSN = w.nextLSN - 1
	w.buf = nil

	if w.met != nil {
		w.met.WalFlushes.Inc()
		w.met.WalBytesWritten.Add(float64(written))
		w.met.WalDurableLSN.Set(float64(w.durableLSN))
	}

	return nil
}

// poison records a fatal flush failure. Called with the mutex held.
func (w *Wal) poison(err error) error {
	w.failed = err
	w.log.Errorw("log poisoned by flush failure", "error", err)

	return err
}

// DurableLSN reports the highest LSN known to be on stable storage.
func (w *Wal) DurableLSN() common.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.durableLSN
}

// LastLSN reports the highest assigned LSN, durable or not.
func (w *Wal) LastLSN() common.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.nextLSN - 1
}

// ReadAt returns the single record with the given LSN, buffered or
// durable. Used by rollback to walk a transaction's chain backwards.
func (w *Wal) ReadAt(lsn common.LSN) (Record, error) {
	w.mu.Lock()
	if lsn.IsNil() || lsn >= w.nextLSN {
		w.mu.Unlock()
		return Record{}, fmt.Errorf("log has no record with LSN %d", lsn)
	}

	// still buffered: buf is LSN-ordered, binary search
	if len(w.buf) > 0 && lsn >= w.buf[0].lsn {
		i := sort.Search(len(w.buf), func(i int) bool { return w.buf[i].lsn >= lsn })
		assert.Assert(i < len(w.buf) && w.buf[i].lsn == lsn, "gap in the log buffer at LSN %d", lsn)

		rec, _, err := sliceRecord(w.buf[i].data)
		w.mu.Unlock()
		return rec, err
	}
	w.mu.Unlock()

	it := w.ReadFrom(lsn)
	defer it.Close()
	if !it.Next() {
		if err := it.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("log has no durable record with LSN %d", lsn)
	}

	return it.Record(), nil
}

// Truncate discards whole segments whose every record is below the given
// LSN. Advisory: keeping more of the log is always safe.
func (w *Wal) Truncate(before common.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := listSegments(w.fs, w.dir)
	if err != nil {
		return err
	}

	removed := 0
	for i := 0; i+1 < len(segments); i++ {
		// segment i spans [segments[i], segments[i+1]); drop it only
		// when even its last record is below the cutoff
		if segments[i+1] > before {
			break
		}

		name := path.Join(w.dir, segmentName(segments[i]))
		if err := w.fs.Remove(name); err != nil {
			return fmt.Errorf("%w: remove segment %s: %w", storage.ErrIO, name, err)
		}
		removed++
	}

	if removed > 0 {
		w.log.Infow("truncated log", "before", before, "removedSegments", removed)
	}

	return nil
}

// Close flushes everything outstanding and releases the active segment.
func (w *Wal) Close() error {
	w.mu.Lock()
	last := w.nextLSN - 1
	w.mu.Unlock()

	if last > 0 {
		if err := w.Flush(last); err != nil {
			w.active.Close()
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.active.Close()
}
