// Package bufferpool caches a bounded number of pages in memory and is
// the single source of truth for current page content. It owns pinning,
// dirty tracking and eviction, and enforces the write-ahead rule: a
// dirty page reaches the data file only after the log records that made
// it dirty are durable.
package bufferpool

import (
	"fmt"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/quillsql/quill/src/pkg/assert"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/pkg/metrics"
)

type frameInfo struct {
	frameID  uint64
	pinCount uint64
}

const noFrame = ^uint64(0)

// Manager is the buffer pool. All frame metadata (page table, pin
// counts, dirty page table) is guarded by mu; page bytes are guarded by
// each frame's latch.
type Manager struct {
	capacity uint64

	mu          sync.Mutex
	pageTable   map[common.PageID]frameInfo
	frames      []Frame
	emptyFrames []uint64

	// dirty page table: pageID -> recLSN, the LSN of the first record
	// that dirtied the page since it was last clean. NilLSN marks pages
	// dirtied without logging (freshly allocated, recovery writes).
	dpt map[common.PageID]common.LSN

	replacer Replacer
	disk     common.DiskManager
	wal      common.LogFlusher

	met *metrics.Metrics
	log *zap.SugaredLogger
}

func New(
	capacity uint64,
	replacer Replacer,
	disk common.DiskManager,
	wal common.LogFlusher,
	met *metrics.Metrics,
	log *zap.SugaredLogger,
) *Manager {
	assert.Assert(capacity > 0, "pool capacity must be greater than zero")

	emptyFrames := make([]uint64, capacity)
	frames := make([]Frame, capacity)
	pageSize := disk.PageSize()
	for i := uint64(0); i < capacity; i++ {
		emptyFrames[i] = uint64(i)
		frames[i].data = make([]byte, pageSize)
	}

	return &Manager{
		capacity:    capacity,
		pageTable:   make(map[common.PageID]frameInfo),
		frames:      frames,
		emptyFrames: emptyFrames,
		dpt:         make(map[common.PageID]common.LSN),
		replacer:    replacer,
		disk:        disk,
		wal:         wal,
		met:         met,
		log:         log,
	}
}

// FetchPage pins the page and returns its frame, loading it from the
// data file if it is not resident. When every frame is pinned the fetch
// fails with storage.ErrPoolExhausted: release pins and retry.
func (m *Manager) FetchPage(id common.PageID) (*Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.pageTable[id]; ok {
		m.pinLocked(id)
		if m.met != nil {
			m.met.PoolHits.Inc()
		}
		return &m.frames[info.frameID], nil
	}

	if m.met != nil {
		m.met.PoolMisses.Inc()
	}

	frameID, err := m.takeFrameLocked()
	if err != nil {
		return nil, err
	}

	frame := &m.frames[frameID]
	if err := m.disk.ReadPage(id, frame.data); err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}
	frame.id = id

	m.pageTable[id] = frameInfo{frameID: frameID, pinCount: 1}
	m.replacer.Pin(id)

	return frame, nil
}

// AllocatePage allocates a fresh page in the data file and returns it
// pinned, zero-filled, without a disk read.
func (m *Manager) AllocatePage() (*Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, err := m.takeFrameLocked()
	if err != nil {
		return nil, err
	}

	id, err := m.disk.Allocate()
	if err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}

	frame := &m.frames[frameID]
	frame.data.Reset()
	frame.id = id

	m.pageTable[id] = frameInfo{frameID: frameID, pinCount: 1}
	m.replacer.Pin(id)

	return frame, nil
}

// Unpin releases one pin. dirty marks the page as modified; mutations
// that went through the logged write path carry their recLSN via
// MarkDirty instead and unpin with dirty=false.
func (m *Manager) Unpin(id common.PageID, dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dirty {
		m.markDirtyLocked(id, common.NilLSN)
	}

	info, ok := m.pageTable[id]
	assert.Assert(ok, "unpin of non-resident page %d", id)
	assert.Assert(info.pinCount > 0, "pin underflow on page %d", id)

	info.pinCount--
	m.pageTable[id] = info
	if info.pinCount == 0 {
		m.replacer.Unpin(id)
	}
}

// MarkDirty records a logged mutation: the page is dirty and lsn is a
// candidate recLSN (the first dirtier since the page was last clean
// wins). The caller keeps its pin.
func (m *Manager) MarkDirty(id common.PageID, lsn common.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pageTable[id]
	assert.Assert(ok, "mark dirty of non-resident page %d", id)

	m.markDirtyLocked(id, lsn)
}

func (m *Manager) markDirtyLocked(id common.PageID, lsn common.LSN) {
	if _, ok := m.dpt[id]; !ok {
		m.dpt[id] = lsn
		if m.met != nil {
			m.met.PoolDirty.Set(float64(len(m.dpt)))
		}
	}
}

func (m *Manager) pinLocked(id common.PageID) {
	info, ok := m.pageTable[id]
	assert.Assert(ok, "pin of non-resident page %d", id)

	info.pinCount++
	m.pageTable[id] = info
	m.replacer.Pin(id)
}

// takeFrameLocked returns a free frame, evicting a victim when none is
// empty. The victim is flushed first if dirty.
func (m *Manager) takeFrameLocked() (uint64, error) {
	if n := len(m.emptyFrames); n > 0 {
		id := m.emptyFrames[n-1]
		m.emptyFrames = m.emptyFrames[:n-1]
		return id, nil
	}

	victimID, err := m.replacer.ChooseVictim()
	if err != nil {
		return noFrame, err
	}

	info, ok := m.pageTable[victimID]
	assert.Assert(ok, "victim page %d not resident", victimID)
	assert.Assert(info.pinCount == 0, "victim page %d is pinned", victimID)

	victim := &m.frames[info.frameID]
	if err := m.flushFrameLocked(victim, victimID); err != nil {
		// the victim stays resident and evictable
		m.replacer.Unpin(victimID)
		return noFrame, err
	}

	delete(m.pageTable, victimID)
	if m.met != nil {
		m.met.PoolEvictions.Inc()
	}

	return info.frameID, nil
}

// flushFrameLocked writes a dirty frame to the data file, first forcing
// the log up to the frame's page LSN. Flushing an under-logged page
// would break crash recovery, so the order here is load-bearing.
func (m *Manager) flushFrameLocked(frame *Frame, id common.PageID) error {
	if _, dirty := m.dpt[id]; !dirty {
		return nil
	}

	frame.Lock()
	defer frame.Unlock()

	if lsn := frame.PageLSN(); lsn > m.wal.DurableLSN() {
		if err := m.wal.Flush(lsn); err != nil {
			return fmt.Errorf("write-ahead flush for page %d: %w", id, err)
		}
		assert.Assert(
			m.wal.DurableLSN() >= lsn,
			"log flush did not reach LSN %d for page %d", lsn, id,
		)
	}

	if err := m.disk.WritePage(id, frame.data); err != nil {
		return err
	}

	delete(m.dpt, id)
	if m.met != nil {
		m.met.PageFlushes.Inc()
		m.met.PoolDirty.Set(float64(len(m.dpt)))
	}

	return nil
}

// FlushPage forces one page to the data file, respecting the
// write-ahead rule. No-op for clean or non-resident pages.
func (m *Manager) FlushPage(id common.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.pageTable[id]
	if !ok {
		_, dirty := m.dpt[id]
		assert.Assert(!dirty, "dirty page %d has no frame", id)
		return nil
	}

	return m.flushFrameLocked(&m.frames[info.frameID], id)
}

// FlushAll walks every dirty frame and writes it out, clearing the dirty
// page table. Used by checkpoints and clean shutdown.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range maps.Clone(m.dpt) {
		info, ok := m.pageTable[id]
		assert.Assert(ok, "dirty page %d has no frame", id)

		if err := m.flushFrameLocked(&m.frames[info.frameID], id); err != nil {
			return err
		}
	}

	return nil
}

// DirtyPageTable snapshots pageID -> recLSN for checkpointing. Pages
// dirtied outside the logged write path carry no recLSN and are left
// out: they have nothing to redo.
func (m *Manager) DirtyPageTable() map[common.PageID]common.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[common.PageID]common.LSN, len(m.dpt))
	for id, recLSN := range m.dpt {
		if recLSN.IsNil() {
			continue
		}
		snapshot[id] = recLSN
	}

	return snapshot
}

// Len reports the number of resident pages.
func (m *Manager) Len() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return uint64(len(m.pageTable))
}

func (m *Manager) Capacity() uint64 {
	return m.capacity
}
