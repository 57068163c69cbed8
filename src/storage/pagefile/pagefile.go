// Package pagefile owns the on-disk byte layout of the data file: the
// double-buffered header page, fixed-size pages addressed by PageID, the
// persisted free list, and page checksums. All multi-step mutations are
// ordered so that a crash at any point is idempotent: the worst outcome
// is a leaked page, never a double allocation or a silently torn page.
package pagefile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage"
	"github.com/quillsql/quill/src/storage/page"
)

const (
	freePageMagic uint32 = 0x47505246 // "FRPG"

	// DefaultPageSize is used when the configuration does not say
	// otherwise. Valid sizes are 4, 8 and 16 KiB, fixed at creation.
	DefaultPageSize uint32 = 8192
)

var supportedPageSizes = map[uint32]struct{}{
	4096:  {},
	8192:  {},
	16384: {},
}

type PageFile struct {
	mu   sync.RWMutex
	fs   afero.Fs
	file afero.File
	path string

	hdr  header
	free map[common.PageID]struct{}

	log *zap.SugaredLogger
}

var _ common.DiskManager = &PageFile{}

// Create makes a new data file at path with the given page size. Fails
// if the file already exists.
func Create(
	fs afero.Fs,
	path string,
	pageSize uint32,
	log *zap.SugaredLogger,
) (*PageFile, error) {
	if _, ok := supportedPageSizes[pageSize]; !ok {
		return nil, fmt.Errorf("unsupported page size %d", pageSize)
	}

	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", storage.ErrIO, path, err)
	}

	pf := &PageFile{
		fs:   fs,
		file: file,
		path: path,
		hdr: header{
			pageSize:   pageSize,
			pageCount:  1,
			instanceID: uuid.New(),
		},
		free: make(map[common.PageID]struct{}),
		log:  log,
	}

	headerPage := make([]byte, pageSize)
	copy(headerPage, pf.hdr.encode())
	if _, err := file.WriteAt(headerPage, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: write header: %w", storage.ErrIO, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: sync header: %w", storage.ErrIO, err)
	}

	log.Infow("created data file",
		"path", path,
		"pageSize", pageSize,
		"instanceID", pf.hdr.instanceID.String(),
	)

	return pf, nil
}

// Open loads an existing data file, validates the header and rebuilds
// the in-memory free set by walking the persisted free list.
func Open(fs afero.Fs, path string, log *zap.SugaredLogger) (*PageFile, error) {
	file, err := fs.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", storage.ErrIO, path, err)
	}

	headBytes := make([]byte, page.MinPageSize)
	if _, err := file.ReadAt(headBytes, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: read header page: %w", storage.ErrIO, err)
	}

	hdr, err := readHeaderPage(headBytes)
	if err != nil {
		file.Close()
		return nil, err
	}
	if _, ok := supportedPageSizes[hdr.pageSize]; !ok {
		file.Close()
		return nil, fmt.Errorf("%w: header page size %d", storage.ErrCorrupted, hdr.pageSize)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", storage.ErrIO, path, err)
	}
	if got, want := info.Size(), int64(hdr.pageCount)*int64(hdr.pageSize); got < want {
		file.Close()
		return nil, fmt.Errorf(
			"%w: file truncated: %d bytes, header expects at least %d",
			storage.ErrCorrupted, got, want,
		)
	}

	pf := &PageFile{
		fs:   fs,
		file: file,
		path: path,
		hdr:  hdr,
		free: make(map[common.PageID]struct{}),
		log:  log,
	}

	if err := pf.walkFreeList(); err != nil {
		file.Close()
		return nil, err
	}

	log.Infow("opened data file",
		"path", path,
		"pageSize", hdr.pageSize,
		"pageCount", hdr.pageCount,
		"freePages", len(pf.free),
		"checkpointLSN", hdr.checkpointLSN,
	)

	return pf, nil
}

func (pf *PageFile) walkFreeList() error {
	buf := make([]byte, pf.hdr.pageSize)

	cur := pf.hdr.freeHead
	for !cur.IsNil() {
		if uint64(cur) >= pf.hdr.pageCount {
			return fmt.Errorf(
				"%w: free list points past the file: page %d",
				storage.ErrCorrupted, cur,
			)
		}
		if _, seen := pf.free[cur]; seen {
			return fmt.Errorf("%w: free list cycle at page %d", storage.ErrCorrupted, cur)
		}

		if _, err := pf.file.ReadAt(buf, pf.pageOffset(cur)); err != nil {
			return fmt.Errorf("%w: read free page %d: %w", storage.ErrIO, cur, err)
		}
		if err := page.Page(buf).Verify(); err != nil {
			return fmt.Errorf("free page %d: %w", cur, err)
		}

		next, err := parseFreePage(page.Page(buf).Payload())
		if err != nil {
			return fmt.Errorf("free page %d: %w", cur, err)
		}

		pf.free[cur] = struct{}{}
		cur = next
	}

	return nil
}

func makeFreePage(buf []byte, next common.PageID) {
	p := page.Page(buf)
	p.Reset()
	payload := p.Payload()
	binary.LittleEndian.PutUint32(payload[0:], freePageMagic)
	binary.LittleEndian.PutUint64(payload[4:], uint64(next))
	p.Seal()
}

func parseFreePage(payload []byte) (common.PageID, error) {
	if magic := binary.LittleEndian.Uint32(payload[0:]); magic != freePageMagic {
		return common.NilPageID, fmt.Errorf(
			"%w: free page marker missing: %08x", storage.ErrCorrupted, magic,
		)
	}

	return common.PageID(binary.LittleEndian.Uint64(payload[4:])), nil
}

func (pf *PageFile) pageOffset(id common.PageID) int64 {
	return int64(id) * int64(pf.hdr.pageSize)
}

// updateHeaderLocked applies mutate to a copy of the header, persists it
// into the next slot and swaps the in-memory header only on success.
func (pf *PageFile) updateHeaderLocked(mutate func(*header)) error {
	next := pf.hdr
	next.seq++
	mutate(&next)

	if _, err := pf.file.WriteAt(next.encode(), next.slotOffset()); err != nil {
		return fmt.Errorf("%w: write header: %w", storage.ErrIO, err)
	}
	if err := pf.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync header: %w", storage.ErrIO, err)
	}

	pf.hdr = next
	return nil
}

func (pf *PageFile) validateLocked(id common.PageID) error {
	if id.IsNil() {
		return fmt.Errorf("%w: page 0 is the file header", storage.ErrInvalidPageID)
	}
	if uint64(id) >= pf.hdr.pageCount {
		return fmt.Errorf(
			"%w: page %d past the end (page count %d)",
			storage.ErrInvalidPageID, id, pf.hdr.pageCount,
		)
	}
	if _, isFree := pf.free[id]; isFree {
		return fmt.Errorf("%w: page %d is free", storage.ErrInvalidPageID, id)
	}

	return nil
}

// Allocate reserves a page: the free list head when one exists,
// otherwise the file grows by one page. The page is returned zeroed,
// sealed and durable, so redo images applied over it later always land
// on well-defined content.
func (pf *PageFile) Allocate() (common.PageID, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	buf := make([]byte, pf.hdr.pageSize)

	if head := pf.hdr.freeHead; !head.IsNil() {
		if _, err := pf.file.ReadAt(buf, pf.pageOffset(head)); err != nil {
			return common.NilPageID, fmt.Errorf(
				"%w: read free page %d: %w", storage.ErrIO, head, err,
			)
		}
		if err := page.Page(buf).Verify(); err != nil {
			return common.NilPageID, fmt.Errorf("free page %d: %w", head, err)
		}
		next, err := parseFreePage(page.Page(buf).Payload())
		if err != nil {
			return common.NilPageID, fmt.Errorf("free page %d: %w", head, err)
		}

		// Commit point: once the header stops referencing head, a crash
		// can only leak it, not hand it out twice.
		if err := pf.updateHeaderLocked(func(h *header) { h.freeHead = next }); err != nil {
			return common.NilPageID, err
		}
		delete(pf.free, head)

		page.Page(buf).Reset()
		if err := pf.writeSealed(head, buf); err != nil {
			return common.NilPageID, err
		}

		pf.log.Debugw("allocated page from free list", "pageID", head)
		return head, nil
	}

	id := common.PageID(pf.hdr.pageCount)
	page.Page(buf).Reset()
	if err := pf.writeSealed(id, buf); err != nil {
		return common.NilPageID, err
	}

	// Commit point for growth: the new page only exists once pageCount
	// covers it; an orphaned tail page is rewritten by the next allocate.
	if err := pf.updateHeaderLocked(func(h *header) { h.pageCount++ }); err != nil {
		return common.NilPageID, err
	}

	pf.log.Debugw("allocated page by extending file", "pageID", id)
	return id, nil
}

// Free returns id to the free list. Using the id afterwards (until it is
// reallocated) fails with ErrInvalidPageID.
func (pf *PageFile) Free(id common.PageID) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if err := pf.validateLocked(id); err != nil {
		return err
	}

	buf := make([]byte, pf.hdr.pageSize)
	makeFreePage(buf, pf.hdr.freeHead)
	if err := pf.writeSealed(id, buf); err != nil {
		return err
	}

	if err := pf.updateHeaderLocked(func(h *header) { h.freeHead = id }); err != nil {
		return err
	}
	pf.free[id] = struct{}{}

	pf.log.Debugw("freed page", "pageID", id)
	return nil
}

// ReadPage fills buf with the page's bytes. buf must span exactly one
// page. Torn or rotten pages are refused with ErrCorrupted.
func (pf *PageFile) ReadPage(id common.PageID, buf []byte) error {
	pf.mu.RLock()
	defer pf.mu.RUnlock()

	if err := pf.validateLocked(id); err != nil {
		return err
	}
	if len(buf) != int(pf.hdr.pageSize) {
		return fmt.Errorf("page buffer is %d bytes, page size is %d", len(buf), pf.hdr.pageSize)
	}

	if _, err := pf.file.ReadAt(buf, pf.pageOffset(id)); err != nil {
		return fmt.Errorf("%w: read page %d: %w", storage.ErrIO, id, err)
	}
	if err := page.Page(buf).Verify(); err != nil {
		return fmt.Errorf("page %d: %w", id, err)
	}

	return nil
}

// WritePage seals buf's checksum and persists the page. The write is
// fsynced before returning: callers clear dirty state afterwards, so the
// page must actually be on stable storage.
func (pf *PageFile) WritePage(id common.PageID, buf []byte) error {
	pf.mu.RLock()
	defer pf.mu.RUnlock()

	if err := pf.validateLocked(id); err != nil {
		return err
	}
	if len(buf) != int(pf.hdr.pageSize) {
		return fmt.Errorf("page buffer is %d bytes, page size is %d", len(buf), pf.hdr.pageSize)
	}

	page.Page(buf).Seal()
	return pf.writeSealed(id, buf)
}

// writeSealed persists an already-sealed page image. Safe under either
// lock mode: writes to distinct offsets may run concurrently, only
// header mutations need the write lock.
func (pf *PageFile) writeSealed(id common.PageID, sealed []byte) error {
	if _, err := pf.file.WriteAt(sealed, pf.pageOffset(id)); err != nil {
		return fmt.Errorf("%w: write page %d: %w", storage.ErrIO, id, err)
	}
	if err := pf.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync page %d: %w", storage.ErrIO, id, err)
	}

	return nil
}

func (pf *PageFile) PageSize() uint32 {
	return pf.hdr.pageSize
}

// PageCount reports the total number of pages including the header page.
func (pf *PageFile) PageCount() uint64 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()

	return pf.hdr.pageCount
}

func (pf *PageFile) FreePageCount() uint64 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()

	return uint64(len(pf.free))
}

func (pf *PageFile) InstanceID() uuid.UUID {
	return pf.hdr.instanceID
}

func (pf *PageFile) CheckpointLSN() common.LSN {
	pf.mu.RLock()
	defer pf.mu.RUnlock()

	return pf.hdr.checkpointLSN
}

// SetCheckpointLSN persists the recovery scan start through the header.
func (pf *PageFile) SetCheckpointLSN(lsn common.LSN) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	return pf.updateHeaderLocked(func(h *header) { h.checkpointLSN = lsn })
}

func (pf *PageFile) Sync() error {
	if err := pf.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", storage.ErrIO, pf.path, err)
	}

	return nil
}

func (pf *PageFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if err := pf.file.Sync(); err != nil {
		pf.file.Close()
		return fmt.Errorf("%w: sync on close: %w", storage.ErrIO, err)
	}

	return pf.file.Close()
}
