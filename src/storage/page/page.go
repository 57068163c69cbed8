// Package page defines the on-disk layout of a data page: a 16-byte
// header (checksum, page LSN) followed by a payload region owned by the
// layers above the storage core.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"

	"github.com/quillsql/quill/src/pkg/assert"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage"
)

const (
	checksumOffset = 0
	lsnOffset      = 8

	// HeaderSize is the number of bytes reserved at the start of every
	// page. The payload begins right after it.
	HeaderSize = 16
)

// MinPageSize is the smallest supported page size. Page sizes are powers
// of two fixed at file creation.
const MinPageSize = 4096

// Page is a raw page buffer. The slice must span the whole page.
type Page []byte

func (p Page) checkLen() {
	assert.Assert(len(p) >= MinPageSize, "page buffer too small: %d", len(p))
}

// LSN returns the page LSN stored in the header: the LSN of the last
// logged mutation applied to this page, or common.NilLSN if none.
func (p Page) LSN() common.LSN {
	p.checkLen()
	return common.LSN(binary.LittleEndian.Uint64(p[lsnOffset:]))
}

// SetLSN stamps the page LSN. The checksum becomes stale until Seal.
func (p Page) SetLSN(lsn common.LSN) {
	p.checkLen()
	binary.LittleEndian.PutUint64(p[lsnOffset:], uint64(lsn))
}

// Payload returns the caller-owned region of the page.
func (p Page) Payload() []byte {
	p.checkLen()
	return p[HeaderSize:]
}

// StoredChecksum returns the checksum recorded in the header.
func (p Page) StoredChecksum() uint64 {
	p.checkLen()
	return binary.LittleEndian.Uint64(p[checksumOffset:])
}

func (p Page) computeChecksum() uint64 {
	return xxhash.Checksum64(p[lsnOffset:])
}

// Seal recomputes the checksum over the LSN field and the payload and
// stores it in the header. Must be called after any mutation and before
// the page is written to disk.
func (p Page) Seal() {
	p.checkLen()
	binary.LittleEndian.PutUint64(p[checksumOffset:], p.computeChecksum())
}

// Verify recomputes the checksum and compares it with the stored one.
// A mismatch means the page is torn or corrupted.
func (p Page) Verify() error {
	p.checkLen()
	if got, want := p.computeChecksum(), p.StoredChecksum(); got != want {
		return fmt.Errorf(
			"%w: page checksum mismatch: stored %016x, computed %016x",
			storage.ErrCorrupted, want, got,
		)
	}

	return nil
}

// Reset zeroes the whole page and seals it, producing a freshly
// allocated page image.
func (p Page) Reset() {
	p.checkLen()
	for i := range p {
		p[i] = 0
	}
	p.Seal()
}
