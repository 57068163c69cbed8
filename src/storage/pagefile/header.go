package pagefile

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"

	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage"
)

// Page 0 holds two copies of the file header, at fixed offsets 0 and
// headerAltOffset, written alternately (seq picks the slot). A torn
// header write can only destroy the slot being written; the previous one
// stays intact and open falls back to it. The offsets do not depend on
// the page size, so open can locate both slots before the header has
// told it the page size.
const (
	headerMagic   uint32 = 0x42444C51 // "QLDB"
	headerVersion uint16 = 1

	headerSlotSize  = 68
	headerAltOffset = 2048
)

type header struct {
	pageSize      uint32
	pageCount     uint64
	freeHead      common.PageID
	checkpointLSN common.LSN
	seq           uint64
	instanceID    uuid.UUID
}

func (h *header) slotOffset() int64 {
	if h.seq%2 == 0 {
		return 0
	}

	return headerAltOffset
}

func (h *header) encode() []byte {
	buf := make([]byte, headerSlotSize)

	binary.LittleEndian.PutUint32(buf[0:], headerMagic)
	binary.LittleEndian.PutUint16(buf[4:], headerVersion)
	// buf[6:8] reserved
	binary.LittleEndian.PutUint32(buf[8:], h.pageSize)
	binary.LittleEndian.PutUint64(buf[12:], h.pageCount)
	binary.LittleEndian.PutUint64(buf[20:], uint64(h.freeHead))
	binary.LittleEndian.PutUint64(buf[28:], uint64(h.checkpointLSN))
	binary.LittleEndian.PutUint64(buf[36:], h.seq)
	copy(buf[44:60], h.instanceID[:])
	binary.LittleEndian.PutUint64(buf[60:], xxhash.Checksum64(buf[:60]))

	return buf
}

func decodeHeaderSlot(buf []byte) (header, error) {
	var h header

	if len(buf) < headerSlotSize {
		return h, fmt.Errorf("%w: header slot too short: %d", storage.ErrCorrupted, len(buf))
	}

	if got, want := xxhash.Checksum64(buf[:60]), binary.LittleEndian.Uint64(buf[60:]); got != want {
		return h, fmt.Errorf(
			"%w: header checksum mismatch: stored %016x, computed %016x",
			storage.ErrCorrupted, want, got,
		)
	}

	if magic := binary.LittleEndian.Uint32(buf[0:]); magic != headerMagic {
		return h, fmt.Errorf("%w: bad header magic %08x", storage.ErrCorrupted, magic)
	}
	if version := binary.LittleEndian.Uint16(buf[4:]); version != headerVersion {
		return h, fmt.Errorf("%w: unsupported header version %d", storage.ErrCorrupted, version)
	}

	h.pageSize = binary.LittleEndian.Uint32(buf[8:])
	h.pageCount = binary.LittleEndian.Uint64(buf[12:])
	h.freeHead = common.PageID(binary.LittleEndian.Uint64(buf[20:]))
	h.checkpointLSN = common.LSN(binary.LittleEndian.Uint64(buf[28:]))
	h.seq = binary.LittleEndian.Uint64(buf[36:])
	copy(h.instanceID[:], buf[44:60])

	return h, nil
}

// readHeaderPage decodes both slots and returns the valid one with the
// larger seq. Both slots invalid means the file is unusable.
func readHeaderPage(headBytes []byte) (header, error) {
	first, errA := decodeHeaderSlot(headBytes)

	var second header
	errB := fmt.Errorf("%w: header page shorter than both slots", storage.ErrCorrupted)
	if len(headBytes) >= headerAltOffset+headerSlotSize {
		second, errB = decodeHeaderSlot(headBytes[headerAltOffset:])
	}

	switch {
	case errA == nil && errB == nil:
		if second.seq > first.seq {
			return second, nil
		}
		return first, nil
	case errA == nil:
		return first, nil
	case errB == nil:
		return second, nil
	default:
		return header{}, fmt.Errorf("both header slots invalid: %w", errA)
	}
}
