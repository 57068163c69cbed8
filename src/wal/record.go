package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"

	"github.com/quillsql/quill/src/pkg/assert"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage"
)

type RecordKind uint8

const (
	KindBegin RecordKind = iota + 1
	KindUpdate
	KindCommit
	KindAbort
	KindCompensation
	KindTxnEnd
	KindCheckpointBegin
	KindCheckpointEnd
)

func (k RecordKind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindUpdate:
		return "update"
	case KindCommit:
		return "commit"
	case KindAbort:
		return "abort"
	case KindCompensation:
		return "compensation"
	case KindTxnEnd:
		return "txn_end"
	case KindCheckpointBegin:
		return "checkpoint_begin"
	case KindCheckpointEnd:
		return "checkpoint_end"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Record is one write-ahead log entry. LSN is assigned by Append;
// PrevLSN chains records of one transaction (NilLSN at the chain head).
type Record struct {
	LSN     common.LSN
	PrevLSN common.LSN
	TxnID   common.TxnID
	Kind    RecordKind
	Payload []byte
}

// On-disk framing, little-endian:
//
//	length  u32  bytes after this field, checksum included
//	lsn     u64
//	prevLSN u64
//	txnID   u64
//	kind    u8
//	payloadLen u32
//	payload
//	checksum u64  xxhash64 of everything between length and checksum
const (
	recordFixedSize = 8 + 8 + 8 + 1 + 4 // lsn..payloadLen
	recordTrailer   = 8
	lenPrefixSize   = 4
)

func (r Record) encodedSize() int {
	return lenPrefixSize + recordFixedSize + len(r.Payload) + recordTrailer
}

func encodeRecord(r Record) []byte {
	body := recordFixedSize + len(r.Payload) + recordTrailer
	buf := make([]byte, lenPrefixSize+body)

	binary.LittleEndian.PutUint32(buf[0:], uint32(body))
	binary.LittleEndian.PutUint64(buf[4:], uint64(r.LSN))
	binary.LittleEndian.PutUint64(buf[12:], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(buf[20:], uint64(r.TxnID))
	buf[28] = byte(r.Kind)
	binary.LittleEndian.PutUint32(buf[29:], uint32(len(r.Payload)))
	copy(buf[33:], r.Payload)

	sum := xxhash.Checksum64(buf[lenPrefixSize : lenPrefixSize+recordFixedSize+len(r.Payload)])
	binary.LittleEndian.PutUint64(buf[len(buf)-recordTrailer:], sum)

	return buf
}

// decodeRecordBody parses the bytes after the length prefix.
func decodeRecordBody(body []byte) (Record, error) {
	var r Record

	if len(body) < recordFixedSize+recordTrailer {
		return r, fmt.Errorf("%w: log record body too short: %d", storage.ErrCorrupted, len(body))
	}

	stored := binary.LittleEndian.Uint64(body[len(body)-recordTrailer:])
	computed := xxhash.Checksum64(body[:len(body)-recordTrailer])
	if stored != computed {
		return r, fmt.Errorf(
			"%w: log record checksum mismatch: stored %016x, computed %016x",
			storage.ErrCorrupted, stored, computed,
		)
	}

	r.LSN = common.LSN(binary.LittleEndian.Uint64(body[0:]))
	r.PrevLSN = common.LSN(binary.LittleEndian.Uint64(body[8:]))
	r.TxnID = common.TxnID(binary.LittleEndian.Uint64(body[16:]))
	r.Kind = RecordKind(body[24])
	payloadLen := int(binary.LittleEndian.Uint32(body[25:]))

	if recordFixedSize+payloadLen+recordTrailer != len(body) {
		return r, fmt.Errorf(
			"%w: log record payload length %d does not match body %d",
			storage.ErrCorrupted, payloadLen, len(body),
		)
	}
	if payloadLen > 0 {
		r.Payload = make([]byte, payloadLen)
		copy(r.Payload, body[recordFixedSize:recordFixedSize+payloadLen])
	}

	if r.Kind < KindBegin || r.Kind > KindCheckpointEnd {
		return r, fmt.Errorf("%w: unknown log record kind %d", storage.ErrCorrupted, r.Kind)
	}

	return r, nil
}

// UpdatePayload carries a redo/undo pair for one contiguous byte range
// of a page payload. Offset is payload-relative. Before and After are
// always the same length.
type UpdatePayload struct {
	PageID common.PageID
	Offset uint32
	Before []byte
	After  []byte
}

func (u UpdatePayload) encode() []byte {
	assert.Assert(len(u.Before) == len(u.After),
		"before image is %d bytes, after image is %d", len(u.Before), len(u.After))

	buf := make([]byte, 8+4+4+len(u.Before)*2)
	binary.LittleEndian.PutUint64(buf[0:], uint64(u.PageID))
	binary.LittleEndian.PutUint32(buf[8:], u.Offset)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(u.Before)))
	copy(buf[16:], u.Before)
	copy(buf[16+len(u.Before):], u.After)

	return buf
}

func DecodeUpdate(payload []byte) (UpdatePayload, error) {
	var u UpdatePayload

	if len(payload) < 16 {
		return u, fmt.Errorf("%w: update payload too short: %d", storage.ErrCorrupted, len(payload))
	}

	u.PageID = common.PageID(binary.LittleEndian.Uint64(payload[0:]))
	u.Offset = binary.LittleEndian.Uint32(payload[8:])
	imgLen := int(binary.LittleEndian.Uint32(payload[12:]))

	if 16+imgLen*2 != len(payload) {
		return u, fmt.Errorf(
			"%w: update payload images do not fit: imgLen %d, payload %d",
			storage.ErrCorrupted, imgLen, len(payload),
		)
	}

	u.Before = payload[16 : 16+imgLen]
	u.After = payload[16+imgLen:]

	return u, nil
}

// CompensationPayload is the redo-only image written while undoing one
// update. UndoNextLSN points at the next record of the transaction that
// still needs undoing (the undone record's PrevLSN).
type CompensationPayload struct {
	PageID      common.PageID
	Offset      uint32
	Image       []byte
	UndoNextLSN common.LSN
}

func (c CompensationPayload) encode() []byte {
	buf := make([]byte, 8+4+4+len(c.Image)+8)
	binary.LittleEndian.PutUint64(buf[0:], uint64(c.PageID))
	binary.LittleEndian.PutUint32(buf[8:], c.Offset)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(c.Image)))
	copy(buf[16:], c.Image)
	binary.LittleEndian.PutUint64(buf[16+len(c.Image):], uint64(c.UndoNextLSN))

	return buf
}

func DecodeCompensation(payload []byte) (CompensationPayload, error) {
	var c CompensationPayload

	if len(payload) < 24 {
		return c, fmt.Errorf(
			"%w: compensation payload too short: %d", storage.ErrCorrupted, len(payload),
		)
	}

	c.PageID = common.PageID(binary.LittleEndian.Uint64(payload[0:]))
	c.Offset = binary.LittleEndian.Uint32(payload[8:])
	imgLen := int(binary.LittleEndian.Uint32(payload[12:]))

	if 16+imgLen+8 != len(payload) {
		return c, fmt.Errorf(
			"%w: compensation image does not fit: imgLen %d, payload %d",
			storage.ErrCorrupted, imgLen, len(payload),
		)
	}

	c.Image = payload[16 : 16+imgLen]
	c.UndoNextLSN = common.LSN(binary.LittleEndian.Uint64(payload[16+imgLen:]))

	return c, nil
}

// CheckpointEndPayload snapshots the active transaction table and the
// dirty page table at checkpoint time.
type CheckpointEndPayload struct {
	ActiveTxns map[common.TxnID]common.LSN
	DirtyPages map[common.PageID]common.LSN
}

func (p CheckpointEndPayload) encode() []byte {
	buf := make([]byte, 4+len(p.ActiveTxns)*16+4+len(p.DirtyPages)*16)

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(p.ActiveTxns)))
	off := 4
	for txn, lastLSN := range p.ActiveTxns {
		binary.LittleEndian.PutUint64(buf[off:], uint64(txn))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(lastLSN))
		off += 16
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.DirtyPages)))
	off += 4
	for pageID, recLSN := range p.DirtyPages {
		binary.LittleEndian.PutUint64(buf[off:], uint64(pageID))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(recLSN))
		off += 16
	}

	return buf
}

func DecodeCheckpointEnd(payload []byte) (CheckpointEndPayload, error) {
	p := CheckpointEndPayload{
		ActiveTxns: make(map[common.TxnID]common.LSN),
		DirtyPages: make(map[common.PageID]common.LSN),
	}

	if len(payload) < 8 {
		return p, fmt.Errorf(
			"%w: checkpoint payload too short: %d", storage.ErrCorrupted, len(payload),
		)
	}

	attCount := int(binary.LittleEndian.Uint32(payload[0:]))
	off := 4
	if len(payload) < off+attCount*16+4 {
		return p, fmt.Errorf("%w: checkpoint payload truncated", storage.ErrCorrupted)
	}
	for i := 0; i < attCount; i++ {
		txn := common.TxnID(binary.LittleEndian.Uint64(payload[off:]))
		p.ActiveTxns[txn] = common.LSN(binary.LittleEndian.Uint64(payload[off+8:]))
		off += 16
	}

	dptCount := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if len(payload) != off+dptCount*16 {
		return p, fmt.Errorf("%w: checkpoint payload truncated", storage.ErrCorrupted)
	}
	for i := 0; i < dptCount; i++ {
		pageID := common.PageID(binary.LittleEndian.Uint64(payload[off:]))
		p.DirtyPages[pageID] = common.LSN(binary.LittleEndian.Uint64(payload[off+8:]))
		off += 16
	}

	return p, nil
}

func NewBegin(txn common.TxnID) Record {
	return Record{TxnID: txn, Kind: KindBegin}
}

func NewUpdate(txn common.TxnID, prev common.LSN, u UpdatePayload) Record {
	return Record{TxnID: txn, PrevLSN: prev, Kind: KindUpdate, Payload: u.encode()}
}

func NewCommit(txn common.TxnID, prev common.LSN) Record {
	return Record{TxnID: txn, PrevLSN: prev, Kind: KindCommit}
}

func NewAbort(txn common.TxnID, prev common.LSN) Record {
	return Record{TxnID: txn, PrevLSN: prev, Kind: KindAbort}
}

func NewCompensation(txn common.TxnID, prev common.LSN, c CompensationPayload) Record {
	return Record{TxnID: txn, PrevLSN: prev, Kind: KindCompensation, Payload: c.encode()}
}

func NewTxnEnd(txn common.TxnID, prev common.LSN) Record {
	return Record{TxnID: txn, PrevLSN: prev, Kind: KindTxnEnd}
}

func NewCheckpointBegin() Record {
	return Record{Kind: KindCheckpointBegin}
}

func NewCheckpointEnd(p CheckpointEndPayload) Record {
	return Record{Kind: KindCheckpointEnd, Payload: p.encode()}
}
