package common

// DiskManager is the page-granular I/O surface the buffer pool drives.
// Implemented by the page file; buf always spans exactly one page.
type DiskManager interface {
	ReadPage(id PageID, buf []byte) error
	WritePage(id PageID, buf []byte) error
	Allocate() (PageID, error)
	PageSize() uint32
}

// LogFlusher is the slice of the write-ahead log the buffer pool needs
// to honor the write-ahead rule: no dirty page reaches disk before its
// log records do.
type LogFlusher interface {
	Flush(upTo LSN) error
	DurableLSN() LSN
}

// ActiveTxnTable exposes the in-flight transactions for checkpointing:
// the table snapshot (txn id -> last LSN of its chain) and the earliest
// LSN any of them may still need for rollback.
type ActiveTxnTable interface {
	ActiveSnapshot() map[TxnID]LSN
	OldestBeginLSN() LSN
}
