package common

import "math"

// PageID addresses a fixed-size page inside the data file.
// Page 0 is the file header and is never handed out.
type PageID uint64

// TxnID identifies a transaction for the lifetime of the engine process.
// IDs are not reused across recovery: the recovered log dictates the floor.
type TxnID uint64

// LSN is a log sequence number. LSNs start at 1 and are assigned in a
// strict, gapless total order by the write-ahead log.
type LSN uint64

const (
	NilPageID PageID = 0
	NilTxnID  TxnID  = 0
	NilLSN    LSN    = 0

	MaxLSN LSN = math.MaxUint64
)

func (p PageID) IsNil() bool {
	return p == NilPageID
}

func (l LSN) IsNil() bool {
	return l == NilLSN
}

func (t TxnID) IsNil() bool {
	return t == NilTxnID
}
