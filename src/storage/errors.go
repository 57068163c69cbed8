// Package storage holds the error taxonomy shared by the page file, the
// buffer pool, the write-ahead log and recovery. Callers match with
// errors.Is; producers wrap with fmt.Errorf and %w so the underlying
// cause stays inspectable.
package storage

import "errors"

var (
	// ErrIO marks a medium failure. Fatal to the in-flight operation;
	// never retried internally for writes that affect durability.
	ErrIO = errors.New("i/o failure")

	// ErrInvalidPageID marks use of a page that was never allocated or
	// was already freed. Always a caller bug.
	ErrInvalidPageID = errors.New("invalid page id")

	// ErrCorrupted marks a checksum mismatch. The affected page (or log
	// record, or file header) is refused, never served as-is.
	ErrCorrupted = errors.New("corrupted data")

	// ErrPoolExhausted is returned when every frame is pinned and a new
	// page has to be loaded. Transient; release pins and retry.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrRecoveryFailed means startup recovery could not restore a
	// consistent state. The engine must not come online.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrTxnFinished marks use of a transaction after Commit or Abort.
	ErrTxnFinished = errors.New("transaction already finished")

	// ErrDeadlock is returned to a lock waiter chosen as a deadlock victim.
	ErrDeadlock = errors.New("deadlock detected")
)
