package bufferpool

import (
	"sync"

	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage/page"
)

// Frame is one in-memory slot of the pool, holding at most one page's
// content. Pin count and dirty state live in the Manager's tables and
// are mutated only under the pool mutex; the frame latch guards the page
// bytes themselves.
type Frame struct {
	latch sync.RWMutex

	id   common.PageID
	data page.Page
}

// PageID reports which page currently occupies the frame. Valid while
// the caller holds a pin.
func (f *Frame) PageID() common.PageID {
	return f.id
}

// Payload is the caller-owned region of the page. Access it under the
// frame latch.
func (f *Frame) Payload() []byte {
	return f.data.Payload()
}

// PageLSN is the LSN of the last logged mutation applied to this page.
func (f *Frame) PageLSN() common.LSN {
	return f.data.LSN()
}

// SetPageLSN stamps the page LSN after a logged mutation. Callers hold
// the frame latch.
func (f *Frame) SetPageLSN(lsn common.LSN) {
	f.data.SetLSN(lsn)
}

func (f *Frame) Lock()         { f.latch.Lock() }
func (f *Frame) Unlock()       { f.latch.Unlock() }
func (f *Frame) TryLock() bool { return f.latch.TryLock() }
func (f *Frame) RLock()        { f.latch.RLock() }
func (f *Frame) RUnlock()      { f.latch.RUnlock() }
