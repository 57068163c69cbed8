package bufferpool

import (
	"fmt"

	"github.com/quillsql/quill/src/pkg/assert"
	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage"
)

// Replacer tracks which resident pages are eviction candidates and picks
// victims. Implementations are not thread-safe: the Manager calls them
// under its own mutex.
type Replacer interface {
	// Pin removes the page from the candidate set.
	Pin(id common.PageID)
	// Unpin makes the page a candidate again with a fresh reference.
	Unpin(id common.PageID)
	// ChooseVictim removes and returns an unpinned page, or
	// storage.ErrPoolExhausted when every resident page is pinned.
	ChooseVictim() (common.PageID, error)
	// Size reports the number of current candidates.
	Size() uint64
}

// ClockReplacer is a second-chance ring: a victim search sweeps the ring
// clearing reference bits and evicts the first page whose bit was
// already clear. Pages touched since the last sweep survive one pass.
type ClockReplacer struct {
	ring    []common.PageID
	hand    int
	entries map[common.PageID]*clockEntry
}

type clockEntry struct {
	refBit bool
}

var _ Replacer = &ClockReplacer{}

func NewClockReplacer() *ClockReplacer {
	return &ClockReplacer{
		entries: make(map[common.PageID]*clockEntry),
	}
}

func (c *ClockReplacer) Pin(id common.PageID) {
	// lazily removed from the ring during the next sweep
	delete(c.entries, id)
}

func (c *ClockReplacer) Unpin(id common.PageID) {
	if e, ok := c.entries[id]; ok {
		e.refBit = true
		return
	}

	c.entries[id] = &clockEntry{refBit: true}
	c.ring = append(c.ring, id)
}

func (c *ClockReplacer) ChooseVictim() (common.PageID, error) {
	if len(c.entries) == 0 {
		return common.NilPageID, fmt.Errorf(
			"%w: all %d resident pages are pinned", storage.ErrPoolExhausted, len(c.ring),
		)
	}

	// two full sweeps always suffice: the first clears every ref bit
	maxSweeps := 2 * len(c.ring)
	for sweep := 0; sweep < maxSweeps; sweep++ {
		if c.hand >= len(c.ring) {
			c.hand = 0
		}

		id := c.ring[c.hand]
		e, ok := c.entries[id]
		if !ok {
			// pinned (or stale duplicate): drop from the ring in place
			c.ring = append(c.ring[:c.hand], c.ring[c.hand+1:]...)
			continue
		}

		if e.refBit {
			e.refBit = false
			c.hand++
			continue
		}

		c.ring = append(c.ring[:c.hand], c.ring[c.hand+1:]...)
		delete(c.entries, id)
		return id, nil
	}

	assert.Assert(false, "clock sweep found no victim among %d candidates", len(c.entries))
	panic("unreachable")
}

func (c *ClockReplacer) Size() uint64 {
	return uint64(len(c.entries))
}
