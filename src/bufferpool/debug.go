package bufferpool

import (
	"errors"
	"fmt"

	"github.com/quillsql/quill/src/pkg/common"
)

// DebugManager wraps a Manager with invariant checks used by tests:
// after a test body releases everything, no page may stay pinned and no
// frame latch may stay held.
type DebugManager struct {
	*Manager
}

func NewDebugManager(m *Manager) *DebugManager {
	return &DebugManager{Manager: m}
}

// EnsureAllPagesUnpinned reports every page whose pin count is not zero
// and every frame whose latch could not be taken.
func (d *DebugManager) EnsureAllPagesUnpinned() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pinned := map[common.PageID]uint64{}
	latched := map[common.PageID]struct{}{}

	for id, info := range d.pageTable {
		if info.pinCount != 0 {
			pinned[id] = info.pinCount
		}

		frame := &d.frames[info.frameID]
		if !frame.TryLock() {
			latched[id] = struct{}{}
		} else {
			frame.Unlock()
		}
	}

	var err error
	if len(pinned) > 0 {
		err = fmt.Errorf("pages left pinned: %+v", pinned)
	}
	if len(latched) > 0 {
		err = errors.Join(err, fmt.Errorf("frame latches left held: %+v", latched))
	}

	return err
}
