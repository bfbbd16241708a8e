package cache

import (
	"sync/atomic"

	"voxmesh/internal/meshing"
)

// entry is one published fragment. refs counts the cache's own reference
// plus every live Handle; the fragment is freed when it drops to zero.
type entry struct {
	frag     *meshing.Fragment
	bytes    int64
	lastUsed atomic.Uint64
	refs     atomic.Int64
	onFree   func(*meshing.Fragment)
}

func newEntry(frag *meshing.Fragment, onFree func(*meshing.Fragment)) *entry {
	e := &entry{frag: frag, bytes: int64(frag.Bytes()), onFree: onFree}
	e.refs.Store(1)
	return e
}

// acquire takes a reference unless the entry is already freed.
func (e *entry) acquire() bool {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *entry) release() {
	n := e.refs.Add(-1)
	if n < 0 {
		panic("cache: fragment released more often than acquired")
	}
	if n == 0 && e.onFree != nil {
		e.onFree(e.frag)
	}
}

// Handle is a shared, read-only reference to a published fragment.
type Handle struct {
	e        *entry
	released atomic.Bool
}

// Fragment returns the referenced fragment. It must not be modified.
func (h *Handle) Fragment() *meshing.Fragment {
	return h.e.frag
}

// Release gives the reference back. Further calls are no-ops.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.e.release()
	}
}
