package vm

import (
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// frameOwner is the weak back-reference a FrameTable keeps for an
// occupied frame: which thread's page is resident there, and at what
// virtual page number. The spec's own cyclic-reference guidance (Thread
// <-> AddrSpace <-> frame table) calls for indices rather than pointers
// to PageTableEntry; the actual PTE is recomputed on demand via Registry,
// keyed by ownerTID.
type frameOwner struct {
	occupied bool
	ownerTID int
	vpn      int
}

// FrameTable is the kernel-wide record of which (thread, virtual page)
// occupies each physical frame, plus the clock hand used to pick an
// eviction victim under demand paging (spec §4.5).
type FrameTable struct {
	mu        sync.Mutex
	frames    []frameOwner
	clockHand int
}

// NewFrameTable creates a frame table sized for numFrames physical pages,
// all initially free.
func NewFrameTable(numFrames int) *FrameTable {
	return &FrameTable{frames: make([]frameOwner, numFrames)}
}

// Len returns the number of physical frames tracked.
func (ft *FrameTable) Len() int { return len(ft.frames) }

// AllocateFree scans for a free frame and claims it for (tid, vpn),
// without consulting the clock hand. Used by the eager (non-demand)
// loader, which assigns frames up front rather than on fault.
func (ft *FrameTable) AllocateFree(tid, vpn int) (int, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i := range ft.frames {
		if !ft.frames[i].occupied {
			ft.frames[i] = frameOwner{occupied: true, ownerTID: tid, vpn: vpn}
			return i, true
		}
	}
	return -1, false
}

// Owner reports the current occupant of frame, if any.
func (ft *FrameTable) Owner(frame int) (tid, vpn int, occupied bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	o := ft.frames[frame]
	return o.ownerTID, o.vpn, o.occupied
}

// NextVictim returns the frame the clock hand currently points to,
// without advancing it or mutating occupancy. The caller inspects the
// victim (and may write it back) before calling Claim, which advances
// the hand per spec §4.5 ("advance the clock hand modulo NumPhysPages").
func (ft *FrameTable) NextVictim() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.clockHand
}

// Claim assigns frame to (tid, vpn) and advances the clock hand past it.
func (ft *FrameTable) Claim(frame, tid, vpn int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.frames[frame] = frameOwner{occupied: true, ownerTID: tid, vpn: vpn}
	ft.clockHand = (frame + 1) % len(ft.frames)
}

// Release marks frame free, e.g. when its owning thread exits.
func (ft *FrameTable) Release(frame int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.frames[frame] = frameOwner{}
}

// Registry maps a live thread's tid to its AddrSpace, so the fault
// handler can recompute "the PTE behind this frame" from a frameOwner's
// (ownerTID, vpn) pair rather than a stored pointer, exactly per the
// spec's cyclic-reference note. Grounded on the keyed, mutex-guarded
// registry shape used for tracking live promises in this codebase's
// event loop, simplified here since the kernel — not the garbage
// collector — owns an AddrSpace's lifetime explicitly (released on
// thread exit, not finalized).
type Registry struct {
	mu   sync.RWMutex
	byID map[int]*AddrSpace
}

// NewRegistry creates an empty AddrSpace registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int]*AddrSpace)}
}

// Register associates tid with space.
func (r *Registry) Register(tid int, space *AddrSpace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[tid] = space
}

// Unregister drops tid's association, e.g. on thread exit.
func (r *Registry) Unregister(tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, tid)
}

// Lookup returns tid's AddrSpace, if registered.
func (r *Registry) Lookup(tid int) (*AddrSpace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[tid]
	return s, ok
}

// TIDs returns every registered tid in ascending order, for debugging and
// tests.
func (r *Registry) TIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := maps.Keys(r.byID)
	sort.Ints(ids)
	return ids
}
