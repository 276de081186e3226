// Package machine models the external, simulated MIPS-like CPU: its
// register bank, byte-addressable main memory, and (optionally) its TLB.
// It is deliberately dumb about kernel policy — the page-fault and
// TLB-miss handling logic lives in package vm, which drives the Machine
// through the small surface exposed here, exactly as spec §2 describes
// the Machine as an external collaborator reached only through its
// interface.
package machine

import "sync"

// Register indices, matching the original MIPS-like register convention:
// r2 carries the syscall number/result, r4-r7 carry syscall arguments.
const (
	NumTotalRegs = 40

	PCReg       = 34
	NextPCReg   = 35
	PrevPCReg   = 36
	StackReg    = 29
	BadVAddrReg = 37

	SyscallReg = 2
	Arg1Reg    = 4
	Arg2Reg    = 5
	Arg3Reg    = 6
	Arg4Reg    = 7
)

// PageTableEntry is the machine's view of one virtual-to-physical
// translation, shared verbatim between the installed page table and the
// TLB (when present).
type PageTableEntry struct {
	VirtualPage  int
	PhysicalPage int
	Valid        bool
	Use          bool
	Dirty        bool
	ReadOnly     bool
}

// Machine holds the simulated CPU's mutable hardware state: registers,
// main memory, the currently-installed page table (swapped wholesale on
// every context switch, per spec §4.4's save_state/restore_state), and an
// optional TLB.
type Machine struct {
	mu sync.Mutex

	MainMemory []byte

	registers [NumTotalRegs]int32

	pageTable []PageTableEntry

	tlb       []PageTableEntry
	tlbTicks  []int // LRU counters, one per TLB slot, incremented each tick
	numPhysPg int
}

// New creates a Machine with the given physical memory size (in pages) and
// TLB entry count. tlbEntries == 0 models a machine with no TLB, in which
// case every reference walks the full page table directly and any invalid
// entry is a page fault (spec §4.5).
func New(pageSize, numPhysPages, tlbEntries int) *Machine {
	m := &Machine{
		MainMemory: make([]byte, pageSize*numPhysPages),
		numPhysPg:  numPhysPages,
	}
	if tlbEntries > 0 {
		m.tlb = make([]PageTableEntry, tlbEntries)
		m.tlbTicks = make([]int, tlbEntries)
		for i := range m.tlb {
			m.tlb[i].Valid = false
		}
	}
	return m
}

// HasTLB reports whether this machine configuration has a TLB. When false,
// the page table is consulted directly on every memory reference and a
// TLB miss can never occur — only a page fault (spec §4.5).
func (m *Machine) HasTLB() bool {
	return len(m.tlb) > 0
}

// NumPhysPages returns the number of physical frames backing MainMemory.
func (m *Machine) NumPhysPages() int { return m.numPhysPg }

// ReadRegister and WriteRegister access the simulated register bank.
func (m *Machine) ReadRegister(i int) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registers[i]
}

func (m *Machine) WriteRegister(i int, v int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers[i] = v
}

// PageTable returns the currently-installed page table, or nil if none is
// installed (e.g. between SaveState and RestoreState during a context
// switch — spec §4.4).
func (m *Machine) PageTable() []PageTableEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageTable
}

// SetPageTable installs (or, passed nil, uninstalls) the page table the
// machine translates against. AddrSpace.SaveState/RestoreState are the
// only callers, per spec §4.4.
func (m *Machine) SetPageTable(pt []PageTableEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageTable = pt
	if m.HasTLB() {
		for i := range m.tlb {
			m.tlb[i].Valid = false
		}
	}
}

// TLBLookup returns the TLB entry for vpn, if resident.
func (m *Machine) TLBLookup(vpn int) (PageTableEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.tlb {
		if e.Valid && e.VirtualPage == vpn {
			m.tlbTicks[i] = 0
			return e, true
		}
	}
	return PageTableEntry{}, false
}

// TLBInstall loads entry into the TLB, evicting the slot with the largest
// LRU counter (spec §4.5: "victim = entry with largest counter"). An
// invalid (never-used) slot is always preferred as the victim.
func (m *Machine) TLBInstall(entry PageTableEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	victim := 0
	for i := range m.tlb {
		if !m.tlb[i].Valid {
			victim = i
			break
		}
		if m.tlbTicks[i] > m.tlbTicks[victim] {
			victim = i
		}
	}
	m.tlb[victim] = entry
	m.tlbTicks[victim] = 0
}

// TickTLB increments every resident TLB slot's LRU counter; called once
// per simulated timer tick (spec §4.5).
func (m *Machine) TickTLB() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tlbTicks {
		if m.tlb[i].Valid {
			m.tlbTicks[i]++
		}
	}
}

// Translate converts a virtual address to a physical offset into
// MainMemory, consulting the TLB when present and the installed page
// table otherwise. ok is false on a TLB miss or an invalid/missing page
// table entry — the caller (package trap) is expected to drive
// vm.FaultHandler and retry.
func (m *Machine) Translate(pageSize, vaddr int) (paddr int, ok bool) {
	vpn := vaddr / pageSize
	offset := vaddr % pageSize

	if m.HasTLB() {
		e, found := m.TLBLookup(vpn)
		if !found {
			return 0, false
		}
		return e.PhysicalPage*pageSize + offset, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vpn < 0 || vpn >= len(m.pageTable) || !m.pageTable[vpn].Valid {
		return 0, false
	}
	return m.pageTable[vpn].PhysicalPage*pageSize + offset, true
}

// WriteByte writes b to vaddr through the installed page table, marking
// the covering entry dirty. Unlike Translate this always consults the
// page table directly (not the TLB) so the dirty bit lands on the
// entry the fault handler and eviction path actually inspect.
func (m *Machine) WriteByte(pageSize, vaddr int, b byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	vpn := vaddr / pageSize
	if vpn < 0 || vpn >= len(m.pageTable) || !m.pageTable[vpn].Valid {
		return false
	}
	m.pageTable[vpn].Dirty = true
	paddr := m.pageTable[vpn].PhysicalPage*pageSize + vaddr%pageSize
	m.MainMemory[paddr] = b
	return true
}
