package vm

import (
	"fmt"
	"io"

	"github.com/nachos-go/kernel/klog"
	"github.com/nachos-go/kernel/machine"
)

// AddrSpace is one thread's virtual address space: its page table and,
// under demand paging, its private slice of a shared BackingStore. It
// implements thread.AddrSpaceBinding structurally (SaveState, RestoreState,
// Release) without this package ever importing package thread.
type AddrSpace struct {
	tid      int
	numPages int
	pageTable []machine.PageTableEntry
	demand   bool

	m   *machine.Machine
	ft  *FrameTable
	bs  *BackingStore // nil unless demand
}

// New loads a NOFF executable into a fresh address space for tid.
//
// demand selects between the two configurations spec §4.4 describes:
// eager (each PTE assigned a physical frame up front, bytes copied
// directly into main memory) and demand-paged (every PTE starts
// invalid; the whole image is staged into the backing store and
// materialized lazily on fault, see FaultHandler.HandlePageFault).
func New(tid int, executable io.ReaderAt, demand bool, m *machine.Machine, ft *FrameTable, bs *BackingStore) (*AddrSpace, error) {
	h, err := machine.ReadNoffHeader(executable)
	if err != nil {
		return nil, err
	}

	size := int(h.Code.Size + h.InitData.Size + h.UninitData.Size + UserStackSize)
	numPages := divRoundUp(size, PageSize)

	if demand {
		if numPages*PageSize > DiskSizePerThread {
			return nil, ErrProgramTooLarge
		}
	} else if numPages > m.NumPhysPages() {
		return nil, ErrProgramTooLarge
	}

	as := &AddrSpace{
		tid:       tid,
		numPages:  numPages,
		pageTable: make([]machine.PageTableEntry, numPages),
		demand:    demand,
		m:         m,
		ft:        ft,
		bs:        bs,
	}

	klog.L.Debug().Int("tid", tid).Int("pages", numPages).Bool("demand", demand).Log("address space initializing")

	if demand {
		as.stageDemand(h, executable)
	} else {
		if err := as.loadEager(h, executable); err != nil {
			return nil, err
		}
	}

	return as, nil
}

// divRoundUp divides n by d, rounding up.
func divRoundUp(n, d int) int {
	return (n + d - 1) / d
}

// loadEager assigns every page a physical frame up front and copies the
// code and initData segments directly into main memory, one byte at a
// time via a virtual-to-physical translation of the destination address
// — matching the original's simple but wasteful loading loop (spec §4.4).
func (as *AddrSpace) loadEager(h machine.NoffHeader, executable io.ReaderAt) error {
	for vpn := range as.pageTable {
		frame, ok := as.ft.AllocateFree(as.tid, vpn)
		if !ok {
			return ErrNoFreeFrame
		}
		as.pageTable[vpn] = machine.PageTableEntry{
			VirtualPage:  vpn,
			PhysicalPage: frame,
			Valid:        true,
		}
		clear(as.m.MainMemory[frame*PageSize : (frame+1)*PageSize])
	}

	if err := as.copySegment(h.Code, executable); err != nil {
		return err
	}
	if err := as.copySegment(h.InitData, executable); err != nil {
		return err
	}
	return nil
}

func (as *AddrSpace) copySegment(seg machine.Segment, executable io.ReaderAt) error {
	if seg.Size <= 0 {
		return nil
	}
	buf := make([]byte, seg.Size)
	if _, err := executable.ReadAt(buf, int64(seg.InFileAddr)); err != nil {
		return fmt.Errorf("vm: read segment: %w", err)
	}
	for i, b := range buf {
		vaddr := int(seg.VirtualAddr) + i
		paddr, ok := as.translateValid(vaddr)
		if !ok {
			return fmt.Errorf("vm: segment byte at vaddr %d has no valid translation", vaddr)
		}
		as.m.MainMemory[paddr] = b
	}
	return nil
}

// translateValid returns the physical address for vaddr, assuming the
// owning page is already resident (used only during eager loading, where
// every page was just allocated).
func (as *AddrSpace) translateValid(vaddr int) (int, bool) {
	vpn := vaddr / PageSize
	offset := vaddr % PageSize
	if vpn < 0 || vpn >= len(as.pageTable) || !as.pageTable[vpn].Valid {
		return 0, false
	}
	return as.pageTable[vpn].PhysicalPage*PageSize + offset, true
}

// stageDemand copies the code and initData segments into this thread's
// slice of the shared backing store, leaving every PTE invalid; pages
// are materialized lazily by FaultHandler.HandlePageFault (spec §4.4, §4.5).
func (as *AddrSpace) stageDemand(h machine.NoffHeader, executable io.ReaderAt) {
	for vpn := range as.pageTable {
		as.pageTable[vpn] = machine.PageTableEntry{VirtualPage: vpn, PhysicalPage: -1, Valid: false}
	}

	stage := func(seg machine.Segment) {
		if seg.Size <= 0 {
			return
		}
		buf := make([]byte, seg.Size)
		_, _ = executable.ReadAt(buf, int64(seg.InFileAddr))
		as.bs.WriteAt(as.tid, int(seg.VirtualAddr), buf)
	}
	stage(h.Code)
	stage(h.InitData)
}

// InitRegisters zeroes the register bank and sets PC, NextPC, and the
// stack pointer for a fresh program start (spec §4.4).
func (as *AddrSpace) InitRegisters() {
	for i := 0; i < machine.NumTotalRegs; i++ {
		as.m.WriteRegister(i, 0)
	}
	as.m.WriteRegister(machine.PCReg, 0)
	as.m.WriteRegister(machine.NextPCReg, 4)
	sp := int32(as.numPages*PageSize - 16)
	as.m.WriteRegister(machine.StackReg, sp)
}

// SaveState uninstalls this address space's page table from the machine
// on a context switch out, per spec §4.4.
func (as *AddrSpace) SaveState() {
	as.m.SetPageTable(nil)
}

// RestoreState installs this address space's page table on a context
// switch in, per spec §4.4.
func (as *AddrSpace) RestoreState() {
	as.m.SetPageTable(as.pageTable)
}

// Release frees every physical frame this address space still holds,
// called once the owning thread has finished (spec: "released on thread
// exit").
func (as *AddrSpace) Release() {
	for i := range as.pageTable {
		if as.pageTable[i].Valid {
			as.ft.Release(as.pageTable[i].PhysicalPage)
			as.pageTable[i].Valid = false
		}
	}
}

// NumPages returns this address space's page count, for tests/diagnostics.
func (as *AddrSpace) NumPages() int { return as.numPages }

// PageTableEntry returns a copy of the PTE for vpn, for tests/diagnostics.
func (as *AddrSpace) PageTableEntry(vpn int) machine.PageTableEntry {
	return as.pageTable[vpn]
}
