package vm

import (
	"github.com/nachos-go/kernel/klog"
	"github.com/nachos-go/kernel/machine"
)

// FaultHandler resolves page-fault and TLB-miss traps raised by the
// Machine, per spec §4.5. It is driven by the trap layer, which supplies
// the faulting thread's tid and virtual address; the scheduler callbacks
// below are injected as plain function values rather than an interface
// on package thread, for the same cycle-avoidance reason AddrSpaceBinding
// exists.
type FaultHandler struct {
	m    *machine.Machine
	ft   *FrameTable
	reg  *Registry
	bs   *BackingStore

	// ReadyToRun is called (with interrupts already disabled by
	// HandlePageFault's caller) to wake a thread once its faulted-in page
	// is ready.
	ReadyToRun func(tid int)
	// Sleep transfers the CPU away from the calling thread; it returns
	// once that thread is dispatched again.
	Sleep func()
	// ScheduleWakeup arranges for ReadyToRun(tid) to be invoked roughly
	// DiskFaultLatencyTicks simulated ticks from now, modelling the
	// asynchronous disk-completion interrupt of spec §4.5. The trap/timer
	// layer owns the actual tick-driven queue; this is just the hook.
	ScheduleWakeup func(tid int, ticks int)
}

// NewFaultHandler wires a FaultHandler to the shared machine, frame
// table, AddrSpace registry, and backing store. The three scheduler
// callback fields must be set by the caller before use.
func NewFaultHandler(m *machine.Machine, ft *FrameTable, reg *Registry, bs *BackingStore) *FaultHandler {
	return &FaultHandler{m: m, ft: ft, reg: reg, bs: bs}
}

// Registry exposes the AddrSpace registry so the trap layer can look up
// (and, on thread exit, release) a thread's address space without
// package vm needing to know about package thread's exit path.
func (fh *FaultHandler) Registry() *Registry { return fh.reg }

// HandlePageFault is invoked by the trap layer on PageFaultException. It
// implements the full branch described in spec §4.5: if the machine has
// a TLB and the faulting page is actually valid in the page table, this
// is a pure TLB miss; otherwise it is a demand-paging fault.
func (fh *FaultHandler) HandlePageFault(tid int, badVAddr int) {
	space, ok := fh.reg.Lookup(tid)
	if !ok {
		panic("vm: page fault for tid with no registered address space")
	}
	vpn := badVAddr / PageSize

	if fh.m.HasTLB() {
		if space.pageTable[vpn].Valid {
			fh.handleTLBMiss(space, vpn)
			return
		}
	}
	fh.handleDemandFault(tid, space, vpn)
}

// handleTLBMiss reinstalls vpn's already-valid PTE into the TLB.
func (fh *FaultHandler) handleTLBMiss(space *AddrSpace, vpn int) {
	klog.L.Debug().Int("tid", space.tid).Int("vpn", vpn).Log("tlb miss")
	fh.m.TLBInstall(space.pageTable[vpn])
}

// handleDemandFault materializes vpn for tid's address space, evicting a
// victim frame by the clock hand, writing it back if dirty, then staging
// the faulting page in from the backing store. Per spec §4.5's ordering
// rule the victim is chosen before any disk I/O and the dirty writeback
// precedes re-use; the handler runs with interrupts disabled throughout
// so no other thread observes a half-swapped frame.
func (fh *FaultHandler) handleDemandFault(tid int, space *AddrSpace, vpn int) {
	victim := fh.ft.NextVictim()

	ownerTID, ownerVPN, occupied := fh.ft.Owner(victim)
	if occupied {
		ownerSpace, ok := fh.reg.Lookup(ownerTID)
		if ok {
			victimPTE := &ownerSpace.pageTable[ownerVPN]
			if victimPTE.Dirty {
				page := fh.m.MainMemory[victim*PageSize : (victim+1)*PageSize]
				fh.bs.WriteAt(ownerTID, ownerVPN*PageSize, page)
			}
			victimPTE.Valid = false
			victimPTE.PhysicalPage = -1
		}
	}

	fh.ft.Claim(victim, tid, vpn)
	space.pageTable[vpn].PhysicalPage = victim
	space.pageTable[vpn].Valid = true
	space.pageTable[vpn].Dirty = false
	space.pageTable[vpn].Use = false

	dst := fh.m.MainMemory[victim*PageSize : (victim+1)*PageSize]
	fh.bs.ReadAt(tid, vpn*PageSize, dst)

	klog.L.Debug().Int("tid", tid).Int("vpn", vpn).Int("frame", victim).Log("page fault resolved")

	fh.ScheduleWakeup(tid, DiskFaultLatencyTicks)
	fh.Sleep()
}
