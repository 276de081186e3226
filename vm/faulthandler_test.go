package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nachos-go/kernel/machine"
)

// newTestFaultHandler wires a FaultHandler with no-op scheduler callbacks
// (recording calls instead of actually blocking), suitable for exercising
// the fault-resolution mechanics in isolation from package thread.
func newTestFaultHandler(m *machine.Machine, ft *FrameTable, reg *Registry, bs *BackingStore) (*FaultHandler, *[]int, *[]int) {
	var readyCalls, sleepCalls []int
	fh := NewFaultHandler(m, ft, reg, bs)
	fh.ReadyToRun = func(tid int) { readyCalls = append(readyCalls, tid) }
	fh.Sleep = func() { sleepCalls = append(sleepCalls, 1) }
	fh.ScheduleWakeup = func(tid int, ticks int) { fh.ReadyToRun(tid) }
	return fh, &readyCalls, &sleepCalls
}

func TestFaultHandler_DemandFaultMaterializesPage(t *testing.T) {
	code := []byte("0123456789abcdef")
	exe := buildNoff(code, nil)

	m := machine.New(PageSize, 2, 0)
	ft := NewFrameTable(2)
	bs := NewBackingStore(1)
	reg := NewRegistry()

	as, err := New(0, exe, true, m, ft, bs)
	require.NoError(t, err)
	reg.Register(0, as)

	fh, _, sleepCalls := newTestFaultHandler(m, ft, reg, bs)

	fh.HandlePageFault(0, 0)

	pte := as.PageTableEntry(0)
	require.True(t, pte.Valid)
	require.Len(t, *sleepCalls, 1)

	got := m.MainMemory[pte.PhysicalPage*PageSize : pte.PhysicalPage*PageSize+len(code)]
	require.Equal(t, code, got)
}

// TestFaultHandler_ClockEvictionWritesBackDirtyVictim exercises the
// ordering rule of spec §4.5: a dirty victim is written to its owner's
// backing-store slice before the frame is reused.
func TestFaultHandler_ClockEvictionWritesBackDirtyVictim(t *testing.T) {
	m := machine.New(PageSize, 1, 0) // exactly one physical frame
	ft := NewFrameTable(1)
	bs := NewBackingStore(2)
	reg := NewRegistry()

	exeA := buildNoff([]byte("AAAAAAAAAAAAAAAA"), nil)
	asA, err := New(0, exeA, true, m, ft, bs)
	require.NoError(t, err)
	reg.Register(0, asA)

	exeB := buildNoff([]byte("BBBBBBBBBBBBBBBB"), nil)
	asB, err := New(1, exeB, true, m, ft, bs)
	require.NoError(t, err)
	reg.Register(1, asB)

	fh, _, _ := newTestFaultHandler(m, ft, reg, bs)

	// Thread 0 faults vpn 0 in; it occupies the sole frame.
	fh.HandlePageFault(0, 0)
	require.True(t, asA.PageTableEntry(0).Valid)

	// Dirty the resident page directly in main memory (simulating a user
	// write), then mark the PTE dirty as the Machine would.
	frame := asA.PageTableEntry(0).PhysicalPage
	copy(m.MainMemory[frame*PageSize:], []byte("MUTATED-BY-USER!"))
	asA.pageTable[0].Dirty = true

	// Thread 1 faults vpn 0 in, evicting thread 0's page.
	fh.HandlePageFault(1, 0)
	require.True(t, asB.PageTableEntry(0).Valid)
	require.False(t, asA.PageTableEntry(0).Valid, "victim PTE must be invalidated")

	writtenBack := make([]byte, 16)
	bs.ReadAt(0, 0, writtenBack)
	require.Equal(t, []byte("MUTATED-BY-USER!"), writtenBack)
}

func TestFaultHandler_TLBPresentPureMissReinstallsPTE(t *testing.T) {
	code := []byte("tlb-miss-program")
	exe := buildNoff(code, nil)

	m := machine.New(PageSize, 16, 4) // 4 TLB entries
	ft := NewFrameTable(16)

	as, err := New(0, exe, false, m, ft, nil) // eager: PTEs already valid
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Register(0, as)

	fh, _, sleepCalls := newTestFaultHandler(m, ft, reg, nil)

	fh.HandlePageFault(0, 0)

	require.Empty(t, *sleepCalls, "a pure TLB miss must not block the thread")
	_, ok := m.TLBLookup(0)
	require.True(t, ok)
}
