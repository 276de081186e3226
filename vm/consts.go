// Package vm implements per-thread address spaces, demand paging, and the
// global physical-frame eviction policy described in spec §4.4-4.5: a
// thread's AddrSpace owns a page table and (under demand paging) a slice
// of a shared backing store; the FrameTable tracks which thread/page
// currently occupies each physical frame and drives clock-hand eviction
// on a fault.
//
// vm never imports package thread: the scheduler callbacks a fault
// handler needs (ReadyToRun, Sleep) are injected as plain function
// values by the trap layer that wires the two together, avoiding the
// Thread<->AddrSpace<->FrameTable reference cycle the spec's own design
// notes call out (§ "Cyclic references").
package vm

const (
	// PageSize is the size in bytes of one virtual or physical page.
	PageSize = 128

	// UserStackSize is the number of bytes of stack appended after a
	// program's code/initData/uninitData segments.
	UserStackSize = 1024

	// DiskSizePerThread is the size, in bytes, of one thread's private
	// slice of the demand-paging backing store. It must be large enough
	// to hold the largest address space this configuration supports.
	DiskSizePerThread = 64 * PageSize

	// DiskFaultLatencyTicks is the simulated number of ticks between a
	// demand-paging fault and the disk-completion interrupt that wakes
	// the faulting thread, matching the original simulator's constant.
	DiskFaultLatencyTicks = 150
)
