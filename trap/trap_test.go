package trap

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nachos-go/kernel/disk"
	"github.com/nachos-go/kernel/fs"
	"github.com/nachos-go/kernel/interrupt"
	"github.com/nachos-go/kernel/machine"
	"github.com/nachos-go/kernel/thread"
	"github.com/nachos-go/kernel/vm"
)

// memDisk is an in-memory disk.SynchDisk double, mirroring fs's own test
// double — fs tests don't export theirs, so trap gets its own minimal copy.
type memDisk struct {
	sectors [][]byte
}

func newMemDisk(numSectors int) *memDisk {
	d := &memDisk{sectors: make([][]byte, numSectors)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, disk.SectorSize)
	}
	return d
}

func (d *memDisk) NumSectors() int { return len(d.sectors) }

func (d *memDisk) ReadSector(sector int, buf []byte) error {
	copy(buf, d.sectors[sector])
	return nil
}

func (d *memDisk) WriteSector(sector int, buf []byte) error {
	copy(d.sectors[sector], buf)
	return nil
}

var _ disk.SynchDisk = (*memDisk)(nil)

// buildNoff constructs a minimal single-segment NOFF executable image, the
// same layout vm's own tests use, so an eager AddrSpace has every page
// valid up front and user-memory reads/writes never fault.
func buildNoff(code []byte) *bytes.Reader {
	const headerSize = 40
	buf := make([]byte, headerSize+len(code))
	binary.LittleEndian.PutUint32(buf[0:4], 0xbadfad)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(code)))
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(headerSize))
	copy(buf[headerSize:], code)
	return bytes.NewReader(buf)
}

// testKernel bundles one fully-wired kernel instance: scheduler, machine,
// VM fault handler (callbacks wired to the real scheduler), formatted
// filesystem, and the Dispatcher under test.
type testKernel struct {
	sched *thread.Scheduler
	m     *machine.Machine
	fh    *vm.FaultHandler
	ft    *vm.FrameTable
	bs    *vm.BackingStore
	files *fs.FileSystem
	d     *Dispatcher
	out   *bytes.Buffer
}

func newTestKernel(t *testing.T, numPhysPages int) *testKernel {
	t.Helper()
	m := machine.New(vm.PageSize, numPhysPages, 0)
	ft := vm.NewFrameTable(numPhysPages)
	bs := vm.NewBackingStore(4)
	reg := vm.NewRegistry()
	fh := vm.NewFaultHandler(m, ft, reg, bs)

	intr := interrupt.New()
	sched := thread.New(intr, nil)
	fh.ReadyToRun = func(tid int) { sched.ReadyToRunByTID(tid) }
	fh.Sleep = func() { sched.Sleep() }
	fh.ScheduleWakeup = func(tid int, ticks int) { fh.ReadyToRun(tid) }

	blockDevice := newMemDisk(64)
	files := fs.NewFileSystem(blockDevice, func() int { return 0 })
	require.NoError(t, files.Format())

	out := &bytes.Buffer{}
	d := NewDispatcher(m, sched, fh, files, intr)
	d.Stdout = out

	return &testKernel{sched: sched, m: m, fh: fh, ft: ft, bs: bs, files: files, d: d, out: out}
}

// forkWithSpace forks fn as a new thread with an eager address space large
// enough to hold code and registers it with the fault handler, then passes
// the thread's tid to fn once fn is running (so fn can set registers
// before issuing a syscall).
func (k *testKernel) forkWithSpace(t *testing.T, priority int, fn func(tid int)) {
	t.Helper()
	th, err := k.sched.NewThread("worker", priority)
	require.NoError(t, err)

	code := make([]byte, 4*vm.PageSize)
	as, err := vm.New(th.TID(), buildNoff(code), false, k.m, k.ft, k.bs)
	require.NoError(t, err)
	k.fh.Registry().Register(th.TID(), as)
	th.Space = as

	k.sched.Fork(th, func(any) {
		fn(th.TID())
	}, nil)
}

// writeCString copies s plus a trailing NUL into user memory at vaddr
// through the machine's installed page table directly (bypassing the
// Dispatcher, since tests act as the "program" staging its own syscall
// arguments).
func writeCString(t *testing.T, m *machine.Machine, vaddr int, s string) {
	t.Helper()
	for i := 0; i < len(s); i++ {
		require.True(t, m.WriteByte(vm.PageSize, vaddr+i, s[i]))
	}
	require.True(t, m.WriteByte(vm.PageSize, vaddr+len(s), 0))
}

func writeBytes(t *testing.T, m *machine.Machine, vaddr int, buf []byte) {
	t.Helper()
	for i, b := range buf {
		require.True(t, m.WriteByte(vm.PageSize, vaddr+i, b))
	}
}

func readBytes(t *testing.T, m *machine.Machine, vaddr, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	for i := range out {
		paddr, ok := m.Translate(vm.PageSize, vaddr+i)
		require.True(t, ok)
		out[i] = m.MainMemory[paddr]
	}
	return out
}

func TestDispatcher_CreateOpenWriteReadCycle(t *testing.T) {
	k := newTestKernel(t, 16)

	const pathVAddr = 0
	const bufVAddr = 64

	done := make(chan struct{})

	k.forkWithSpace(t, 2, func(tid int) {
		writeCString(t, k.m, pathVAddr, "hello.txt")

		k.m.WriteRegister(machine.SyscallReg, SyscallCreate)
		k.m.WriteRegister(machine.Arg1Reg, pathVAddr)
		k.d.HandleSyscallException(tid)
		require.Equal(t, int32(0), k.m.ReadRegister(machine.SyscallReg))

		k.m.WriteRegister(machine.SyscallReg, SyscallOpen)
		k.m.WriteRegister(machine.Arg1Reg, pathVAddr)
		k.d.HandleSyscallException(tid)
		fd := k.m.ReadRegister(machine.SyscallReg)
		require.GreaterOrEqual(t, fd, int32(2))

		payload := []byte("nachos rules")
		writeBytes(t, k.m, bufVAddr, payload)

		k.m.WriteRegister(machine.SyscallReg, SyscallWrite)
		k.m.WriteRegister(machine.Arg1Reg, bufVAddr)
		k.m.WriteRegister(machine.Arg2Reg, int32(len(payload)))
		k.m.WriteRegister(machine.Arg3Reg, fd)
		k.d.HandleSyscallException(tid)
		require.Equal(t, int32(len(payload)), k.m.ReadRegister(machine.SyscallReg))

		k.m.WriteRegister(machine.SyscallReg, SyscallClose)
		k.m.WriteRegister(machine.Arg1Reg, fd)
		k.d.HandleSyscallException(tid)

		k.m.WriteRegister(machine.SyscallReg, SyscallOpen)
		k.m.WriteRegister(machine.Arg1Reg, pathVAddr)
		k.d.HandleSyscallException(tid)
		fd2 := k.m.ReadRegister(machine.SyscallReg)
		require.GreaterOrEqual(t, fd2, int32(2))

		const readVAddr = 256
		k.m.WriteRegister(machine.SyscallReg, SyscallRead)
		k.m.WriteRegister(machine.Arg1Reg, readVAddr)
		k.m.WriteRegister(machine.Arg2Reg, int32(len(payload)))
		k.m.WriteRegister(machine.Arg3Reg, fd2)
		k.d.HandleSyscallException(tid)
		require.Equal(t, int32(len(payload)), k.m.ReadRegister(machine.SyscallReg))

		require.Equal(t, payload, readBytes(t, k.m, readVAddr, len(payload)))

		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestDispatcher_WriteToConsoleOutput(t *testing.T) {
	k := newTestKernel(t, 16)
	done := make(chan struct{})

	k.forkWithSpace(t, 2, func(tid int) {
		const bufVAddr = 0
		payload := []byte("hi console\n")
		writeBytes(t, k.m, bufVAddr, payload)

		k.m.WriteRegister(machine.SyscallReg, SyscallWrite)
		k.m.WriteRegister(machine.Arg1Reg, bufVAddr)
		k.m.WriteRegister(machine.Arg2Reg, int32(len(payload)))
		k.m.WriteRegister(machine.Arg3Reg, ConsoleOutput)
		k.d.HandleSyscallException(tid)
		require.Equal(t, int32(len(payload)), k.m.ReadRegister(machine.SyscallReg))

		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	require.Equal(t, "hi console\n", k.out.String())
}

// TestDispatcher_ExitReleasesAddrSpaceAndFinishesThread checks that Exit
// prints the status line, frees the calling thread's registered AddrSpace,
// and never returns to its caller — mirroring
// thread.TestFinish_StopsTheCallingGoroutineImmediately's pattern of
// keeping a second thread ready so the handoff doesn't idle forever.
func TestDispatcher_ExitReleasesAddrSpaceAndFinishesThread(t *testing.T) {
	k := newTestKernel(t, 16)

	ran := false
	done := make(chan struct{})
	var exitingTID int

	k.forkWithSpace(t, 2, func(tid int) {
		exitingTID = tid

		other, err := k.sched.NewThread("other", 2)
		require.NoError(t, err)
		k.sched.Fork(other, func(any) {
			close(done)
		}, nil)

		k.m.WriteRegister(machine.SyscallReg, SyscallExit)
		k.m.WriteRegister(machine.Arg1Reg, 7)
		k.d.HandleSyscallException(tid)
		ran = true // must never execute
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the other thread")
	}
	require.False(t, ran)
	require.Contains(t, k.out.String(), "Exit with 7")

	_, ok := k.fh.Registry().Lookup(exitingTID)
	require.False(t, ok)
}

func TestDispatcher_UnknownSyscallIsFatal(t *testing.T) {
	k := newTestKernel(t, 16)
	done := make(chan struct{})

	k.forkWithSpace(t, 2, func(tid int) {
		defer close(done)
		require.Panics(t, func() {
			k.m.WriteRegister(machine.SyscallReg, 99)
			k.d.HandleSyscallException(tid)
		})
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestDispatcher_OpenMissingFileFails(t *testing.T) {
	k := newTestKernel(t, 16)
	done := make(chan struct{})

	k.forkWithSpace(t, 2, func(tid int) {
		writeCString(t, k.m, 0, "nope.txt")
		k.m.WriteRegister(machine.SyscallReg, SyscallOpen)
		k.m.WriteRegister(machine.Arg1Reg, 0)
		k.d.HandleSyscallException(tid)
		require.Equal(t, int32(-1), k.m.ReadRegister(machine.SyscallReg))
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}
