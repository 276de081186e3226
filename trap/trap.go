// Package trap implements the kernel's exception and syscall dispatch
// vector, per spec §6: the Machine raises SyscallException and
// PageFaultException into this package, which routes page faults to
// vm.FaultHandler, syscalls to the console/filesystem, and thread
// termination to package thread.
package trap

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nachos-go/kernel/disk"
	"github.com/nachos-go/kernel/fs"
	"github.com/nachos-go/kernel/interrupt"
	"github.com/nachos-go/kernel/klog"
	"github.com/nachos-go/kernel/machine"
	"github.com/nachos-go/kernel/thread"
	"github.com/nachos-go/kernel/vm"
)

// Syscall numbers, per spec §6's "Syscall interface (trap convention)".
const (
	SyscallHalt = iota
	SyscallExit
	SyscallCreate
	SyscallOpen
	SyscallRead
	SyscallWrite
	SyscallClose
)

// Console file ids are reserved, per spec §6.
const (
	ConsoleInput  = 0
	ConsoleOutput = 1
)

// maxPathLen bounds how many bytes ReadCString will copy out of user
// memory before giving up, guarding against a malformed/unterminated
// pointer wedging the kernel.
const maxPathLen = 512

// Dispatcher wires the Machine's exceptions to the scheduler, the VM
// fault handler, and the filesystem, per spec §6.
type Dispatcher struct {
	m     *machine.Machine
	sched *thread.Scheduler
	fh    *vm.FaultHandler
	files *fs.FileSystem
	intr  *interrupt.Controller

	Stdin  io.Reader
	Stdout io.Writer

	// OnHalt is invoked by the Halt syscall. The default logs and leaves
	// the caller's goroutine running (tests own their own shutdown);
	// a real boot harness overrides this to actually stop the machine.
	OnHalt func()

	mu         sync.Mutex
	openFiles  map[int]map[int]*fs.OpenFile
	nextFileID map[int]int
}

// NewDispatcher wires a Dispatcher to its collaborators. fh's
// ReadyToRun/Sleep/ScheduleWakeup callbacks must already be set by the
// caller (see vm.FaultHandler's doc comment). intr must be the same
// controller the Machine and Scheduler share, since resolving a page
// fault may call through to Scheduler.Sleep, which requires interrupts
// already disabled — the same convention package ksync's primitives
// follow.
func NewDispatcher(m *machine.Machine, sched *thread.Scheduler, fh *vm.FaultHandler, files *fs.FileSystem, intr *interrupt.Controller) *Dispatcher {
	return &Dispatcher{
		m:     m,
		sched: sched,
		fh:    fh,
		files: files,
		intr:  intr,
		Stdin: os.Stdin, Stdout: os.Stdout,
		OnHalt:     func() { klog.L.Info().Log("machine halted") },
		openFiles:  make(map[int]map[int]*fs.OpenFile),
		nextFileID: make(map[int]int),
	}
}

// HandlePageFaultException forwards to vm.FaultHandler, per spec §6:
// "PageFaultException dispatches to TLB miss vs. demand-paging fault as
// in §4.5."
func (d *Dispatcher) HandlePageFaultException(tid int) {
	badVAddr := int(d.m.ReadRegister(machine.BadVAddrReg))
	old := d.intr.Disable()
	d.fh.HandlePageFault(tid, badVAddr)
	d.intr.Restore(old)
}

// HandleSyscallException reads the syscall number from SyscallReg and
// dispatches, per spec §6's "SyscallException dispatches as above".
// Any unrecognized syscall is fatal, per the Error Handling table.
func (d *Dispatcher) HandleSyscallException(tid int) {
	sc := int(d.m.ReadRegister(machine.SyscallReg))

	switch sc {
	case SyscallHalt:
		d.OnHalt()
	case SyscallExit:
		d.exit(tid)
		return // exit never returns to advance the PC
	case SyscallCreate:
		d.create(tid)
	case SyscallOpen:
		d.open(tid)
	case SyscallClose:
		d.close(tid)
	case SyscallWrite:
		d.write(tid)
	case SyscallRead:
		d.read(tid)
	default:
		klog.L.Err(fmt.Errorf("trap: unknown syscall %d", sc)).Int("syscall", sc).Log("unknown syscall number")
		panic(fmt.Sprintf("trap: unknown syscall %d", sc))
	}

	d.advancePC()
}

// advancePC rotates PrevPC/PC/NextPC forward by one instruction, so the
// instruction following the syscall resumes next instead of re-trapping
// on the same one, per the original ExceptionHandler's bookkeeping.
func (d *Dispatcher) advancePC() {
	d.m.WriteRegister(machine.PrevPCReg, d.m.ReadRegister(machine.PCReg))
	d.m.WriteRegister(machine.PCReg, d.m.ReadRegister(machine.NextPCReg))
	d.m.WriteRegister(machine.NextPCReg, d.m.ReadRegister(machine.NextPCReg)+4)
}

func (d *Dispatcher) exit(tid int) {
	status := int(d.m.ReadRegister(machine.Arg1Reg))

	if space, ok := d.fh.Registry().Lookup(tid); ok {
		space.Release()
		d.fh.Registry().Unregister(tid)
	}
	d.mu.Lock()
	delete(d.openFiles, tid)
	delete(d.nextFileID, tid)
	d.mu.Unlock()

	fmt.Fprintf(d.Stdout, "Exit with %d\n", status)
	klog.L.Info().Int("tid", tid).Int("status", status).Log("thread exited")

	d.sched.Finish()
}

func (d *Dispatcher) create(tid int) {
	path, err := d.readCString(tid, int(d.m.ReadRegister(machine.Arg1Reg)))
	if err != nil {
		d.m.WriteRegister(machine.SyscallReg, -1)
		return
	}
	if err := d.files.Create(path, 0, false); err != nil {
		klog.L.Warning().Str("path", path).Err(err).Log("create failed")
		d.m.WriteRegister(machine.SyscallReg, -1)
		return
	}
	d.m.WriteRegister(machine.SyscallReg, 0)
}

func (d *Dispatcher) open(tid int) {
	path, err := d.readCString(tid, int(d.m.ReadRegister(machine.Arg1Reg)))
	if err != nil {
		d.m.WriteRegister(machine.SyscallReg, -1)
		return
	}
	f, err := d.files.Open(path)
	if err != nil {
		klog.L.Warning().Str("path", path).Err(err).Log("open failed")
		d.m.WriteRegister(machine.SyscallReg, -1)
		return
	}

	d.mu.Lock()
	if d.openFiles[tid] == nil {
		d.openFiles[tid] = make(map[int]*fs.OpenFile)
		d.nextFileID[tid] = 2 // 0 and 1 are reserved for the console
	}
	id := d.nextFileID[tid]
	d.nextFileID[tid]++
	d.openFiles[tid][id] = f
	d.mu.Unlock()

	d.m.WriteRegister(machine.SyscallReg, int32(id))
}

func (d *Dispatcher) close(tid int) {
	id := int(d.m.ReadRegister(machine.Arg1Reg))
	d.mu.Lock()
	delete(d.openFiles[tid], id)
	d.mu.Unlock()
	d.m.WriteRegister(machine.SyscallReg, 0)
}

func (d *Dispatcher) write(tid int) {
	vaddr := int(d.m.ReadRegister(machine.Arg1Reg))
	size := int(d.m.ReadRegister(machine.Arg2Reg))
	id := int(d.m.ReadRegister(machine.Arg3Reg))

	buf := d.readBytes(tid, vaddr, size)

	switch id {
	case ConsoleOutput:
		n, _ := d.Stdout.Write(buf)
		d.m.WriteRegister(machine.SyscallReg, int32(n))
	case ConsoleInput:
		d.m.WriteRegister(machine.SyscallReg, -1)
	default:
		d.mu.Lock()
		f := d.openFiles[tid][id]
		d.mu.Unlock()
		if f == nil {
			d.m.WriteRegister(machine.SyscallReg, -1)
			return
		}
		if err := d.growFileTo(f, f.Length()+len(buf)); err != nil {
			klog.L.Warning().Err(err).Log("write: could not grow file")
			d.m.WriteRegister(machine.SyscallReg, -1)
			return
		}
		n, err := f.Write(buf)
		if err != nil {
			d.m.WriteRegister(machine.SyscallReg, -1)
			return
		}
		d.m.WriteRegister(machine.SyscallReg, int32(n))
	}
}

// growFileTo extends f, both its on-disk sector allocation (via
// AllocateOneMoreSector) and its logical length, to at least newLen bytes.
// Create's syscall takes no size argument, so every user file starts at
// the one-byte minimum FileSystem.Create gives it; Write must grow it on
// demand rather than failing outright,
// unlike OpenFile.WriteAt's own fixed-size contract.
func (d *Dispatcher) growFileTo(f *fs.OpenFile, newLen int) error {
	h := f.Header()
	if newLen <= h.NumBytes {
		return nil
	}
	for h.NumSectors*disk.SectorSize < newLen {
		if err := d.files.AllocateOneMoreSector(f); err != nil {
			return err
		}
	}
	h.NumBytes = newLen
	return f.WriteBackHeader()
}

func (d *Dispatcher) read(tid int) {
	vaddr := int(d.m.ReadRegister(machine.Arg1Reg))
	size := int(d.m.ReadRegister(machine.Arg2Reg))
	id := int(d.m.ReadRegister(machine.Arg3Reg))

	buf := make([]byte, size)

	switch id {
	case ConsoleInput:
		n, err := d.Stdin.Read(buf)
		if err != nil && err != io.EOF {
			d.m.WriteRegister(machine.SyscallReg, -1)
			return
		}
		d.writeBytes(tid, vaddr, buf[:n])
		d.m.WriteRegister(machine.SyscallReg, int32(n))
	case ConsoleOutput:
		d.m.WriteRegister(machine.SyscallReg, -1)
	default:
		d.mu.Lock()
		f := d.openFiles[tid][id]
		d.mu.Unlock()
		if f == nil {
			d.m.WriteRegister(machine.SyscallReg, -1)
			return
		}
		n, err := f.Read(buf)
		if err != nil {
			d.m.WriteRegister(machine.SyscallReg, -1)
			return
		}
		d.writeBytes(tid, vaddr, buf[:n])
		d.m.WriteRegister(machine.SyscallReg, int32(n))
	}
}

// readByte translates vaddr and, on a miss, drives the fault handler
// before retrying — exactly the retry-after-fault loop the original
// ReadMem/WriteMem use.
func (d *Dispatcher) readByte(tid, vaddr int) byte {
	for {
		if paddr, ok := d.m.Translate(vm.PageSize, vaddr); ok {
			return d.m.MainMemory[paddr]
		}
		old := d.intr.Disable()
		d.fh.HandlePageFault(tid, vaddr)
		d.intr.Restore(old)
	}
}

func (d *Dispatcher) writeByte(tid, vaddr int, b byte) {
	for !d.m.WriteByte(vm.PageSize, vaddr, b) {
		old := d.intr.Disable()
		d.fh.HandlePageFault(tid, vaddr)
		d.intr.Restore(old)
	}
}

func (d *Dispatcher) readBytes(tid, vaddr, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = d.readByte(tid, vaddr+i)
	}
	return buf
}

func (d *Dispatcher) writeBytes(tid, vaddr int, buf []byte) {
	for i, b := range buf {
		d.writeByte(tid, vaddr+i, b)
	}
}

// readCString reads a NUL-terminated string out of user memory.
func (d *Dispatcher) readCString(tid, vaddr int) (string, error) {
	var out []byte
	for i := 0; i < maxPathLen; i++ {
		b := d.readByte(tid, vaddr+i)
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
	return "", fmt.Errorf("trap: string at 0x%x exceeds %d bytes unterminated", vaddr, maxPathLen)
}
