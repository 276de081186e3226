// Package thread implements the kernel's cooperative thread model: a
// multilevel-feedback-queue scheduler, thread lifecycle (fork/yield/sleep/
// finish), and the machine-level context switch.
//
// Every simulated kernel thread is backed by one real goroutine, parked on
// its own wake channel. At any instant only the goroutine holding the
// "dispatch token" (the one whose wake channel was last signalled) is
// permitted to touch shared kernel state; everyone else is blocked on
// <-wake. This reproduces the single-threaded cooperative model the
// original simulator assumes without hand-rolled assembly stack switching:
// the goroutine's own (real) stack plays the role of the simulated kernel
// stack, and channel handoff plays the role of the register-bank swap.
package thread

import (
	"fmt"
)

// Status is a thread's scheduling state.
type Status int

const (
	JustCreated Status = iota
	Running
	Ready
	Blocked
)

func (s Status) String() string {
	switch s {
	case JustCreated:
		return "JUST_CREATED"
	case Running:
		return "RUNNING"
	case Ready:
		return "READY"
	case Blocked:
		return "BLOCKED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

const (
	// MaxThreadNum bounds the tid space; AssignTID fails once it is full.
	MaxThreadNum = 128
	// NumPriorities is the number of MLFQ ready-queue levels (0=highest).
	NumPriorities = 5
	// stackCanary is the magic word checked at every context switch.
	stackCanary = 0xDEADBEEF
)

// quantaByPriority holds the tick budget a thread gets at each priority
// level before it is demoted by ready_to_run.
var quantaByPriority = [NumPriorities]int{10, 20, 30, 40, 50}

// AddrSpaceBinding is the subset of vm.AddrSpace the scheduler needs on a
// context switch and at thread exit. Defined here (rather than importing
// package vm) so that vm never needs to import thread: the frame table
// and fault handler only ever deal in tids, per the design note about
// resolving the Thread<->AddrSpace<->frame-table cycle with indices
// rather than pointers.
type AddrSpaceBinding interface {
	SaveState()
	RestoreState()
	Release()
}

// Thread is one schedulable kernel thread.
type Thread struct {
	tid      int
	uid      int
	Name     string
	priority int
	status   Status

	usedTicks int
	startTime int64

	Space AddrSpaceBinding

	canary uint32
	wake   chan struct{}

	fn  func(arg any)
	arg any
}

// TID returns the thread's unique, reusable thread id.
func (t *Thread) TID() int { return t.tid }

// UID returns the thread's unique, never-reused identifier.
func (t *Thread) UID() int { return t.uid }

// Priority returns the thread's current MLFQ level (0=highest).
func (t *Thread) Priority() int { return t.priority }

// Status returns the thread's current scheduling state.
func (t *Thread) Status() Status { return t.status }

// UsedTicks returns ticks consumed in the current quantum.
func (t *Thread) UsedTicks() int { return t.usedTicks }

// StartTime returns the simulated tick at which this thread last began
// running.
func (t *Thread) StartTime() int64 { return t.startTime }

// checkCanary panics (a fatal assertion, per spec §7) if the thread's
// stack guard word has been clobbered.
func (t *Thread) checkCanary() {
	if t.canary != stackCanary {
		panic(fmt.Sprintf("thread: stack overflow detected on thread %d (%s)", t.tid, t.Name))
	}
}
