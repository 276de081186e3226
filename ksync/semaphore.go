// Package ksync implements the kernel's synchronization primitives —
// counting semaphore, mutex lock, and condition variable — all built on
// top of package thread's scheduler and package interrupt's disable
// primitive, exactly as spec §4.3 describes: "disable simulated
// interrupts" is the only atomic primitive, and correctness rests on the
// simulator being single-threaded and cooperative.
package ksync

import (
	"container/list"
	"fmt"

	"github.com/nachos-go/kernel/interrupt"
	"github.com/nachos-go/kernel/klog"
	"github.com/nachos-go/kernel/thread"
)

// Semaphore is a counting semaphore with a strict FIFO wait queue.
type Semaphore struct {
	Name    string
	value   int
	waiters *list.List

	sched *thread.Scheduler
	intr  *interrupt.Controller
}

// NewSemaphore creates a semaphore with the given initial value.
func NewSemaphore(name string, value int, sched *thread.Scheduler, intr *interrupt.Controller) *Semaphore {
	return &Semaphore{
		Name:    name,
		value:   value,
		waiters: list.New(),
		sched:   sched,
		intr:    intr,
	}
}

// Value returns the current counter value, for tests/diagnostics.
func (s *Semaphore) Value() int { return s.value }

// P decrements the semaphore, blocking the calling thread (via the
// scheduler) while the value is zero.
func (s *Semaphore) P() {
	old := s.intr.Disable()
	defer s.intr.Restore(old)

	for s.value == 0 {
		s.waiters.PushBack(s.sched.CurrentThread())
		s.sched.Sleep()
	}
	s.value--
}

// V increments the semaphore and, if a thread is waiting, moves the head
// of the FIFO wait queue to READY. V does not itself cause an immediate
// switch: the woken thread only runs once the scheduler picks it.
func (s *Semaphore) V() {
	old := s.intr.Disable()
	defer s.intr.Restore(old)

	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		s.sched.ReadyToRun(front.Value.(*thread.Thread))
	}
	s.value++
}

// Destroy asserts the wait queue is empty, per the Data Model invariant
// that a semaphore must have no waiters when it is torn down. Violating
// this is a contract violation (spec §7): fatal, not recoverable.
func (s *Semaphore) Destroy() {
	if s.waiters.Len() != 0 {
		klog.L.Err(fmt.Errorf("semaphore %q destroyed with %d waiters", s.Name, s.waiters.Len())).Log("semaphore destroy violation")
		panic(fmt.Sprintf("ksync: semaphore %q destroyed with waiters still queued", s.Name))
	}
}
