package ksync

import (
	"fmt"

	"github.com/nachos-go/kernel/interrupt"
	"github.com/nachos-go/kernel/thread"
)

// Lock is a mutex built from a binary Semaphore. Its owner field is
// non-nil iff some thread holds it; the internal semaphore's value is 0
// iff owned, per the Data Model invariant.
type Lock struct {
	Name  string
	sem   *Semaphore
	owner *thread.Thread
	sched *thread.Scheduler
}

// NewLock creates an unheld lock.
func NewLock(name string, sched *thread.Scheduler, intr *interrupt.Controller) *Lock {
	return &Lock{
		Name:  name,
		sem:   NewSemaphore(name+".sem", 1, sched, intr),
		sched: sched,
	}
}

// Acquire blocks until the lock is free, then takes ownership.
func (l *Lock) Acquire() {
	if l.HeldByCurrentThread() {
		panic(fmt.Sprintf("ksync: lock %q is not reentrant", l.Name))
	}
	l.sem.P()
	l.owner = l.sched.CurrentThread()
}

// Release gives up ownership. Releasing a lock not held by the calling
// thread is a contract violation (spec §7): fatal.
func (l *Lock) Release() {
	if !l.HeldByCurrentThread() {
		panic(fmt.Sprintf("ksync: lock %q released by non-owner", l.Name))
	}
	l.owner = nil
	l.sem.V()
}

// HeldByCurrentThread reports whether the calling thread owns the lock.
func (l *Lock) HeldByCurrentThread() bool {
	return l.owner != nil && l.owner == l.sched.CurrentThread()
}
