package ksync

import (
	"container/list"
	"fmt"

	"github.com/nachos-go/kernel/interrupt"
	"github.com/nachos-go/kernel/thread"
)

// Condition is a condition variable with Mesa semantics: a signalled
// waiter only becomes READY, and must recheck its predicate once it has
// reacquired the lock. Unlike NACHOS's own embedded-lock variants,
// Condition carries no lock of its own, matching spec §4.3.
type Condition struct {
	Name    string
	waiters *list.List

	sched *thread.Scheduler
	intr  *interrupt.Controller
}

// NewCondition creates an empty condition variable.
func NewCondition(name string, sched *thread.Scheduler, intr *interrupt.Controller) *Condition {
	return &Condition{
		Name:    name,
		waiters: list.New(),
		sched:   sched,
		intr:    intr,
	}
}

// Wait requires the calling thread to hold lock. It releases the lock,
// blocks until signalled, then reacquires the lock before returning.
func (c *Condition) Wait(lock *Lock) {
	if !lock.HeldByCurrentThread() {
		panic(fmt.Sprintf("ksync: Wait on %q called without holding %q", c.Name, lock.Name))
	}

	old := c.intr.Disable()
	lock.Release()
	c.waiters.PushBack(c.sched.CurrentThread())
	c.sched.Sleep()
	c.intr.Restore(old)

	lock.Acquire()
}

// Signal moves the head of the FIFO wait queue (if any) to READY.
func (c *Condition) Signal(lock *Lock) {
	old := c.intr.Disable()
	defer c.intr.Restore(old)

	if front := c.waiters.Front(); front != nil {
		c.waiters.Remove(front)
		c.sched.ReadyToRun(front.Value.(*thread.Thread))
	}
}

// Broadcast moves every waiter to READY.
func (c *Condition) Broadcast(lock *Lock) {
	old := c.intr.Disable()
	defer c.intr.Restore(old)

	for e := c.waiters.Front(); e != nil; {
		next := e.Next()
		c.waiters.Remove(e)
		c.sched.ReadyToRun(e.Value.(*thread.Thread))
		e = next
	}
}

// Destroy asserts the wait queue is empty before teardown.
func (c *Condition) Destroy() {
	if c.waiters.Len() != 0 {
		panic(fmt.Sprintf("ksync: condition %q destroyed with waiters still queued", c.Name))
	}
}
