package thread

import (
	"container/list"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/nachos-go/kernel/interrupt"
	"github.com/nachos-go/kernel/klog"
)

// Scheduler owns the five MLFQ ready queues, the running thread, the
// tid-index, and the deferred-destroy slot. All mutation of this state is
// confined to methods here, and the spec's "interrupts must be disabled by
// the caller" contract is enforced via intr.MustBeOff.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	ready    [NumPriorities]*list.List
	current  *Thread
	toDestroy *Thread

	tidIndex map[int]*Thread
	nextTID  int
	nextUID  int

	intr *interrupt.Controller
	now  func() int64
}

// New creates an empty scheduler. clock supplies the simulated tick used
// for Thread.StartTime bookkeeping; pass nil to use a monotonically
// increasing internal counter (suitable when no external Machine drives
// ticks, e.g. in tests).
func New(intr *interrupt.Controller, clock func() int64) *Scheduler {
	s := &Scheduler{
		ready:    [NumPriorities]*list.List{},
		tidIndex: make(map[int]*Thread, MaxThreadNum),
		intr:     intr,
		now:      clock,
	}
	for i := range s.ready {
		s.ready[i] = list.New()
	}
	s.cond = sync.NewCond(&s.mu)
	if s.now == nil {
		var tick int64
		s.now = func() int64 {
			tick++
			return tick
		}
	}
	return s
}

// CurrentThread returns the thread presently holding the dispatch token.
func (s *Scheduler) CurrentThread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// assignTID performs a linear scan from nextTID wrapping modulo
// MaxThreadNum. Caller must hold s.mu.
func (s *Scheduler) assignTID() int {
	for i := 0; i < MaxThreadNum; i++ {
		cand := (s.nextTID + i) % MaxThreadNum
		if _, used := s.tidIndex[cand]; !used {
			s.nextTID = cand + 1
			return cand
		}
	}
	return -1
}

// NewThread allocates a Thread in JUST_CREATED status and registers it in
// the tid-index. It is not runnable until Fork is called.
func (s *Scheduler) NewThread(name string, priority int) (*Thread, error) {
	if priority < 0 || priority >= NumPriorities {
		return nil, ErrInvalidPriority
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tid := s.assignTID()
	if tid < 0 {
		return nil, ErrNoFreeTID
	}
	uid := s.nextUID
	s.nextUID++

	t := &Thread{
		tid:      tid,
		uid:      uid,
		Name:     name,
		priority: priority,
		status:   JustCreated,
		canary:   stackCanary,
		wake:     make(chan struct{}, 1),
	}
	s.tidIndex[tid] = t
	return t, nil
}

// Fork formats the thread so its first dispatch lands at a trampoline that
// enables interrupts, calls fn(arg), and on return calls finish. If no
// thread is currently running (the very first Fork on a fresh
// Scheduler, called from outside any scheduled thread — mirroring the
// original kernel's bootstrap of its first thread from main()), t is
// dispatched immediately instead of merely joining the ready queue;
// otherwise it just joins its priority's ready queue as usual.
func (s *Scheduler) Fork(t *Thread, fn func(arg any), arg any) {
	t.fn = fn
	t.arg = arg

	go func() {
		<-t.wake
		s.intr.Restore(interrupt.On)
		fn(arg)
		s.finish(t)
	}()

	old := s.intr.Disable()
	s.mu.Lock()
	if s.current == nil {
		s.dispatchLocked(t)
		s.mu.Unlock()
		t.wake <- struct{}{}
	} else {
		s.readyToRunLocked(t)
		s.mu.Unlock()
	}
	s.intr.Restore(old)
}

// ReadyToRun transitions t to READY, demoting its priority if it has
// exhausted its class's quantum, and appends it to the matching ready
// queue. Interrupts must already be disabled by the caller.
func (s *Scheduler) ReadyToRun(t *Thread) {
	s.intr.MustBeOff()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyToRunLocked(t)
}

func (s *Scheduler) readyToRunLocked(t *Thread) {
	t.status = Ready
	if t.usedTicks >= quantaByPriority[t.priority] {
		if t.priority < NumPriorities-1 {
			t.priority++
		}
		t.usedTicks = 0
	}
	s.ready[t.priority].PushBack(t)
	s.cond.Broadcast()
	klog.L.Debug().Int("tid", t.tid).Str("name", t.Name).Int("priority", t.priority).Log("thread ready")
}

// ReadyToRunByTID looks up tid in the tid-index and calls ReadyToRun on it.
// It exists for callers that only know a tid, not a *Thread — notably
// vm.FaultHandler, whose ReadyToRun callback is keyed by tid so that
// package vm never needs a *Thread type of its own. Returns false if tid
// is not currently registered (e.g. the thread already exited).
func (s *Scheduler) ReadyToRunByTID(tid int) bool {
	s.mu.Lock()
	t, ok := s.tidIndex[tid]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.ReadyToRun(t)
	return true
}

// findNextToRunLocked pops the head of the first nonempty ready queue,
// scanning priority 0..4. Caller must hold s.mu.
func (s *Scheduler) findNextToRunLocked() *Thread {
	for p := 0; p < NumPriorities; p++ {
		if front := s.ready[p].Front(); front != nil {
			s.ready[p].Remove(front)
			return front.Value.(*Thread)
		}
	}
	return nil
}

// dispatchLocked performs the bookkeeping half of run(next): it saves the
// outgoing thread's address space, checks the incoming thread's stack
// canary, installs it as current, restores its address space, reaps any
// deferred destroy, and stamps start_time if the thread actually changed.
// Caller must hold s.mu. Returns the previous current thread.
func (s *Scheduler) dispatchLocked(next *Thread) *Thread {
	old := s.current
	if old != nil && old.Space != nil {
		old.Space.SaveState()
	}

	next.checkCanary()

	changed := old != next
	s.current = next
	next.status = Running

	if s.toDestroy != nil {
		delete(s.tidIndex, s.toDestroy.tid)
		klog.L.Debug().Int("tid", s.toDestroy.tid).Log("thread destroyed")
		s.toDestroy = nil
	}

	if changed {
		next.startTime = s.now()
	}
	if next.Space != nil {
		next.Space.RestoreState()
	}
	return old
}

// switchAndWait hands the dispatch token to next and blocks the calling
// goroutine (the outgoing thread cur) until it is dispatched again.
func (s *Scheduler) switchAndWait(cur, next *Thread) {
	s.dispatchLocked(next)
	s.mu.Unlock()
	next.wake <- struct{}{}
	<-cur.wake
	s.intr.MustBeOff()
}

// switchAndExit hands the dispatch token to next without waiting: used by
// finish, whose goroutine is about to terminate.
func (s *Scheduler) switchAndExit(next *Thread) {
	s.dispatchLocked(next)
	s.mu.Unlock()
	next.wake <- struct{}{}
}

// idleWaitLocked blocks until some other actor (typically an async device
// completion) calls ReadyToRun, modelling "hands control to an idle
// routine that re-enables and waits for an interrupt". Caller must hold
// s.mu; returns with s.mu held.
func (s *Scheduler) idleWaitLocked() {
	s.mu.Unlock()
	s.intr.Restore(interrupt.On)
	s.mu.Lock()
	for s.findNextToRunLockedPeek() == nil {
		s.cond.Wait()
	}
	s.mu.Unlock()
	s.intr.Disable()
	s.mu.Lock()
}

func (s *Scheduler) findNextToRunLockedPeek() *Thread {
	for p := 0; p < NumPriorities; p++ {
		if front := s.ready[p].Front(); front != nil {
			return front.Value.(*Thread)
		}
	}
	return nil
}

// Sleep requires interrupts disabled by the caller. It marks the current
// thread BLOCKED and transfers the CPU to the next runnable thread,
// idling (and spinning on the ready-queue condition) if none exists. It
// returns once this thread is dispatched again.
func (s *Scheduler) Sleep() {
	s.intr.MustBeOff()
	s.mu.Lock()
	cur := s.current
	cur.status = Blocked
	klog.L.Debug().Int("tid", cur.tid).Log("thread sleeping")

	next := s.findNextToRunLocked()
	for next == nil {
		s.idleWaitLocked()
		next = s.findNextToRunLocked()
	}
	s.switchAndWait(cur, next)
}

// finish disables interrupts, marks t for deferred destruction, and
// transfers the CPU away for good; t's goroutine returns immediately
// after, without ever being dispatched again. Interrupts are left
// disabled: once the CPU has moved on, the interrupt level belongs to the
// thread that now holds it.
func (s *Scheduler) finish(t *Thread) {
	s.intr.Disable()

	s.mu.Lock()
	s.toDestroy = t
	t.status = Blocked
	klog.L.Debug().Int("tid", t.tid).Str("name", t.Name).Log("thread finished")

	next := s.findNextToRunLocked()
	for next == nil {
		s.idleWaitLocked()
		next = s.findNextToRunLocked()
	}
	s.switchAndExit(next)
}

// Finish terminates the calling thread immediately, transferring the CPU
// away for good; it never returns to its caller, since it ends the
// calling goroutine via runtime.Goexit() once the dispatch token has
// moved on. The trap layer's Exit syscall handler calls this directly
// instead of merely returning from the thread's Fork function,
// mirroring the original's currentThread->Finish().
func (s *Scheduler) Finish() {
	s.finish(s.CurrentThread())
	runtime.Goexit()
}

// Yield requires interrupts disabled by the caller. If another thread is
// ready, the caller is pushed back onto its ready queue and the CPU is
// transferred; otherwise Yield is a no-op.
func (s *Scheduler) Yield() {
	s.intr.MustBeOff()
	s.mu.Lock()
	cur := s.current
	next := s.findNextToRunLocked()
	if next == nil {
		s.mu.Unlock()
		return
	}
	s.readyToRunLocked(cur)
	s.switchAndWait(cur, next)
}

// OnTimerTick is invoked by the external Machine's timer-interrupt
// simulation once per simulated clock tick while a user thread is
// running. It accounts the tick against the current thread's quantum and,
// if exhausted, yields on return to user mode (spec's yield_on_return).
func (s *Scheduler) OnTimerTick() {
	s.mu.Lock()
	cur := s.current
	if cur == nil {
		s.mu.Unlock()
		return
	}
	cur.usedTicks++
	exhausted := cur.usedTicks >= quantaByPriority[cur.priority]
	s.mu.Unlock()

	if exhausted {
		old := s.intr.Disable()
		s.Yield()
		s.intr.Restore(old)
	}
}

// TIDs returns every currently-registered tid in ascending order, for
// debugging and tests.
func (s *Scheduler) TIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := maps.Keys(s.tidIndex)
	sort.Ints(ids)
	return ids
}

// String dumps the five ready queues, for debugging/tests; grounded on the
// original scheduler's Print() debug dump.
func (s *Scheduler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := "ready queues:\n"
	for p := 0; p < NumPriorities; p++ {
		out += "  priority "
		out += strconv.Itoa(p)
		out += ":"
		for e := s.ready[p].Front(); e != nil; e = e.Next() {
			t := e.Value.(*Thread)
			out += " " + t.Name
		}
		out += "\n"
	}
	return out
}
