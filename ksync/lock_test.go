package ksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLock_MutualExclusion confirms property 4 of spec §8: owner is nil
// iff the lock is free, and two threads never believe they hold it
// simultaneously.
func TestLock_MutualExclusion(t *testing.T) {
	sched, intr := newTestRig()
	lock := NewLock("counter", sched, intr)

	const n = 20
	counter := 0

	runOnBoot(t, sched, func() {
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			th, err := sched.NewThread("incrementer", 2)
			require.NoError(t, err)
			sched.Fork(th, func(any) {
				defer wg.Done()
				lock.Acquire()
				local := counter
				old := intr.Disable()
				sched.Yield()
				intr.Restore(old)
				counter = local + 1
				lock.Release()
			}, nil)
		}
		wg.Wait()
	})

	require.Equal(t, n, counter)
}

// TestLock_AcquireIsNotReentrant confirms Acquire panics if the calling
// thread already holds the lock.
func TestLock_AcquireIsNotReentrant(t *testing.T) {
	sched, intr := newTestRig()
	lock := NewLock("non-reentrant", sched, intr)

	runOnBoot(t, sched, func() {
		lock.Acquire()
		require.Panics(t, func() {
			lock.Acquire()
		})
		lock.Release()
	})
}

// TestLock_ReleaseByNonOwnerPanics confirms the fatal contract violation
// from spec §7.
func TestLock_ReleaseByNonOwnerPanics(t *testing.T) {
	sched, intr := newTestRig()
	lock := NewLock("guarded", sched, intr)

	runOnBoot(t, sched, func() {
		require.Panics(t, func() {
			lock.Release()
		})
	})
}

// TestLock_BlocksContender checks that a second thread attempting Acquire
// on a held lock blocks until Release, rather than observing a torn state.
func TestLock_BlocksContender(t *testing.T) {
	sched, intr := newTestRig()
	lock := NewLock("contended", sched, intr)

	acquired := make(chan struct{})
	released := make(chan struct{})

	runOnBoot(t, sched, func() {
		holder, err := sched.NewThread("holder", 2)
		require.NoError(t, err)
		sched.Fork(holder, func(any) {
			lock.Acquire()
			close(acquired)
			old := intr.Disable()
			sched.Yield()
			intr.Restore(old)
			lock.Release()
		}, nil)

		contender, err := sched.NewThread("contender", 2)
		require.NoError(t, err)
		var sawHeld bool
		done := make(chan struct{})
		sched.Fork(contender, func(any) {
			lock.Acquire()
			sawHeld = true
			lock.Release()
			close(done)
		}, nil)

		old := intr.Disable()
		sched.Yield()
		intr.Restore(old)

		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("holder never acquired the lock")
		}

		old = intr.Disable()
		sched.Yield()
		sched.Yield()
		intr.Restore(old)

		select {
		case <-done:
			close(released)
		case <-time.After(time.Second):
			t.Fatal("contender never completed")
		}
		require.True(t, sawHeld)
	})

	<-released
}
