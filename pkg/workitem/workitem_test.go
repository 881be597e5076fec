// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package workitem_test

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/ptlrpcd/pkg/workitem"
)

const defaultTimeout = 5 * time.Second

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(defaultTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("BUG: timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduleCoalesces(t *testing.T) {
	s := workitem.New(workitem.Options{Workers: 4})
	var runs int64
	ran := make(chan struct{}, 2)
	wi := workitem.NewWorkitem("dedup", workitem.ActionFunc(
		func(*workitem.Workitem) bool {
			atomic.AddInt64(&runs, 1)
			ran <- struct{}{}
			return false
		}))

	s.Schedule(wi)
	s.Schedule(wi)
	scheduled, running := s.State(wi)
	require.True(t, scheduled)
	require.False(t, running)

	s.Start()
	select {
	case <-ran:
	case <-time.After(defaultTimeout):
		t.Fatal("BUG: workitem never ran")
	}
	s.Shutdown()
	require.EqualValues(t, 1, atomic.LoadInt64(&runs),
		"BUG: double schedule ran the action more than once")

	scheduled, running = s.State(wi)
	require.False(t, scheduled)
	require.False(t, running)
}

// each action asserts it is the only one inside its workitem using a plain,
// non-atomic counter. the workitems reschedule themselves while running and
// get hammered by outside schedulers, so that workers keep dequeueing
// workitems that are still running elsewhere.
func TestMutualExclusionStress(t *testing.T) {
	const (
		nItems    = 16
		nRuns     = 200
		nHammers  = 4
		nWorkers  = 8
		resched   = 4
		spinLoops = 50
	)
	s := workitem.New(workitem.Options{Workers: nWorkers, Resched: resched})
	s.Start()

	type item struct {
		wi     *workitem.Workitem
		inside int // deliberately not atomic
		runs   int64
	}
	var violations int64
	var wg sync.WaitGroup
	items := make([]*item, nItems)
	for i := range items {
		it := &item{}
		it.wi = workitem.NewWorkitem(fmt.Sprintf("stress-%d", i),
			workitem.ActionFunc(func(wi *workitem.Workitem) bool {
				it.inside++
				if it.inside != 1 {
					atomic.AddInt64(&violations, 1)
				}
				for j := 0; j < spinLoops; j++ {
					runtime.Gosched()
				}
				n := atomic.AddInt64(&it.runs, 1)
				if n < nRuns {
					s.Schedule(wi)
				}
				it.inside--
				if n == nRuns {
					wg.Done()
				}
				return false
			}))
		items[i] = it
	}

	wg.Add(nItems)
	stop := make(chan struct{})
	var hammers sync.WaitGroup
	for h := 0; h < nHammers; h++ {
		hammers.Add(1)
		go func() {
			defer hammers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, it := range items {
					s.Schedule(it.wi)
				}
				runtime.Gosched()
			}
		}()
	}
	for _, it := range items {
		s.Schedule(it.wi)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(4 * defaultTimeout):
		t.Fatal("BUG: stress workitems did not complete")
	}
	close(stop)
	hammers.Wait()
	s.Shutdown()

	require.Zero(t, atomic.LoadInt64(&violations),
		"BUG: workitem action entered concurrently")
}

func TestSerialQueueRunsOneAtATime(t *testing.T) {
	s := workitem.New(workitem.Options{Workers: 4})
	s.Start()
	defer s.Shutdown()

	const nItems = 8
	var inside, maxInside, total int64
	var wg sync.WaitGroup
	wg.Add(nItems * 10)
	items := make([]*workitem.Workitem, nItems)
	for i := range items {
		left := 10
		items[i] = workitem.NewWorkitem(fmt.Sprintf("serial-%d", i),
			workitem.ActionFunc(func(wi *workitem.Workitem) bool {
				n := atomic.AddInt64(&inside, 1)
				for {
					m := atomic.LoadInt64(&maxInside)
					if n <= m || atomic.CompareAndSwapInt64(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt64(&inside, -1)
				atomic.AddInt64(&total, 1)
				left--
				if left > 0 {
					s.ScheduleSerial(wi)
				}
				wg.Done()
				return false
			}))
	}
	for _, wi := range items {
		s.ScheduleSerial(wi)
	}
	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt64(&maxInside),
		"BUG: serial workitems ran concurrently")
	require.EqualValues(t, nItems*10, atomic.LoadInt64(&total))
}

func TestKill(t *testing.T) {
	s := workitem.New(workitem.Options{Workers: 2})
	s.Start()
	defer s.Shutdown()

	var runs int64
	wi := workitem.NewWorkitem("killer", workitem.ActionFunc(
		func(wi *workitem.Workitem) bool {
			atomic.AddInt64(&runs, 1)
			// rescheduled, then killed: must not run again.
			s.Schedule(wi)
			s.Kill(wi)
			return true
		}))

	require.Panics(t, func() { s.Kill(wi) }, "kill from outside the action")

	s.Schedule(wi)
	waitFor(t, "killed workitem to run", func() bool {
		return atomic.LoadInt64(&runs) == 1
	})
	waitFor(t, "workitem to be killed", func() bool {
		scheduled, _ := s.State(wi)
		return scheduled
	})

	s.Schedule(wi)
	s.Schedule(wi)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&runs),
		"BUG: killed workitem ran again")
}

func TestScheduleAfterShutdownPanics(t *testing.T) {
	s := workitem.New(workitem.Options{Workers: 1})
	s.Start()
	s.Shutdown()
	s.Shutdown()

	wi := workitem.NewWorkitem("late", workitem.ActionFunc(
		func(*workitem.Workitem) bool { return false }))
	require.Panics(t, func() { s.Schedule(wi) })
	require.Panics(t, func() { s.ScheduleSerial(wi) })
}

func TestShutdownWithoutLeaks(t *testing.T) {
	before := runtime.NumGoroutine()
	s := workitem.New(workitem.Options{Workers: 8})
	s.Start()
	s.Shutdown()
	waitFor(t, "workers to exit", func() bool {
		return runtime.NumGoroutine() <= before
	})
}
