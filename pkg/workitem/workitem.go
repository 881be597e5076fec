// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package workitem runs short deferred actions on a shared pool of worker
// goroutines instead of spawning one per action. workitems come in two
// classes: concurrent ones, drained by one worker per CPU, and serial ones,
// drained by a single dedicated worker so that at most one serial action
// runs at any instant.
package workitem

import (
	"container/list"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ptlrpcd/pkg/metrics"
)

// DefaultResched bounds the number of workitems a worker runs per wakeup
// before yielding the CPU.
const DefaultResched = 128

// Action is the body of a workitem. it runs without any scheduler lock held.
// returning done == false leaves the workitem idle and eligible for future
// scheduling. done == true is terminal: the worker never touches the
// workitem again, so the action must have either killed it or otherwise
// made sure nobody schedules it anymore.
type Action interface {
	Run(wi *Workitem) (done bool)
}

type ActionFunc func(wi *Workitem) bool

func (f ActionFunc) Run(wi *Workitem) bool {
	return f(wi)
}

// Workitem is a deferred, re-schedulable unit of work.
type Workitem struct {
	name   string
	action Action

	// all of the below are protected by the scheduler lock.
	elem      *list.Element
	queue     *list.List
	scheduled bool
	running   bool
}

func NewWorkitem(name string, action Action) *Workitem {
	if action == nil {
		panic(fmt.Sprintf("BUG: workitem '%s' created without an action", name))
	}
	return &Workitem{name: name, action: action}
}

func (wi *Workitem) Name() string {
	return wi.name
}

func (wi *Workitem) String() string {
	return wi.name
}

type Options struct {
	// number of concurrent workers. default: runtime.NumCPU().
	Workers int
	// default: `DefaultResched`.
	Resched int
	Log     *logrus.Entry
	Metrics *metrics.SchedulerMetrics
}

// Scheduler owns both run-queues and all the workers. a single lock
// protects both queues and every workitem's scheduling state.
type Scheduler struct {
	opts Options
	log  *logrus.Entry
	wg   sync.WaitGroup

	mu           sync.Mutex // all of the below are protected by mu.
	cond         *sync.Cond // concurrent run-queue non-empty or shutdown
	serialCond   *sync.Cond // serial run-queue non-empty or shutdown
	runq         list.List
	serialRunq   list.List
	nthreads     int
	nserial      int
	started      bool
	shuttingDown bool
}

func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Resched <= 0 {
		opts.Resched = DefaultResched
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		opts: opts,
		log:  opts.Log.WithField("svc", "workitem"),
	}
	s.cond = sync.NewCond(&s.mu)
	s.serialCond = sync.NewCond(&s.mu)
	return s
}

// Start launches the concurrent worker pool and the serial worker.
// workitems scheduled before Start() sit in their queues until then.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.shuttingDown {
		s.mu.Unlock()
		panic("BUG: workitem scheduler started twice or after shutdown")
	}
	s.started = true
	s.nthreads = s.opts.Workers
	s.nserial = 1
	s.mu.Unlock()

	s.wg.Add(s.opts.Workers + 1)
	for i := 0; i < s.opts.Workers; i++ {
		go s.worker(i)
	}
	go s.serialWorker()
	s.log.WithField("workers", s.opts.Workers).Debug("workitem scheduler running")
}

// Shutdown stops all workers and waits for them to exit. workitems still
// queued at that point are never run.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	s.cond.Broadcast()
	s.serialCond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nthreads != 0 || s.nserial != 0 {
		panic(fmt.Sprintf("BUG: %d workers and %d serial workers left "+
			"after shutdown", s.nthreads, s.nserial))
	}
	if n := s.runq.Len() + s.serialRunq.Len(); n > 0 {
		s.log.WithField("dropped", n).Warn("workitems still queued at shutdown")
	}
}

func (s *Scheduler) enqueue(wi *Workitem, q *list.List, c *sync.Cond) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		panic(fmt.Sprintf("BUG: scheduling workitem '%s' on a scheduler "+
			"that is shutting down", wi.name))
	}
	if wi.scheduled {
		return
	}
	wi.scheduled = true
	wi.queue = q
	wi.elem = q.PushBack(wi)
	c.Signal()
}

// Schedule queues `wi` on the concurrent run-queue unless it is already
// queued. repeated calls before a worker picks it up coalesce into a single
// run.
func (s *Scheduler) Schedule(wi *Workitem) {
	s.enqueue(wi, &s.runq, s.cond)
}

// ScheduleSerial is Schedule() for the serial run-queue.
func (s *Scheduler) ScheduleSerial(wi *Workitem) {
	s.enqueue(wi, &s.serialRunq, s.serialCond)
}

// Kill takes `wi` off its run-queue and makes every further schedule of it
// a no-op. it may only be called from within `wi`'s own action.
func (s *Scheduler) Kill(wi *Workitem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !wi.running {
		panic(fmt.Sprintf("BUG: killing workitem '%s' from outside of "+
			"its own action", wi.name))
	}
	if wi.scheduled {
		if wi.elem == nil {
			panic(fmt.Sprintf("BUG: scheduled workitem '%s' is not on "+
				"any run-queue", wi.name))
		}
		wi.queue.Remove(wi.elem)
	}
	wi.elem = nil
	wi.queue = nil
	wi.scheduled = true
}

// State returns the scheduling flags of `wi`, for polling and diagnostics.
func (s *Scheduler) State(wi *Workitem) (scheduled, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wi.scheduled, wi.running
}

func (s *Scheduler) dequeue(q *list.List) *Workitem {
	e := q.Front()
	wi := q.Remove(e).(*Workitem)
	wi.elem = nil
	if !wi.scheduled {
		panic(fmt.Sprintf("BUG: unscheduled workitem '%s' found on "+
			"a run-queue", wi.name))
	}
	return wi
}

// run invokes the action of `wi` with s.mu dropped.
func (s *Scheduler) run(wi *Workitem, queue string) {
	wi.running = true
	wi.scheduled = false
	wi.queue = nil
	s.mu.Unlock()

	s.opts.Metrics.Ran(queue)
	done := wi.action.Run(wi)

	s.mu.Lock()
	if !done {
		wi.running = false
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	log := s.log.WithField("worker", id)
	log.Trace("worker started")

	s.mu.Lock()
	for !s.shuttingDown {
		nloops := 0
		for s.runq.Len() > 0 && nloops < s.opts.Resched {
			wi := s.dequeue(&s.runq)
			nloops++
			// another worker is still running it: put it back.
			if wi.running {
				wi.queue = &s.runq
				wi.elem = s.runq.PushBack(wi)
				s.opts.Metrics.Requeued()
				continue
			}
			s.run(wi, "concurrent")
		}

		if nloops < s.opts.Resched {
			for s.runq.Len() == 0 && !s.shuttingDown {
				s.cond.Wait()
			}
		} else {
			s.mu.Unlock()
			runtime.Gosched()
			s.mu.Lock()
		}
	}
	s.nthreads--
	s.mu.Unlock()
	log.Trace("worker exited")
}

func (s *Scheduler) serialWorker() {
	defer s.wg.Done()

	s.mu.Lock()
	for !s.shuttingDown {
		nloops := 0
		for s.serialRunq.Len() > 0 && nloops < s.opts.Resched {
			wi := s.dequeue(&s.serialRunq)
			nloops++
			if wi.running {
				panic(fmt.Sprintf("BUG: serial workitem '%s' dequeued "+
					"while running", wi.name))
			}
			s.run(wi, "serial")
		}

		if nloops < s.opts.Resched {
			for s.serialRunq.Len() == 0 && !s.shuttingDown {
				s.serialCond.Wait()
			}
		} else {
			s.mu.Unlock()
			runtime.Gosched()
			s.mu.Lock()
		}
	}
	s.nserial--
	s.mu.Unlock()
}
