// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package timer implements a slotted timer wheel: callers arm timers for an
// absolute wall-clock second and a single background goroutine expires them,
// without a goroutine or runtime timer per armed entry.
//
// deleting a timer does not guarantee that its action is not running at that
// very moment on the wheel goroutine: Del() returning false means "already
// fired, or firing right now". actions that care must check their own
// liveness flag.
package timer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/lightbitslabs/ptlrpcd/pkg/metrics"
)

const (
	SlotBits = 3
	NumSlots = 128
	SlotTime = 1 << SlotBits // seconds covered by a single slot
	slotMask = ^int64(SlotTime - 1)

	DefaultInterval = SlotTime * time.Second

	btreeDegree = 8
)

// Action is invoked once when its timer expires. it runs on the wheel
// goroutine without the wheel lock held, and may re-arm its own timer.
type Action interface {
	Fire()
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func()

func (f ActionFunc) Fire() {
	f()
}

// Timer is a single wheel entry. the caller owns it: it may be armed again
// once it fired or was deleted.
type Timer struct {
	Expires int64 // absolute, in wall-clock seconds
	Action  Action

	// all of the below are protected by the wheel lock.
	linked bool
	seq    uint64 // insertion order among equal expiries
}

type entry struct {
	t *Timer
}

func (e entry) Less(than btree.Item) bool {
	o := than.(entry)
	if e.t.Expires != o.t.Expires {
		return e.t.Expires < o.t.Expires
	}
	return e.t.seq < o.t.seq
}

// SlotOf returns the wheel slot index a timer expiring at `expires` hashes to.
func SlotOf(expires int64) int {
	return int((expires >> SlotBits) & (NumSlots - 1))
}

// SlotStart returns the start second of the slot `sec` falls into.
func SlotStart(sec int64) int64 {
	return sec & slotMask
}

type Options struct {
	// wall-clock source. default: clock.RealClock{}.
	Clock clock.Clock

	Log *logrus.Entry

	// how often the background goroutine scans the wheel.
	// default: `DefaultInterval` (one slot width).
	Interval time.Duration

	Metrics *metrics.TimerMetrics
}

// Wheel is the timer wheel service object. create it with New(), Start()
// the expiry goroutine and Shutdown() it once all timers were deleted.
type Wheel struct {
	opts Options
	clk  clock.Clock
	log  *logrus.Entry

	stop chan struct{}
	done chan struct{}

	mu           sync.Mutex // all of the below are protected by mu.
	slots        [NumSlots]*btree.BTree
	seq          uint64
	n            int
	started      bool
	shuttingDown bool
}

func New(opts Options) *Wheel {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	w := &Wheel{
		opts: opts,
		clk:  opts.Clock,
		log:  opts.Log.WithField("svc", "timer"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = btree.New(btreeDegree)
	}
	return w
}

// Now returns the wheel's notion of current wall-clock seconds.
func (w *Wheel) Now() int64 {
	return w.clk.Now().Unix()
}

// Start launches the expiry goroutine. it must be called at most once.
func (w *Wheel) Start() {
	w.mu.Lock()
	if w.started || w.shuttingDown {
		w.mu.Unlock()
		panic("BUG: timer wheel started twice or after shutdown")
	}
	w.started = true
	w.mu.Unlock()

	go w.run()
}

// Shutdown stops the expiry goroutine and waits for it to exit. all timers
// must have been deleted or fired by then.
func (w *Wheel) Shutdown() {
	w.mu.Lock()
	if w.shuttingDown {
		w.mu.Unlock()
		return
	}
	w.shuttingDown = true
	started := w.started
	left := w.n
	w.mu.Unlock()

	close(w.stop)
	if started {
		<-w.done
	}
	if left != 0 {
		panic(fmt.Sprintf("BUG: timer wheel shut down with %d timers "+
			"still pending", left))
	}
	w.log.Debug("timer wheel stopped")
}

func (w *Wheel) run() {
	defer close(w.done)

	w.log.WithField("interval", w.opts.Interval).Debug("timer wheel running")
	last := SlotStart(w.Now()) - SlotTime
	for {
		w.CheckTimers(&last)
		select {
		case <-w.clk.After(w.opts.Interval):
		case <-w.stop:
			return
		}
	}
}

// Add arms `t`. the timer must not be linked, must carry an action and must
// expire strictly in the future.
func (w *Wheel) Add(t *Timer) {
	if t.Action == nil {
		panic("BUG: adding a timer without an action")
	}
	now := w.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shuttingDown {
		panic("BUG: adding a timer to a timer wheel that is shutting down")
	}
	if t.linked {
		panic(fmt.Sprintf("BUG: adding timer expiring at %d twice", t.Expires))
	}
	if t.Expires <= now {
		panic(fmt.Sprintf("BUG: adding timer expiring at %d, not after "+
			"current time %d", t.Expires, now))
	}

	w.seq++
	t.seq = w.seq
	t.linked = true
	w.slots[SlotOf(t.Expires)].ReplaceOrInsert(entry{t})
	w.n++
	w.opts.Metrics.Armed()
}

// Del removes `t` if it is still pending. it returns true only if this call
// actually unlinked the timer; false means it already fired (its action may
// still be executing) or it was never added.
func (w *Wheel) Del(t *Timer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !t.linked {
		return false
	}
	if w.slots[SlotOf(t.Expires)].Delete(entry{t}) == nil {
		panic(fmt.Sprintf("BUG: linked timer expiring at %d not found "+
			"in slot %d", t.Expires, SlotOf(t.Expires)))
	}
	t.linked = false
	w.n--
	w.opts.Metrics.Cancelled()
	return true
}

// Pending reports whether `t` is currently armed.
func (w *Wheel) Pending(t *Timer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return t.linked
}

// Len returns the number of armed timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// expireSlot fires every entry of `slot` due by `now`, in expiry order. it
// is called and returns with w.mu held, but drops it around each action.
func (w *Wheel) expireSlot(slot int, now int64) int {
	fired := 0
	tree := w.slots[slot]
	for {
		it := tree.Min()
		if it == nil {
			break
		}
		t := it.(entry).t
		if t.Expires > now {
			break
		}
		tree.DeleteMin()
		t.linked = false
		w.n--
		w.opts.Metrics.Fired()
		fired++

		w.mu.Unlock()
		t.Action.Fire()
		w.mu.Lock()
	}
	return fired
}

// CheckTimers expires every due timer in the slots from the current one
// back to `*last` (inclusive), then advances `*last` to the current slot.
// it returns the number of timers fired.
func (w *Wheel) CheckTimers(last *int64) int {
	now := w.Now()
	thisSlot := SlotStart(now)

	w.mu.Lock()
	fired := 0
	// the wheel wraps: a single lap visits every slot.
	for i := 0; thisSlot >= *last && i < NumSlots; i++ {
		fired += w.expireSlot(SlotOf(thisSlot), now)
		thisSlot -= SlotTime
	}
	*last = SlotStart(now)
	w.mu.Unlock()

	if fired > 0 {
		w.log.WithField("fired", fired).Trace("timers expired")
	}
	return fired
}
