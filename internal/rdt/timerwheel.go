// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdt

import (
	"container/list"
	"sync"
	"time"
)

// TickInterval is the wheel's scheduling granularity (§5: "10 ms tick").
const TickInterval = 10 * time.Millisecond

// TimerWheel is a single-level, fixed-granularity timer wheel shared by every
// SendUnit, ReceiveUnit, and Connection heartbeat in a runtime. Task
// submission is lock-free from the caller's perspective up to the slot
// append (a short mutex hold); execution runs on a small fixed pool so a slow
// callback cannot stall the tick goroutine indefinitely.
//
// A single-level wheel (rather than a hierarchical one) is substituted here:
// the design notes (§9) permit any timer whose worst-case scheduling error
// stays within the 50 ms retransmit cadence, and a wheel with bucketCount
// buckets at TickInterval resolution bounds error to one tick regardless of
// how far out a timer is armed.
type TimerWheel struct {
	mu          sync.Mutex
	buckets     []*list.List
	bucketCount int
	cursor      int
	workers     chan func()
	stop        chan struct{}
	stopOnce    sync.Once
}

// timerEntry is one armed callback, kept in its bucket's list so it can be
// cancelled in O(1) via Timer.Cancel.
type timerEntry struct {
	bucket   int
	round    int
	fn       func()
	cancelled bool
}

// Timer is a handle to an armed callback. Cancel is idempotent and safe to
// call from any goroutine, including from within the callback itself.
type Timer struct {
	wheel *TimerWheel
	entry *list.Element
}

// NewTimerWheel starts a wheel with bucketCount slots and a small worker pool
// sized workers (callbacks run off the tick goroutine so one slow retransmit
// handler cannot delay the rest of the bucket).
func NewTimerWheel(bucketCount, workers int) *TimerWheel {
	if bucketCount <= 0 {
		bucketCount = 1024
	}
	if workers <= 0 {
		workers = 8
	}

	w := &TimerWheel{
		buckets:     make([]*list.List, bucketCount),
		bucketCount: bucketCount,
		workers:     make(chan func(), 256),
		stop:        make(chan struct{}),
	}
	for i := range w.buckets {
		w.buckets[i] = list.New()
	}

	for i := 0; i < workers; i++ {
		go w.runWorker()
	}
	go w.runTicker()

	return w
}

func (w *TimerWheel) runWorker() {
	for {
		select {
		case fn := <-w.workers:
			fn()
		case <-w.stop:
			return
		}
	}
}

func (w *TimerWheel) runTicker() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-w.stop:
			return
		}
	}
}

func (w *TimerWheel) tick() {
	w.mu.Lock()
	bucket := w.buckets[w.cursor]
	var ready []*timerEntry
	for e := bucket.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*timerEntry)
		if entry.cancelled {
			bucket.Remove(e)
			e = next
			continue
		}
		if entry.round > 0 {
			entry.round--
			e = next
			continue
		}
		ready = append(ready, entry)
		bucket.Remove(e)
		e = next
	}
	w.cursor = (w.cursor + 1) % w.bucketCount
	w.mu.Unlock()

	for _, entry := range ready {
		fn := entry.fn
		select {
		case w.workers <- fn:
		default:
			// Pool saturated: run on a fresh goroutine rather than drop the
			// callback — a missed retransmit/heartbeat tick is worse than an
			// extra goroutine.
			go fn()
		}
	}
}

// Schedule arms fn to run after d, returning a handle that can cancel it.
func (w *TimerWheel) Schedule(d time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	ticks := int(d / TickInterval)
	round := ticks / w.bucketCount
	offset := ticks % w.bucketCount

	w.mu.Lock()
	slot := (w.cursor + offset) % w.bucketCount
	entry := &timerEntry{bucket: slot, round: round, fn: fn}
	elem := w.buckets[slot].PushBack(entry)
	w.mu.Unlock()

	return &Timer{wheel: w, entry: elem}
}

// Cancel prevents the timer's callback from running if it has not already
// fired. Calling Cancel more than once, or after the timer already fired, is
// a no-op.
func (t *Timer) Cancel() {
	if t == nil || t.entry == nil {
		return
	}
	entry, ok := t.entry.Value.(*timerEntry)
	if !ok {
		return
	}
	t.wheel.mu.Lock()
	entry.cancelled = true
	t.wheel.mu.Unlock()
}

// Close stops the wheel's ticker and worker pool. Pending timers are
// discarded without running.
func (w *TimerWheel) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
