package eventloop

import (
	"container/heap"
	"time"
)

// Timer is a one-shot callback run on the loop goroutine.
type Timer struct {
	loop  *Loop
	when  time.Time
	seq   uint64
	fn    func()
	index int // position in the heap, -1 once fired or stopped
}

// Stop prevents the timer from firing. It reports whether the timer was still
// pending. Loop goroutine only.
func (t *Timer) Stop() bool {
	if t == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

// AfterFunc runs fn on the loop goroutine once d has elapsed. Timers with the
// same deadline fire in the order they were added. Loop goroutine only (or
// before Run); other goroutines should Post a closure that calls it.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	l.timerSeq++
	t := &Timer{loop: l, when: time.Now().Add(d), seq: l.timerSeq, fn: fn}
	heap.Push(&l.timers, t)
	return t
}

func (l *Loop) runTimers(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		t.fn()
	}
}

func (l *Loop) nextTimer(now time.Time) (time.Duration, bool) {
	if len(l.timers) == 0 {
		return 0, false
	}
	return max(l.timers[0].when.Sub(now), 0), true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
