package creche

import (
	"container/heap"
	"math"
)

// deadlineHeapMinPrune keeps the occasional sweep of stale heap
// entries from triggering on small heaps where the garbage is
// harmless.
const deadlineHeapMinPrune = 1000

type deadlineEntry struct {
	deadline float64
	seq      uint64
	scope    *CancelScope
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(deadlineEntry)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// deadlines indexes the registered deadlines of all entered, uncancelled
// scopes so the loop can sleep until the next one and expire it on
// time.
//
// Removal is lazy: a scope deregisters by changing its registered
// deadline, and the heap entry becomes garbage that is skipped when it
// surfaces. An entry is current only while its recorded deadline still
// equals its scope's registered deadline. When garbage outnumbers the
// live entries the heap is rebuilt.
type deadlines struct {
	h      deadlineHeap
	active int
	seq    uint64
}

func (d *deadlines) add(deadline float64, scope *CancelScope) {
	d.seq++
	heap.Push(&d.h, deadlineEntry{deadline: deadline, seq: d.seq, scope: scope})
	d.active++
}

func (d *deadlines) remove(deadline float64, scope *CancelScope) {
	d.active--
	if len(d.h) > d.active*2+deadlineHeapMinPrune {
		d.prune()
	}
}

func (d *deadlines) prune() {
	// Keep one current entry per scope; everything else is garbage.
	seen := make(map[*CancelScope]struct{}, d.active)
	kept := make(deadlineHeap, 0, d.active)
	for _, e := range d.h {
		if e.deadline != e.scope.registeredDeadline {
			continue
		}
		if _, dup := seen[e.scope]; dup {
			continue
		}
		seen[e.scope] = struct{}{}
		kept = append(kept, e)
	}
	d.h = kept
	d.active = len(kept)
	heap.Init(&d.h)
}

// nextDeadline returns the soonest registered deadline, or +Inf,
// discarding any garbage that has bubbled to the top.
func (d *deadlines) nextDeadline() float64 {
	for len(d.h) > 0 {
		e := d.h[0]
		if e.deadline == e.scope.registeredDeadline {
			return e.deadline
		}
		heap.Pop(&d.h)
	}
	return math.Inf(1)
}

// expire cancels every scope whose deadline is due at now and reports
// whether any was.
func (d *deadlines) expire(now float64) bool {
	fired := false
	for len(d.h) > 0 && d.h[0].deadline <= now {
		e := heap.Pop(&d.h).(deadlineEntry)
		if e.deadline == e.scope.registeredDeadline {
			// Cancelling deregisters the scope, so active needs no
			// separate adjustment here.
			fired = true
			e.scope.Cancel()
		}
	}
	return fired
}
