package application

import (
	"container/heap"
	"time"
)

// deadlineEntry is a pending reading_longer_than deadline inside one lane.
// Entries are removed lazily: the sweep re-verifies the state before firing,
// so stale entries for aborted episodes are harmless.
type deadlineEntry struct {
	at        time.Time
	stateKey  string
	triggerID string
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)         { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

func (h *deadlineHeap) add(at time.Time, stateKey, triggerID string) {
	heap.Push(h, deadlineEntry{at: at, stateKey: stateKey, triggerID: triggerID})
}

// due pops every entry with a deadline at or before now.
func (h *deadlineHeap) due(now time.Time) []deadlineEntry {
	var out []deadlineEntry
	for h.Len() > 0 && !(*h)[0].at.After(now) {
		out = append(out, heap.Pop(h).(deadlineEntry))
	}
	return out
}
