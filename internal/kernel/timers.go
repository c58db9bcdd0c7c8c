package kernel

import "container/heap"

type timerID uint64

type timerEntry struct {
	id    timerID
	at    int64
	seq   uint64
	fn    func()
	index int
}

// timerHeap orders entries by fire time, then by scheduling order.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// schedule is the kernel's single timer wheel: (fireAtMs, action) entries
// advanced by whoever calls Tick. Nothing fires on its own goroutine.
type schedule struct {
	entries timerHeap
	byID    map[timerID]*timerEntry
	seq     uint64
}

func newSchedule() *schedule {
	return &schedule{byID: make(map[timerID]*timerEntry)}
}

func (s *schedule) add(at int64, fn func()) timerID {
	s.seq++
	e := &timerEntry{id: timerID(s.seq), at: at, seq: s.seq, fn: fn}
	heap.Push(&s.entries, e)
	s.byID[e.id] = e
	return e.id
}

func (s *schedule) cancel(id timerID) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if e.index >= 0 {
		heap.Remove(&s.entries, e.index)
	}
}

// popDue removes and returns the earliest entry due at now, or nil.
func (s *schedule) popDue(now int64) *timerEntry {
	if len(s.entries) == 0 || s.entries[0].at > now {
		return nil
	}
	e := heap.Pop(&s.entries).(*timerEntry)
	delete(s.byID, e.id)
	return e
}

func (s *schedule) clear() {
	s.entries = nil
	s.byID = make(map[timerID]*timerEntry)
}

func (s *schedule) len() int {
	return len(s.entries)
}
