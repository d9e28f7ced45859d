package orderbook

// entry is a live order plus its position in the pair heap
type entry struct {
	order Order
	index int
}

// offerHeap implements heap.Interface over one directed pair (best offer on top)
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove, Fix)
type offerHeap []*entry

func (h offerHeap) Len() int           { return len(h) }
func (h offerHeap) Less(i, j int) bool { return h[i].order.BetterThan(&h[j].order) }
func (h offerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *offerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *offerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[0 : n-1]
	return e
}

// Peek returns the best entry without removing it
func (h offerHeap) Peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
