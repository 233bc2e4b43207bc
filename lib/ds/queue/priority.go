package queue

// PriorityQueue is a binary heap. Dequeue returns the element for which
// less reports true against every other element. Elements that compare
// equal come out in insertion order.
type PriorityQueue[T any] struct {
	items []prioritized[T]
	less  func(a, b T) bool
	seq   uint64
}

type prioritized[T any] struct {
	v   T
	seq uint64
}

func NewPriority[T any](less func(a, b T) bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{less: less}
}

var _ Queue[int] = (*PriorityQueue[int])(nil)

func (q *PriorityQueue[T]) Enqueue(v T) {
	q.items = append(q.items, prioritized[T]{v: v, seq: q.seq})
	q.seq++
	q.up(len(q.items) - 1)
}

func (q *PriorityQueue[T]) Dequeue() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}

	top := q.items[0]
	last := len(q.items) - 1
	q.items[0] = q.items[last]
	q.items = q.items[:last]
	if last > 0 {
		q.down(0)
	}

	return top.v, nil
}

func (q *PriorityQueue[T]) Peek() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return q.items[0].v, nil
}

func (q *PriorityQueue[T]) Len() uint { return uint(len(q.items)) }

// Fix restores heap order after priorities of queued elements changed.
func (q *PriorityQueue[T]) Fix() {
	for i := len(q.items)/2 - 1; i >= 0; i-- {
		q.down(i)
	}
}

// Remove drops every element for which match reports true.
func (q *PriorityQueue[T]) Remove(match func(T) bool) (removed uint) {
	kept := q.items[:0]
	for _, item := range q.items {
		if match(item.v) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	q.Fix()
	return removed
}

func (q *PriorityQueue[T]) before(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.less(a.v, b.v) {
		return true
	}
	if q.less(b.v, a.v) {
		return false
	}
	return a.seq < b.seq
}

func (q *PriorityQueue[T]) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.before(i, parent) {
			return
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *PriorityQueue[T]) down(i int) {
	n := len(q.items)
	for {
		smallest := i
		l, r := 2*i+1, 2*i+2
		if l < n && q.before(l, smallest) {
			smallest = l
		}
		if r < n && q.before(r, smallest) {
			smallest = r
		}
		if smallest == i {
			return
		}
		q.items[i], q.items[smallest] = q.items[smallest], q.items[i]
		i = smallest
	}
}
