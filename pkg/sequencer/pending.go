package sequencer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/l2seq/pkg/types"
)

// pendingItem wraps a transaction with the monotonic sequence number used
// to break ties when two transactions have identical age-weight: earlier
// submissions win.
type pendingItem struct {
	tx  *types.Transaction
	seq uint64
}

// pendingHeap is a container/heap.Interface over pendingItem, ordered so
// Pop always returns the highest-weight (then earliest-submitted) item.
type pendingHeap struct {
	items     []*pendingItem
	agingRate float64
	now       func() time.Time
}

func (h pendingHeap) Len() int { return len(h.items) }

func (h pendingHeap) Less(i, j int) bool {
	wi := h.items[i].tx.AgeWeight(h.now(), h.agingRate)
	wj := h.items[j].tx.AgeWeight(h.now(), h.agingRate)
	if wi != wj {
		return wi > wj
	}
	return h.items[i].seq < h.items[j].seq
}

func (h pendingHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *pendingHeap) Push(x any) { h.items = append(h.items, x.(*pendingItem)) }

func (h *pendingHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// PendingQueue is the admitted-but-not-yet-batched transaction pool,
// ordered by priority-with-aging weight.
type PendingQueue struct {
	mu     sync.Mutex
	heap   *pendingHeap
	nextSeq uint64
	byID   map[types.TxID]*pendingItem
}

// NewPendingQueue creates an empty queue. agingRate scales how fast a
// waiting transaction's weight grows per second.
func NewPendingQueue(agingRate float64) *PendingQueue {
	h := &pendingHeap{agingRate: agingRate, now: time.Now}
	heap.Init(h)
	return &PendingQueue{heap: h, byID: make(map[types.TxID]*pendingItem)}
}

// Push admits tx into the queue.
func (q *PendingQueue) Push(tx *types.Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &pendingItem{tx: tx, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(q.heap, item)
	q.byID[tx.ID] = item
}

// PopUpTo removes and returns up to maxCount transactions, stopping early
// once the cumulative wire size would exceed maxBytes. Returned in the
// order they should appear in the batch: highest weight first.
func (q *PendingQueue) PopUpTo(maxCount int, maxBytes int) []*types.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Transaction
	total := 0
	for len(out) < maxCount && q.heap.Len() > 0 {
		item := heap.Pop(q.heap).(*pendingItem)
		size := len(item.tx.Payload) + len(item.tx.Signature) + 96
		if len(out) > 0 && maxBytes > 0 && total+size > maxBytes {
			// Put it back; the next call to PopUpTo will pick it up.
			heap.Push(q.heap, item)
			break
		}
		delete(q.byID, item.tx.ID)
		out = append(out, item.tx)
		total += size
	}
	return out
}

// Requeue returns previously-popped transactions to the queue, preserving
// their original priority and age. Since SubmittedAt is untouched,
// AgeWeight continues to grow from the original submission time, not from
// the moment of requeue.
func (q *PendingQueue) Requeue(txs []*types.Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tx := range txs {
		item := &pendingItem{tx: tx, seq: q.nextSeq}
		q.nextSeq++
		heap.Push(q.heap, item)
		q.byID[tx.ID] = item
	}
}

// Len reports the number of transactions currently pending.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Remove drops tx.id from the queue without returning it, used when a
// client deadline expires before the transaction is ever batched.
func (q *PendingQueue) Remove(id types.TxID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	for i, it := range q.heap.items {
		if it == item {
			heap.Remove(q.heap, i)
			break
		}
	}
	delete(q.byID, id)
	return true
}
