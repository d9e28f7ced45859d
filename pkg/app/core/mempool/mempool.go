package mempool

import (
	"encoding/json"
	"sync"
)

// Class orders transactions within a block
type Class int

const (
	ClassNonOrder Class = iota // admin, withdraw
	ClassCancel
	ClassOrder // offer, take, sweeps
)

// Classify reads the JSON envelope type. Unknown or malformed input lands in
// ClassOrder; it is rejected when the block is applied
func Classify(b []byte) Class {
	var envelope struct {
		Type string `json:"type"`
	}
	if len(b) == 0 || b[0] != '{' || json.Unmarshal(b, &envelope) != nil {
		return ClassOrder
	}
	switch envelope.Type {
	case "admin", "withdraw":
		return ClassNonOrder
	case "cancel":
		return ClassCancel
	default:
		return ClassOrder
	}
}

// Mempool keeps three FIFO queues drained in order: non-order, cancel, order.
// Cancels ahead of new orders in the same block let makers pull quotes first
type Mempool struct {
	mu       sync.Mutex
	nonOrder [][]byte
	cancel   [][]byte
	orders   [][]byte
	limit    int
}

// NewMempool creates a pool holding at most limit transactions (0 = unbounded)
func NewMempool(limit int) *Mempool {
	return &Mempool{limit: limit}
}

// Push classifies and enqueues a copy of b. It reports false when the pool is full
func (m *Mempool) Push(b []byte) bool {
	cp := append([]byte(nil), b...)
	class := Classify(b)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && m.len() >= m.limit {
		return false
	}
	switch class {
	case ClassNonOrder:
		m.nonOrder = append(m.nonOrder, cp)
	case ClassCancel:
		m.cancel = append(m.cancel, cp)
	default:
		m.orders = append(m.orders, cp)
	}
	return true
}

// Select removes and returns up to maxBytes worth of txs in block order
// (maxBytes <= 0 takes everything)
func (m *Mempool) Select(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	full := false

	pull := func(q *[][]byte) {
		for len(*q) > 0 && !full {
			tx := (*q)[0]
			n := int64(len(tx))
			if maxBytes > 0 && used+n > maxBytes {
				full = true
				return
			}
			out = append(out, tx)
			used += n
			*q = (*q)[1:]
		}
	}

	pull(&m.nonOrder)
	pull(&m.cancel)
	pull(&m.orders)

	return out
}

// Len returns total pending txs
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.len()
}

func (m *Mempool) len() int {
	return len(m.nonOrder) + len(m.cancel) + len(m.orders)
}
