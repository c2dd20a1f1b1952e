package literature

import "sync/atomic"

// Budget caps external search calls across every stage of one run.
// Stages share one Budget; Take is safe for concurrent use.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget creates a budget allowing limit calls. A negative limit is treated as zero.
func NewBudget(limit int) *Budget {
	if limit < 0 {
		limit = 0
	}
	return &Budget{limit: int64(limit)}
}

// Take consumes one call and reports whether it was within the limit.
func (b *Budget) Take() bool {
	return b.used.Add(1) <= b.limit
}

// Reset restores the full allowance.
func (b *Budget) Reset() {
	b.used.Store(0)
}

// Used returns the number of calls attempted, including refused ones.
func (b *Budget) Used() int {
	return int(b.used.Load())
}

// Limit returns the allowance.
func (b *Budget) Limit() int {
	return int(b.limit)
}
