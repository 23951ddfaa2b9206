package client

import "sync"

// ResultBuffer is the merged view of a task's partial results. The two merge
// operations are deliberately separate: polling responses carry the full
// accumulated set and replace the view, streamed records arrive once each
// and append to it. They reflect different backend delivery contracts and
// must not be unified.
type ResultBuffer struct {
	mu      sync.Mutex
	records []any
}

// Replace swaps the whole view for the authoritative set from a polling
// response.
func (b *ResultBuffer) Replace(records []any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append([]any(nil), records...)
}

// Append adds one streamed record to the view.
func (b *ResultBuffer) Append(record any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, record)
}

// Records returns a copy of the current view.
func (b *ResultBuffer) Records() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]any(nil), b.records...)
}

// Len returns how many records the view holds.
func (b *ResultBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
