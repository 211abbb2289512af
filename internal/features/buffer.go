package features

import (
	"sync"

	"mm-hedge-bot/internal/market"
)

// Buffer is a fixed capacity window of snapshots. Pushing into a full buffer
// drops the oldest entry.
type Buffer struct {
	mu    sync.Mutex
	items []market.BookSnapshot
	size  int
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Buffer{items: make([]market.BookSnapshot, 0, size), size: size}
}

func (b *Buffer) Push(snap market.BookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == b.size {
		copy(b.items, b.items[1:])
		b.items = b.items[:b.size-1]
	}
	b.items = append(b.items, snap)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer) Cap() int {
	return b.size
}

func (b *Buffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) == b.size
}

// Snapshots returns a copy, oldest first.
func (b *Buffer) Snapshots() []market.BookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]market.BookSnapshot, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	b.items = b.items[:0]
	b.mu.Unlock()
}
