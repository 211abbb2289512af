package market

import (
	"sort"
	"time"
)

// l2Book mirrors an exchange L2 table keyed by level id. The stream sends a
// partial image followed by insert/update/delete deltas.
type l2Book struct {
	symbol  string
	levels  map[int64]l2Row
	ready   bool
	updated time.Time
}

func newL2Book(symbol string) *l2Book {
	return &l2Book{symbol: symbol, levels: make(map[int64]l2Row)}
}

func (b *l2Book) apply(action string, rows []l2Row, at time.Time) {
	switch action {
	case "partial":
		b.levels = make(map[int64]l2Row, len(rows))
		for _, row := range rows {
			b.levels[row.ID] = row
		}
		b.ready = true
	case "insert":
		for _, row := range rows {
			b.levels[row.ID] = row
		}
	case "update":
		for _, row := range rows {
			prev, ok := b.levels[row.ID]
			if !ok {
				continue
			}
			if row.Size != 0 {
				prev.Size = row.Size
			}
			if row.Price != 0 {
				prev.Price = row.Price
			}
			if row.Side != "" {
				prev.Side = row.Side
			}
			b.levels[row.ID] = prev
		}
	case "delete":
		for _, row := range rows {
			delete(b.levels, row.ID)
		}
	default:
		return
	}
	b.updated = at
}

// snapshot returns up to depth levels per side; depth <= 0 keeps every level.
func (b *l2Book) snapshot(depth int) BookSnapshot {
	bids := make([]PriceLevel, 0, len(b.levels)/2)
	asks := make([]PriceLevel, 0, len(b.levels)/2)
	for _, row := range b.levels {
		lvl := PriceLevel{Price: row.Price, Size: row.Size}
		switch row.Side {
		case SideBuy:
			bids = append(bids, lvl)
		case SideSell:
			asks = append(asks, lvl)
		}
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}
	return NewBookSnapshot(b.symbol, b.updated, bids, asks)
}

// BookFromL2 builds a snapshot from a full L2 image such as a REST response.
func BookFromL2(symbol string, rows []map[string]any, depth int, at time.Time) BookSnapshot {
	parsed := make([]l2Row, 0, len(rows))
	for _, raw := range rows {
		if row, ok := parseL2Row(raw); ok {
			parsed = append(parsed, row)
		}
	}
	book := newL2Book(symbol)
	book.apply("partial", parsed, at)
	return book.snapshot(depth)
}
