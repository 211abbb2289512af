package market

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ParseOrder decodes an exchange order row. Update rows carry only the
// fields that changed, so the caller merges them over the previous value.
func ParseOrder(row map[string]any) (Order, bool) {
	id := stringFromMap(row, "orderID", "orderId", "id")
	if id == "" {
		return Order{}, false
	}
	order := Order{
		ID:       id,
		ClientID: stringFromMap(row, "clOrdID"),
		Symbol:   stringFromMap(row, "symbol"),
		Side:     ParseSide(stringFromMap(row, "side")),
		Type:     OrderType(stringFromMap(row, "ordType")),
		Price:    floatFromMap(row, "price"),
		AvgPrice: floatFromMap(row, "avgPx"),
		Quantity: floatFromMap(row, "orderQty"),
		Filled:   floatFromMap(row, "cumQty"),
		Status:   StatusUnknown,
	}
	if raw := stringFromMap(row, "ordStatus"); raw != "" {
		order.Status = ParseOrderStatus(raw)
	}
	if ts := stringFromMap(row, "timestamp", "transactTime"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			order.Updated = parsed
		}
	}
	return order, true
}

// MergeOrder overlays the non-zero fields of update onto base.
func MergeOrder(base, update Order) Order {
	out := base
	if update.ClientID != "" {
		out.ClientID = update.ClientID
	}
	if update.Symbol != "" {
		out.Symbol = update.Symbol
	}
	if update.Side != "" {
		out.Side = update.Side
	}
	if update.Type != "" {
		out.Type = update.Type
	}
	if update.Price != 0 {
		out.Price = update.Price
	}
	if update.AvgPrice != 0 {
		out.AvgPrice = update.AvgPrice
	}
	if update.Quantity != 0 {
		out.Quantity = update.Quantity
	}
	if update.Filled != 0 {
		out.Filled = update.Filled
	}
	if update.Status != StatusUnknown && update.Status != "" {
		out.Status = update.Status
	}
	if !update.Updated.IsZero() {
		out.Updated = update.Updated
	}
	return out
}

type l2Row struct {
	ID     int64
	Symbol string
	Side   Side
	Price  float64
	Size   float64
}

func parseL2Row(row map[string]any) (l2Row, bool) {
	id, ok := floatFromAny(row["id"])
	if !ok {
		return l2Row{}, false
	}
	return l2Row{
		ID:     int64(id),
		Symbol: stringFromMap(row, "symbol"),
		Side:   ParseSide(stringFromMap(row, "side")),
		Price:  floatFromMap(row, "price"),
		Size:   floatFromMap(row, "size"),
	}, true
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
