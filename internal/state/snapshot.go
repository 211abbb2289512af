package state

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

const snapshotPrefix = "strategy:"

const (
	KindMakerHedge = "maker_hedge"
	KindGrid       = "grid"
)

// InstanceSnapshot is the audit record written after every completed round or
// grid fill. It is never read back into a strategy.
type InstanceSnapshot struct {
	Instance    string  `json:"instance"`
	Kind        string  `json:"kind"`
	Phase       string  `json:"phase,omitempty"`
	Position    int     `json:"position"`
	Profit      float64 `json:"profit"`
	Rounds      int     `json:"rounds"`
	OpenOrders  int     `json:"open_orders"`
	Paused      bool    `json:"paused,omitempty"`
	UpdatedAtMS int64   `json:"updated_at_ms"`
}

func SnapshotKey(instance string) string {
	return snapshotPrefix + instance
}

func SaveSnapshot(ctx context.Context, store Store, snapshot InstanceSnapshot) error {
	if store == nil {
		return nil
	}
	if snapshot.Instance == "" {
		return errors.New("snapshot instance is required")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, SnapshotKey(snapshot.Instance), string(payload))
}

func LoadSnapshot(ctx context.Context, store Store, instance string) (InstanceSnapshot, bool, error) {
	if store == nil {
		return InstanceSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, SnapshotKey(instance))
	if err != nil {
		return InstanceSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return InstanceSnapshot{}, false, nil
	}
	var snapshot InstanceSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return InstanceSnapshot{}, false, err
	}
	return snapshot, true, nil
}

// ListSnapshots returns every stored snapshot sorted by instance name. Stores
// without prefix listing yield nothing.
func ListSnapshots(ctx context.Context, store Store) ([]InstanceSnapshot, error) {
	lister, ok := store.(Lister)
	if !ok {
		return nil, nil
	}
	rows, err := lister.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceSnapshot, 0, len(rows))
	for key, raw := range rows {
		var snapshot InstanceSnapshot
		if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
			return nil, errors.Join(errors.New("decode "+key), err)
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}
