package state

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.items {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func TestSnapshotSaveLoad(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	snap := InstanceSnapshot{Instance: "xbt", Kind: KindMakerHedge, Phase: "IDLE", Profit: 1.5, Rounds: 3, UpdatedAtMS: 42}
	if err := SaveSnapshot(ctx, store, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := store.items["strategy:xbt"]; !ok {
		t.Fatalf("expected key strategy:xbt, got %v", store.items)
	}
	got, ok, err := LoadSnapshot(ctx, store, "xbt")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != snap {
		t.Fatalf("expected %+v, got %+v", snap, got)
	}
	if _, ok, _ := LoadSnapshot(ctx, store, "missing"); ok {
		t.Fatalf("expected missing snapshot")
	}
}

func TestSnapshotRequiresInstance(t *testing.T) {
	if err := SaveSnapshot(context.Background(), &memoryStore{}, InstanceSnapshot{}); err == nil {
		t.Fatalf("expected error for empty instance")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	if err := SaveSnapshot(context.Background(), nil, InstanceSnapshot{Instance: "a"}); err != nil {
		t.Fatalf("expected nil store to be ignored, got %v", err)
	}
	if _, ok, err := LoadSnapshot(context.Background(), nil, "a"); ok || err != nil {
		t.Fatalf("expected empty load, got ok=%v err=%v", ok, err)
	}
}

func TestListSnapshotsSorted(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	for _, name := range []string{"b", "a", "c"} {
		if err := SaveSnapshot(ctx, store, InstanceSnapshot{Instance: name, Kind: KindGrid}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	_ = store.Set(ctx, "clordid:x", "{}")
	list, err := ListSnapshots(ctx, store)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Instance != "a" || list[2].Instance != "c" {
		t.Fatalf("unexpected list %+v", list)
	}
}
