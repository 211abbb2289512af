package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"mm-hedge-bot/internal/config"
	"mm-hedge-bot/internal/features"
	"mm-hedge-bot/internal/market"
	"mm-hedge-bot/internal/metrics"
	"mm-hedge-bot/internal/pricing"
	"mm-hedge-bot/internal/recorder"
	"mm-hedge-bot/internal/state"
)

func testConfig() *config.Config {
	return &config.Config{
		Runner:   config.RunnerConfig{Interval: time.Millisecond},
		Features: config.FeaturesConfig{History: 3},
		Instances: []config.InstanceConfig{{
			Name: "xbt", Make: "XBTUSD", Hedge: "XBTZ26", Contracts: 100, Leverage: 2, Imbalance: 0.3,
		}},
	}
}

func TestBuildWiresInstances(t *testing.T) {
	cfg := testConfig()
	cfg.Instances = append(cfg.Instances, config.InstanceConfig{Name: "xbt2", Make: "XBTUSD", Hedge: "XBTH27", Contracts: 1})
	cfg.Grids = []config.GridConfig{{Name: "eth-grid", Symbol: "ETHUSD", Quantity: 1, GridRate: 1.01, GridSize: 2, PricePrecision: 2}}
	ex := newFakeExchange()
	a, err := build(cfg, zap.NewNop(), Deps{Command: ex, Market: ex})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := len(a.runner.Strategies()); got != 3 {
		t.Fatalf("expected 3 strategies, got %d", got)
	}
	if got := a.makeSymbols(); len(got) != 1 || got[0] != "XBTUSD" {
		t.Fatalf("unexpected make symbols %v", got)
	}
	if got := strings.Join(a.symbols(), ","); got != "XBTUSD,XBTZ26,XBTH27,ETHUSD" {
		t.Fatalf("unexpected symbols %s", got)
	}
}

func TestBuildRequiresPorts(t *testing.T) {
	if _, err := build(testConfig(), zap.NewNop(), Deps{}); err == nil {
		t.Fatalf("expected error without ports")
	}
}

func TestFullRoundRecordsSnapshotAndAlert(t *testing.T) {
	ex := newFakeExchange()
	ex.marketPrice = 10005
	store := newMemoryStore()
	note := &fakeNotifier{enabled: true}
	a, err := build(testConfig(), zap.NewNop(), Deps{Store: store, Command: ex, Market: ex, Alerts: note})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()

	ex.setBook("XBTUSD", 10000, 10001, 1, 9)
	a.runner.RunOnce(ctx)
	ex.setBook("XBTUSD", 10000, 10001, 9, 1)
	a.runner.RunOnce(ctx)
	if ex.order("o1").Side != market.SideBuy || ex.order("o2").Side != market.SideSell {
		t.Fatalf("expected bid then ask, got %+v %+v", ex.order("o1"), ex.order("o2"))
	}

	ex.fill("o1", 0)
	a.runner.RunOnce(ctx)
	if hedge := ex.order("o3"); hedge.Type != market.OrderTypeMarket || hedge.Side != market.SideSell || hedge.Symbol != "XBTZ26" {
		t.Fatalf("expected market sell hedge, got %+v", hedge)
	}

	ex.fill("o2", 0)
	a.runner.RunOnce(ctx)
	limit := ex.order("o4")
	if limit.Side != market.SideBuy || limit.Price != 9999 {
		t.Fatalf("expected limit buy at 9999, got %+v", limit)
	}

	ex.fill("o4", 0)
	a.runner.RunOnce(ctx)

	raw, ok := store.get(state.SnapshotKey("xbt"))
	if !ok {
		t.Fatalf("expected snapshot to be saved")
	}
	var snap state.InstanceSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	want := pricing.Defaults().ProfitWithMarketSell(100, 10000, 10001, 9999, 10005)
	if snap.Rounds != 1 || snap.Profit != want || snap.Kind != state.KindMakerHedge {
		t.Fatalf("unexpected snapshot %+v (want profit %v)", snap, want)
	}
	select {
	case msg := <-a.notices:
		if !strings.Contains(msg, "xbt round 1 complete") {
			t.Fatalf("unexpected alert %q", msg)
		}
	default:
		t.Fatalf("expected a queued alert")
	}
}

func TestNotifyDisabledAlerts(t *testing.T) {
	ex := newFakeExchange()
	a, err := build(testConfig(), zap.NewNop(), Deps{Command: ex, Market: ex, Alerts: &fakeNotifier{}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a.notify("hello")
	if len(a.notices) != 0 {
		t.Fatalf("expected disabled alerts to drop messages")
	}
}

func TestFeaturePipelineExtractsFullWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Enabled = true
	ex := newFakeExchange()
	ex.setDeepBook("XBTUSD", 10000, features.Levels)
	var buf bytes.Buffer
	rec := recorder.NewWriter(&buf)
	a, err := build(cfg, zap.NewNop(), Deps{Command: ex, Market: ex, Recorder: rec})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		a.runner.RunOnce(ctx)
		if _, ok := a.pipeline.Latest("XBTUSD"); ok {
			t.Fatalf("expected no vector before the window is full")
		}
	}
	a.runner.RunOnce(ctx)
	vec, ok := a.pipeline.Latest("XBTUSD")
	if !ok {
		t.Fatalf("expected a vector once the window is full")
	}
	if len(vec) != features.KeyCount(3) {
		t.Fatalf("expected %d keys, got %d", features.KeyCount(3), len(vec))
	}
	if rec.Count() != 3 {
		t.Fatalf("expected 3 recorded books, got %d", rec.Count())
	}
	r := recorder.NewReader(&buf)
	book, err := r.Next()
	if err != nil || book.Symbol != "XBTUSD" || len(book.Bids) != features.Levels {
		t.Fatalf("unexpected recorded book %+v err=%v", book, err)
	}
}

type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }

func TestFeaturePipelineCountsShallowBooks(t *testing.T) {
	cfg := testConfig()
	cfg.Features.Enabled = true
	ex := newFakeExchange()
	ex.setDeepBook("XBTUSD", 10000, features.Levels-1)
	mt := metrics.NewNoop()
	faults := &countingCounter{}
	mt.FeatureFaults = faults
	a, err := build(cfg, zap.NewNop(), Deps{Command: ex, Market: ex, Metrics: mt})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		a.runner.RunOnce(ctx)
	}
	if _, ok := a.pipeline.Latest("XBTUSD"); ok {
		t.Fatalf("expected no vector from shallow books")
	}
	if faults.n != 2 {
		t.Fatalf("expected 2 rejected windows, got %d", faults.n)
	}
}

func TestGridSnapshotsOnlyOnChange(t *testing.T) {
	cfg := testConfig()
	cfg.Instances = nil
	cfg.Grids = []config.GridConfig{{Name: "eth-grid", Symbol: "ETHUSD", Quantity: 1, GridRate: 1.01, GridSize: 2, PricePrecision: 2}}
	ex := newFakeExchange()
	ex.setBook("ETHUSD", 99.5, 100.5, 1, 1)
	store := newMemoryStore()
	a, err := build(cfg, zap.NewNop(), Deps{Store: store, Command: ex, Market: ex})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()
	a.runner.RunOnce(ctx)
	if store.setCount() != 1 {
		t.Fatalf("expected first snapshot, got %d writes", store.setCount())
	}
	raw, _ := store.get(state.SnapshotKey("eth-grid"))
	var snap state.InstanceSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Kind != state.KindGrid || snap.OpenOrders != 4 {
		t.Fatalf("unexpected grid snapshot %+v", snap)
	}
	a.runner.RunOnce(ctx)
	if store.setCount() != 1 {
		t.Fatalf("expected unchanged grid to skip the write, got %d writes", store.setCount())
	}
}

func TestRunSetsLeverageAndStopsOnCancel(t *testing.T) {
	ex := newFakeExchange()
	ex.setBook("XBTUSD", 10000, 10001, 5, 5)
	a, err := build(testConfig(), zap.NewNop(), Deps{Store: newMemoryStore(), Command: ex, Market: ex})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for a.runner.Cycles() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("runner did not cycle")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.leverage["XBTUSD"] != 2 || ex.leverage["XBTZ26"] != 2 {
		t.Fatalf("expected leverage on both instruments, got %v", ex.leverage)
	}
}
