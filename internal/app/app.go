package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"mm-hedge-bot/internal/alerts"
	"mm-hedge-bot/internal/bitmex"
	"mm-hedge-bot/internal/bitmex/rest"
	"mm-hedge-bot/internal/bitmex/ws"
	"mm-hedge-bot/internal/config"
	"mm-hedge-bot/internal/exec"
	"mm-hedge-bot/internal/market"
	"mm-hedge-bot/internal/metrics"
	"mm-hedge-bot/internal/recorder"
	"mm-hedge-bot/internal/state"
	"mm-hedge-bot/internal/state/sqlite"
	"mm-hedge-bot/internal/strategy"
	"mm-hedge-bot/internal/timescale"
)

const noticeQueueSize = 64

// Notifier delivers operator messages and receives operator commands.
type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	market    *market.MarketData
	cmd       strategy.CommandPort
	md        strategy.MarketDataPort
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    Notifier
	timescale *timescale.Writer
	recorder  *recorder.Writer
	runner    *strategy.Runner
	makers    []*strategy.MakerHedge
	grids     []*strategy.Grid
	pipeline  *featurePipeline
	notices   chan string
	gridSeen  map[string]state.InstanceSnapshot
	now       func() time.Time

	operatorWarned bool
}

// Deps are the collaborators New builds from configuration. Tests supply
// them directly through build.
type Deps struct {
	Store     state.Store
	Command   strategy.CommandPort
	Market    strategy.MarketDataPort
	Metrics   *metrics.Metrics
	Alerts    Notifier
	Timescale *timescale.Writer
	Recorder  *recorder.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	creds := bitmex.Credentials{Key: cfg.REST.APIKey, Secret: cfg.REST.APISecret}
	if creds.Empty() {
		log.Warn("no exchange credentials configured; order requests will be rejected")
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, creds, log)
	wsClient := ws.New(cfg.WS.URL, creds, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	marketData := market.New(restClient, wsClient, cfg.WS.Depth, log)

	var (
		mt   *metrics.Metrics
		prom *metrics.Prometheus
	)
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		mt = prom.Metrics
	} else {
		mt = metrics.NewNoop()
	}

	executor := exec.New(restClient, exec.Options{
		Store:         store,
		Log:           log,
		Metrics:       mt,
		Tracker:       marketData,
		RatePerSecond: cfg.REST.RatePerSecond,
		Burst:         cfg.REST.Burst,
	})

	ts, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	var rec *recorder.Writer
	if cfg.Recorder.Enabled {
		rec, err = recorder.Create(cfg.Recorder.Path)
		if err != nil {
			_ = store.Close()
			_ = ts.Close()
			return nil, fmt.Errorf("recorder: %w", err)
		}
	}

	a, err := build(cfg, log, Deps{
		Store:     store,
		Command:   executor,
		Market:    marketData,
		Metrics:   mt,
		Alerts:    alerts.NewTelegram(cfg.Telegram, log),
		Timescale: ts,
		Recorder:  rec,
	})
	if err != nil {
		_ = store.Close()
		_ = ts.Close()
		_ = rec.Close()
		return nil, err
	}
	a.market = marketData
	a.prom = prom
	return a, nil
}

func build(cfg *config.Config, log *zap.Logger, d Deps) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNoop()
	}
	if d.Command == nil || d.Market == nil {
		return nil, errors.New("command and market data ports are required")
	}
	a := &App{
		cfg:       cfg,
		log:       log,
		store:     d.Store,
		cmd:       d.Command,
		md:        d.Market,
		metrics:   d.Metrics,
		alerts:    d.Alerts,
		timescale: d.Timescale,
		recorder:  d.Recorder,
		notices:   make(chan string, noticeQueueSize),
		gridSeen:  make(map[string]state.InstanceSnapshot),
		now:       time.Now,
	}
	params := cfg.Pricing.Params()
	var strategies []strategy.Strategy
	for _, inst := range cfg.Instances {
		maker, err := strategy.NewMakerHedge(strategy.MakerHedgeConfig{
			Name:      inst.Name,
			Make:      inst.Make,
			Hedge:     inst.Hedge,
			Contracts: inst.Contracts,
			Leverage:  inst.Leverage,
			Imbalance: inst.Imbalance,
		}, params, d.Command, d.Market,
			strategy.WithLogger(log),
			strategy.WithMetrics(d.Metrics),
			strategy.WithRoundHandler(a.onRound),
		)
		if err != nil {
			return nil, err
		}
		a.makers = append(a.makers, maker)
		strategies = append(strategies, maker)
	}
	for _, gc := range cfg.Grids {
		grid, err := strategy.NewGrid(strategy.GridConfig{
			Name:           gc.Name,
			Symbol:         gc.Symbol,
			Quantity:       gc.Quantity,
			GridRate:       gc.GridRate,
			GridSize:       gc.GridSize,
			StopLoss:       gc.StopLoss,
			PricePrecision: gc.PricePrecision,
		}, d.Command, d.Market, log, d.Metrics)
		if err != nil {
			return nil, err
		}
		a.grids = append(a.grids, grid)
		strategies = append(strategies, grid)
	}
	if len(strategies) == 0 {
		return nil, errors.New("no strategy instances configured")
	}
	a.runner = strategy.NewRunner(strategies, cfg.Runner.Interval, log, d.Metrics)
	if cfg.Features.Enabled || d.Recorder != nil {
		a.pipeline = newFeaturePipeline(a.makeSymbols(), cfg.Features.Enabled, cfg.Features.History, d.Market, d.Timescale, d.Recorder, d.Metrics, log)
	}
	a.runner.AfterCycle = a.afterCycle
	return a, nil
}

// Run blocks until ctx is canceled. Background workers share one wait group
// so shutdown waits for all of them.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if a.market != nil {
		if err := a.market.Start(ctx, a.symbols()); err != nil {
			return fmt.Errorf("market data start: %w", err)
		}
	}
	for _, maker := range a.makers {
		if err := maker.Setup(ctx); err != nil {
			return fmt.Errorf("setup %s: %w", maker.Name(), err)
		}
	}
	a.timescale.Start(ctx)
	a.log.Info("bot started",
		zap.Int("instances", len(a.makers)),
		zap.Int("grids", len(a.grids)),
		zap.Duration("interval", a.cfg.Runner.Interval),
	)

	var wg conc.WaitGroup
	var runErr error
	wg.Go(func() {
		runErr = a.runner.Run(ctx)
	})
	wg.Go(func() { a.noticeLoop(ctx) })
	if a.prom != nil {
		wg.Go(func() { a.serveMetrics(ctx) })
	}
	if a.operatorEnabled() {
		wg.Go(func() { a.operatorLoop(ctx) })
	}
	wg.Wait()
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func (a *App) close() {
	if err := a.recorder.Close(); err != nil {
		a.log.Warn("recorder close failed", zap.Error(err))
	}
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server stopped", zap.Error(err))
	}
}

// afterCycle runs on the runner goroutine once every instance was polled.
func (a *App) afterCycle(ctx context.Context) {
	if a.pipeline != nil {
		a.pipeline.step(ctx)
	}
	for _, grid := range a.grids {
		a.recordGrid(ctx, grid)
	}
}

func (a *App) onRound(res strategy.RoundResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := a.now().UTC()
	a.timescale.EnqueueRound(timescale.Round{
		Time:       now,
		Instance:   res.Instance,
		Round:      res.Round,
		MarketSide: string(res.MarketSide),
		BidPrice:   res.BidPrice,
		AskPrice:   res.AskPrice,
		HedgeBuy:   res.HedgeBuy,
		HedgeSell:  res.HedgeSell,
		Profit:     res.Profit,
		Total:      res.TotalProfit,
	})
	snap := state.InstanceSnapshot{
		Instance:    res.Instance,
		Kind:        state.KindMakerHedge,
		Phase:       string(strategy.PhaseIdle),
		Profit:      res.TotalProfit,
		Rounds:      res.Round,
		Paused:      a.runner.Paused(),
		UpdatedAtMS: now.UnixMilli(),
	}
	if err := state.SaveSnapshot(ctx, a.store, snap); err != nil {
		a.log.Warn("snapshot save failed", zap.String("instance", res.Instance), zap.Error(err))
	}
	a.notify(fmt.Sprintf("%s round %d complete: profit %.8f total %.8f (hedge buy %.1f sell %.1f)",
		res.Instance, res.Round, res.Profit, res.TotalProfit, res.HedgeBuy, res.HedgeSell))
}

// recordGrid writes an audit snapshot when a grid's inventory, profit or
// stop state changed since the last cycle.
func (a *App) recordGrid(ctx context.Context, grid *strategy.Grid) {
	gs := grid.Snapshot()
	snap := state.InstanceSnapshot{
		Instance:   grid.Name(),
		Kind:       state.KindGrid,
		Position:   gs.Inventory,
		Profit:     gs.Profit,
		OpenOrders: len(gs.Bids) + len(gs.Asks),
		Paused:     a.runner.Paused(),
	}
	if gs.Stopped {
		snap.Phase = "STOPPED"
	}
	prev, seen := a.gridSeen[snap.Instance]
	if seen && prev == snap {
		return
	}
	stoppedNow := gs.Stopped && (!seen || prev.Phase != "STOPPED")
	a.gridSeen[snap.Instance] = snap
	snap.UpdatedAtMS = a.now().UnixMilli()
	if err := state.SaveSnapshot(ctx, a.store, snap); err != nil {
		a.log.Warn("snapshot save failed", zap.String("instance", snap.Instance), zap.Error(err))
	}
	if stoppedNow {
		a.notify(fmt.Sprintf("%s stop loss triggered: profit %.8f", snap.Instance, snap.Profit))
	}
}

// notify queues a chat message without blocking the trading loop.
func (a *App) notify(message string) {
	if a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	select {
	case a.notices <- message:
	default:
		a.log.Warn("alert queue full, dropping message")
	}
}

func (a *App) noticeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.notices:
			if err := a.alerts.Send(ctx, msg); err != nil {
				a.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}

func (a *App) makeSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, inst := range a.cfg.Instances {
		if _, ok := seen[inst.Make]; ok {
			continue
		}
		seen[inst.Make] = struct{}{}
		out = append(out, inst.Make)
	}
	return out
}

func (a *App) symbols() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, inst := range a.cfg.Instances {
		add(inst.Make)
		add(inst.Hedge)
	}
	for _, g := range a.cfg.Grids {
		add(g.Symbol)
	}
	return out
}
