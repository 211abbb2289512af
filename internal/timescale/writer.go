package timescale

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"mm-hedge-bot/internal/config"
	"mm-hedge-bot/internal/features"
)

const writeTimeout = 3 * time.Second

const (
	roundsTable   = "maker_rounds"
	featuresTable = "feature_vectors"
)

type Round struct {
	Time       time.Time
	Instance   string
	Round      int
	MarketSide string
	BidPrice   float64
	AskPrice   float64
	HedgeBuy   float64
	HedgeSell  float64
	Profit     float64
	Total      float64
}

type FeatureRow struct {
	Time   time.Time
	Symbol string
	Vector features.Vector
}

// Writer persists rows asynchronously. Enqueue never blocks; rows are dropped
// when the queue is full.
type Writer struct {
	db           *sql.DB
	log          *zap.Logger
	schema       string
	rounds       chan Round
	features     chan FeatureRow
	started      atomic.Bool
	dropRounds   atomic.Uint64
	dropFeatures atomic.Uint64
}

// New returns nil when the sink is disabled; a nil *Writer accepts and
// discards everything.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:       db,
		log:      log,
		schema:   schema,
		rounds:   make(chan Round, queueSize),
		features: make(chan FeatureRow, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueRound(r Round) {
	if w == nil {
		return
	}
	select {
	case w.rounds <- r:
	default:
		if w.dropRounds.Add(1) == 1 {
			w.log.Warn("timescale round queue full")
		}
	}
}

func (w *Writer) EnqueueFeatures(row FeatureRow) {
	if w == nil {
		return
	}
	select {
	case w.features <- row:
	default:
		if w.dropFeatures.Add(1) == 1 {
			w.log.Warn("timescale feature queue full")
		}
	}
}

// Dropped reports rows discarded because a queue was full.
func (w *Writer) Dropped() (rounds, feats uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropRounds.Load(), w.dropFeatures.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.rounds:
			w.writeRound(ctx, r)
		case row := <-w.features:
			w.writeFeatures(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instance TEXT NOT NULL,
		round INTEGER NOT NULL,
		market_side TEXT NOT NULL,
		bid_price DOUBLE PRECISION NOT NULL,
		ask_price DOUBLE PRECISION NOT NULL,
		hedge_buy DOUBLE PRECISION NOT NULL,
		hedge_sell DOUBLE PRECISION NOT NULL,
		profit DOUBLE PRECISION NOT NULL,
		total_profit DOUBLE PRECISION NOT NULL
	)`, w.table(roundsTable))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		features JSONB NOT NULL
	)`, w.table(featuresTable))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{roundsTable, featuresTable} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeRound(ctx context.Context, r Round) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instance, round, market_side, bid_price, ask_price, hedge_buy, hedge_sell, profit, total_profit
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table(roundsTable))
	if _, err := w.db.ExecContext(ctx, query,
		r.Time,
		r.Instance,
		r.Round,
		r.MarketSide,
		r.BidPrice,
		r.AskPrice,
		r.HedgeBuy,
		r.HedgeSell,
		r.Profit,
		r.Total,
	); err != nil {
		w.log.Warn("timescale round insert failed", zap.String("instance", r.Instance), zap.Error(err))
	}
}

func (w *Writer) writeFeatures(ctx context.Context, row FeatureRow) {
	if w.db == nil {
		return
	}
	payload, err := json.Marshal(row.Vector)
	if err != nil {
		w.log.Warn("timescale feature encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, symbol, features) VALUES ($1,$2,$3)`, w.table(featuresTable))
	if _, err := w.db.ExecContext(ctx, query, row.Time, row.Symbol, string(payload)); err != nil {
		w.log.Warn("timescale feature insert failed", zap.String("symbol", row.Symbol), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
