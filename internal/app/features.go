package app

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mm-hedge-bot/internal/features"
	"mm-hedge-bot/internal/market"
	"mm-hedge-bot/internal/metrics"
	"mm-hedge-bot/internal/recorder"
	"mm-hedge-bot/internal/strategy"
	"mm-hedge-bot/internal/timescale"
)

// featurePipeline samples the book of every make instrument once per runner
// cycle. Full windows are turned into feature vectors; nothing scores them yet.
type featurePipeline struct {
	symbols   []string
	extract   bool
	extractor features.Extractor
	buffers   map[string]*features.Buffer
	md        strategy.MarketDataPort
	sink      *timescale.Writer
	rec       *recorder.Writer
	metrics   *metrics.Metrics
	log       *zap.Logger

	last map[string]features.Vector
}

func newFeaturePipeline(symbols []string, extract bool, history int, md strategy.MarketDataPort, sink *timescale.Writer, rec *recorder.Writer, mt *metrics.Metrics, log *zap.Logger) *featurePipeline {
	p := &featurePipeline{
		symbols:   symbols,
		extract:   extract,
		extractor: features.Extractor{History: history},
		buffers:   make(map[string]*features.Buffer, len(symbols)),
		md:        md,
		sink:      sink,
		rec:       rec,
		metrics:   mt,
		log:       log,
		last:      make(map[string]features.Vector, len(symbols)),
	}
	for _, symbol := range symbols {
		p.buffers[symbol] = features.NewBuffer(history)
	}
	return p
}

func (p *featurePipeline) step(ctx context.Context) {
	for _, symbol := range p.symbols {
		book, err := p.md.OrderBookL2(ctx, symbol)
		if err != nil {
			if !errors.Is(err, market.ErrQueryTransient) {
				p.log.Debug("feature book fetch failed", zap.String("symbol", symbol), zap.Error(err))
			}
			continue
		}
		if err := p.rec.Write(book); err != nil {
			p.log.Warn("book record failed", zap.String("symbol", symbol), zap.Error(err))
		}
		if !p.extract {
			continue
		}
		buf := p.buffers[symbol]
		buf.Push(book)
		if !buf.Full() {
			continue
		}
		vec, err := p.extractor.Extract(buf.Snapshots())
		if err != nil {
			p.metrics.FeatureFaults.Inc()
			p.log.Error("feature extraction rejected book history", zap.String("symbol", symbol), zap.Int("history", buf.Len()), zap.Error(err))
			continue
		}
		p.metrics.FeatureVectors.Inc()
		p.last[symbol] = vec
		p.sink.EnqueueFeatures(timescale.FeatureRow{Time: book.Time, Symbol: symbol, Vector: vec})
	}
	if err := p.rec.Flush(); err != nil {
		p.log.Warn("book record flush failed", zap.Error(err))
	}
}

// Latest returns the most recent vector extracted for symbol.
func (p *featurePipeline) Latest(symbol string) (features.Vector, bool) {
	vec, ok := p.last[symbol]
	return vec, ok
}
