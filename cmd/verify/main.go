package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"mm-hedge-bot/internal/bitmex"
	"mm-hedge-bot/internal/bitmex/rest"
	"mm-hedge-bot/internal/config"
	"mm-hedge-bot/internal/exec"
	"mm-hedge-bot/internal/logging"
	"mm-hedge-bot/internal/market"
	"mm-hedge-bot/internal/state"
	"mm-hedge-bot/internal/state/sqlite"
)

const (
	defaultRESTTimeout   = 10 * time.Second
	defaultVerifyEnvFile = ".env"
	defaultDepth         = 10
)

type bookReport struct {
	Symbol    string              `json:"symbol"`
	Time      time.Time           `json:"time"`
	Imbalance float64             `json:"imbalance"`
	Mid       float64             `json:"mid"`
	Bids      []market.PriceLevel `json:"bids"`
	Asks      []market.PriceLevel `json:"asks"`
}

type hedgeReport struct {
	Contracts       float64 `json:"contracts"`
	Bid             float64 `json:"bid"`
	Ask             float64 `json:"ask"`
	MarketFill      float64 `json:"market_fill"`
	LimitBuyPrice   float64 `json:"limit_buy_after_market_sell"`
	LimitSellPrice  float64 `json:"limit_sell_after_market_buy"`
	ProfitIfBuyHit  float64 `json:"profit_market_sell_limit_buy"`
	ProfitIfSellHit float64 `json:"profit_market_buy_limit_sell"`
	TickRoundedMid  float64 `json:"tick_rounded_mid"`
}

func main() {
	configPath := flag.String("config", "", "optional config path for REST settings and pricing")
	symbol := flag.String("symbol", "", "make instrument to inspect (defaults to the first instance)")
	hedge := flag.String("hedge", "", "hedge instrument for -place (defaults to the first instance)")
	contracts := flag.Float64("contracts", 100, "contracts per leg")
	bid := flag.Float64("bid", 0, "maker bid fill price (defaults to best bid)")
	ask := flag.Float64("ask", 0, "maker ask fill price (defaults to best ask)")
	fill := flag.Float64("fill", 0, "market hedge fill price (defaults to mid)")
	place := flag.Bool("place", false, "send a market hedge plus the derived post-only limit on the hedge instrument")
	statePath := flag.String("state", "", "print the audit snapshots stored in this sqlite file and exit")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}

	cfg := &config.Config{
		Log:  config.LoggingConfig{Level: "info"},
		REST: config.RESTConfig{BaseURL: bitmex.DefaultRESTURL, Timeout: defaultRESTTimeout},
	}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	if *statePath != "" {
		printSnapshots(*statePath)
		return
	}

	if *symbol == "" && len(cfg.Instances) > 0 {
		*symbol = cfg.Instances[0].Make
	}
	if *hedge == "" && len(cfg.Instances) > 0 {
		*hedge = cfg.Instances[0].Hedge
	}
	if *symbol == "" {
		fatal(errors.New("-symbol is required without a config instance"))
	}

	creds := bitmex.Credentials{Key: cfg.REST.APIKey, Secret: cfg.REST.APISecret}
	if creds.Empty() {
		creds = bitmex.Credentials{Key: os.Getenv("BITMEX_ACCESS_KEY"), Secret: os.Getenv("BITMEX_ACCESS_SECRET_KEY")}
	}
	client := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, creds, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	book, err := client.OrderBookL2(ctx, *symbol, defaultDepth)
	if err != nil {
		fatal(err)
	}
	printJSON(bookReport{
		Symbol:    book.Symbol,
		Time:      book.Time,
		Imbalance: book.Imbalance(),
		Mid:       book.Mid(),
		Bids:      book.Bids,
		Asks:      book.Asks,
	})

	bestBid, okBid := book.BestBid()
	bestAsk, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		fatal(fmt.Errorf("%s book is empty", *symbol))
	}
	if *bid <= 0 {
		*bid = bestBid.Price
	}
	if *ask <= 0 {
		*ask = bestAsk.Price
	}
	if *fill <= 0 {
		*fill = book.Mid()
	}
	params := cfg.Pricing.Params()
	report := hedgeReport{
		Contracts:      *contracts,
		Bid:            *bid,
		Ask:            *ask,
		MarketFill:     *fill,
		LimitBuyPrice:  params.LimitHedgeBuyPrice(*contracts, *bid, *ask, *fill),
		LimitSellPrice: params.LimitHedgeSellPrice(*contracts, *bid, *ask, *fill),
		TickRoundedMid: params.RoundPrice(book.Mid(), 1),
	}
	report.ProfitIfBuyHit = params.ProfitWithMarketSell(*contracts, *bid, *ask, report.LimitBuyPrice, *fill)
	report.ProfitIfSellHit = params.ProfitWithMarketBuy(*contracts, *bid, *ask, *fill, report.LimitSellPrice)
	printJSON(report)

	if !*place {
		return
	}
	if creds.Empty() {
		fatal(errors.New("BITMEX_ACCESS_KEY and BITMEX_ACCESS_SECRET_KEY are required for -place"))
	}
	if *hedge == "" {
		fatal(errors.New("-hedge is required for -place"))
	}
	executor := exec.New(client, exec.Options{Log: log, RatePerSecond: cfg.REST.RatePerSecond, Burst: cfg.REST.Burst})
	orders, err := executor.MarketAndLimit(ctx, *hedge, *contracts, market.SideSell, report.LimitBuyPrice)
	if err != nil {
		fatal(err)
	}
	log.Info("verification orders placed", zap.Int("count", len(orders)))
	printJSON(orders)
}

func printSnapshots(path string) {
	store, err := sqlite.New(path)
	if err != nil {
		fatal(err)
	}
	defer store.Close()
	snaps, err := state.ListSnapshots(context.Background(), store)
	if err != nil {
		fatal(err)
	}
	printJSON(snaps)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
