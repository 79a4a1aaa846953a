// Command experiment runs the reference matching scenarios against an
// in-process exchange and prints each resulting snapshot as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/reggieyam998/ctf-exchange/internal/config"
	"github.com/reggieyam998/ctf-exchange/internal/engine"
	"github.com/reggieyam998/ctf-exchange/internal/logging"
	"github.com/reggieyam998/ctf-exchange/internal/settlement"
	"github.com/reggieyam998/ctf-exchange/internal/usecase/order"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
)

func main() {
	logger := logging.New("debug", true)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("loading config")
	}
	fees, err := cfg.FeeSchedule()
	if err != nil {
		logger.Fatal().Err(err).Msg("fee schedule")
	}

	sink := settlement.NewMemorySink()
	uc, err := order.NewOrderUseCase(order.OrderUseCaseOpts{
		Symbols:            []string{"A", "B", "C", "D"},
		Fees:               fees,
		Dispatcher:         settlement.NewDispatcher(settlement.Options{Logger: logger}, sink),
		SnapshotTTL:        cfg.OrderBookCacheTTL,
		RefreshInterval:    cfg.OrderBookUpdateInterval,
		MaxDepth:           cfg.MaxOrderBookDepth,
		InvalidateOnChange: true,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("building exchange")
	}
	ctx := context.Background()
	uc.Start(ctx)
	defer uc.Close()

	add := func(symbol string, account model.AccountId, side model.Side, price model.Price, qty model.Quantity) engine.MatchResult {
		res, err := uc.AddOrder(ctx, symbol, account, side, price, qty)
		if err != nil {
			logger.Fatal().Err(err).Str("symbol", symbol).Msg("add order")
		}
		for _, tr := range res.Trades {
			logger.Info().
				Str("symbol", symbol).
				Uint64("maker", uint64(tr.MakerID)).
				Uint64("taker", uint64(tr.TakerID)).
				Uint64("price", uint64(tr.Price)).
				Uint64("qty", uint64(tr.Quantity)).
				Msg("trade")
		}
		return res
	}

	// A: full cross, book empties
	add("A", 1, model.BID, 100, 10)
	add("A", 2, model.ASK, 100, 10)

	// B: price priority, 5 against 101 then 3 against 100
	add("B", 1, model.BID, 101, 5)
	add("B", 1, model.BID, 100, 5)
	add("B", 2, model.ASK, 99, 8)

	// C: cancelling a filled order fails
	filled := add("C", 1, model.BID, 100, 1)
	add("C", 2, model.ASK, 100, 1)
	if _, err := uc.CancelOrder(ctx, filled.Order.ID); !errors.Is(err, model.ErrOrderNotFound) {
		logger.Error().Err(err).Msg("scenario C: expected order not found")
	}

	// D: amend down keeps the queue position, amend up loses it
	first := add("D", 1, model.BID, 100, 10)
	add("D", 2, model.BID, 100, 10)
	if _, err := uc.ModifyOrder(ctx, model.OrderModify{ID: first.Order.ID, Quantity: 4}); err != nil {
		logger.Fatal().Err(err).Msg("scenario D: amend down")
	}
	add("D", 3, model.ASK, 100, 2)
	if _, err := uc.ModifyOrder(ctx, model.OrderModify{ID: first.Order.ID, Quantity: 6}); err != nil {
		logger.Fatal().Err(err).Msg("scenario D: amend up")
	}
	add("D", 3, model.ASK, 100, 2)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, symbol := range uc.Symbols() {
		snap, err := uc.GetSnapshot(ctx, symbol)
		if err != nil {
			logger.Fatal().Err(err).Str("symbol", symbol).Msg("snapshot")
		}
		_ = enc.Encode(snap)
	}

	// let the dispatcher catch up before reporting
	time.Sleep(100 * time.Millisecond)
	logger.Info().Int("trades", len(sink.Trades())).Int("closed_orders", sink.OrderStates()).Msg("settled")
}
