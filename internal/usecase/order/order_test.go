package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reggieyam998/ctf-exchange/internal/fee"
	"github.com/reggieyam998/ctf-exchange/internal/settlement"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUseCase(t *testing.T, sink settlement.Sink) OrderUseCase {
	t.Helper()
	fees, err := fee.NewSchedule("0.001", "0.002")
	require.NoError(t, err)

	var dispatcher *settlement.Dispatcher
	if sink != nil {
		dispatcher = settlement.NewDispatcher(settlement.Options{QueueSize: 64, Logger: zerolog.Nop()}, sink)
	}
	uc, err := NewOrderUseCase(OrderUseCaseOpts{
		Symbols:         []string{"btcusd", "ETHUSD"},
		Fees:            fees,
		Dispatcher:      dispatcher,
		SnapshotTTL:     300 * time.Second,
		RefreshInterval: time.Hour,
		MaxDepth:        10,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	uc.Start(context.Background())
	t.Cleanup(func() { assert.NoError(t, uc.Close()) })
	return uc
}

func TestUseCaseScenarioFullCross(t *testing.T) {
	mem := settlement.NewMemorySink()
	uc := newTestUseCase(t, mem)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []model.Trade
	uc.RegisterTradeHandler(func(tr model.Trade) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	bid, err := uc.AddOrder(ctx, "BTCUSD", 1, model.BID, 100, 10)
	require.NoError(t, err)
	res, err := uc.AddOrder(ctx, "BTCUSD", 2, model.ASK, 100, 10)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, bid.Order.ID, res.Trades[0].MakerID)
	assert.Equal(t, uint64(1), res.Trades[0].MakerFee)
	assert.Equal(t, uint64(2), res.Trades[0].TakerFee)

	snap, err := uc.GetSnapshot(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)

	assert.Eventually(t, func() bool { return len(mem.Trades()) == 1 && mem.OrderStates() == 2 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()

	// both orders are gone
	_, err = uc.CancelOrder(ctx, bid.Order.ID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestUseCaseScenarioPartialAndCancel(t *testing.T) {
	uc := newTestUseCase(t, nil)
	ctx := context.Background()

	ask, err := uc.AddOrder(ctx, "ETHUSD", 1, model.ASK, 101, 5)
	require.NoError(t, err)
	res, err := uc.AddOrder(ctx, "ETHUSD", 2, model.BID, 102, 3)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.Price(101), res.Trades[0].Price)

	tob, err := uc.GetTopOfBook(ctx, "ethusd")
	require.NoError(t, err)
	require.NotNil(t, tob.BestAsk)
	assert.Equal(t, model.Quantity(2), tob.BestAsk.Volume)
	assert.Nil(t, tob.BestBid)

	state, err := uc.CancelOrder(ctx, ask.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ORDER_CANCELLED, state.Status)
	assert.Equal(t, model.Quantity(3), state.FilledQuantity)

	_, err = uc.CancelOrder(ctx, ask.Order.ID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestUseCaseModifyOrder(t *testing.T) {
	uc := newTestUseCase(t, nil)
	ctx := context.Background()

	bid, err := uc.AddOrder(ctx, "BTCUSD", 1, model.BID, 99, 10)
	require.NoError(t, err)
	_, err = uc.AddOrder(ctx, "BTCUSD", 2, model.ASK, 101, 4)
	require.NoError(t, err)

	res, err := uc.ModifyOrder(ctx, model.OrderModify{ID: bid.Order.ID, Price: 101, Quantity: 10})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.Quantity(4), res.Trades[0].Quantity)
	assert.Equal(t, model.Quantity(6), res.Order.RemainingQuantity)

	_, err = uc.ModifyOrder(ctx, model.OrderModify{ID: bid.Order.ID, Quantity: 6})
	assert.ErrorIs(t, err, model.ErrInvalidAmend)
}

func TestUseCaseRejections(t *testing.T) {
	uc := newTestUseCase(t, nil)
	ctx := context.Background()

	_, err := uc.AddOrder(ctx, "DOGEUSD", 1, model.BID, 1, 1)
	assert.ErrorIs(t, err, model.ErrUnknownInstrument)
	_, err = uc.GetSnapshot(ctx, "DOGEUSD")
	assert.ErrorIs(t, err, model.ErrUnknownInstrument)
	_, err = uc.AddOrder(ctx, "BTCUSD", 1, model.BID, 0, 1)
	assert.ErrorIs(t, err, model.ErrInvalidOrder)
	_, err = uc.AddOrder(ctx, "BTCUSD", 1, model.Side(7), 1, 1)
	assert.ErrorIs(t, err, model.ErrInvalidOrder)
	_, err = uc.CancelOrder(ctx, 424242)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, uc.Symbols())
}

func TestUseCaseInstrumentsAreIndependent(t *testing.T) {
	uc := newTestUseCase(t, nil)
	ctx := context.Background()

	_, err := uc.AddOrder(ctx, "BTCUSD", 1, model.BID, 100, 1)
	require.NoError(t, err)
	res, err := uc.AddOrder(ctx, "ETHUSD", 2, model.ASK, 100, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
}

func TestNewOrderUseCaseDuplicateSymbol(t *testing.T) {
	_, err := NewOrderUseCase(OrderUseCaseOpts{Symbols: []string{"BTCUSD", "btcusd"}, Logger: zerolog.Nop()})
	assert.Error(t, err)
	_, err = NewOrderUseCase(OrderUseCaseOpts{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestUseCaseCommandsFailAfterClose(t *testing.T) {
	uc, err := NewOrderUseCase(OrderUseCaseOpts{
		Symbols:     []string{"BTCUSD"},
		SnapshotTTL: time.Minute,
		MaxDepth:    5,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	uc.Start(context.Background())
	require.NoError(t, uc.Close())

	finished := make(chan error, 1)
	go func() {
		_, err := uc.AddOrder(context.Background(), "BTCUSD", 1, model.BID, 100, 1)
		finished <- err
	}()
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, model.ErrInstrumentStopped)
	case <-time.After(time.Second):
		t.Fatal("AddOrder blocked after Close")
	}

	_, err = uc.GetSnapshot(context.Background(), "BTCUSD")
	assert.ErrorIs(t, err, model.ErrInstrumentStopped)
}
