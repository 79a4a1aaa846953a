package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/reggieyam998/ctf-exchange/internal/metrics"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	trades []model.Trade
	closed []model.OrderState
	err    error
}

func (p *recordingPublisher) Publish(trades []model.Trade, closed []model.OrderState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, trades...)
	p.closed = append(p.closed, closed...)
	return p.err
}

// corruptingEngine reports an invariant violation for one poisoned order id.
type corruptingEngine struct {
	*OrderBookEngineImpl
	poison model.OrderId
}

func (c *corruptingEngine) Submit(order model.Order) (MatchResult, error) {
	if order.GetId() == c.poison {
		return MatchResult{}, fmt.Errorf("%w: test corruption", model.ErrInvariantViolation)
	}
	return c.OrderBookEngineImpl.Submit(order)
}

func startInstrument(t *testing.T, opts InstrumentOpts) *Instrument {
	t.Helper()
	if opts.Engine == nil {
		opts.Engine = newTestEngine(t)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	opts.Logger = zerolog.Nop()
	inst := NewInstrument(testSymbol, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = inst.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return inst
}

func TestInstrumentPublishesTopOfBook(t *testing.T) {
	inst := startInstrument(t, InstrumentOpts{})
	ctx := context.Background()

	tob := inst.BestBidAsk()
	assert.Nil(t, tob.BestBid)
	assert.Nil(t, tob.BestAsk)

	_, err := inst.Submit(ctx, order(1, model.BID, 99, 5))
	require.NoError(t, err)
	_, err = inst.Submit(ctx, order(2, model.ASK, 101, 3))
	require.NoError(t, err)

	tob = inst.BestBidAsk()
	require.NotNil(t, tob.BestBid)
	require.NotNil(t, tob.BestAsk)
	assert.Equal(t, model.Price(99), tob.BestBid.Price)
	assert.Equal(t, model.Price(101), tob.BestAsk.Price)
	assert.Equal(t, model.Price(2), tob.Spread)
	assert.Equal(t, uint64(2), tob.Sequence)

	_, err = inst.Cancel(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, inst.BestBidAsk().BestAsk)
}

func TestInstrumentForwardsTradesAndClosedStates(t *testing.T) {
	pub := &recordingPublisher{}
	var seen atomic.Int32
	var changes atomic.Int32
	inst := startInstrument(t, InstrumentOpts{
		Publisher: pub,
		OnTrade:   func(model.Trade) { seen.Add(1) },
		OnChange:  func() { changes.Add(1) },
	})
	ctx := context.Background()

	_, err := inst.Submit(ctx, order(1, model.ASK, 100, 5))
	require.NoError(t, err)
	res, err := inst.Submit(ctx, order(2, model.BID, 100, 5))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	_, err = inst.Submit(ctx, order(3, model.BID, 90, 5))
	require.NoError(t, err)
	state, err := inst.Cancel(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, model.ORDER_CANCELLED, state.Status)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.trades, 1)
	require.Len(t, pub.closed, 3)
	assert.Equal(t, model.OrderId(3), pub.closed[2].ID)
	assert.Equal(t, int32(1), seen.Load())
	assert.Equal(t, int32(4), changes.Load())
}

func TestInstrumentDegradedSinkKeepsResult(t *testing.T) {
	pub := &recordingPublisher{err: fmt.Errorf("%w: queue full", model.ErrSinkUnavailable)}
	m := metrics.New(prometheus.NewRegistry())
	inst := startInstrument(t, InstrumentOpts{Publisher: pub, Metrics: m})
	ctx := context.Background()

	_, err := inst.Submit(ctx, order(1, model.ASK, 100, 5))
	require.NoError(t, err)

	res, err := inst.Submit(ctx, order(2, model.BID, 100, 2))
	assert.ErrorIs(t, err, model.ErrSinkUnavailable)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.Quantity(2), res.Trades[0].Quantity)

	tob := inst.BestBidAsk()
	require.NotNil(t, tob.BestAsk)
	assert.Equal(t, model.Quantity(3), tob.BestAsk.Volume)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OrdersTotal.WithLabelValues(testSymbol, "submit", "degraded")))
}

func TestInstrumentHaltsOnInvariantViolation(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	inst := startInstrument(t, InstrumentOpts{
		Engine:  &corruptingEngine{OrderBookEngineImpl: newTestEngine(t), poison: 13},
		Metrics: m,
	})
	ctx := context.Background()

	_, err := inst.Submit(ctx, order(1, model.BID, 100, 1))
	require.NoError(t, err)

	_, err = inst.Submit(ctx, order(13, model.BID, 100, 1))
	assert.ErrorIs(t, err, model.ErrInstrumentHalted)
	assert.ErrorIs(t, err, model.ErrInvariantViolation)
	assert.True(t, inst.Halted())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InstrumentHalted.WithLabelValues(testSymbol)))

	_, err = inst.Submit(ctx, order(2, model.BID, 100, 1))
	assert.ErrorIs(t, err, model.ErrInstrumentHalted)
	_, err = inst.Cancel(ctx, 1)
	assert.ErrorIs(t, err, model.ErrInstrumentHalted)
	_, err = inst.Capture(ctx, 10)
	assert.ErrorIs(t, err, model.ErrInstrumentHalted)

	// last good view stays readable
	require.NotNil(t, inst.BestBidAsk().BestBid)
}

func TestInstrumentCaptureBoundsDepth(t *testing.T) {
	inst := startInstrument(t, InstrumentOpts{})
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_, err := inst.Submit(ctx, order(model.OrderId(i+1), model.BID, model.Price(100+i), 1))
		require.NoError(t, err)
	}

	depth, err := inst.Capture(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, depth.Bids, 10)
	assert.Equal(t, model.Price(114), depth.Bids[0].Price)

	all, err := inst.Dump(ctx)
	require.NoError(t, err)
	assert.Len(t, all.Bids, 15)
}

func TestInstrumentConcurrentSubmitters(t *testing.T) {
	pub := &recordingPublisher{}
	inst := startInstrument(t, InstrumentOpts{Publisher: pub})
	ctx := context.Background()

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	var nextID atomic.Uint64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			side := model.BID
			if w%2 == 1 {
				side = model.ASK
			}
			for n := 0; n < perWorker; n++ {
				id := model.OrderId(nextID.Add(1))
				_, err := inst.Submit(ctx, order(id, side, model.Price(95+n%10), 1))
				assert.NoError(t, err)
				tob := inst.BestBidAsk()
				if tob.BestBid != nil && tob.BestAsk != nil {
					assert.Less(t, tob.BestBid.Price, tob.BestAsk.Price)
				}
			}
		}(w)
	}
	wg.Wait()

	depth, err := inst.Dump(ctx)
	require.NoError(t, err)
	var resting model.Quantity
	for _, l := range append(depth.Bids, depth.Asks...) {
		resting += l.Volume
	}
	pub.mu.Lock()
	traded := model.Quantity(len(pub.trades)) * 2
	pub.mu.Unlock()
	assert.Equal(t, model.Quantity(workers*perWorker), resting+traded)
}

func TestInstrumentContextCancelled(t *testing.T) {
	inst := NewInstrument(testSymbol, InstrumentOpts{Engine: newTestEngine(t), Logger: zerolog.Nop(), QueueSize: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// no Run loop: the first command is queued and never answered
	_, err := inst.Submit(ctx, order(1, model.BID, 100, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInstrumentRejectsCommandsAfterStop(t *testing.T) {
	inst := NewInstrument(testSymbol, InstrumentOpts{Engine: newTestEngine(t), Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()

	_, err := inst.Submit(context.Background(), order(1, model.BID, 100, 1))
	require.NoError(t, err)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	finished := make(chan error, 1)
	go func() {
		_, err := inst.Submit(context.Background(), order(2, model.BID, 100, 1))
		finished <- err
	}()
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, model.ErrInstrumentStopped)
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a stopped instrument")
	}

	_, err = inst.Capture(context.Background(), 1)
	assert.ErrorIs(t, err, model.ErrInstrumentStopped)
}
