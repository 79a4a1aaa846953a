package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reggieyam998/ctf-exchange/internal/engine"
	"github.com/reggieyam998/ctf-exchange/internal/fee"
	"github.com/reggieyam998/ctf-exchange/internal/metrics"
	"github.com/reggieyam998/ctf-exchange/internal/settlement"
	"github.com/reggieyam998/ctf-exchange/internal/snapshot"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// OrderUseCase is the exchange facade: one instrument and one snapshot cache
// per symbol, with order ids assigned here.
type OrderUseCase interface {
	AddOrder(ctx context.Context, symbol string, account model.AccountId, side model.Side, price model.Price, quantity model.Quantity) (engine.MatchResult, error)

	CancelOrder(ctx context.Context, orderID model.OrderId) (model.OrderState, error)

	ModifyOrder(ctx context.Context, modify model.OrderModify) (engine.MatchResult, error)

	GetSnapshot(ctx context.Context, symbol string) (model.Snapshot, error)

	GetTopOfBook(ctx context.Context, symbol string) (model.TopOfBook, error)

	Symbols() []string

	RegisterTradeHandler(handler TradeHandler)

	// Start runs the instrument loops, snapshot refreshers and the settlement
	// dispatcher until Close or ctx cancellation.
	Start(ctx context.Context)

	Close() error
}

type TradeHandler func(model.Trade)

type OrderUseCaseOpts struct {
	Symbols    []string
	Fees       fee.Schedule
	Dispatcher *settlement.Dispatcher

	SnapshotTTL        time.Duration
	RefreshInterval    time.Duration
	MaxDepth           int
	Replicators        []snapshot.Replicator
	InvalidateOnChange bool

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type market struct {
	instrument *engine.Instrument
	cache      *snapshot.Cache
}

type orderUseCaseImpl struct {
	markets    map[string]*market
	dispatcher *settlement.Dispatcher
	logger     zerolog.Logger

	lastOrderID atomic.Uint64
	// open orders by id, so cancel and amend need no symbol
	openOrders sync.Map // model.OrderId -> string

	handlersMu sync.RWMutex
	handlers   []TradeHandler

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewOrderUseCase(opts OrderUseCaseOpts) (OrderUseCase, error) {
	if len(opts.Symbols) == 0 {
		return nil, errors.New("at least one instrument is required")
	}
	ou := &orderUseCaseImpl{
		markets:    make(map[string]*market, len(opts.Symbols)),
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
	}
	// ids restart above the wall clock so a restarted process does not reuse them
	ou.lastOrderID.Store(uint64(time.Now().UnixMicro()))

	var publisher engine.Publisher
	if opts.Dispatcher != nil {
		publisher = opts.Dispatcher
	}

	for _, raw := range opts.Symbols {
		symbol := normalizeSymbol(raw)
		if _, dup := ou.markets[symbol]; dup {
			return nil, fmt.Errorf("instrument %s configured twice", symbol)
		}
		m := &market{}
		var onChange func()
		if opts.InvalidateOnChange {
			onChange = func() { m.cache.Invalidate() }
		}
		m.instrument = engine.NewInstrument(symbol, engine.InstrumentOpts{
			Engine:    engine.NewOrderBookEngine(symbol, opts.Fees),
			Publisher: publisher,
			Metrics:   opts.Metrics,
			Logger:    opts.Logger,
			OnTrade:   ou.notifyTrade,
			OnChange:  onChange,
		})
		m.cache = snapshot.NewCache(symbol, m.instrument, snapshot.Options{
			TTL:             opts.SnapshotTTL,
			RefreshInterval: opts.RefreshInterval,
			Depth:           opts.MaxDepth,
			Replicators:     opts.Replicators,
			Metrics:         opts.Metrics,
			Logger:          opts.Logger,
		})
		ou.markets[symbol] = m
	}
	return ou, nil
}

func (ou *orderUseCaseImpl) RegisterTradeHandler(handler TradeHandler) {
	ou.handlersMu.Lock()
	defer ou.handlersMu.Unlock()
	ou.handlers = append(ou.handlers, handler)
}

func (ou *orderUseCaseImpl) notifyTrade(t model.Trade) {
	ou.handlersMu.RLock()
	defer ou.handlersMu.RUnlock()
	for _, h := range ou.handlers {
		h(t)
	}
}

func (ou *orderUseCaseImpl) market(symbol string) (*market, error) {
	m, ok := ou.markets[normalizeSymbol(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownInstrument, symbol)
	}
	return m, nil
}

func (ou *orderUseCaseImpl) AddOrder(ctx context.Context, symbol string, account model.AccountId, side model.Side, price model.Price, quantity model.Quantity) (engine.MatchResult, error) {
	m, err := ou.market(symbol)
	if err != nil {
		return engine.MatchResult{}, err
	}
	if side != model.BID && side != model.ASK {
		return engine.MatchResult{}, fmt.Errorf("%w: unknown side %d", model.ErrInvalidOrder, side)
	}
	orderID := model.OrderId(ou.lastOrderID.Add(1))
	order := model.NewOrder(orderID, account, m.instrument.Symbol(), side, price, quantity)

	result, err := m.instrument.Submit(ctx, order)
	ou.track(m.instrument.Symbol(), result, err)
	return result, err
}

func (ou *orderUseCaseImpl) CancelOrder(ctx context.Context, orderID model.OrderId) (model.OrderState, error) {
	m, err := ou.marketOf(orderID)
	if err != nil {
		return model.OrderState{}, err
	}
	state, err := m.instrument.Cancel(ctx, orderID)
	ou.forgetIfGone(orderID, err)
	ou.track(m.instrument.Symbol(), engine.MatchResult{Order: state, Closed: []model.OrderState{state}}, err)
	return state, err
}

func (ou *orderUseCaseImpl) ModifyOrder(ctx context.Context, modify model.OrderModify) (engine.MatchResult, error) {
	m, err := ou.marketOf(modify.ID)
	if err != nil {
		return engine.MatchResult{}, err
	}
	result, err := m.instrument.Amend(ctx, modify)
	ou.forgetIfGone(modify.ID, err)
	ou.track(m.instrument.Symbol(), result, err)
	return result, err
}

func (ou *orderUseCaseImpl) marketOf(orderID model.OrderId) (*market, error) {
	symbol, ok := ou.openOrders.Load(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: cannot find order with id %v", model.ErrOrderNotFound, orderID)
	}
	return ou.market(symbol.(string))
}

// forgetIfGone drops an index entry for an order the book no longer holds:
// it was filled by a command whose result has not been tracked yet.
func (ou *orderUseCaseImpl) forgetIfGone(orderID model.OrderId, err error) {
	if errors.Is(err, model.ErrOrderNotFound) {
		ou.openOrders.Delete(orderID)
	}
}

// track keeps the open order index in step with a command result. A degraded
// settlement does not invalidate the result.
func (ou *orderUseCaseImpl) track(symbol string, result engine.MatchResult, err error) {
	if err != nil && !errors.Is(err, model.ErrSinkUnavailable) {
		return
	}
	if result.Order.ID != 0 && !result.Order.Status.Terminal() {
		ou.openOrders.Store(result.Order.ID, symbol)
	}
	for _, closed := range result.Closed {
		ou.openOrders.Delete(closed.ID)
	}
}

func (ou *orderUseCaseImpl) GetSnapshot(ctx context.Context, symbol string) (model.Snapshot, error) {
	m, err := ou.market(symbol)
	if err != nil {
		return model.Snapshot{}, err
	}
	return m.cache.Get(ctx)
}

func (ou *orderUseCaseImpl) GetTopOfBook(ctx context.Context, symbol string) (model.TopOfBook, error) {
	m, err := ou.market(symbol)
	if err != nil {
		return model.TopOfBook{}, err
	}
	return m.instrument.BestBidAsk(), nil
}

func (ou *orderUseCaseImpl) Symbols() []string {
	out := make([]string, 0, len(ou.markets))
	for s := range ou.markets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (ou *orderUseCaseImpl) Start(ctx context.Context) {
	ctx, ou.cancel = context.WithCancel(ctx)
	ou.group, ctx = errgroup.WithContext(ctx)

	for _, m := range ou.markets {
		ou.group.Go(ignoreCancel(ctx, m.instrument.Run))
		ou.group.Go(ignoreCancel(ctx, m.cache.Run))
	}
	if ou.dispatcher != nil {
		ou.group.Go(ignoreCancel(ctx, ou.dispatcher.Run))
	}
	ou.logger.Info().Strs("symbols", ou.Symbols()).Msg("exchange started")
}

func (ou *orderUseCaseImpl) Close() error {
	if ou.cancel == nil {
		return nil
	}
	ou.cancel()
	return ou.group.Wait()
}
