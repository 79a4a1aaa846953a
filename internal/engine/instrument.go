package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/reggieyam998/ctf-exchange/internal/metrics"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/rs/zerolog"
)

// Publisher receives the trades and terminal order states of a command once
// it has completed. Returning model.ErrSinkUnavailable marks the command as
// degraded; the match result itself is still valid.
type Publisher interface {
	Publish(trades []model.Trade, closed []model.OrderState) error
}

type commandKind uint8

const (
	cmdSubmit commandKind = iota
	cmdCancel
	cmdAmend
	cmdCapture
	cmdDump
)

func (k commandKind) String() string {
	switch k {
	case cmdSubmit:
		return "submit"
	case cmdCancel:
		return "cancel"
	case cmdAmend:
		return "amend"
	case cmdCapture:
		return "capture"
	case cmdDump:
		return "dump"
	}
	return "unknown"
}

func (k commandKind) mutates() bool {
	return k == cmdSubmit || k == cmdCancel || k == cmdAmend
}

type command struct {
	kind   commandKind
	order  model.Order
	id     model.OrderId
	modify model.OrderModify
	depth  int
	reply  chan reply
}

type reply struct {
	result MatchResult
	depth  model.MarketDepth
	err    error
}

type InstrumentOpts struct {
	Engine    OrderBookEngine
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	QueueSize int
	// OnTrade is called from the instrument goroutine for every trade.
	OnTrade func(model.Trade)
	// OnChange is called after every successful mutating command.
	OnChange func()
}

// Instrument serializes every command for one symbol through a single
// goroutine. Readers of BestBidAsk never block on it.
type Instrument struct {
	symbol    string
	engine    OrderBookEngine
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	onTrade   func(model.Trade)
	onChange  func()

	cmds    chan command
	stopped chan struct{}
	top     atomic.Pointer[model.TopOfBook]
	halted  atomic.Bool
}

func NewInstrument(symbol string, opts InstrumentOpts) *Instrument {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	i := &Instrument{
		symbol:    symbol,
		engine:    opts.Engine,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("symbol", symbol).Logger(),
		onTrade:   opts.OnTrade,
		onChange:  opts.OnChange,
		cmds:      make(chan command, opts.QueueSize),
		stopped:   make(chan struct{}),
	}
	tob := opts.Engine.TopOfBook()
	i.top.Store(&tob)
	return i
}

func (i *Instrument) Symbol() string {
	return i.symbol
}

func (i *Instrument) Halted() bool {
	return i.halted.Load()
}

// BestBidAsk returns the top of book published after the last completed
// command.
func (i *Instrument) BestBidAsk() model.TopOfBook {
	return *i.top.Load()
}

// Run drains the command queue until ctx is done. Commands still queued
// or submitted afterwards fail with model.ErrInstrumentStopped. Run must be
// called at most once.
func (i *Instrument) Run(ctx context.Context) error {
	i.logger.Info().Msg("instrument started")
	defer close(i.stopped)
	for {
		select {
		case <-ctx.Done():
			i.logger.Info().Msg("instrument stopped")
			return ctx.Err()
		case cmd := <-i.cmds:
			cmd.reply <- i.execute(cmd)
		}
	}
}

func (i *Instrument) Submit(ctx context.Context, order model.Order) (MatchResult, error) {
	r := i.do(ctx, command{kind: cmdSubmit, order: order})
	return r.result, r.err
}

func (i *Instrument) Cancel(ctx context.Context, orderID model.OrderId) (model.OrderState, error) {
	r := i.do(ctx, command{kind: cmdCancel, id: orderID})
	return r.result.Order, r.err
}

func (i *Instrument) Amend(ctx context.Context, modify model.OrderModify) (MatchResult, error) {
	r := i.do(ctx, command{kind: cmdAmend, modify: modify})
	return r.result, r.err
}

// Capture copies at most depth levels per side at a command boundary.
func (i *Instrument) Capture(ctx context.Context, depth int) (model.MarketDepth, error) {
	r := i.do(ctx, command{kind: cmdCapture, depth: depth})
	return r.depth, r.err
}

// Dump copies the whole book.
func (i *Instrument) Dump(ctx context.Context) (model.MarketDepth, error) {
	r := i.do(ctx, command{kind: cmdDump})
	return r.depth, r.err
}

func (i *Instrument) do(ctx context.Context, cmd command) reply {
	if i.halted.Load() {
		return reply{err: fmt.Errorf("%w: %s", model.ErrInstrumentHalted, i.symbol)}
	}
	cmd.reply = make(chan reply, 1)
	select {
	case i.cmds <- cmd:
	case <-i.stopped:
		return i.stoppedReply()
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-i.stopped:
		// the reply is sent before Run exits
		select {
		case r := <-cmd.reply:
			return r
		default:
		}
		return i.stoppedReply()
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

func (i *Instrument) stoppedReply() reply {
	return reply{err: fmt.Errorf("%w: %s", model.ErrInstrumentStopped, i.symbol)}
}

func (i *Instrument) execute(cmd command) reply {
	if i.halted.Load() {
		return reply{err: fmt.Errorf("%w: %s", model.ErrInstrumentHalted, i.symbol)}
	}

	start := time.Now()
	var r reply
	switch cmd.kind {
	case cmdSubmit:
		r.result, r.err = i.engine.Submit(cmd.order)
	case cmdCancel:
		var state model.OrderState
		state, r.err = i.engine.Cancel(cmd.id)
		if r.err == nil {
			r.result = MatchResult{Order: state, Closed: []model.OrderState{state}}
		}
	case cmdAmend:
		r.result, r.err = i.engine.Amend(cmd.modify)
	case cmdCapture:
		r.depth = i.engine.Depth(cmd.depth)
	case cmdDump:
		r.depth = i.engine.Depth(math.MaxInt)
	}
	if i.metrics != nil {
		i.metrics.CommandLatency.WithLabelValues(i.symbol, cmd.kind.String()).Observe(time.Since(start).Seconds())
	}

	if errors.Is(r.err, model.ErrInvariantViolation) {
		i.halt(r.err)
		return reply{err: fmt.Errorf("%w: %w", model.ErrInstrumentHalted, r.err)}
	}
	if !cmd.kind.mutates() {
		return r
	}
	if r.err == nil {
		r.err = i.commit(r.result)
	}
	i.count(cmd.kind, r.err)
	return r
}

// commit publishes the effects of a successful mutating command.
func (i *Instrument) commit(result MatchResult) error {
	tob := i.engine.TopOfBook()
	i.top.Store(&tob)

	if i.metrics != nil && len(result.Trades) > 0 {
		i.metrics.TradesTotal.WithLabelValues(i.symbol).Add(float64(len(result.Trades)))
		var volume model.Quantity
		for _, tr := range result.Trades {
			volume += tr.Quantity
		}
		i.metrics.TradedVolume.WithLabelValues(i.symbol).Add(float64(volume))
	}
	if i.onTrade != nil {
		for _, tr := range result.Trades {
			i.onTrade(tr)
		}
	}
	if i.onChange != nil {
		i.onChange()
	}

	if i.publisher == nil || (len(result.Trades) == 0 && len(result.Closed) == 0) {
		return nil
	}
	if err := i.publisher.Publish(result.Trades, result.Closed); err != nil {
		i.logger.Warn().Err(err).Uint64("sequence", tob.Sequence).Msg("settlement degraded")
		return err
	}
	return nil
}

func (i *Instrument) halt(cause error) {
	i.halted.Store(true)
	dump := i.engine.Depth(math.MaxInt)
	i.logger.Error().
		Err(cause).
		Uint64("sequence", dump.Sequence).
		Int("orders", i.engine.OrderSize()).
		Interface("bids", dump.Bids).
		Interface("asks", dump.Asks).
		Msg("instrument halted")
	if i.metrics != nil {
		i.metrics.InstrumentHalted.WithLabelValues(i.symbol).Set(1)
		i.metrics.OrdersTotal.WithLabelValues(i.symbol, "halt", "invariant_violation").Inc()
	}
}

func (i *Instrument) count(kind commandKind, err error) {
	if i.metrics == nil {
		return
	}
	i.metrics.OrdersTotal.WithLabelValues(i.symbol, kind.String(), resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrSinkUnavailable):
		return "degraded"
	case errors.Is(err, model.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidAmend):
		return "invalid_amend"
	case errors.Is(err, model.ErrInvalidOrder):
		return "invalid_order"
	}
	return "error"
}
