// Package settlement moves trades and terminal order states out of the
// matching path. Instruments hand results to a Dispatcher, which delivers
// them to every configured Sink on its own goroutine.
package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/reggieyam998/ctf-exchange/internal/metrics"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/rs/zerolog"
)

// Sink records settlement instructions. Implementations must be idempotent
// on trade id and order id: a retried delivery may repeat an event.
type Sink interface {
	RecordTrade(ctx context.Context, trade model.Trade) error
	RecordOrderState(ctx context.Context, state model.OrderState) error
}

type OverflowPolicy uint8

const (
	// Drop rejects events when the queue is full and reports ErrSinkUnavailable.
	Drop OverflowPolicy = iota
	// Block makes the publisher wait for queue space.
	Block
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "drop", "":
		return Drop, nil
	case "block":
		return Block, nil
	}
	return Drop, fmt.Errorf("unknown overflow policy %q", s)
}

type event struct {
	trade *model.Trade
	state *model.OrderState
}

func (e event) key() string {
	if e.trade != nil {
		return "trade:" + e.trade.ID
	}
	return fmt.Sprintf("order:%d", e.state.ID)
}

type Options struct {
	QueueSize     int
	Policy        OverflowPolicy
	RetryAttempts int
	RetryBackoff  time.Duration
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

type Dispatcher struct {
	sinks []Sink
	queue chan event
	done  chan struct{}
	opts  Options

	// closed is set under mu before the final drain; an enqueue holding
	// the read lock always lands before it
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(opts Options, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	opts.Logger = opts.Logger.With().Str("component", "settlement").Logger()
	return &Dispatcher{
		sinks: sinks,
		queue: make(chan event, opts.QueueSize),
		done:  make(chan struct{}),
		opts:  opts,
	}
}

// Publish queues the trades then the closed order states of one command.
func (d *Dispatcher) Publish(trades []model.Trade, closed []model.OrderState) error {
	dropped := 0
	for i := range trades {
		if !d.enqueue(event{trade: &trades[i]}) {
			dropped++
		}
	}
	for i := range closed {
		if !d.enqueue(event{state: &closed[i]}) {
			dropped++
		}
	}
	d.setDepth()
	if dropped > 0 {
		return fmt.Errorf("%w: %d of %d events dropped", model.ErrSinkUnavailable, dropped, len(trades)+len(closed))
	}
	return nil
}

func (d *Dispatcher) enqueue(ev event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.closed {
		if d.opts.Policy == Block {
			select {
			case d.queue <- ev:
				return true
			case <-d.done:
			}
		} else {
			select {
			case d.queue <- ev:
				return true
			default:
			}
		}
	}
	if d.opts.Metrics != nil {
		d.opts.Metrics.SinkDropsTotal.Inc()
	}
	d.opts.Logger.Warn().Str("event", ev.key()).Msg("settlement event dropped")
	return false
}

// Run delivers queued events until ctx is done, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.opts.Logger.Info().Int("sinks", len(d.sinks)).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			// release blocked publishers first, then shut the door
			close(d.done)
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			d.drain(context.WithoutCancel(ctx))
			d.opts.Logger.Info().Msg("dispatcher stopped")
			return ctx.Err()
		case ev := <-d.queue:
			d.deliver(ctx, ev)
			d.setDepth()
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			d.setDepth()
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev event) {
	for _, sink := range d.sinks {
		err := d.retry(ctx, func() error {
			if ev.trade != nil {
				return sink.RecordTrade(ctx, *ev.trade)
			}
			return sink.RecordOrderState(ctx, *ev.state)
		})
		if err != nil {
			name := SinkName(sink)
			d.opts.Logger.Error().Err(err).Str("sink", name).Str("event", ev.key()).Msg("settlement delivery failed")
			if d.opts.Metrics != nil {
				d.opts.Metrics.SinkFailuresTotal.WithLabelValues(name).Inc()
			}
		}
	}
}

// retry runs fn up to RetryAttempts times, doubling the wait after each
// failure.
func (d *Dispatcher) retry(ctx context.Context, fn func() error) error {
	backoff := d.opts.RetryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || attempt >= d.opts.RetryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (d *Dispatcher) setDepth() {
	if d.opts.Metrics != nil {
		d.opts.Metrics.SinkQueueDepth.Set(float64(len(d.queue)))
	}
}

// SinkName labels a sink in logs and metrics.
func SinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
