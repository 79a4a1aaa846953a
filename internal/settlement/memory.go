package settlement

import (
	"context"
	"sync"

	"github.com/reggieyam998/ctf-exchange/pkg/model"
)

// MemorySink keeps everything it receives. Repeated events overwrite by id.
type MemorySink struct {
	mu     sync.Mutex
	trades []model.Trade
	seen   map[string]int
	states map[model.OrderId]model.OrderState
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		seen:   make(map[string]int),
		states: make(map[model.OrderId]model.OrderState),
	}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) RecordTrade(ctx context.Context, trade model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.seen[trade.ID]; ok {
		m.trades[i] = trade
		return nil
	}
	m.seen[trade.ID] = len(m.trades)
	m.trades = append(m.trades, trade)
	return nil
}

func (m *MemorySink) RecordOrderState(ctx context.Context, state model.OrderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ID] = state
	return nil
}

// Trades returns the recorded trades in arrival order.
func (m *MemorySink) Trades() []model.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *MemorySink) OrderState(id model.OrderId) (model.OrderState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	return s, ok
}

func (m *MemorySink) OrderStates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}
