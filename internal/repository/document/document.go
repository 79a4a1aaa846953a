// Package document is an embedded key-value document store for settlement
// events, used when no external database is configured.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
)

var ErrNotFound = errors.New("document not found")

type Store struct {
	db *pebble.DB
}

// Open opens or creates the store in dir. opts may be nil.
func Open(dir string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening document store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Name() string { return "document" }

// RecordTrade stores the trade under its symbol, in sequence order.
// Replaying a trade overwrites the same key.
func (s *Store) RecordTrade(ctx context.Context, trade model.Trade) error {
	doc, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	return s.db.Set(tradeKey(trade.Symbol, trade.Sequence, trade.ID), doc, pebble.Sync)
}

func (s *Store) RecordOrderState(ctx context.Context, state model.OrderState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Set(orderKey(state.ID), doc, pebble.Sync)
}

func (s *Store) GetOrderState(id model.OrderId) (model.OrderState, error) {
	val, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return model.OrderState{}, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	if err != nil {
		return model.OrderState{}, err
	}
	defer closer.Close()

	var state model.OrderState
	if err := json.Unmarshal(val, &state); err != nil {
		return model.OrderState{}, err
	}
	return state, nil
}

// ScanTrades calls fn for every stored trade of symbol in sequence order.
func (s *Store) ScanTrades(symbol string, fn func(model.Trade) error) error {
	prefix := []byte("trade/" + symbol + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var tr model.Trade
		if err := json.Unmarshal(iter.Value(), &tr); err != nil {
			return fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		if err := fn(tr); err != nil {
			return err
		}
	}
	return iter.Error()
}

func tradeKey(symbol string, sequence uint64, id string) []byte {
	return []byte(fmt.Sprintf("trade/%s/%020d/%s", symbol, sequence, id))
}

func orderKey(id model.OrderId) []byte {
	return []byte(fmt.Sprintf("order/%020d", id))
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}
