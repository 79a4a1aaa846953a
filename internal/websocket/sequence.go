package websocket

import (
	"sync"
	"sync/atomic"
)

// sequencer hands out per-symbol message numbers.
type sequencer struct {
	seqs sync.Map // map[string]*atomic.Uint64
}

func (s *sequencer) next(symbol string) uint64 {
	v, _ := s.seqs.LoadOrStore(symbol, new(atomic.Uint64))
	return v.(*atomic.Uint64).Add(1)
}
