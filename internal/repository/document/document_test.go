package document

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("clob", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTradesScanInSequenceOrder(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	for _, seq := range []uint64{12, 3, 100, 7} {
		tr := model.Trade{ID: fmt.Sprintf("t-%d", seq), Symbol: "BTCUSD", Price: 100, Quantity: 1, Sequence: seq,
			Timestamp: time.Unix(1_700_000_000, 0).UTC()}
		require.NoError(t, s.RecordTrade(ctx, tr))
	}
	require.NoError(t, s.RecordTrade(ctx, model.Trade{ID: "other", Symbol: "BTCUSDT", Sequence: 1}))
	// replay
	require.NoError(t, s.RecordTrade(ctx, model.Trade{ID: "t-7", Symbol: "BTCUSD", Price: 100, Quantity: 1, Sequence: 7}))

	var seqs []uint64
	require.NoError(t, s.ScanTrades("BTCUSD", func(tr model.Trade) error {
		seqs = append(seqs, tr.Sequence)
		return nil
	}))
	assert.Equal(t, []uint64{3, 7, 12, 100}, seqs)
}

func TestOrderStateLatestWins(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	_, err := s.GetOrderState(1)
	assert.ErrorIs(t, err, ErrNotFound)

	o := model.NewOrder(1, 10, "BTCUSD", model.ASK, 100, 5)
	require.NoError(t, s.RecordOrderState(ctx, o.State()))
	require.NoError(t, o.Fill(5))
	require.NoError(t, s.RecordOrderState(ctx, o.State()))

	got, err := s.GetOrderState(1)
	require.NoError(t, err)
	assert.Equal(t, model.ORDER_FILLED, got.Status)
	assert.Equal(t, model.Quantity(5), got.FilledQuantity)
	assert.Equal(t, model.AccountId(10), got.Account)
}

func TestScanStopsOnCallbackError(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	require.NoError(t, s.RecordTrade(ctx, model.Trade{ID: "a", Symbol: "X", Sequence: 1}))
	require.NoError(t, s.RecordTrade(ctx, model.Trade{ID: "b", Symbol: "X", Sequence: 2}))

	stop := fmt.Errorf("stop")
	calls := 0
	err := s.ScanTrades("X", func(model.Trade) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
