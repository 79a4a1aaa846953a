package model

import (
	"testing"

	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBid(id model.OrderId, qty model.Quantity) *model.Order {
	o := model.NewOrder(id, 1, "BTCUSD", model.BID, 100, qty)
	return &o
}

func TestPriceLevelFIFO(t *testing.T) {
	pl := NewPriceLevel(model.BID, 100)
	require.NoError(t, pl.Add(newBid(1, 5)))
	require.NoError(t, pl.Add(newBid(2, 3)))
	require.NoError(t, pl.Add(newBid(3, 7)))

	assert.Equal(t, model.Quantity(15), pl.AggregateQuantity())
	assert.Equal(t, 3, pl.Len())
	assert.Equal(t, model.OrderId(1), pl.PeekFront().GetId())

	front := pl.RemoveFront()
	assert.Equal(t, model.OrderId(1), front.GetId())
	assert.Equal(t, model.Quantity(10), pl.AggregateQuantity())
	assert.Equal(t, model.OrderId(2), pl.PeekFront().GetId())
}

func TestPriceLevelRemoveByID(t *testing.T) {
	pl := NewPriceLevel(model.BID, 100)
	for i := model.OrderId(1); i <= 3; i++ {
		require.NoError(t, pl.Add(newBid(i, 2)))
	}

	removed := pl.RemoveByID(2)
	require.NotNil(t, removed)
	assert.Equal(t, model.Quantity(4), pl.AggregateQuantity())
	assert.Nil(t, pl.RemoveByID(2))

	var ids []model.OrderId
	pl.Orders(func(o *model.Order) bool {
		ids = append(ids, o.GetId())
		return true
	})
	assert.Equal(t, []model.OrderId{1, 3}, ids)

	pl.RemoveByID(1)
	pl.RemoveByID(3)
	assert.True(t, pl.IsEmpty())
	assert.Zero(t, pl.AggregateQuantity())
	assert.Nil(t, pl.PeekFront())
	assert.Nil(t, pl.RemoveFront())
}

func TestPriceLevelConsumeAndReduce(t *testing.T) {
	pl := NewPriceLevel(model.BID, 100)
	first := newBid(1, 10)
	require.NoError(t, pl.Add(first))
	require.NoError(t, pl.Add(newBid(2, 4)))

	require.NoError(t, first.Fill(6))
	require.NoError(t, pl.Consume(6))
	assert.Equal(t, model.Quantity(8), pl.AggregateQuantity())

	require.NoError(t, pl.Reduce(2, 3))
	assert.Equal(t, model.Quantity(5), pl.AggregateQuantity())
	assert.Equal(t, model.OrderId(1), pl.PeekFront().GetId(), "reduce keeps arrival order")

	assert.ErrorIs(t, pl.Reduce(9, 1), model.ErrOrderNotFound)
	assert.ErrorIs(t, pl.Consume(100), model.ErrInvariantViolation)
}

func TestPriceLevelRejectsForeignOrders(t *testing.T) {
	pl := NewPriceLevel(model.ASK, 100)
	assert.ErrorIs(t, pl.Add(newBid(1, 1)), model.ErrInvariantViolation)

	pl = NewPriceLevel(model.BID, 100)
	o := newBid(1, 1)
	require.NoError(t, pl.Add(o))
	assert.ErrorIs(t, pl.Add(o), model.ErrInvariantViolation)
}

func TestLevelOrdering(t *testing.T) {
	low := NewPriceLevel(model.BID, 99)
	high := NewPriceLevel(model.BID, 101)
	assert.True(t, BidLess(high, low))
	assert.False(t, BidLess(low, high))
	assert.True(t, AskLess(low, high))
}
