package model

import (
	"fmt"

	"github.com/reggieyam998/ctf-exchange/pkg/model"
)

type levelNode struct {
	order      *model.Order
	prev, next *levelNode
}

// PriceLevel holds the resting orders at one price in arrival order.
// TotalVolume always equals the sum of the remaining quantities it holds.
type PriceLevel struct {
	Price       model.Price
	Side        model.Side
	TotalVolume model.Quantity

	head, tail *levelNode
	nodes      map[model.OrderId]*levelNode
}

func NewPriceLevel(side model.Side, price model.Price) *PriceLevel {
	return &PriceLevel{
		Price: price,
		Side:  side,
		nodes: make(map[model.OrderId]*levelNode),
	}
}

// BidLess orders bid levels highest price first.
func BidLess(a, b *PriceLevel) bool {
	return a.Price > b.Price // Reverse
}

// AskLess orders ask levels lowest price first.
func AskLess(a, b *PriceLevel) bool {
	return a.Price < b.Price
}

// Add appends to the tail of the queue.
func (pl *PriceLevel) Add(order *model.Order) error {
	if order.GetPrice() != pl.Price || order.GetSide() != pl.Side {
		return fmt.Errorf("%w: order %d (%s@%d) added to %s level %d",
			model.ErrInvariantViolation, order.GetId(), order.GetSide(), order.GetPrice(), pl.Side, pl.Price)
	}
	if _, ok := pl.nodes[order.GetId()]; ok {
		return fmt.Errorf("%w: order %d already queued at %d", model.ErrInvariantViolation, order.GetId(), pl.Price)
	}
	n := &levelNode{order: order}
	if pl.tail == nil {
		pl.head = n
		pl.tail = n
	} else {
		pl.tail.next = n
		n.prev = pl.tail
		pl.tail = n
	}
	pl.nodes[order.GetId()] = n
	pl.TotalVolume += order.GetRemainingQuantity()
	return nil
}

func (pl *PriceLevel) PeekFront() *model.Order {
	if pl.head == nil {
		return nil
	}
	return pl.head.order
}

func (pl *PriceLevel) RemoveFront() *model.Order {
	if pl.head == nil {
		return nil
	}
	return pl.unlink(pl.head)
}

// Fast order removal with index tracking
func (pl *PriceLevel) RemoveByID(orderID model.OrderId) *model.Order {
	n, ok := pl.nodes[orderID]
	if !ok {
		return nil
	}
	return pl.unlink(n)
}

// Consume records a fill of the front order that already happened on the
// order itself, keeping TotalVolume in step.
func (pl *PriceLevel) Consume(quantity model.Quantity) error {
	if quantity > pl.TotalVolume {
		return fmt.Errorf("%w: level %d volume %d below fill %d",
			model.ErrInvariantViolation, pl.Price, pl.TotalVolume, quantity)
	}
	pl.TotalVolume -= quantity
	return nil
}

// Reduce lowers the open quantity of a queued order in place, keeping its
// position.
func (pl *PriceLevel) Reduce(orderID model.OrderId, delta model.Quantity) error {
	n, ok := pl.nodes[orderID]
	if !ok {
		return fmt.Errorf("%w: %d at level %d", model.ErrOrderNotFound, orderID, pl.Price)
	}
	if err := n.order.Reduce(delta); err != nil {
		return err
	}
	pl.TotalVolume -= delta
	return nil
}

func (pl *PriceLevel) AggregateQuantity() model.Quantity {
	return pl.TotalVolume
}

func (pl *PriceLevel) Len() int {
	return len(pl.nodes)
}

func (pl *PriceLevel) IsEmpty() bool {
	return pl.head == nil
}

func (pl *PriceLevel) Contains(orderID model.OrderId) bool {
	_, ok := pl.nodes[orderID]
	return ok
}

// Orders walks the queue front to back until fn returns false.
func (pl *PriceLevel) Orders(fn func(*model.Order) bool) {
	for n := pl.head; n != nil; n = n.next {
		if !fn(n.order) {
			return
		}
	}
}

func (pl *PriceLevel) unlink(n *levelNode) *model.Order {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		pl.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		pl.tail = n.prev
	}
	n.prev, n.next = nil, nil
	delete(pl.nodes, n.order.GetId())
	pl.TotalVolume -= n.order.GetRemainingQuantity()
	return n.order
}
