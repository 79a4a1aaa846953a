package model

import (
	"fmt"
	"time"
)

type Price uint64
type Quantity uint64
type OrderId uint64
type AccountId uint64

type Side uint8

const (
	BID Side = iota
	ASK
)

func (s Side) Opposite() Side {
	if s == BID {
		return ASK
	}
	return BID
}

func (s Side) String() string {
	if s == BID {
		return "BID"
	}
	return "ASK"
}

type OrderStatus uint8

const (
	ORDER_OPEN OrderStatus = iota
	ORDER_PARTIALLY_FILLED
	ORDER_FILLED
	ORDER_CANCELLED
)

func (s OrderStatus) String() string {
	switch s {
	case ORDER_OPEN:
		return "OPEN"
	case ORDER_PARTIALLY_FILLED:
		return "PARTIALLY_FILLED"
	case ORDER_FILLED:
		return "FILLED"
	case ORDER_CANCELLED:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further fills or cancels can apply.
func (s OrderStatus) Terminal() bool {
	return s == ORDER_FILLED || s == ORDER_CANCELLED
}

// Order is mutated only by the matching engine of the instrument it rests in.
type Order struct {
	id                OrderId
	account           AccountId
	symbol            string
	side              Side
	price             Price
	initialQuantity   Quantity
	remainingQuantity Quantity
	sequence          uint64
	arrivedAt         time.Time
	cancelled         bool
}

func NewOrder(id OrderId, account AccountId, symbol string, side Side, price Price, quantity Quantity) Order {
	return Order{
		id:                id,
		account:           account,
		symbol:            symbol,
		side:              side,
		price:             price,
		initialQuantity:   quantity,
		remainingQuantity: quantity,
	}
}

// Stamp assigns the arrival sequence used for time priority.
func (o *Order) Stamp(sequence uint64, arrivedAt time.Time) {
	o.sequence = sequence
	o.arrivedAt = arrivedAt
}

func (o *Order) Fill(quantity Quantity) error {
	if quantity > o.remainingQuantity {
		return fmt.Errorf("%w: fill %d exceeds remaining %d of order %d",
			ErrInvariantViolation, quantity, o.remainingQuantity, o.id)
	}
	o.remainingQuantity -= quantity
	return nil
}

// Reduce lowers the open quantity without touching the filled amount.
func (o *Order) Reduce(delta Quantity) error {
	if delta > o.remainingQuantity {
		return fmt.Errorf("%w: reduce %d exceeds remaining %d of order %d",
			ErrInvariantViolation, delta, o.remainingQuantity, o.id)
	}
	o.remainingQuantity -= delta
	o.initialQuantity -= delta
	return nil
}

// Reopen returns a copy carrying the filled amount of o with a new open
// quantity and price. The copy has no arrival stamp.
func (o *Order) Reopen(price Price, remaining Quantity) Order {
	return Order{
		id:                o.id,
		account:           o.account,
		symbol:            o.symbol,
		side:              o.side,
		price:             price,
		initialQuantity:   o.GetFilledQuantity() + remaining,
		remainingQuantity: remaining,
	}
}

func (o *Order) Cancel() {
	o.cancelled = true
}

func (o *Order) IsFilled() bool {
	return o.remainingQuantity == 0
}

func (o *Order) GetFilledQuantity() Quantity {
	return o.initialQuantity - o.remainingQuantity
}

func (o *Order) GetRemainingQuantity() Quantity {
	return o.remainingQuantity
}

func (o *Order) GetInitialQuantity() Quantity {
	return o.initialQuantity
}

func (o *Order) GetPrice() Price {
	return o.price
}

func (o *Order) GetId() OrderId {
	return o.id
}

func (o *Order) GetAccount() AccountId {
	return o.account
}

func (o *Order) GetSymbol() string {
	return o.symbol
}

func (o *Order) GetSide() Side {
	return o.side
}

func (o *Order) GetSequence() uint64 {
	return o.sequence
}

func (o *Order) GetStatus() OrderStatus {
	switch {
	case o.cancelled:
		return ORDER_CANCELLED
	case o.remainingQuantity == 0:
		return ORDER_FILLED
	case o.remainingQuantity < o.initialQuantity:
		return ORDER_PARTIALLY_FILLED
	}
	return ORDER_OPEN
}

func (o *Order) State() OrderState {
	return OrderState{
		ID:                o.id,
		Account:           o.account,
		Symbol:            o.symbol,
		Side:              o.side,
		Price:             o.price,
		InitialQuantity:   o.initialQuantity,
		RemainingQuantity: o.remainingQuantity,
		FilledQuantity:    o.GetFilledQuantity(),
		Status:            o.GetStatus(),
		Sequence:          o.sequence,
		ArrivedAt:         o.arrivedAt,
	}
}

// OrderState is a point-in-time copy of an Order.
type OrderState struct {
	ID                OrderId     `json:"id"`
	Account           AccountId   `json:"account"`
	Symbol            string      `json:"symbol"`
	Side              Side        `json:"side"`
	Price             Price       `json:"price"`
	InitialQuantity   Quantity    `json:"initialQuantity"`
	RemainingQuantity Quantity    `json:"remainingQuantity"`
	FilledQuantity    Quantity    `json:"filledQuantity"`
	Status            OrderStatus `json:"status"`
	Sequence          uint64      `json:"sequence"`
	ArrivedAt         time.Time   `json:"arrivedAt"`
}

// OrderModify requests a new open quantity and, when Price is non-zero, a
// new price for a resting order.
type OrderModify struct {
	ID       OrderId
	Price    Price
	Quantity Quantity
}
