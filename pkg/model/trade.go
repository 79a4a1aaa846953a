package model

import "time"

type Role uint8

const (
	MAKER Role = iota
	TAKER
)

func (r Role) String() string {
	if r == MAKER {
		return "MAKER"
	}
	return "TAKER"
}

// Trade is created once per match and never mutated. Price is always the
// resting (maker) order's price.
type Trade struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	MakerID      OrderId   `json:"makerId"`
	TakerID      OrderId   `json:"takerId"`
	MakerAccount AccountId `json:"makerAccount"`
	TakerAccount AccountId `json:"takerAccount"`
	TakerSide    Side      `json:"takerSide"`
	Price        Price     `json:"price"`
	Quantity     Quantity  `json:"quantity"`
	MakerFee     uint64    `json:"makerFee"`
	TakerFee     uint64    `json:"takerFee"`
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notional is price x quantity in quote minor units.
func (t Trade) Notional() uint64 {
	return uint64(t.Price) * uint64(t.Quantity)
}

// Buyer returns the account on the buy side of the trade.
func (t Trade) Buyer() AccountId {
	if t.TakerSide == BID {
		return t.TakerAccount
	}
	return t.MakerAccount
}

// Seller returns the account on the sell side of the trade.
func (t Trade) Seller() AccountId {
	if t.TakerSide == ASK {
		return t.TakerAccount
	}
	return t.MakerAccount
}
