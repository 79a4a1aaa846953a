package model

import "time"

type MarketDepthLevel struct {
	Price      Price    `json:"price"`
	Volume     Quantity `json:"volume"`
	OrderCount int      `json:"orderCount"`
}

// MarketDepth is a depth-limited copy of the book taken at a command boundary.
type MarketDepth struct {
	Bids      []MarketDepthLevel `json:"bids"` // Highest to lowest price
	Asks      []MarketDepthLevel `json:"asks"` // Lowest to highest price
	Sequence  uint64             `json:"sequence"`
	Timestamp time.Time          `json:"timestamp"`
}

// TopOfBook represents best bid/ask. A nil level means that side is empty.
type TopOfBook struct {
	BestBid  *MarketDepthLevel `json:"bestBid"`
	BestAsk  *MarketDepthLevel `json:"bestAsk"`
	Spread   Price             `json:"spread"`
	Sequence uint64            `json:"sequence"`
}

// Snapshot is the immutable, cached view served to readers.
type Snapshot struct {
	Symbol     string             `json:"symbol"`
	Bids       []MarketDepthLevel `json:"bids"`
	Asks       []MarketDepthLevel `json:"asks"`
	Generation uint64             `json:"generation"`
	Sequence   uint64             `json:"sequence"`
	BuiltAt    time.Time          `json:"builtAt"`
}
