package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Exchange  string       `json:"exchange"`
	Pair      string       `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Spread returns best ask minus best bid, zero when a side is empty.
func (b *OrderBook) Spread() decimal.Decimal {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price.Sub(b.Bids[0].Price)
}

// BidDepth sums the notional of the top n bid levels.
func (b *OrderBook) BidDepth(n int) decimal.Decimal {
	total := decimal.Zero
	for i, lvl := range b.Bids {
		if i >= n {
			break
		}
		total = total.Add(lvl.Price.Mul(lvl.Quantity))
	}
	return total
}
