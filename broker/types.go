// Package broker is the KIS-style brokerage REST layer: token
// management with an on-disk cache, quotes, order book, balance and
// order placement. Amounts are integers in won.
package broker

import "time"

// Quote is the latest trade snapshot for one symbol. The session
// fields (open, previous close, volume ratio, program net) come only
// from the REST endpoint; a quote built from a stream tick leaves
// PrevClose zero.
type Quote struct {
	Symbol      string
	Price       int64
	OpenPrice   int64
	PrevClose   int64
	ChangePct   float64
	Volume      int64
	VolumeRatio float64 // today's volume over yesterday's
	ForeignNet  int64   // foreign net buy quantity, session total
	ProgramNet  int64   // program trade net buy quantity
	Timestamp   time.Time
}

// InvestorFlow is the session's net buying by investor class.
type InvestorFlow struct {
	Symbol     string
	ForeignNet int64
	InstNet    int64
	PersonNet  int64
}

// OrderBookTop is the best bid/ask for one symbol, required before any
// order hits the book.
type OrderBookTop struct {
	Symbol    string
	BidPrice  int64
	AskPrice  int64
	BidQty    int64
	AskQty    int64
	Timestamp time.Time
}

// Holding is one line of the combined balance response.
type Holding struct {
	Symbol   string
	Name     string
	Quantity int64
	AvgCost  int64
	CurPrice int64
}

// BalanceSummary is the account block of the combined balance response.
type BalanceSummary struct {
	Cash          int64 // settled cash
	OrderableCash int64 // cash available for new orders
	TotalEquity   int64
	PnLToday      int64
}

// CombinedBalance is holdings plus the summary block in one call.
type CombinedBalance struct {
	Holdings []Holding
	Summary  BalanceSummary
}

// OrderRequest describes one order to place. Price 0 means market,
// which the client refuses on the alternate venue by substituting the
// current best opposite-side price.
type OrderRequest struct {
	Symbol   string
	Side     string // BUY | SELL
	Venue    string // KRX | NXT
	Quantity int64
	Price    int64
}

// OrderResult is the broker acknowledgement for a placed order.
type OrderResult struct {
	BrokerOrderID string
	Symbol        string
	Side          string
	Venue         string
	Quantity      int64
	Price         int64
	PlacedAt      time.Time
}

// Mover is one row of the intraday change-rate leader board.
type Mover struct {
	Symbol    string
	Name      string
	Price     int64
	ChangePct float64
	Volume    int64
}

// OpenOrder is one unfilled or partially filled order at the broker.
type OpenOrder struct {
	BrokerOrderID string
	Symbol        string
	Side          string
	Quantity      int64
	FilledQty     int64
	Price         int64
}
