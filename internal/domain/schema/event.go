package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChannelKind names a logical market-data stream.
type ChannelKind string

const (
	ChannelTicker ChannelKind = "ticker"
	ChannelTrades ChannelKind = "trades"
	ChannelBook   ChannelKind = "book"
)

// Valid reports whether k is a known stream kind.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelTicker, ChannelTrades, ChannelBook:
		return true
	default:
		return false
	}
}

// TickKind distinguishes quote updates from trade prints.
type TickKind string

const (
	TickQuote TickKind = "quote"
	TickTrade TickKind = "trade"
)

// Tick is a normalized market event. Time is the receipt time.
type Tick struct {
	Time     time.Time
	Symbol   string
	Kind     TickKind
	Price    decimal.Decimal
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
	Size     decimal.Decimal
	Side     Side
}

// OrderEvent reports an order lifecycle transition to the trading engine.
type OrderEvent struct {
	OrderID      int64
	BrokerID     string
	Symbol       string
	Status       OrderStatus
	ExecutionID  string
	FillPrice    decimal.Decimal
	FillQuantity decimal.Decimal
	Fee          decimal.Decimal
	FeeCurrency  string
	Time         time.Time
	Message      string
}

func (e OrderEvent) String() string {
	return fmt.Sprintf("order=%d broker=%s status=%s qty=%s price=%s fee=%s %s",
		e.OrderID, e.BrokerID, e.Status, e.FillQuantity, e.FillPrice, e.Fee, e.FeeCurrency)
}
