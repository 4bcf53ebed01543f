// Package schema defines the order, tick and lifecycle shapes exchanged with the trading engine.
package schema

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderType enumerates the order types the brokerage can place.
type OrderType string

const (
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "Market"
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeStopMarket represents stop orders executed at market.
	OrderTypeStopMarket OrderType = "StopMarket"
	// OrderTypeStopLimit represents stop orders that rest as limits once triggered.
	OrderTypeStopLimit OrderType = "StopLimit"
)

// OrderStatus is the engine-side status of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusSubmitted       OrderStatus = "Submitted"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCanceled        OrderStatus = "Canceled"
	OrderStatusInvalid         OrderStatus = "Invalid"
	OrderStatusUpdateSubmitted OrderStatus = "UpdateSubmitted"
)

// IsTerminal reports whether no further lifecycle events are expected after s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusInvalid:
		return true
	default:
		return false
	}
}

// Side captures the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// SideOf returns the direction implied by a signed quantity. Zero maps to buy.
func SideOf(quantity decimal.Decimal) Side {
	if quantity.Sign() < 0 {
		return SideSell
	}
	return SideBuy
}

// Order is owned by the trading engine; the brokerage reads it and appends broker ids.
type Order struct {
	ID         int64
	BrokerIDs  []string
	Symbol     string
	Quantity   decimal.Decimal
	Type       OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Status     OrderStatus
	Tag        string
}

// Direction returns the side implied by the signed quantity.
func (o *Order) Direction() Side {
	return SideOf(o.Quantity)
}

// AbsQuantity returns the unsigned requested quantity.
func (o *Order) AbsQuantity() decimal.Decimal {
	return o.Quantity.Abs()
}

// AddBrokerID records a venue identifier for the order once.
func (o *Order) AddBrokerID(id string) {
	id = strings.TrimSpace(id)
	if id == "" || slices.Contains(o.BrokerIDs, id) {
		return
	}
	o.BrokerIDs = append(o.BrokerIDs, id)
}

// Balance is a cash holding in one currency of one wallet.
type Balance struct {
	Wallet    string
	Currency  string
	Amount    decimal.Decimal
	Available decimal.Decimal
}
