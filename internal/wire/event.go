// Package wire defines the venue-independent inbound event variant and the capability
// interfaces a venue implements to decode frames and encode control messages.
package wire

import (
	"time"

	"github.com/coachpo/venuelink/internal/domain/schema"
)

// Event is the closed set of decoded inbound frames. Only types in this package implement it.
type Event interface {
	event()
}

// Heartbeat is a liveness frame.
type Heartbeat struct {
	ChannelID int64
}

// SubscriptionAck confirms a market-data subscription and names its channel id.
type SubscriptionAck struct {
	Kind      schema.ChannelKind
	Symbol    string
	ChannelID int64
}

// Unsubscribed confirms a channel was released.
type Unsubscribed struct {
	ChannelID int64
}

// Ticker is a top-of-book update on a ticker channel.
type Ticker struct {
	ChannelID int64
	Bid       Number
	BidSize   Number
	Ask       Number
	AskSize   Number
	Last      Number
}

// TradeTick is a public trade print on a trades channel. Size is signed; negative is a sell.
type TradeTick struct {
	ChannelID int64
	TradeID   string
	Price     Number
	Size      Number
	Side      schema.Side
	Time      time.Time
}

// FillUpdate is a private execution report for one of the account's orders.
type FillUpdate struct {
	BrokerOrderID string
	ExecutionID   string
	ClientOrderID string
	Symbol        string
	ExecutedQty   Number
	ExecutedPrice Number
	Fee           Number
	FeeCurrency   string
	Maker         bool
	Time          time.Time
}

// OrderUpdateKind distinguishes new, updated and closed order frames.
type OrderUpdateKind string

const (
	OrderNew    OrderUpdateKind = "new"
	OrderChange OrderUpdateKind = "update"
	OrderClosed OrderUpdateKind = "closed"
)

// OrderUpdate reports a change to the state of one of the account's orders.
type OrderUpdate struct {
	Kind          OrderUpdateKind
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Status        string
	Amount        Number
	AmountOrig    Number
}

// Canceled reports whether the venue status text marks the order as canceled.
func (u OrderUpdate) Canceled() bool {
	return hasStatusPrefix(u.Status, "CANCELED")
}

// WalletUpdate carries the balance of one currency in one wallet.
type WalletUpdate struct {
	Wallet    string
	Currency  string
	Balance   Number
	Available Number
}

// WalletSnapshot carries every wallet balance, sent after authentication or on request.
type WalletSnapshot struct {
	Updates []WalletUpdate
}

// AuthAck is the venue's answer to an authentication request.
type AuthAck struct {
	Success bool
	Code    int64
	Message string
}

// ControlKind classifies venue control codes.
type ControlKind string

const (
	ControlSoftReset        ControlKind = "soft_reset"
	ControlHardReset        ControlKind = "hard_reset"
	ControlMaintenanceStart ControlKind = "maintenance_start"
	ControlVenueError       ControlKind = "venue_error"
	ControlUnrecognized     ControlKind = "unrecognized"
)

// ControlEvent is a venue-initiated control or error notice.
type ControlEvent struct {
	Kind    ControlKind
	Code    int64
	Message string
}

// Info is a benign frame that carries nothing the session acts on.
type Info struct {
	Message string
}

// Malformed is a frame the grammar could not interpret.
type Malformed struct {
	Raw    string
	Reason string
}

func (Heartbeat) event()       {}
func (SubscriptionAck) event() {}
func (Unsubscribed) event()    {}
func (Ticker) event()          {}
func (TradeTick) event()       {}
func (FillUpdate) event()      {}
func (OrderUpdate) event()     {}
func (WalletUpdate) event()    {}
func (WalletSnapshot) event()  {}
func (AuthAck) event()         {}
func (ControlEvent) event()    {}
func (Info) event()            {}
func (Malformed) event()       {}
