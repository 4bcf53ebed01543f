// Package brokerage is the trading-engine facing facade: it places orders through the
// REST commands, streams lifecycle events and ticks from the session and mirrors every
// event into the journal.
package brokerage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/adapters/bitfinex"
	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/journal"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/session"
)

const defaultEventBuffer = 1024

// ErrClosed is returned by operations on a closed brokerage.
var ErrClosed = errors.New("brokerage: closed")

// OrderCommands is the REST surface the brokerage needs. *bitfinex.RESTClient
// implements it.
type OrderCommands interface {
	Submit(ctx context.Context, req bitfinex.OrderRequest) (bitfinex.PlacedOrder, error)
	Cancel(ctx context.Context, brokerID string) error
	Update(ctx context.Context, brokerID string, amount, price decimal.Decimal) error
	Wallets(ctx context.Context) ([]schema.Balance, error)
	OpenOrders(ctx context.Context) ([]bitfinex.PlacedOrder, error)
}

// Options wires a Brokerage. Session and Commands are required.
type Options struct {
	Session     *session.Session
	Commands    OrderCommands
	Journal     *journal.Recorder
	Logger      observability.Logger
	Clock       func() time.Time
	EventBuffer int
}

// Brokerage composes a session, REST commands and an optional journal.
type Brokerage struct {
	session  *session.Session
	commands OrderCommands
	journal  *journal.Recorder
	logger   observability.Logger
	clock    func() time.Time
	events   chan schema.OrderEvent

	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	closeOnce sync.Once
}

// New starts the event forwarder. Callers must Close the brokerage.
func New(opts Options) (*Brokerage, error) {
	if opts.Session == nil || opts.Commands == nil {
		return nil, errors.New("brokerage: session and commands are required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Brokerage{
		session:  opts.Session,
		commands: opts.Commands,
		journal:  opts.Journal,
		logger:   observability.With(opts.Logger, observability.F("component", "brokerage")),
		clock:    opts.Clock,
		events:   make(chan schema.OrderEvent, opts.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.wg.Go(b.forward)
	return b, nil
}

// Session exposes the underlying session.
func (b *Brokerage) Session() *session.Session { return b.session }

// Events delivers lifecycle events in the order the session produced them.
func (b *Brokerage) Events() <-chan schema.OrderEvent { return b.events }

// Errors delivers fatal session errors.
func (b *Brokerage) Errors() <-chan error { return b.session.Errors() }

// Connect opens the session.
func (b *Brokerage) Connect(ctx context.Context) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	return b.session.Connect(ctx)
}

// Disconnect closes the session. The brokerage can connect again.
func (b *Brokerage) Disconnect() error {
	return b.session.Disconnect()
}

// IsConnected reports whether the session is live.
func (b *Brokerage) IsConnected() bool {
	return b.session.State() == session.Live
}

// Subscribe requests a market-data stream.
func (b *Brokerage) Subscribe(ctx context.Context, kind schema.ChannelKind, symbol string) error {
	return b.session.Subscribe(ctx, kind, symbol)
}

// Unsubscribe releases a market-data stream.
func (b *Brokerage) Unsubscribe(ctx context.Context, kind schema.ChannelKind, symbol string) error {
	return b.session.Unsubscribe(ctx, kind, symbol)
}

// NextTicks drains the ticks received since the previous call.
func (b *Brokerage) NextTicks() []schema.Tick {
	return b.session.DrainTicks()
}

// PlaceOrder submits order. A venue rejection publishes Invalid and returns false with a
// nil error; transport failures that outlast the retries return the error.
func (b *Brokerage) PlaceOrder(ctx context.Context, order *schema.Order) (bool, error) {
	if order == nil {
		return false, errs.New(bitfinex.Venue, errs.CodeInvalid, errs.WithOp("place order"), errs.WithMessage("order required"))
	}
	placed, err := b.commands.Submit(ctx, bitfinex.OrderRequest{
		ClientID:   order.ID,
		Symbol:     order.Symbol,
		Type:       order.Type,
		Amount:     order.Quantity,
		LimitPrice: order.LimitPrice,
		StopPrice:  order.StopPrice,
	})
	if err != nil {
		if rejected(err) {
			b.logger.Warn("brokerage order rejected", observability.Err(err), observability.F("order_id", order.ID))
			b.session.Publish(b.event(order, schema.OrderStatusInvalid, err.Error()))
			return false, nil
		}
		return false, err
	}

	order.AddBrokerID(placed.BrokerID)
	b.session.Publish(b.event(order, schema.OrderStatusSubmitted, ""))
	if err := b.session.RegisterOrder(order.ID, placed.BrokerID, order.Quantity, order.Symbol); err != nil {
		b.logger.Error("brokerage register order failed", observability.Err(err),
			observability.F("order_id", order.ID),
			observability.F("broker_id", placed.BrokerID))
	}
	b.logger.Info("brokerage order submitted",
		observability.F("order_id", order.ID),
		observability.F("broker_id", placed.BrokerID),
		observability.F("symbol", order.Symbol))
	return true, nil
}

// CancelOrder requests cancellation of every broker id of order. Canceled is published
// when the venue confirms on the stream. A rejected request returns false.
func (b *Brokerage) CancelOrder(ctx context.Context, order *schema.Order) (bool, error) {
	if order == nil || len(order.BrokerIDs) == 0 {
		return false, errs.New(bitfinex.Venue, errs.CodeInvalid, errs.WithOp("cancel order"), errs.WithMessage("order has no broker id"))
	}
	for _, brokerID := range order.BrokerIDs {
		if err := b.commands.Cancel(ctx, brokerID); err != nil {
			if rejected(err) {
				b.logger.Warn("brokerage cancel rejected", observability.Err(err),
					observability.F("order_id", order.ID),
					observability.F("broker_id", brokerID))
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// UpdateOrder amends quantity and limit price of order and publishes UpdateSubmitted.
func (b *Brokerage) UpdateOrder(ctx context.Context, order *schema.Order) (bool, error) {
	if order == nil || len(order.BrokerIDs) == 0 {
		return false, errs.New(bitfinex.Venue, errs.CodeInvalid, errs.WithOp("update order"), errs.WithMessage("order has no broker id"))
	}
	if len(order.BrokerIDs) > 1 {
		return false, errs.New(bitfinex.Venue, errs.CodeInvalid, errs.WithOp("update order"),
			errs.WithMessage(fmt.Sprintf("order maps to %d broker ids", len(order.BrokerIDs))))
	}
	if err := b.commands.Update(ctx, order.BrokerIDs[0], order.Quantity, order.LimitPrice); err != nil {
		if rejected(err) {
			b.logger.Warn("brokerage update rejected", observability.Err(err), observability.F("order_id", order.ID))
			return false, nil
		}
		return false, err
	}
	b.session.Publish(b.event(order, schema.OrderStatusUpdateSubmitted, ""))
	return true, nil
}

// CashBalances returns wallet balances from REST, falling back to the socket when the
// REST call fails.
func (b *Brokerage) CashBalances(ctx context.Context) ([]schema.Balance, error) {
	balances, err := b.commands.Wallets(ctx)
	if err == nil {
		return balances, nil
	}
	if errs.Is(err, errs.CodeAuth) {
		return nil, err
	}
	b.logger.Warn("brokerage rest balances failed; using socket", observability.Err(err))
	if b.session.State() != session.Live {
		if cached := b.session.Balances(); len(cached) > 0 {
			return cached, nil
		}
		return nil, err
	}
	fresh, qerr := b.session.QueryBalances(ctx)
	if qerr != nil {
		if cached := b.session.Balances(); len(cached) > 0 {
			return cached, nil
		}
		return nil, errors.Join(err, qerr)
	}
	return fresh, nil
}

// OpenOrders lists the venue's working orders.
func (b *Brokerage) OpenOrders(ctx context.Context) ([]bitfinex.PlacedOrder, error) {
	return b.commands.OpenOrders(ctx)
}

// Close disconnects, stops the forwarder and flushes the journal.
func (b *Brokerage) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.session.Disconnect()
		b.session.Wait()
		b.cancel()
		b.wg.Wait()
		if b.journal != nil {
			b.journal.Close()
		}
	})
	return err
}

// forward copies session events to the public channel and the journal. The journal
// never blocks delivery.
func (b *Brokerage) forward() {
	source := b.session.Events()
	for {
		select {
		case <-b.ctx.Done():
			b.drain(source)
			return
		case evt := <-source:
			b.deliver(evt)
		}
	}
}

// drain hands over events already buffered by the session without blocking on readers.
func (b *Brokerage) drain(source <-chan schema.OrderEvent) {
	for {
		select {
		case evt := <-source:
			if b.journal != nil {
				b.journal.Record(evt)
			}
			select {
			case b.events <- evt:
			default:
				b.logger.Warn("brokerage event dropped on close", observability.F("order_id", evt.OrderID))
			}
		default:
			return
		}
	}
}

func (b *Brokerage) deliver(evt schema.OrderEvent) {
	if b.journal != nil {
		b.journal.Record(evt)
	}
	select {
	case b.events <- evt:
	case <-b.ctx.Done():
		b.logger.Warn("brokerage event dropped on close", observability.F("order_id", evt.OrderID))
	}
}

func (b *Brokerage) event(order *schema.Order, status schema.OrderStatus, message string) schema.OrderEvent {
	var brokerID string
	if len(order.BrokerIDs) > 0 {
		brokerID = strings.Join(order.BrokerIDs, ",")
	}
	return schema.OrderEvent{
		OrderID:  order.ID,
		BrokerID: brokerID,
		Symbol:   order.Symbol,
		Status:   status,
		Time:     b.clock(),
		Message:  message,
	}
}

// rejected reports whether the venue or the request itself refused the command, as
// opposed to a transport failure where the outcome is unknown.
func rejected(err error) bool {
	return errs.Is(err, errs.CodeExchange) || errs.Is(err, errs.CodeInvalid)
}
