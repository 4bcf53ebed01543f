// Package fills reconciles venue execution reports against locally submitted orders and
// turns them into order lifecycle events with at most one terminal event per order.
package fills

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/wire"
)

// feePrecision is the number of decimal places kept when a fee is converted to quote currency.
const feePrecision = 8

var (
	// ErrInvalidQuantity is returned when an order is registered with a zero quantity.
	ErrInvalidQuantity = errors.New("fills: requested quantity must be non-zero")
	// ErrBrokerIDConflict is returned when a broker id is already bound to another order.
	ErrBrokerIDConflict = errors.New("fills: broker id bound to another order")
	// ErrUnknownOrder is returned for operations on an order that is not live.
	ErrUnknownOrder = errors.New("fills: unknown order")
)

// Options configures an Engine. NormalizeFees converts fees reported in the traded
// asset to quote currency.
type Options struct {
	UnknownCapacity int
	UnknownMaxAge   time.Duration
	NormalizeFees   bool
	Logger          observability.Logger
	Metrics         *observability.Metrics
	Clock           func() time.Time
}

type execution struct {
	id       string
	quantity decimal.Decimal
	price    decimal.Decimal
	fee      decimal.Decimal
	currency string
}

type accumulator struct {
	orderID    int64
	symbol     string
	brokerIDs  []string
	requested  decimal.Decimal
	seen       map[string]struct{}
	executions []execution
	filled     decimal.Decimal
	notional   decimal.Decimal
	fees       map[string]decimal.Decimal
	feeOrder   []string
}

// Progress is a read-only view of a live order's accumulated executions.
type Progress struct {
	OrderID    int64
	Symbol     string
	BrokerIDs  []string
	Requested  decimal.Decimal
	Filled     decimal.Decimal
	Executions int
	Fees       map[string]decimal.Decimal
}

// Engine owns the order-id to accumulator map and the unknown-fill buffer behind one lock.
type Engine struct {
	mu       sync.Mutex
	orders   map[int64]*accumulator
	byBroker map[string]*accumulator
	unknown  *UnknownBuffer

	normalizeFees bool
	logger        observability.Logger
	metrics       *observability.Metrics
	clock         func() time.Time
}

// NewEngine creates an empty engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	capacity := opts.UnknownCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	return &Engine{
		orders:        make(map[int64]*accumulator),
		byBroker:      make(map[string]*accumulator),
		unknown:       NewUnknownBuffer(capacity, opts.UnknownMaxAge),
		normalizeFees: opts.NormalizeFees,
		logger:        logger,
		metrics:       opts.Metrics,
		clock:         clock,
	}
}

// RegisterOrder binds brokerID to the local order and records the requested quantity.
// Registering a further broker id for a live local order attaches it to the same
// accumulator; the requested quantity of the first registration is kept.
func (e *Engine) RegisterOrder(localID int64, brokerID string, requested decimal.Decimal, symbol string) error {
	brokerID = strings.TrimSpace(brokerID)
	if brokerID == "" {
		return fmt.Errorf("fills: register order %d: broker id required", localID)
	}
	if requested.IsZero() {
		return fmt.Errorf("register order %d: %w", localID, ErrInvalidQuantity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if acc, ok := e.byBroker[brokerID]; ok {
		if acc.orderID != localID {
			return fmt.Errorf("register order %d with broker id %s (order %d): %w", localID, brokerID, acc.orderID, ErrBrokerIDConflict)
		}
		return nil
	}
	acc, ok := e.orders[localID]
	if !ok {
		acc = &accumulator{
			orderID:   localID,
			symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
			requested: requested.Abs(),
			seen:      make(map[string]struct{}),
			fees:      make(map[string]decimal.Decimal),
		}
		e.orders[localID] = acc
	}
	acc.brokerIDs = append(acc.brokerIDs, brokerID)
	e.byBroker[brokerID] = acc
	return nil
}

// Unregister drops a live order without emitting anything.
func (e *Engine) Unregister(localID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.orders[localID]
	if ok {
		e.removeLocked(acc)
	}
	return ok
}

// OnExecution applies one execution report and returns the resulting lifecycle events:
// nothing for unknown orders and duplicates, PartiallyFilled for a new execution, and
// PartiallyFilled followed by Filled when the order completes.
func (e *Engine) OnExecution(fill wire.FillUpdate) []schema.OrderEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(fill, e.clock())
}

// Replay re-drives buffered executions whose broker id now resolves and expires
// entries older than the configured max age.
func (e *Engine) Replay(now time.Time) []schema.OrderEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx := context.Background()
	if expired := e.unknown.Expire(now); expired > 0 {
		e.metrics.UnknownFill(ctx, "expired", expired)
		e.logger.Debug("unknown fills expired", observability.F("count", expired))
	}
	ready := e.unknown.Take(func(brokerID string) bool {
		_, ok := e.byBroker[brokerID]
		return ok
	})
	if len(ready) == 0 {
		return nil
	}
	e.metrics.UnknownFill(ctx, "replayed", len(ready))
	var out []schema.OrderEvent
	for _, fill := range ready {
		out = append(out, e.applyLocked(fill, now)...)
	}
	return out
}

// OnOrderUpdate reacts to a venue order-state frame. A cancellation of a live order
// emits Canceled and removes the order; other updates emit nothing.
func (e *Engine) OnOrderUpdate(update wire.OrderUpdate) []schema.OrderEvent {
	if !update.Canceled() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.byBroker[update.BrokerOrderID]
	if !ok {
		return nil
	}
	e.removeLocked(acc)
	ev := schema.OrderEvent{
		OrderID:      acc.orderID,
		BrokerID:     update.BrokerOrderID,
		Symbol:       acc.symbol,
		Status:       schema.OrderStatusCanceled,
		FillQuantity: acc.filled,
		Time:         e.clock(),
		Message:      update.Status,
	}
	e.metrics.FillEvent(context.Background(), string(ev.Status))
	return []schema.OrderEvent{ev}
}

// Live returns the number of orders still accumulating executions.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

// Buffered returns the number of executions waiting for their order to be registered.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unknown.Len()
}

// Snapshot returns the progress of a live order.
func (e *Engine) Snapshot(localID int64) (Progress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, ok := e.orders[localID]
	if !ok {
		return Progress{}, false
	}
	fees := make(map[string]decimal.Decimal, len(acc.fees))
	for ccy, amount := range acc.fees {
		fees[ccy] = amount
	}
	return Progress{
		OrderID:    acc.orderID,
		Symbol:     acc.symbol,
		BrokerIDs:  append([]string(nil), acc.brokerIDs...),
		Requested:  acc.requested,
		Filled:     acc.filled,
		Executions: len(acc.executions),
		Fees:       fees,
	}, true
}

func (e *Engine) applyLocked(fill wire.FillUpdate, now time.Time) []schema.OrderEvent {
	ctx := context.Background()
	acc, ok := e.byBroker[fill.BrokerOrderID]
	if !ok {
		if evicted := e.unknown.Add(fill, now); evicted > 0 {
			e.metrics.UnknownFill(ctx, "evicted", evicted)
		}
		e.metrics.UnknownFill(ctx, "buffered", 1)
		e.logger.Debug("fill for unknown order buffered",
			observability.F("broker_order_id", fill.BrokerOrderID),
			observability.F("execution_id", fill.ExecutionID))
		return nil
	}
	if !fill.ExecutedQty.Valid || fill.ExecutedQty.Value.IsZero() {
		e.logger.Warn("fill without executed quantity dropped",
			observability.F("broker_order_id", fill.BrokerOrderID),
			observability.F("execution_id", fill.ExecutionID))
		return nil
	}

	key := executionKey(fill)
	if _, dup := acc.seen[key]; dup {
		e.metrics.DuplicateExecution(ctx)
		return nil
	}
	acc.seen[key] = struct{}{}

	exec := execution{
		id:       fill.ExecutionID,
		quantity: fill.ExecutedQty.Value,
		price:    fill.ExecutedPrice.Or(decimal.Zero),
	}
	exec.fee, exec.currency = e.normalizeFee(acc.symbol, fill)
	acc.executions = append(acc.executions, exec)
	acc.filled = acc.filled.Add(exec.quantity)
	acc.notional = acc.notional.Add(exec.quantity.Abs().Mul(exec.price))
	if !exec.fee.IsZero() || exec.currency != "" {
		if _, seen := acc.fees[exec.currency]; !seen {
			acc.feeOrder = append(acc.feeOrder, exec.currency)
		}
		acc.fees[exec.currency] = acc.fees[exec.currency].Add(exec.fee)
	}

	when := fill.Time
	if when.IsZero() {
		when = now
	}
	symbol := acc.symbol
	if symbol == "" {
		symbol = fill.Symbol
	}
	events := []schema.OrderEvent{{
		OrderID:      acc.orderID,
		BrokerID:     fill.BrokerOrderID,
		Symbol:       symbol,
		Status:       schema.OrderStatusPartiallyFilled,
		ExecutionID:  fill.ExecutionID,
		FillPrice:    exec.price,
		FillQuantity: exec.quantity,
		Fee:          exec.fee,
		FeeCurrency:  exec.currency,
		Time:         when,
	}}
	e.metrics.FillEvent(ctx, string(schema.OrderStatusPartiallyFilled))

	if acc.filled.Abs().LessThan(acc.requested) {
		return events
	}

	fee, currency, note := acc.aggregateFee()
	filled := schema.OrderEvent{
		OrderID:      acc.orderID,
		BrokerID:     fill.BrokerOrderID,
		Symbol:       symbol,
		Status:       schema.OrderStatusFilled,
		ExecutionID:  fill.ExecutionID,
		FillPrice:    acc.averagePrice(),
		FillQuantity: acc.filled,
		Fee:          fee,
		FeeCurrency:  currency,
		Time:         when,
		Message:      note,
	}
	e.removeLocked(acc)
	e.metrics.FillEvent(ctx, string(schema.OrderStatusFilled))
	e.logger.Info("order filled",
		observability.F("order_id", acc.orderID),
		observability.F("quantity", acc.filled.String()),
		observability.F("executions", len(acc.executions)))
	return append(events, filled)
}

// normalizeFee returns the absolute fee and its currency, converted to the quote asset
// when the venue charged it in the base asset.
func (e *Engine) normalizeFee(symbol string, fill wire.FillUpdate) (decimal.Decimal, string) {
	if !fill.Fee.Valid {
		return decimal.Zero, strings.ToUpper(fill.FeeCurrency)
	}
	fee := fill.Fee.Value.Abs()
	currency := strings.ToUpper(strings.TrimSpace(fill.FeeCurrency))
	if !e.normalizeFees || !fill.ExecutedPrice.Valid {
		return fee, currency
	}
	if symbol == "" {
		symbol = fill.Symbol
	}
	base, quote := SplitSymbol(symbol)
	if base == "" || currency != base {
		return fee, currency
	}
	return fee.Mul(fill.ExecutedPrice.Value.Abs()).Round(feePrecision), quote
}

func (e *Engine) removeLocked(acc *accumulator) {
	delete(e.orders, acc.orderID)
	for _, id := range acc.brokerIDs {
		if e.byBroker[id] == acc {
			delete(e.byBroker, id)
		}
	}
}

func (a *accumulator) averagePrice() decimal.Decimal {
	qty := a.filled.Abs()
	if qty.IsZero() {
		return decimal.Zero
	}
	return a.notional.Div(qty)
}

// aggregateFee returns the summed fee in the first currency charged. Fees in other
// currencies cannot be combined and are listed in the note.
func (a *accumulator) aggregateFee() (decimal.Decimal, string, string) {
	if len(a.feeOrder) == 0 {
		return decimal.Zero, "", ""
	}
	primary := a.feeOrder[0]
	if len(a.feeOrder) == 1 {
		return a.fees[primary], primary, ""
	}
	others := append([]string(nil), a.feeOrder[1:]...)
	sort.Strings(others)
	parts := make([]string, 0, len(others))
	for _, ccy := range others {
		parts = append(parts, a.fees[ccy].String()+" "+ccy)
	}
	return a.fees[primary], primary, "additional fees: " + strings.Join(parts, ", ")
}

// executionKey identifies an execution for deduplication. Reports without an execution
// id fall back to their content.
func executionKey(fill wire.FillUpdate) string {
	if id := strings.TrimSpace(fill.ExecutionID); id != "" {
		return id
	}
	return fmt.Sprintf("%s|%d|%s|%s", fill.BrokerOrderID, fill.Time.UnixMilli(), fill.ExecutedQty, fill.ExecutedPrice)
}

// SplitSymbol splits a pair such as BTCUSD or TESTBTC:TESTUSD into base and quote.
func SplitSymbol(symbol string) (string, string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if base, quote, ok := strings.Cut(symbol, ":"); ok {
		return base, quote
	}
	if len(symbol) < 6 {
		return "", ""
	}
	return symbol[:len(symbol)-3], symbol[len(symbol)-3:]
}
