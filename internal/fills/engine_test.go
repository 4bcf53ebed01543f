package fills

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/wire"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return t0 }
	}
	return NewEngine(opts)
}

func fill(broker, exec, qty, price string) wire.FillUpdate {
	return wire.FillUpdate{
		BrokerOrderID: broker,
		ExecutionID:   exec,
		Symbol:        "BTCUSD",
		ExecutedQty:   wire.MustNumber(qty),
		ExecutedPrice: wire.MustNumber(price),
	}
}

func statuses(events []schema.OrderEvent) []schema.OrderStatus {
	out := make([]schema.OrderStatus, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

func TestPartialFillsThenFilledWithRedelivery(t *testing.T) {
	engine := newTestEngine(Options{})
	require.NoError(t, engine.RegisterOrder(1, "B1", decimal.NewFromInt(300), "BTCUSD"))

	first := engine.OnExecution(fill("B1", "E1", "100", "50000"))
	require.Equal(t, []schema.OrderStatus{schema.OrderStatusPartiallyFilled}, statuses(first))
	require.True(t, first[0].FillQuantity.Equal(decimal.NewFromInt(100)))

	second := engine.OnExecution(fill("B1", "E2", "200", "50010"))
	require.Equal(t, []schema.OrderStatus{schema.OrderStatusPartiallyFilled, schema.OrderStatusFilled}, statuses(second))
	final := second[1]
	require.EqualValues(t, 1, final.OrderID)
	require.True(t, final.FillQuantity.Equal(decimal.NewFromInt(300)), "aggregate quantity %s", final.FillQuantity)
	require.True(t, final.FillPrice.Sub(decimal.RequireFromString("50006.6666666666666667")).Abs().LessThan(decimal.RequireFromString("0.000001")))

	require.Empty(t, engine.OnExecution(fill("B1", "E2", "200", "50010")), "redelivery after completion must not emit")
	require.Zero(t, engine.Live())
}

func TestDuplicateExecutionsCountOnce(t *testing.T) {
	engine := newTestEngine(Options{})
	require.NoError(t, engine.RegisterOrder(7, "B7", decimal.NewFromInt(-3), "ETHUSD"))

	var events []schema.OrderEvent
	for _, exec := range []string{"E1", "E1", "E2", "E1", "E2", "E3"} {
		events = append(events, engine.OnExecution(fill("B7", exec, "-1", "3000"))...)
	}

	var filled []schema.OrderEvent
	partials := 0
	for _, ev := range events {
		switch ev.Status {
		case schema.OrderStatusFilled:
			filled = append(filled, ev)
		case schema.OrderStatusPartiallyFilled:
			partials++
		}
	}
	require.Equal(t, 3, partials)
	require.Len(t, filled, 1)
	require.True(t, filled[0].FillQuantity.Equal(decimal.NewFromInt(-3)))
}

func TestReorderedFillsEmitSingleTerminal(t *testing.T) {
	orders := [][]string{{"A", "B", "C"}, {"C", "A", "B"}, {"B", "C", "A"}}
	for _, order := range orders {
		engine := newTestEngine(Options{})
		require.NoError(t, engine.RegisterOrder(1, "X", decimal.RequireFromString("0.3"), "BTCUSD"))
		terminals := 0
		for _, exec := range order {
			for _, ev := range engine.OnExecution(fill("X", exec, "0.15", "100")) {
				if ev.Status.IsTerminal() {
					terminals++
				}
			}
		}
		require.Equal(t, 1, terminals, "order %v", order)
	}
}

func TestOverfillCompletesOnce(t *testing.T) {
	engine := newTestEngine(Options{})
	require.NoError(t, engine.RegisterOrder(2, "B2", decimal.NewFromInt(1), "BTCUSD"))
	events := engine.OnExecution(fill("B2", "E1", "1.5", "10"))
	require.Equal(t, []schema.OrderStatus{schema.OrderStatusPartiallyFilled, schema.OrderStatusFilled}, statuses(events))
	require.Empty(t, engine.OnExecution(fill("B2", "E2", "0.5", "10")))
}

func TestUnknownFillBufferedThenReplayed(t *testing.T) {
	engine := newTestEngine(Options{UnknownCapacity: 4, UnknownMaxAge: time.Minute})

	require.Empty(t, engine.OnExecution(fill("LATE", "E1", "2", "10")))
	require.Equal(t, 1, engine.Buffered())

	require.NoError(t, engine.RegisterOrder(5, "LATE", decimal.NewFromInt(2), "BTCUSD"))
	events := engine.Replay(t0.Add(time.Second))
	require.Equal(t, []schema.OrderStatus{schema.OrderStatusPartiallyFilled, schema.OrderStatusFilled}, statuses(events))
	require.EqualValues(t, 5, events[1].OrderID)
	require.Zero(t, engine.Buffered())
	require.Empty(t, engine.Replay(t0.Add(2*time.Second)))
}

func TestUnknownBufferBounds(t *testing.T) {
	engine := newTestEngine(Options{UnknownCapacity: 2, UnknownMaxAge: time.Minute})
	engine.OnExecution(fill("O1", "E1", "1", "1"))
	engine.OnExecution(fill("O2", "E2", "1", "1"))
	engine.OnExecution(fill("O3", "E3", "1", "1"))
	require.Equal(t, 2, engine.Buffered(), "oldest entry evicted silently")

	require.NoError(t, engine.RegisterOrder(1, "O1", decimal.NewFromInt(1), "BTCUSD"))
	require.Empty(t, engine.Replay(t0), "evicted fill cannot be replayed")

	require.Empty(t, engine.Replay(t0.Add(2*time.Minute)))
	require.Zero(t, engine.Buffered(), "entries past max age expire")
}

func TestUnknownBufferTakePreservesOrder(t *testing.T) {
	buf := NewUnknownBuffer(8, 0)
	buf.Add(fill("A", "1", "1", "1"), t0)
	buf.Add(fill("B", "2", "1", "1"), t0)
	buf.Add(fill("A", "3", "1", "1"), t0)

	taken := buf.Take(func(id string) bool { return id == "A" })
	require.Len(t, taken, 2)
	require.Equal(t, "1", taken[0].ExecutionID)
	require.Equal(t, "3", taken[1].ExecutionID)
	require.Equal(t, 1, buf.Len())
	require.Zero(t, buf.Expire(t0.Add(time.Hour)), "zero max age disables expiry")
}

func TestFeeNormalizedToQuoteCurrency(t *testing.T) {
	engine := newTestEngine(Options{NormalizeFees: true})
	require.NoError(t, engine.RegisterOrder(3, "B3", decimal.RequireFromString("0.2"), "BTCUSD"))

	base := fill("B3", "E1", "0.1", "50000.123")
	base.Fee = wire.MustNumber("-0.0002")
	base.FeeCurrency = "BTC"
	events := engine.OnExecution(base)
	require.Len(t, events, 1)
	require.Equal(t, "USD", events[0].FeeCurrency)
	require.True(t, events[0].Fee.Equal(decimal.RequireFromString("10.0000246")), "fee %s", events[0].Fee)

	quote := fill("B3", "E2", "0.1", "50000")
	quote.Fee = wire.MustNumber("-10")
	quote.FeeCurrency = "usd"
	events = engine.OnExecution(quote)
	require.Len(t, events, 2)
	require.Equal(t, "USD", events[1].FeeCurrency)
	require.True(t, events[1].Fee.Equal(decimal.RequireFromString("20.0000246")))
	require.Empty(t, events[1].Message)
}

func TestFeeKeptWhenNormalizationDisabled(t *testing.T) {
	engine := newTestEngine(Options{})
	require.NoError(t, engine.RegisterOrder(3, "B3", decimal.NewFromInt(2), "BTCUSD"))

	a := fill("B3", "E1", "1", "100")
	a.Fee, a.FeeCurrency = wire.MustNumber("-0.001"), "BTC"
	b := fill("B3", "E2", "1", "100")
	b.Fee, b.FeeCurrency = wire.MustNumber("-0.2"), "USD"

	require.Len(t, engine.OnExecution(a), 1)
	events := engine.OnExecution(b)
	require.Len(t, events, 2)
	require.Equal(t, "BTC", events[1].FeeCurrency)
	require.True(t, events[1].Fee.Equal(decimal.RequireFromString("0.001")))
	require.Equal(t, "additional fees: 0.2 USD", events[1].Message)
}

func TestMultipleBrokerIDsShareAccumulator(t *testing.T) {
	engine := newTestEngine(Options{})
	require.NoError(t, engine.RegisterOrder(9, "first", decimal.NewFromInt(2), "BTCUSD"))
	require.NoError(t, engine.RegisterOrder(9, "retry", decimal.NewFromInt(2), "BTCUSD"))
	require.NoError(t, engine.RegisterOrder(9, "retry", decimal.NewFromInt(2), "BTCUSD"))
	require.ErrorIs(t, engine.RegisterOrder(10, "retry", decimal.NewFromInt(1), "BTCUSD"), ErrBrokerIDConflict)

	require.Len(t, engine.OnExecution(fill("first", "E1", "1", "1")), 1)
	events := engine.OnExecution(fill("retry", "E2", "1", "1"))
	require.Equal(t, schema.OrderStatusFilled, events[len(events)-1].Status)

	require.Empty(t, engine.OnExecution(fill("first", "E3", "1", "1")))
	require.Equal(t, 1, engine.Buffered(), "completed order ids take the unknown path")
}

func TestRegisterOrderValidation(t *testing.T) {
	engine := newTestEngine(Options{})
	require.ErrorIs(t, engine.RegisterOrder(1, "B", decimal.Zero, "BTCUSD"), ErrInvalidQuantity)
	require.Error(t, engine.RegisterOrder(1, " ", decimal.NewFromInt(1), "BTCUSD"))
}

func TestCancelEmitsCanceledOnce(t *testing.T) {
	engine := newTestEngine(Options{})
	require.NoError(t, engine.RegisterOrder(4, "B4", decimal.NewFromInt(5), "BTCUSD"))
	engine.OnExecution(fill("B4", "E1", "2", "10"))

	require.Empty(t, engine.OnOrderUpdate(wire.OrderUpdate{BrokerOrderID: "B4", Status: "ACTIVE"}))
	events := engine.OnOrderUpdate(wire.OrderUpdate{BrokerOrderID: "B4", Status: "CANCELED was: PARTIALLY FILLED @ 10(2.0)"})
	require.Len(t, events, 1)
	require.Equal(t, schema.OrderStatusCanceled, events[0].Status)
	require.True(t, events[0].FillQuantity.Equal(decimal.NewFromInt(2)))
	require.Empty(t, engine.OnOrderUpdate(wire.OrderUpdate{BrokerOrderID: "B4", Status: "CANCELED"}))
	require.Zero(t, engine.Live())
}

func TestSnapshotAndUnregister(t *testing.T) {
	engine := newTestEngine(Options{})
	require.NoError(t, engine.RegisterOrder(6, "B6", decimal.NewFromInt(4), "ethusd"))
	engine.OnExecution(fill("B6", "E1", "1", "10"))

	progress, ok := engine.Snapshot(6)
	require.True(t, ok)
	require.Equal(t, "ETHUSD", progress.Symbol)
	require.Equal(t, []string{"B6"}, progress.BrokerIDs)
	require.True(t, progress.Filled.Equal(decimal.NewFromInt(1)))
	require.Equal(t, 1, progress.Executions)

	require.True(t, engine.Unregister(6))
	require.False(t, engine.Unregister(6))
	_, ok = engine.Snapshot(6)
	require.False(t, ok)
}

func TestFillWithoutQuantityDropped(t *testing.T) {
	engine := newTestEngine(Options{})
	require.NoError(t, engine.RegisterOrder(1, "B", decimal.NewFromInt(1), "BTCUSD"))
	bad := fill("B", "E1", "1", "1")
	bad.ExecutedQty = wire.ParseNumber("abc")
	require.Empty(t, engine.OnExecution(bad))
	require.Len(t, engine.OnExecution(fill("B", "E1", "1", "1")), 2, "dropped report does not poison its execution id")
}

func TestSplitSymbol(t *testing.T) {
	cases := map[string][2]string{
		"BTCUSD":          {"BTC", "USD"},
		"trxusd":          {"TRX", "USD"},
		"TESTBTC:TESTUSD": {"TESTBTC", "TESTUSD"},
		"BTC":             {"", ""},
	}
	for symbol, want := range cases {
		base, quote := SplitSymbol(symbol)
		require.Equal(t, want, [2]string{base, quote}, symbol)
	}
}
