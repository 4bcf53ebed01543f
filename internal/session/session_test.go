package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/adapters/bitfinex"
	"github.com/coachpo/venuelink/internal/channel"
	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/wire"
)

const (
	waitFor = 2 * time.Second
	pollIn  = 5 * time.Millisecond
)

type harness struct {
	venue   *fakeVenue
	clock   *fakeClock
	tick    chan time.Time
	logs    *observability.Recorder
	session *Session
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		venue: newFakeVenue(),
		clock: &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		tick:  make(chan time.Time),
		logs:  observability.NewRecorder(),
	}
	opts := Options{
		Venue:                   bitfinex.Venue,
		URL:                     "wss://venue.test/ws/2",
		Credentials:             wire.Credentials{APIKey: "key", APISecret: "secret"},
		Wallet:                  "exchange",
		Grammar:                 bitfinex.NewGrammar(),
		Commands:                bitfinex.NewCommands(),
		Transport:               h.venue,
		HeartbeatTimeout:        30 * time.Second,
		HeartbeatPoll:           10 * time.Second,
		AuthTimeout:             time.Second,
		SubscribeTimeout:        time.Second,
		BalanceTimeout:          200 * time.Millisecond,
		ReconnectInitialBackoff: time.Millisecond,
		ReconnectMaxBackoff:     5 * time.Millisecond,
		Logger:                  h.logs,
		Clock:                   h.clock.Now,
		Ticker: func(time.Duration) (<-chan time.Time, func()) {
			return h.tick, func() {}
		},
		OnStateChange: func(_, to State) {
			h.venue.record("state:" + to.String())
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() {
		_ = s.Disconnect()
		s.Wait()
	})
	return h
}

// poll delivers two monitor ticks; the second send returns only after the first tick
// has been fully handled.
func (h *harness) poll() {
	h.tick <- h.clock.Now()
	h.tick <- h.clock.Now()
}

func (h *harness) connectWith(t *testing.T, subs ...channel.Subscription) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.session.Connect(ctx))
	for _, sub := range subs {
		require.NoError(t, h.session.Subscribe(ctx, sub.Kind, sub.Symbol))
	}
}

func (h *harness) nextEvent(t *testing.T) schema.OrderEvent {
	t.Helper()
	select {
	case evt := <-h.session.Events():
		return evt
	case <-time.After(waitFor):
		t.Fatal("no lifecycle event")
		return schema.OrderEvent{}
	}
}

func indexOf(entries []string, want string) int {
	for i, entry := range entries {
		if entry == want {
			return i
		}
	}
	return -1
}

func lastIndexOf(entries []string, want string) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i] == want {
			return i
		}
	}
	return -1
}

func countOf(entries []string, want string) int {
	n := 0
	for _, entry := range entries {
		if entry == want {
			n++
		}
	}
	return n
}

func channelIDs(entries []channel.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

var (
	btcTicker = channel.Subscription{Kind: schema.ChannelTicker, Symbol: "BTCUSD"}
	ethTrades = channel.Subscription{Kind: schema.ChannelTrades, Symbol: "ETHUSD"}
)

func TestConnectAuthenticatesBeforeLive(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)

	require.Equal(t, Live, h.session.State())
	require.Equal(t, []string{
		"state:connecting",
		"dial",
		"state:authenticating",
		"auth",
		"state:live",
	}, h.venue.since(""))
}

func TestConnectWithoutCredentialsSkipsAuth(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Credentials = wire.Credentials{} })
	h.connectWith(t, btcTicker)

	journal := h.venue.since("")
	require.Equal(t, -1, indexOf(journal, "auth"))
	require.Equal(t, -1, indexOf(journal, "state:authenticating"))
	require.Equal(t, Live, h.session.State())
	require.Equal(t, []channel.Subscription{btcTicker}, h.session.Registry().Subscriptions())
}

func TestConnectTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)
	require.ErrorIs(t, h.session.Connect(context.Background()), ErrAlreadyConnected)
	require.Equal(t, 1, h.venue.dialCount())
}

func TestAuthFailureIsFatalAndNotRetried(t *testing.T) {
	h := newHarness(t)
	h.venue.set(func(v *fakeVenue) { v.authReject = true })

	err := h.session.Connect(context.Background())
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Equal(t, errs.CanonicalAuthFailed, errs.CanonicalOf(err))
	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "10100", envelope.RawCode)
	require.Equal(t, "apikey: invalid", envelope.RawMsg)

	require.Equal(t, Disconnected, h.session.State())
	require.Equal(t, 1, h.venue.dialCount())
	require.True(t, h.venue.conn(0).isClosed())
}

func TestReauthFailureDuringReconnectStopsSession(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t, btcTicker)
	h.venue.set(func(v *fakeVenue) { v.authReject = true })

	h.venue.conn(0).push(`{"event":"info","code":20051,"msg":"restart"}`)

	select {
	case err := <-h.session.Errors():
		require.True(t, errs.Is(err, errs.CodeAuth))
	case <-time.After(waitFor):
		t.Fatal("auth failure not surfaced")
	}
	require.Eventually(t, func() bool { return h.session.State() == Disconnected }, waitFor, pollIn)
	require.Equal(t, 2, h.venue.dialCount())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Disconnect())

	h.connectWith(t, btcTicker)
	conn := h.venue.conn(0)
	require.NoError(t, h.session.Disconnect())
	require.NoError(t, h.session.Disconnect())

	require.Equal(t, Disconnected, h.session.State())
	require.EqualValues(t, 1, conn.closes.Load())
	require.Zero(t, h.session.Registry().Len())
	require.ErrorIs(t, h.session.Subscribe(context.Background(), schema.ChannelTicker, "BTCUSD"), ErrNotConnected)

	h.session.Wait()
	require.NoError(t, h.session.Connect(context.Background()))
	require.Equal(t, 2, h.venue.dialCount())
	require.Equal(t, Live, h.session.State())
}

func TestHeartbeatTimeoutReconnectsWithinOnePoll(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t, btcTicker, ethTrades)
	before := h.session.Registry().Entries()

	h.clock.Advance(29 * time.Second)
	h.poll()
	require.Equal(t, 1, h.venue.dialCount(), "29s of silence is within the 30s timeout")

	h.clock.Advance(2 * time.Second)
	h.venue.record("silent 31s")
	h.tick <- h.clock.Now()

	require.Eventually(t, func() bool {
		return h.venue.dialCount() == 2 && h.session.State() == Live
	}, waitFor, pollIn)

	require.Equal(t, []channel.Subscription{btcTicker, ethTrades}, h.session.Registry().Subscriptions())
	require.NotEqual(t, channelIDs(before), channelIDs(h.session.Registry().Entries()))

	journal := h.venue.since("silent 31s")
	live := lastIndexOf(journal, "state:live")
	redial := indexOf(journal, "dial")
	require.Greater(t, redial, indexOf(journal, "state:reconnecting"))
	for _, sub := range []string{"subscribe:ticker:BTCUSD", "subscribe:trades:ETHUSD"} {
		idx := indexOf(journal, sub)
		require.Greater(t, idx, redial, sub)
		require.Less(t, idx, live, "%s must be sent before the session reports live", sub)
	}
	require.Less(t, indexOf(journal, "unauth"), redial, "old socket is released first")
	require.True(t, h.venue.conn(0).isClosed())
}

func TestSocketDropTriggersReconnect(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t, btcTicker)
	h.venue.set(func(v *fakeVenue) { v.failDials = 2 })

	h.venue.conn(0).drop()

	require.Eventually(t, func() bool {
		return h.venue.dialCount() == 4 && h.session.State() == Live
	}, waitFor, pollIn)
	require.Equal(t, []channel.Subscription{btcTicker}, h.session.Registry().Subscriptions())
}

func TestHardResetForcesNewSocket(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t, btcTicker, ethTrades)

	h.venue.conn(0).push(`{"event":"info","code":20051,"msg":"Stopping. Please try to reconnect"}`)

	require.Eventually(t, func() bool {
		return h.venue.dialCount() == 2 && h.session.State() == Live
	}, waitFor, pollIn)
	require.Equal(t, []channel.Subscription{btcTicker, ethTrades}, h.session.Registry().Subscriptions())
	require.True(t, h.venue.conn(0).isClosed())
}

func TestSoftResetResubscribesOnSameSocket(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t, btcTicker, ethTrades)
	before := h.session.Registry().Entries()
	h.venue.record("soft reset")

	h.venue.conn(0).push(`{"event":"info","code":20061,"msg":"Maintenance ended"}`)

	require.Eventually(t, func() bool {
		return lastIndexOf(h.venue.since("soft reset"), "state:live") >= 0
	}, waitFor, pollIn)

	journal := h.venue.since("soft reset")
	require.Equal(t, -1, indexOf(journal, "dial"))
	require.False(t, h.venue.conn(0).isClosed())

	unauth := indexOf(journal, "unauth")
	unsub := indexOf(journal, "unsubscribe:"+formatID(before[0].ID))
	resub := indexOf(journal, "subscribe:ticker:BTCUSD")
	auth := indexOf(journal, "auth")
	require.True(t, unauth >= 0 && unauth < unsub && unsub < resub && resub < auth,
		"expected unauth, unsubscribe, subscribe, auth; got %v", journal)
	require.Less(t, auth, lastIndexOf(journal, "state:live"))

	require.Equal(t, []channel.Subscription{btcTicker, ethTrades}, h.session.Registry().Subscriptions())
	require.NotEqual(t, channelIDs(before), channelIDs(h.session.Registry().Entries()))
}

func TestUnconfirmedSubscriptionIsRetriedOnReconnect(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SubscribeTimeout = 50 * time.Millisecond })
	h.connectWith(t, btcTicker)
	h.venue.set(func(v *fakeVenue) { v.silent["BTCUSD"] = true })

	h.venue.conn(0).push(`{"event":"info","code":20051}`)
	require.Eventually(t, func() bool {
		return h.venue.dialCount() == 2 && h.session.State() == Live
	}, waitFor, pollIn)
	require.Zero(t, h.session.Registry().Len())

	h.venue.set(func(v *fakeVenue) { v.silent["BTCUSD"] = false })
	h.session.RequestReconnect()
	require.Eventually(t, func() bool {
		return h.venue.dialCount() == 3 && h.session.Registry().Len() == 1
	}, waitFor, pollIn)
}

func TestSubscribeDuringSoftResetIsSentOnceLive(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SubscribeTimeout = 100 * time.Millisecond })
	h.connectWith(t, btcTicker)
	h.venue.set(func(v *fakeVenue) { v.silent["BTCUSD"] = true })
	h.venue.record("soft reset")

	h.venue.conn(0).push(`{"event":"info","code":20061}`)
	require.Eventually(t, func() bool {
		return indexOf(h.venue.since("soft reset"), "state:reconnecting") >= 0
	}, waitFor, pollIn)

	require.NoError(t, h.session.Subscribe(context.Background(), ethTrades.Kind, ethTrades.Symbol))
	require.Eventually(t, func() bool {
		_, ok := h.session.Registry().Lookup(schema.ChannelTrades, "ETHUSD")
		return ok && h.session.State() == Live
	}, waitFor, pollIn)
	require.GreaterOrEqual(t, indexOf(h.venue.since("soft reset"), "subscribe:trades:ETHUSD"), 0)
	_, ok := h.session.Registry().Lookup(schema.ChannelTicker, "BTCUSD")
	require.False(t, ok)

	h.venue.set(func(v *fakeVenue) { v.silent["BTCUSD"] = false })
	h.poll()
	require.Eventually(t, func() bool { return h.session.Registry().Len() == 2 }, waitFor, pollIn)
	require.Equal(t, 1, h.venue.dialCount())
	require.False(t, h.venue.conn(0).isClosed())
}

func TestUnconfirmedSubscribeIsRetriedOnPoll(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SubscribeTimeout = 50 * time.Millisecond })
	h.connectWith(t)
	h.venue.set(func(v *fakeVenue) { v.silent["BTCUSD"] = true })

	err := h.session.Subscribe(context.Background(), btcTicker.Kind, btcTicker.Symbol)
	require.True(t, errs.Is(err, errs.CodeTimeout))
	require.Zero(t, h.session.Registry().Len())

	h.venue.set(func(v *fakeVenue) { v.silent["BTCUSD"] = false })
	h.poll()
	require.Eventually(t, func() bool {
		_, ok := h.session.Registry().Lookup(schema.ChannelTicker, "BTCUSD")
		return ok
	}, waitFor, pollIn)
	require.Equal(t, 1, h.venue.dialCount())

	h.poll()
	journal := h.venue.since("")
	require.Equal(t, 2, countOf(journal, "subscribe:ticker:BTCUSD"), "a bound stream is not sent again; got %v", journal)
}

func TestFillsRouteToEngineAndMalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)
	require.NoError(t, h.session.RegisterOrder(1, "555", decimal.NewFromInt(2), "BTCUSD"))

	conn := h.venue.conn(0)
	conn.push(`not json{`)
	conn.push(`[0,"tu",[9001,"tBTCUSD",1709294400000,555,"1","100","EXCHANGE LIMIT","100",1,"-0.2","USD",42]]`)
	conn.push(`[0,"tu",[9001,"tBTCUSD",1709294400000,555,"1","100","EXCHANGE LIMIT","100",1,"-0.2","USD",42]]`)
	conn.push(`[0,"tu",[9002,"tBTCUSD",1709294401000,555,"1","102","EXCHANGE LIMIT","100",1,"-0.2","USD",42]]`)

	first := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusPartiallyFilled, first.Status)
	require.Equal(t, "9001", first.ExecutionID)
	second := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusPartiallyFilled, second.Status)
	require.Equal(t, "9002", second.ExecutionID)
	filled := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)
	require.Equal(t, int64(1), filled.OrderID)
	require.True(t, decimal.NewFromInt(2).Equal(filled.FillQuantity))
	require.True(t, decimal.NewFromInt(101).Equal(filled.FillPrice))

	require.Equal(t, Live, h.session.State())
	require.Equal(t, 1, h.venue.dialCount())
	require.Len(t, h.logs.Find("session malformed frame"), 1)
}

func TestRegisterOrderReplaysEarlyFill(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)

	h.venue.conn(0).push(`[0,"tu",[7001,"tETHUSD",1709294400000,777,"-0.5","2000","EXCHANGE MARKET","2000",-1,"-1","USD",9]]`)
	require.Eventually(t, func() bool { return h.session.fills.Buffered() == 1 }, waitFor, pollIn)

	require.NoError(t, h.session.RegisterOrder(2, "777", decimal.RequireFromString("-0.5"), "ETHUSD"))
	require.Equal(t, schema.OrderStatusPartiallyFilled, h.nextEvent(t).Status)
	filled := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)
	require.Equal(t, int64(2), filled.OrderID)
	require.Zero(t, h.session.fills.Buffered())
}

func TestReplayAndLiveFillsPublishInEngineOrder(t *testing.T) {
	h := newHarness(t)
	var once sync.Once
	h.session.emitHook = func(pending []schema.OrderEvent) {
		if len(pending) == 0 {
			return
		}
		once.Do(func() {
			// The second fill arrives while the replayed one is still unpublished.
			h.venue.conn(0).push(`[0,"tu",[6002,"tBTCUSD",1709294401000,999,"200","100","EXCHANGE LIMIT","100",1,"-0.2","USD",11]]`)
			time.Sleep(50 * time.Millisecond)
		})
	}
	h.connectWith(t)

	h.venue.conn(0).push(`[0,"tu",[6001,"tBTCUSD",1709294400000,999,"100","100","EXCHANGE LIMIT","100",1,"-0.1","USD",11]]`)
	require.Eventually(t, func() bool { return h.session.fills.Buffered() == 1 }, waitFor, pollIn)

	require.NoError(t, h.session.RegisterOrder(4, "999", decimal.NewFromInt(300), "BTCUSD"))

	first := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusPartiallyFilled, first.Status)
	require.Equal(t, "6001", first.ExecutionID)
	second := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusPartiallyFilled, second.Status)
	require.Equal(t, "6002", second.ExecutionID)
	filled := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)
	require.True(t, decimal.NewFromInt(300).Equal(filled.FillQuantity))
}

func TestReconnectKeepsFillAccumulators(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)
	require.NoError(t, h.session.RegisterOrder(5, "321", decimal.NewFromInt(300), "BTCUSD"))

	h.venue.conn(0).push(`[0,"tu",[8001,"tBTCUSD",1709294400000,321,"100","100","EXCHANGE LIMIT","100",1,"-0.1","USD",12]]`)
	partial := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusPartiallyFilled, partial.Status)

	h.venue.conn(0).push(`{"event":"info","code":20051}`)
	require.Eventually(t, func() bool {
		return h.venue.dialCount() == 2 && h.session.State() == Live
	}, waitFor, pollIn)

	h.venue.conn(1).push(`[0,"tu",[8002,"tBTCUSD",1709294460000,321,"200","100","EXCHANGE LIMIT","100",1,"-0.2","USD",12]]`)
	require.Equal(t, schema.OrderStatusPartiallyFilled, h.nextEvent(t).Status)
	filled := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)
	require.Equal(t, int64(5), filled.OrderID)
	require.True(t, decimal.NewFromInt(300).Equal(filled.FillQuantity))

	select {
	case evt := <-h.session.Events():
		t.Fatalf("unexpected event after terminal fill: %s", evt.String())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelFrameEmitsCanceled(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)
	require.NoError(t, h.session.RegisterOrder(3, "888", decimal.NewFromInt(1), "BTCUSD"))

	h.venue.conn(0).push(`[0,"oc",[888,0,3,"tBTCUSD",1709294400000,1709294401000,1,1,"EXCHANGE LIMIT",null,null,null,0,"CANCELED",null,null,100,0,0,0]]`)

	evt := h.nextEvent(t)
	require.Equal(t, schema.OrderStatusCanceled, evt.Status)
	require.Equal(t, int64(3), evt.OrderID)
}

func TestTickerAndTradesFillTickBuffer(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t, btcTicker, ethTrades)
	tickerID, ok := h.session.Registry().Lookup(schema.ChannelTicker, "BTCUSD")
	require.True(t, ok)
	tradesID, ok := h.session.Registry().Lookup(schema.ChannelTrades, "ETHUSD")
	require.True(t, ok)

	conn := h.venue.conn(0)
	conn.push(`[` + formatID(tickerID) + `,[100,1.5,101,2,0.5,0.005,100.5,1000,101,99]]`)
	conn.push(`[` + formatID(tradesID) + `,"te",[5,1709294400000,-0.25,2000]]`)
	conn.push(`[` + formatID(tickerID) + `,"hb"]`)

	require.Eventually(t, func() bool { return h.session.ticks.Len() == 2 }, waitFor, pollIn)
	got := h.session.DrainTicks()
	require.Len(t, got, 2)

	quote := got[0]
	require.Equal(t, schema.TickQuote, quote.Kind)
	require.Equal(t, "BTCUSD", quote.Symbol)
	require.True(t, decimal.RequireFromString("100.5").Equal(quote.Price))
	require.True(t, decimal.NewFromInt(100).Equal(quote.BidPrice))
	require.True(t, decimal.NewFromInt(101).Equal(quote.AskPrice))

	trade := got[1]
	require.Equal(t, schema.TickTrade, trade.Kind)
	require.Equal(t, "ETHUSD", trade.Symbol)
	require.Equal(t, schema.SideSell, trade.Side)
	require.True(t, decimal.RequireFromString("-0.25").Equal(trade.Size))
	require.Empty(t, h.session.DrainTicks())
}

func TestUnsubscribeReleasesChannel(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t, btcTicker)
	id, ok := h.session.Registry().Lookup(schema.ChannelTicker, "BTCUSD")
	require.True(t, ok)

	require.NoError(t, h.session.Unsubscribe(context.Background(), schema.ChannelTicker, "btcusd"))
	require.Zero(t, h.session.Registry().Len())
	require.GreaterOrEqual(t, indexOf(h.venue.since(""), "unsubscribe:"+formatID(id)), 0)
	require.NoError(t, h.session.Unsubscribe(context.Background(), schema.ChannelTicker, "BTCUSD"))
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)
	err := h.session.Subscribe(context.Background(), schema.ChannelKind("candles"), "BTCUSD")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestBalanceQueryTimesOut(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)

	start := time.Now()
	_, err := h.session.QueryBalances(context.Background())
	require.ErrorIs(t, err, ErrBalanceTimeout)
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Equal(t, Live, h.session.State())
}

func TestBalanceQueryReturnsFreshWallets(t *testing.T) {
	h := newHarness(t)
	h.connectWith(t)
	h.venue.conn(0).push(`[0,"ws",[["exchange","USD","1000",0,"900"],["exchange","BTC","0.5",0,null]]]`)
	require.Eventually(t, func() bool { return len(h.session.Balances()) == 2 }, waitFor, pollIn)

	h.venue.set(func(v *fakeVenue) { v.walletReply = `[0,"wu",["exchange","USD","1200.5",0,"1100",null,null]]` })
	balances, err := h.session.QueryBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	require.Equal(t, "BTC", balances[0].Currency)
	require.True(t, decimal.RequireFromString("0.5").Equal(balances[0].Amount))
	require.Equal(t, "USD", balances[1].Currency)
	require.True(t, decimal.RequireFromString("1200.5").Equal(balances[1].Amount))
	require.True(t, decimal.NewFromInt(1100).Equal(balances[1].Available))
	require.GreaterOrEqual(t, indexOf(h.venue.since(""), "calc"), 0)
}

func TestQueryBalancesRequiresLiveSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.session.QueryBalances(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSignalKeepsNewestGeneration(t *testing.T) {
	s := newHarness(t).session

	s.signal(wakeSignal{reason: "socket", gen: 1})
	s.signal(wakeSignal{reason: "hard_reset", gen: 2})
	require.Equal(t, wakeSignal{reason: "hard_reset", gen: 2}, <-s.wake)

	s.signal(wakeSignal{reason: "hard_reset", gen: 2})
	s.signal(wakeSignal{reason: "socket", gen: 1})
	require.Equal(t, wakeSignal{reason: "hard_reset", gen: 2}, <-s.wake)

	s.signal(wakeSignal{reason: "requested", gen: 3})
	s.signal(wakeSignal{reason: "write", gen: 3})
	require.Equal(t, wakeSignal{reason: "requested", gen: 3}, <-s.wake)
	require.Empty(t, s.wake)
}

func TestNewValidatesRequiredCollaborators(t *testing.T) {
	_, err := New(Options{URL: "wss://venue.test"})
	require.Error(t, err)
	_, err = New(Options{Grammar: bitfinex.NewGrammar(), Commands: bitfinex.NewCommands(), Transport: newFakeVenue()})
	require.Error(t, err)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
