package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/wire"
)

const maxLoggedFrame = 256

// readLoop decodes and dispatches frames of one socket until it fails or is detached.
// A failure on a socket that is still current wakes the monitor.
func (s *Session) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("session read failed", observability.Err(err), observability.F("generation", gen))
			s.signal(wakeSignal{reason: "socket", gen: gen})
			return
		}
		s.handleFrame(ctx, data, gen)
	}
}

// handleFrame runs decode and dispatch for one frame. Any frame counts as liveness, and
// a panic is contained to the frame that caused it.
func (s *Session) handleFrame(ctx context.Context, raw []byte, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Malformed(ctx)
			s.logger.Error("session dispatch panic",
				observability.F("panic", fmt.Sprint(r)),
				observability.F("frame", clip(raw)))
		}
	}()
	s.touch()
	s.metrics.Frame(ctx)
	s.dispatch(ctx, s.opts.Grammar.Decode(raw, s.registry), gen)
}

// dispatch routes a decoded event. The order of the cases is the routing priority.
func (s *Session) dispatch(ctx context.Context, evt wire.Event, gen uint64) {
	switch ev := evt.(type) {
	case wire.Heartbeat:
	case wire.SubscriptionAck:
		entry := s.registry.Register(ev.ChannelID, ev.Kind, ev.Symbol)
		s.logger.Debug("session channel bound",
			observability.F("channel", entry.ID),
			observability.F("kind", string(entry.Kind)),
			observability.F("symbol", entry.Symbol))
		s.broadcastAck()
	case wire.Unsubscribed:
		s.registry.Evict(ev.ChannelID)
	case wire.Ticker:
		s.onTicker(ctx, ev)
	case wire.TradeTick:
		s.onTrade(ctx, ev)
	case wire.FillUpdate:
		s.emit(func() []schema.OrderEvent { return s.fills.OnExecution(ev) })
	case wire.OrderUpdate:
		s.emit(func() []schema.OrderEvent { return s.fills.OnOrderUpdate(ev) })
	case wire.WalletSnapshot:
		s.updateBalances(ev.Updates...)
	case wire.WalletUpdate:
		s.updateBalances(ev)
	case wire.AuthAck:
		s.waitMu.Lock()
		waiter := s.authWait
		s.waitMu.Unlock()
		if waiter == nil {
			s.logger.Debug("session unsolicited auth reply", observability.F("success", ev.Success))
			return
		}
		select {
		case waiter <- ev:
		default:
		}
	case wire.ControlEvent:
		s.onControl(ctx, ev, gen)
	case wire.Info:
		s.logger.Debug("session info frame", observability.F("message", ev.Message))
	case wire.Malformed:
		s.metrics.Malformed(ctx)
		s.logger.Warn("session malformed frame", observability.F("reason", ev.Reason), observability.F("frame", ev.Raw))
	default:
		s.logger.Warn("session unhandled event", observability.F("type", fmt.Sprintf("%T", evt)))
	}
}

func (s *Session) onTicker(ctx context.Context, t wire.Ticker) {
	entry, ok := s.registry.Resolve(t.ChannelID)
	if !ok || entry.Kind != schema.ChannelTicker {
		return
	}
	s.ticks.Append(schema.Tick{
		Time:     s.clock(),
		Symbol:   entry.Symbol,
		Kind:     schema.TickQuote,
		Price:    t.Last.Or(decimal.Zero),
		BidPrice: t.Bid.Or(decimal.Zero),
		BidSize:  t.BidSize.Or(decimal.Zero),
		AskPrice: t.Ask.Or(decimal.Zero),
		AskSize:  t.AskSize.Or(decimal.Zero),
	})
	s.metrics.Tick(ctx, string(schema.TickQuote))
}

func (s *Session) onTrade(ctx context.Context, t wire.TradeTick) {
	entry, ok := s.registry.Resolve(t.ChannelID)
	if !ok || entry.Kind != schema.ChannelTrades || !t.Price.Valid {
		return
	}
	s.ticks.Append(schema.Tick{
		Time:   s.clock(),
		Symbol: entry.Symbol,
		Kind:   schema.TickTrade,
		Price:  t.Price.Value,
		Size:   t.Size.Or(decimal.Zero),
		Side:   t.Side,
	})
	s.metrics.Tick(ctx, string(schema.TickTrade))
}

// updateBalances merges wallet frames into the cache and releases a pending balance
// query. An absent available amount keeps the previous one.
func (s *Session) updateBalances(updates ...wire.WalletUpdate) {
	s.balMu.Lock()
	defer s.balMu.Unlock()
	for _, u := range updates {
		if !u.Balance.Valid {
			continue
		}
		key := strings.ToLower(u.Wallet) + "/" + u.Currency
		prev := s.balances[key]
		s.balances[key] = schema.Balance{
			Wallet:    strings.ToLower(u.Wallet),
			Currency:  u.Currency,
			Amount:    u.Balance.Value,
			Available: u.Available.Or(prev.Available),
		}
	}
	if s.balWait != nil {
		close(s.balWait)
		s.balWait = nil
	}
}

// onControl applies venue control codes. Sockets are never touched here; resets are
// handed to the monitor.
func (s *Session) onControl(ctx context.Context, c wire.ControlEvent, gen uint64) {
	s.metrics.Control(ctx, string(c.Kind))
	fields := []observability.Field{
		observability.F("kind", string(c.Kind)),
		observability.F("code", c.Code),
		observability.F("message", c.Message),
	}
	switch c.Kind {
	case wire.ControlSoftReset:
		s.logger.Info("session soft reset requested", fields...)
		select {
		case s.softReset <- gen:
		default:
		}
	case wire.ControlHardReset:
		s.logger.Warn("session hard reset requested", fields...)
		s.signal(wakeSignal{reason: "hard_reset", gen: gen})
	case wire.ControlMaintenanceStart:
		s.logger.Warn("session venue maintenance", fields...)
	case wire.ControlVenueError:
		s.logger.Warn("session venue error", fields...)
	default:
		s.logger.Warn("session unrecognized control", fields...)
	}
}

func clip(raw []byte) string {
	if len(raw) > maxLoggedFrame {
		return string(raw[:maxLoggedFrame])
	}
	return string(raw)
}
