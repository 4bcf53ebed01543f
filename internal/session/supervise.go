package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/channel"
	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/wire"
)

// monitor is the single supervisor loop of a lifetime. It checks heartbeat age on every
// poll and is the only goroutine that rebuilds the socket.
func (s *Session) monitor(ctx context.Context) {
	tick, stop := s.opts.Ticker(s.opts.HeartbeatPoll)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.checkHeartbeat(ctx)
			s.flushResume(ctx)
			s.emit(func() []schema.OrderEvent { return s.fills.Replay(s.clock()) })
		case sig := <-s.wake:
			if sig.gen != s.generation() {
				s.logger.Debug("session stale wake ignored", observability.F("reason", sig.reason))
				continue
			}
			s.reconnect(ctx, sig.reason)
		case gen := <-s.softReset:
			if gen != s.generation() {
				continue
			}
			s.resync(ctx)
		}
	}
}

func (s *Session) checkHeartbeat(ctx context.Context) {
	if s.State() != Live {
		return
	}
	silent := s.clock().Sub(s.lastSeenAt())
	if silent <= s.opts.HeartbeatTimeout {
		return
	}
	s.metrics.HeartbeatTimeout(ctx)
	s.logger.Warn("session heartbeat timeout",
		observability.F("silent", silent.String()),
		observability.F("timeout", s.opts.HeartbeatTimeout.String()))
	s.reconnect(ctx, "heartbeat")
}

// reconnect captures the live subscriptions, releases the old socket and redials with
// exponential backoff until the session is live again, the lifetime ends, or the venue
// rejects the credentials.
func (s *Session) reconnect(ctx context.Context, trigger string) {
	if !s.reconnectMu.TryLock() {
		s.logger.Debug("session reconnect already in progress", observability.F("trigger", trigger))
		return
	}
	defer s.reconnectMu.Unlock()

	if !s.advance(ctx, Reconnecting) {
		return
	}
	s.logger.Warn("session reconnecting", observability.F("trigger", trigger))

	entries := s.registry.Entries()
	snapshot := channel.MergeSubscriptions(s.registry.Clear(), s.takeResume())
	s.teardown(ctx, entries, trigger)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = s.opts.ReconnectInitialBackoff
	backoffCfg.MaxInterval = s.opts.ReconnectMaxBackoff

	for attempt := 1; ; attempt++ {
		err := s.establish(ctx, snapshot)
		if err == nil {
			s.metrics.Reconnect(ctx, trigger, "success")
			s.logger.Info("session reconnected",
				observability.F("trigger", trigger),
				observability.F("attempt", attempt),
				observability.F("subscriptions", len(snapshot)))
			return
		}
		s.metrics.Reconnect(ctx, trigger, "error")
		if ctx.Err() != nil {
			return
		}
		if errs.Is(err, errs.CodeAuth) {
			s.fail(ctx, err)
			return
		}
		s.logger.Warn("session reconnect attempt failed", observability.Err(err), observability.F("attempt", attempt))
		s.advance(ctx, Reconnecting)

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.opts.ReconnectMaxBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// resync answers a venue soft reset on the same socket: unauth, unsubscribe,
// resubscribe, auth. Failures fall back to a full reconnect.
func (s *Session) resync(ctx context.Context) {
	if !s.reconnectMu.TryLock() {
		return
	}
	defer s.reconnectMu.Unlock()

	conn := s.current()
	if conn == nil || s.State() != Live {
		return
	}
	if !s.advance(ctx, Reconnecting) {
		return
	}
	s.logger.Info("session soft reset")

	entries := s.registry.Entries()
	subs := channel.MergeSubscriptions(s.registry.Clear(), s.takeResume())
	s.release(ctx, conn, entries, "soft reset release")

	err := s.subscribeAll(ctx, subs)
	if err == nil && !s.opts.Credentials.Empty() && s.advance(ctx, Authenticating) {
		err = s.authenticate(ctx)
	}
	switch {
	case ctx.Err() != nil:
		return
	case errs.Is(err, errs.CodeAuth):
		s.fail(ctx, err)
		return
	case err != nil:
		s.metrics.Reconnect(ctx, "soft_reset", "error")
		s.logger.Warn("session soft reset failed", observability.Err(err))
		s.addResume(subs...)
		s.advance(ctx, Live)
		s.signal(wakeSignal{reason: "soft_reset_failed", gen: s.generation()})
		return
	}
	if s.advance(ctx, Live) {
		s.flushResume(ctx)
	}
	s.metrics.Reconnect(ctx, "soft_reset", "success")
}

// fail ends the lifetime after an error the session must not retry.
func (s *Session) fail(ctx context.Context, err error) {
	s.logger.Error("session stopped", observability.Err(err))
	s.report(err)
	s.halt(ctx, "fatal error")
}

// establish dials, authenticates and subscribes subs plus any queued subscriptions.
// On failure the new socket is closed.
func (s *Session) establish(ctx context.Context, subs []channel.Subscription) error {
	if !s.advance(ctx, Connecting) {
		return ctx.Err()
	}
	conn, err := s.opts.Transport.Dial(ctx, s.opts.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New(s.opts.Venue, errs.CodeNetwork, errs.WithOp("dial"), errs.WithCause(err))
	}
	if err := s.attach(ctx, conn); err != nil {
		return err
	}
	if err := s.handshake(ctx, subs); err != nil {
		if conn := s.detach(); conn != nil {
			if cerr := conn.Close("handshake failed"); cerr != nil {
				s.logger.Debug("session close failed", observability.Err(cerr))
			}
		}
		return err
	}
	return nil
}

func (s *Session) handshake(ctx context.Context, subs []channel.Subscription) error {
	if !s.opts.Credentials.Empty() {
		if !s.advance(ctx, Authenticating) {
			return ctx.Err()
		}
		if err := s.authenticate(ctx); err != nil {
			return err
		}
	}
	if err := s.subscribeAll(ctx, channel.MergeSubscriptions(subs, s.takeResume())); err != nil {
		return err
	}
	if !s.advance(ctx, Live) {
		return ctx.Err()
	}
	s.flushResume(ctx)
	return nil
}

// flushResume sends the subscriptions queued while the session was not live. Streams
// the venue does not confirm stay queued for the next poll.
func (s *Session) flushResume(ctx context.Context) {
	if s.State() != Live || s.pendingResume() == 0 {
		return
	}
	pending := s.unbound(s.takeResume())
	if len(pending) == 0 {
		return
	}
	if err := s.subscribeAll(ctx, pending); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("session queued subscriptions not sent", observability.Err(err), observability.F("pending", len(pending)))
		s.addResume(pending...)
	}
}

func (s *Session) attach(ctx context.Context, conn Conn) error {
	s.connMu.Lock()
	if err := ctx.Err(); err != nil {
		s.connMu.Unlock()
		if cerr := conn.Close("session stopped"); cerr != nil {
			s.logger.Debug("session close failed", observability.Err(cerr))
		}
		return err
	}
	prev, prevCancel := s.conn, s.connCancel
	connCtx, cancel := context.WithCancel(ctx)
	s.connGen++
	gen := s.connGen
	s.conn, s.connCancel = conn, cancel
	s.connMu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prev != nil {
		if err := prev.Close("replaced"); err != nil {
			s.logger.Debug("session close failed", observability.Err(err))
		}
	}
	s.authed.Store(false)
	s.touch()
	s.wg.Go(func() {
		s.readLoop(connCtx, conn, gen)
	})
	return nil
}

// detach removes the current socket and stops its reader. The caller closes it.
func (s *Session) detach() Conn {
	s.connMu.Lock()
	conn, cancel := s.conn, s.connCancel
	s.conn, s.connCancel = nil, nil
	s.connMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return conn
}

func (s *Session) current() Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *Session) generation() uint64 {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.connGen
}

// teardown releases channels and the auth on the old socket and closes it. Every step
// is best effort; failures are logged together.
func (s *Session) teardown(ctx context.Context, entries []channel.Entry, reason string) {
	conn := s.current()
	if conn == nil {
		return
	}
	failures := s.release(ctx, conn, entries, "")
	if conn := s.detach(); conn != nil {
		if err := conn.Close(reason); err != nil {
			failures = append(failures, fmt.Errorf("close: %w", err))
		}
	}
	_ = observability.AggregateErrors(s.logger, "session teardown", failures, observability.F("reason", reason))
}

// release sends unauth and one unsubscribe per entry within a shared deadline. With a
// non-empty operation the failures are logged under it.
func (s *Session) release(ctx context.Context, conn Conn, entries []channel.Entry, operation string) []error {
	releaseCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()

	var failures []error
	if s.authed.Swap(false) {
		if payload, err := s.opts.Commands.Unauth(); err != nil {
			failures = append(failures, err)
		} else if err := s.sendOn(releaseCtx, conn, "unauth", payload); err != nil {
			failures = append(failures, err)
		}
	}
	for _, entry := range entries {
		payload, err := s.opts.Commands.Unsubscribe(entry.ID)
		if err == nil {
			err = s.sendOn(releaseCtx, conn, "unsubscribe", payload)
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("unsubscribe %s %s: %w", entry.Kind, entry.Symbol, err))
		}
	}
	if operation != "" {
		_ = observability.AggregateErrors(s.logger, operation, failures)
	}
	return failures
}

func (s *Session) authenticate(ctx context.Context) error {
	payload, err := s.opts.Commands.Auth(s.opts.Credentials, s.clock())
	if err != nil {
		return errs.New(s.opts.Venue, errs.CodeInvalid, errs.WithOp("auth"), errs.WithCause(err))
	}

	waiter := make(chan wire.AuthAck, 1)
	s.waitMu.Lock()
	s.authWait = waiter
	s.waitMu.Unlock()
	defer func() {
		s.waitMu.Lock()
		s.authWait = nil
		s.waitMu.Unlock()
	}()

	if err := s.send(ctx, "auth", payload); err != nil {
		return err
	}

	timer := time.NewTimer(s.opts.AuthTimeout)
	defer timer.Stop()
	select {
	case ack := <-waiter:
		if !ack.Success {
			opts := []errs.Option{
				errs.WithOp("auth"),
				errs.WithCanonical(errs.CanonicalAuthFailed),
				errs.WithMessage("authentication rejected"),
				errs.WithRawMessage(ack.Message),
			}
			if ack.Code != 0 {
				opts = append(opts, errs.WithRawCode(strconv.FormatInt(ack.Code, 10)))
			}
			return errs.New(s.opts.Venue, errs.CodeAuth, opts...)
		}
		s.authed.Store(true)
		return nil
	case <-timer.C:
		return errs.New(s.opts.Venue, errs.CodeTimeout, errs.WithOp("auth"), errs.WithMessage("no authentication reply"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribeAll sends one subscribe per stream and waits for the acks. Streams still
// unbound at the subscribe timeout are queued for the next reconnect.
func (s *Session) subscribeAll(ctx context.Context, subs []channel.Subscription) error {
	sent := make([]channel.Subscription, 0, len(subs))
	for _, sub := range subs {
		payload, err := s.opts.Commands.Subscribe(sub.Kind, sub.Symbol)
		if err != nil {
			s.logger.Warn("session subscription dropped", observability.Err(err),
				observability.F("kind", string(sub.Kind)), observability.F("symbol", sub.Symbol))
			continue
		}
		if err := s.send(ctx, "subscribe", payload); err != nil {
			return err
		}
		sent = append(sent, sub)
	}
	if len(sent) == 0 {
		return nil
	}
	missing := s.awaitChannels(ctx, sent, s.opts.SubscribeTimeout)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(missing) > 0 {
		s.logger.Warn("session subscriptions unconfirmed", observability.F("missing", len(missing)), observability.F("requested", len(sent)))
		s.addResume(missing...)
	}
	return nil
}

func (s *Session) awaitChannels(ctx context.Context, subs []channel.Subscription, timeout time.Duration) []channel.Subscription {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		acked := s.ackSignal()
		missing := s.unbound(subs)
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-acked:
		case <-timer.C:
			return missing
		case <-ctx.Done():
			return missing
		}
	}
}

func (s *Session) unbound(subs []channel.Subscription) []channel.Subscription {
	var out []channel.Subscription
	for _, sub := range subs {
		if _, ok := s.registry.Lookup(sub.Kind, sub.Symbol); !ok {
			out = append(out, sub)
		}
	}
	return out
}

// send writes a control message on the current socket. A failed write wakes the
// monitor to rebuild the socket.
func (s *Session) send(ctx context.Context, kind string, payload []byte) error {
	s.connMu.RLock()
	conn, gen := s.conn, s.connGen
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := s.sendOn(ctx, conn, kind, payload); err != nil {
		if errs.Is(err, errs.CodeNetwork) {
			s.signal(wakeSignal{reason: "write", gen: gen})
		}
		return err
	}
	return nil
}

func (s *Session) sendOn(ctx context.Context, conn Conn, kind string, payload []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace %s: %w", kind, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	err := conn.Write(writeCtx, payload)
	cancel()
	if err != nil {
		return errs.New(s.opts.Venue, errs.CodeNetwork, errs.WithOp(kind), errs.WithCause(err))
	}
	s.metrics.ControlSent(ctx, kind)
	return nil
}
