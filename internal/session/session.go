// Package session supervises one venue socket: connect, authenticate, heartbeat
// monitoring, reconnect with resubscribe, and synchronous dispatch of inbound frames
// into the channel registry, tick buffer, fill engine and balance cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/channel"
	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/fills"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/ticks"
	"github.com/coachpo/venuelink/internal/wire"
)

const (
	controlWriteTimeout = 5 * time.Second
	teardownTimeout     = 5 * time.Second
	errorBuffer         = 16
)

var (
	// ErrNotConnected is returned by operations that need a live socket.
	ErrNotConnected = errors.New("session: not connected")
	// ErrAlreadyConnected is returned by Connect while a session lifetime is running.
	ErrAlreadyConnected = errors.New("session: already connected")
	// ErrBalanceTimeout is returned when no wallet frame arrives within the balance timeout.
	ErrBalanceTimeout = errors.New("session: balance query timed out")
)

// Options wires a session. Grammar, Commands, Transport and URL are required; every
// other field has a default.
type Options struct {
	Venue       string
	URL         string
	Credentials wire.Credentials
	Wallet      string

	Grammar   wire.Grammar
	Commands  wire.Commands
	Transport Transport
	Registry  *channel.Registry
	Fills     *fills.Engine
	Ticks     *ticks.Buffer

	HeartbeatTimeout        time.Duration
	HeartbeatPoll           time.Duration
	AuthTimeout             time.Duration
	SubscribeTimeout        time.Duration
	BalanceTimeout          time.Duration
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	ControlRate             float64
	EventBuffer             int

	Logger        observability.Logger
	Metrics       *observability.Metrics
	Clock         func() time.Time
	Ticker        func(time.Duration) (<-chan time.Time, func())
	OnStateChange func(from, to State)
}

type wakeSignal struct {
	reason string
	gen    uint64
}

// Session owns the socket lifecycle. Each of the registry, tick buffer, fill engine and
// balance cache keeps its own lock; the session state has a separate one.
type Session struct {
	id       string
	opts     Options
	logger   observability.Logger
	metrics  *observability.Metrics
	clock    func() time.Time
	registry *channel.Registry
	fills    *fills.Engine
	ticks    *ticks.Buffer
	limiter  *rate.Limiter
	wg       conc.WaitGroup

	lifeMu    sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc

	stateMu sync.Mutex
	state   State

	connMu     sync.RWMutex
	conn       Conn
	connCancel context.CancelFunc
	connGen    uint64
	authed     atomic.Bool

	emitMu   sync.Mutex
	emitHook func(pending []schema.OrderEvent)

	lastSeen    atomic.Int64
	reconnectMu sync.Mutex
	wake        chan wakeSignal
	softReset   chan uint64

	ackMu sync.Mutex
	ackCh chan struct{}

	waitMu   sync.Mutex
	authWait chan wire.AuthAck

	resumeMu sync.Mutex
	resume   []channel.Subscription

	balMu    sync.RWMutex
	balances map[string]schema.Balance
	balWait  chan struct{}

	events chan schema.OrderEvent
	errors chan error
}

// New validates opts and creates a disconnected session.
func New(opts Options) (*Session, error) {
	if opts.Grammar == nil || opts.Commands == nil || opts.Transport == nil {
		return nil, errors.New("session: grammar, commands and transport are required")
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("session: url is required")
	}
	opts = withDefaults(opts)

	id := uuid.NewString()
	s := &Session{
		id:        id,
		opts:      opts,
		logger:    observability.With(opts.Logger, observability.F("session", id), observability.F("venue", opts.Venue)),
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		registry:  opts.Registry,
		fills:     opts.Fills,
		ticks:     opts.Ticks,
		limiter:   newLimiter(opts.ControlRate),
		wake:      make(chan wakeSignal, 1),
		softReset: make(chan uint64, 1),
		balances:  make(map[string]schema.Balance),
		events:    make(chan schema.OrderEvent, opts.EventBuffer),
		errors:    make(chan error, errorBuffer),
	}
	s.ticks.OnDrop(func(n int) {
		s.metrics.TicksDropped(context.Background(), n)
	})
	return s, nil
}

func withDefaults(opts Options) Options {
	if opts.Venue == "" {
		opts.Venue = "venue"
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Ticker == nil {
		opts.Ticker = wallTicker
	}
	if opts.Registry == nil {
		opts.Registry = channel.NewRegistry()
	}
	if opts.Ticks == nil {
		opts.Ticks = ticks.NewBuffer(0)
	}
	if opts.Fills == nil {
		opts.Fills = fills.NewEngine(fills.Options{
			NormalizeFees: true,
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
			Clock:         opts.Clock,
		})
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	if opts.HeartbeatPoll <= 0 {
		opts.HeartbeatPoll = 10 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 10 * time.Second
	}
	if opts.BalanceTimeout <= 0 {
		opts.BalanceTimeout = 30 * time.Second
	}
	if opts.ReconnectInitialBackoff <= 0 {
		opts.ReconnectInitialBackoff = 500 * time.Millisecond
	}
	if opts.ReconnectMaxBackoff < opts.ReconnectInitialBackoff {
		opts.ReconnectMaxBackoff = 30 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	return opts
}

func wallTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Registry exposes the channel registry for inspection.
func (s *Session) Registry() *channel.Registry { return s.registry }

// Events delivers order lifecycle events in emission order.
func (s *Session) Events() <-chan schema.OrderEvent { return s.events }

// Errors delivers fatal session errors such as a rejected re-authentication.
func (s *Session) Errors() <-chan error { return s.errors }

// DrainTicks returns and clears the buffered ticks.
func (s *Session) DrainTicks() []schema.Tick { return s.ticks.Drain() }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Wait blocks until the read and monitor goroutines of ended lifetimes have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Connect dials, authenticates when credentials are configured, and starts the
// heartbeat monitor. ctx bounds the handshake only; the session then runs until
// Disconnect or a fatal error.
func (s *Session) Connect(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.runCancel != nil {
		s.lifeMu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx, s.runCancel = runCtx, cancel
	s.lifeMu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	err := s.establish(runCtx, nil)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.halt(runCtx, "connect failed")
		if !errs.Is(err, errs.CodeAuth) && ctx.Err() != nil {
			return fmt.Errorf("session: connect: %w", ctx.Err())
		}
		return err
	}

	s.logger.Info("session live", observability.F("url", s.opts.URL), observability.F("authenticated", s.authed.Load()))
	s.wg.Go(func() {
		s.monitor(runCtx)
	})
	return nil
}

// Disconnect stops the monitor and closes the socket without waiting for background
// goroutines. It is safe to call in any state.
func (s *Session) Disconnect() error {
	if s.halt(nil, "client disconnect") {
		s.logger.Info("session disconnected")
	}
	return nil
}

// halt ends lifetime, or the current lifetime when nil, and reports whether anything
// was running.
func (s *Session) halt(lifetime context.Context, reason string) bool {
	s.lifeMu.Lock()
	if lifetime != nil && s.runCtx != lifetime {
		s.lifeMu.Unlock()
		return false
	}
	cancel := s.runCancel
	s.runCtx, s.runCancel = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.forceState(Disconnected)
	conn := s.detach()
	s.authed.Store(false)
	s.registry.Clear()
	s.takeResume()
	if conn != nil {
		if err := conn.Close(reason); err != nil {
			s.logger.Debug("session close failed", observability.Err(err))
		}
	}
	return cancel != nil || conn != nil
}

// Subscribe requests a market-data stream and waits for the venue to bind a channel.
// While a reconnect is in progress the request is queued and sent once the session is
// live again. A stream the venue does not confirm in time stays queued and is retried
// on the next heartbeat poll.
func (s *Session) Subscribe(ctx context.Context, kind schema.ChannelKind, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !kind.Valid() || symbol == "" {
		return errs.New(s.opts.Venue, errs.CodeInvalid, errs.WithOp("subscribe"),
			errs.WithMessage(fmt.Sprintf("invalid subscription %q/%q", kind, symbol)))
	}
	sub := channel.Subscription{Kind: kind, Symbol: symbol}
	switch s.State() {
	case Disconnected:
		return ErrNotConnected
	case Live:
	default:
		s.addResume(sub)
		return nil
	}
	if _, ok := s.registry.Lookup(kind, symbol); ok {
		return nil
	}
	payload, err := s.opts.Commands.Subscribe(kind, symbol)
	if err != nil {
		return errs.New(s.opts.Venue, errs.CodeInvalid, errs.WithOp("subscribe"), errs.WithCause(err))
	}
	if err := s.send(ctx, "subscribe", payload); err != nil {
		return err
	}
	if missing := s.awaitChannels(ctx, []channel.Subscription{sub}, s.opts.SubscribeTimeout); len(missing) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.addResume(sub)
		return errs.New(s.opts.Venue, errs.CodeTimeout, errs.WithOp("subscribe"),
			errs.WithMessage("no subscription ack for "+string(kind)+" "+symbol))
	}
	return nil
}

// Unsubscribe releases a stream. Unknown streams are ignored.
func (s *Session) Unsubscribe(ctx context.Context, kind schema.ChannelKind, symbol string) error {
	s.dropResume(channel.Subscription{Kind: kind, Symbol: symbol})
	id, ok := s.registry.Lookup(kind, symbol)
	if !ok {
		return nil
	}
	s.registry.Evict(id)
	if s.State() != Live {
		return nil
	}
	payload, err := s.opts.Commands.Unsubscribe(id)
	if err != nil {
		return errs.New(s.opts.Venue, errs.CodeInvalid, errs.WithOp("unsubscribe"), errs.WithCause(err))
	}
	return s.send(ctx, "unsubscribe", payload)
}

// RegisterOrder binds a broker id to a local order in the fill engine and replays any
// executions that arrived before the binding.
func (s *Session) RegisterOrder(localID int64, brokerID string, requested decimal.Decimal, symbol string) error {
	if err := s.fills.RegisterOrder(localID, brokerID, requested, symbol); err != nil {
		return err
	}
	s.emit(func() []schema.OrderEvent { return s.fills.Replay(s.clock()) })
	return nil
}

// Publish emits a lifecycle event. When the buffer is full it blocks until the
// consumer catches up or the session ends.
func (s *Session) Publish(evt schema.OrderEvent) {
	select {
	case s.events <- evt:
		return
	default:
	}
	s.logger.Warn("session event buffer full", observability.F("order", evt.OrderID), observability.F("status", string(evt.Status)))
	s.lifeMu.Lock()
	runCtx := s.runCtx
	s.lifeMu.Unlock()
	if runCtx == nil {
		s.logger.Error("session event dropped", observability.F("event", evt.String()))
		return
	}
	select {
	case s.events <- evt:
	case <-runCtx.Done():
		s.logger.Error("session event dropped", observability.F("event", evt.String()))
	}
}

func (s *Session) publishAll(events []schema.OrderEvent) {
	for _, evt := range events {
		s.Publish(evt)
	}
}

// emit runs one fill engine step and publishes its output while holding emitMu, so
// engine output reaches Events in the order the engine produced it.
func (s *Session) emit(step func() []schema.OrderEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	pending := step()
	if s.emitHook != nil {
		s.emitHook(pending)
	}
	s.publishAll(pending)
}

// RequestReconnect wakes the monitor to rebuild the socket. A request made while one
// is pending or in progress is dropped.
func (s *Session) RequestReconnect() {
	s.signal(wakeSignal{reason: "requested", gen: s.generation()})
}

// Balances returns the cached wallet balances sorted by wallet then currency.
func (s *Session) Balances() []schema.Balance {
	s.balMu.RLock()
	defer s.balMu.RUnlock()
	out := make([]schema.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wallet == out[j].Wallet {
			return out[i].Currency < out[j].Currency
		}
		return out[i].Wallet < out[j].Wallet
	})
	return out
}

// QueryBalances asks the venue to push fresh wallet balances and waits for the next
// wallet frame, bounded by the balance timeout.
func (s *Session) QueryBalances(ctx context.Context) ([]schema.Balance, error) {
	if s.State() != Live {
		return nil, ErrNotConnected
	}
	s.balMu.Lock()
	if s.balWait == nil {
		s.balWait = make(chan struct{})
	}
	waiter := s.balWait
	currencies := s.currenciesLocked()
	s.balMu.Unlock()

	if len(currencies) > 0 {
		payload, err := s.opts.Commands.BalanceRequest(s.opts.Wallet, currencies)
		if err != nil {
			return nil, errs.New(s.opts.Venue, errs.CodeInvalid, errs.WithOp("balances"), errs.WithCause(err))
		}
		if err := s.send(ctx, "balances", payload); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(s.opts.BalanceTimeout)
	defer timer.Stop()
	select {
	case <-waiter:
		return s.Balances(), nil
	case <-timer.C:
		return nil, ErrBalanceTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) currenciesLocked() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, b := range s.balances {
		if s.opts.Wallet != "" && !strings.EqualFold(b.Wallet, s.opts.Wallet) {
			continue
		}
		if _, ok := seen[b.Currency]; ok {
			continue
		}
		seen[b.Currency] = struct{}{}
		out = append(out, b.Currency)
	}
	sort.Strings(out)
	return out
}

func (s *Session) report(err error) {
	select {
	case s.errors <- err:
	default:
		s.logger.Warn("session error dropped", observability.Err(err))
	}
}

func (s *Session) advance(ctx context.Context, next State) bool {
	s.stateMu.Lock()
	if ctx.Err() != nil {
		s.stateMu.Unlock()
		return false
	}
	prev := s.state
	s.state = next
	s.stateMu.Unlock()
	s.notifyState(prev, next)
	return true
}

func (s *Session) forceState(next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()
	s.notifyState(prev, next)
}

func (s *Session) notifyState(prev, next State) {
	if prev == next {
		return
	}
	s.logger.Debug("session state", observability.F("from", prev.String()), observability.F("to", next.String()))
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(prev, next)
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(s.clock().UnixNano())
}

func (s *Session) lastSeenAt() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// signal queues a wake for the monitor. A pending wake of an older generation is
// replaced; one of the same or a newer generation is kept.
func (s *Session) signal(sig wakeSignal) {
	for {
		select {
		case s.wake <- sig:
			return
		default:
		}
		select {
		case pending := <-s.wake:
			if pending.gen >= sig.gen {
				sig = pending
			}
		default:
		}
	}
}

// ackSignal returns a channel closed by the next subscription ack.
func (s *Session) ackSignal() <-chan struct{} {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if s.ackCh == nil {
		s.ackCh = make(chan struct{})
	}
	return s.ackCh
}

func (s *Session) broadcastAck() {
	s.ackMu.Lock()
	if s.ackCh != nil {
		close(s.ackCh)
		s.ackCh = nil
	}
	s.ackMu.Unlock()
}

func (s *Session) addResume(subs ...channel.Subscription) {
	s.resumeMu.Lock()
	s.resume = channel.MergeSubscriptions(s.resume, subs)
	s.resumeMu.Unlock()
}

func (s *Session) dropResume(sub channel.Subscription) {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	symbol := strings.ToUpper(strings.TrimSpace(sub.Symbol))
	kept := s.resume[:0]
	for _, r := range s.resume {
		if r.Kind == sub.Kind && r.Symbol == symbol {
			continue
		}
		kept = append(kept, r)
	}
	s.resume = kept
}

func (s *Session) pendingResume() int {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	return len(s.resume)
}

func (s *Session) takeResume() []channel.Subscription {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	out := s.resume
	s.resume = nil
	return out
}
