package brokerage

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/coachpo/venuelink/config"
	"github.com/coachpo/venuelink/internal/adapters/bitfinex"
	"github.com/coachpo/venuelink/internal/channel"
	"github.com/coachpo/venuelink/internal/fills"
	"github.com/coachpo/venuelink/internal/journal"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/session"
	"github.com/coachpo/venuelink/internal/ticks"
	"github.com/coachpo/venuelink/internal/wire"
)

// Deps carries the collaborators FromSettings does not build itself. Transport and
// HTTPClient default to the websocket transport and a timeout-bounded client.
type Deps struct {
	Logger     observability.Logger
	Metrics    *observability.Metrics
	Journal    *journal.Recorder
	Transport  session.Transport
	HTTPClient *http.Client
}

// FromSettings assembles a brokerage for the configured venue.
func FromSettings(cfg config.Settings, deps Deps) (*Brokerage, error) {
	if venue := strings.ToLower(strings.TrimSpace(cfg.Venue.Name)); venue != bitfinex.Venue {
		return nil, fmt.Errorf("brokerage: unsupported venue %q", cfg.Venue.Name)
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	transport := deps.Transport
	if transport == nil {
		transport = session.WebsocketTransport{HandshakeTimeout: cfg.Venue.HandshakeTimeout}
	}
	creds := wire.Credentials{
		APIKey:    cfg.Venue.Credentials.APIKey,
		APISecret: cfg.Venue.Credentials.APISecret,
	}

	engine := fills.NewEngine(fills.Options{
		UnknownCapacity: cfg.Fills.UnknownCapacity,
		UnknownMaxAge:   cfg.Fills.UnknownMaxAge,
		NormalizeFees:   cfg.Fills.NormalizeFees,
		Logger:          logger,
		Metrics:         deps.Metrics,
	})
	sess, err := session.New(session.Options{
		Venue:       bitfinex.Venue,
		URL:         cfg.Venue.WebsocketURL,
		Credentials: creds,
		Wallet:      cfg.Venue.Wallet,

		Grammar:   bitfinex.NewGrammar(),
		Commands:  bitfinex.NewCommands(),
		Transport: transport,
		Registry:  channel.NewRegistry(),
		Fills:     engine,
		Ticks:     ticks.NewBuffer(cfg.Ticks.Capacity),

		HeartbeatTimeout:        cfg.Session.HeartbeatTimeout,
		HeartbeatPoll:           cfg.Session.HeartbeatPoll,
		AuthTimeout:             cfg.Session.AuthTimeout,
		SubscribeTimeout:        cfg.Session.SubscribeTimeout,
		BalanceTimeout:          cfg.Session.BalanceTimeout,
		ReconnectInitialBackoff: cfg.Session.ReconnectInitialBackoff,
		ReconnectMaxBackoff:     cfg.Session.ReconnectMaxBackoff,
		ControlRate:             cfg.Session.ControlRate,
		EventBuffer:             cfg.Session.EventBuffer,

		Logger:  logger,
		Metrics: deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("brokerage: %w", err)
	}

	rest := bitfinex.NewRESTClient(bitfinex.RESTConfig{
		BaseURL:     cfg.Venue.RESTURL,
		Credentials: creds,
		HTTPTimeout: cfg.Venue.HTTPTimeout,
		Rate:        cfg.Venue.RESTRate,
		Burst:       cfg.Venue.RESTBurst,
		MaxRetries:  cfg.Venue.RESTMaxRetries,
		HTTPClient:  deps.HTTPClient,
		Logger:      logger,
		Metrics:     deps.Metrics,
	})

	return New(Options{
		Session:     sess,
		Commands:    rest,
		Journal:     deps.Journal,
		Logger:      logger,
		EventBuffer: cfg.Session.EventBuffer,
	})
}
