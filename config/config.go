// Package config centralises runtime configuration for venuelink.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where venuelink operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Journal drivers.
const (
	JournalMemory   = "memory"
	JournalPostgres = "postgres"
	JournalDisabled = "none"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// VenueSettings configures the venue endpoints and the REST command client. Wallet
// selects the account wallet used for balance queries.
type VenueSettings struct {
	Name             string        `yaml:"name"`
	WebsocketURL     string        `yaml:"websocketUrl"`
	RESTURL          string        `yaml:"restUrl"`
	Credentials      Credentials   `yaml:"credentials"`
	Wallet           string        `yaml:"wallet"`
	HTTPTimeout      time.Duration `yaml:"httpTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	RESTRate         float64       `yaml:"restRate"`
	RESTBurst        int           `yaml:"restBurst"`
	RESTMaxRetries   int           `yaml:"restMaxRetries"`
}

// SessionSettings tunes the session supervisor.
type SessionSettings struct {
	HeartbeatTimeout        time.Duration `yaml:"heartbeatTimeout"`
	HeartbeatPoll           time.Duration `yaml:"heartbeatPoll"`
	AuthTimeout             time.Duration `yaml:"authTimeout"`
	SubscribeTimeout        time.Duration `yaml:"subscribeTimeout"`
	BalanceTimeout          time.Duration `yaml:"balanceTimeout"`
	ReconnectInitialBackoff time.Duration `yaml:"reconnectInitialBackoff"`
	ReconnectMaxBackoff     time.Duration `yaml:"reconnectMaxBackoff"`
	ControlRate             float64       `yaml:"controlRate"`
	EventBuffer             int           `yaml:"eventBuffer"`
}

// FillSettings tunes the fill reconciliation engine.
type FillSettings struct {
	UnknownCapacity int           `yaml:"unknownCapacity"`
	UnknownMaxAge   time.Duration `yaml:"unknownMaxAge"`
	NormalizeFees   bool          `yaml:"normalizeFees"`
}

// TickSettings sizes the tick buffer. Zero capacity keeps every tick until drained.
type TickSettings struct {
	Capacity int `yaml:"capacity"`
}

// JournalSettings selects the lifecycle journal backend.
type JournalSettings struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
	Buffer  int    `yaml:"buffer"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// LoggingSettings selects the zap preset and level.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SymbolSettings declares an initial subscription.
type SymbolSettings struct {
	Symbol string   `yaml:"symbol"`
	Kinds  []string `yaml:"kinds"`
}

// Settings contains the venuelink configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment      `yaml:"environment"`
	Venue       VenueSettings    `yaml:"venue"`
	Session     SessionSettings  `yaml:"session"`
	Fills       FillSettings     `yaml:"fills"`
	Ticks       TickSettings     `yaml:"ticks"`
	Journal     JournalSettings  `yaml:"journal"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Logging     LoggingSettings  `yaml:"logging"`
	Symbols     []SymbolSettings `yaml:"symbols"`
}

// Default returns the default venuelink configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Venue: VenueSettings{
			Name:             "bitfinex",
			WebsocketURL:     "wss://api.bitfinex.com/ws/2",
			RESTURL:          "https://api.bitfinex.com",
			Wallet:           "exchange",
			HTTPTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			RESTRate:         1.5,
			RESTBurst:        5,
			RESTMaxRetries:   3,
		},
		Session: SessionSettings{
			HeartbeatTimeout:        30 * time.Second,
			HeartbeatPoll:           10 * time.Second,
			AuthTimeout:             10 * time.Second,
			SubscribeTimeout:        10 * time.Second,
			BalanceTimeout:          30 * time.Second,
			ReconnectInitialBackoff: 500 * time.Millisecond,
			ReconnectMaxBackoff:     30 * time.Second,
			ControlRate:             5,
			EventBuffer:             1024,
		},
		Fills: FillSettings{
			UnknownCapacity: 1024,
			UnknownMaxAge:   5 * time.Minute,
			NormalizeFees:   true,
		},
		Ticks: TickSettings{Capacity: 0},
		Journal: JournalSettings{
			Driver: JournalMemory,
			Buffer: 256,
		},
		Telemetry: TelemetryConfig{ServiceName: "venuelink"},
		Logging:   LoggingSettings{Level: "info", Format: "json"},
	}
}

// FromEnv overrides base with VENUELINK_* environment variables.
func FromEnv(base Settings) Settings {
	cfg := base.clone()
	if v := env("VENUELINK_ENV"); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := env("VENUELINK_WS_URL"); v != "" {
		cfg.Venue.WebsocketURL = v
	}
	if v := env("VENUELINK_REST_URL"); v != "" {
		cfg.Venue.RESTURL = v
	}
	if v := env("VENUELINK_API_KEY"); v != "" {
		cfg.Venue.Credentials.APIKey = v
	}
	if v := env("VENUELINK_API_SECRET"); v != "" {
		cfg.Venue.Credentials.APISecret = v
	}
	if v := env("VENUELINK_WALLET"); v != "" {
		cfg.Venue.Wallet = v
	}
	envDuration("VENUELINK_HTTP_TIMEOUT", &cfg.Venue.HTTPTimeout)
	envDuration("VENUELINK_HEARTBEAT_TIMEOUT", &cfg.Session.HeartbeatTimeout)
	envDuration("VENUELINK_HEARTBEAT_POLL", &cfg.Session.HeartbeatPoll)
	envDuration("VENUELINK_BALANCE_TIMEOUT", &cfg.Session.BalanceTimeout)
	if v := env("VENUELINK_TICK_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ticks.Capacity = n
		}
	}
	if v := env("VENUELINK_JOURNAL_DRIVER"); v != "" {
		cfg.Journal.Driver = strings.ToLower(v)
	}
	if v := env("VENUELINK_JOURNAL_DSN"); v != "" {
		cfg.Journal.DSN = v
	}
	if v := env("VENUELINK_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := env("VENUELINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("VENUELINK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := env("VENUELINK_SYMBOLS"); v != "" {
		cfg.Symbols = ParseSymbols(v)
	}
	return cfg
}

// ParseSymbols parses "BTCUSD:ticker+trades,ETHUSD" into subscriptions. Symbols without
// kinds default to the ticker channel.
func ParseSymbols(raw string) []SymbolSettings {
	var out []SymbolSettings
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol, kinds, _ := strings.Cut(part, ":")
		entry := SymbolSettings{Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
		for _, kind := range strings.Split(kinds, "+") {
			if kind = strings.ToLower(strings.TrimSpace(kind)); kind != "" {
				entry.Kinds = append(entry.Kinds, kind)
			}
		}
		if len(entry.Kinds) == 0 {
			entry.Kinds = []string{"ticker"}
		}
		out = append(out, entry)
	}
	return out
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithEndpoints overrides the websocket and REST endpoints. Blank values are ignored.
func WithEndpoints(websocketURL, restURL string) Option {
	websocketURL = strings.TrimSpace(websocketURL)
	restURL = strings.TrimSpace(restURL)
	return func(s *Settings) {
		if websocketURL != "" {
			s.Venue.WebsocketURL = websocketURL
		}
		if restURL != "" {
			s.Venue.RESTURL = restURL
		}
	}
}

// WithCredentials overrides the API credentials.
func WithCredentials(key, secret string) Option {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return func(s *Settings) {
		if key != "" {
			s.Venue.Credentials.APIKey = key
		}
		if secret != "" {
			s.Venue.Credentials.APISecret = secret
		}
	}
}

// WithHeartbeat overrides the heartbeat timeout and poll interval.
func WithHeartbeat(timeout, poll time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.Session.HeartbeatTimeout = timeout
		}
		if poll > 0 {
			s.Session.HeartbeatPoll = poll
		}
	}
}

// WithTickCapacity bounds the tick buffer.
func WithTickCapacity(capacity int) Option {
	return func(s *Settings) {
		s.Ticks.Capacity = capacity
	}
}

// WithJournal selects the journal backend.
func WithJournal(driver, dsn string) Option {
	return func(s *Settings) {
		if driver = strings.ToLower(strings.TrimSpace(driver)); driver != "" {
			s.Journal.Driver = driver
		}
		s.Journal.DSN = strings.TrimSpace(dsn)
	}
}

// WithSymbols replaces the initial subscriptions.
func WithSymbols(symbols ...SymbolSettings) Option {
	return func(s *Settings) {
		s.Symbols = cloneSymbols(symbols)
	}
}

func (s Settings) clone() Settings {
	out := s
	out.Symbols = cloneSymbols(s.Symbols)
	return out
}

func cloneSymbols(src []SymbolSettings) []SymbolSettings {
	if src == nil {
		return nil
	}
	out := make([]SymbolSettings, len(src))
	for i, sym := range src {
		out[i] = SymbolSettings{Symbol: sym.Symbol, Kinds: append([]string(nil), sym.Kinds...)}
	}
	return out
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDuration(key string, dst *time.Duration) {
	v := env(key)
	if v == "" {
		return
	}
	if dur, err := time.ParseDuration(v); err == nil {
		*dst = dur
	}
}
