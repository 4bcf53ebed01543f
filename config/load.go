package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when Load receives an empty path and VENUELINK_CONFIG is unset.
const DefaultPath = "config/venuelink.yaml"

// Load reads a YAML document over Default(). A missing file yields the defaults with
// loaded=false.
func Load(path string) (Settings, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = env("VENUELINK_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	file, err := os.Open(filepath.Clean(path)) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, false, nil
		}
		return Settings{}, false, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Settings{}, false, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Settings{}, false, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, true, nil
}

var validKinds = map[string]struct{}{"ticker": {}, "trades": {}, "book": {}}

// Validate performs semantic validation on the configuration.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Venue.WebsocketURL) == "" {
		return fmt.Errorf("venue websocketUrl required")
	}
	if strings.TrimSpace(s.Venue.RESTURL) == "" {
		return fmt.Errorf("venue restUrl required")
	}
	creds := s.Venue.Credentials
	if (creds.APIKey == "") != (creds.APISecret == "") {
		return fmt.Errorf("venue credentials require both apiKey and apiSecret")
	}
	if s.Session.HeartbeatTimeout <= 0 {
		return fmt.Errorf("session heartbeatTimeout must be >0")
	}
	if s.Session.HeartbeatPoll <= 0 {
		return fmt.Errorf("session heartbeatPoll must be >0")
	}
	if s.Session.HeartbeatPoll > s.Session.HeartbeatTimeout {
		return fmt.Errorf("session heartbeatPoll must not exceed heartbeatTimeout")
	}
	if s.Session.BalanceTimeout <= 0 {
		return fmt.Errorf("session balanceTimeout must be >0")
	}
	if s.Session.EventBuffer <= 0 {
		return fmt.Errorf("session eventBuffer must be >0")
	}
	if s.Fills.UnknownCapacity <= 0 {
		return fmt.Errorf("fills unknownCapacity must be >0")
	}
	if s.Fills.UnknownMaxAge < 0 {
		return fmt.Errorf("fills unknownMaxAge must be >=0")
	}
	if s.Ticks.Capacity < 0 {
		return fmt.Errorf("ticks capacity must be >=0")
	}
	switch s.Journal.Driver {
	case JournalMemory, JournalDisabled, "":
	case JournalPostgres:
		if strings.TrimSpace(s.Journal.DSN) == "" {
			return fmt.Errorf("journal dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("journal driver must be memory|postgres|none, got %q", s.Journal.Driver)
	}
	for i, sym := range s.Symbols {
		if strings.TrimSpace(sym.Symbol) == "" {
			return fmt.Errorf("symbols[%d]: symbol required", i)
		}
		if len(sym.Kinds) == 0 {
			return fmt.Errorf("symbols[%d]: kinds required", i)
		}
		for _, kind := range sym.Kinds {
			if _, ok := validKinds[strings.ToLower(kind)]; !ok {
				return fmt.Errorf("symbols[%d]: unknown kind %q", i, kind)
			}
		}
	}
	return nil
}
