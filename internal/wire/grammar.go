package wire

import (
	"time"

	"github.com/coachpo/venuelink/internal/channel"
	"github.com/coachpo/venuelink/internal/domain/schema"
)

// ChannelLookup resolves channel ids seen in array frames. *channel.Registry implements it.
type ChannelLookup interface {
	Resolve(id int64) (channel.Entry, bool)
}

// Grammar decodes one raw inbound frame. Implementations must never panic and must
// return Malformed for frames they cannot interpret.
type Grammar interface {
	Decode(raw []byte, channels ChannelLookup) Event
}

// Credentials authenticate the private account stream.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Empty reports whether no key is configured.
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.APISecret == ""
}

// Commands encodes outbound control messages for a venue.
type Commands interface {
	Subscribe(kind schema.ChannelKind, symbol string) ([]byte, error)
	Unsubscribe(channelID int64) ([]byte, error)
	Auth(creds Credentials, nonce time.Time) ([]byte, error)
	Unauth() ([]byte, error)
	BalanceRequest(wallet string, currencies []string) ([]byte, error)
}
