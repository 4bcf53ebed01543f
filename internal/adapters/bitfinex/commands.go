package bitfinex

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/wire"
)

var authFilter = []string{"trading", "wallet", "balance", "notify"}

// Commands encodes Bitfinex control messages.
type Commands struct {
	// BookPrecision and BookLength shape book subscriptions.
	BookPrecision string
	BookLength    string
}

// NewCommands returns encoders with the default book shape.
func NewCommands() Commands {
	return Commands{BookPrecision: "P0", BookLength: "25"}
}

type subscribeMessage struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec,omitempty"`
	Len     string `json:"len,omitempty"`
}

type unsubscribeMessage struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

type authMessage struct {
	Event       string   `json:"event"`
	APIKey      string   `json:"apiKey"`
	AuthSig     string   `json:"authSig"`
	AuthNonce   string   `json:"authNonce"`
	AuthPayload string   `json:"authPayload"`
	Filter      []string `json:"filter,omitempty"`
}

type eventMessage struct {
	Event string `json:"event"`
}

// Subscribe encodes a channel subscription for a trading pair.
func (c Commands) Subscribe(kind schema.ChannelKind, symbol string) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("bitfinex: unsupported channel kind %q", kind)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("bitfinex: subscribe requires a symbol")
	}
	msg := subscribeMessage{Event: "subscribe", Channel: string(kind), Symbol: "t" + symbol}
	if kind == schema.ChannelBook {
		msg.Prec = c.BookPrecision
		msg.Len = c.BookLength
	}
	return json.Marshal(msg)
}

// Unsubscribe encodes a channel release.
func (Commands) Unsubscribe(channelID int64) ([]byte, error) {
	return json.Marshal(unsubscribeMessage{Event: "unsubscribe", ChanID: channelID})
}

// Auth encodes an authentication request signed with HMAC-SHA384 over "AUTH"+nonce.
func (Commands) Auth(creds wire.Credentials, nonce time.Time) ([]byte, error) {
	if creds.Empty() {
		return nil, errors.New("bitfinex: auth requires api key and secret")
	}
	nonceText := strconv.FormatInt(nonce.UnixMicro(), 10)
	payload := "AUTH" + nonceText
	return json.Marshal(authMessage{
		Event:       "auth",
		APIKey:      creds.APIKey,
		AuthSig:     sign(creds.APISecret, payload),
		AuthNonce:   nonceText,
		AuthPayload: payload,
		Filter:      authFilter,
	})
}

// Unauth encodes the de-authentication request.
func (Commands) Unauth() ([]byte, error) {
	return json.Marshal(eventMessage{Event: "unauth"})
}

// BalanceRequest asks the venue to recompute and push the wallets for the given
// currencies. The answer arrives as wallet updates on the account channel.
func (Commands) BalanceRequest(wallet string, currencies []string) ([]byte, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return nil, errors.New("bitfinex: balance request requires a wallet")
	}
	if len(currencies) == 0 {
		return nil, errors.New("bitfinex: balance request requires at least one currency")
	}
	requests := make([][]string, 0, len(currencies))
	for _, ccy := range currencies {
		ccy = strings.ToUpper(strings.TrimSpace(ccy))
		if ccy == "" {
			continue
		}
		requests = append(requests, []string{"wallet_" + wallet + "_" + ccy})
	}
	return json.Marshal([]any{accountChannel, "calc", nil, requests})
}

func sign(secret, payload string) string {
	mac := hmac.New(sha512.New384, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
