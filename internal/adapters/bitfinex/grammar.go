// Package bitfinex implements the Bitfinex v2 websocket grammar, its outbound control
// messages and the signed REST command client.
package bitfinex

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/wire"
)

// Venue is the name used in errors, logs and metrics.
const Venue = "bitfinex"

// Info codes the venue uses to request client action.
const (
	infoCodeRestart          = 20051
	infoCodeMaintenanceStart = 20060
	infoCodeMaintenanceEnd   = 20061
)

// accountChannel carries private order, trade and wallet frames.
const accountChannel = 0

const (
	tickerBid     = 0
	tickerBidSize = 1
	tickerAsk     = 2
	tickerAskSize = 3
	tickerLast    = 6
)

// Grammar decodes Bitfinex v2 frames. It is stateless and safe for concurrent use.
type Grammar struct{}

// NewGrammar returns the Bitfinex grammar.
func NewGrammar() Grammar { return Grammar{} }

// Decode turns one frame into a wire.Event.
func (Grammar) Decode(raw []byte, channels wire.ChannelLookup) wire.Event {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return malformed(raw, "invalid json")
	}
	root := gjson.ParseBytes(raw)
	switch {
	case root.IsObject():
		return decodeObject(raw, root)
	case root.IsArray():
		return decodeArray(raw, root, channels)
	default:
		return malformed(raw, "unexpected frame shape")
	}
}

func decodeObject(raw []byte, root gjson.Result) wire.Event {
	event := root.Get("event")
	if event.Type != gjson.String {
		return malformed(raw, "object frame without event")
	}
	switch event.Str {
	case "subscribed":
		kind, ok := channelKind(root.Get("channel").String())
		if !ok {
			return malformed(raw, "unknown channel "+root.Get("channel").String())
		}
		id, ok := intOf(root.Get("chanId"))
		if !ok {
			return malformed(raw, "subscribed without chanId")
		}
		symbol := root.Get("pair").String()
		if symbol == "" {
			symbol = stripSymbol(root.Get("symbol").String())
		}
		if symbol == "" {
			return malformed(raw, "subscribed without symbol")
		}
		return wire.SubscriptionAck{Kind: kind, Symbol: strings.ToUpper(symbol), ChannelID: id}
	case "unsubscribed":
		id, ok := intOf(root.Get("chanId"))
		if !ok {
			return malformed(raw, "unsubscribed without chanId")
		}
		return wire.Unsubscribed{ChannelID: id}
	case "auth":
		if strings.EqualFold(root.Get("status").String(), "OK") {
			return wire.AuthAck{Success: true}
		}
		return wire.AuthAck{Code: root.Get("code").Int(), Message: root.Get("msg").String()}
	case "info":
		code := root.Get("code")
		if !code.Exists() {
			if v := root.Get("version"); v.Exists() {
				return wire.Info{Message: "api version " + v.Raw}
			}
			return wire.Info{Message: root.Get("msg").String()}
		}
		return controlFromInfo(code.Int(), root.Get("msg").String())
	case "error":
		return wire.ControlEvent{Kind: wire.ControlVenueError, Code: root.Get("code").Int(), Message: root.Get("msg").String()}
	case "conf", "pong":
		return wire.Info{Message: event.Str}
	default:
		return wire.ControlEvent{Kind: wire.ControlUnrecognized, Message: "event " + event.Str}
	}
}

func controlFromInfo(code int64, msg string) wire.Event {
	switch code {
	case infoCodeRestart:
		return wire.ControlEvent{Kind: wire.ControlHardReset, Code: code, Message: msg}
	case infoCodeMaintenanceEnd:
		return wire.ControlEvent{Kind: wire.ControlSoftReset, Code: code, Message: msg}
	case infoCodeMaintenanceStart:
		return wire.ControlEvent{Kind: wire.ControlMaintenanceStart, Code: code, Message: msg}
	default:
		return wire.ControlEvent{Kind: wire.ControlUnrecognized, Code: code, Message: msg}
	}
}

func decodeArray(raw []byte, root gjson.Result, channels wire.ChannelLookup) wire.Event {
	items := root.Array()
	if len(items) < 2 {
		return malformed(raw, "short array frame")
	}
	id, ok := intOf(items[0])
	if !ok {
		return malformed(raw, "array frame without channel id")
	}
	head := items[1]
	if head.Type == gjson.String {
		if head.Str == "hb" {
			return wire.Heartbeat{ChannelID: id}
		}
		if id == accountChannel {
			return decodeAccount(raw, head.Str, items)
		}
		return decodeMarketTerm(raw, id, head.Str, items, channels)
	}
	if !head.IsArray() {
		return malformed(raw, "unexpected payload type")
	}
	if channels == nil {
		return wire.Info{Message: "frame for unresolved channel"}
	}
	entry, ok := channels.Resolve(id)
	if !ok {
		return wire.Info{Message: "frame for unresolved channel " + strconv.FormatInt(id, 10)}
	}
	switch entry.Kind {
	case schema.ChannelTicker:
		fields := head.Array()
		if len(fields) <= tickerLast || fields[0].IsArray() {
			return malformed(raw, "short ticker payload")
		}
		return wire.Ticker{
			ChannelID: id,
			Bid:       numberOf(fields[tickerBid]),
			BidSize:   numberOf(fields[tickerBidSize]),
			Ask:       numberOf(fields[tickerAsk]),
			AskSize:   numberOf(fields[tickerAskSize]),
			Last:      numberOf(fields[tickerLast]),
		}
	case schema.ChannelTrades:
		return wire.Info{Message: "trades snapshot"}
	default:
		return wire.Info{Message: string(entry.Kind) + " update"}
	}
}

func decodeMarketTerm(raw []byte, id int64, term string, items []gjson.Result, channels wire.ChannelLookup) wire.Event {
	if term != "te" {
		return wire.Info{Message: "market term " + term}
	}
	if channels == nil {
		return wire.Info{Message: "trade for unresolved channel"}
	}
	entry, ok := channels.Resolve(id)
	if !ok || entry.Kind != schema.ChannelTrades {
		return wire.Info{Message: "trade for unresolved channel " + strconv.FormatInt(id, 10)}
	}
	if len(items) < 3 {
		return malformed(raw, "trade without payload")
	}
	fields := items[2].Array()
	if len(fields) < 4 {
		return malformed(raw, "short trade payload")
	}
	size := numberOf(fields[2])
	return wire.TradeTick{
		ChannelID: id,
		TradeID:   idOf(fields[0]),
		Time:      millisOf(fields[1]),
		Size:      size,
		Price:     numberOf(fields[3]),
		Side:      schema.SideOf(size.Value),
	}
}

func decodeAccount(raw []byte, term string, items []gjson.Result) wire.Event {
	var payload gjson.Result
	if len(items) > 2 {
		payload = items[2]
	}
	switch term {
	case "tu":
		return decodeFill(raw, payload)
	case "on", "ou", "oc":
		return decodeOrder(raw, term, payload)
	case "ws":
		if !payload.IsArray() {
			return malformed(raw, "wallet snapshot without payload")
		}
		var snapshot wire.WalletSnapshot
		for _, entry := range payload.Array() {
			if update, ok := walletOf(entry); ok {
				snapshot.Updates = append(snapshot.Updates, update)
			}
		}
		return snapshot
	case "wu":
		update, ok := walletOf(payload)
		if !ok {
			return malformed(raw, "short wallet update")
		}
		return update
	case "n":
		return decodeNotification(payload)
	default:
		return wire.Info{Message: "account term " + term}
	}
}

// [ID, SYMBOL, MTS, ORDER_ID, EXEC_AMOUNT, EXEC_PRICE, ORDER_TYPE, ORDER_PRICE, MAKER, FEE, FEE_CURRENCY, CID]
func decodeFill(raw []byte, payload gjson.Result) wire.Event {
	fields := payload.Array()
	if len(fields) < 6 {
		return malformed(raw, "short trade update")
	}
	orderID := idOf(fields[3])
	if orderID == "" {
		return malformed(raw, "trade update without order id")
	}
	fill := wire.FillUpdate{
		ExecutionID:   idOf(fields[0]),
		Symbol:        stripSymbol(fields[1].String()),
		Time:          millisOf(fields[2]),
		BrokerOrderID: orderID,
		ExecutedQty:   numberOf(fields[4]),
		ExecutedPrice: numberOf(fields[5]),
	}
	if len(fields) > 8 {
		fill.Maker = fields[8].Int() == 1
	}
	if len(fields) > 10 {
		fill.Fee = numberOf(fields[9])
		fill.FeeCurrency = strings.ToUpper(fields[10].String())
	}
	if len(fields) > 11 {
		fill.ClientOrderID = idOf(fields[11])
	}
	return fill
}

// [ID, GID, CID, SYMBOL, MTS_CREATE, MTS_UPDATE, AMOUNT, AMOUNT_ORIG, TYPE, TYPE_PREV, MTS_TIF, _, FLAGS, STATUS, ...]
func decodeOrder(raw []byte, term string, payload gjson.Result) wire.Event {
	fields := payload.Array()
	if len(fields) < 14 {
		return malformed(raw, "short order update")
	}
	kind := wire.OrderChange
	switch term {
	case "on":
		kind = wire.OrderNew
	case "oc":
		kind = wire.OrderClosed
	}
	return wire.OrderUpdate{
		Kind:          kind,
		BrokerOrderID: idOf(fields[0]),
		ClientOrderID: idOf(fields[2]),
		Symbol:        stripSymbol(fields[3].String()),
		Amount:        numberOf(fields[6]),
		AmountOrig:    numberOf(fields[7]),
		Status:        fields[13].String(),
	}
}

// [MTS, TYPE, MESSAGE_ID, _, NOTIFY_INFO, CODE, STATUS, TEXT]
func decodeNotification(payload gjson.Result) wire.Event {
	fields := payload.Array()
	if len(fields) < 8 {
		return wire.Info{Message: "notification"}
	}
	status := strings.ToUpper(fields[6].String())
	text := fields[7].String()
	if status == "ERROR" || status == "FAILURE" {
		return wire.ControlEvent{Kind: wire.ControlVenueError, Code: fields[5].Int(), Message: fields[1].String() + ": " + text}
	}
	return wire.Info{Message: text}
}

// [WALLET_TYPE, CURRENCY, BALANCE, UNSETTLED_INTEREST, BALANCE_AVAILABLE, ...]
func walletOf(entry gjson.Result) (wire.WalletUpdate, bool) {
	fields := entry.Array()
	if len(fields) < 3 || fields[1].Type != gjson.String {
		return wire.WalletUpdate{}, false
	}
	update := wire.WalletUpdate{
		Wallet:   fields[0].String(),
		Currency: strings.ToUpper(fields[1].Str),
		Balance:  numberOf(fields[2]),
	}
	if len(fields) > 4 {
		update.Available = numberOf(fields[4])
	}
	return update, true
}

func channelKind(name string) (schema.ChannelKind, bool) {
	switch strings.ToLower(name) {
	case "ticker":
		return schema.ChannelTicker, true
	case "trades":
		return schema.ChannelTrades, true
	case "book":
		return schema.ChannelBook, true
	default:
		return "", false
	}
}

// numberOf keeps the literal text so no float conversion happens. Numeric strings are
// accepted; anything else is absent.
func numberOf(r gjson.Result) wire.Number {
	switch r.Type {
	case gjson.Number:
		return wire.ParseNumber(r.Raw)
	case gjson.String:
		return wire.ParseNumber(r.Str)
	default:
		return wire.Number{}
	}
}

func intOf(r gjson.Result) (int64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	v, err := strconv.ParseInt(r.Raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func idOf(r gjson.Result) string {
	switch r.Type {
	case gjson.Number:
		return r.Raw
	case gjson.String:
		return strings.TrimSpace(r.Str)
	default:
		return ""
	}
}

func millisOf(r gjson.Result) time.Time {
	ms, ok := intOf(r)
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// stripSymbol removes the trading-pair prefix: tBTCUSD becomes BTCUSD.
func stripSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if len(symbol) > 1 && symbol[0] == 't' {
		symbol = symbol[1:]
	}
	return strings.ToUpper(symbol)
}

func malformed(raw []byte, reason string) wire.Event {
	const maxRaw = 512
	text := string(raw)
	if len(text) > maxRaw {
		text = text[:maxRaw]
	}
	return wire.Malformed{Raw: text, Reason: reason}
}
