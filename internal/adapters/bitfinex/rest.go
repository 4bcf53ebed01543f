package bitfinex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/observability"
	"github.com/coachpo/venuelink/internal/wire"
)

const (
	pathSubmit  = "v2/auth/w/order/submit"
	pathCancel  = "v2/auth/w/order/cancel"
	pathUpdate  = "v2/auth/w/order/update"
	pathWallets = "v2/auth/r/wallets"
	pathOrders  = "v2/auth/r/orders"

	maxResponseBytes = 1 << 20
)

// Venue error codes that change retry or classification.
const (
	codeRateLimit   = 11010
	codeMaintenance = 20060
	codeInvalidKey  = 10100
)

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	BaseURL        string
	Credentials    wire.Credentials
	HTTPTimeout    time.Duration
	Rate           float64
	Burst          int
	MaxRetries     int
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         observability.Logger
	Metrics        *observability.Metrics
	Clock          func() time.Time
}

// RESTClient issues signed order and account commands.
type RESTClient struct {
	baseURL    string
	creds      wire.Credentials
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	initial    time.Duration
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	clock      func() time.Time

	nonceMu   sync.Mutex
	lastNonce int64
}

// OrderRequest is the venue-neutral shape of a new order. Amount is signed; negative sells.
type OrderRequest struct {
	ClientID   int64
	Symbol     string
	Type       schema.OrderType
	Amount     decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

// PlacedOrder is the venue's view of an order.
type PlacedOrder struct {
	BrokerID   string
	ClientID   string
	Symbol     string
	Type       string
	Status     string
	Amount     decimal.Decimal
	AmountOrig decimal.Decimal
	Price      decimal.Decimal
	AvgPrice   decimal.Decimal
}

// NewRESTClient builds a client. Zero values select conservative defaults.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		creds:      cfg.Credentials,
		httpClient: client,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: retries,
		initial:    initial,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("venuelink.rest"),
		clock:      clock,
	}
}

// Submit places an order and returns the venue's acknowledgement.
func (c *RESTClient) Submit(ctx context.Context, req OrderRequest) (PlacedOrder, error) {
	body, err := submitBody(req)
	if err != nil {
		return PlacedOrder{}, errs.New(Venue, errs.CodeInvalid, errs.WithOp("submit_order"), errs.WithMessage(err.Error()))
	}
	payload, err := c.call(ctx, "submit_order", pathSubmit, body, false)
	if err != nil {
		return PlacedOrder{}, err
	}
	data, err := notificationData(payload, "submit_order")
	if err != nil {
		return PlacedOrder{}, err
	}
	orders := data.Array()
	if len(orders) == 0 {
		return PlacedOrder{}, errs.New(Venue, errs.CodeProtocol, errs.WithOp("submit_order"), errs.WithMessage("acknowledgement without order"))
	}
	placed, ok := placedOrderOf(orders[0])
	if !ok {
		return PlacedOrder{}, errs.New(Venue, errs.CodeProtocol, errs.WithOp("submit_order"), errs.WithMessage("unreadable order in acknowledgement"))
	}
	return placed, nil
}

// Cancel requests cancellation. Completion is reported on the account stream.
func (c *RESTClient) Cancel(ctx context.Context, brokerID string) error {
	id, err := parseBrokerID(brokerID, "cancel_order")
	if err != nil {
		return err
	}
	payload, err := c.call(ctx, "cancel_order", pathCancel, map[string]any{"id": id}, true)
	if err != nil {
		return err
	}
	_, err = notificationData(payload, "cancel_order")
	return err
}

// Update changes the amount and price of a resting order.
func (c *RESTClient) Update(ctx context.Context, brokerID string, amount, price decimal.Decimal) error {
	id, err := parseBrokerID(brokerID, "update_order")
	if err != nil {
		return err
	}
	body := map[string]any{"id": id}
	if !amount.IsZero() {
		body["amount"] = amount.String()
	}
	if !price.IsZero() {
		body["price"] = price.String()
	}
	payload, err := c.call(ctx, "update_order", pathUpdate, body, false)
	if err != nil {
		return err
	}
	_, err = notificationData(payload, "update_order")
	return err
}

// Wallets returns every wallet balance.
func (c *RESTClient) Wallets(ctx context.Context) ([]schema.Balance, error) {
	payload, err := c.call(ctx, "wallets", pathWallets, map[string]any{}, true)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var rows [][]any
	if err := decoder.Decode(&rows); err != nil {
		return nil, errs.New(Venue, errs.CodeProtocol, errs.WithOp("wallets"), errs.WithMessage("decode wallets"), errs.WithCause(err))
	}
	balances := make([]schema.Balance, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		wallet, _ := row[0].(string)
		currency, _ := row[1].(string)
		if currency == "" {
			continue
		}
		balance := schema.Balance{
			Wallet:   wallet,
			Currency: strings.ToUpper(currency),
			Amount:   decimalOf(row[2]),
		}
		if len(row) > 4 {
			balance.Available = decimalOf(row[4])
		}
		balances = append(balances, balance)
	}
	return balances, nil
}

// OpenOrders returns the account's active orders.
func (c *RESTClient) OpenOrders(ctx context.Context) ([]PlacedOrder, error) {
	payload, err := c.call(ctx, "open_orders", pathOrders, map[string]any{}, true)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(payload)
	if !root.IsArray() {
		return nil, errs.New(Venue, errs.CodeProtocol, errs.WithOp("open_orders"), errs.WithMessage("expected order array"))
	}
	var out []PlacedOrder
	for _, entry := range root.Array() {
		if placed, ok := placedOrderOf(entry); ok {
			out = append(out, placed)
		}
	}
	return out, nil
}

// call sends one signed request with rate limiting and retries. Non-idempotent calls
// are retried only when the venue certainly did not process them.
func (c *RESTClient) call(ctx context.Context, op, path string, body any, idempotent bool) ([]byte, error) {
	if c.creds.Empty() {
		return nil, errs.New(Venue, errs.CodeAuth, errs.WithOp(op), errs.WithCanonical(errs.CanonicalAuthFailed), errs.WithMessage("api credentials not configured"))
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(Venue, errs.CodeInvalid, errs.WithOp(op), errs.WithCause(err))
	}

	ctx, span := c.tracer.Start(ctx, "bitfinex."+op, trace.WithAttributes(attribute.String("http.path", path)))
	defer span.End()

	started := c.clock()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initial
	attempt := 0
	payload, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		out, err := c.send(ctx, op, path, encoded)
		if err == nil {
			return out, nil
		}
		if !retryable(err, idempotent) {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("rest request failed, retrying",
			observability.F("op", op),
			observability.F("attempt", attempt),
			observability.Err(err))
		return nil, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.maxRetries+1)))

	latency := float64(c.clock().Sub(started).Microseconds()) / 1000
	span.SetAttributes(attribute.Int("attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.REST(ctx, op, string(errCode(err)), latency)
		return nil, err
	}
	c.metrics.REST(ctx, op, "ok", latency)
	return payload, nil
}

func (c *RESTClient) send(ctx context.Context, op, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New(Venue, errs.CodeTimeout, errs.WithOp(op), errs.WithMessage("rate limiter wait"), errs.WithCause(err))
	}
	nonce := c.nextNonce()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return nil, errs.New(Venue, errs.CodeInvalid, errs.WithOp(op), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("bfx-nonce", nonce)
	req.Header.Set("bfx-apikey", c.creds.APIKey)
	req.Header.Set("bfx-signature", sign(c.creds.APISecret, "/api/"+path+nonce+string(body)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.New(Venue, errs.CodeTimeout, errs.WithOp(op), errs.WithCause(err))
		}
		return nil, errs.New(Venue, errs.CodeNetwork, errs.WithOp(op), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.New(Venue, errs.CodeNetwork, errs.WithOp(op), errs.WithHTTP(resp.StatusCode), errs.WithCause(err))
	}
	if venueErr := venueError(op, resp.StatusCode, payload); venueErr != nil {
		return nil, venueErr
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.New(Venue, errs.CodeRateLimited, errs.WithOp(op), errs.WithHTTP(resp.StatusCode), errs.WithCanonical(errs.CanonicalRateLimited))
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, errs.New(Venue, errs.CodeUnavailable, errs.WithOp(op), errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(snippet(payload)))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, errs.New(Venue, errs.CodeExchange, errs.WithOp(op), errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(snippet(payload)))
	}
	return payload, nil
}

// nextNonce returns a strictly increasing microsecond nonce.
func (c *RESTClient) nextNonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := c.clock().UnixMicro()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// retryable reports whether a failed attempt may be repeated. Only idempotent calls
// retry ambiguous failures where the venue may already have acted.
func retryable(err error, idempotent bool) bool {
	var e *errs.E
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case errs.CodeRateLimited:
		return true
	case errs.CodeUnavailable:
		return idempotent || e.RawCode == strconv.Itoa(codeMaintenance)
	case errs.CodeNetwork, errs.CodeTimeout:
		return idempotent
	default:
		return false
	}
}

// venueError recognises the ["error", CODE, MESSAGE] body.
func venueError(op string, status int, payload []byte) error {
	root := gjson.ParseBytes(payload)
	if !root.IsArray() || root.Get("0").String() != "error" {
		return nil
	}
	code := root.Get("1").Int()
	msg := root.Get("2").String()
	opts := []errs.Option{
		errs.WithOp(op),
		errs.WithHTTP(status),
		errs.WithRawCode(strconv.FormatInt(code, 10)),
		errs.WithRawMessage(msg),
	}
	switch code {
	case codeRateLimit:
		return errs.New(Venue, errs.CodeRateLimited, append(opts, errs.WithCanonical(errs.CanonicalRateLimited))...)
	case codeMaintenance:
		return errs.New(Venue, errs.CodeUnavailable, opts...)
	case codeInvalidKey:
		return errs.New(Venue, errs.CodeAuth, append(opts, errs.WithCanonical(errs.CanonicalAuthFailed))...)
	}
	return errs.New(Venue, errs.CodeExchange, append(opts, errs.WithCanonical(canonicalFor(msg)), errs.WithMessage("request rejected"))...)
}

// notificationData checks a [MTS, TYPE, MSG_ID, _, DATA, CODE, STATUS, TEXT] reply and
// returns DATA.
func notificationData(payload []byte, op string) (gjson.Result, error) {
	root := gjson.ParseBytes(payload)
	fields := root.Array()
	if !root.IsArray() || len(fields) < 8 {
		return gjson.Result{}, errs.New(Venue, errs.CodeProtocol, errs.WithOp(op), errs.WithMessage("unexpected reply shape"), errs.WithRawMessage(snippet(payload)))
	}
	status := strings.ToUpper(fields[6].String())
	if status == "SUCCESS" {
		return fields[4], nil
	}
	text := fields[7].String()
	return gjson.Result{}, errs.New(Venue, errs.CodeExchange,
		errs.WithOp(op),
		errs.WithMessage("request rejected"),
		errs.WithRawCode(fields[5].String()),
		errs.WithRawMessage(text),
		errs.WithCanonical(canonicalFor(text)))
}

func canonicalFor(msg string) errs.CanonicalCode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not enough") && strings.Contains(lower, "balance"):
		return errs.CanonicalInsufficientBalance
	case strings.Contains(lower, "symbol"):
		return errs.CanonicalInvalidSymbol
	case strings.Contains(lower, "not found"):
		return errs.CanonicalOrderNotFound
	default:
		return errs.CanonicalOrderRejected
	}
}

func submitBody(req OrderRequest) (map[string]any, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	if req.Amount.IsZero() {
		return nil, errors.New("amount must be non-zero")
	}
	body := map[string]any{
		"symbol": "t" + symbol,
		"amount": req.Amount.String(),
	}
	if req.ClientID != 0 {
		body["cid"] = req.ClientID
	}
	switch req.Type {
	case schema.OrderTypeMarket, "":
		body["type"] = "EXCHANGE MARKET"
	case schema.OrderTypeLimit:
		body["type"] = "EXCHANGE LIMIT"
		body["price"] = req.LimitPrice.String()
	case schema.OrderTypeStopMarket:
		body["type"] = "EXCHANGE STOP"
		body["price"] = req.StopPrice.String()
	case schema.OrderTypeStopLimit:
		body["type"] = "EXCHANGE STOP LIMIT"
		body["price"] = req.StopPrice.String()
		body["price_aux_limit"] = req.LimitPrice.String()
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}
	return body, nil
}

// [ID, GID, CID, SYMBOL, MTS_CREATE, MTS_UPDATE, AMOUNT, AMOUNT_ORIG, TYPE, TYPE_PREV, MTS_TIF, _, FLAGS, STATUS, _, _, PRICE, PRICE_AVG, ...]
func placedOrderOf(entry gjson.Result) (PlacedOrder, bool) {
	fields := entry.Array()
	if len(fields) < 14 {
		return PlacedOrder{}, false
	}
	placed := PlacedOrder{
		BrokerID:   idOf(fields[0]),
		ClientID:   idOf(fields[2]),
		Symbol:     stripSymbol(fields[3].String()),
		Amount:     numberOf(fields[6]).Or(decimal.Zero),
		AmountOrig: numberOf(fields[7]).Or(decimal.Zero),
		Type:       fields[8].String(),
		Status:     fields[13].String(),
	}
	if placed.BrokerID == "" {
		return PlacedOrder{}, false
	}
	if len(fields) > 17 {
		placed.Price = numberOf(fields[16]).Or(decimal.Zero)
		placed.AvgPrice = numberOf(fields[17]).Or(decimal.Zero)
	}
	return placed, true
}

func parseBrokerID(brokerID, op string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(brokerID), 10, 64)
	if err != nil {
		return 0, errs.New(Venue, errs.CodeInvalid, errs.WithOp(op), errs.WithMessage("broker id must be numeric"), errs.WithCause(err))
	}
	return id, nil
}

func decimalOf(v any) decimal.Decimal {
	switch n := v.(type) {
	case json.Number:
		return wire.ParseNumber(n.String()).Or(decimal.Zero)
	case string:
		return wire.ParseNumber(n).Or(decimal.Zero)
	default:
		return decimal.Zero
	}
}

func errCode(err error) errs.Code {
	var e *errs.E
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "error"
}

func snippet(payload []byte) string {
	const limit = 256
	text := strings.TrimSpace(string(payload))
	if len(text) > limit {
		text = text[:limit]
	}
	return text
}
