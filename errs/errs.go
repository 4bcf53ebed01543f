// Package errs provides the structured error envelope shared by venuelink components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the transport-level category of a failure.
type Code string

const (
	// CodeAuth indicates the venue refused the supplied credentials.
	CodeAuth Code = "auth"
	// CodeNetwork indicates a transport failure (dial, read, write, close).
	CodeNetwork Code = "network"
	// CodeProtocol indicates a frame or response that does not follow the venue grammar.
	CodeProtocol Code = "protocol"
	// CodeTimeout indicates a bounded wait expired before the venue replied.
	CodeTimeout Code = "timeout"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates the venue processed the request and rejected it.
	CodeExchange Code = "exchange_error"
	// CodeRateLimited indicates the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the venue is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeState indicates the operation is not valid in the current session state.
	CodeState Code = "state"
)

// CanonicalCode captures venue-agnostic failure categories consumed by the trading engine.
type CanonicalCode string

const (
	CanonicalUnknown             CanonicalCode = "unknown"
	CanonicalAuthFailed          CanonicalCode = "auth_failed"
	CanonicalOrderRejected       CanonicalCode = "order_rejected"
	CanonicalOrderNotFound       CanonicalCode = "order_not_found"
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	CanonicalInvalidSymbol       CanonicalCode = "invalid_symbol"
	CanonicalRateLimited         CanonicalCode = "rate_limited"
)

// E is the error envelope produced across venuelink.
type E struct {
	Venue     string
	Op        string
	Code      Code
	Canonical CanonicalCode
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithOp records the operation that failed, e.g. "submit_order" or "auth".
func WithOp(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Op = trimmed
	}
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the HTTP status returned by the venue.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the venue's own error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the venue's own error text.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the wrapped cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonical sets the canonical category. Blank values keep CanonicalUnknown.
func WithCanonical(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	fields := map[string]string{}
	if e.Op != "" {
		fields["op"] = e.Op
	}
	if e.Canonical != "" && e.Canonical != CanonicalUnknown {
		fields["canonical"] = string(e.Canonical)
	}
	if e.HTTP > 0 {
		fields["http"] = strconv.Itoa(e.HTTP)
	}
	if e.RawCode != "" {
		fields["raw_code"] = strconv.Quote(e.RawCode)
	}
	if e.RawMsg != "" {
		fields["raw_msg"] = strconv.Quote(e.RawMsg)
	}

	var b strings.Builder
	venue := e.Venue
	if venue == "" {
		venue = "unknown"
	}
	code := string(e.Code)
	if code == "" {
		code = "unknown"
	}
	b.WriteString(venue)
	b.WriteString(": ")
	b.WriteString(code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(fields[k])
		}
		b.WriteByte(']')
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an envelope with the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CanonicalOf returns the canonical category of err, or CanonicalUnknown.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if !errors.As(err, &e) {
		return CanonicalUnknown
	}
	return e.Canonical
}

// IsRetryable reports whether a command that failed with err may be retried.
// Venue rejections, auth failures and caller mistakes are final.
func IsRetryable(err error) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeNetwork, CodeTimeout, CodeUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}
