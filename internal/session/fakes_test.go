package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// fakeVenue answers control messages the way the venue does and keeps an ordered
// journal of what the session wrote, interleaved with state transitions.
type fakeVenue struct {
	mu          sync.Mutex
	dials       int
	failDials   int
	conns       []*fakeConn
	nextChannel int64
	journal     []string
	authReject  bool
	silent      map[string]bool
	walletReply string
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{silent: make(map[string]bool)}
}

func (v *fakeVenue) Dial(_ context.Context, _ string) (Conn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dials++
	v.journal = append(v.journal, "dial")
	if v.failDials > 0 {
		v.failDials--
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{
		venue:   v,
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
	v.conns = append(v.conns, conn)
	return conn, nil
}

func (v *fakeVenue) record(entry string) {
	v.mu.Lock()
	v.journal = append(v.journal, entry)
	v.mu.Unlock()
}

func (v *fakeVenue) dialCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dials
}

func (v *fakeVenue) conn(i int) *fakeConn {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conns[i]
}

func (v *fakeVenue) last() *fakeConn {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conns[len(v.conns)-1]
}

func (v *fakeVenue) set(fn func(v *fakeVenue)) {
	v.mu.Lock()
	fn(v)
	v.mu.Unlock()
}

// since returns the journal entries recorded after the last occurrence of marker.
func (v *fakeVenue) since(marker string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := 0
	for i, entry := range v.journal {
		if entry == marker {
			start = i + 1
		}
	}
	return append([]string(nil), v.journal[start:]...)
}

func (v *fakeVenue) handle(c *fakeConn, data []byte) {
	msg := gjson.ParseBytes(data)
	var entry, reply string

	v.mu.Lock()
	switch {
	case msg.IsArray() && msg.Get("1").String() == "calc":
		entry = "calc"
		reply = v.walletReply
	case msg.Get("event").String() == "subscribe":
		channel := msg.Get("channel").String()
		symbol := strings.TrimPrefix(msg.Get("symbol").String(), "t")
		entry = "subscribe:" + channel + ":" + symbol
		if !v.silent[symbol] {
			v.nextChannel++
			reply = fmt.Sprintf(`{"event":"subscribed","channel":%q,"chanId":%d,"symbol":"t%s","pair":%q}`,
				channel, v.nextChannel, symbol, symbol)
		}
	case msg.Get("event").String() == "unsubscribe":
		entry = "unsubscribe:" + msg.Get("chanId").Raw
		reply = fmt.Sprintf(`{"event":"unsubscribed","status":"OK","chanId":%s}`, msg.Get("chanId").Raw)
	case msg.Get("event").String() == "auth":
		entry = "auth"
		reply = `{"event":"auth","status":"OK","chanId":0,"userId":1}`
		if v.authReject {
			reply = `{"event":"auth","status":"FAILED","chanId":0,"code":10100,"msg":"apikey: invalid"}`
		}
	case msg.Get("event").String() == "unauth":
		entry = "unauth"
	default:
		entry = "unknown:" + string(data)
	}
	v.journal = append(v.journal, entry)
	v.mu.Unlock()

	if reply != "" {
		c.push(reply)
	}
}

type fakeConn struct {
	venue     *fakeVenue
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.venue.handle(c, data)
	return nil
}

func (c *fakeConn) Close(string) error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

// drop simulates the venue closing the socket.
func (c *fakeConn) drop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
