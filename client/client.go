// Package client implements a Go client for the osdd line protocol. One
// request is in flight at a time per Conn; a background read loop
// demultiplexes async "backoff ..." and "epoch ..." push lines from
// responses and keeps a client-side mirror of the backoffs currently
// plugging this connection.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krunerge/ceph/internal/protocol"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrBlocked    = errors.New("operation blocked by backoff")
	ErrNotFound   = errors.New("object not found")
	ErrMaxObjects = errors.New("max objects reached")
	ErrAuth       = errors.New("authentication failed")
	ErrTimeout    = errors.New("request timed out")
)

// Backoff is the client-side view of one plugged range.
type Backoff struct {
	Shard string
	ID    uint64
	Begin string
	End   string
}

// covers reports whether key falls inside the backoff's range.
func (b Backoff) covers(key string) bool {
	if b.Begin == b.End {
		return key == b.Begin
	}
	return key >= b.Begin && key < b.End
}

// Event is one push message delivered to observers.
type Event struct {
	Type  string // "block", "unblock", "epoch"
	Shard string
	ID    uint64
	Begin string
	End   string
	Epoch uint64
}

type Options struct {
	autoAck        bool
	eventBuffer    int
	requestTimeout time.Duration
}

type Option func(*Options)

// WithAutoAck controls whether pushes are acknowledged automatically
// (default true). Disable it to drive the ack handshake by hand.
func WithAutoAck(on bool) Option {
	return func(o *Options) { o.autoAck = on }
}

// WithEventBuffer sets the Events channel capacity (default 64). Events are
// dropped when the buffer is full.
func WithEventBuffer(n int) Option {
	return func(o *Options) { o.eventBuffer = n }
}

// WithRequestTimeout bounds each request round trip (default 30s).
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.requestTimeout = d }
}

type Conn struct {
	conn net.Conn
	opts Options

	mu     sync.Mutex // serializes request/response round trips
	respCh chan string

	done      chan struct{}
	closeOnce sync.Once

	events chan Event
	epoch  atomic.Uint64

	bmu      sync.Mutex
	backoffs map[string]map[uint64]Backoff // shard -> id -> backoff
	change   chan struct{}                 // closed and replaced on every map change
}

func newConn(nc net.Conn, opts []Option) *Conn {
	o := Options{autoAck: true, eventBuffer: 64, requestTimeout: 30 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	c := &Conn{
		conn:     nc,
		opts:     o,
		respCh:   make(chan string, 1),
		done:     make(chan struct{}),
		events:   make(chan Event, o.eventBuffer),
		backoffs: make(map[string]map[uint64]Backoff),
		change:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to an osdd server.
func Dial(addr string, opts ...Option) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConn(nc, opts), nil
}

// DialTLS connects with TLS.
func DialTLS(addr string, cfg *tls.Config, opts ...Option) (*Conn, error) {
	nc, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return newConn(nc, opts), nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

// Events returns the push-event channel. Events are dropped when no one
// drains it.
func (c *Conn) Events() <-chan Event { return c.events }

// Epoch returns the largest map epoch pushed by the server.
func (c *Conn) Epoch() uint64 { return c.epoch.Load() }

// Backoffs snapshots the backoffs currently plugging shard.
func (c *Conn) Backoffs(shard string) []Backoff {
	c.bmu.Lock()
	defer c.bmu.Unlock()
	out := []Backoff{}
	for _, b := range c.backoffs[shard] {
		out = append(out, b)
	}
	return out
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			c.Close()
			close(c.respCh)
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "backoff "):
			c.handleBackoffPush(line)
		case strings.HasPrefix(line, "epoch "):
			c.handleEpochPush(line)
		default:
			select {
			case c.respCh <- line:
			default:
				// No request is waiting; drop to keep the loop alive.
			}
		}
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Conn) noteChange() {
	close(c.change)
	c.change = make(chan struct{})
}

func (c *Conn) handleBackoffPush(line string) {
	ev, err := protocol.ParseBackoffEvent(line)
	if err != nil {
		return
	}
	c.bmu.Lock()
	if ev.Unblock {
		if m := c.backoffs[ev.Shard]; m != nil {
			delete(m, ev.ID)
			if len(m) == 0 {
				delete(c.backoffs, ev.Shard)
			}
		}
	} else {
		m := c.backoffs[ev.Shard]
		if m == nil {
			m = make(map[uint64]Backoff)
			c.backoffs[ev.Shard] = m
		}
		m[ev.ID] = Backoff{Shard: ev.Shard, ID: ev.ID, Begin: ev.Begin, End: ev.End}
	}
	c.noteChange()
	c.bmu.Unlock()

	typ := "block"
	if ev.Unblock {
		typ = "unblock"
	}
	c.emit(Event{Type: typ, Shard: ev.Shard, ID: ev.ID, Begin: ev.Begin, End: ev.End})

	if c.opts.autoAck {
		// Both block and unblock want the same ack; the unblock ack is the
		// removal handshake that lets the server drop its deleting record.
		go c.AckBackoff(ev.Shard, ev.ID, ev.Begin, ev.End)
	}
}

func (c *Conn) handleEpochPush(line string) {
	e, err := protocol.ParseEpochEvent(line)
	if err != nil {
		return
	}
	for {
		cur := c.epoch.Load()
		if e <= cur || c.epoch.CompareAndSwap(cur, e) {
			break
		}
	}
	c.emit(Event{Type: "epoch", Epoch: e})
	if c.opts.autoAck {
		go c.ReportEpoch(e)
	}
}

func (c *Conn) sendRecv(cmd, key, arg string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return "", ErrClosed
	default:
	}

	if _, err := c.conn.Write([]byte(cmd + "\n" + key + "\n" + arg + "\n")); err != nil {
		return "", err
	}

	timer := time.NewTimer(c.opts.requestTimeout)
	defer timer.Stop()
	select {
	case line, ok := <-c.respCh:
		if !ok {
			return "", ErrClosed
		}
		return line, nil
	case <-c.done:
		return "", ErrClosed
	case <-timer.C:
		return "", ErrTimeout
	}
}

func validateToken(name, v string) error {
	if v == "" {
		return fmt.Errorf("empty %s", name)
	}
	if strings.ContainsAny(v, " \t\r\n") {
		return fmt.Errorf("%s must not contain whitespace", name)
	}
	return nil
}

func statusErr(resp string) error {
	status, _, _ := strings.Cut(resp, " ")
	switch status {
	case "ok":
		return nil
	case "blocked":
		return ErrBlocked
	case "notfound":
		return ErrNotFound
	case "error_max_objects":
		return ErrMaxObjects
	case "error_auth":
		return ErrAuth
	default:
		return fmt.Errorf("server error: %s", resp)
	}
}

// Authenticate performs the auth handshake; required first when the server
// has an auth token configured.
func Authenticate(c *Conn, token string) error {
	resp, err := c.sendRecv("auth", "-", token)
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// Put stores value under shard/object. Returns ErrBlocked while the range
// is plugged.
func (c *Conn) Put(shard, object, value string) error {
	if err := validateToken("shard", shard); err != nil {
		return err
	}
	if err := validateToken("object", object); err != nil {
		return err
	}
	resp, err := c.sendRecv("put", shard+"/"+object, value)
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// Get fetches shard/object. Returns ErrNotFound for absent objects and
// ErrBlocked while the range is plugged.
func (c *Conn) Get(shard, object string) (string, error) {
	if err := validateToken("shard", shard); err != nil {
		return "", err
	}
	if err := validateToken("object", object); err != nil {
		return "", err
	}
	resp, err := c.sendRecv("get", shard+"/"+object, "")
	if err != nil {
		return "", err
	}
	if err := statusErr(resp); err != nil {
		return "", err
	}
	_, value, _ := strings.Cut(resp, " ")
	return value, nil
}

// Del removes shard/object. Returns ErrBlocked while the range is plugged.
func (c *Conn) Del(shard, object string) error {
	if err := validateToken("shard", shard); err != nil {
		return err
	}
	if err := validateToken("object", object); err != nil {
		return err
	}
	resp, err := c.sendRecv("del", shard+"/"+object, "")
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// AckBackoff acknowledges a backoff push by identity. Only needed when
// auto-ack is disabled.
func (c *Conn) AckBackoff(shard string, id uint64, begin, end string) error {
	resp, err := c.sendRecv("ack", shard, fmt.Sprintf("%d %s %s", id, begin, end))
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// ReportEpoch reports the largest map epoch this client has seen.
func (c *Conn) ReportEpoch(e uint64) error {
	resp, err := c.sendRecv("epoch", "-", strconv.FormatUint(e, 10))
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// Block degrades [begin, end) on shard (admin).
func (c *Conn) Block(shard, begin, end string) error {
	resp, err := c.sendRecv("block", shard, begin+" "+end)
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// Unblock recovers [begin, end) on shard (admin). Returns the number of
// backoffs released.
func (c *Conn) Unblock(shard, begin, end string) (int, error) {
	resp, err := c.sendRecv("unblock", shard, begin+" "+end)
	if err != nil {
		return 0, err
	}
	if err := statusErr(resp); err != nil {
		return 0, err
	}
	_, extra, _ := strings.Cut(resp, " ")
	n, _ := strconv.Atoi(extra)
	return n, nil
}

// RecoverShard recovers a whole shard (admin). Returns the number of
// backoffs released.
func (c *Conn) RecoverShard(shard string) (int, error) {
	resp, err := c.sendRecv("recover", shard, "")
	if err != nil {
		return 0, err
	}
	if err := statusErr(resp); err != nil {
		return 0, err
	}
	_, extra, _ := strings.Cut(resp, " ")
	n, _ := strconv.Atoi(extra)
	return n, nil
}

// Stats fetches the server's JSON stats snapshot.
func (c *Conn) Stats() (string, error) {
	resp, err := c.sendRecv("stats", "-", "")
	if err != nil {
		return "", err
	}
	if err := statusErr(resp); err != nil {
		return "", err
	}
	_, extra, _ := strings.Cut(resp, " ")
	return extra, nil
}

// WaitUnblocked blocks until no known backoff covers (shard, key), or ctx
// is done.
func (c *Conn) WaitUnblocked(ctx context.Context, shard, key string) error {
	for {
		c.bmu.Lock()
		covered := false
		for _, b := range c.backoffs[shard] {
			if b.covers(key) {
				covered = true
				break
			}
		}
		ch := c.change
		c.bmu.Unlock()
		if !covered {
			return nil
		}
		select {
		case <-ch:
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PutWait is Put that waits out backoffs: on ErrBlocked it waits for the
// covering backoff to clear and retries.
func (c *Conn) PutWait(ctx context.Context, shard, object, value string) error {
	for {
		err := c.Put(shard, object, value)
		if !errors.Is(err, ErrBlocked) {
			return err
		}
		// The block push may not have landed yet when the blocked
		// response arrives; poll with a short delay as well as waiting
		// for mirror changes.
		if err := c.WaitUnblocked(ctx, shard, object); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
