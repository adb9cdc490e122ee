// Package client is the single-connection side of tasksocket: it dials one
// server, sends commands, and receives on a background loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tasksocket/codec"
	"tasksocket/command"
	"tasksocket/config"
	"tasksocket/discovery"
	"tasksocket/loadbalance"
	"tasksocket/metrics"
	"tasksocket/protocol"
	"tasksocket/result"
	"tasksocket/transport"
)

const (
	DefaultRetries     = 3
	DefaultMessageSize = 64
)

// Message is one inbound message. Command is set when Text parses as a
// command; otherwise Err says why it does not.
type Message struct {
	Kind     codec.Kind
	Text     string
	Bytes    []byte // only for KindBytes frames
	Command  command.Command
	Err      error
	Received time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithConfig(cfg *config.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithCatalog dispatches inbound commands to the matching Receiver.
func WithCatalog(cat *command.Catalog) Option {
	return func(c *Client) { c.catalog = cat }
}

// WithRetries sets how often a refused or timed out dial is retried.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// Client is one connection to a server. Sends are serialized; inbound
// messages arrive on Messages until the connection ends.
type Client struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	catalog *command.Catalog
	retries int

	conn      net.Conn
	writeMu   sync.Mutex
	messages  chan Message
	cancel    context.CancelFunc
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

func newClient(opts []Option) *Client {
	c := &Client{retries: DefaultRetries}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg == nil {
		c.cfg = config.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.catalog == nil {
		c.catalog = command.NewCatalog()
	}
	return c
}

// Dial connects to address over TCP, retrying refused and timed out attempts
// with exponential backoff, and starts the receive loop. ctx bounds the dial
// only.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	c := newClient(opts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		r := transport.ConnectTimeout(ctx, "tcp", address, c.cfg.Timeouts().Connect)
		if r.Success() {
			conn = r.Value()
			return nil
		}
		c.metrics.Failure("connect", r.Kind().String())
		switch r.Kind() {
		case result.KindRefused, result.KindTimeout, result.KindReset:
			c.logger.Debug("dial failed", zap.String("addr", address), zap.Int("attempt", attempt), zap.String("error", r.Error()))
			return r.Err()
		}
		return backoff.Permanent(r.Err())
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.retries, 0))), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", address, err)
	}

	c.start(conn)
	c.logger.Info("connected", zap.String("addr", address), zap.Stringer("local", conn.LocalAddr()))
	return c, nil
}

// DialService discovers the instances of service and dials the one bal picks.
func DialService(ctx context.Context, service string, disc discovery.Discovery, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	instances, err := disc.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("client: discover %q: %w", service, err)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("client: %s for %q: %w", bal.Name(), service, err)
	}
	return Dial(ctx, inst.Addr, opts...)
}

func (c *Client) start(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.messages = make(chan Message, DefaultMessageSize)
	c.done = make(chan struct{})
	go c.receiveLoop(ctx)
}

// receiveLoop reads until the peer closes, the read fails, or Close. Each
// read is bounded by the receive timeout; an idle peer is not a failure. The
// consumer must drain Messages; a full channel stalls the loop.
func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.messages)

	var assembler protocol.Assembler
	var buf []byte
	for {
		if size := c.cfg.BufferSize(); len(buf) != size {
			buf = make([]byte, size)
		}
		r := transport.ReceiveTimeout(c.conn, buf, 0, len(buf), c.cfg.Timeouts().Receive)
		switch {
		case c.closing.Load():
			return
		case r.Failure() && r.Kind() == result.KindTimeout:
			continue
		case r.Failure():
			c.metrics.Failure("receive", r.Kind().String())
			c.setErr(r.Err())
			return
		case r.Value() == 0:
			c.setErr(io.EOF)
			return
		}
		c.metrics.Received(r.Value())

		data := buf[:r.Value()]
		if c.cfg.Framing() != config.FramingLength {
			if !c.deliver(ctx, codec.KindText, data) {
				return
			}
			continue
		}
		frames, err := assembler.Feed(data)
		for _, f := range frames {
			if !c.deliver(ctx, codec.Kind(f.Kind), f.Body) {
				return
			}
		}
		if err != nil {
			c.setErr(fmt.Errorf("client: framing: %w", err))
			return
		}
	}
}

// deliver decodes one message, dispatches it and hands it to the consumer.
// It reports false when the client is closing.
func (c *Client) deliver(ctx context.Context, kind codec.Kind, body []byte) bool {
	m := Message{Kind: kind, Received: time.Now()}
	if kind == codec.KindBytes {
		m.Bytes = append([]byte(nil), body...)
	} else {
		p, err := codec.New(c.cfg.Encoding()).Decode(body, codec.KindText)
		if err != nil {
			m.Err = err
		} else {
			m.Text = p.Text
			m.Command, m.Err = codec.ParseCommand(p.Text)
		}
	}

	if m.Err == nil && !m.Command.IsZero() {
		if r, ok := c.catalog.Receiver(m.Command.Name()); ok {
			r.OnReceived(m.Command)
		}
	}

	select {
	case c.messages <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// Messages returns the inbound messages. The channel is closed when the
// connection ends; Err then reports why.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Err returns why the receive loop ended: io.EOF after a graceful close by
// the server, the failure otherwise, nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Client) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send encodes and sends cmd.
func (c *Client) Send(cmd command.Command) result.Result[int] {
	data, err := codec.New(c.cfg.Encoding()).EncodeCommand(cmd)
	if err != nil {
		return result.Fail(0, result.KindIO, err.Error())
	}
	return c.send(protocol.KindCommand, data)
}

// SendText sends text in the configured encoding.
func (c *Client) SendText(text string) result.Result[int] {
	data, err := codec.New(c.cfg.Encoding()).EncodeText(text)
	if err != nil {
		return result.Fail(0, result.KindIO, err.Error())
	}
	return c.send(protocol.KindText, data)
}

// SendSender sends the command of s and calls s.OnSent after delivery.
func (c *Client) SendSender(s command.Sender) result.Result[int] {
	cmd, err := s.Command()
	if err != nil {
		return result.Fail(0, result.KindIO, err.Error())
	}
	r := c.Send(cmd)
	if r.Success() {
		s.OnSent()
	}
	return r
}

// SendFile streams the file at path; with length framing as one bytes frame.
func (c *Client) SendFile(path string) result.Result[int64] {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing.Load() {
		return result.Fail[int64](0, result.KindClosed, "client: closed")
	}
	timeout := c.cfg.Timeouts().Send

	if c.cfg.Framing() != config.FramingLength {
		r := transport.SendFileTimeout(c.conn, path, timeout)
		c.record(int(r.Value()), r.Status())
		return r
	}
	data, err := protocol.PackFile(path)
	if err != nil {
		return result.Fail[int64](0, transport.Classify(err), err.Error())
	}
	r := transport.SendTimeout(c.conn, data, 0, len(data), timeout)
	c.record(r.Value(), r.Status())
	if r.Failure() {
		return result.Fail(int64(r.Value()), r.Kind(), r.Error())
	}
	return result.Ok(int64(r.Value()))
}

func (c *Client) send(kind byte, data []byte) result.Result[int] {
	if c.cfg.Framing() == config.FramingLength {
		data = protocol.Pack(kind, data)
	}
	if len(data) == 0 {
		return result.Fail(0, result.KindIO, "client: empty message")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing.Load() {
		return result.Fail(0, result.KindClosed, "client: closed")
	}
	r := transport.SendTimeout(c.conn, data, 0, len(data), c.cfg.Timeouts().Send)
	c.record(r.Value(), r.Status())
	return r
}

func (c *Client) record(n int, s result.Status) {
	if s.Failure() {
		c.metrics.Failure("send", s.Kind().String())
		c.logger.Warn("send failed", zap.String("error", s.Error()))
		return
	}
	c.metrics.Sent(n)
}

// Close shuts the connection down and waits for the receive loop. It is
// safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closing.Store(true)
		c.writeMu.Unlock()

		c.cancel()
		c.closeErr = transport.Shutdown(c.conn)
		<-c.done
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}
