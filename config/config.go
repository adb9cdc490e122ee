// Package config holds the settings read by every encode, decode and receive
// call: receive buffer size, text encoding, framing mode and timeouts.
//
// A *Config is passed explicitly to the codec, server and client instead of
// living in package globals, so two servers (or two tests) never share state.
// Setters validate synchronously and keep the previous value on error.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

const (
	MinBufferSize     = 8
	MaxBufferSize     = 65535
	DefaultBufferSize = 1024

	DefaultEncoding = "utf-8"

	DefaultListenTimeout  = 3 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	DefaultReceiveTimeout = 3 * time.Second
	DefaultSendTimeout    = 3 * time.Second
	DefaultPollInterval   = 20 * time.Millisecond
)

var (
	ErrBufferSize   = fmt.Errorf("buffer size must be between %d and %d", MinBufferSize, MaxBufferSize)
	ErrEncoding     = errors.New("unknown text encoding")
	ErrFraming      = errors.New("unknown framing mode")
	ErrPollInterval = errors.New("poll interval must be positive")
)

// Framing selects how message boundaries are found on the byte stream.
type Framing uint8

const (
	// FramingNone treats one transport read as exactly one message.
	// Messages larger than the buffer, or several writes coalesced by TCP,
	// are split or merged. This is the plain text protocol.
	FramingNone Framing = iota
	// FramingLength prefixes every message with a protocol header carrying
	// its length. Both peers must use it.
	FramingLength
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLength:
		return "length"
	}
	return fmt.Sprintf("Framing(%d)", uint8(f))
}

// ParseFraming maps "none" / "length" to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "none", "":
		return FramingNone, nil
	case "length":
		return FramingLength, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrFraming, s)
}

// Timeouts bounds the timeout variants of the socket operations.
// A value below 1ns disables the bound for that operation.
type Timeouts struct {
	Listen  time.Duration // One accept of the server's accept loop
	Connect time.Duration // One dial attempt of the client
	Receive time.Duration // One read of the client's receive loop
	Send    time.Duration // One send or file transfer
}

// DefaultTimeouts returns 3s for every operation.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Listen:  DefaultListenTimeout,
		Connect: DefaultConnectTimeout,
		Receive: DefaultReceiveTimeout,
		Send:    DefaultSendTimeout,
	}
}

// Config is safe for concurrent use. Reads are cheap; writes are expected
// to be rare and outside steady-state traffic.
type Config struct {
	mu           sync.RWMutex
	bufferSize   int
	encoding     encoding.Encoding
	encodingName string
	framing      Framing
	timeouts     Timeouts
	pollInterval time.Duration
}

// New returns a Config with the defaults: 1024-byte buffers, UTF-8,
// no framing, 3s timeouts.
func New() *Config {
	return &Config{
		bufferSize:   DefaultBufferSize,
		encoding:     unicode.UTF8,
		encodingName: DefaultEncoding,
		framing:      FramingNone,
		timeouts:     DefaultTimeouts(),
		pollInterval: DefaultPollInterval,
	}
}

// BufferSize is the size of the buffer allocated per receive call.
func (c *Config) BufferSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bufferSize
}

// SetBufferSize changes the receive buffer size. Values outside
// [MinBufferSize, MaxBufferSize] are rejected and the current size is kept.
func (c *Config) SetBufferSize(size int) error {
	if size < MinBufferSize || size > MaxBufferSize {
		return fmt.Errorf("%w, got %d", ErrBufferSize, size)
	}
	c.mu.Lock()
	c.bufferSize = size
	c.mu.Unlock()
	return nil
}

// Encoding returns the text encoding used by the codec.
func (c *Config) Encoding() encoding.Encoding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encoding
}

// EncodingName returns the canonical name of the configured encoding.
func (c *Config) EncodingName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encodingName
}

// SetEncoding selects a text encoding by its WHATWG/IANA name
// ("utf-8", "latin1", "windows-1252", "shift_jis", ...).
func (c *Config) SetEncoding(name string) error {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrEncoding, name)
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = name
	}
	c.mu.Lock()
	c.encoding = enc
	c.encodingName = canonical
	c.mu.Unlock()
	return nil
}

// SetTextEncoding installs an encoding that has no registered name.
func (c *Config) SetTextEncoding(name string, enc encoding.Encoding) {
	if enc == nil {
		enc = unicode.UTF8
	}
	c.mu.Lock()
	c.encoding = enc
	c.encodingName = name
	c.mu.Unlock()
}

// Framing returns the framing mode.
func (c *Config) Framing() Framing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.framing
}

// SetFraming changes the framing mode.
func (c *Config) SetFraming(f Framing) error {
	if f != FramingNone && f != FramingLength {
		return fmt.Errorf("%w: %s", ErrFraming, f)
	}
	c.mu.Lock()
	c.framing = f
	c.mu.Unlock()
	return nil
}

// Timeouts returns the operation timeouts.
func (c *Config) Timeouts() Timeouts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeouts
}

// SetTimeouts replaces the operation timeouts.
func (c *Config) SetTimeouts(t Timeouts) {
	c.mu.Lock()
	c.timeouts = t
	c.mu.Unlock()
}

// PollInterval bounds each receive of the server fan-out loop, so one idle
// peer cannot stall the others.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pollInterval
}

// SetPollInterval changes the fan-out poll interval.
func (c *Config) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w, got %s", ErrPollInterval, d)
	}
	c.mu.Lock()
	c.pollInterval = d
	c.mu.Unlock()
	return nil
}
