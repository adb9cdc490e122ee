package command

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrBlank      = errors.New("command: blank name, key or value")
	ErrRegistered = errors.New("command: already registered")
)

// Commander is implemented by anything that can be turned into a Command and
// edited before sending: a debugging front-end lists them, lets the user change
// name and arguments, and fires them.
type Commander interface {
	Name() string
	SetName(name string) error
	Args() []Arg
	SetArgs(args []Arg) error
	// Command snapshots the current name and arguments.
	Command() (Command, error)
}

// Sender is a Commander notified after its command was delivered to a peer.
type Sender interface {
	Commander
	OnSent()
}

// Receiver is a Commander notified when a command with its name arrives.
type Receiver interface {
	Commander
	OnReceived(cmd Command)
}

// Base is an embeddable, goroutine-safe Commander.
//
//	type Deploy struct{ command.Base }
//	func (d *Deploy) OnSent() { ... }
type Base struct {
	mu   sync.Mutex
	name string
	args []Arg
}

// NewBase returns a Base with the given name and arguments. Invalid input is
// kept as-is and surfaces when Command is called.
func NewBase(name string, args ...Arg) *Base {
	return &Base{name: name, args: append([]Arg(nil), args...)}
}

// Init sets name and arguments on an embedded Base.
func (b *Base) Init(name string, args ...Arg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
	b.args = append([]Arg(nil), args...)
}

func (b *Base) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// SetName rejects blank names.
func (b *Base) SetName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrBlank
	}
	if strings.ContainsRune(name, ' ') {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
	return nil
}

func (b *Base) Args() []Arg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Arg(nil), b.args...)
}

// SetArgs replaces every argument after checking keys are non-empty and unique.
func (b *Base) SetArgs(args []Arg) error {
	if _, err := New("x", args...); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.args = append([]Arg(nil), args...)
	return nil
}

// AddArg appends key=value. It returns false if key already exists.
func (b *Base) AddArg(key, value string) (bool, error) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
		return false, ErrBlank
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.args {
		if a.Key == key {
			return false, nil
		}
	}
	b.args = append(b.args, Arg{Key: key, Value: value})
	return true, nil
}

// UpdateArg changes the value of an existing key. It returns false if key is
// missing.
func (b *Base) UpdateArg(key, value string) (bool, error) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
		return false, ErrBlank
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.args {
		if b.args[i].Key == key {
			b.args[i].Value = value
			return true, nil
		}
	}
	return false, nil
}

// RemoveArg deletes key. It returns false if key is missing.
func (b *Base) RemoveArg(key string) (bool, error) {
	if key == "" {
		return false, ErrBlank
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.args {
		if b.args[i].Key == key {
			b.args = append(b.args[:i], b.args[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (b *Base) Command() (Command, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return New(b.name, b.args...)
}

// Catalog is the explicit list of command types an application knows about.
// The embedding application registers them at startup.
type Catalog struct {
	mu        sync.RWMutex
	senders   []Sender
	receivers map[string]Receiver
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{receivers: make(map[string]Receiver)}
}

// RegisterSender adds s. Two senders may not share a name.
func (c *Catalog) RegisterSender(s Sender) error {
	name := s.Name()
	if name == "" {
		return ErrEmptyName
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.senders {
		if existing.Name() == name {
			return fmt.Errorf("%w: sender %q", ErrRegistered, name)
		}
	}
	c.senders = append(c.senders, s)
	return nil
}

// RegisterReceiver adds r, keyed by its name at registration time.
func (c *Catalog) RegisterReceiver(r Receiver) error {
	name := r.Name()
	if name == "" {
		return ErrEmptyName
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.receivers[name]; ok {
		return fmt.Errorf("%w: receiver %q", ErrRegistered, name)
	}
	c.receivers[name] = r
	return nil
}

// Senders returns the registered senders in registration order.
func (c *Catalog) Senders() []Sender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Sender(nil), c.senders...)
}

// Sender looks a sender up by its current name.
func (c *Catalog) Sender(name string) (Sender, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.senders {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Receiver looks a receiver up by command name.
func (c *Catalog) Receiver(name string) (Receiver, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.receivers[name]
	return r, ok
}
