// Package command defines the Command value exchanged over a tasksocket
// connection and the capability interfaces implemented by business code that
// produces or consumes commands.
//
// A Command is a named remote invocation with ordered keyword arguments:
//
//	deploy env prod force true
//	└─name─┘└key┘└val┘└key┘└val┘
//
// Commands are immutable once built; the codec package serializes them.
package command

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyName    = errors.New("command: empty name")
	ErrInvalidName  = errors.New("command: name must not contain spaces")
	ErrEmptyKey     = errors.New("command: empty argument key")
	ErrDuplicateKey = errors.New("command: duplicate argument key")
)

// Arg is one keyword argument.
type Arg struct {
	Key   string
	Value string
}

// A builds an Arg; it keeps argument lists short at call sites.
func A(key, value string) Arg {
	return Arg{Key: key, Value: value}
}

// Command is an immutable remote invocation.
type Command struct {
	name string
	args []Arg
}

// New builds a Command. The name must be non-empty and free of spaces; keys
// must be non-empty and unique. Argument order is preserved.
func New(name string, args ...Arg) (Command, error) {
	if name == "" {
		return Command{}, ErrEmptyName
	}
	if strings.ContainsRune(name, ' ') {
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	seen := make(map[string]struct{}, len(args))
	for _, a := range args {
		if a.Key == "" {
			return Command{}, ErrEmptyKey
		}
		if _, dup := seen[a.Key]; dup {
			return Command{}, fmt.Errorf("%w: %q", ErrDuplicateKey, a.Key)
		}
		seen[a.Key] = struct{}{}
	}
	c := Command{name: name}
	if len(args) > 0 {
		c.args = append([]Arg(nil), args...)
	}
	return c, nil
}

// MustNew is New for literals known to be valid. It panics on error.
func MustNew(name string, args ...Arg) Command {
	c, err := New(name, args...)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the command name.
func (c Command) Name() string { return c.name }

// Args returns a copy of the arguments in insertion order.
func (c Command) Args() []Arg {
	if len(c.args) == 0 {
		return nil
	}
	return append([]Arg(nil), c.args...)
}

// Len returns the number of arguments.
func (c Command) Len() int { return len(c.args) }

// IsZero reports whether c is the zero Command (no name).
func (c Command) IsZero() bool { return c.name == "" }

// Get returns the value of key.
func (c Command) Get(key string) (string, bool) {
	for _, a := range c.args {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Map returns the arguments as a map. Order is lost.
func (c Command) Map() map[string]string {
	m := make(map[string]string, len(c.args))
	for _, a := range c.args {
		m[a.Key] = a.Value
	}
	return m
}

// Equal reports whether both commands have the same name and the same
// arguments in the same order.
func (c Command) Equal(o Command) bool {
	if c.name != o.name || len(c.args) != len(o.args) {
		return false
	}
	for i := range c.args {
		if c.args[i] != o.args[i] {
			return false
		}
	}
	return true
}

// String returns the display form "name --key value ...". This is not the
// wire form; use codec.EncodeCommand for that.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(c.name)
	for _, a := range c.args {
		b.WriteString(" --")
		b.WriteString(a.Key)
		b.WriteByte(' ')
		b.WriteString(a.Value)
	}
	return b.String()
}

// Arguments returns one "--key value" string per argument.
func (c Command) Arguments() []string {
	out := make([]string, 0, len(c.args))
	for _, a := range c.args {
		out = append(out, "--"+a.Key+" "+a.Value)
	}
	return out
}
