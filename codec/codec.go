// Package codec converts between bytes on the wire and the three payload
// shapes tasksocket understands: raw bytes, text and commands.
//
// Command wire format (text mode):
//
//	<name>( <key> <value>)*
//
// Tokens are separated by exactly one space and nothing is escaped, so names,
// keys and values must not contain spaces. There is no delimiter: one message
// is whatever one transport read returns, unless length framing is enabled
// (see the protocol package).
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"tasksocket/command"
)

var (
	ErrMalformedCommand = errors.New("codec: malformed command")
	ErrUnsupportedKind  = errors.New("codec: unsupported decode kind")
)

// Kind selects the decode target.
type Kind byte

const (
	KindBytes   Kind = 0 // Raw bytes, returned as-is
	KindText    Kind = 1 // Text in the configured encoding
	KindCommand Kind = 2 // Parsed Command
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindCommand:
		return "command"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	return k == KindBytes || k == KindText || k == KindCommand
}

// Payload is the decoded form of a message. Only the field matching Kind is set.
type Payload struct {
	Kind    Kind
	Bytes   []byte
	Text    string
	Command command.Command
}

// Codec encodes and decodes with one text encoding. It is safe for concurrent use.
type Codec struct {
	enc encoding.Encoding
}

// New returns a Codec for enc. A nil enc means UTF-8.
func New(enc encoding.Encoding) *Codec {
	if enc == nil {
		enc = unicode.UTF8
	}
	return &Codec{enc: enc}
}

// EncodeText encodes s with the codec's text encoding.
func (c *Codec) EncodeText(s string) ([]byte, error) {
	b, err := c.enc.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("codec: encode text: %w", err)
	}
	return []byte(b), nil
}

// EncodeCommand serializes cmd as "name key value key value ...".
// A token containing a space could not be decoded back, so it is rejected.
func (c *Codec) EncodeCommand(cmd command.Command) ([]byte, error) {
	if cmd.IsZero() {
		return nil, fmt.Errorf("%w: empty name", ErrMalformedCommand)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString(cmd.Name())
	for _, a := range cmd.Args() {
		if strings.ContainsRune(a.Key, ' ') || strings.ContainsRune(a.Value, ' ') {
			return nil, fmt.Errorf("%w: argument %q contains a space", ErrMalformedCommand, a.Key)
		}
		buf.WriteByte(' ')
		buf.WriteString(a.Key)
		buf.WriteByte(' ')
		buf.WriteString(a.Value)
	}
	return c.EncodeText(buf.String())
}

// Decode decodes data into the requested kind.
func (c *Codec) Decode(data []byte, kind Kind) (Payload, error) {
	switch kind {
	case KindBytes:
		return Payload{Kind: KindBytes, Bytes: data}, nil
	case KindText:
		s, err := c.DecodeText(data)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: KindText, Text: s}, nil
	case KindCommand:
		cmd, err := c.DecodeCommand(data)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: KindCommand, Command: cmd}, nil
	}
	return Payload{}, fmt.Errorf("%w: %s (supported: %s, %s, %s)",
		ErrUnsupportedKind, kind, KindBytes, KindText, KindCommand)
}

// DecodeText decodes data with the codec's text encoding.
func (c *Codec) DecodeText(data []byte) (string, error) {
	s, err := c.enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("codec: decode text: %w", err)
	}
	return string(s), nil
}

// DecodeCommand parses data as a command. Token 0 is the name, the rest are
// consumed as (key, value) pairs in order. A dangling key is an error.
func (c *Codec) DecodeCommand(data []byte) (command.Command, error) {
	s, err := c.DecodeText(data)
	if err != nil {
		return command.Command{}, err
	}
	return ParseCommand(s)
}

// ParseCommand parses the text form of a command.
func ParseCommand(s string) (command.Command, error) {
	tokens := strings.Split(s, " ")
	if tokens[0] == "" {
		return command.Command{}, fmt.Errorf("%w: empty name", ErrMalformedCommand)
	}
	rest := tokens[1:]
	if len(rest)%2 != 0 {
		return command.Command{}, fmt.Errorf("%w: %d argument tokens do not form key/value pairs", ErrMalformedCommand, len(rest))
	}

	args := make([]command.Arg, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		args = append(args, command.Arg{Key: rest[i], Value: rest[i+1]})
	}
	cmd, err := command.New(tokens[0], args...)
	if err != nil {
		return command.Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return cmd, nil
}
