// Package protocol implements the optional length-prefixed framing for
// tasksocket connections.
//
// The plain text protocol assumes that one transport read returns exactly one
// message. TCP does not guarantee that: large messages arrive in pieces and
// back-to-back writes may coalesce. With framing enabled every message carries
// a fixed 9-byte header; the receiver reads the header, then exactly BodyLen
// bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │k │ bodyLen │    body ...    │
//	│ tsk  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// k is the payload kind (codec.Kind value) so the receiver knows whether the
// body is raw bytes, text or a command.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Magic number bytes: "tsk". Rejects peers speaking the unframed protocol
// or something else entirely.
const (
	MagicNumber byte = 0x74 // 't'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x6b // 'k'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (kind) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a peer can force with a forged header.
	MaxBodyLen uint32 = 16 << 20
)

// Payload kinds, mirrored from the codec package to avoid an import cycle.
const (
	KindBytes   byte = 0
	KindText    byte = 1
	KindCommand byte = 2
)

// Header is the fixed frame header.
type Header struct {
	Kind    byte   // Payload kind
	BodyLen uint32 // Body length in bytes
}

// Frame is one complete message.
type Frame struct {
	Header
	Body []byte
}

func putHeader(buf []byte, h *Header) {
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.Kind
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLen)
}

func parseHeader(buf []byte) (Header, error) {
	if buf[0] != MagicNumber || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return Header{}, fmt.Errorf("invalid magic number: %x", buf[0:3])
	}
	if buf[3] != Version {
		return Header{}, fmt.Errorf("unsupported version: %d", buf[3])
	}
	if buf[4] != KindBytes && buf[4] != KindText && buf[4] != KindCommand {
		return Header{}, fmt.Errorf("unsupported payload kind: %d", buf[4])
	}
	bodyLen := binary.BigEndian.Uint32(buf[5:9])
	if bodyLen > MaxBodyLen {
		return Header{}, fmt.Errorf("body length %d exceeds limit %d", bodyLen, MaxBodyLen)
	}
	return Header{Kind: buf[4], BodyLen: bodyLen}, nil
}

// Pack returns header and body as one slice, ready for a single send.
func Pack(kind byte, body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	putHeader(out, &Header{Kind: kind, BodyLen: uint32(len(body))})
	copy(out[HeaderSize:], body)
	return out
}

// PackFile reads the file at path into one bytes frame. Files above
// MaxBodyLen are rejected.
func PackFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > int64(MaxBodyLen) {
		return nil, fmt.Errorf("%s: %d bytes exceed the frame limit of %d", path, info.Size(), MaxBodyLen)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Pack(KindBytes, body), nil
}

// Encode writes a complete frame to w. h.BodyLen is taken from body.
// Concurrent writers to the same w must serialize calls themselves.
func Encode(w io.Writer, h *Header, body []byte) error {
	h.BodyLen = uint32(len(body))
	buf := make([]byte, HeaderSize)
	putHeader(buf, h)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads one complete frame from r, blocking until it has arrived.
func Decode(r io.Reader) (*Frame, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}
	h, err := parseHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Frame{Header: h, Body: body}, nil
}

// Assembler rebuilds frames from arbitrary read boundaries. It is used where
// reads are bounded by timeouts and may stop in the middle of a frame.
// An Assembler is not safe for concurrent use.
type Assembler struct {
	buf []byte
}

// Feed appends p and returns every frame completed so far. After an error the
// stream is unrecoverable and the connection should be dropped.
func (a *Assembler) Feed(p []byte) ([]Frame, error) {
	a.buf = append(a.buf, p...)

	var frames []Frame
	for len(a.buf) >= HeaderSize {
		h, err := parseHeader(a.buf[:HeaderSize])
		if err != nil {
			a.buf = nil
			return frames, err
		}
		end := HeaderSize + int(h.BodyLen)
		if len(a.buf) < end {
			break
		}
		body := make([]byte, h.BodyLen)
		copy(body, a.buf[HeaderSize:end])
		frames = append(frames, Frame{Header: h, Body: body})
		a.buf = a.buf[end:]
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}
