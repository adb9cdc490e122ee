package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tasksocket/codec"
	"tasksocket/command"
	"tasksocket/config"
	"tasksocket/middleware"
	"tasksocket/protocol"
	"tasksocket/registry"
	"tasksocket/result"
	"tasksocket/transport"
)

var errEmptyMessage = errors.New("server: empty message")

// outcome is what one receive of a pass produced.
type outcome struct {
	ran    bool
	r      result.Result[int]
	frames []protocol.Frame
	err    error // framing error after the frames that were complete
}

// receiveFrom does one bounded receive. It runs on the pool; everything that
// touches shared state happens later in handleOutcome.
func (s *Server) receiveFrom(e *registry.Entry) outcome {
	buf := make([]byte, s.cfg.BufferSize())
	r := transport.ReceiveTimeout(e.Conn(), buf, 0, len(buf), s.cfg.PollInterval())
	o := outcome{ran: true, r: r}
	if r.Failure() || r.Value() == 0 {
		return o
	}

	data := buf[:r.Value()]
	if s.cfg.Framing() == config.FramingLength {
		o.frames, o.err = e.Assembler().Feed(data)
		return o
	}
	// Unframed: one read is one text message.
	o.frames = []protocol.Frame{{Header: protocol.Header{Kind: protocol.KindText, BodyLen: uint32(len(data))}, Body: data}}
	return o
}

func (s *Server) handleOutcome(ctx context.Context, e *registry.Entry, o outcome) {
	switch {
	case !o.ran:
		return
	case o.r.Failure() && o.r.Kind() == result.KindTimeout:
		return
	case o.r.Failure():
		// Disconnected during the pass: the read failed because of the teardown.
		if e.State() != registry.StateActive {
			return
		}
		s.drop(e, "receive", o.r.Status())
		return
	case o.r.Value() == 0:
		s.logger.Info("peer closed", zap.Stringer("conn", e.ID()))
		if err := s.conns.Remove(e.ID()); err != nil && !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn("teardown", zap.Stringer("conn", e.ID()), zap.Error(err))
		}
		return
	}

	s.metrics.Received(o.r.Value())
	for _, f := range o.frames {
		s.handleMessage(ctx, e, codec.Kind(f.Kind), f.Body)
	}
	if o.err != nil {
		s.drop(e, "receive", result.Failed(result.KindIO, o.err.Error()))
	}
}

// handleMessage appends one message to the backlog and, when it parses as a
// command, runs it through the middleware chain.
func (s *Server) handleMessage(ctx context.Context, e *registry.Entry, kind codec.Kind, body []byte) {
	if kind == codec.KindBytes {
		e.Append(string(body))
		return
	}

	c := s.codec()
	text, err := c.DecodeText(body)
	if err != nil {
		s.metrics.Failure("decode", kind.String())
		s.logger.Warn("undecodable message", zap.Stringer("conn", e.ID()), zap.Error(err))
		return
	}
	e.Append(text)

	cmd, err := codec.ParseCommand(text)
	if err != nil {
		if kind == codec.KindCommand {
			s.metrics.Failure("decode", kind.String())
			s.logger.Warn("malformed command", zap.Stringer("conn", e.ID()), zap.Error(err))
		}
		return
	}

	req := &middleware.Request{
		ConnID:   e.ID(),
		Remote:   e.RemoteAddr(),
		Command:  cmd,
		Received: time.Now(),
	}
	if err := s.handler(ctx, req); err != nil {
		s.logger.Debug("command rejected", zap.Stringer("conn", e.ID()), zap.String("command", cmd.Name()), zap.Error(err))
	}
}

// dispatch is the innermost handler: it hands the command to its Receiver.
// Commands without a Receiver only stay in the backlog.
func (s *Server) dispatch(ctx context.Context, req *middleware.Request) error {
	r, ok := s.catalog.Receiver(req.Command.Name())
	if !ok {
		return nil
	}
	r.OnReceived(req.Command)
	return nil
}

// Report holds the per-connection outcome of a broadcast.
type Report map[registry.ID]result.Result[int]

// Delivered returns the connections that accepted the whole message.
func (r Report) Delivered() []registry.ID {
	return r.filter(true)
}

// Failed returns the connections the send failed on. They have been torn down.
func (r Report) Failed() []registry.ID {
	return r.filter(false)
}

func (r Report) filter(success bool) []registry.ID {
	var ids []registry.ID
	for id, res := range r {
		if res.Success() == success {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Broadcast encodes cmd once and sends it to every Active connection in
// parallel. A connection the send fails on is torn down; the others still
// receive the command.
func (s *Server) Broadcast(ctx context.Context, cmd command.Command) (Report, error) {
	data, err := s.encodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	return s.broadcast(ctx, data)
}

// BroadcastSender broadcasts the command of sender and calls its OnSent once
// per delivery.
func (s *Server) BroadcastSender(ctx context.Context, sender command.Sender) (Report, error) {
	cmd, err := sender.Command()
	if err != nil {
		return nil, err
	}
	report, err := s.Broadcast(ctx, cmd)
	if err != nil {
		return nil, err
	}
	for range report.Delivered() {
		sender.OnSent()
	}
	return report, nil
}

func (s *Server) broadcast(ctx context.Context, data []byte) (Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.running.Load() {
		return nil, ErrNotRunning
	}

	entries := s.conns.Active()
	report := make(Report, len(entries))
	timeout := s.cfg.Timeouts().Send

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		send := func() {
			defer wg.Done()
			r := transport.SendTimeout(e.Conn(), data, 0, len(data), timeout)
			mu.Lock()
			report[e.ID()] = r
			mu.Unlock()
		}
		if err := s.pool.Submit(send); err != nil {
			send()
		}
	}
	wg.Wait()

	delivered := 0
	for _, e := range entries {
		r := report[e.ID()]
		if r.Success() {
			s.metrics.Sent(r.Value())
			delivered++
			continue
		}
		s.drop(e, "send", r.Status())
	}
	s.metrics.Broadcast(delivered)
	return report, nil
}

// SendTo sends cmd to one connection. A failed send tears it down.
func (s *Server) SendTo(id registry.ID, cmd command.Command) result.Result[int] {
	data, err := s.encodeCommand(cmd)
	if err != nil {
		return result.Fail(0, result.KindIO, err.Error())
	}
	return s.sendTo(id, data)
}

// SendText sends text, encoded with the configured encoding, to one connection.
func (s *Server) SendText(id registry.ID, text string) result.Result[int] {
	data, err := s.encodeText(text)
	if err != nil {
		return result.Fail(0, result.KindIO, err.Error())
	}
	return s.sendTo(id, data)
}

func (s *Server) sendTo(id registry.ID, data []byte) result.Result[int] {
	e, err := s.conns.Get(id)
	if err != nil {
		return result.Fail(0, result.KindNotFound, err.Error())
	}
	if len(data) == 0 {
		return result.Fail(0, result.KindIO, errEmptyMessage.Error())
	}
	r := transport.SendTimeout(e.Conn(), data, 0, len(data), s.cfg.Timeouts().Send)
	if r.Failure() {
		s.drop(e, "send", r.Status())
		return r
	}
	s.metrics.Sent(r.Value())
	return r
}

// SendFile streams the file at path to one connection. With length framing
// the file goes out as a single bytes frame. The file is checked before the
// socket is touched: a missing, unreadable or directory path fails with its
// kind and leaves the connection alone; a failed transfer tears it down.
func (s *Server) SendFile(id registry.ID, path string) result.Result[int64] {
	e, err := s.conns.Get(id)
	if err != nil {
		return result.Fail[int64](0, result.KindNotFound, err.Error())
	}
	if st := checkFile(path); st.Failure() {
		s.logger.Warn("send file", zap.Stringer("conn", id), zap.String("path", path), zap.String("error", st.Error()))
		return result.Fail[int64](0, st.Kind(), st.Error())
	}
	timeout := s.cfg.Timeouts().Send

	var r result.Result[int64]
	if s.cfg.Framing() == config.FramingLength {
		data, err := protocol.PackFile(path)
		if err != nil {
			return result.Fail[int64](0, transport.Classify(err), err.Error())
		}
		sent := transport.SendTimeout(e.Conn(), data, 0, len(data), timeout)
		if sent.Success() {
			r = result.Ok(int64(sent.Value()))
		} else {
			r = result.Fail(int64(sent.Value()), sent.Kind(), sent.Error())
		}
	} else {
		r = transport.SendFileTimeout(e.Conn(), path, timeout)
	}

	switch {
	case r.Success():
		s.metrics.Sent(int(r.Value()))
	case r.Kind() == result.KindNotFound:
		s.logger.Warn("send file", zap.Stringer("conn", id), zap.String("path", path), zap.String("error", r.Error()))
	default:
		s.drop(e, "send", r.Status())
	}
	return r
}

func (s *Server) encodeCommand(cmd command.Command) ([]byte, error) {
	data, err := s.codec().EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	return s.frame(protocol.KindCommand, data), nil
}

func (s *Server) encodeText(text string) ([]byte, error) {
	data, err := s.codec().EncodeText(text)
	if err != nil {
		return nil, err
	}
	return s.frame(protocol.KindText, data), nil
}

func (s *Server) frame(kind byte, data []byte) []byte {
	if s.cfg.Framing() != config.FramingLength {
		return data
	}
	return protocol.Pack(kind, data)
}

// checkFile reports why path cannot be streamed.
func checkFile(path string) result.Status {
	f, err := os.Open(path)
	if err != nil {
		return result.Failed(transport.Classify(err), err.Error())
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return result.Failed(transport.Classify(err), err.Error())
	}
	if info.IsDir() {
		return result.Failed(result.KindIO, fmt.Sprintf("open %s: is a directory", path))
	}
	return result.Done()
}
