package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksocket/result"
)

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// pair returns the client and server ends of one TCP connection.
func pair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln := listenLocal(t)

	accepted := make(chan result.Result[net.Conn], 1)
	go func() { accepted <- Listen(ln) }()

	r := ConnectTimeout(context.Background(), "tcp", ln.Addr().String(), time.Second)
	require.True(t, r.Success(), r.Error())
	a := <-accepted
	require.True(t, a.Success(), a.Error())

	t.Cleanup(func() {
		r.Value().Close()
		a.Value().Close()
	})
	return r.Value(), a.Value()
}

func TestSendReceive(t *testing.T) {
	client, server := pair(t)

	msg := []byte("xxping")
	sent := Send(client, msg, 2, 4)
	require.True(t, sent.Success(), sent.Error())
	assert.Equal(t, 4, sent.Value())

	buf := make([]byte, 16)
	got := ReceiveTimeout(server, buf, 0, len(buf), time.Second)
	require.True(t, got.Success(), got.Error())
	assert.Equal(t, "ping", string(buf[:got.Value()]))
}

func TestReceiveGracefulClose(t *testing.T) {
	client, server := pair(t)
	require.NoError(t, client.Close())

	buf := make([]byte, 8)
	r := ReceiveTimeout(server, buf, 0, len(buf), time.Second)
	require.True(t, r.Success(), "graceful close is not a failure: %s", r.Error())
	assert.Equal(t, 0, r.Value())
}

func TestReceiveTimeout(t *testing.T) {
	client, server := pair(t)

	buf := make([]byte, 8)
	r := ReceiveTimeout(server, buf, 0, len(buf), 20*time.Millisecond)
	require.True(t, r.Failure())
	assert.Equal(t, result.KindTimeout, r.Kind())
	assert.Contains(t, r.Error(), "(timeout)")

	// The deadline is cleared, so a plain receive after the timeout works.
	go func() {
		time.Sleep(30 * time.Millisecond)
		Send(client, []byte("late"), 0, 4)
	}()
	r = Receive(server, buf, 0, len(buf))
	require.True(t, r.Success(), r.Error())
	assert.Equal(t, "late", string(buf[:r.Value()]))
}

func TestListenTimeout(t *testing.T) {
	ln := listenLocal(t)

	r := ListenTimeout(ln, 20*time.Millisecond)
	require.True(t, r.Failure())
	assert.Equal(t, result.KindTimeout, r.Kind())
	assert.True(t, strings.HasSuffix(r.Error(), "(timeout)"), r.Error())
}

func TestListenClosed(t *testing.T) {
	ln := listenLocal(t)
	require.NoError(t, ln.Close())

	r := Listen(ln)
	require.True(t, r.Failure())
	assert.Equal(t, result.KindClosed, r.Kind())
	assert.NotEqual(t, ListenTimeout(listenLocal(t), time.Millisecond).Error(), r.Error(),
		"timeout and closed failures must be distinguishable")
}

func TestConnectRefused(t *testing.T) {
	ln := listenLocal(t)
	addr := ln.Addr().String()
	ln.Close()

	r := ConnectTimeout(context.Background(), "tcp", addr, time.Second)
	require.True(t, r.Failure())
	assert.Equal(t, result.KindRefused, r.Kind())
	assert.Nil(t, r.Value())
}

func TestSendFile(t *testing.T) {
	client, server := pair(t)

	path := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(path, []byte("file contents"), 0o600))

	r := SendFileTimeout(client, path, time.Second)
	require.True(t, r.Success(), r.Error())
	assert.EqualValues(t, 13, r.Value())

	buf := make([]byte, 64)
	total := 0
	for total < 13 {
		got := ReceiveTimeout(server, buf, total, len(buf)-total, time.Second)
		require.True(t, got.Success(), got.Error())
		require.NotZero(t, got.Value())
		total += got.Value()
	}
	assert.Equal(t, "file contents", string(buf[:total]))
}

func TestSendFileMissing(t *testing.T) {
	client, _ := pair(t)
	r := SendFile(client, filepath.Join(t.TempDir(), "missing"))
	require.True(t, r.Failure())
	assert.Equal(t, result.KindNotFound, r.Kind())
}

func TestSendAfterShutdown(t *testing.T) {
	client, _ := pair(t)
	require.NoError(t, Shutdown(client))

	msg := []byte("late")
	r := Send(client, msg, 0, len(msg))
	require.True(t, r.Failure())
	assert.Equal(t, result.KindClosed, r.Kind())

	// Shutdown of an already released transport is harmless
	assert.NoError(t, Shutdown(client))
}

func TestShutdownPipe(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	require.NoError(t, Shutdown(a))

	buf := make([]byte, 4)
	r := Receive(b, buf, 0, len(buf))
	require.True(t, r.Success())
	assert.Equal(t, 0, r.Value(), "peer of a shut down pipe sees a graceful close")
}

func TestProgrammingErrorsPanic(t *testing.T) {
	assert.Panics(t, func() { Receive(nil, make([]byte, 4), 0, 4) })
	client, _ := pair(t)
	assert.Panics(t, func() { Send(client, make([]byte, 4), 2, 4) })
	assert.Panics(t, func() { Receive(client, make([]byte, 4), 0, 0) })
}

func TestClassify(t *testing.T) {
	assert.Equal(t, result.KindNone, Classify(nil))
	assert.Equal(t, result.KindTimeout, Classify(os.ErrDeadlineExceeded))
	assert.Equal(t, result.KindClosed, Classify(net.ErrClosed))
	assert.Equal(t, result.KindIO, Classify(errors.New("something else")))
}
