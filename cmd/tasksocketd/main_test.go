package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tasksocket/archive"
	"tasksocket/server"
)

func TestConsole(t *testing.T) {
	arch, err := archive.Open("")
	require.NoError(t, err)
	defer arch.Close()

	srv := server.NewServer(server.WithArchive(arch))
	require.NoError(t, srv.Start(context.Background(), "tcp", "127.0.0.1:0"))
	defer srv.Stop(time.Second)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return len(srv.Connections()) == 1 }, 2*time.Second, 5*time.Millisecond)
	id := srv.Connections()[0]

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, _ := srv.Backlog(id)
		return len(b) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var out bytes.Buffer
	input := strings.Join([]string{
		"deploy env prod",
		"/list",
		"/backlog " + id.String(),
		"/bogus",
		"/kick " + id.String(),
		"/archive",
	}, "\n")
	console(context.Background(), zap.NewNop(), strings.NewReader(input), &out, srv, arch)

	got := out.String()
	assert.Contains(t, got, "delivered to 1, failed on 0")
	assert.Contains(t, got, id.String()+"\n")
	assert.Contains(t, got, "ping\n")
	assert.Contains(t, got, "error: unknown console command /bogus")
	assert.Contains(t, got, id.String()+" ")
	assert.Empty(t, srv.Connections())

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := conn.Read(buf)
	assert.Equal(t, "deploy env prod", string(buf[:n]))
}

type fakeServer struct {
	exit    chan error
	stopped chan time.Duration
}

func newFakeServer() *fakeServer {
	return &fakeServer{exit: make(chan error, 1), stopped: make(chan time.Duration, 1)}
}

func (f *fakeServer) Wait() error { return <-f.exit }

func (f *fakeServer) Stop(timeout time.Duration) error {
	f.stopped <- timeout
	f.exit <- nil
	return nil
}

func TestSuperviseReturnsFatalServerError(t *testing.T) {
	srv := newFakeServer()
	fatal := errors.New("accept tcp: use of closed network connection")
	srv.exit <- fatal

	err := supervise(context.Background(), zap.NewNop(), srv, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Empty(t, srv.stopped)
}

func TestSuperviseStopsOnSignal(t *testing.T) {
	srv := newFakeServer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, supervise(ctx, zap.NewNop(), srv, 3*time.Second))
	assert.Equal(t, 3*time.Second, <-srv.stopped)
}
