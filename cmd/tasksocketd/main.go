// Command tasksocketd runs a tasksocket server.
//
// Lines typed on stdin are parsed as commands and broadcast to every peer.
// Lines starting with '/' inspect and manage the peers:
//
//	/list                 active connections
//	/backlog <id>         received messages of a connection
//	/send <id> <command>  send to one connection
//	/file <id> <path>     stream a file to one connection
//	/kick <id>            disconnect
//	/archive              archived sessions (with -archive)
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tasksocket/archive"
	"tasksocket/codec"
	"tasksocket/config"
	"tasksocket/discovery"
	"tasksocket/metrics"
	"tasksocket/middleware"
	"tasksocket/registry"
	"tasksocket/server"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:7000", "listen address")
		buffer    = flag.Int("buffer", config.DefaultBufferSize, "receive buffer size in bytes")
		enc       = flag.String("encoding", config.DefaultEncoding, "text encoding (IANA name)")
		framing   = flag.String("framing", "none", "message framing: none or length")
		httpAddr  = flag.String("http", "", "address for /metrics, /live and /ready (empty disables)")
		etcd      = flag.String("etcd", "", "comma-separated etcd endpoints for service registration")
		service   = flag.String("service", "tasksocket", "service name to register under")
		advertise = flag.String("advertise", "", "address clients should dial (default: listen address)")
		archDir   = flag.String("archive", "", "directory for the backlog archive (empty disables)")
		rateLimit = flag.Float64("rate", 0, "max received commands per second across all peers (0 disables)")
		workers   = flag.Int("workers", server.DefaultWorkers, "worker pool size")
		debug     = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()

	if err := run(logger, options{
		addr: *addr, buffer: *buffer, encoding: *enc, framing: *framing,
		httpAddr: *httpAddr, etcd: *etcd, service: *service, advertise: *advertise,
		archive: *archDir, rate: *rateLimit, workers: *workers,
	}); err != nil {
		logger.Fatal("tasksocketd", zap.Error(err))
	}
}

type options struct {
	addr, encoding, framing string
	httpAddr, etcd, service string
	advertise, archive      string
	buffer, workers         int
	rate                    float64
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func run(logger *zap.Logger, o options) error {
	cfg := config.New()
	if err := cfg.SetBufferSize(o.buffer); err != nil {
		return err
	}
	if err := cfg.SetEncoding(o.encoding); err != nil {
		return err
	}
	f, err := config.ParseFraming(o.framing)
	if err != nil {
		return err
	}
	if err := cfg.SetFraming(f); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []server.Option{
		server.WithConfig(cfg),
		server.WithLogger(logger),
		server.WithMetrics(metrics.New(reg)),
		server.WithWorkers(o.workers),
	}

	var arch *archive.Archive
	if o.archive != "" {
		arch, err = archive.Open(o.archive)
		if err != nil {
			return err
		}
		defer arch.Close()
		opts = append(opts, server.WithArchive(arch))
	}

	if o.etcd != "" {
		disc, err := discovery.NewEtcd(strings.Split(o.etcd, ","), logger)
		if err != nil {
			return err
		}
		defer disc.Close()
		opts = append(opts, server.WithDiscovery(disc, o.service, o.advertise))
	}

	srv := server.NewServer(opts...)
	srv.Use(middleware.LoggingMiddleware(logger))
	if o.rate > 0 {
		srv.Use(middleware.RateLimitMiddleware(o.rate, max(int(o.rate), 1)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, "tcp", o.addr); err != nil {
		return err
	}

	if o.httpAddr != "" {
		httpSrv := serveHTTP(logger, o.httpAddr, reg, srv)
		defer httpSrv.Close()
	}

	go console(ctx, logger, os.Stdin, os.Stdout, srv, arch)

	return supervise(ctx, logger, srv, 5*time.Second)
}

// stoppable is the lifecycle half of *server.Server.
type stoppable interface {
	Wait() error
	Stop(timeout time.Duration) error
}

// supervise blocks until a signal arrives or the server ends on its own. A
// server that ended on its own lost its listener; that error is returned so
// the process exits instead of running without one.
func supervise(ctx context.Context, logger *zap.Logger, srv stoppable, timeout time.Duration) error {
	exited := make(chan error, 1)
	go func() { exited <- srv.Wait() }()

	select {
	case err := <-exited:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := srv.Stop(timeout); err != nil {
		logger.Warn("stop", zap.Error(err))
	}
	if err := <-exited; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveHTTP(logger *zap.Logger, addr string, reg *prometheus.Registry, srv *server.Server) *http.Server {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("server", func() error {
		if !srv.Running() {
			return errors.New("server not running")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http", zap.Error(err))
		}
	}()
	return httpSrv
}

// console reads operator input until EOF or ctx is done.
func console(ctx context.Context, logger *zap.Logger, in io.Reader, out io.Writer, srv *server.Server, arch *archive.Archive) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := execute(ctx, line, out, srv, arch); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("console", zap.Error(err))
	}
}

func execute(ctx context.Context, line string, out io.Writer, srv *server.Server, arch *archive.Archive) error {
	if !strings.HasPrefix(line, "/") {
		cmd, err := codec.ParseCommand(line)
		if err != nil {
			return err
		}
		report, err := srv.Broadcast(ctx, cmd)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "delivered to %d, failed on %d\n", len(report.Delivered()), len(report.Failed()))
		return nil
	}

	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "/list":
		for _, id := range srv.Connections() {
			fmt.Fprintln(out, id)
		}
	case "/backlog":
		backlog, err := srv.Backlog(registry.ID(arg(1)))
		if err != nil {
			return err
		}
		for _, msg := range backlog {
			fmt.Fprintln(out, msg)
		}
	case "/send":
		cmd, err := codec.ParseCommand(strings.Join(fields[min(2, len(fields)):], " "))
		if err != nil {
			return err
		}
		if r := srv.SendTo(registry.ID(arg(1)), cmd); r.Failure() {
			return r.Err()
		}
	case "/file":
		r := srv.SendFile(registry.ID(arg(1)), arg(2))
		if r.Failure() {
			return r.Err()
		}
		fmt.Fprintf(out, "sent %d bytes\n", r.Value())
	case "/kick":
		return srv.Disconnect(registry.ID(arg(1)))
	case "/archive":
		if arch == nil {
			return errors.New("archive disabled")
		}
		sessions, err := arch.List()
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Fprintf(out, "%s %s %d messages\n", s.ID, s.RemoteAddr, len(s.Backlog))
		}
	default:
		return fmt.Errorf("unknown console command %s", fields[0])
	}
	return nil
}
