// Command tsctl sends one command (or a file) to a tasksocket server and
// prints what comes back.
//
//	tsctl -addr 127.0.0.1:7000 deploy env prod force true
//	tsctl -etcd 127.0.0.1:2379 -service tasksocket -wait 5s ping
//	tsctl -addr 127.0.0.1:7000 -file ./batch.txt
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"tasksocket/client"
	"tasksocket/codec"
	"tasksocket/config"
	"tasksocket/discovery"
	"tasksocket/loadbalance"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:7000", "server address")
		etcd     = flag.String("etcd", "", "comma-separated etcd endpoints; overrides -addr")
		service  = flag.String("service", "tasksocket", "service name to look up in etcd")
		balancer = flag.String("balancer", "roundrobin", "instance selection: roundrobin, weighted or hash")
		key      = flag.String("key", "", "affinity key for -balancer hash (default: hostname)")
		file     = flag.String("file", "", "send this file instead of a command")
		wait     = flag.Duration("wait", time.Second, "how long to print inbound messages")
		enc      = flag.String("encoding", config.DefaultEncoding, "text encoding (IANA name)")
		framing  = flag.String("framing", "none", "message framing: none or length")
		retries  = flag.Int("retries", client.DefaultRetries, "dial retries")
		debug    = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logger := zap.NewNop()
	if *debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	cfg, err := newConfig(*enc, *framing)
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts().Connect*time.Duration(*retries+1)+5*time.Second)
	defer cancel()

	opts := []client.Option{client.WithConfig(cfg), client.WithLogger(logger), client.WithRetries(*retries)}
	var c *client.Client
	if *etcd != "" {
		bal, err := pickBalancer(*balancer, *key)
		if err != nil {
			fail(err)
		}
		disc, err := discovery.NewEtcd(strings.Split(*etcd, ","), logger)
		if err != nil {
			fail(err)
		}
		defer disc.Close()
		c, err = client.DialService(ctx, *service, disc, bal, opts...)
		if err != nil {
			fail(err)
		}
	} else {
		c, err = client.Dial(ctx, *addr, opts...)
		if err != nil {
			fail(err)
		}
	}
	defer c.Close()

	if err := send(c, *file, flag.Args()); err != nil {
		fail(err)
	}
	printMessages(os.Stdout, c, *wait)
}

func newConfig(enc, framing string) (*config.Config, error) {
	cfg := config.New()
	if err := cfg.SetEncoding(enc); err != nil {
		return nil, err
	}
	f, err := config.ParseFraming(framing)
	if err != nil {
		return nil, err
	}
	if err := cfg.SetFraming(f); err != nil {
		return nil, err
	}
	return cfg, nil
}

func pickBalancer(name, key string) (loadbalance.Balancer, error) {
	switch name {
	case "roundrobin":
		return &loadbalance.RoundRobinBalancer{}, nil
	case "weighted":
		return &loadbalance.WeightedRandomBalancer{}, nil
	case "hash":
		if key == "" {
			key, _ = os.Hostname()
		}
		return loadbalance.NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}

func send(c *client.Client, file string, args []string) error {
	if file != "" {
		if r := c.SendFile(file); r.Failure() {
			return r.Err()
		}
		return nil
	}
	if len(args) == 0 {
		return errors.New("nothing to send: give a command or -file")
	}
	cmd, err := codec.ParseCommand(strings.Join(args, " "))
	if err != nil {
		return err
	}
	if r := c.Send(cmd); r.Failure() {
		return r.Err()
	}
	return nil
}

// printMessages writes inbound messages for wait, or until the server closes.
func printMessages(out io.Writer, c *client.Client, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				if err := c.Err(); err != nil && !errors.Is(err, io.EOF) {
					fmt.Fprintln(os.Stderr, "connection:", err)
				}
				return
			}
			switch {
			case m.Kind == codec.KindBytes:
				fmt.Fprintf(out, "<%d bytes>\n", len(m.Bytes))
			case m.Err == nil:
				fmt.Fprintln(out, m.Command)
			default:
				fmt.Fprintln(out, m.Text)
			}
		case <-timer.C:
			return
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "tsctl:", err)
	os.Exit(1)
}
