// Package discovery lets tasksocket servers announce their address under a
// service name and lets clients find them.
package discovery

import "context"

// Instance is one running server.
type Instance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

// Discovery is a service directory.
type Discovery interface {
	// Register announces inst under service. The entry expires ttl seconds
	// after the process stops renewing it.
	Register(ctx context.Context, service string, inst Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Instance
}
