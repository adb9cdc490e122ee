package discovery

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every key written by Etcd:
//
//	/tasksocket/{service}/{addr} → JSON Instance
const KeyPrefix = "/tasksocket/"

// Etcd implements Discovery on etcd v3. Registrations use TTL leases, so the
// entry of a crashed server disappears on its own.
type Etcd struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, logger *zap.Logger) (*Etcd, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{client: c, logger: logger}, nil
}

func serviceKey(service string) string {
	return KeyPrefix + service + "/"
}

// Register puts inst under a fresh lease and keeps the lease alive in the
// background. The lease ID stays local so several servers can share one Etcd.
func (r *Etcd) Register(ctx context.Context, service string, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serviceKey(service)+inst.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// KeepAlive outlives the caller's ctx: the lease lives until Deregister
	// or Close.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("service", service), zap.String("addr", inst.Addr))
	}()
	return nil
}

// Deregister removes the instance at addr.
func (r *Etcd) Deregister(ctx context.Context, service string, addr string) error {
	_, err := r.client.Delete(ctx, serviceKey(service)+addr)
	return err
}

// Discover lists every live instance of service. Malformed entries are skipped.
func (r *Etcd) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-lists the service after every change under its prefix.
func (r *Etcd) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases the etcd client and with it every lease keep-alive.
func (r *Etcd) Close() error {
	return r.client.Close()
}
