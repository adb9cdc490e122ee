package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Needs a running etcd: TASKSOCKET_ETCD=127.0.0.1:2379 go test ./discovery
func TestEtcdRegisterAndDiscover(t *testing.T) {
	endpoints := os.Getenv("TASKSOCKET_ETCD")
	if endpoints == "" {
		t.Skip("TASKSOCKET_ETCD not set")
	}
	reg, err := NewEtcd(strings.Split(endpoints, ","), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst1 := Instance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := Instance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, "Debug", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "Debug", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "Debug")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "Debug", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, "Debug")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	reg.Deregister(ctx, "Debug", inst2.Addr)
}
