package discovery

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Register(ctx, "Debug", Instance{Addr: "127.0.0.1:8002", Weight: 1}, 10)
	m.Register(ctx, "Debug", Instance{Addr: "127.0.0.1:8001", Weight: 1}, 10)
	m.Register(ctx, "Other", Instance{Addr: "127.0.0.1:9000"}, 10)

	instances, _ := m.Discover(ctx, "Debug")
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}
	if instances[0].Addr != "127.0.0.1:8001" {
		t.Fatalf("expect sorted by address, got %v", instances)
	}

	m.Deregister(ctx, "Debug", "127.0.0.1:8001")
	instances, _ = m.Discover(ctx, "Debug")
	if len(instances) != 1 || instances[0].Addr != "127.0.0.1:8002" {
		t.Fatalf("unexpected instances after deregister: %v", instances)
	}
}

func TestMemoryWatch(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	ch := m.Watch(ctx, "Debug")
	m.Register(context.Background(), "Debug", Instance{Addr: "a"}, 10)

	select {
	case list := <-ch:
		if len(list) != 1 || list[0].Addr != "a" {
			t.Fatalf("unexpected watch list %v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch event")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// a final pending list may still be buffered; the next receive must see the close
			if _, ok := <-ch; ok {
				t.Fatal("expect channel closed after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
