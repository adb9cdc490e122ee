package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tasksocket/command"
)

// Broadcast to N silent in-memory peers (no network).
func BenchmarkBroadcast(b *testing.B) {
	for _, peers := range []int{1, 16, 256} {
		b.Run(fmt.Sprintf("peers=%d", peers), func(b *testing.B) {
			s := NewServer()
			if err := s.Start(context.Background(), "tcp", "127.0.0.1:0"); err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() { s.Stop(3 * time.Second) })
			for i := 0; i < peers; i++ {
				s.conns.Add(&fakeConn{})
			}
			cmd := command.MustNew("deploy", command.A("env", "prod"), command.A("force", "true"))

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.Broadcast(context.Background(), cmd); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
