package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"tasksocket/discovery"
)

// ConsistentHashBalancer maps a fixed key onto a hash ring of the instances,
// so a client keeps reaching the same server while the instance set is
// stable, and only the keys of a vanished server move.
//
// Each instance is placed on the ring as replicas virtual nodes hashed from
// "{addr}#{i}".
type ConsistentHashBalancer struct {
	key      string
	replicas int
}

// NewConsistentHashBalancer returns a balancer for key with 100 virtual nodes
// per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick builds the ring from instances and walks clockwise from the key's
// hash to the nearest node.
func (b *ConsistentHashBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	ring := make([]uint32, 0, len(instances)*b.replicas)
	nodes := make(map[uint32]int, len(instances)*b.replicas)
	for i, inst := range instances {
		for r := 0; r < b.replicas; r++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, r)))
			if _, taken := nodes[hash]; taken {
				continue
			}
			ring = append(ring, hash)
			nodes[hash] = i
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(b.key))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if idx == len(ring) {
		idx = 0
	}
	return &instances[nodes[ring[idx]]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
