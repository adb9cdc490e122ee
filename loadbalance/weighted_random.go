package loadbalance

import (
	"math/rand/v2"

	"tasksocket/discovery"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its weight. Negative weights count as zero; when every weight is zero the
// pick is uniform.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, v := range instances {
		total += max(v.Weight, 0)
	}
	if total == 0 {
		return &instances[rand.IntN(len(instances))], nil
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= max(instances[i].Weight, 0)
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
