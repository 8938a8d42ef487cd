package store

import (
	"maps"
	"slices"
)

// CampaignCounts accumulates per-campaign interaction counts for one
// analytics flush.
type CampaignCounts map[string]int64

// Add increments key by delta.
func (c CampaignCounts) Add(key string, delta int64) {
	c[key] += delta
}

// Merge adds every counter from other into c.
func (c CampaignCounts) Merge(other CampaignCounts) {
	for k, v := range other {
		c[k] += v
	}
}

// Keys returns the keys in ascending order so that multi-row writes take
// row locks in a stable order.
func (c CampaignCounts) Keys() []string {
	return slices.Sorted(maps.Keys(c))
}

// Total returns the sum of all counters.
func (c CampaignCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}
