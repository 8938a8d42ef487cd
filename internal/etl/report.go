package etl

import (
	"time"

	"github.com/MrWong99/hybridrec/pkg/store"
)

// Report summarises one sync run.
type Report struct {
	RunID     string        `json:"run_id"`
	State     State         `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Users        int `json:"users"`
	Campaigns    int `json:"campaigns"`
	Interactions int `json:"interactions"`
	Edges        int `json:"edges"`
	Documents    int `json:"documents"`
	Vectors      int `json:"vectors"`

	// Fallbacks counts vectors that came from the fallback source.
	Fallbacks int `json:"fallbacks"`

	// Warnings counts interactions kept without an embedding because their
	// message did not match their type.
	Warnings int `json:"warnings"`

	// Counters holds the per-campaign increments applied by this run.
	Counters store.CampaignCounts `json:"counters"`
}
