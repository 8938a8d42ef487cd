package etl

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hybridrec/pkg/store"
)

// GenerateOptions sizes a synthetic batch.
type GenerateOptions struct {
	Users        int
	Campaigns    int
	Interactions int

	// ChatRatio is the share of interactions that are chats. Default 0.7.
	ChatRatio float64

	// Seed makes the output reproducible.
	Seed uint64

	// Now anchors the 30-day timestamp window. Zero means time.Now.
	Now time.Time
}

// DefaultGenerateOptions produce a small, densely connected data set.
var DefaultGenerateOptions = GenerateOptions{
	Users:        20,
	Campaigns:    10,
	Interactions: 50,
	ChatRatio:    0.7,
	Seed:         42,
}

var campaignThemes = []string{
	"Summer Sale", "AI Personalization", "Cloud Storage Promo",
	"Gaming Laptop Deal", "Fitness Tracker", "Crypto Wallet",
	"Home Automation", "VR Headset Launch", "DevOps Course", "5G Data Plan",
}

var chatIntents = []string{
	"I am looking for a new laptop for coding.",
	"Do you have any deals on cloud storage?",
	"I want to track my runs and sleep.",
	"Is there a discount on VR headsets?",
	"How do I automate my home lights?",
	"Tell me about the new crypto wallet features.",
	"I need a fast internet plan for gaming.",
	"Are there any courses for learning Kubernetes?",
	"I want to buy a gift for a tech enthusiast.",
	"Show me the latest summer tech gadgets.",
}

var (
	firstNames = []string{"Ada", "Brook", "Cole", "Dana", "Eli", "Fay", "Gus", "Hana", "Ivo", "Jun", "Kai", "Lea"}
	lastNames  = []string{"Moreno", "Nakamura", "Okafor", "Petrov", "Quinn", "Rossi", "Silva", "Tanaka", "Umar", "Vega"}
)

// naiveLayout matches the naive ISO timestamps of the batch files.
const naiveLayout = "2006-01-02T15:04:05"

// Generate builds a synthetic batch: users with a name, email, age and
// signup date, themed campaigns, and interactions spread over the 30 days
// before opts.Now.
func Generate(opts GenerateOptions) (*Batch, error) {
	if opts.Users < 1 || opts.Campaigns < 1 || opts.Interactions < 0 {
		return nil, fmt.Errorf("etl: generate: invalid sizes users=%d campaigns=%d interactions=%d", opts.Users, opts.Campaigns, opts.Interactions)
	}
	if opts.ChatRatio <= 0 {
		opts.ChatRatio = DefaultGenerateOptions.ChatRatio
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	now := opts.Now.UTC().Truncate(time.Second)

	chacha := rand.NewChaCha8(seedBytes(opts.Seed))
	rng := rand.New(chacha)

	b := &Batch{}
	for i := 1; i <= opts.Users; i++ {
		first := firstNames[rng.IntN(len(firstNames))]
		last := lastNames[rng.IntN(len(lastNames))]
		id := fmt.Sprintf("u_%03d", i)
		name := first + " " + last
		signup := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, rng.IntN(max(now.YearDay(), 1)))
		b.Users = append(b.Users, User{
			ID:   id,
			Name: name,
			Attributes: map[string]any{
				"user_id":     id,
				"name":        name,
				"email":       fmt.Sprintf("%s.%s%d@example.com", strings.ToLower(first), strings.ToLower(last), i),
				"age":         18 + rng.IntN(43),
				"signup_date": signup.Format(time.DateOnly),
			},
		})
	}

	for i := 1; i <= opts.Campaigns; i++ {
		id := fmt.Sprintf("c_%03d", i)
		name := fmt.Sprintf("%s 2024", campaignThemes[(i-1)%len(campaignThemes)])
		b.Campaigns = append(b.Campaigns, Campaign{
			ID:   id,
			Name: name,
			Attributes: map[string]any{
				"campaign_id": id,
				"name":        name,
				"category":    "Technology",
				"budget":      1000 + rng.IntN(49001),
				"status":      "Active",
			},
		})
	}

	window := int64(30 * 24 * time.Hour / time.Second)
	for range opts.Interactions {
		u := b.Users[rng.IntN(len(b.Users))]
		c := b.Campaigns[rng.IntN(len(b.Campaigns))]
		id, err := uuid.NewRandomFromReader(chacha)
		if err != nil {
			return nil, fmt.Errorf("etl: generate: %w", err)
		}
		rec := store.InteractionRecord{
			InteractionID: id.String(),
			UserID:        u.ID,
			CampaignID:    c.ID,
			Timestamp:     now.Add(-time.Duration(rng.Int64N(window)) * time.Second),
			Type:          store.KindClick,
		}
		if rng.Float64() < opts.ChatRatio {
			rec.Type = store.KindChat
			rec.Message = chatIntents[rng.IntN(len(chatIntents))]
		}
		b.Interactions = append(b.Interactions, rec)
	}
	return b, nil
}

func seedBytes(seed uint64) [32]byte {
	var out [32]byte
	for i := range 4 {
		s := seed + uint64(i)*0x9e3779b97f4a7c15
		for j := range 8 {
			out[i*8+j] = byte(s >> (8 * j))
		}
	}
	return out
}

// WriteDir writes b as the three batch files read by [DirSource], creating
// dir if needed.
func WriteDir(dir string, b *Batch) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("etl: create %s: %w", dir, err)
	}

	users := make([]map[string]any, 0, len(b.Users))
	for _, u := range b.Users {
		users = append(users, nodeProps(u.Attributes, "user_id", u.ID, u.Name))
	}
	campaigns := make([]map[string]any, 0, len(b.Campaigns))
	for _, c := range b.Campaigns {
		campaigns = append(campaigns, nodeProps(c.Attributes, "campaign_id", c.ID, c.Name))
	}
	interactions := make([]map[string]any, 0, len(b.Interactions))
	for _, r := range b.Interactions {
		m := make(map[string]any, len(r.Extra)+6)
		maps.Copy(m, r.Extra)
		m["interaction_id"] = r.InteractionID
		m["user_id"] = r.UserID
		m["campaign_id"] = r.CampaignID
		m["timestamp"] = r.Timestamp.UTC().Format(naiveLayout)
		m["type"] = string(r.Type)
		if r.Type == store.KindChat {
			m["message"] = r.Message
		}
		interactions = append(interactions, m)
	}

	for name, v := range map[string]any{
		UsersFile:        users,
		CampaignsFile:    campaigns,
		InteractionsFile: interactions,
	} {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("etl: encode %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("etl: write %s: %w", name, err)
		}
	}
	return nil
}
