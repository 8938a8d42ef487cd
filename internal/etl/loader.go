package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/hybridrec/pkg/store"
)

// Source file names inside a data directory.
const (
	UsersFile        = "users.json"
	CampaignsFile    = "campaigns.json"
	InteractionsFile = "interactions.json"
)

// timestampLayouts are tried in order. Naive timestamps are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// DirSource reads the three JSON array files from Dir.
type DirSource struct {
	Dir string
}

var _ Source = DirSource{}

// Load implements [Source].
func (s DirSource) Load(_ context.Context) (*Batch, error) {
	open := func(name string) (io.ReadCloser, error) {
		f, err := os.Open(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("etl: open %s: %w", name, err)
		}
		return f, nil
	}

	users, err := open(UsersFile)
	if err != nil {
		return nil, err
	}
	defer users.Close()
	campaigns, err := open(CampaignsFile)
	if err != nil {
		return nil, err
	}
	defer campaigns.Close()
	interactions, err := open(InteractionsFile)
	if err != nil {
		return nil, err
	}
	defer interactions.Close()

	return LoadFromReaders(users, campaigns, interactions)
}

// LoadFromReaders parses a batch from three JSON arrays. Readers are
// consumed entirely; the caller is responsible for closing them.
func LoadFromReaders(users, campaigns, interactions io.Reader) (*Batch, error) {
	var b Batch

	rawUsers, err := decodeArray(users)
	if err != nil {
		return nil, fmt.Errorf("etl: decode %s: %w", UsersFile, err)
	}
	for _, m := range rawUsers {
		b.Users = append(b.Users, User{
			ID:         stringField(m, "user_id"),
			Name:       stringField(m, "name"),
			Attributes: m,
		})
	}

	rawCampaigns, err := decodeArray(campaigns)
	if err != nil {
		return nil, fmt.Errorf("etl: decode %s: %w", CampaignsFile, err)
	}
	for _, m := range rawCampaigns {
		b.Campaigns = append(b.Campaigns, Campaign{
			ID:         stringField(m, "campaign_id"),
			Name:       stringField(m, "name"),
			Attributes: m,
		})
	}

	rawInteractions, err := decodeArray(interactions)
	if err != nil {
		return nil, fmt.Errorf("etl: decode %s: %w", InteractionsFile, err)
	}
	for i, m := range rawInteractions {
		rec, err := interactionFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("etl: %s[%d]: %w", InteractionsFile, i, err)
		}
		b.Interactions = append(b.Interactions, rec)
	}

	return &b, nil
}

func decodeArray(r io.Reader) ([]map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var out []map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// interactionFromMap lifts the modelled fields out of a source object and
// keeps the rest in Extra.
func interactionFromMap(m map[string]any) (store.InteractionRecord, error) {
	rec := store.InteractionRecord{
		InteractionID: stringField(m, "interaction_id"),
		UserID:        stringField(m, "user_id"),
		CampaignID:    stringField(m, "campaign_id"),
		Type:          store.InteractionKind(stringField(m, "type")),
		Message:       stringField(m, "message"),
	}
	if raw := stringField(m, "timestamp"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return rec, err
		}
		rec.Timestamp = ts
	}

	for k, v := range m {
		switch k {
		case "interaction_id", "user_id", "campaign_id", "type", "message", "timestamp":
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = v
	}
	return rec, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
