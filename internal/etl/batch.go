package etl

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/hybridrec/pkg/store"
)

// User is a source user record. Attributes holds every source field,
// including user_id and name, and becomes the graph node's properties.
type User struct {
	ID         string
	Name       string
	Attributes map[string]any
}

// Campaign is a source campaign record.
type Campaign struct {
	ID         string
	Name       string
	Attributes map[string]any
}

// Batch is one unit of source data for a sync run.
type Batch struct {
	Users        []User
	Campaigns    []Campaign
	Interactions []store.InteractionRecord
}

// Source supplies the batch for a run.
type Source interface {
	Load(ctx context.Context) (*Batch, error)
}

var _ Source = (*Batch)(nil)

// Load implements [Source] for an in-memory batch.
func (b *Batch) Load(context.Context) (*Batch, error) { return b, nil }

// Validate checks every record and returns all problems joined.
//
// Rules:
//   - user and campaign ids are non-empty and unique.
//   - interaction ids, user ids and campaign ids are non-empty.
//   - interaction ids are unique within the batch.
//   - type is chat or click.
//   - timestamp is set.
//
// A message on the wrong kind of interaction is not an error; see
// [Batch.Warnings].
func (b *Batch) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(b.Users))
	for i, u := range b.Users {
		switch {
		case u.ID == "":
			errs = append(errs, fmt.Errorf("users[%d]: user_id must not be empty", i))
		case seen[u.ID]:
			errs = append(errs, fmt.Errorf("users[%d]: duplicate user_id %q", i, u.ID))
		}
		seen[u.ID] = true
	}

	clear(seen)
	for i, c := range b.Campaigns {
		switch {
		case c.ID == "":
			errs = append(errs, fmt.Errorf("campaigns[%d]: campaign_id must not be empty", i))
		case seen[c.ID]:
			errs = append(errs, fmt.Errorf("campaigns[%d]: duplicate campaign_id %q", i, c.ID))
		}
		seen[c.ID] = true
	}

	clear(seen)
	for i, r := range b.Interactions {
		if err := validateInteraction(r); err != nil {
			errs = append(errs, fmt.Errorf("interactions[%d]: %w", i, err))
		}
		if r.InteractionID != "" {
			if seen[r.InteractionID] {
				errs = append(errs, fmt.Errorf("interactions[%d]: duplicate interaction_id %q", i, r.InteractionID))
			}
			seen[r.InteractionID] = true
		}
	}

	return errors.Join(errs...)
}

func validateInteraction(r store.InteractionRecord) error {
	var errs []error
	if r.InteractionID == "" {
		errs = append(errs, errors.New("interaction_id must not be empty"))
	}
	if r.UserID == "" {
		errs = append(errs, errors.New("user_id must not be empty"))
	}
	if r.CampaignID == "" {
		errs = append(errs, errors.New("campaign_id must not be empty"))
	}
	if r.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp must be set"))
	}
	if !r.Type.IsValid() {
		errs = append(errs, fmt.Errorf("type %q is not a recognised interaction type", r.Type))
	}
	return errors.Join(errs...)
}

// Warnings lists interactions whose message does not match their type. They
// are still stored, linked and counted but never embedded.
func (b *Batch) Warnings() []error {
	var warns []error
	for i, r := range b.Interactions {
		switch {
		case r.Type == store.KindChat && r.Message == "":
			warns = append(warns, fmt.Errorf("interactions[%d] %s: chat interaction has no message", i, r.InteractionID))
		case r.Type.IsValid() && r.Type != store.KindChat && r.Message != "":
			warns = append(warns, fmt.Errorf("interactions[%d] %s: %s interaction carries a message", i, r.InteractionID, r.Type))
		}
	}
	return warns
}
