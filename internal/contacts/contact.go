// Package contacts records volunteer contacts behind a short idempotency
// window so replayed writes do not create duplicate rows.
package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Channel string

const (
	ChannelCall    Channel = "call"
	ChannelCanvass Channel = "canvass"
	ChannelPulse   Channel = "pulse"
)

const DefaultWindow = 30 * time.Second

var (
	ErrMissingVolunteer = errors.New("volunteer identity is required")
	ErrMissingVoter     = errors.New("voter_id is required")
)

// Contact is one recorded interaction with a voter.
type Contact struct {
	ID        string          `json:"id"`
	Volunteer string          `json:"volunteer_email"`
	VoterID   string          `json:"voter_id"`
	Channel   Channel         `json:"channel"`
	Outcome   string          `json:"outcome"`
	Notes     string          `json:"notes,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Recorded is the guard's answer. ContactID is the existing row on a
// duplicate.
type Recorded struct {
	ContactID string `json:"contact_id"`
	Duplicate bool   `json:"duplicate"`
}

// Log stores contacts. InsertIfNotRecent inserts c unless a contact for the
// same volunteer, voter and channel was created at or after since; the check
// and the insert are atomic.
type Log interface {
	InsertIfNotRecent(ctx context.Context, c Contact, since time.Time) (Recorded, error)
}

// Lister returns a volunteer's newest contacts, newest first.
type Lister interface {
	Recent(ctx context.Context, volunteer string, limit int) ([]Contact, error)
}

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return min(limit, maxRecentLimit)
}

// key identifies the rows one idempotency decision is about.
func key(c Contact) string {
	return strings.Join([]string{c.Volunteer, c.VoterID, string(c.Channel)}, "|")
}

var canvassOutcomes = map[string]string{
	"contacted":      "Contacted",
	"not home":       "Not Home",
	"moved":          "Moved",
	"refused":        "Refused",
	"do not contact": "Do Not Contact",
}

var canvassSynonyms = map[string]string{
	"door knock":     "Contacted",
	"knock":          "Contacted",
	"knocked":        "Contacted",
	"no answer":      "Not Home",
	"did not answer": "Not Home",
	"left message":   "Not Home",
	"dnc":            "Do Not Contact",
}

// NormalizeCanvassOutcome maps a free-form door result onto the recorded
// set. Case, repeated spaces and underscores are ignored.
func NormalizeCanvassOutcome(raw string) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(raw))
	n = strings.ReplaceAll(n, "_", " ")
	n = strings.Join(strings.Fields(n), " ")
	if out, ok := canvassOutcomes[n]; ok {
		return out, true
	}
	out, ok := canvassSynonyms[n]
	return out, ok
}

var consentSources = map[string]bool{"call": true, "canvass": true, "webform": true}

// NormalizeConsentSource falls back to webform for unknown sources.
func NormalizeConsentSource(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if consentSources[s] {
		return s
	}
	return "webform"
}
