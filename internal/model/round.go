package model

import (
	"maps"
	"time"
)

// Tombstone replaces content and author name of a redacted round.
const Tombstone = "[deleted]"

// ReminderFlags gate the two per-round reminders so each fires once.
type ReminderFlags struct {
	Early bool `json:"early"`
	Final bool `json:"final"`
}

// Round is the single active broadcast cycle.
type Round struct {
	ID             int64             `json:"id"`
	AuthorID       string            `json:"author_id"`
	AuthorName     string            `json:"author_name"`
	Content        string            `json:"content"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAdvancedAt time.Time         `json:"last_advanced_at"`
	Upvotes        int               `json:"upvotes"`
	Downvotes      int               `json:"downvotes"`
	Reports        int               `json:"reports"`
	Reminders      ReminderFlags     `json:"reminders"`
	Language       string            `json:"language,omitempty"`
	Translations   map[string]string `json:"translations,omitempty"`
}

// Redacted reports whether the round was tombstoned by a ban.
func (r Round) Redacted() bool {
	return r.Content == Tombstone && r.AuthorName == Tombstone
}

// Live reports whether the round carries a published, non-redacted broadcast.
func (r Round) Live() bool {
	return r.Content != "" && !r.Redacted()
}

// Waiting reports whether an author was selected but has not published yet.
func (r Round) Waiting() bool {
	return r.Content == "" && r.AuthorID != ""
}

func (r Round) clone() Round {
	r.Translations = maps.Clone(r.Translations)
	return r
}

// RatioPolicy decides the ratio of a post that has no downvotes.
type RatioPolicy string

const (
	// RatioUpvotes uses the upvote count as the ratio.
	RatioUpvotes RatioPolicy = "upvotes"
	// RatioOne pins the ratio to 1.
	RatioOne RatioPolicy = "one"
)

// Ratio returns up/down, falling back to policy when down is zero.
func Ratio(up, down int, policy RatioPolicy) float64 {
	if down > 0 {
		return float64(up) / float64(down)
	}
	if policy == RatioOne {
		return 1
	}
	return float64(up)
}

// ArchivedPost is an immutable snapshot of a closed round.
type ArchivedPost struct {
	ID           int64             `json:"id"`
	AuthorID     string            `json:"author_id"`
	AuthorName   string            `json:"author_name"`
	Content      string            `json:"content"`
	Language     string            `json:"language,omitempty"`
	Translations map[string]string `json:"translations,omitempty"`
	Upvotes      int               `json:"upvotes"`
	Downvotes    int               `json:"downvotes"`
	Reports      int               `json:"reports"`
	Ratio        float64           `json:"ratio"`
	CreatedAt    time.Time         `json:"created_at"`
	ClosedAt     time.Time         `json:"closed_at"`
}

// Archive freezes r into an ArchivedPost.
func (r Round) Archive(closedAt time.Time, policy RatioPolicy) ArchivedPost {
	return ArchivedPost{
		ID:           r.ID,
		AuthorID:     r.AuthorID,
		AuthorName:   r.AuthorName,
		Content:      r.Content,
		Language:     r.Language,
		Translations: maps.Clone(r.Translations),
		Upvotes:      r.Upvotes,
		Downvotes:    r.Downvotes,
		Reports:      r.Reports,
		Ratio:        Ratio(r.Upvotes, r.Downvotes, policy),
		CreatedAt:    r.CreatedAt,
		ClosedAt:     closedAt,
	}
}
