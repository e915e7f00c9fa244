package model

import (
	"maps"
	"regexp"
	"slices"
	"time"
	"unicode/utf8"
)

// Counters are maintained incrementally by moderation and registration.
type Counters struct {
	// Members counts non-banned participants.
	Members   int   `json:"members"`
	Banned    int   `json:"banned"`
	Rotations int64 `json:"rotations"`
	Missed    int64 `json:"missed"`
}

// BroadcastStats accumulates archived broadcast volume.
type BroadcastStats struct {
	Messages   int64            `json:"messages"`
	ByLanguage map[string]int64 `json:"by_language,omitempty"`
	Words      int64            `json:"words"`
	Characters int64            `json:"characters"`
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_']+`)

// CountWords counts word-like runs in s.
func CountWords(s string) int { return len(wordRe.FindAllStringIndex(s, -1)) }

// Fold adds one archived broadcast to the totals.
func (b *BroadcastStats) Fold(content, lang string) {
	if lang == "" {
		lang = "und"
	}
	if b.ByLanguage == nil {
		b.ByLanguage = map[string]int64{}
	}
	b.Messages++
	b.ByLanguage[lang]++
	b.Words += int64(CountWords(content))
	b.Characters += int64(utf8.RuneCountInString(content))
}

// State is the persisted aggregate owned by the engine.
type State struct {
	Round       Round                `json:"round"`
	Counters    Counters             `json:"counters"`
	Broadcasts  BroadcastStats       `json:"broadcasts"`
	Queue       []string             `json:"queue,omitempty"`
	Preselected map[string]time.Time `json:"preselected,omitempty"`
	Tokens      TokenSet             `json:"tokens,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
}

// NewState returns the cold-start state: round 0 with no author.
func NewState(now time.Time) *State {
	return &State{
		Preselected: map[string]time.Time{},
		Tokens:      TokenSet{},
		StartedAt:   now,
	}
}

// Clone deep-copies s so a transaction can mutate it freely.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Round = s.Round.clone()
	cp.Broadcasts.ByLanguage = maps.Clone(s.Broadcasts.ByLanguage)
	cp.Queue = slices.Clone(s.Queue)
	cp.Preselected = maps.Clone(s.Preselected)
	if cp.Preselected == nil {
		cp.Preselected = map[string]time.Time{}
	}
	cp.Tokens = maps.Clone(s.Tokens)
	if cp.Tokens == nil {
		cp.Tokens = TokenSet{}
	}
	return &cp
}

// Dequeue removes id from the future-broadcasters queue.
func (s *State) Dequeue(id string) {
	s.Queue = slices.DeleteFunc(s.Queue, func(v string) bool { return v == id })
}

// Queued reports whether id waits in the future-broadcasters queue.
func (s *State) Queued(id string) bool { return slices.Contains(s.Queue, id) }
