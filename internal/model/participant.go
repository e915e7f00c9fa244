package model

import "time"

// Direction of a vote. The zero value means no vote.
type Direction int

const (
	NoVote Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "none"
	}
}

// ParseDirection maps "up"/"down" to a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "up":
		return Up, true
	case "down":
		return Down, true
	default:
		return NoVote, false
	}
}

// Report reasons.
const (
	ReasonHarassment    = "harassment"
	ReasonMildLanguage  = "mild_language"
	ReasonLink          = "link"
	ReasonOffensiveName = "offensive_name"
)

type BanStatus struct {
	Banned     bool      `json:"banned"`
	Message    string    `json:"message,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	MostQuoted string    `json:"most_quoted,omitempty"`
	AppealText string    `json:"appeal_text,omitempty"`
	At         time.Time `json:"at"`
}

// VoteMark is scoped to a round id; a mark for an older round is no vote.
type VoteMark struct {
	RoundID   int64     `json:"round_id"`
	Direction Direction `json:"direction"`
}

type ReportMark struct {
	RoundID int64     `json:"round_id"`
	Reason  string    `json:"reason"`
	Quote   string    `json:"quote,omitempty"`
	At      time.Time `json:"at"`
}

// Participant is a directory entry.
type Participant struct {
	ID           string     `json:"id"`
	Email        string     `json:"email,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	Lang         string     `json:"lang,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	Ban          BanStatus  `json:"ban"`
	Vote         VoteMark   `json:"vote"`
	Report       ReportMark `json:"report"`
}

// Reachable reports whether notifications can be delivered to p.
func (p Participant) Reachable() bool { return p.Email != "" }

// VoteOn returns p's vote direction for round id.
func (p Participant) VoteOn(roundID int64) Direction {
	if p.Vote.RoundID != roundID {
		return NoVote
	}
	return p.Vote.Direction
}

// ReportedOn reports whether p already reported round id.
func (p Participant) ReportedOn(roundID int64) bool {
	return p.Report.RoundID == roundID && p.Report.Reason != ""
}
