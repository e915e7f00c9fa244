package eventbus

// Event types emitted by the engine and its services.
const (
	RoundPublished    = "round.published"
	RoundArchived     = "round.archived"
	RoundMissed       = "round.missed"
	RoundRedacted     = "round.redacted"
	RoundReminded     = "round.reminded"
	AuthorSelected    = "author.selected"
	AuthorUnreachable = "author.unreachable"
	RotationStalled   = "rotation.stalled"

	VoteCast            = "vote.cast"
	ReportAccepted      = "report.accepted"
	ParticipantJoined   = "participant.joined"
	ParticipantBanned   = "participant.banned"
	ParticipantUnbanned = "participant.unbanned"
	AppealSubmitted     = "appeal.submitted"
	AppealResolved      = "appeal.resolved"
	QueueChanged        = "queue.changed"

	StatsRefreshed = "stats.refreshed"

	NotifierQueued  = "notifier.queued"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDropped = "notifier.dropped"
	NotifierDeduped = "notifier.deduped"
)

// RoundEvent describes a round lifecycle step.
type RoundEvent struct {
	RoundID  int64  `json:"round_id"`
	AuthorID string `json:"author_id,omitempty"`
	Template string `json:"template,omitempty"`
	Words    int    `json:"words,omitempty"`
}

// SelectionEvent describes an author pick or a skipped candidate.
type SelectionEvent struct {
	RoundID  int64  `json:"round_id"`
	AuthorID string `json:"author_id"`
	Source   string `json:"source"` // "queue" | "random"
	Error    string `json:"error,omitempty"`
}

type VoteEvent struct {
	RoundID   int64  `json:"round_id"`
	Direction string `json:"direction"`
	Effect    string `json:"effect"` // "applied" | "switched" | "toggled_off"
}

type ReportEvent struct {
	RoundID int64  `json:"round_id"`
	Reason  string `json:"reason"`
	Count   int    `json:"count"`
}

// ModerationEvent covers bans, unbans and appeals.
type ModerationEvent struct {
	Subject string `json:"subject"`
	Reason  string `json:"reason,omitempty"`
	Source  string `json:"source,omitempty"` // "auto" | "operator"
	Accept  bool   `json:"accept,omitempty"`
}

type ParticipantEvent struct {
	ID       string `json:"id"`
	Provider string `json:"provider,omitempty"`
}

type QueueEvent struct {
	Subject string `json:"subject"`
	Length  int    `json:"length"`
}

// NotificationEvent is emitted for notifier lifecycle steps.
type NotificationEvent struct {
	Template string `json:"template"`
	Key      string `json:"key"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StatsEvent is emitted after a stats recomputation.
type StatsEvent struct {
	CostMS   int64 `json:"cost_ms"`
	Members  int   `json:"members"`
	Active1h int   `json:"active_1h"`
}
