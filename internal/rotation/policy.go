package rotation

import (
	"time"

	"rbs/internal/model"
)

// Policy holds the rotation timings. All windows are measured from the
// round's timestamps, never from process start.
type Policy struct {
	// EvaluationWindow is how long a published broadcast stays live.
	EvaluationWindow time.Duration
	// PublishWindow is how long a selected author has to publish.
	PublishWindow time.Duration
	// FirstReminder and FinalReminder are offsets before the publish
	// window ends.
	FirstReminder time.Duration
	FinalReminder time.Duration
	// PreselectedTTL drops missed authors who never answered.
	PreselectedTTL time.Duration
	Ratio          model.RatioPolicy
}

func DefaultPolicy() Policy {
	return Policy{
		EvaluationWindow: 24 * time.Hour,
		PublishWindow:    24 * time.Hour,
		FirstReminder:    12 * time.Hour,
		FinalReminder:    time.Hour,
		PreselectedTTL:   30 * 24 * time.Hour,
		Ratio:            model.RatioUpvotes,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.EvaluationWindow <= 0 {
		p.EvaluationWindow = d.EvaluationWindow
	}
	if p.PublishWindow <= 0 {
		p.PublishWindow = d.PublishWindow
	}
	if p.FirstReminder <= 0 {
		p.FirstReminder = d.FirstReminder
	}
	if p.FinalReminder <= 0 {
		p.FinalReminder = d.FinalReminder
	}
	if p.PreselectedTTL <= 0 {
		p.PreselectedTTL = d.PreselectedTTL
	}
	if p.Ratio != model.RatioOne {
		p.Ratio = model.RatioUpvotes
	}
	return p
}

// Remaining returns how long the current round has left before Advance
// closes it. It is never negative.
func (p Policy) Remaining(r model.Round, now time.Time) time.Duration {
	p = p.normalized()
	var left time.Duration
	switch {
	case r.AuthorID == "" || r.Redacted():
		return 0
	case r.Live():
		left = p.EvaluationWindow - now.Sub(r.CreatedAt)
	default:
		left = p.PublishWindow - now.Sub(r.LastAdvancedAt)
	}
	return max(left, 0)
}
