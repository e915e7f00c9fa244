package stats

import (
	"time"

	"rbs/internal/model"
)

// Snapshot is one consistent recomputation of the derived aggregates.
// It is replaced wholesale and never mutated after publication.
type Snapshot struct {
	RoundID    int64     `json:"round_id"`
	RoundStart time.Time `json:"round_start"`

	Active1h    int `json:"active_1h"`
	Active24h   int `json:"active_24h"`
	Active7d    int `json:"active_7d"`
	SeenCurrent int `json:"seen_current"`

	MostUpvoted   []model.ArchivedPost `json:"most_upvoted"`
	MostDownvoted []model.ArchivedPost `json:"most_downvoted"`
	MostPopular   []model.ArchivedPost `json:"most_popular"`
	LeastPopular  []model.ArchivedPost `json:"least_popular"`

	Counters   model.Counters       `json:"counters"`
	Broadcasts model.BroadcastStats `json:"broadcasts"`
	StartedAt  time.Time            `json:"started_at"`

	ComputedAt time.Time     `json:"computed_at"`
	Cost       time.Duration `json:"cost"`
}

// PostView is the public shape of an archived post.
type PostView struct {
	ID         int64   `json:"id"`
	AuthorName string  `json:"author_name"`
	Content    string  `json:"content"`
	Language   string  `json:"language,omitempty"`
	Upvotes    int     `json:"upvotes"`
	Downvotes  int     `json:"downvotes"`
	Ratio      float64 `json:"ratio"`
	ClosedAt   int64   `json:"closed_at"`
}

type ActiveView struct {
	Hour    int `json:"1h"`
	Day     int `json:"24h"`
	Week    int `json:"7d"`
	Current int `json:"current_round"`
}

type TopView struct {
	MostUpvoted   []PostView `json:"most_upvoted"`
	MostDownvoted []PostView `json:"most_downvoted"`
	MostPopular   []PostView `json:"most_popular"`
	LeastPopular  []PostView `json:"least_popular"`
}

type BroadcastView struct {
	Messages   int64            `json:"messages"`
	ByLanguage map[string]int64 `json:"by_language"`
	Words      int64            `json:"words"`
	Characters int64            `json:"characters"`
}

// View is the serialization handed to external consumers.
type View struct {
	Members    int           `json:"members"`
	Banned     int           `json:"banned"`
	Rotations  int64         `json:"rotations"`
	Missed     int64         `json:"missed"`
	Active     ActiveView    `json:"active"`
	Top        TopView       `json:"top"`
	Broadcasts BroadcastView `json:"broadcasts"`

	RoundID          int64 `json:"round_id"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	ComputedAt       int64 `json:"computed_at"`
	CostMS           int64 `json:"cost_ms"`
}

func posts(in []model.ArchivedPost) []PostView {
	out := make([]PostView, 0, len(in))
	for _, p := range in {
		out = append(out, PostView{
			ID:         p.ID,
			AuthorName: p.AuthorName,
			Content:    p.Content,
			Language:   p.Language,
			Upvotes:    p.Upvotes,
			Downvotes:  p.Downvotes,
			Ratio:      p.Ratio,
			ClosedAt:   p.ClosedAt.Unix(),
		})
	}
	return out
}

// View renders s at now. remaining is the time left in the current round,
// which the snapshot itself does not track.
func (s *Snapshot) View(now time.Time, remaining time.Duration) View {
	if s == nil {
		return View{}
	}
	byLang := s.Broadcasts.ByLanguage
	if byLang == nil {
		byLang = map[string]int64{}
	}
	return View{
		Members:   s.Counters.Members,
		Banned:    s.Counters.Banned,
		Rotations: s.Counters.Rotations,
		Missed:    s.Counters.Missed,
		Active:    ActiveView{Hour: s.Active1h, Day: s.Active24h, Week: s.Active7d, Current: s.SeenCurrent},
		Top: TopView{
			MostUpvoted:   posts(s.MostUpvoted),
			MostDownvoted: posts(s.MostDownvoted),
			MostPopular:   posts(s.MostPopular),
			LeastPopular:  posts(s.LeastPopular),
		},
		Broadcasts: BroadcastView{
			Messages:   s.Broadcasts.Messages,
			ByLanguage: byLang,
			Words:      s.Broadcasts.Words,
			Characters: s.Broadcasts.Characters,
		},
		RoundID:          s.RoundID,
		UptimeSeconds:    int64(now.Sub(s.StartedAt).Seconds()),
		RemainingSeconds: int64(remaining.Seconds()),
		ComputedAt:       s.ComputedAt.Unix(),
		CostMS:           s.Cost.Milliseconds(),
	}
}
