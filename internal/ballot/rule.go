package ballot

import (
	"math"
	"strings"

	"rbs/internal/storage"
)

// Rule is the automatic ban threshold: ban when more than SeenFactor*sqrt(n)
// participants saw the round and more than ReportShare of them reported it.
type Rule struct {
	SeenFactor  float64
	ReportShare float64
}

func DefaultRule() Rule { return Rule{SeenFactor: 3, ReportShare: 0.5} }

func (r Rule) normalized() Rule {
	if r.SeenFactor <= 0 {
		r.SeenFactor = 3
	}
	if r.ReportShare <= 0 || r.ReportShare > 1 {
		r.ReportShare = 0.5
	}
	return r
}

// ShouldBan evaluates the rule for seen viewers, n members and reports.
func (r Rule) ShouldBan(seen, members, reports int) bool {
	r = r.normalized()
	return float64(seen) > r.SeenFactor*math.Sqrt(float64(members)) &&
		float64(reports) > float64(seen)*r.ReportShare
}

// WinningReason returns the most frequent reason. rows must be in report
// order; ties go to the reason reported first.
func WinningReason(rows []storage.ReportRow) string {
	counts := map[string]int{}
	var order []string
	for _, r := range rows {
		if _, seen := counts[r.Reason]; !seen {
			order = append(order, r.Reason)
		}
		counts[r.Reason]++
	}
	best := ""
	for _, reason := range order {
		if best == "" || counts[reason] > counts[best] {
			best = reason
		}
	}
	return best
}

// MostQuoted returns the quote contained in the most quotes, itself
// included. Ties go to the quote seen first.
func MostQuoted(quotes []string) string {
	var distinct []string
	seen := map[string]bool{}
	for _, q := range quotes {
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		distinct = append(distinct, q)
	}
	best, bestN := "", 0
	for _, cand := range distinct {
		n := 0
		for _, q := range quotes {
			if strings.Contains(q, cand) {
				n++
			}
		}
		if n > bestN {
			best, bestN = cand, n
		}
	}
	return best
}
