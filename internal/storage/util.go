package storage

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SortReports orders rows by report time, then participant id. Tie-breaks in
// the ban rule depend on this order.
func SortReports(rows []ReportRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].At.Equal(rows[j].At) {
			return rows[i].At.Before(rows[j].At)
		}
		return rows[i].ParticipantID < rows[j].ParticipantID
	})
}

func stampAudit(e AuditEntry) AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return e
}
