package model

import "time"

// Purpose binds a capability token to one kind of action.
type Purpose string

const (
	PurposeBroadcast   Purpose = "broadcast"
	PurposeBanAppeal   Purpose = "ban_appeal"
	PurposeAdminAction Purpose = "admin_action"
)

// SubjectKeyed reports whether tokens of p are stored per subject.
func (p Purpose) SubjectKeyed() bool { return p == PurposeBanAppeal }

type Token struct {
	Purpose  Purpose   `json:"purpose"`
	Subject  string    `json:"subject,omitempty"`
	Secret   string    `json:"secret"`
	IssuedAt time.Time `json:"issued_at"`
}

// TokenSet holds live tokens keyed by TokenKey.
type TokenSet map[string]Token

// TokenKey is purpose for singleton purposes and purpose:subject otherwise.
func TokenKey(p Purpose, subject string) string {
	if p.SubjectKeyed() {
		return string(p) + ":" + subject
	}
	return string(p)
}
