package model

// Template keys understood by the mail renderer.
const (
	TemplateBroadcasterSelected = "broadcaster_selected"
	TemplateReminder12h         = "reminder_12h"
	TemplateReminder1h          = "reminder_1h"
	TemplateBanned              = "banned"
	TemplateUnbanned            = "unbanned"
	TemplateAppealRefused       = "appeal_refused"
	TemplateMissed              = "missed"
)

// Notification is a mail the engine wants delivered after commit.
// Params are opaque to the core; the renderer owns the markup.
type Notification struct {
	// ID names one state transition. Repeated transitions get distinct ids
	// so delivery dedup only collapses resubmissions of the same one.
	ID       string            `json:"id,omitempty"`
	To       string            `json:"to"`
	Template string            `json:"template"`
	Lang     string            `json:"lang,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}
