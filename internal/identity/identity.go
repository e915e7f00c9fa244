// Package identity maps identity-provider accounts to participant ids.
package identity

import (
	"fmt"
	"strings"

	"rbs/internal/validation"
)

// Profile is what a provider returns after the login exchange.
type Profile struct {
	ExternalID  string
	DisplayName string
	Email       string
	LocaleHint  string
}

var prefixes = map[string]string{
	"google":  "ggl_",
	"twitter": "twttr_",
	"github":  "gthb_",
	"discord": "dscrd_",
	"twitch":  "twtch_",
}

// ParticipantID returns the stable participant id for an external account.
func ParticipantID(provider, externalID string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	externalID = strings.TrimSpace(externalID)
	if err := validation.Struct(validation.ProviderInput{Provider: provider, ExternalID: externalID}); err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	return prefixes[provider] + externalID, nil
}

// Provider returns the provider name encoded in a participant id.
func Provider(participantID string) string {
	for name, p := range prefixes {
		if strings.HasPrefix(participantID, p) {
			return name
		}
	}
	return ""
}

// Lang reduces a locale hint such as "fr-CA" to its language code.
func Lang(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexAny(hint, "-_"); i > 0 {
		hint = hint[:i]
	}
	if len(hint) < 2 || len(hint) > 3 {
		return ""
	}
	return hint
}
