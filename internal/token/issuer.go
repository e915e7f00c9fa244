// Package token issues and checks single-use capability tokens.
//
// Tokens live in a model.TokenSet owned by the engine state, so issuing and
// consuming happen inside the same writer transaction as the action they
// authorize.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"rbs/internal/model"
)

// DefaultSize is the number of random bytes behind each secret.
const DefaultSize = 32

type Issuer struct {
	rand io.Reader
	size int
}

type Option func(*Issuer)

// WithRand replaces crypto/rand, for deterministic tests.
func WithRand(r io.Reader) Option { return func(i *Issuer) { i.rand = r } }

func WithSize(n int) Option {
	return func(i *Issuer) {
		if n > 0 {
			i.size = n
		}
	}
}

func New(opts ...Option) *Issuer {
	i := &Issuer{rand: rand.Reader, size: DefaultSize}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Issue creates a token for purpose (and subject), replacing any token
// stored under the same key.
func (i *Issuer) Issue(set model.TokenSet, purpose model.Purpose, subject string, now time.Time) (model.Token, error) {
	if set == nil {
		return model.Token{}, fmt.Errorf("token: nil set")
	}
	if purpose.SubjectKeyed() && strings.TrimSpace(subject) == "" {
		return model.Token{}, fmt.Errorf("token: %s requires a subject", purpose)
	}
	buf := make([]byte, i.size)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return model.Token{}, fmt.Errorf("token: read random: %w", err)
	}
	tok := model.Token{
		Purpose:  purpose,
		Subject:  subject,
		Secret:   base64.RawURLEncoding.EncodeToString(buf),
		IssuedAt: now,
	}
	set[model.TokenKey(purpose, subject)] = tok
	return tok, nil
}

// Verify reports whether presented matches the live token for purpose and
// subject. Any mismatch fails closed.
func (i *Issuer) Verify(set model.TokenSet, purpose model.Purpose, subject, presented string) bool {
	tok, ok := set[model.TokenKey(purpose, subject)]
	if !ok || presented == "" || tok.Secret == "" {
		return false
	}
	if tok.Subject != subject {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(tok.Secret), []byte(presented)) == 1
}

// Consume verifies and then invalidates the token.
func (i *Issuer) Consume(set model.TokenSet, purpose model.Purpose, subject, presented string) error {
	if !i.Verify(set, purpose, subject, presented) {
		return model.ErrInvalidOrReusedToken
	}
	delete(set, model.TokenKey(purpose, subject))
	return nil
}

// Revoke drops the token without checking it.
func (i *Issuer) Revoke(set model.TokenSet, purpose model.Purpose, subject string) {
	delete(set, model.TokenKey(purpose, subject))
}

// Has reports whether a token is live for purpose and subject.
func (i *Issuer) Has(set model.TokenSet, purpose model.Purpose, subject string) bool {
	_, ok := set[model.TokenKey(purpose, subject)]
	return ok
}
