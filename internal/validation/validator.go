// Package validation checks user-supplied text with go-playground/validator.
//
// Failures are returned as *Error, which unwraps to model.ErrInvalidInput so
// callers keep matching with errors.Is.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"rbs/internal/model"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed rule.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

func (f FieldError) String() string {
	if f.Param != "" {
		return fmt.Sprintf("%s failed %s=%s", f.Field, f.Tag, f.Param)
	}
	return fmt.Sprintf("%s failed %s", f.Field, f.Tag)
}

type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return model.ErrInvalidInput.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return model.ErrInvalidInput.Error() + ": " + strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error { return model.ErrInvalidInput }

// Get returns the shared validator with the custom rules registered.
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("minwords", minWords)
		validate.RegisterStructValidation(reportRules, ReportInput{})
	})
	return validate
}

// Struct validates s and converts failures to *Error.
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	out := &Error{Fields: make([]FieldError, 0, len(ves))}
	for _, fe := range ves {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Tag: fe.Tag(), Param: fe.Param()})
	}
	return out
}

func minWords(fl validator.FieldLevel) bool {
	n, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return model.CountWords(fl.Field().String()) >= n
}

// BroadcastInput is what an author submits for the current round.
type BroadcastInput struct {
	Content     string `validate:"required,max=512,minwords=2"`
	DisplayName string `validate:"omitempty,max=64"`
}

// ReportInput carries a report against Content, the live broadcast.
type ReportInput struct {
	Content string
	Reason  string `validate:"required,oneof=harassment mild_language link offensive_name"`
	Quote   string `validate:"max=512"`
}

// reportRules requires a quote taken from the broadcast unless the report
// targets the author's name.
func reportRules(sl validator.StructLevel) {
	in := sl.Current().Interface().(ReportInput)
	if in.Reason == model.ReasonOffensiveName {
		return
	}
	q := strings.TrimSpace(in.Quote)
	if model.CountWords(q) < 2 {
		sl.ReportError(in.Quote, "Quote", "Quote", "minwords", "2")
		return
	}
	if !strings.Contains(in.Content, q) {
		sl.ReportError(in.Quote, "Quote", "Quote", "substring", "")
	}
}

type AppealInput struct {
	Text string `validate:"required,max=512,minwords=2"`
}

// ProviderInput guards identity provider names.
type ProviderInput struct {
	Provider   string `validate:"required,oneof=google twitter github discord twitch"`
	ExternalID string `validate:"required,max=128"`
}
