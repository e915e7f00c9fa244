package model

import "errors"

// Errors returned at the operation boundary. Callers match with errors.Is.
var (
	ErrNoActiveBroadcast    = errors.New("no active broadcast")
	ErrAlreadyReported      = errors.New("already reported")
	ErrNoEligibleAuthor     = errors.New("no eligible author")
	ErrUnreachableAuthor    = errors.New("unreachable author")
	ErrInvalidOrReusedToken = errors.New("invalid or reused token")
	ErrForbidden            = errors.New("forbidden")

	ErrNotFound         = errors.New("not found")
	ErrNotAuthor        = errors.New("not the current author")
	ErrAlreadyPublished = errors.New("broadcast already published")
	ErrAlreadyBanned    = errors.New("already banned")
	ErrNotBanned        = errors.New("not banned")
	ErrAlreadyAppealed  = errors.New("appeal already submitted")
	ErrNoAppeal         = errors.New("no pending appeal")
	ErrDuplicateAccount = errors.New("duplicate account")
	ErrNotPreselected   = errors.New("not preselected")
	ErrInvalidInput     = errors.New("invalid input")
)
