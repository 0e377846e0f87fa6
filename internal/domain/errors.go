package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindCoverage   Kind = "coverage"
	KindUpstream   Kind = "upstream"
)

// Error codes.
const (
	CodeNotFound             = "not_found"
	CodeAlreadyAccepted      = "already_accepted"
	CodeAlreadyRejected      = "already_rejected"
	CodeCannotRejectAccepted = "cannot_reject_accepted"
	CodeRequestClosed        = "request_closed"
	CodeNoCoverage           = "no_coverage"
	CodeDuplicateOffer       = "duplicate_offer"
	CodeActiveRequestExists  = "active_request_exists"
	CodeInvalidPrice         = "invalid_price"
	CodeInvalidDraft         = "invalid_draft"
	CodeUpstream             = "upstream"
)

type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return e.Code + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(code, msg string) error {
	return &Error{Kind: KindValidation, Code: code, Msg: msg}
}

func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Msg: what + " not found"}
}

func Conflict(code, msg string) error {
	return &Error{Kind: KindConflict, Code: code, Msg: msg}
}

func Coverage(msg string) error {
	return &Error{Kind: KindCoverage, Code: CodeNoCoverage, Msg: msg}
}

func Upstream(msg string, err error) error {
	return &Error{Kind: KindUpstream, Code: CodeUpstream, Msg: msg, Err: err}
}

// KindOf returns the taxonomy kind of err. Errors outside the taxonomy are
// reported as upstream failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return CodeUpstream
}
