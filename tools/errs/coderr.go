package errs

import (
	"errors"
	"fmt"
)

// CodeError is an error that carries a stable numeric code alongside the
// message. The code is what clients switch on; Detail is free-form context
// appended at the failure site and never parsed.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("[%d] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Msg, e.Detail)
}

// WithDetail returns a copy carrying extra context. The receiver is not
// mutated, so catalog entries stay pristine.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches on code only, so errors.Is works across WithDetail copies.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// AsCodeError unwraps err into a *CodeError, or folds it into the given
// fallback when it carries no code.
func AsCodeError(err error, fallback *CodeError) *CodeError {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return fallback.WithDetail(err.Error())
}
