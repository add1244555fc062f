// Package errors extends the standard errors package with categories and a
// pluggable reporter. It re-exports the stdlib helpers so callers need a single
// import.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Category classifies an error by how the caller should react to it.
type Category string

const (
	CategoryUnknown        Category = "unknown"
	CategoryTransient      Category = "transient"
	CategoryRuleEvaluation Category = "rule-evaluation"
	CategoryInvariant      Category = "invariant"
	CategoryValidation     Category = "validation"
	CategoryNotFound       Category = "not-found"
	CategoryConfiguration  Category = "configuration"
)

// Error is a categorized error with optional structured context.
type Error struct {
	Category Category
	Msg      string
	Err      error
	Context  map[string]any
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// WithContext attaches a key/value pair and returns the same error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Newf creates a categorized error with a formatted message. %w verbs are honored.
func Newf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Err: fmt.Errorf(format, args...)}
}

// Wrap categorizes err. It returns nil when err is nil.
func Wrap(err error, category Category, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Msg: msg, Err: err}
}

// CategoryOf returns the category of the outermost categorized error in the chain.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	return CategoryUnknown
}

// IsTransient reports whether retrying the same operation may succeed.
func IsTransient(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// Re-exports of the standard library helpers.

func New(text string) error { return stderrors.New(text) }
func Is(err, target error) bool { return stderrors.Is(err, target) }
func As(err error, target any) bool { return stderrors.As(err, target) }
func Join(errs ...error) error { return stderrors.Join(errs...) }
func Unwrap(err error) error { return stderrors.Unwrap(err) }
