// Package errors provides categorised errors for the consultation engine.
//
// Errors are built with a fluent builder so the category and structured
// context travel with the error through every layer:
//
//	return errors.Newf("language %q is not supported", code).
//		Component("consultation").
//		Category(errors.CategoryValidation).
//		Context("field", "language").
//		Build()
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// ErrorCategory groups errors by how callers are expected to react to them.
type ErrorCategory string

const (
	// CategoryValidation marks bad input. Never retried.
	CategoryValidation ErrorCategory = "validation"
	// CategoryTransient marks provider timeouts, rate limits and 5xx responses.
	CategoryTransient ErrorCategory = "transient"
	// CategoryBusy marks lock contention on a consultation.
	CategoryBusy ErrorCategory = "consultation-busy"
	// CategoryTransition marks an operation attempted in the wrong state.
	CategoryTransition ErrorCategory = "invalid-transition"
	// CategoryEditTarget marks an edit that touches a forbidden field.
	CategoryEditTarget ErrorCategory = "invalid-edit-target"
	// CategoryRender marks artifact generation failures.
	CategoryRender ErrorCategory = "render"

	CategoryNotFound      ErrorCategory = "not-found"
	CategoryLimit         ErrorCategory = "limit"
	CategoryDatabase      ErrorCategory = "database"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryIntegration   ErrorCategory = "integration"
	CategoryGeneric       ErrorCategory = "generic"
)

const ComponentUnknown = "unknown"

// EnhancedError wraps an error with a category, the component that raised it
// and structured context.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time

	mu       sync.Mutex
	reported bool
}

func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is reports a match when target is an EnhancedError of the same category.
// This lets the package-level sentinels be used with errors.Is.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return false
}

// GetContext returns a copy of the error context.
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.Context == nil {
		return nil
	}
	out := make(map[string]any, len(ee.Context))
	maps.Copy(out, ee.Context)
	return out
}

// ErrorBuilder assembles an EnhancedError.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = CategoryGeneric
	}
	return ee
}

// Sentinels for errors.Is checks. They match any EnhancedError of the same
// category regardless of message.
var (
	ErrValidation        = sentinel(CategoryValidation, "validation failed")
	ErrTransient         = sentinel(CategoryTransient, "transient provider failure")
	ErrConsultationBusy  = sentinel(CategoryBusy, "consultation is busy")
	ErrInvalidTransition = sentinel(CategoryTransition, "invalid state transition")
	ErrInvalidEditTarget = sentinel(CategoryEditTarget, "invalid edit target")
	ErrRender            = sentinel(CategoryRender, "artifact rendering failed")
	ErrNotFound          = sentinel(CategoryNotFound, "not found")
	ErrLimit             = sentinel(CategoryLimit, "limit exceeded")
)

func sentinel(category ErrorCategory, msg string) *EnhancedError {
	return &EnhancedError{Err: stderrors.New(msg), Category: category, Component: ComponentUnknown}
}

// CategoryOf returns the category of the outermost EnhancedError in the chain,
// or CategoryGeneric.
func CategoryOf(err error) ErrorCategory {
	var ee *EnhancedError
	if As(err, &ee) {
		return ee.Category
	}
	return CategoryGeneric
}

// IsCategory reports whether any EnhancedError in the chain has the category.
func IsCategory(err error, category ErrorCategory) bool {
	return Is(err, &EnhancedError{Category: category})
}

// FieldOf returns the "field" context value of the error, if any.
func FieldOf(err error) string {
	var ee *EnhancedError
	if !As(err, &ee) {
		return ""
	}
	if f, ok := ee.Context["field"].(string); ok {
		return f
	}
	return ""
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// NewStd creates a plain error without categorisation.
func NewStd(text string) error { return stderrors.New(text) }
