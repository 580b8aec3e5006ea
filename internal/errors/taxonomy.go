package errors

import (
	"fmt"
	"net/http"
)

// Validation reports bad caller input, naming the offending field.
func Validation(component, field, format string, args ...any) error {
	return Newf(format, args...).
		Component(component).
		Category(CategoryValidation).
		Context("field", field).
		Build()
}

// Transient wraps a provider failure that may succeed on retry.
func Transient(component, provider string, err error) error {
	return New(fmt.Errorf("%s: %w", provider, err)).
		Component(component).
		Category(CategoryTransient).
		Context("provider", provider).
		Build()
}

// Busy reports that the consultation lock could not be acquired in time.
func Busy(component, id string) error {
	return Newf("consultation %s is busy, retry later", id).
		Component(component).
		Category(CategoryBusy).
		Context("consultation_id", id).
		Build()
}

// InvalidTransition reports an operation attempted in a state that does not allow it.
func InvalidTransition(component, op, state string) error {
	return Newf("cannot %s a consultation in state %s", op, state).
		Component(component).
		Category(CategoryTransition).
		Context("operation", op).
		Context("state", state).
		Build()
}

// InvalidEditTarget reports an edit against a field that is not editable.
func InvalidEditTarget(component, field string) error {
	return Newf("field %q is not editable", field).
		Component(component).
		Category(CategoryEditTarget).
		Context("field", field).
		Build()
}

// Render wraps an artifact generation failure.
func Render(component string, err error) error {
	return New(fmt.Errorf("render artifact: %w", err)).
		Component(component).
		Category(CategoryRender).
		Build()
}

// NotFound reports a missing resource.
func NotFound(component, resource, id string) error {
	return Newf("%s %s not found", resource, id).
		Component(component).
		Category(CategoryNotFound).
		Context("resource", resource).
		Build()
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryEditTarget:
		return http.StatusUnprocessableEntity
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryTransition:
		return http.StatusConflict
	case CategoryBusy:
		return http.StatusLocked
	case CategoryLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
