// Package apperr defines the error kinds shared by every chat component.
// Callers wrap one of the sentinels and inspect with errors.Is.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrConflict        = errors.New("conflict")
	ErrTransient       = errors.New("transient failure")
)

func Unauthenticated(format string, args ...any) error { return wrap(ErrUnauthenticated, format, args) }
func Forbidden(format string, args ...any) error       { return wrap(ErrForbidden, format, args) }
func NotFound(format string, args ...any) error        { return wrap(ErrNotFound, format, args) }
func Validation(format string, args ...any) error      { return wrap(ErrValidation, format, args) }
func Conflict(format string, args ...any) error        { return wrap(ErrConflict, format, args) }

// Transient marks err as an I/O failure against a collaborator. A nil err
// stays nil; errors already carrying a kind are returned unchanged.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}

func wrap(kind error, format string, args []any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the sentinel err wraps, or nil when it carries none.
func Kind(err error) error {
	for _, k := range []error{ErrUnauthenticated, ErrForbidden, ErrNotFound, ErrValidation, ErrConflict, ErrTransient} {
		if errors.Is(err, k) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}
	return nil
}

// Retryable reports whether a read that failed with err may be retried.
func Retryable(err error) bool {
	return Kind(err) == ErrTransient
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrValidation:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// RetryRead runs fn until it succeeds, fails with a terminal error, or the
// attempt budget runs out. Only use it for reads: appends must not be
// retried silently.
func RetryRead[T any](ctx context.Context, attempts uint64, fn func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(policy, attempts), ctx)

	var out T
	err := backoff.Retry(func() error {
		v, err := fn(ctx)
		if err != nil {
			if !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}, b)
	return out, err
}
