package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the request client, the realtime channel and the
// mutation submitter.
var (
	// ErrNetwork is transient: connection failures, timeouts, 5xx answers.
	ErrNetwork = errors.New("network error")

	// ErrAuthExpired is terminal for the current request chain. The
	// credential authority has already cleared the pair and raised the
	// authentication-required signal when this is returned.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrForbidden means the user is not an authorized participant.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is a business rule rejection, e.g. already voted.
	ErrConflict = errors.New("conflict")

	// ErrNotFound means the party, round or question no longer exists.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyPending is a local guard; no request was sent.
	ErrAlreadyPending = errors.New("mutation already pending")

	// ErrUnavailable is exposed when the pull transport keeps failing.
	ErrUnavailable = errors.New("sync unavailable")
)

// StatusError is a non-2xx HTTP answer. It unwraps to the taxonomy sentinel
// matching its status code so callers can use errors.Is.
type StatusError struct {
	StatusCode int
	Path       string
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api %s returned status %d: %s", e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api %s returned status %d", e.Path, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ForStatus(e.StatusCode)
}

// ForStatus maps an HTTP status to a taxonomy sentinel. It returns nil for
// success codes.
func ForStatus(code int) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized:
		return ErrAuthExpired
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound, code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusBadRequest, code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		return ErrConflict
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrNetwork
	default:
		return ErrConflict
	}
}

// Classify folds an arbitrary error into the taxonomy. Errors already in the
// taxonomy and context cancellations are returned as they are; anything else
// is treated as a transient network failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNetwork, ErrAuthExpired, ErrForbidden, ErrConflict, ErrNotFound, ErrAlreadyPending, ErrUnavailable} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// IsTerminal reports whether retrying the same request chain is pointless.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound)
}
