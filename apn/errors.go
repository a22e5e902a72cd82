// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package apn

// ErrorKind is a sentinel error category, declared like
// const ErrSomething = apn.ErrorKind("something") and matched with errors.Is.
type ErrorKind string

// Error satisfies the error interface.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error attaches detail text to a sentinel kind while staying matchable
// against the kind.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the kind with the detail.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error for errors.Is and errors.As.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps a sentinel kind with detail text.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}
