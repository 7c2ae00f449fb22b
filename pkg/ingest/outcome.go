package ingest

import (
	"github.com/ajitpratap0/featuresink/pkg/errors"
)

// Kind is the classification of a send
type Kind int

const (
	// Success means the API accepted the batch
	Success Kind = iota
	// Retriable means redelivering the same batch may succeed
	Retriable
	// Terminal means redelivering the same batch will not help
	Terminal
)

// String returns the lower-case name used in logs and metric labels
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retriable:
		return "retriable"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one send, including its retries
type Outcome struct {
	Kind Kind
	// Response is set on Success
	Response *Response
	// StatusCode is the last HTTP status seen, or 0 if none
	StatusCode int
	// APIError is the parsed error body of the last non-2xx response, if any
	APIError *APIError
	// Err explains a failure. It is an *errors.Error whose IsRetryable agrees
	// with Kind.
	Err error
	// Attempts is the number of HTTP attempts made
	Attempts int
	// Records is the number of records in the request
	Records int
}

// OK reports whether the send succeeded
func (o Outcome) OK() bool {
	return o.Kind == Success
}

// Error returns nil on success and the classified failure otherwise
func (o Outcome) Error() error {
	if o.Kind == Success {
		return nil
	}
	if o.Err != nil {
		return o.Err
	}
	return failure(o.Kind, errors.ErrorTypeInternal, "ingest failed without a reason")
}

// MoreSevere returns whichever outcome ranks higher: terminal, then
// retriable, then success. Ties keep a.
func MoreSevere(a, b Outcome) Outcome {
	if b.Kind > a.Kind {
		return b
	}
	return a
}

// failure builds the *errors.Error carried by a failed outcome
func failure(kind Kind, errType errors.ErrorType, msg string) *errors.Error {
	return errors.New(errType, msg).WithDetail(errors.DetailRetriable, kind == Retriable)
}

// wrapFailure is failure with a cause
func wrapFailure(kind Kind, cause error, errType errors.ErrorType, msg string) *errors.Error {
	return errors.Wrap(cause, errType, msg).WithDetail(errors.DetailRetriable, kind == Retriable)
}
