package ingest

import (
	"context"
	stderrors "errors"
	"net"

	"golang.org/x/net/http2"

	"github.com/ajitpratap0/featuresink/pkg/clients"
	"github.com/ajitpratap0/featuresink/pkg/errors"
)

// retriableStatusCodes are the non-2xx statuses worth redelivering
var retriableStatusCodes = map[int]struct{}{
	408: {}, // Request Timeout
	425: {}, // Too Early
	429: {}, // Too Many Requests
	500: {}, // Internal Server Error
	502: {}, // Bad Gateway
	503: {}, // Service Unavailable
	504: {}, // Gateway Timeout
}

// IsRetriableStatus reports whether a non-2xx status is retriable
func IsRetriableStatus(code int) bool {
	_, ok := retriableStatusCodes[code]
	return ok
}

// ClassifyStatus maps an HTTP status to an outcome kind
func ClassifyStatus(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return Success
	case IsRetriableStatus(code):
		return Retriable
	default:
		return Terminal
	}
}

// ClassifyTransportError maps a failed round trip to an outcome kind and
// error type. Only an explicitly closed client or connection is terminal.
func ClassifyTransportError(err error) (Kind, errors.ErrorType) {
	if stderrors.Is(err, clients.ErrClosed) || stderrors.Is(err, net.ErrClosed) {
		return Terminal, errors.ErrorTypeShutdown
	}

	var streamErr http2.StreamError
	var goAway http2.GoAwayError
	var connErr http2.ConnectionError
	switch {
	case stderrors.As(err, &streamErr), stderrors.As(err, &goAway), stderrors.As(err, &connErr):
		return Retriable, errors.ErrorTypeTransport
	case stderrors.Is(err, context.DeadlineExceeded):
		return Retriable, errors.ErrorTypeTimeout
	default:
		return Retriable, errors.ErrorTypeTransport
	}
}
