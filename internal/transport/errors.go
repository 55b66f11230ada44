package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed request so callers never inspect transport-specific shapes.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindTimeout      ErrorKind = "timeout"
	KindCanceled     ErrorKind = "canceled"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindConflict     ErrorKind = "conflict"
	KindRateLimited  ErrorKind = "rate_limited"
	KindServer       ErrorKind = "server"
	KindDecode       ErrorKind = "decode"
	KindUnknown      ErrorKind = "unknown"
)

// RequestError is the typed result of a request that did not succeed.
// Status is zero when no response was received.
type RequestError struct {
	Kind      ErrorKind
	Status    int
	Message   string
	RequestID string
	Err       error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	b.WriteString("request failed: ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *RequestError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Kind == k
}

// KindForStatus maps an HTTP status to an ErrorKind. 2xx maps to "".
func KindForStatus(status int) ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// transportError wraps a failure that produced no response.
func transportError(err error, requestID string) *RequestError {
	kind := KindNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	}
	return &RequestError{Kind: kind, RequestID: requestID, Err: err}
}

// errorBody covers the error envelopes the API returns: {message}, {error}, {error:{message}}
// and the same nested under data.
type errorBody struct {
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Data    *errorBody      `json:"data"`
}

func (b *errorBody) text() string {
	if b == nil {
		return ""
	}
	if b.Message != "" {
		return b.Message
	}
	if len(b.Error) > 0 {
		var s string
		if json.Unmarshal(b.Error, &s) == nil && s != "" {
			return s
		}
		var nested errorBody
		if json.Unmarshal(b.Error, &nested) == nil {
			if m := nested.text(); m != "" {
				return m
			}
		}
	}
	return b.Data.text()
}

// statusError builds a RequestError from a non-2xx response body.
func statusError(status int, body []byte, requestID string) *RequestError {
	e := &RequestError{Kind: KindForStatus(status), Status: status, RequestID: requestID}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		e.Message = eb.text()
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
