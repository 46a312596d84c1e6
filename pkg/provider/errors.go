package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDecode marks a response that arrived but could not be interpreted.
var ErrDecode = errors.New("decode response")

// Exchange is the request/response detail captured for a failed call.
type Exchange struct {
	Method          string
	URL             string
	RequestHeaders  http.Header
	RequestBody     []byte
	StatusCode      int
	ResponseHeaders http.Header
	ResponseBody    []byte
}

// HTTPError is returned when a provider answers with a non-2xx status.
type HTTPError struct {
	Exchange
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: http %d", e.Method, e.URL, e.StatusCode)
}

// RequestError wraps a transport or decoding failure with whatever detail was captured.
type RequestError struct {
	Exchange
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ExchangeOf extracts the captured exchange from err, if any.
func ExchangeOf(err error) (*Exchange, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return &he.Exchange, true
	}
	var re *RequestError
	if errors.As(err, &re) {
		return &re.Exchange, true
	}
	return nil, false
}
