package models

import "time"

// ErrorTag is the transport-level failure taxonomy.
type ErrorTag string

const (
	ErrorTimeout    ErrorTag = "timeout"
	ErrorConnection ErrorTag = "connection"
	ErrorSSL        ErrorTag = "ssl"
	ErrorEncoding   ErrorTag = "encoding"
	ErrorHTTP       ErrorTag = "http"
	ErrorSystem     ErrorTag = "system"
	ErrorUnknown    ErrorTag = "unknown"
)

// ErrorRecord is the classified, immutable detail of one failure.
// Header maps are already redacted when the record is built.
type ErrorRecord struct {
	ID              int64             `json:"id"`
	Tag             ErrorTag          `json:"tag"`
	Method          string            `json:"method,omitempty"`
	URL             string            `json:"url,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     string            `json:"request_body,omitempty"`
	StatusCode      int               `json:"status_code,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Message         string            `json:"message"`
	Trace           string            `json:"trace,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}
