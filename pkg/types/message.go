package types

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// CallRequest is the message sent by the scheduler to run a function on a token.
type CallRequest struct {
	// Function identifies the handler to run, e.g. "echo" or "sleep(500)".
	Function string `json:"function"`

	// Handler optionally names the handler key; when empty Function is used.
	Handler string `json:"handler,omitempty"`

	// Argument is the business payload, opaque to the agent.
	Argument json.RawMessage `json:"argument,omitempty"`

	// Properties are merged over the token and agent properties.
	Properties map[string]string `json:"properties,omitempty"`

	// CallTimeout is the time budget in milliseconds.
	CallTimeout int64 `json:"callTimeout"`
}

// Timeout returns CallTimeout as a duration.
func (r *CallRequest) Timeout() time.Duration {
	return time.Duration(r.CallTimeout) * time.Millisecond
}

// HandlerKey returns the key used to resolve the handler.
func (r *CallRequest) HandlerKey() string {
	if r.Handler != "" {
		return r.Handler
	}
	return r.Function
}

// Attachment is a named binary blob returned with a result.
type Attachment struct {
	Name       string `json:"name"`
	HexContent string `json:"hexContent"`
}

// NewAttachment hex-encodes data into an Attachment.
func NewAttachment(name string, data []byte) Attachment {
	return Attachment{Name: name, HexContent: hex.EncodeToString(data)}
}

// Bytes decodes the attachment content.
func (a Attachment) Bytes() ([]byte, error) {
	return hex.DecodeString(a.HexContent)
}

// Measure is a timing recorded by a handler.
type Measure struct {
	Name     string         `json:"name"`
	Begin    int64          `json:"begin"`
	Duration int64          `json:"duration"`
	Data     map[string]any `json:"data,omitempty"`
}

// CallResult is returned to the scheduler for every call, successful or not.
type CallResult struct {
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Measures    []Measure       `json:"measures,omitempty"`
}

// NewErrorResult builds a failed result carrying the given attachments.
func NewErrorResult(message string, attachments ...Attachment) *CallResult {
	r := &CallResult{Error: message}
	if len(attachments) > 0 {
		r.Attachments = append(r.Attachments, attachments...)
	}
	return r
}

// Failed reports whether the result carries an error.
func (r *CallResult) Failed() bool {
	return r.Error != ""
}

// AddAttachment appends an attachment to the result.
func (r *CallResult) AddAttachment(a Attachment) {
	r.Attachments = append(r.Attachments, a)
}
