// Package models holds the types shared across PaceMate packages: conversation
// turns, entitlements, OAuth credentials, inbound messages and the JSON
// envelope returned by the HTTP API.
package models

// APIStatus is the "status" field of every API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
	// APIStatusIgnored acknowledges a webhook that changed nothing, so the
	// provider stops retrying it.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse is the JSON envelope written by every handler.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder assembles an APIResponse step by step.
type APIResponseBuilder struct {
	response APIResponse
}

func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

func envelope(status APIStatus, message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(status).WithMessage(message).WithResult(result).Build()
}

// Success wraps result in an ok envelope.
func Success(result interface{}) APIResponse { return envelope(APIStatusOK, "", result) }

// SuccessWithMessage is Success with a human-readable note.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return envelope(APIStatusOK, message, result)
}

// Error reports a failed request.
func Error(message string) APIResponse { return envelope(APIStatusError, message, nil) }

// Ignored acknowledges a webhook delivery that carried nothing actionable.
func Ignored(reason string) APIResponse { return envelope(APIStatusIgnored, reason, nil) }
