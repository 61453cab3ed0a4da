package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard envelope for single-object responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// ChatRequest is the request body for POST /v1/chat.
type ChatRequest struct {
	Message        string     `json:"message"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
}

// ChatSubmitResponse acknowledges an accepted chat job.
type ChatSubmitResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// PlanRequest is the request body for POST /v1/plan.
type PlanRequest struct {
	Goal        string            `json:"goal"`
	Context     map[string]string `json:"context,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
}

// ConversationSummary is the list-view shape of a conversation.
type ConversationSummary struct {
	ID           uuid.UUID `json:"id"`
	Title        *string   `json:"title,omitempty"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationUpdateRequest is the request body for PATCH /v1/conversations/{id}.
type ConversationUpdateRequest struct {
	Title *string `json:"title,omitempty"`
}

// CapabilitySearchRequest is the request body for POST /v1/capabilities/search.
type CapabilitySearchRequest struct {
	Query    string   `json:"query"`
	Modality string   `json:"modality,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	TopK     int      `json:"top_k,omitempty"`
}

// IngestURLRequest is the request body for POST /v1/ingest/url.
type IngestURLRequest struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

// IngestResponse summarizes a completed ingestion.
type IngestResponse struct {
	SourceDocumentID uuid.UUID `json:"source_document_id"`
	ChunksCreated    int       `json:"chunks_created"`
	Message          string    `json:"message"`
}

// AuthTokenRequest exchanges the service API key for a bearer token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries an issued bearer token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
