package model

import (
	"time"

	"github.com/google/uuid"
)

// Lab is an OPAL member laboratory.
type Lab struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Institution string         `json:"institution"`
	Location    *string        `json:"location,omitempty"`
	Description *string        `json:"description,omitempty"`
	Contacts    map[string]any `json:"contacts,omitempty"`
	URLs        map[string]any `json:"urls,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Facility is a physical or logical facility within a lab.
type Facility struct {
	ID          uuid.UUID `json:"id"`
	LabID       uuid.UUID `json:"lab_id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Capability is a registered experimental capability offered by a facility.
type Capability struct {
	ID                 uuid.UUID      `json:"id"`
	FacilityID         uuid.UUID      `json:"facility_id"`
	Name               string         `json:"name"`
	Description        *string        `json:"description,omitempty"`
	Modalities         []string       `json:"modalities,omitempty"`
	Throughput         *string        `json:"throughput,omitempty"`
	SampleRequirements map[string]any `json:"sample_requirements,omitempty"`
	Constraints        map[string]any `json:"constraints,omitempty"`
	TypicalOutputs     []string       `json:"typical_outputs,omitempty"`
	ReadinessLevel     *string        `json:"readiness_level,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	SourceDocumentID   *uuid.UUID     `json:"source_document_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// CapabilityWithContext is a capability joined with its facility and lab,
// the shape handed to the LLM and returned from capability search.
type CapabilityWithContext struct {
	Capability
	FacilityName   string `json:"facility_name"`
	LabName        string `json:"lab_name"`
	LabInstitution string `json:"lab_institution"`
}

// SourceDocument is an ingested document with provenance for citations.
type SourceDocument struct {
	ID         uuid.UUID      `json:"id"`
	SourceType string         `json:"source_type"` // pdf | url | yaml
	Title      string         `json:"title"`
	URI        *string        `json:"uri,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SourceChunk is one embedded fragment of a source document.
type SourceChunk struct {
	ID               string         `json:"id"`
	SourceDocumentID uuid.UUID      `json:"source_document_id"`
	ChunkIndex       int            `json:"chunk_index"`
	Text             string         `json:"text"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SearchHit is one scored chunk returned from the retrieval gateway.
// Hits are ordered by descending relevance; identical queries are not
// guaranteed stable results.
type SearchHit struct {
	ChunkID          string         `json:"chunk_id"`
	SourceDocumentID string         `json:"source_document_id"`
	SourceTitle      string         `json:"source_title"`
	Text             string         `json:"text"`
	Score            float32        `json:"score"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// CapabilitySearchOptions narrows a capability search. Zero values mean
// no filter; TopK <= 0 selects the caller's default.
type CapabilitySearchOptions struct {
	TopK     int
	LabID    *uuid.UUID
	Modality string
	Tags     []string
}

// CapabilitySearchResult is a capability with its best chunk score and the
// chunks that matched, grouped from raw search hits.
type CapabilitySearchResult struct {
	Capability     CapabilityWithContext `json:"capability"`
	RelevanceScore float32               `json:"relevance_score"`
	SourceChunks   []SearchHit           `json:"source_chunks"`
}
