package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/opal-net/opal/internal/model"
)

// Bundle is the YAML capability-registry format: labs own facilities,
// facilities own capabilities.
type Bundle struct {
	Labs []LabSpec `yaml:"labs"`
}

// LabSpec describes one member lab in a bundle.
type LabSpec struct {
	Name        string         `yaml:"name"`
	Institution string         `yaml:"institution"`
	Location    *string        `yaml:"location"`
	Description *string        `yaml:"description"`
	Contacts    map[string]any `yaml:"contacts"`
	URLs        map[string]any `yaml:"urls"`
	Facilities  []FacilitySpec `yaml:"facilities"`
}

// FacilitySpec describes a facility within a lab.
type FacilitySpec struct {
	Name         string           `yaml:"name"`
	Description  *string          `yaml:"description"`
	Capabilities []CapabilitySpec `yaml:"capabilities"`
}

// CapabilitySpec describes one experimental capability.
type CapabilitySpec struct {
	Name               string         `yaml:"name"`
	Description        *string        `yaml:"description"`
	Modalities         []string       `yaml:"modalities"`
	Throughput         *string        `yaml:"throughput"`
	SampleRequirements map[string]any `yaml:"sample_requirements"`
	Constraints        map[string]any `yaml:"constraints"`
	TypicalOutputs     []string       `yaml:"typical_outputs"`
	ReadinessLevel     *string        `yaml:"readiness_level"`
	Tags               []string       `yaml:"tags"`
}

// ParseBundle decodes a capability bundle and rejects empty ones.
func ParseBundle(r io.Reader) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("ingest: decode bundle: %w", err)
	}
	if len(b.Labs) == 0 {
		return Bundle{}, fmt.Errorf("ingest: bundle has no labs")
	}
	for _, lab := range b.Labs {
		if strings.TrimSpace(lab.Name) == "" {
			return Bundle{}, fmt.Errorf("ingest: bundle lab with empty name")
		}
	}
	return b, nil
}

// IngestBundle upserts a bundle's labs, facilities, and capabilities
// into the registry and indexes one searchable chunk per capability.
// sourceName labels the source document shown in citations.
func (s *Service) IngestBundle(ctx context.Context, r io.Reader, sourceName string) (Stats, error) {
	bundle, err := ParseBundle(r)
	if err != nil {
		return Stats{}, err
	}

	doc, err := s.store.CreateSourceDocument(ctx, model.SourceDocument{
		SourceType: "yaml",
		Title:      sourceName,
		Metadata:   map[string]any{"labs": len(bundle.Labs)},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: create bundle document: %w", err)
	}

	stats := Stats{DocumentID: doc.ID}
	var chunks []model.SourceChunk
	var labIDs []uuid.UUID

	for _, labSpec := range bundle.Labs {
		labID, err := s.store.UpsertLab(ctx, model.Lab{
			Name:        labSpec.Name,
			Institution: labSpec.Institution,
			Location:    labSpec.Location,
			Description: labSpec.Description,
			Contacts:    labSpec.Contacts,
			URLs:        labSpec.URLs,
		})
		if err != nil {
			return stats, err
		}
		stats.Labs++

		for _, facSpec := range labSpec.Facilities {
			facilityID, err := s.store.UpsertFacility(ctx, model.Facility{
				LabID:       labID,
				Name:        facSpec.Name,
				Description: facSpec.Description,
			})
			if err != nil {
				return stats, err
			}
			stats.Facilities++

			for _, capSpec := range facSpec.Capabilities {
				if _, err := s.store.UpsertCapability(ctx, model.Capability{
					FacilityID:         facilityID,
					Name:               capSpec.Name,
					Description:        capSpec.Description,
					Modalities:         capSpec.Modalities,
					Throughput:         capSpec.Throughput,
					SampleRequirements: capSpec.SampleRequirements,
					Constraints:        capSpec.Constraints,
					TypicalOutputs:     capSpec.TypicalOutputs,
					ReadinessLevel:     capSpec.ReadinessLevel,
					Tags:               capSpec.Tags,
					SourceDocumentID:   &doc.ID,
				}); err != nil {
					return stats, err
				}
				stats.Capabilities++

				chunks = append(chunks, model.SourceChunk{
					SourceDocumentID: doc.ID,
					ChunkIndex:       len(chunks),
					Text:             capabilityChunkText(capSpec),
					Metadata: map[string]any{
						"type":            "capability",
						"capability_name": capSpec.Name,
						"facility_name":   facSpec.Name,
						"lab_name":        labSpec.Name,
						"lab_id":          labID.String(),
					},
				})
				labIDs = append(labIDs, labID)
			}
		}
	}

	n, err := s.persistChunks(ctx, doc, chunks, labIDs)
	if err != nil {
		return stats, err
	}
	stats.Chunks = n

	s.logger.InfoContext(ctx, "ingested capability bundle",
		"document_id", doc.ID, "labs", stats.Labs,
		"capabilities", stats.Capabilities, "chunks", stats.Chunks)
	return stats, nil
}

// capabilityChunkText flattens one capability into the text that gets
// embedded. The name leads so embeddings anchor on it.
func capabilityChunkText(c CapabilitySpec) string {
	var b strings.Builder
	b.WriteString(c.Name)
	if c.Description != nil && *c.Description != "" {
		b.WriteString(": ")
		b.WriteString(*c.Description)
	}
	if len(c.Modalities) > 0 {
		b.WriteString(" Modalities: ")
		b.WriteString(strings.Join(c.Modalities, ", "))
		b.WriteString(".")
	}
	if c.Throughput != nil && *c.Throughput != "" {
		b.WriteString(" Throughput: ")
		b.WriteString(*c.Throughput)
		b.WriteString(".")
	}
	if len(c.TypicalOutputs) > 0 {
		b.WriteString(" Typical outputs: ")
		b.WriteString(strings.Join(c.TypicalOutputs, ", "))
		b.WriteString(".")
	}
	if len(c.Tags) > 0 {
		b.WriteString(" Tags: ")
		b.WriteString(strings.Join(c.Tags, ", "))
		b.WriteString(".")
	}
	return b.String()
}
