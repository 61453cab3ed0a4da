package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opal-net/opal/internal/model"
)

const labColumns = `id, name, institution, location, description, contacts, urls, created_at, updated_at`

const capabilityWithContextColumns = `c.id, c.facility_id, c.name, c.description, c.modalities,
	 c.throughput, c.sample_requirements, c.constraints, c.typical_outputs,
	 c.readiness_level, c.tags, c.source_document_id, c.created_at, c.updated_at,
	 f.name, l.name, l.institution`

// ListLabs returns all labs ordered by name.
func (db *DB) ListLabs(ctx context.Context) ([]model.Lab, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+labColumns+` FROM labs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list labs: %w", err)
	}
	defer rows.Close()

	var labs []model.Lab
	for rows.Next() {
		var l model.Lab
		if err := rows.Scan(&l.ID, &l.Name, &l.Institution, &l.Location, &l.Description,
			&l.Contacts, &l.URLs, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan lab: %w", err)
		}
		labs = append(labs, l)
	}
	return labs, rows.Err()
}

// FindLabByName returns the first lab whose name contains the given
// fragment, case-insensitively. Used by the get_lab_info tool, which
// receives free-text lab names from the LLM.
func (db *DB) FindLabByName(ctx context.Context, name string) (model.Lab, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+labColumns+` FROM labs WHERE name ILIKE '%' || $1 || '%' ORDER BY name LIMIT 1`,
		strings.TrimSpace(name),
	)
	var l model.Lab
	err := row.Scan(&l.ID, &l.Name, &l.Institution, &l.Location, &l.Description,
		&l.Contacts, &l.URLs, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Lab{}, ErrNotFound
	}
	if err != nil {
		return model.Lab{}, fmt.Errorf("storage: find lab: %w", err)
	}
	return l, nil
}

// UpsertLab inserts a lab or updates it by unique name, returning its ID.
func (db *DB) UpsertLab(ctx context.Context, l model.Lab) (uuid.UUID, error) {
	id := l.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO labs (id, name, institution, location, description, contacts, urls)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET
			institution = EXCLUDED.institution,
			location = EXCLUDED.location,
			description = EXCLUDED.description,
			contacts = EXCLUDED.contacts,
			urls = EXCLUDED.urls,
			updated_at = now()
		 RETURNING id`,
		id, l.Name, l.Institution, l.Location, l.Description, l.Contacts, l.URLs,
	)
	var got uuid.UUID
	if err := row.Scan(&got); err != nil {
		return uuid.Nil, fmt.Errorf("storage: upsert lab: %w", err)
	}
	return got, nil
}

// UpsertFacility inserts a facility or updates it by (lab_id, name),
// returning its ID.
func (db *DB) UpsertFacility(ctx context.Context, f model.Facility) (uuid.UUID, error) {
	id := f.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO facilities (id, lab_id, name, description)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (lab_id, name) DO UPDATE SET
			description = EXCLUDED.description,
			updated_at = now()
		 RETURNING id`,
		id, f.LabID, f.Name, f.Description,
	)
	var got uuid.UUID
	if err := row.Scan(&got); err != nil {
		return uuid.Nil, fmt.Errorf("storage: upsert facility: %w", err)
	}
	return got, nil
}

// UpsertCapability inserts a capability or updates it by unique name,
// returning its ID. Capability names are unique across the registry; the
// vector index references capabilities by name in chunk metadata.
func (db *DB) UpsertCapability(ctx context.Context, c model.Capability) (uuid.UUID, error) {
	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO capabilities (id, facility_id, name, description, modalities, throughput,
			 sample_requirements, constraints, typical_outputs, readiness_level, tags, source_document_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (name) DO UPDATE SET
			facility_id = EXCLUDED.facility_id,
			description = EXCLUDED.description,
			modalities = EXCLUDED.modalities,
			throughput = EXCLUDED.throughput,
			sample_requirements = EXCLUDED.sample_requirements,
			constraints = EXCLUDED.constraints,
			typical_outputs = EXCLUDED.typical_outputs,
			readiness_level = EXCLUDED.readiness_level,
			tags = EXCLUDED.tags,
			source_document_id = EXCLUDED.source_document_id,
			updated_at = now()
		 RETURNING id`,
		id, c.FacilityID, c.Name, c.Description, c.Modalities, c.Throughput,
		c.SampleRequirements, c.Constraints, c.TypicalOutputs, c.ReadinessLevel,
		c.Tags, c.SourceDocumentID,
	)
	var got uuid.UUID
	if err := row.Scan(&got); err != nil {
		return uuid.Nil, fmt.Errorf("storage: upsert capability: %w", err)
	}
	return got, nil
}

// GetCapabilityByID returns a capability with facility and lab context.
func (db *DB) GetCapabilityByID(ctx context.Context, id uuid.UUID) (model.CapabilityWithContext, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+capabilityWithContextColumns+`
		 FROM capabilities c
		 JOIN facilities f ON f.id = c.facility_id
		 JOIN labs l ON l.id = f.lab_id
		 WHERE c.id = $1`, id)
	return scanCapabilityWithContext(row)
}

// GetCapabilityByName returns a capability with context by its unique name.
func (db *DB) GetCapabilityByName(ctx context.Context, name string) (model.CapabilityWithContext, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+capabilityWithContextColumns+`
		 FROM capabilities c
		 JOIN facilities f ON f.id = c.facility_id
		 JOIN labs l ON l.id = f.lab_id
		 WHERE c.name = $1`, name)
	return scanCapabilityWithContext(row)
}

// ListCapabilities returns all capabilities with context, ordered by name.
func (db *DB) ListCapabilities(ctx context.Context) ([]model.CapabilityWithContext, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+capabilityWithContextColumns+`
		 FROM capabilities c
		 JOIN facilities f ON f.id = c.facility_id
		 JOIN labs l ON l.id = f.lab_id
		 ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list capabilities: %w", err)
	}
	defer rows.Close()
	return scanCapabilitiesWithContext(rows)
}

// GetLabCapabilities returns all capabilities offered by one lab.
func (db *DB) GetLabCapabilities(ctx context.Context, labID uuid.UUID) ([]model.CapabilityWithContext, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+capabilityWithContextColumns+`
		 FROM capabilities c
		 JOIN facilities f ON f.id = c.facility_id
		 JOIN labs l ON l.id = f.lab_id
		 WHERE l.id = $1
		 ORDER BY c.name`, labID)
	if err != nil {
		return nil, fmt.Errorf("storage: get lab capabilities: %w", err)
	}
	defer rows.Close()
	return scanCapabilitiesWithContext(rows)
}

func scanCapabilityWithContext(row pgx.Row) (model.CapabilityWithContext, error) {
	var c model.CapabilityWithContext
	err := row.Scan(
		&c.ID, &c.FacilityID, &c.Name, &c.Description, &c.Modalities,
		&c.Throughput, &c.SampleRequirements, &c.Constraints, &c.TypicalOutputs,
		&c.ReadinessLevel, &c.Tags, &c.SourceDocumentID, &c.CreatedAt, &c.UpdatedAt,
		&c.FacilityName, &c.LabName, &c.LabInstitution,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CapabilityWithContext{}, ErrNotFound
	}
	if err != nil {
		return model.CapabilityWithContext{}, fmt.Errorf("storage: scan capability: %w", err)
	}
	return c, nil
}

func scanCapabilitiesWithContext(rows pgx.Rows) ([]model.CapabilityWithContext, error) {
	var caps []model.CapabilityWithContext
	for rows.Next() {
		var c model.CapabilityWithContext
		if err := rows.Scan(
			&c.ID, &c.FacilityID, &c.Name, &c.Description, &c.Modalities,
			&c.Throughput, &c.SampleRequirements, &c.Constraints, &c.TypicalOutputs,
			&c.ReadinessLevel, &c.Tags, &c.SourceDocumentID, &c.CreatedAt, &c.UpdatedAt,
			&c.FacilityName, &c.LabName, &c.LabInstitution,
		); err != nil {
			return nil, fmt.Errorf("storage: scan capability: %w", err)
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}
