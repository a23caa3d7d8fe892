package storage

import (
	"context"
	"encoding/json"
	"time"

	"killchain-advisor/internal/schema"
)

const (
	casesTable    = "cases"
	entitiesTable = "entities"
)

// ClickHouseStore implements CaseStore and EntityStore on ClickHouse
// ReplacingMergeTree tables. Reads use FINAL so only the latest version of
// each row is returned.
type ClickHouseStore struct {
	client clickhouseConn
}

// NewClickHouseStore creates a store over an open client. Run the Migrator
// first so the tables exist.
func NewClickHouseStore(client clickhouseConn) *ClickHouseStore {
	return &ClickHouseStore{client: client}
}

// ListCases returns every case ordered by case_id.
func (s *ClickHouseStore) ListCases(ctx context.Context) ([]schema.Case, error) {
	rows, err := s.client.Query(ctx, `
		SELECT case_id, status, device, user, time, created_at, evidence, findings, notes, raw
		FROM cases FINAL
		ORDER BY case_id`)
	if err != nil {
		return nil, WrapQueryError("ListCases", casesTable, err)
	}
	defer rows.Close()

	var cases []schema.Case
	for rows.Next() {
		var (
			c        schema.Case
			status   string
			evidence string
		)
		if err := rows.Scan(&c.ID, &status, &c.Device, &c.User, &c.Time, &c.CreatedAt,
			&evidence, &c.Findings, &c.Notes, &c.Raw); err != nil {
			return nil, WrapQueryError("ListCases", casesTable, err)
		}
		c.Status = schema.Status(status)
		if evidence != "" {
			if err := json.Unmarshal([]byte(evidence), &c.Evidence); err != nil {
				return nil, WrapInvalidDataError("ListCases", casesTable, err)
			}
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("ListCases", casesTable, err)
	}
	return cases, nil
}

// UpsertCase writes a new version of the case row.
func (s *ClickHouseStore) UpsertCase(ctx context.Context, c schema.Case) error {
	if c.ID == "" {
		return WrapInvalidDataError("UpsertCase", casesTable, errEmptyCaseID)
	}
	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return WrapInvalidDataError("UpsertCase", casesTable, err)
	}
	findings := c.Findings
	if findings == nil {
		findings = []string{}
	}

	err = s.client.Exec(ctx, `
		INSERT INTO cases (case_id, status, device, user, time, created_at, evidence, findings, notes, raw, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Status), c.Device, c.User, c.Time, c.CreatedAt,
		string(evidence), findings, c.Notes, c.Raw, time.Now().UTC())
	if err != nil {
		return WrapQueryError("UpsertCase", casesTable, err)
	}
	return nil
}

// ListEntities returns every entity ordered by (type, id).
func (s *ClickHouseStore) ListEntities(ctx context.Context) ([]schema.Entity, error) {
	rows, err := s.client.Query(ctx, `
		SELECT type, id, risk_score, first_seen, last_seen, case_refs, tags
		FROM entities FINAL
		ORDER BY type, id`)
	if err != nil {
		return nil, WrapQueryError("ListEntities", entitiesTable, err)
	}
	defer rows.Close()

	var entities []schema.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, WrapQueryError("ListEntities", entitiesTable, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("ListEntities", entitiesTable, err)
	}
	return entities, nil
}

// UpsertEntity merges the observation into the latest stored version and
// writes the result as a new row version. The read-merge-write is not
// atomic across concurrent writers of the same entity.
func (s *ClickHouseStore) UpsertEntity(ctx context.Context, e schema.Entity) error {
	e.Normalize()
	return s.foldEntity(ctx, "UpsertEntity", e, mergeFold(e))
}

// ObserveEntity is UpsertEntity with the stored risk raised by riskDelta.
func (s *ClickHouseStore) ObserveEntity(ctx context.Context, e schema.Entity, riskDelta int) error {
	e.Normalize()
	return s.foldEntity(ctx, "ObserveEntity", e, observeFold(e, riskDelta))
}

func (s *ClickHouseStore) foldEntity(ctx context.Context, op string, e schema.Entity, fold entityFold) error {
	if e.Key() == "" {
		return WrapInvalidDataError(op, entitiesTable, errEmptyEntityID)
	}

	var merged schema.Entity
	existing, err := s.getEntity(ctx, e.Type, e.ID)
	switch {
	case err == nil:
		merged = fold(existing, true)
	case IsNotFound(err):
		merged = fold(schema.Entity{}, false)
	default:
		return err
	}

	err = s.client.Exec(ctx, `
		INSERT INTO entities (type, id, risk_score, first_seen, last_seen, case_refs, tags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(merged.Type), merged.ID, uint8(merged.RiskScore), merged.FirstSeen, merged.LastSeen,
		nonNil(merged.CaseRefs), nonNil(merged.Tags), time.Now().UTC())
	if err != nil {
		return WrapQueryError(op, entitiesTable, err)
	}
	return nil
}

func (s *ClickHouseStore) getEntity(ctx context.Context, t schema.EntityType, id string) (schema.Entity, error) {
	rows, err := s.client.Query(ctx, `
		SELECT type, id, risk_score, first_seen, last_seen, case_refs, tags
		FROM entities FINAL
		WHERE type = ? AND id = ?`, string(t), id)
	if err != nil {
		return schema.Entity{}, WrapQueryError("GetEntity", entitiesTable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return schema.Entity{}, WrapNotFoundError("GetEntity", entitiesTable, string(t)+":"+id)
	}
	e, err := scanEntity(rows)
	if err != nil {
		return schema.Entity{}, WrapQueryError("GetEntity", entitiesTable, err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(rows rowScanner) (schema.Entity, error) {
	var (
		e    schema.Entity
		typ  string
		risk uint8
	)
	if err := rows.Scan(&typ, &e.ID, &risk, &e.FirstSeen, &e.LastSeen, &e.CaseRefs, &e.Tags); err != nil {
		return schema.Entity{}, err
	}
	e.Type = schema.EntityType(typ)
	e.RiskScore = int(risk)
	return e, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
