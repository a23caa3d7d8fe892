package storage

import (
	"context"

	"killchain-advisor/internal/schema"
)

// CaseReader reads every case record.
type CaseReader interface {
	ListCases(ctx context.Context) ([]schema.Case, error)
}

// CaseStore is the case persistence collaborator.
type CaseStore interface {
	CaseReader
	// UpsertCase inserts or replaces the case with the same ID.
	UpsertCase(ctx context.Context, c schema.Case) error
}

// EntityReader reads every entity record.
type EntityReader interface {
	ListEntities(ctx context.Context) ([]schema.Entity, error)
}

// EntityStore is the entity memory collaborator.
type EntityStore interface {
	EntityReader
	// UpsertEntity merges the observation into the record with the same
	// (type, id): tags and case refs are unioned and risk is clamped to [0,100].
	UpsertEntity(ctx context.Context, e schema.Entity) error
	// ObserveEntity is UpsertEntity for observation recording: the stored
	// risk is raised by riskDelta rather than replaced. A new record starts
	// at the observation's own risk plus riskDelta.
	ObserveEntity(ctx context.Context, e schema.Entity, riskDelta int) error
}

// entityFold combines the stored record, if found, with an incoming one.
type entityFold func(existing schema.Entity, found bool) schema.Entity

func mergeFold(obs schema.Entity) entityFold {
	return func(existing schema.Entity, found bool) schema.Entity {
		if !found {
			return obs
		}
		existing.Merge(obs)
		return existing
	}
}

func observeFold(obs schema.Entity, delta int) entityFold {
	return func(existing schema.Entity, found bool) schema.Entity {
		if !found {
			obs.RiskScore = schema.ClampRisk(obs.RiskScore + delta)
			return obs
		}
		existing.Observe(obs, delta)
		return existing
	}
}
