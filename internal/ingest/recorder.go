// Package ingest accepts case records and records the entity observations
// they imply.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/schema"
	"killchain-advisor/internal/storage"
)

var (
	// ErrInvalidCase wraps validation failures. Callers use it to tell bad
	// input apart from store failures.
	ErrInvalidCase = errors.New("invalid case")
	// ErrObservation wraps entity memory failures that happened after the
	// case itself was stored.
	ErrObservation = errors.New("entity observation failed")
)

// Risk raised on each entity a case touches, by case status.
const (
	OpenRiskDelta          = 10
	InvestigatingRiskDelta = 15
	ContainedRiskDelta     = 5
	ClosedRiskDelta        = 0
)

// StatusRiskDelta returns the risk bump for a case in status s.
func StatusRiskDelta(s schema.Status) int {
	switch s {
	case schema.StatusOpen:
		return OpenRiskDelta
	case schema.StatusInvestigating:
		return InvestigatingRiskDelta
	case schema.StatusContained:
		return ContainedRiskDelta
	}
	return ClosedRiskDelta
}

// Observation is one entity update derived from a case.
type Observation struct {
	Entity    schema.Entity
	RiskDelta int
}

// Observations returns the device, user and ip observations for c, in that
// order, using the same identifiers the correlation builder sees. Each
// observation references the case, carries its tags and uses the case time
// as both first and last seen.
func Observations(c *schema.Case, ipCap int) []Observation {
	delta := StatusRiskDelta(c.Status)
	seen := c.ObservedAt()
	tags := c.Tags()

	keys := correlation.ExtractIdentifiers(c, ipCap)
	obs := make([]Observation, 0, len(keys))
	for _, key := range keys {
		obs = append(obs, Observation{
			Entity: schema.Entity{
				Type:      key.Type(),
				ID:        key.ID(),
				FirstSeen: seen,
				LastSeen:  seen,
				CaseRefs:  []string{c.ID},
				Tags:      tags,
			},
			RiskDelta: delta,
		})
	}
	return obs
}

// Recorder validates cases, writes them to the case store and folds their
// observations into entity memory.
type Recorder struct {
	cases     storage.CaseStore
	entities  storage.EntityStore
	validator *schema.Validator
	ipCap     int
	now       func() time.Time
	logger    *slog.Logger
}

// NewRecorder creates a Recorder. A nil validator gets the default one.
func NewRecorder(cases storage.CaseStore, entities storage.EntityStore, v *schema.Validator, logger *slog.Logger) *Recorder {
	if v == nil {
		v = schema.NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cases:     cases,
		entities:  entities,
		validator: v,
		ipCap:     correlation.DefaultIPCap,
		now:       time.Now,
		logger:    logger,
	}
}

// WithIPCap sets how many addresses are taken from one case.
func (r *Recorder) WithIPCap(n int) *Recorder {
	if n > 0 {
		r.ipCap = n
	}
	return r
}

// Prepare normalizes and validates c in place. A case with neither time nor
// created_at is stamped with the current time.
func (r *Recorder) Prepare(c *schema.Case) error {
	c.ID = strings.TrimSpace(c.ID)
	c.Device = strings.TrimSpace(c.Device)
	c.User = strings.TrimSpace(c.User)
	if c.Status == "" {
		c.Status = schema.StatusOpen
	}
	if c.ObservedAt().IsZero() {
		c.CreatedAt = r.now().UTC()
	}
	if err := r.validator.ValidateCase(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCase, err)
	}
	return nil
}

// Record stores c and its observations. The case is written first; entity
// failures are collected so that one bad backend call does not hide the rest.
func (r *Recorder) Record(ctx context.Context, c schema.Case) error {
	if err := r.Prepare(&c); err != nil {
		return err
	}
	if err := r.cases.UpsertCase(ctx, c); err != nil {
		return fmt.Errorf("record case %s: %w", c.ID, err)
	}

	obs := Observations(&c, r.ipCap)
	var errs []error
	for _, o := range obs {
		if err := r.entities.ObserveEntity(ctx, o.Entity, o.RiskDelta); err != nil {
			errs = append(errs, fmt.Errorf("observe %s: %w", o.Entity.Key(), err))
		}
	}

	r.logger.Debug("case recorded",
		"case_id", c.ID,
		"status", c.Status,
		"observations", len(obs),
		"failed", len(errs),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrObservation, errors.Join(errs...))
	}
	return nil
}
