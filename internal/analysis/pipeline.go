// Package analysis runs the advisory pipeline over one store snapshot:
// correlation, technique inference, kill chain summary and recommendations.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/decision"
	"killchain-advisor/internal/detection/technique"
	"killchain-advisor/internal/killchain"
	"killchain-advisor/internal/schema"
	"killchain-advisor/internal/storage"
)

// ErrUnknownCampaign is returned when a requested campaign is not in the index.
var ErrUnknownCampaign = errors.New("unknown campaign")

// Config configures a Pipeline.
type Config struct {
	Correlation correlation.Options
	Metrics     *Metrics
}

// Pipeline reads a snapshot from the stores and produces reports.
type Pipeline struct {
	cases    storage.CaseReader
	entities storage.EntityReader
	config   Config
	now      func() time.Time
}

// NewPipeline creates a pipeline over the given readers.
func NewPipeline(cases storage.CaseReader, entities storage.EntityReader, cfg Config) *Pipeline {
	return &Pipeline{
		cases:    cases,
		entities: entities,
		config:   cfg,
		now:      time.Now,
	}
}

// Snapshot is one consistent read of both stores. Read failures degrade to
// empty collections and are listed in Warnings.
type Snapshot struct {
	Cases    []schema.Case
	Entities []schema.Entity
	Warnings []string
}

// Degraded reports whether any store read failed.
func (s *Snapshot) Degraded() bool {
	return len(s.Warnings) > 0
}

// Read takes a snapshot of both stores.
func (p *Pipeline) Read(ctx context.Context) *Snapshot {
	snap := &Snapshot{}
	if p.cases != nil {
		cases, err := p.cases.ListCases(ctx)
		if err != nil {
			slog.Warn("case store unreadable, continuing with no cases", "error", err)
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("cases unavailable: %v", err))
			cases = nil
		}
		snap.Cases = cases
	}
	if p.entities != nil {
		entities, err := p.entities.ListEntities(ctx)
		if err != nil {
			slog.Warn("entity store unreadable, continuing with no entities", "error", err)
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("entities unavailable: %v", err))
			entities = nil
		}
		snap.Entities = entities
	}
	return snap
}

// Run reads a fresh snapshot and analyzes it. campaignID narrows the kill
// chain and recommendations to one campaign; empty means all.
func (p *Pipeline) Run(ctx context.Context, campaignID string) (*Report, error) {
	return p.Analyze(p.Read(ctx), campaignID)
}

// Analyze produces a report from an existing snapshot.
func (p *Pipeline) Analyze(snap *Snapshot, campaignID string) (*Report, error) {
	start := time.Now()
	report, err := Analyze(snap.Cases, snap.Entities, campaignID, p.config.Correlation)
	if err != nil {
		return nil, err
	}
	report.ID = uuid.NewString()
	report.GeneratedAt = p.now().UTC()
	if snap.Degraded() {
		report.Degraded = true
		report.Warnings = append([]string(nil), snap.Warnings...)
		if report.Fingerprint, err = Fingerprint(report); err != nil {
			return nil, fmt.Errorf("fingerprint report: %w", err)
		}
	}
	p.config.Metrics.observe(report, time.Since(start).Seconds())

	slog.Debug("analysis complete",
		"campaign", campaignID,
		"campaigns", len(report.Index.Campaigns),
		"stages", len(report.KillChain.Stages),
		"confidence", report.KillChain.Confidence,
		"degraded", report.Degraded)
	return report, nil
}

// Analyze is the pure pipeline: it has no store access, no clock and no
// randomness, so identical inputs give identical reports. The returned
// report has no ID or GeneratedAt.
func Analyze(cases []schema.Case, entities []schema.Entity, campaignID string, opts correlation.Options) (*Report, error) {
	ix := correlation.BuildIndex(cases, entities, opts)
	techniques := technique.Infer(ix.Cases, ix.Entities)
	if techniques == nil {
		techniques = []technique.Finding{}
	}

	scope := killchain.Scope{}
	if campaignID != "" {
		c, ok := ix.Campaign(campaignID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCampaign, campaignID)
		}
		scope = killchain.Scope{CampaignID: c.ID, Devices: c.Devices()}
	}

	summary := killchain.Summarize(ix.Cases, techniques, ix.Lateral, scope)
	report := &Report{
		CampaignID: campaignID,
		Index:      ix,
		Techniques: techniques,
		KillChain:  summary,
		Decisions:  decision.Recommend(ix, summary, campaignID),
	}
	fp, err := Fingerprint(report)
	if err != nil {
		return nil, fmt.Errorf("fingerprint report: %w", err)
	}
	report.Fingerprint = fp
	return report, nil
}
