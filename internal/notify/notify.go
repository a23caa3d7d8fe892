// Package notify publishes advisory digests of analysis reports to NATS.
//
// A digest is text only: it names campaigns, stages and recommended
// priorities and carries the guardrail strings. Nothing downstream of a
// digest is expected to act on it automatically.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"killchain-advisor/internal/analysis"
	"killchain-advisor/internal/decision"
)

// Header keys set on every digest message.
const (
	HeaderFingerprint = "Advisor-Fingerprint"
	HeaderPriority    = "Advisor-Top-Priority"
)

// Config holds NATS publication settings.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	Name          string        `yaml:"name"`
	Token         string        `yaml:"token"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default NATS settings. Publication is off
// unless enabled.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Subject:       "advisor.digest",
		Name:          "killchain-advisor",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Validate checks the settings when publication is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("nats: url is required")
	}
	if c.Subject == "" {
		return errors.New("nats: subject is required")
	}
	return nil
}

// CampaignLine is one campaign in a digest.
type CampaignLine struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Risk        int    `json:"risk"`
	Cases       int    `json:"cases"`
	LateralHops int    `json:"lateral_hops,omitempty"`
}

// DecisionLine is one recommendation in a digest.
type DecisionLine struct {
	ID       string            `json:"id"`
	Priority decision.Priority `json:"priority"`
	Score    int               `json:"score"`
	Title    string            `json:"title"`
}

// Digest is the summary published for one report.
type Digest struct {
	ReportID     string         `json:"report_id"`
	Fingerprint  string         `json:"fingerprint"`
	GeneratedAt  time.Time      `json:"generated_at"`
	CampaignID   string         `json:"campaign_id,omitempty"`
	Campaigns    []CampaignLine `json:"campaigns"`
	CurrentStage string         `json:"current_stage,omitempty"`
	NextLikely   []string       `json:"next_likely,omitempty"`
	Confidence   int            `json:"confidence"`
	Decisions    []DecisionLine `json:"decisions"`
	Guardrails   []string       `json:"guardrails"`
	Degraded     bool           `json:"degraded,omitempty"`
}

// MaxDigestCampaigns bounds the campaigns listed in one digest.
const MaxDigestCampaigns = 5

// NewDigest condenses a report.
func NewDigest(r *analysis.Report) Digest {
	d := Digest{
		ReportID:    r.ID,
		Fingerprint: r.Fingerprint,
		GeneratedAt: r.GeneratedAt,
		CampaignID:  r.CampaignID,
		Campaigns:   []CampaignLine{},
		Decisions:   []DecisionLine{},
		Guardrails:  append([]string(nil), decision.Guardrails...),
		Degraded:    r.Degraded,
	}
	if r.Index != nil {
		for i, c := range r.Index.Campaigns {
			if i == MaxDigestCampaigns {
				break
			}
			d.Campaigns = append(d.Campaigns, CampaignLine{
				ID:          c.ID,
				Title:       c.Title,
				Risk:        c.Risk,
				Cases:       len(c.CaseIDs),
				LateralHops: c.LateralHops,
			})
		}
	}
	if r.KillChain.CurrentStage != nil {
		d.CurrentStage = string(*r.KillChain.CurrentStage)
	}
	for _, s := range r.KillChain.NextLikely {
		d.NextLikely = append(d.NextLikely, string(s))
	}
	d.Confidence = r.KillChain.Confidence
	for _, item := range r.Decisions {
		d.Decisions = append(d.Decisions, DecisionLine{
			ID:       item.ID,
			Priority: item.Priority,
			Score:    item.Score,
			Title:    item.Title,
		})
	}
	return d
}

// TopPriority returns the highest priority in the digest, or LOW when there
// are no decisions.
func (d Digest) TopPriority() decision.Priority {
	top := decision.PriorityLow
	for _, item := range d.Decisions {
		if item.Priority.Rank() > top.Rank() {
			top = item.Priority
		}
	}
	return top
}

// msgPublisher is the part of *nats.Conn the Publisher uses.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
}

// Publisher sends digests to a NATS subject. A report whose fingerprint
// matches the last published one is skipped.
type Publisher struct {
	conn    msgPublisher
	closer  func()
	subject string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	last string
}

// Connect dials NATS and returns a Publisher.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}

	p := newPublisher(nc, cfg.Subject, cfg.Timeout, logger)
	p.closer = nc.Close
	return p, nil
}

func newPublisher(conn msgPublisher, subject string, timeout time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		timeout: timeout,
		logger:  logger,
	}
}

// Publish sends the digest of r. It reports whether a message was sent.
func (p *Publisher) Publish(ctx context.Context, r *analysis.Report) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.Fingerprint != "" && r.Fingerprint == p.last {
		return false, nil
	}

	digest := NewDigest(r)
	data, err := json.Marshal(digest)
	if err != nil {
		return false, fmt.Errorf("nats: encode digest: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(HeaderFingerprint, digest.Fingerprint)
	msg.Header.Set(HeaderPriority, string(digest.TopPriority()))

	if err := p.conn.PublishMsg(msg); err != nil {
		return false, fmt.Errorf("nats: publish %s: %w", p.subject, err)
	}
	if p.timeout > 0 {
		if err := p.conn.FlushTimeout(p.timeout); err != nil {
			return false, fmt.Errorf("nats: flush: %w", err)
		}
	}

	p.last = r.Fingerprint
	p.logger.Info("advisory digest published",
		"subject", p.subject,
		"report_id", digest.ReportID,
		"campaigns", len(digest.Campaigns),
		"top_priority", digest.TopPriority(),
	)
	return true, nil
}

// Close closes the underlying connection, if the Publisher owns one.
func (p *Publisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}
