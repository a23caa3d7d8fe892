package analysis

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"

	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/decision"
	"killchain-advisor/internal/detection/technique"
	"killchain-advisor/internal/killchain"
	"killchain-advisor/internal/schema"
)

// Report bundles the three data products of one pipeline run.
type Report struct {
	ID          string              `json:"id"`
	GeneratedAt time.Time           `json:"generated_at"`
	CampaignID  string              `json:"campaign_id,omitempty"`
	Index       *correlation.Index  `json:"index"`
	Techniques  []technique.Finding `json:"techniques"`
	KillChain   killchain.Summary   `json:"kill_chain"`
	Decisions   []decision.Item     `json:"decisions"`
	Fingerprint string              `json:"fingerprint"`
	Degraded    bool                `json:"degraded"`
	Warnings    []string            `json:"warnings,omitempty"`
}

// Fingerprint hashes the report content, leaving out the run identity
// (ID, GeneratedAt) and the fingerprint itself. Two runs over the same
// snapshot produce the same fingerprint.
func Fingerprint(r *Report) (string, error) {
	c := *r
	c.ID = ""
	c.GeneratedAt = time.Time{}
	c.Fingerprint = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SnapshotDigest hashes a store snapshot and scope. It keys cached reports.
func SnapshotDigest(cases []schema.Case, entities []schema.Entity, campaignID string) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	enc := json.NewEncoder(h)
	for _, v := range []any{campaignID, cases, entities} {
		if err := enc.Encode(v); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
