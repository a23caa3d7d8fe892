// Package schema defines the case and entity records the advisor correlates.
// Records are owned by the case and entity stores; the analysis core only reads them.
package schema

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a case.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusClosed        Status = "closed"
)

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusContained, StatusClosed:
		return true
	}
	return false
}

// IsActive reports whether the case still needs analyst attention.
// Open and investigating cases both count as open work.
func (s Status) IsActive() bool {
	return s == StatusOpen || s == StatusInvestigating
}

// Case is a single recorded security incident.
type Case struct {
	ID        string     `json:"case_id" yaml:"case_id" validate:"required,max=256"`
	Status    Status     `json:"status" yaml:"status" validate:"required,case_status"`
	Device    string     `json:"device,omitempty" yaml:"device,omitempty" validate:"max=256"`
	User      string     `json:"user,omitempty" yaml:"user,omitempty" validate:"max=256"`
	Time      time.Time  `json:"time,omitzero" yaml:"time,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	Evidence  []Evidence `json:"evidence,omitempty" yaml:"evidence,omitempty" validate:"max=1000"`
	Findings  []string   `json:"findings,omitempty" yaml:"findings,omitempty"`
	Notes     string     `json:"notes,omitempty" yaml:"notes,omitempty" validate:"max=65536"`

	// Raw holds unstructured case content that does not fit the typed fields.
	Raw string `json:"raw,omitempty" yaml:"raw,omitempty" validate:"max=65536"`
}

// ObservedAt returns the case time, falling back to the creation time.
func (c *Case) ObservedAt() time.Time {
	if !c.Time.IsZero() {
		return c.Time
	}
	return c.CreatedAt
}

// DeviceKey returns the entity key of the case device, or "" if unset.
func (c *Case) DeviceKey() EntityKey {
	return NewEntityKey(EntityDevice, c.Device)
}

// UserKey returns the entity key of the case user, or "" if unset.
func (c *Case) UserKey() EntityKey {
	return NewEntityKey(EntityUser, c.User)
}

// Tags returns the sorted, deduplicated tags carried by the case evidence.
func (c *Case) Tags() []string {
	seen := make(map[string]struct{})
	for _, ev := range c.Evidence {
		for _, tag := range ev.Tags {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag != "" {
				seen[tag] = struct{}{}
			}
		}
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// EvidenceText returns the serialized evidence records.
func (c *Case) EvidenceText() string {
	if len(c.Evidence) == 0 {
		return ""
	}
	data, err := json.Marshal(c.Evidence)
	if err != nil {
		return ""
	}
	return string(data)
}

// Content returns the lowercased serialized case content used for
// full-text scans (address extraction, indicator and stage keywords).
func (c *Case) Content() string {
	var b strings.Builder
	b.WriteString(c.Device)
	b.WriteByte('\n')
	b.WriteString(c.User)
	b.WriteByte('\n')
	b.WriteString(string(c.Status))
	b.WriteByte('\n')
	if ev := c.EvidenceText(); ev != "" {
		b.WriteString(ev)
		b.WriteByte('\n')
	}
	for _, f := range c.Findings {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteString(c.Notes)
	b.WriteByte('\n')
	b.WriteString(c.Raw)
	return strings.ToLower(b.String())
}

// Evidence is one evidence record attached to a case. Only Kind, Content and
// Tags have meaning to the advisor; everything else is kept in Attributes.
type Evidence struct {
	Kind       string         `json:"kind,omitempty" yaml:"kind,omitempty"`
	Content    string         `json:"content,omitempty" yaml:"content,omitempty"`
	Tags       []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// UnmarshalJSON accepts either a bare string or an object. Unknown object
// fields are preserved in Attributes.
func (e *Evidence) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*e = Evidence{Content: text}
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = evidenceFromMap(raw)
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML snapshot files.
func (e *Evidence) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*e = Evidence{Content: node.Value}
		return nil
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*e = evidenceFromMap(raw)
	return nil
}

func evidenceFromMap(raw map[string]any) Evidence {
	var ev Evidence
	used := make(map[string]bool)

	for _, key := range []string{"kind", "type"} {
		if v, ok := raw[key].(string); ok {
			ev.Kind = v
			used[key] = true
			break
		}
	}
	for _, key := range []string{"content", "value", "summary"} {
		if v, ok := raw[key].(string); ok {
			ev.Content = v
			used[key] = true
			break
		}
	}
	if list, ok := raw["tags"].([]any); ok {
		for _, item := range list {
			if v, ok := item.(string); ok {
				ev.Tags = append(ev.Tags, v)
			}
		}
		used["tags"] = true
	}
	if attrs, ok := raw["attributes"].(map[string]any); ok {
		ev.Attributes = make(map[string]any, len(attrs))
		for k, v := range attrs {
			ev.Attributes[k] = v
		}
		used["attributes"] = true
	}

	for key, value := range raw {
		if used[key] {
			continue
		}
		if ev.Attributes == nil {
			ev.Attributes = make(map[string]any)
		}
		ev.Attributes[key] = value
	}
	return ev
}
