package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// AutoApproveAcknowledgement must appear verbatim to enable auto-approval.
const AutoApproveAcknowledgement = "I understand proposals from this producer will be approved without human review"

// ErrMissingDefaultTTL is returned when the policy file has no default_ttl.
var ErrMissingDefaultTTL = errors.New("producer policy: default_ttl is required")

// Duration is a time.Duration written as "36h" or "90m" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"24h\": %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// AutoApprove configures trusted automation for one producer.
type AutoApprove struct {
	Enabled         bool   `yaml:"enabled"`
	Acknowledgement string `yaml:"acknowledgement"`
}

// ProducerPolicy is the per-producer section of the policy file.
type ProducerPolicy struct {
	Enabled     *bool       `yaml:"enabled"`
	TTL         *Duration   `yaml:"ttl"`
	MinScore    *float64    `yaml:"min_score"`
	AutoApprove AutoApprove `yaml:"auto_approve"`
}

// Policy is the producer policy file.
type Policy struct {
	DefaultTTL *Duration                 `yaml:"default_ttl"`
	Producers  map[string]ProducerPolicy `yaml:"producers"`
}

// Resolved is the effective policy for one producer with defaults applied.
type Resolved struct {
	Name        string
	Enabled     bool
	TTL         time.Duration
	MinScore    *float64 // nil means the producer's own default
	AutoApprove bool
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load producer policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates policy YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse producer policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the file-level default and every producer section.
func (p *Policy) Validate() error {
	if p.DefaultTTL == nil {
		return ErrMissingDefaultTTL
	}
	if *p.DefaultTTL <= 0 {
		return fmt.Errorf("producer policy: default_ttl must be positive")
	}

	names := make([]string, 0, len(p.Producers))
	for name := range p.Producers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pp := p.Producers[name]
		if pp.TTL != nil && *pp.TTL <= 0 {
			return fmt.Errorf("producer %q: ttl must be positive", name)
		}
		if pp.MinScore != nil && (*pp.MinScore < 0 || *pp.MinScore > 1) {
			return fmt.Errorf("producer %q: min_score must be within [0, 1]", name)
		}
		if pp.AutoApprove.Enabled && pp.AutoApprove.Acknowledgement != AutoApproveAcknowledgement {
			return fmt.Errorf("producer %q: auto_approve requires acknowledgement %q", name, AutoApproveAcknowledgement)
		}
	}
	return nil
}

// For returns the effective policy for a producer. A producer runs only when
// its section sets enabled: true; absent producers are disabled.
func (p *Policy) For(name string) Resolved {
	r := Resolved{Name: name}
	if p.DefaultTTL != nil {
		r.TTL = time.Duration(*p.DefaultTTL)
	}

	pp, ok := p.Producers[name]
	if !ok {
		return r
	}
	if pp.Enabled != nil {
		r.Enabled = *pp.Enabled
	}
	if pp.TTL != nil {
		r.TTL = time.Duration(*pp.TTL)
	}
	if pp.MinScore != nil {
		v := *pp.MinScore
		r.MinScore = &v
	}
	r.AutoApprove = pp.AutoApprove.Enabled && pp.AutoApprove.Acknowledgement == AutoApproveAcknowledgement
	return r
}
