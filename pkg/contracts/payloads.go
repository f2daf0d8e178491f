package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MatchPayload is the execution input for MATCH and URGENT_EXCHANGE proposals.
type MatchPayload struct {
	OfferID    string  `json:"offer_id"`
	NeedID     string  `json:"need_id"`
	ProviderID string  `json:"provider_id"`
	ReceiverID string  `json:"receiver_id"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
	Score      float64 `json:"score,omitempty"`

	Breakdown *ScoreBreakdown `json:"breakdown,omitempty"`
}

// ScoreBreakdown keeps the sub-scores behind a match for auditability.
type ScoreBreakdown struct {
	Category float64 `json:"category"`
	Distance float64 `json:"distance"`
	Timing   float64 `json:"timing"`
	Quantity float64 `json:"quantity"`
}

// ReplenishmentPayload asks for a resource to be restocked.
type ReplenishmentPayload struct {
	ResourceRef string  `json:"resource_ref"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	Location    string  `json:"location,omitempty"`
}

// CacheEvictionPayload asks a node to drop cached bundles.
type CacheEvictionPayload struct {
	NodeID     string   `json:"node_id"`
	BundleIDs  []string `json:"bundle_ids"`
	BytesFreed int64    `json:"bytes_freed,omitempty"`
}

// DecodeMatchPayload decodes the payload of a MATCH or URGENT_EXCHANGE proposal.
func (p *Proposal) DecodeMatchPayload() (MatchPayload, error) {
	var mp MatchPayload
	if p.Kind != KindMatch && p.Kind != KindUrgentExchange {
		return mp, fmt.Errorf("%w: %s carries no match payload", ErrUnsupportedKind, p.Kind)
	}
	if err := json.Unmarshal(p.Payload, &mp); err != nil {
		return mp, fmt.Errorf("%w: decode match payload: %v", ErrInvalidProposal, err)
	}
	return mp, nil
}

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// payloadSchemaFiles maps kinds to their payload schema. Kinds absent here
// (ALERT) carry free-form payloads.
var payloadSchemaFiles = map[Kind]string{
	KindMatch:          "schemas/match.schema.json",
	KindUrgentExchange: "schemas/match.schema.json",
	KindReplenishment:  "schemas/replenishment.schema.json",
	KindCacheEviction:  "schemas/cache_eviction.schema.json",
}

var (
	compileOnce    sync.Once
	compiled       map[Kind]*jsonschema.Schema
	compileFailure error
)

func payloadSchemas() (map[Kind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		out := make(map[Kind]*jsonschema.Schema, len(payloadSchemaFiles))
		added := make(map[string]bool)
		for kind, file := range payloadSchemaFiles {
			url := "https://schemas.local/proposals/" + file
			if !added[file] {
				data, err := schemaFS.ReadFile(file)
				if err != nil {
					compileFailure = fmt.Errorf("read schema %s: %w", file, err)
					return
				}
				if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
					compileFailure = fmt.Errorf("load schema %s: %w", file, err)
					return
				}
				added[file] = true
			}
			s, err := c.Compile(url)
			if err != nil {
				compileFailure = fmt.Errorf("compile schema %s: %w", file, err)
				return
			}
			out[kind] = s
		}
		compiled = out
	})
	return compiled, compileFailure
}

// ValidatePayload checks the payload against the schema registered for its kind.
func (p *Proposal) ValidatePayload() error {
	schemas, err := payloadSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[p.Kind]
	if !ok {
		return nil
	}
	if len(p.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidProposal, p.Kind)
	}

	dec := json.NewDecoder(bytes.NewReader(p.Payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", ErrInvalidProposal, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrInvalidProposal, err)
	}
	return nil
}
