// Package schema implements the contract engine: field name resolution
// between display and normalized names, type inference/locking across the
// FIXED/FLEXIBLE/OBSERVED modes, and the dual-name PipelineRow view.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/elspeth/elspeth/pkg/codec"
)

// Mode selects how strictly a SchemaContract enforces row shape.
type Mode string

const (
	ModeFixed    Mode = "FIXED"
	ModeFlexible Mode = "FLEXIBLE"
	ModeObserved Mode = "OBSERVED"
)

// FieldSource records whether a field was declared by configuration or
// inferred from observed data.
type FieldSource string

const (
	SourceDeclared FieldSource = "declared"
	SourceInferred FieldSource = "inferred"
)

// FieldContract is one field in a SchemaContract.
type FieldContract struct {
	NormalizedName string
	OriginalName   string
	GoType         string // "string","int64","float64","bool","[]interface{}","map[string]interface{}"
	Required       bool
	Source         FieldSource
}

// SchemaContract is an ordered tuple of field contracts plus a mode and lock
// state. Once Locked is true, the contract never changes (invariant 8).
type SchemaContract struct {
	Mode   Mode
	Locked bool
	Fields []FieldContract
}

var nonIdentifier = regexp.MustCompile(`[^a-z0-9_]+`)
var repeatedUnderscore = regexp.MustCompile(`_+`)

// NormalizeFieldName trims, lowercases, maps non-identifier characters to
// `_`, collapses runs of `_`, and rejects empty results.
func NormalizeFieldName(original string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(original))
	s = nonIdentifier.ReplaceAllString(s, "_")
	s = repeatedUnderscore.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "", fmt.Errorf("schema: normalized field name is empty for original %q", original)
	}
	return s, nil
}

// FieldByNormalized looks up a field contract by its normalized name.
func (c *SchemaContract) FieldByNormalized(name string) (FieldContract, bool) {
	for _, f := range c.Fields {
		if f.NormalizedName == name {
			return f, true
		}
	}
	return FieldContract{}, false
}

// FieldByOriginal looks up a field contract by its original (display) name.
func (c *SchemaContract) FieldByOriginal(name string) (FieldContract, bool) {
	for _, f := range c.Fields {
		if f.OriginalName == name {
			return f, true
		}
	}
	return FieldContract{}, false
}

// CanonicalMap renders the contract as the plain map shape the canonical
// codec accepts, preserving field order. It is the serialized form stored on
// runs.schema_contract_json and nodes.input_contract_json/output_contract_json.
func (c *SchemaContract) CanonicalMap() map[string]interface{} {
	fields := make([]interface{}, 0, len(c.Fields))
	for _, f := range c.Fields {
		fields = append(fields, map[string]interface{}{
			"normalized_name": f.NormalizedName,
			"original_name":   f.OriginalName,
			"go_type":         f.GoType,
			"required":        f.Required,
			"source":          string(f.Source),
		})
	}
	return map[string]interface{}{
		"mode":   string(c.Mode),
		"locked": c.Locked,
		"fields": fields,
	}
}

// VersionHash is a stable digest over (mode, locked, ordered fields), used
// to verify checkpoint/audit round-trips (invariant 8).
func (c *SchemaContract) VersionHash() (string, error) {
	return codec.ContentHash(c.CanonicalMap())
}

// Clone returns a deep copy so callers can refine an unlocked contract
// without aliasing the original's field slice.
func (c *SchemaContract) Clone() *SchemaContract {
	fields := make([]FieldContract, len(c.Fields))
	copy(fields, c.Fields)
	return &SchemaContract{Mode: c.Mode, Locked: c.Locked, Fields: fields}
}
