package schema

import "fmt"

// GoTypeOf maps a decoded JSON-ish value to the contract's type vocabulary.
func GoTypeOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int, int32, int64:
		return "int64"
	case float32, float64:
		return "float64"
	case string:
		return "string"
	case []interface{}:
		return "[]interface{}"
	case map[string]interface{}:
		return "map[string]interface{}"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Observe applies one row to the contract according to its mode, returning
// any violations found. For OBSERVED contracts, the first call locks the
// contract from the row's shape; for FIXED, no new fields are ever added;
// for FLEXIBLE, declared fields are enforced, the first row's undeclared
// fields are appended as inferred, and the contract locks — later rows may
// still carry fields outside the lock, which are tolerated but never added.
func (c *SchemaContract) Observe(row map[string]interface{}) ([]Violation, error) {
	if c.Locked {
		return c.validateLocked(row), nil
	}

	switch c.Mode {
	case ModeObserved:
		return nil, c.lockFromObservation(row)
	case ModeFlexible:
		violations, err := c.observeFlexible(row)
		if err != nil {
			return nil, err
		}
		c.Locked = true
		return violations, nil
	case ModeFixed:
		violations := c.validateLocked(row)
		c.Locked = true
		return violations, nil
	default:
		return nil, fmt.Errorf("schema: unknown mode %q", c.Mode)
	}
}

func (c *SchemaContract) lockFromObservation(row map[string]interface{}) error {
	fields := make([]FieldContract, 0, len(row))
	for original, value := range row {
		normalized, err := NormalizeFieldName(original)
		if err != nil {
			return err
		}
		fields = append(fields, FieldContract{
			NormalizedName: normalized,
			OriginalName:   original,
			GoType:         GoTypeOf(value),
			Required:       true,
			Source:         SourceInferred,
		})
	}
	c.Fields = fields
	c.Locked = true
	return nil
}

func (c *SchemaContract) observeFlexible(row map[string]interface{}) ([]Violation, error) {
	var violations []Violation
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		seen[f.OriginalName] = true
		value, ok := row[f.OriginalName]
		if !ok {
			if f.Required {
				violations = append(violations, MissingField(f.OriginalName))
			}
			continue
		}
		actual := GoTypeOf(value)
		if f.GoType != "" && actual != f.GoType {
			violations = append(violations, TypeMismatch(f.OriginalName, f.GoType, actual, value))
		}
	}
	for original, value := range row {
		if seen[original] {
			continue
		}
		normalized, err := NormalizeFieldName(original)
		if err != nil {
			return nil, err
		}
		c.Fields = append(c.Fields, FieldContract{
			NormalizedName: normalized,
			OriginalName:   original,
			GoType:         GoTypeOf(value),
			Required:       false,
			Source:         SourceInferred,
		})
	}
	return violations, nil
}

func (c *SchemaContract) validateLocked(row map[string]interface{}) []Violation {
	var violations []Violation
	known := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		known[f.OriginalName] = true
		value, ok := row[f.OriginalName]
		if !ok {
			if f.Required {
				violations = append(violations, MissingField(f.OriginalName))
			}
			continue
		}
		actual := GoTypeOf(value)
		if f.GoType != "" && actual != f.GoType {
			violations = append(violations, TypeMismatch(f.OriginalName, f.GoType, actual, value))
		}
	}
	if c.Mode == ModeFixed {
		for original := range row {
			if !known[original] {
				violations = append(violations, ExtraField(original))
			}
		}
	}
	return violations
}
