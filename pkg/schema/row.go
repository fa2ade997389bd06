package schema

// PipelineRow is a dual-name view over a row: reads and writes may use
// either the original (display) name or the normalized name, but writes
// always persist under the normalized name only.
type PipelineRow struct {
	contract *SchemaContract
	data     map[string]interface{}
}

// NewPipelineRow wraps a raw row for dual-name access under contract.
func NewPipelineRow(contract *SchemaContract, data map[string]interface{}) *PipelineRow {
	return &PipelineRow{contract: contract, data: data}
}

// Get resolves name (original or normalized) to a value.
func (r *PipelineRow) Get(name string) (interface{}, bool) {
	if v, ok := r.data[name]; ok {
		return v, true
	}
	if f, ok := r.contract.FieldByOriginal(name); ok {
		if v, ok := r.data[f.NormalizedName]; ok {
			return v, true
		}
	}
	if f, ok := r.contract.FieldByNormalized(name); ok {
		if v, ok := r.data[f.OriginalName]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set resolves name to its normalized form and stores the value under that
// key only, per the dual-name access contract.
func (r *PipelineRow) Set(name string, value interface{}) {
	normalized := name
	original := name
	if f, ok := r.contract.FieldByOriginal(name); ok {
		normalized = f.NormalizedName
	} else if f, ok := r.contract.FieldByNormalized(name); ok {
		original = f.OriginalName
	} else if n, err := NormalizeFieldName(name); err == nil {
		normalized = n
	}
	if original != normalized {
		delete(r.data, original)
	}
	r.data[normalized] = value
}

// Data returns the underlying row map.
func (r *PipelineRow) Data() map[string]interface{} {
	return r.data
}
