package landscape

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaCompatibilityErrorMessage(t *testing.T) {
	err := &SchemaCompatibilityError{Missing: []string{"runs.status", "nodes.determinism"}}
	assert.Contains(t, err.Error(), "2 required column")
	assert.Contains(t, err.Error(), "runs.status")
	assert.Contains(t, err.Error(), "nodes.determinism")
}

func TestRequiredColumnsCoversCoreTables(t *testing.T) {
	for _, table := range []string{"runs", "nodes", "edges", "rows", "tokens", "node_states", "checkpoints"} {
		cols, ok := requiredColumns[table]
		assert.True(t, ok, "table %s must be listed", table)
		assert.NotEmpty(t, cols, "table %s must list columns", table)
	}
}
