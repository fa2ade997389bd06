package landscape

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaCompatibilityError reports every table.column the audit schema
// (§6.1) requires but the connected database does not expose. The core
// never auto-migrates (§1 Non-goals); a local store missing columns fails
// fast here instead of surfacing confusing runtime errors mid-run.
type SchemaCompatibilityError struct {
	Missing []string // "table.column", sorted
}

func (e *SchemaCompatibilityError) Error() string {
	return fmt.Sprintf("landscape: local store is missing %d required column(s): %v", len(e.Missing), e.Missing)
}

// requiredColumns enumerates every column §6.1 names, grouped by table.
// Nullable/optional columns are required to exist as columns even though
// their values may be empty.
var requiredColumns = map[string][]string{
	"runs": {
		"run_id", "started_at", "completed_at", "config_hash", "settings_json", "canonical_version",
		"status", "reproducibility_grade", "source_schema_json", "source_field_resolution_json",
		"schema_contract_json", "schema_contract_hash", "export_status", "export_error", "exported_at",
		"export_format", "export_sink",
	},
	"nodes": {
		"node_id", "run_id", "plugin_name", "node_type", "plugin_version", "determinism", "config_hash",
		"config_json", "schema_hash", "sequence_in_pipeline", "registered_at", "schema_mode",
		"schema_fields_json", "input_contract_json", "output_contract_json",
	},
	"edges": {"edge_id", "run_id", "from_node_id", "to_node_id", "label", "default_mode", "created_at"},
	"rows":  {"row_id", "run_id", "source_node_id", "row_index", "source_data_hash", "source_data_ref", "created_at"},
	"tokens": {
		"token_id", "row_id", "fork_group_id", "join_group_id", "expand_group_id", "branch_name",
		"step_in_pipeline", "created_at",
	},
	"token_parents": {"token_id", "parent_token_id", "ordinal"},
	"node_states": {
		"state_id", "token_id", "node_id", "step_index", "attempt", "status", "input_hash", "output_hash",
		"started_at", "completed_at", "duration_ms", "error_json", "context_before_json",
		"context_after_json", "input_data_ref", "output_data_ref",
	},
	"calls": {
		"call_id", "state_id", "call_index", "call_type", "status", "request_hash", "request_ref",
		"response_hash", "response_ref", "error_json", "latency_ms", "created_at",
	},
	"routing_events": {
		"event_id", "state_id", "edge_id", "routing_group_id", "ordinal", "mode", "reason_hash",
		"reason_ref", "created_at",
	},
	"batches": {
		"batch_id", "run_id", "aggregation_node_id", "attempt", "status", "aggregation_state_id",
		"trigger_reason", "created_at", "completed_at",
	},
	"batch_members": {"batch_id", "token_id", "ordinal"},
	"batch_outputs": {"batch_id", "output_type", "output_id"},
	"artifacts": {
		"artifact_id", "run_id", "produced_by_state_id", "sink_node_id", "artifact_type", "path_or_uri",
		"content_hash", "size_bytes", "created_at",
	},
	"validation_errors": {
		"error_id", "run_id", "node_id", "row_hash", "row_data_json", "error", "schema_mode",
		"destination", "violation_type", "original_field_name", "normalized_field_name",
		"expected_type", "actual_type", "created_at",
	},
	"checkpoints": {
		"checkpoint_id", "run_id", "token_id", "node_id", "sequence_number", "created_at",
		"aggregation_state_json",
	},
}

// VerifySchema queries information_schema for every column requiredColumns
// names and returns a SchemaCompatibilityError listing anything missing.
// Called once after connecting, before any run begins against a local
// Postgres store.
func VerifySchema(ctx context.Context, pool *pgxpool.Pool) error {
	present := make(map[string]bool)
	rows, err := pool.Query(ctx, `SELECT table_name, column_name FROM information_schema.columns WHERE table_schema = 'public'`)
	if err != nil {
		return fmt.Errorf("landscape: query information_schema: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("landscape: scan information_schema row: %w", err)
		}
		present[table+"."+column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("landscape: read information_schema: %w", err)
	}

	var missing []string
	tables := make([]string, 0, len(requiredColumns))
	for t := range requiredColumns {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, table := range tables {
		for _, column := range requiredColumns[table] {
			if !present[table+"."+column] {
				missing = append(missing, table+"."+column)
			}
		}
	}
	if len(missing) > 0 {
		return &SchemaCompatibilityError{Missing: missing}
	}
	return nil
}
