package landscape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elspeth/elspeth/pkg/contracts"
)

// PostgresDB is a thin pgxpool wrapper, the same shape as the teacher's
// pgx-based database helper: no ORM, direct SQL, pooled connections.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens a pooled connection and verifies it with a ping.
func NewPostgresDB(ctx context.Context, connString string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("landscape: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("landscape: ping database: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

// Close releases the pool.
func (db *PostgresDB) Close() { db.pool.Close() }

// Pool exposes the underlying pool for migrations or transactions.
func (db *PostgresDB) Pool() *pgxpool.Pool { return db.pool }

// PostgresRepository is the production Repository backed by PostgreSQL.
type PostgresRepository struct {
	db *PostgresDB
}

// NewPostgresRepository wraps an already-open PostgresDB.
func NewPostgresRepository(db *PostgresDB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func wrapNoRows(err error, reason string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &AuditIntegrityError{Reason: reason}
	}
	return fmt.Errorf("landscape: %w", err)
}

func (r *PostgresRepository) InsertRun(ctx context.Context, run *contracts.Run) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO runs (run_id, started_at, config_hash, settings_json, canonical_version, status,
			reproducibility_grade, source_schema_json, schema_contract_json, schema_contract_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.RunID, run.StartedAt, run.ConfigHash, run.SettingsJSON, run.CanonicalVersion, run.Status,
		run.ReproducibilityGrade, run.SourceSchemaJSON, run.SchemaContractJSON, run.SchemaContractHash)
	if err != nil {
		return fmt.Errorf("landscape: insert run: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateRunSchemaContract(ctx context.Context, runID, contractJSON, contractHash string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE runs SET schema_contract_json = $2, schema_contract_hash = $3 WHERE run_id = $1
	`, runID, contractJSON, contractHash)
	if err != nil {
		return fmt.Errorf("landscape: update run schema contract: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateRunExport(ctx context.Context, runID string, status contracts.ExportStatus, exportErr string, exportedAt time.Time, format, sink string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE runs SET export_status = $2, export_error = $3, exported_at = $4, export_format = $5, export_sink = $6
		WHERE run_id = $1
	`, runID, status, exportErr, exportedAt, format, sink)
	if err != nil {
		return fmt.Errorf("landscape: update run export status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateRunStatus(ctx context.Context, runID string, status contracts.RunStatus) error {
	_, err := r.db.pool.Exec(ctx, `UPDATE runs SET status = $2, completed_at = now() WHERE run_id = $1`, runID, status)
	if err != nil {
		return fmt.Errorf("landscape: update run status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetRun(ctx context.Context, runID string) (*contracts.Run, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT run_id, started_at, completed_at, config_hash, settings_json, canonical_version, status,
			reproducibility_grade, source_schema_json, schema_contract_json, schema_contract_hash
		FROM runs WHERE run_id = $1
	`, runID)

	var run contracts.Run
	var statusStr string
	if err := row.Scan(&run.RunID, &run.StartedAt, &run.CompletedAt, &run.ConfigHash, &run.SettingsJSON,
		&run.CanonicalVersion, &statusStr, &run.ReproducibilityGrade, &run.SourceSchemaJSON,
		&run.SchemaContractJSON, &run.SchemaContractHash); err != nil {
		return nil, wrapNoRows(err, fmt.Sprintf("run %q not found", runID))
	}

	status, err := contracts.ParseRunStatus(statusStr)
	if err != nil {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("run %q has unknown status", runID), Cause: err}
	}
	run.Status = status
	return &run, nil
}

func (r *PostgresRepository) InsertNode(ctx context.Context, node *contracts.Node) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version, determinism,
			config_hash, config_json, schema_hash, sequence_in_pipeline, registered_at,
			schema_mode, schema_fields_json, input_contract_json, output_contract_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, node.NodeID, node.RunID, node.PluginName, node.NodeType, node.PluginVersion, node.Determinism,
		node.ConfigHash, node.ConfigJSON, node.SchemaHash, node.SequenceInPipeline, node.RegisteredAt,
		node.SchemaMode, node.SchemaFieldsJSON, node.InputContractJSON, node.OutputContractJSON)
	if err != nil {
		return fmt.Errorf("landscape: insert node: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetNode(ctx context.Context, nodeID string) (*contracts.Node, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT node_id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash,
			config_json, schema_hash, sequence_in_pipeline, registered_at, schema_mode,
			schema_fields_json, input_contract_json, output_contract_json
		FROM nodes WHERE node_id = $1
	`, nodeID)

	var n contracts.Node
	var nodeTypeStr, determinismStr string
	if err := row.Scan(&n.NodeID, &n.RunID, &n.PluginName, &nodeTypeStr, &n.PluginVersion, &determinismStr,
		&n.ConfigHash, &n.ConfigJSON, &n.SchemaHash, &n.SequenceInPipeline, &n.RegisteredAt,
		&n.SchemaMode, &n.SchemaFieldsJSON, &n.InputContractJSON, &n.OutputContractJSON); err != nil {
		return nil, wrapNoRows(err, fmt.Sprintf("node %q not found", nodeID))
	}

	nodeType, err := contracts.ParseNodeType(nodeTypeStr)
	if err != nil {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("node %q has unknown node_type", nodeID), Cause: err}
	}
	determinism, err := contracts.ParseDeterminism(determinismStr)
	if err != nil {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("node %q has unknown determinism", nodeID), Cause: err}
	}
	n.NodeType = nodeType
	n.Determinism = determinism
	return &n, nil
}

func (r *PostgresRepository) InsertEdge(ctx context.Context, edge *contracts.Edge) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label, edge.DefaultMode, edge.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &AuditIntegrityError{Reason: fmt.Sprintf("duplicate edge label %q from node %q", edge.Label, edge.FromNodeID), Cause: err}
		}
		return fmt.Errorf("landscape: insert edge: %w", err)
	}
	return nil
}

func (r *PostgresRepository) EdgeExists(ctx context.Context, runID, fromNodeID, label string) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM edges WHERE run_id=$1 AND from_node_id=$2 AND label=$3)
	`, runID, fromNodeID, label).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("landscape: check edge existence: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) ListEdges(ctx context.Context, runID string) ([]*contracts.Edge, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at
		FROM edges WHERE run_id = $1
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list edges: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Edge
	for rows.Next() {
		var e contracts.Edge
		var modeStr string
		if err := rows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &modeStr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan edge: %w", err)
		}
		mode, err := contracts.ParseRoutingMode(modeStr)
		if err != nil {
			return nil, &AuditIntegrityError{Reason: fmt.Sprintf("edge %q has unknown default_mode", e.EdgeID), Cause: err}
		}
		e.DefaultMode = mode
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertRow(ctx context.Context, row *contracts.Row) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.SourceDataRef, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("landscape: insert row: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetRow(ctx context.Context, rowID string) (*contracts.Row, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at
		FROM rows WHERE row_id = $1
	`, rowID)
	var out contracts.Row
	if err := row.Scan(&out.RowID, &out.RunID, &out.SourceNodeID, &out.RowIndex, &out.SourceDataHash, &out.SourceDataRef, &out.CreatedAt); err != nil {
		return nil, wrapNoRows(err, fmt.Sprintf("row %q not found", rowID))
	}
	return &out, nil
}

func (r *PostgresRepository) InsertToken(ctx context.Context, token *contracts.Token) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("landscape: begin token insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, token.TokenID, token.RowID, token.ForkGroupID, token.JoinGroupID, token.ExpandGroupID, token.BranchName, token.StepInPipeline, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("landscape: insert token: %w", err)
	}

	for _, p := range token.Parents {
		if _, err := tx.Exec(ctx, `
			INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES ($1,$2,$3)
		`, token.TokenID, p.ParentTokenID, p.Ordinal); err != nil {
			return fmt.Errorf("landscape: insert token parent: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetToken(ctx context.Context, tokenID string) (*contracts.Token, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at
		FROM tokens WHERE token_id = $1
	`, tokenID)
	var t contracts.Token
	if err := row.Scan(&t.TokenID, &t.RowID, &t.ForkGroupID, &t.JoinGroupID, &t.ExpandGroupID, &t.BranchName, &t.StepInPipeline, &t.CreatedAt); err != nil {
		return nil, wrapNoRows(err, fmt.Sprintf("token %q not found", tokenID))
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT parent_token_id, ordinal FROM token_parents WHERE token_id = $1 ORDER BY ordinal
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list token parents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p contracts.TokenParent
		p.TokenID = tokenID
		if err := rows.Scan(&p.ParentTokenID, &p.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: scan token parent: %w", err)
		}
		t.Parents = append(t.Parents, p)
	}
	return &t, rows.Err()
}

func (r *PostgresRepository) InsertNodeState(ctx context.Context, state *contracts.NodeState) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO node_states (state_id, token_id, node_id, step_index, attempt, status, input_hash,
			started_at, input_data_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, state.StateID, state.TokenID, state.NodeID, state.StepIndex, state.Attempt, state.Status,
		state.InputHash, state.StartedAt, state.InputDataRef)
	if err != nil {
		return fmt.Errorf("landscape: insert node state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateNodeState(ctx context.Context, state *contracts.NodeState) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE node_states SET status=$2, output_hash=$3, completed_at=$4, duration_ms=$5, error_json=$6,
			context_before_json=$7, context_after_json=$8, output_data_ref=$9
		WHERE state_id = $1
	`, state.StateID, state.Status, state.OutputHash, state.CompletedAt, state.DurationMS, state.ErrorJSON,
		state.ContextBeforeJSON, state.ContextAfterJSON, state.OutputDataRef)
	if err != nil {
		return fmt.Errorf("landscape: update node state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetNodeState(ctx context.Context, stateID string) (*contracts.NodeState, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT state_id, token_id, node_id, step_index, attempt, status, input_hash, output_hash,
			started_at, completed_at, duration_ms, error_json, context_before_json, context_after_json,
			input_data_ref, output_data_ref
		FROM node_states WHERE state_id = $1
	`, stateID)
	var s contracts.NodeState
	var statusStr string
	if err := row.Scan(&s.StateID, &s.TokenID, &s.NodeID, &s.StepIndex, &s.Attempt, &statusStr, &s.InputHash,
		&s.OutputHash, &s.StartedAt, &s.CompletedAt, &s.DurationMS, &s.ErrorJSON, &s.ContextBeforeJSON,
		&s.ContextAfterJSON, &s.InputDataRef, &s.OutputDataRef); err != nil {
		return nil, wrapNoRows(err, fmt.Sprintf("node state %q not found", stateID))
	}
	status, err := contracts.ParseNodeStateStatus(statusStr)
	if err != nil {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("node state %q has unknown status", stateID), Cause: err}
	}
	s.Status = status
	return &s, nil
}

func (r *PostgresRepository) InsertCall(ctx context.Context, call *contracts.Call) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO calls (call_id, state_id, call_index, call_type, status, request_hash, request_ref,
			response_hash, response_ref, error_json, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, call.CallID, call.StateID, call.CallIndex, call.CallType, call.Status, call.RequestHash, call.RequestRef,
		call.ResponseHash, call.ResponseRef, call.ErrorJSON, call.LatencyMS, call.CreatedAt)
	if err != nil {
		return fmt.Errorf("landscape: insert call: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertRoutingEvent(ctx context.Context, event *contracts.RoutingEvent) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode,
			reason_hash, reason_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, event.EventID, event.StateID, event.EdgeID, event.RoutingGroupID, event.Ordinal, event.Mode,
		event.ReasonHash, event.ReasonRef, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("landscape: insert routing event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertBatch(ctx context.Context, batch *contracts.Batch) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, trigger_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, batch.BatchID, batch.RunID, batch.AggregationNodeID, batch.Attempt, batch.Status, batch.TriggerReason, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("landscape: insert batch: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateBatchStatus(ctx context.Context, batchID string, status contracts.BatchStatus, triggerReason string) error {
	current, err := r.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !contracts.CanTransitionBatch(current.Status, status) {
		return &AuditIntegrityError{Reason: fmt.Sprintf("illegal batch transition %s -> %s for batch %q", current.Status, status, batchID)}
	}
	_, err = r.db.pool.Exec(ctx, `
		UPDATE batches
		SET status = $2,
			trigger_reason = CASE WHEN $3 <> '' THEN $3 ELSE trigger_reason END,
			completed_at = now()
		WHERE batch_id = $1
	`, batchID, status, triggerReason)
	if err != nil {
		return fmt.Errorf("landscape: update batch status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetBatch(ctx context.Context, batchID string) (*contracts.Batch, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT batch_id, run_id, aggregation_node_id, attempt, status, aggregation_state_id, trigger_reason, created_at, completed_at
		FROM batches WHERE batch_id = $1
	`, batchID)
	var b contracts.Batch
	var statusStr string
	if err := row.Scan(&b.BatchID, &b.RunID, &b.AggregationNodeID, &b.Attempt, &statusStr, &b.AggregationStateID,
		&b.TriggerReason, &b.CreatedAt, &b.CompletedAt); err != nil {
		return nil, wrapNoRows(err, fmt.Sprintf("batch %q not found", batchID))
	}
	status, err := contracts.ParseBatchStatus(statusStr)
	if err != nil {
		return nil, &AuditIntegrityError{Reason: fmt.Sprintf("batch %q has unknown status", batchID), Cause: err}
	}
	b.Status = status
	return &b, nil
}

func (r *PostgresRepository) InsertBatchMember(ctx context.Context, member *contracts.BatchMember) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES ($1,$2,$3)
	`, member.BatchID, member.TokenID, member.Ordinal)
	if err != nil {
		return fmt.Errorf("landscape: insert batch member: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertBatchOutput(ctx context.Context, output *contracts.BatchOutput) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO batch_outputs (batch_id, output_type, output_id) VALUES ($1,$2,$3)
	`, output.BatchID, output.OutputType, output.OutputID)
	if err != nil {
		return fmt.Errorf("landscape: insert batch output: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertValidationError(ctx context.Context, ve *contracts.ValidationError) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO validation_errors (error_id, run_id, node_id, row_hash, row_data_json, error,
			schema_mode, destination, violation_type, original_field_name, normalized_field_name,
			expected_type, actual_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, ve.ErrorID, ve.RunID, ve.NodeID, ve.RowHash, ve.RowDataJSON, ve.Error, ve.SchemaMode, ve.Destination,
		ve.ViolationType, ve.OriginalFieldName, ve.NormalizedFieldName, ve.ExpectedType, ve.ActualType, ve.CreatedAt)
	if err != nil {
		return fmt.Errorf("landscape: insert validation error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertArtifact(ctx context.Context, artifact *contracts.Artifact) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type,
			path_or_uri, content_hash, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, artifact.ArtifactID, artifact.RunID, artifact.ProducedByState, artifact.SinkNodeID, artifact.ArtifactType,
		artifact.PathOrURI, artifact.ContentHash, artifact.SizeBytes, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("landscape: insert artifact: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpsertCheckpoint(ctx context.Context, checkpoint *contracts.Checkpoint) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id, sequence_number, created_at, aggregation_state_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			checkpoint_id = EXCLUDED.checkpoint_id,
			token_id = EXCLUDED.token_id,
			sequence_number = EXCLUDED.sequence_number,
			created_at = EXCLUDED.created_at,
			aggregation_state_json = EXCLUDED.aggregation_state_json
	`, checkpoint.CheckpointID, checkpoint.RunID, checkpoint.TokenID, checkpoint.NodeID,
		checkpoint.SequenceNumber, checkpoint.CreatedAt, checkpoint.AggregationStateJSON)
	if err != nil {
		return fmt.Errorf("landscape: upsert checkpoint: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCheckpoint(ctx context.Context, runID, nodeID string) (*contracts.Checkpoint, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT checkpoint_id, run_id, token_id, node_id, sequence_number, created_at, aggregation_state_json
		FROM checkpoints WHERE run_id = $1 AND node_id = $2
	`, runID, nodeID)
	var c contracts.Checkpoint
	if err := row.Scan(&c.CheckpointID, &c.RunID, &c.TokenID, &c.NodeID, &c.SequenceNumber, &c.CreatedAt, &c.AggregationStateJSON); err != nil {
		return nil, wrapNoRows(err, fmt.Sprintf("checkpoint for run %q node %q not found", runID, nodeID))
	}
	return &c, nil
}

var _ Repository = (*PostgresRepository)(nil)
