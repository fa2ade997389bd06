// Package orchestrator drives one run end to end: it begins the run,
// registers every node and edge the execution graph declares, streams the
// source's rows into the processor, locks the run's schema contract once
// the first row settles it, and completes the run on every exit path. The
// processor owns the per-token walk (internal/processor); this package owns
// run-level lifecycle, matching the split in §4.6 between "Orchestrator"
// and "Processor".
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elspeth/elspeth/internal/aggregation"
	"github.com/elspeth/elspeth/internal/checkpoint"
	"github.com/elspeth/elspeth/internal/config"
	"github.com/elspeth/elspeth/internal/elspethlog"
	"github.com/elspeth/elspeth/internal/export"
	"github.com/elspeth/elspeth/internal/graph"
	"github.com/elspeth/elspeth/internal/landscape"
	"github.com/elspeth/elspeth/internal/processor"
	"github.com/elspeth/elspeth/internal/runtime"
	"github.com/elspeth/elspeth/pkg/codec"
	"github.com/elspeth/elspeth/pkg/contracts"
	"github.com/elspeth/elspeth/pkg/payloadstore"
	"github.com/elspeth/elspeth/pkg/schema"
)

// checkpointInterval is how many source rows pass between durable
// aggregation-state snapshots. Smaller intervals bound how much buffered
// aggregation work a crash can lose; larger intervals bound write volume.
const checkpointInterval = 100

// NodeMeta is everything a registered node needs beyond what the graph
// already knows (plugin name, type, sequence): determinism class, plugin
// version, and the node's individual config hash/JSON. The orchestrator
// never guesses these from a node ID string — the caller supplies them
// keyed by the same node IDs the graph assigned (§4.5's "no substring
// matching" rule applies here too).
type NodeMeta struct {
	Determinism contracts.Determinism
	Version     string
	ConfigHash  string
	ConfigJSON  string
}

// Build is everything assembled before a run begins: the validated graph it
// came from, the settings that produced it, the constructed source, every
// transform/gate/aggregation/sink instance keyed by node ID (via
// graph.TransformIDMap/SinkIDMap — never a string heuristic), and per-node
// metadata for registration.
type Build struct {
	Graph    *graph.ExecutionGraph
	Settings *config.Settings
	Source   contracts.Source
	Plugins  processor.PluginSet
	Meta     map[string]NodeMeta // nodeID -> metadata, including the source node
}

// Orchestrator owns one run's lifecycle: begin, register, stream, close,
// complete. It never mutates the graph or plugin set it was built from.
type Orchestrator struct {
	build            *Build
	recorder         *landscape.Recorder
	payloads         payloadstore.Store
	tracker          *runtime.RunTracker
	log              *elspethlog.ContextLogger
	canonicalVersion string
	retry            processor.RetryPolicy
	localCheckpoints *checkpoint.Store
	exporter         export.Publisher
}

// Option configures an optional, non-default aspect of a New orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy overrides processor.DefaultRetryPolicy.
func WithRetryPolicy(p processor.RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithLocalCheckpoints mirrors every durable aggregation-state snapshot into
// a local bbolt store in addition to the landscape's checkpoints table. Use
// this for the --dry-run path, where there is no landscape backend to read
// the checkpoint back from on resume.
func WithLocalCheckpoints(store *checkpoint.Store) Option {
	return func(o *Orchestrator) { o.localCheckpoints = store }
}

// WithExportPublisher announces the run's terminal export status to an
// external queue once the run completes.
func WithExportPublisher(pub export.Publisher) Option {
	return func(o *Orchestrator) { o.exporter = pub }
}

// New builds an Orchestrator for one Build. canonicalVersion is the
// algorithm version stamped on Run.CanonicalVersion (§3 "Identity and
// tokens").
func New(build *Build, recorder *landscape.Recorder, payloads payloadstore.Store, tracker *runtime.RunTracker, logger *elspethlog.ContextLogger, canonicalVersion string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		build:            build,
		recorder:         recorder,
		payloads:         payloads,
		tracker:          tracker,
		log:              logger,
		canonicalVersion: canonicalVersion,
		retry:            processor.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result summarizes one completed (or failed) run.
type Result struct {
	Run    *contracts.Run
	Counts map[contracts.RowOutcome]int
}

// Run executes the algorithm in §4.6: validate, begin, register nodes and
// edges in topological order, stream rows through the processor, flush open
// aggregations at end of source, close every plugin that has one, and
// complete the run with a terminal status on every exit path.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	g := o.build.Graph
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: graph invalid: %w", err)
	}

	settingsJSON, err := json.Marshal(o.build.Settings)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal settings: %w", err)
	}
	// Hash the JSON-shaped form: the canonical codec takes maps, not structs,
	// and the resolved-config hash must match what a replay reads back out of
	// runs.settings_json.
	var settingsMap map[string]interface{}
	if err := json.Unmarshal(settingsJSON, &settingsMap); err != nil {
		return nil, fmt.Errorf("orchestrator: reshape settings for hashing: %w", err)
	}
	configHash, err := codec.ContentHash(settingsMap)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: hash settings: %w", err)
	}

	run, err := o.recorder.BeginRun(ctx, configHash, string(settingsJSON), o.canonicalVersion)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: begin run: %w", err)
	}
	runCtx := elspethlog.WithRunID(ctx, run.RunID)
	log := o.log.WithContext(runCtx)

	order, err := g.TopologicalOrder()
	if err != nil {
		_ = o.recorder.CompleteRun(ctx, run.RunID, contracts.RunStatusFailed)
		return nil, fmt.Errorf("orchestrator: topological order: %w", err)
	}

	if err := o.registerNodes(ctx, run.RunID, order); err != nil {
		_ = o.recorder.CompleteRun(ctx, run.RunID, contracts.RunStatusFailed)
		return nil, err
	}
	if err := o.validateAdjacentContracts(order); err != nil {
		_ = o.recorder.CompleteRun(ctx, run.RunID, contracts.RunStatusFailed)
		return nil, err
	}
	edgeIDs, err := o.registerEdges(ctx, run.RunID)
	if err != nil {
		_ = o.recorder.CompleteRun(ctx, run.RunID, contracts.RunStatusFailed)
		return nil, err
	}

	agg := aggregation.NewExecutor(o.recorder, o.log)
	for nodeID, a := range o.build.Plugins.Aggregations {
		agg.RegisterTrigger(nodeID, a.Trigger())
	}

	outputSinkID := g.SinkIDMap()[o.build.Settings.OutputSink]
	proc := processor.New(g, o.build.Plugins, o.recorder, o.payloads, agg, o.retry, outputSinkID, o.log, o.tracker, edgeIDs)

	sourceID := g.Source()
	firstNodeID, ok := firstDownstreamOf(g, sourceID)
	if !ok {
		_ = o.recorder.CompleteRun(ctx, run.RunID, contracts.RunStatusFailed)
		return nil, fmt.Errorf("orchestrator: source %s has no outgoing edge", sourceID)
	}

	counts := make(map[contracts.RowOutcome]int, 5)
	var contractRecorded bool
	var runErr error

	sourceContract := o.sourceContract()
	quarantineSinkID := ""
	if o.build.Settings.OnError.Policy == config.OnErrorQuarantine {
		quarantineSinkID = g.SinkIDMap()[o.build.Settings.OnError.Sink]
	}

	rowsCh, errCh := o.build.Source.Load(runCtx)
	rowIndex := 0

loop:
	for rowsCh != nil || errCh != nil {
		select {
		case rowData, ok := <-rowsCh:
			if !ok {
				rowsCh = nil
				continue
			}

			sourceHash, err := codec.ContentHash(rowData)
			if err != nil {
				runErr = fmt.Errorf("orchestrator: hash source row %d: %w", rowIndex, err)
				break loop
			}
			row, err := o.recorder.CreateRow(runCtx, run.RunID, sourceID, rowIndex, sourceHash, "")
			if err != nil {
				runErr = fmt.Errorf("orchestrator: create row %d: %w", rowIndex, err)
				break loop
			}
			rowIndex++

			var violations []schema.Violation
			if sourceContract != nil {
				violations, err = sourceContract.Observe(rowData)
				if err != nil {
					runErr = fmt.Errorf("orchestrator: observe row %d against source contract: %w", rowIndex-1, err)
					break loop
				}
				if !contractRecorded {
					if err := o.recorder.UpdateRunContract(runCtx, run.RunID, sourceContract); err != nil {
						runErr = fmt.Errorf("orchestrator: update run contract: %w", err)
						break loop
					}
					contractRecorded = true
				}
			}

			pctx := contracts.PluginContext{Context: elspethlog.WithNodeID(runCtx, sourceID), RunID: run.RunID, NodeID: sourceID}

			var outcome contracts.RowOutcome
			if len(violations) > 0 {
				outcome, err = o.applyViolationPolicy(pctx, proc, run.RunID, sourceID, row, rowData, sourceHash, sourceContract, violations, quarantineSinkID, log)
				if err != nil {
					runErr = err
					break loop
				}
			} else {
				outcome, err = proc.ProcessRow(pctx, row, firstNodeID, rowData)
				if err != nil {
					log.WithError(err).WithField("row_id", row.RowID).Error("row processing failed")
				}
			}
			counts[outcome]++

			if rowIndex%checkpointInterval == 0 {
				if err := o.snapshotAggregationState(runCtx, run.RunID, agg, int64(rowIndex)); err != nil {
					log.WithError(err).Warn("periodic aggregation checkpoint failed")
				}
			}
		case loadErr, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if loadErr != nil {
				runErr = fmt.Errorf("orchestrator: source load: %w", loadErr)
				break loop
			}
		}
	}

	if runErr == nil {
		for nodeID := range o.build.Plugins.Aggregations {
			pctx := contracts.PluginContext{Context: elspethlog.WithNodeID(runCtx, nodeID), RunID: run.RunID, NodeID: nodeID}
			if agg.PendingCount(nodeID) == 0 {
				continue
			}
			outcome, err := proc.FlushAggregation(pctx, nodeID, "END_OF_SOURCE")
			if err != nil {
				log.WithError(err).WithField("node_id", nodeID).Error("end-of-source flush failed")
				continue
			}
			counts[outcome]++
		}
	}

	if err := o.snapshotAggregationState(runCtx, run.RunID, agg, int64(rowIndex)); err != nil {
		log.WithError(err).Warn("final aggregation checkpoint failed")
	}

	o.closePlugins(log)

	status := contracts.RunStatusCompleted
	if runErr != nil {
		status = contracts.RunStatusFailed
	}
	if err := o.recorder.CompleteRun(ctx, run.RunID, status); err != nil {
		if runErr == nil {
			runErr = fmt.Errorf("orchestrator: complete run: %w", err)
		} else {
			log.WithError(err).Error("complete run failed while a run error was already in flight")
		}
	} else {
		now := time.Now().UTC()
		run.Status = status
		run.CompletedAt = &now
	}

	o.announceExportStatus(ctx, run.RunID, status, runErr, log)

	return &Result{Run: run, Counts: counts}, runErr
}

func (o *Orchestrator) registerNodes(ctx context.Context, runID string, order []string) error {
	g := o.build.Graph

	// A declared source contract is known at registration time; its snapshot
	// becomes the source's output contract and every downstream node's input
	// contract. OBSERVED contracts have no fields yet and are recorded on the
	// run once the first row locks them.
	var contractJSON, contractMode string
	if c := o.sourceContract(); c != nil && len(c.Fields) > 0 {
		b, err := codec.CanonicalBytes(c.CanonicalMap())
		if err != nil {
			return fmt.Errorf("orchestrator: encode source contract: %w", err)
		}
		contractJSON = string(b)
		contractMode = string(c.Mode)
	}

	for _, nodeID := range order {
		info, ok := g.NodeInfo(nodeID)
		if !ok {
			return fmt.Errorf("orchestrator: topological order named unknown node %q", nodeID)
		}
		meta := o.build.Meta[nodeID]
		var seq *int
		if info.Sequence >= 0 {
			s := info.Sequence
			seq = &s
		}
		node := &contracts.Node{
			NodeID:             nodeID,
			RunID:              runID,
			PluginName:         info.Plugin,
			NodeType:           info.Type,
			PluginVersion:      meta.Version,
			Determinism:        meta.Determinism,
			ConfigHash:         meta.ConfigHash,
			ConfigJSON:         meta.ConfigJSON,
			SequenceInPipeline: seq,
		}
		if info.Type == contracts.NodeTypeSource {
			node.SchemaMode = contractMode
			node.OutputContractJSON = contractJSON
		} else {
			node.InputContractJSON = contractJSON
		}
		if err := o.recorder.RegisterNode(ctx, node); err != nil {
			return fmt.Errorf("orchestrator: register node %s: %w", nodeID, err)
		}
	}
	return nil
}

func (o *Orchestrator) registerEdges(ctx context.Context, runID string) (map[string]map[string]string, error) {
	edgeIDs := make(map[string]map[string]string)
	for _, e := range o.build.Graph.Edges() {
		registered, err := o.recorder.RegisterEdge(ctx, runID, e.FromID, e.ToID, e.Label, contracts.RoutingModeMove)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: register edge %s->%s[%s]: %w", e.FromID, e.ToID, e.Label, err)
		}
		if edgeIDs[e.FromID] == nil {
			edgeIDs[e.FromID] = make(map[string]string)
		}
		edgeIDs[e.FromID][e.Label] = registered.EdgeID
	}
	return edgeIDs, nil
}

// validateAdjacentContracts checks that every node the build declared
// metadata for was actually assigned a node ID by the graph, before the
// source is driven (§4.6). Field-level input/output contract compatibility
// between adjacent nodes is plugin-declared and is not yet synthesized here;
// a real mismatch still surfaces at runtime through schema.Observe.
func (o *Orchestrator) validateAdjacentContracts(order []string) error {
	known := make(map[string]bool, len(order))
	for _, nodeID := range order {
		known[nodeID] = true
	}
	for nodeID := range o.build.Meta {
		if !known[nodeID] {
			return fmt.Errorf("orchestrator: metadata supplied for node %q, which the graph does not contain", nodeID)
		}
	}
	return nil
}

// sourceContract extracts the source plugin's declared schema contract, if
// any. Sources with no contract opt out of per-row validation entirely.
func (o *Orchestrator) sourceContract() *schema.SchemaContract {
	contract, _ := o.build.Source.SchemaContract().(*schema.SchemaContract)
	return contract
}

// applyViolationPolicy records every violation on validation_errors and
// resolves the row per the on_error policy: quarantine to the configured
// sink, discard, or abort the run (§7 row-level failures, scenario S6).
func (o *Orchestrator) applyViolationPolicy(pctx contracts.PluginContext, proc *processor.Processor, runID, sourceID string, row *contracts.Row, rowData map[string]interface{}, sourceHash string, contract *schema.SchemaContract, violations []schema.Violation, quarantineSinkID string, log *elspethlog.ContextLogger) (contracts.RowOutcome, error) {
	policy := o.build.Settings.OnError.Policy
	if policy == "" {
		policy = config.OnErrorDiscard
	}
	destination := string(policy)
	if policy == config.OnErrorQuarantine {
		destination = o.build.Settings.OnError.Sink
	}

	rowJSON, err := json.Marshal(rowData)
	if err != nil {
		rowJSON = nil
	}
	for _, v := range violations {
		normalized, _ := schema.NormalizeFieldName(v.FieldName)
		ve := &contracts.ValidationError{
			RunID:               runID,
			NodeID:              sourceID,
			RowHash:             sourceHash,
			RowDataJSON:         string(rowJSON),
			Error:               v.Error(),
			SchemaMode:          string(contract.Mode),
			Destination:         destination,
			ViolationType:       string(v.Type),
			OriginalFieldName:   v.FieldName,
			NormalizedFieldName: normalized,
			ExpectedType:        v.Expected,
			ActualType:          v.Actual,
		}
		if err := o.recorder.RecordValidationError(pctx.Context, ve); err != nil {
			return contracts.RowOutcomeFailed, fmt.Errorf("orchestrator: record validation error: %w", err)
		}
	}

	switch policy {
	case config.OnErrorAbort:
		return contracts.RowOutcomeFailed, fmt.Errorf("orchestrator: row %s violates the source schema contract (%d violation(s))", row.RowID, len(violations))
	case config.OnErrorQuarantine:
		outcome, err := proc.QuarantineRow(pctx, row, quarantineSinkID, rowData)
		if err != nil {
			return contracts.RowOutcomeFailed, fmt.Errorf("orchestrator: quarantine row %s: %w", row.RowID, err)
		}
		return outcome, nil
	default:
		log.WithField("row_id", row.RowID).WithField("violations", len(violations)).Warn("row discarded by contract policy")
		return contracts.RowOutcomeDiscarded, nil
	}
}

// snapshotAggregationState records the executor's current buffered state as
// a durable checkpoint, one row per aggregation node that has something
// buffered, plus a local bbolt mirror when one is configured (§6.1's
// "local stores" for the --dry-run path with no landscape backend).
func (o *Orchestrator) snapshotAggregationState(ctx context.Context, runID string, agg *aggregation.Executor, sequenceNumber int64) error {
	data, err := agg.CheckpointState()
	if err != nil {
		return fmt.Errorf("orchestrator: serialize aggregation checkpoint: %w", err)
	}
	for nodeID := range o.build.Plugins.Aggregations {
		if agg.PendingCount(nodeID) == 0 {
			continue
		}
		if err := o.recorder.RecordCheckpoint(ctx, runID, "", nodeID, sequenceNumber, string(data)); err != nil {
			return fmt.Errorf("orchestrator: record checkpoint for %s: %w", nodeID, err)
		}
		if o.localCheckpoints != nil {
			if err := o.localCheckpoints.Put(runID, nodeID, data); err != nil {
				return fmt.Errorf("orchestrator: local checkpoint mirror for %s: %w", nodeID, err)
			}
		}
	}
	return nil
}

// announceExportStatus publishes the run's terminal export status and
// records it on the run row, when an exporter is configured. A publish
// failure is logged, never promoted to the run error: export announcement
// is best-effort bookkeeping, not part of row-processing correctness.
func (o *Orchestrator) announceExportStatus(ctx context.Context, runID string, runStatus contracts.RunStatus, runErr error, log *elspethlog.ContextLogger) {
	if o.exporter == nil {
		return
	}
	exportStatus := contracts.ExportStatusCompleted
	detail := ""
	if runStatus == contracts.RunStatusFailed {
		exportStatus = contracts.ExportStatusFailed
		if runErr != nil {
			detail = runErr.Error()
		}
	}
	if err := o.recorder.SetExportStatus(ctx, runID, exportStatus, detail, "", ""); err != nil {
		log.WithError(err).Warn("set export status failed")
	}
	n := export.ExportNotification{RunID: runID, Status: exportStatus, Detail: detail, OccurredAt: time.Now().UTC()}
	if err := o.exporter.Publish(n); err != nil {
		log.WithError(err).Warn("export status publish failed")
	}
}

func (o *Orchestrator) closePlugins(log *elspethlog.ContextLogger) {
	for nodeID, t := range o.build.Plugins.Transforms {
		if err := t.Close(); err != nil {
			log.WithError(err).WithField("node_id", nodeID).Error("transform close failed")
		}
	}
	for nodeID, gate := range o.build.Plugins.Gates {
		if err := gate.Close(); err != nil {
			log.WithError(err).WithField("node_id", nodeID).Error("gate close failed")
		}
	}
	for nodeID, sink := range o.build.Plugins.Sinks {
		if err := sink.Close(); err != nil {
			log.WithError(err).WithField("node_id", nodeID).Error("sink close failed")
		}
	}
}

func firstDownstreamOf(g *graph.ExecutionGraph, nodeID string) (string, bool) {
	for _, e := range g.Edges() {
		if e.FromID == nodeID && e.Label == "continue" {
			return e.ToID, true
		}
	}
	return "", false
}
