// Package processor drives one row's token(s) through the execution graph:
// dispatching each node by its NodeType, bracketing every invocation with a
// node_state open/complete/fail pair, resolving gate routing decisions onto
// concrete edges, buffering and flushing aggregation nodes, and writing
// terminal rows to sinks. The orchestrator owns run-level lifecycle; this
// package owns the per-token walk.
package processor

import (
	"fmt"
	"time"

	"github.com/elspeth/elspeth/internal/aggregation"
	"github.com/elspeth/elspeth/internal/elspethlog"
	"github.com/elspeth/elspeth/internal/graph"
	"github.com/elspeth/elspeth/internal/landscape"
	"github.com/elspeth/elspeth/internal/runtime"
	"github.com/elspeth/elspeth/pkg/codec"
	"github.com/elspeth/elspeth/pkg/contracts"
	"github.com/elspeth/elspeth/pkg/payloadstore"
)

// PluginSet is every constructed plugin instance for one run, keyed by node
// ID. The orchestrator builds this from Settings before driving the source.
type PluginSet struct {
	Transforms   map[string]contracts.Transform
	Gates        map[string]contracts.Gate
	Aggregations map[string]contracts.Aggregation
	Sinks        map[string]contracts.Sink
}

// RetryPolicy governs how many attempts a retryable transform failure gets
// before the row is failed, with exponential backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy mirrors a conservative default: three attempts total,
// a 100ms base backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Processor drives tokens across one run's execution graph.
type Processor struct {
	graph    *graph.ExecutionGraph
	plugins  PluginSet
	recorder *landscape.Recorder
	payloads payloadstore.Store
	agg      *aggregation.Executor
	retry    RetryPolicy
	log      *elspethlog.ContextLogger
	tracker  *runtime.RunTracker

	edgeByLabel  map[string]map[string]graph.Edge // fromID -> label -> edge
	edgeIDs      map[string]map[string]string     // fromID -> label -> landscape edgeID
	outputSinkID string
}

// New builds a Processor for one run's graph and plugin set. outputSinkID
// is the node ID of the pipeline's default ("continue") terminal sink.
// edgeIDs maps (fromID, label) to the landscape edgeID assigned when the
// orchestrator registered the graph's edges for this run (§4.6). tracker
// may be nil; when set, every node_state open/complete/fail bracket also
// mirrors into it for `elspeth run -v` progress reporting.
func New(g *graph.ExecutionGraph, plugins PluginSet, recorder *landscape.Recorder, payloads payloadstore.Store, agg *aggregation.Executor, retry RetryPolicy, outputSinkID string, logger *elspethlog.ContextLogger, tracker *runtime.RunTracker, edgeIDs map[string]map[string]string) *Processor {
	byLabel := make(map[string]map[string]graph.Edge)
	for _, e := range g.Edges() {
		if byLabel[e.FromID] == nil {
			byLabel[e.FromID] = make(map[string]graph.Edge)
		}
		byLabel[e.FromID][e.Label] = e
	}
	return &Processor{
		graph:        g,
		plugins:      plugins,
		recorder:     recorder,
		payloads:     payloads,
		agg:          agg,
		retry:        retry,
		log:          logger,
		tracker:      tracker,
		edgeByLabel:  byLabel,
		edgeIDs:      edgeIDs,
		outputSinkID: outputSinkID,
	}
}

func (p *Processor) trackOpen(pctx contracts.PluginContext, stateID, nodeID, tokenID string) {
	if p.tracker != nil {
		p.tracker.Open(stateID, pctx.RunID, nodeID, tokenID)
	}
}

func (p *Processor) trackClose(stateID string, err error) {
	if p.tracker != nil {
		p.tracker.Close(stateID, err)
	}
}

func (p *Processor) nextEdge(nodeID, label string) (graph.Edge, bool) {
	e, ok := p.edgeByLabel[nodeID][label]
	return e, ok
}

func (p *Processor) edgeID(nodeID, label string) string {
	return p.edgeIDs[nodeID][label]
}

// ProcessRow creates the row's first token and walks it from the node
// immediately downstream of the source.
func (p *Processor) ProcessRow(pctx contracts.PluginContext, row *contracts.Row, firstNodeID string, rowData map[string]interface{}) (contracts.RowOutcome, error) {
	token, err := p.recorder.CreateToken(pctx.Context, row.RowID, 0, "", nil)
	if err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: create token for row %s: %w", row.RowID, err)
	}
	return p.walk(pctx, token, firstNodeID, rowData, 0)
}

// walk dispatches nodeID for one token/rowData pair and recurses onto the
// resolved downstream node until a sink is reached or the row terminates.
func (p *Processor) walk(pctx contracts.PluginContext, token *contracts.Token, nodeID string, rowData map[string]interface{}, step int) (contracts.RowOutcome, error) {
	info, ok := p.graph.NodeInfo(nodeID)
	if !ok {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: unknown node %s", nodeID)
	}

	switch info.Type {
	case contracts.NodeTypeSource:
		// walking "from the source" means advancing down its continue edge;
		// the source itself never re-runs inside a token walk.
		return p.advance(pctx, token, nodeID, rowData, step)
	case contracts.NodeTypeTransform:
		return p.runTransform(pctx, token, info, rowData, step)
	case contracts.NodeTypeGate:
		return p.runGate(pctx, token, info, rowData, step)
	case contracts.NodeTypeAggregation:
		return p.runAggregation(pctx, token, info, rowData, step)
	case contracts.NodeTypeSink:
		return p.runSink(pctx, token, info, rowData)
	default:
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: node %s has undispatchable type %s", nodeID, info.Type)
	}
}

func inputHashFor(row map[string]interface{}) (string, error) {
	return codec.ContentHash(row)
}

func (p *Processor) runTransform(pctx contracts.PluginContext, token *contracts.Token, info graph.NodeInfo, rowData map[string]interface{}, step int) (contracts.RowOutcome, error) {
	transform, ok := p.plugins.Transforms[info.ID]
	if !ok {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: no transform registered for node %s", info.ID)
	}

	inputHash, err := inputHashFor(rowData)
	if err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: hash transform input: %w", err)
	}

	var result contracts.TransformResult
	var stateID string
	attempt := 0
	for {
		attempt++
		start := time.Now()
		stateID, err = p.recorder.BeginNodeState(pctx.Context, token.TokenID, info.ID, step, attempt, inputHash, "")
		if err != nil {
			return contracts.RowOutcomeFailed, fmt.Errorf("processor: begin node state: %w", err)
		}
		p.trackOpen(pctx, stateID, info.ID, token.TokenID)

		result = transform.Process(pctx, rowData)
		if result.IsSuccess() {
			outputHash, hashErr := inputHashFor(successPayload(result))
			if hashErr != nil {
				return contracts.RowOutcomeFailed, fmt.Errorf("processor: hash transform output: %w", hashErr)
			}
			if err := p.recorder.CompleteNodeState(pctx.Context, stateID, outputHash, "", "", "", time.Since(start)); err != nil {
				return contracts.RowOutcomeFailed, fmt.Errorf("processor: complete node state: %w", err)
			}
			p.trackClose(stateID, nil)
			break
		}

		reason := result.Reason()
		errJSON, _ := codec.CanonicalBytes(map[string]interface{}{"category": string(reason.Category), "message": reason.Message})
		if err := p.recorder.FailNodeState(pctx.Context, stateID, string(errJSON), time.Since(start)); err != nil {
			return contracts.RowOutcomeFailed, fmt.Errorf("processor: fail node state: %w", err)
		}
		p.trackClose(stateID, fmt.Errorf("%s: %s", reason.Category, reason.Message))

		if !reason.Category.Retryable() || attempt >= p.retry.MaxAttempts {
			if p.log != nil {
				p.log.WithField("node_id", info.ID).WithField("attempt", attempt).WithField("category", string(reason.Category)).Error("transform failed terminally")
			}
			return contracts.RowOutcomeFailed, nil
		}

		select {
		case <-time.After(p.retry.delay(attempt - 1)):
		case <-pctx.Context.Done():
			return contracts.RowOutcomeFailed, pctx.Context.Err()
		}
	}

	if result.IsMulti() {
		var last contracts.RowOutcome = contracts.RowOutcomeDiscarded
		for i, out := range result.Rows() {
			child, err := p.recorder.CreateToken(pctx.Context, token.RowID, step+1, token.BranchName, []contracts.TokenParent{{TokenID: "", ParentTokenID: token.TokenID, Ordinal: i}})
			if err != nil {
				return contracts.RowOutcomeFailed, fmt.Errorf("processor: create fan-out token: %w", err)
			}
			outcome, err := p.advance(pctx, child, info.ID, out, step+1)
			if err != nil {
				return contracts.RowOutcomeFailed, err
			}
			last = outcome
		}
		return last, nil
	}

	return p.advance(pctx, token, info.ID, result.Row(), step+1)
}

func successPayload(r contracts.TransformResult) map[string]interface{} {
	if r.IsMulti() {
		return map[string]interface{}{"multi_count": len(r.Rows())}
	}
	return r.Row()
}

func (p *Processor) runGate(pctx contracts.PluginContext, token *contracts.Token, info graph.NodeInfo, rowData map[string]interface{}, step int) (contracts.RowOutcome, error) {
	gate, ok := p.plugins.Gates[info.ID]
	if !ok {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: no gate registered for node %s", info.ID)
	}

	inputHash, err := inputHashFor(rowData)
	if err != nil {
		return contracts.RowOutcomeFailed, err
	}
	start := time.Now()
	stateID, err := p.recorder.BeginNodeState(pctx.Context, token.TokenID, info.ID, step, 1, inputHash, "")
	if err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: begin gate node state: %w", err)
	}
	p.trackOpen(pctx, stateID, info.ID, token.TokenID)

	gateResult := gate.Evaluate(pctx, rowData)
	if err := p.recorder.CompleteNodeState(pctx.Context, stateID, inputHash, "", "", "", time.Since(start)); err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: complete gate node state: %w", err)
	}
	p.trackClose(stateID, nil)

	var reasonHash string
	if m := gateResult.Action.Reason.CanonicalMap(); m != nil {
		reasonHash, err = codec.ContentHash(m)
		if err != nil {
			return contracts.RowOutcomeFailed, fmt.Errorf("processor: hash routing reason: %w", err)
		}
	}

	switch gateResult.Action.Kind {
	case contracts.RoutingKindContinue:
		edge, ok := p.nextEdge(info.ID, "continue")
		if !ok {
			return contracts.RowOutcomeFailed, fmt.Errorf("processor: gate %s has no continue edge", info.ID)
		}
		if _, err := p.recorder.RecordRoutingEvent(pctx.Context, stateID, p.edgeID(info.ID, "continue"), contracts.RoutingModeMove, reasonHash, ""); err != nil {
			return contracts.RowOutcomeFailed, err
		}
		return p.advanceTo(pctx, token, edge.ToID, gateResult.Row, step+1, false)

	case contracts.RoutingKindRoute:
		label := gateResult.Action.Labels[0]
		edge, ok := p.nextEdge(info.ID, label)
		if !ok {
			return contracts.RowOutcomeFailed, fmt.Errorf("processor: gate %s has no edge labelled %q", info.ID, label)
		}
		if _, err := p.recorder.RecordRoutingEvent(pctx.Context, stateID, p.edgeID(info.ID, label), contracts.RoutingModeMove, reasonHash, ""); err != nil {
			return contracts.RowOutcomeFailed, err
		}
		return p.advanceTo(pctx, token, edge.ToID, gateResult.Row, step+1, true)

	case contracts.RoutingKindFork:
		routes := make([]landscape.RouteTarget, 0, len(gateResult.Action.Labels))
		edges := make([]graph.Edge, 0, len(gateResult.Action.Labels))
		for _, label := range gateResult.Action.Labels {
			edge, ok := p.nextEdge(info.ID, label)
			if !ok {
				return contracts.RowOutcomeFailed, fmt.Errorf("processor: gate %s has no edge labelled %q", info.ID, label)
			}
			edges = append(edges, edge)
			routes = append(routes, landscape.RouteTarget{EdgeID: p.edgeID(info.ID, label), ReasonHash: reasonHash})
		}
		if _, err := p.recorder.RecordRoutingEvents(pctx.Context, stateID, routes, contracts.RoutingModeCopy); err != nil {
			return contracts.RowOutcomeFailed, err
		}
		var last contracts.RowOutcome = contracts.RowOutcomeDiscarded
		for i, edge := range edges {
			child, err := p.recorder.CreateToken(pctx.Context, token.RowID, step+1, fmt.Sprintf("fork-%d", i), []contracts.TokenParent{{ParentTokenID: token.TokenID, Ordinal: i}})
			if err != nil {
				return contracts.RowOutcomeFailed, err
			}
			outcome, err := p.walk(pctx, child, edge.ToID, gateResult.Row, step+1)
			if err != nil {
				return contracts.RowOutcomeFailed, err
			}
			last = outcome
		}
		return last, nil

	default:
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: gate %s produced unknown routing kind %q", info.ID, gateResult.Action.Kind)
	}
}

// advanceTo walks to toNodeID, recording whether arriving there constitutes
// a ROUTED outcome (a non-default gate target) rather than passing through.
func (p *Processor) advanceTo(pctx contracts.PluginContext, token *contracts.Token, toNodeID string, rowData map[string]interface{}, step int, routed bool) (contracts.RowOutcome, error) {
	targetInfo, ok := p.graph.NodeInfo(toNodeID)
	if ok && targetInfo.Type == contracts.NodeTypeSink && routed {
		return p.runSink(pctx, token, targetInfo, rowData)
	}
	return p.walk(pctx, token, toNodeID, rowData, step)
}

// advance follows the sole "continue" edge out of fromNodeID, used by
// transforms and aggregation flush output.
func (p *Processor) advance(pctx contracts.PluginContext, token *contracts.Token, fromNodeID string, rowData map[string]interface{}, step int) (contracts.RowOutcome, error) {
	edge, ok := p.nextEdge(fromNodeID, "continue")
	if !ok {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: node %s has no continue edge", fromNodeID)
	}
	return p.walk(pctx, token, edge.ToID, rowData, step)
}

func (p *Processor) runAggregation(pctx contracts.PluginContext, token *contracts.Token, info graph.NodeInfo, rowData map[string]interface{}, step int) (contracts.RowOutcome, error) {
	agg, ok := p.plugins.Aggregations[info.ID]
	if !ok {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: no aggregation registered for node %s", info.ID)
	}

	shouldFlush, batchID := p.agg.BufferRow(info.ID, aggregation.TokenInfo{
		TokenID:    token.TokenID,
		RowID:      token.RowID,
		BranchName: token.BranchName,
		RowData:    rowData,
	}, func() string {
		batch, err := p.recorder.CreateBatch(pctx.Context, pctx.RunID, info.ID, 1)
		if err != nil || batch == nil {
			return ""
		}
		return batch.BatchID
	})
	if batchID == "" {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: create batch for aggregation %s failed", info.ID)
	}
	if err := p.recorder.RecordBatchMember(pctx.Context, batchID, token.TokenID, p.agg.PendingCount(info.ID)-1); err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: record batch member: %w", err)
	}

	if !shouldFlush {
		return contracts.RowOutcomeDiscarded, nil
	}
	return p.flush(pctx, info, agg, "COUNT threshold reached", step)
}

// FlushAggregation is called by the orchestrator at END_OF_SOURCE for every
// aggregation node with a non-empty buffer.
func (p *Processor) FlushAggregation(pctx contracts.PluginContext, nodeID, reason string) (contracts.RowOutcome, error) {
	info, ok := p.graph.NodeInfo(nodeID)
	if !ok {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: unknown aggregation node %s", nodeID)
	}
	agg, ok := p.plugins.Aggregations[nodeID]
	if !ok {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: no aggregation registered for node %s", nodeID)
	}
	if p.agg.PendingCount(nodeID) == 0 {
		return contracts.RowOutcomeDiscarded, nil
	}
	return p.flush(pctx, info, agg, reason, 0)
}

func (p *Processor) flush(pctx contracts.PluginContext, info graph.NodeInfo, agg contracts.Aggregation, reason string, step int) (contracts.RowOutcome, error) {
	batchID := p.agg.BatchID(info.ID)
	result, consumed, err := p.agg.ExecuteFlush(pctx, info.ID, agg, reason)
	if err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: execute flush on %s: %w", info.ID, err)
	}
	if !result.IsSuccess() {
		return contracts.RowOutcomeFailed, nil
	}

	outputs := result.Rows()
	if !result.IsMulti() {
		outputs = []map[string]interface{}{result.Row()}
	}

	var last contracts.RowOutcome = contracts.RowOutcomeDiscarded
	if agg.OutputMode() == contracts.OutputModeReduce {
		if len(consumed) == 0 {
			return contracts.RowOutcomeDiscarded, nil
		}
		child, err := p.recorder.CreateToken(pctx.Context, consumed[0].RowID, step+1, consumed[0].BranchName, []contracts.TokenParent{{ParentTokenID: consumed[0].TokenID, Ordinal: 0}})
		if err != nil {
			return contracts.RowOutcomeFailed, err
		}
		row := map[string]interface{}{}
		if len(outputs) > 0 {
			row = outputs[0]
		}
		if err := p.recorder.RecordBatchOutput(pctx.Context, batchID, "token", child.TokenID); err != nil {
			return contracts.RowOutcomeFailed, err
		}
		return p.advance(pctx, child, info.ID, row, step+1)
	}

	for i, out := range outputs {
		if i >= len(consumed) {
			break
		}
		src := consumed[i]
		child, err := p.recorder.CreateToken(pctx.Context, src.RowID, step+1, src.BranchName, []contracts.TokenParent{{ParentTokenID: src.TokenID, Ordinal: 0}})
		if err != nil {
			return contracts.RowOutcomeFailed, err
		}
		if err := p.recorder.RecordBatchOutput(pctx.Context, batchID, "token", child.TokenID); err != nil {
			return contracts.RowOutcomeFailed, err
		}
		outcome, err := p.advance(pctx, child, info.ID, out, step+1)
		if err != nil {
			return contracts.RowOutcomeFailed, err
		}
		last = outcome
	}
	return last, nil
}

// QuarantineRow bypasses the transform chain and writes rowData straight to
// the named quarantine sink, used when a source row violates its schema
// contract and the on_error policy is "quarantine" (§7 row-level failures).
func (p *Processor) QuarantineRow(pctx contracts.PluginContext, row *contracts.Row, sinkNodeID string, rowData map[string]interface{}) (contracts.RowOutcome, error) {
	info, ok := p.graph.NodeInfo(sinkNodeID)
	if !ok || info.Type != contracts.NodeTypeSink {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: quarantine target %s is not a sink", sinkNodeID)
	}
	token, err := p.recorder.CreateToken(pctx.Context, row.RowID, 0, "", nil)
	if err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: create quarantine token for row %s: %w", row.RowID, err)
	}
	outcome, err := p.runSink(pctx, token, info, rowData)
	if err != nil {
		return outcome, err
	}
	if outcome == contracts.RowOutcomeFailed {
		return outcome, nil
	}
	return contracts.RowOutcomeQuarantined, nil
}

func (p *Processor) runSink(pctx contracts.PluginContext, token *contracts.Token, info graph.NodeInfo, rowData map[string]interface{}) (contracts.RowOutcome, error) {
	sink, ok := p.plugins.Sinks[info.ID]
	if !ok {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: no sink registered for node %s", info.ID)
	}

	inputHash, err := inputHashFor(rowData)
	if err != nil {
		return contracts.RowOutcomeFailed, err
	}
	start := time.Now()
	stateID, err := p.recorder.BeginNodeState(pctx.Context, token.TokenID, info.ID, 0, 1, inputHash, "")
	if err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: begin sink node state: %w", err)
	}
	p.trackOpen(pctx, stateID, info.ID, token.TokenID)

	descriptor, err := sink.Write(pctx, []map[string]interface{}{rowData})
	if err != nil {
		errJSON, _ := codec.CanonicalBytes(map[string]interface{}{"message": err.Error()})
		if failErr := p.recorder.FailNodeState(pctx.Context, stateID, string(errJSON), time.Since(start)); failErr != nil {
			return contracts.RowOutcomeFailed, fmt.Errorf("processor: fail sink node state: %w", failErr)
		}
		p.trackClose(stateID, err)
		if p.log != nil {
			p.log.WithError(err).WithField("sink", info.ID).Error("sink write failed")
		}
		return contracts.RowOutcomeFailed, nil
	}
	if err := p.recorder.CompleteNodeState(pctx.Context, stateID, descriptor.ContentHash, "", "", "", time.Since(start)); err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: complete sink node state: %w", err)
	}
	p.trackClose(stateID, nil)
	if _, err := p.recorder.RecordArtifact(pctx.Context, pctx.RunID, stateID, info.ID, descriptor); err != nil {
		return contracts.RowOutcomeFailed, fmt.Errorf("processor: record artifact: %w", err)
	}

	if info.ID == p.outputSinkID {
		return contracts.RowOutcomeCompleted, nil
	}
	return contracts.RowOutcomeRouted, nil
}
