// Package dispatch drives the coordinator's fixed-point execution loop:
// select services, extract parameters, order by implied data dependencies,
// then repeatedly execute whatever has become resolvable until nothing is
// left or nothing moves.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/coordinator/audit"
	"github.com/c360studio/coordinator/contract"
	"github.com/c360studio/coordinator/extract"
	"github.com/c360studio/coordinator/metrics"
	"github.com/c360studio/coordinator/model"
	"github.com/c360studio/coordinator/planner"
	"github.com/c360studio/coordinator/rerank"
)

// ServiceName tags every coordinator audit event.
const ServiceName = "coordinator-agent"

// maxStalls bounds the number of passes that neither execute a service nor
// grow the context key set before the loop gives up.
const maxStalls = 5

// maxRawSnippet caps the raw body carried in an invalid-JSON response.
const maxRawSnippet = 200

// skipReason is recorded on every service that never became resolvable.
const skipReason = "Unresolvable inputs after dependency resolution loop."

// defaultReason is audited when the selector gave no reason for a pick.
const defaultReason = "executed after dependency resolution"

// Selector picks and orders the candidate services for a query.
type Selector interface {
	Select(ctx context.Context, query string, candidates []model.Candidate) (*rerank.Selection, error)
}

// Extractor pulls structured values out of the query under a merged
// null-permissive schema. It never fails; unusable replies degrade to
// all-null.
type Extractor interface {
	Extract(ctx context.Context, query string, schema map[string]any) map[string]any
}

// AuditSink receives one event per executed or skipped service.
type AuditSink interface {
	Log(event audit.Event)
}

// Result is the aggregated dispatch response. Skipped is the sub-map of
// Responses holding skip records.
type Result struct {
	PickIDs   []string          `json:"pickids"`
	Reasons   map[string]string `json:"reasons"`
	Responses map[string]any    `json:"responses"`
	Skipped   map[string]any    `json:"skipped"`
	LLMRaw    string            `json:"llm_raw"`
}

// Dispatcher owns the mutable state of one dispatch call; the planner
// stays a pure function it consults.
type Dispatcher struct {
	selector  Selector
	extractor Extractor
	audit     AuditSink

	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used for downstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithTimeouts rebuilds the downstream HTTP client with the given connect
// and read timeouts.
func WithTimeouts(connect, read time.Duration) Option {
	return func(d *Dispatcher) {
		d.httpClient = newHTTPClient(connect, read)
	}
}

func newHTTPClient(connect, read time.Duration) *http.Client {
	return &http.Client{
		Timeout: read,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connect}).DialContext,
		},
	}
}

// New creates a dispatcher. The audit sink is required; pass a logger
// writing to a throwaway path in tests.
func New(selector Selector, extractor Extractor, sink AuditSink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		selector:   selector,
		extractor:  extractor,
		audit:      sink,
		httpClient: newHTTPClient(2*time.Second, 60*time.Second),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes the full pipeline for one request body. The body must carry
// "query" and "candidates"; every other top-level key preloads the
// context. Per-service downstream failures and unresolvable services are
// contained in the result; only preamble failures return an error.
func (d *Dispatcher) Run(ctx context.Context, body map[string]any) (*Result, error) {
	query, _ := body["query"].(string)
	candidates, err := model.ParseCandidates(body["candidates"])
	if err != nil || query == "" || len(candidates) == 0 {
		return nil, &BadRequestError{Detail: "require 'query' and 'candidates'"}
	}

	correlationID := uuid.NewString()
	logger := d.logger.With("correlation_id", correlationID)

	sel, err := d.selector.Select(ctx, query, candidates)
	if err != nil {
		return nil, &UpstreamError{Op: "rerank error", Err: err}
	}

	byID := make(map[string]model.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	contracts := make(map[string]contract.ServiceContracts, len(sel.PickIDs))
	inputs := make([]contract.Contract, 0, len(sel.PickIDs))
	for _, sid := range sel.PickIDs {
		sc := contract.ForCandidate(byID[sid])
		contracts[sid] = sc
		inputs = append(inputs, sc.Input)
	}

	schema := contract.AllowNulls(contract.MergedSchema(inputs))
	extracted := d.extractor.Extract(ctx, query, schema)
	cleaned := extract.Filter(extracted)
	if len(cleaned) == 0 {
		return nil, &BadRequestError{Detail: "No usable values extracted from query"}
	}

	// The context starts as a copy of the request body, so arbitrary
	// top-level keys preload fields downstream contracts can consume.
	dctx := make(map[string]any, len(body)+len(cleaned))
	for k, v := range body {
		dctx[k] = v
	}
	for k, v := range cleaned {
		dctx[k] = v
	}

	run := &execution{
		dispatcher:    d,
		logger:        logger,
		correlationID: correlationID,
		query:         query,
		byID:          byID,
		contracts:     contracts,
		selection:     sel,
		context:       dctx,
		responses:     make(map[string]any, len(sel.PickIDs)),
		executedSet:   make(map[string]struct{}, len(sel.PickIDs)),
	}
	run.loop(ctx)
	run.recordSkips()

	skipped := make(map[string]any)
	for sid, resp := range run.responses {
		if m, ok := resp.(map[string]any); ok {
			if s, ok := m["skipped"].(bool); ok && s {
				skipped[sid] = m
			}
		}
	}

	return &Result{
		PickIDs:   sel.PickIDs,
		Reasons:   sel.Reasons,
		Responses: run.responses,
		Skipped:   skipped,
		LLMRaw:    sel.Raw,
	}, nil
}

// execution is the mutable state of one dispatch call.
type execution struct {
	dispatcher    *Dispatcher
	logger        *slog.Logger
	correlationID string
	query         string

	byID      map[string]model.Candidate
	contracts map[string]contract.ServiceContracts
	selection *rerank.Selection

	context     map[string]any
	responses   map[string]any
	executed    []string // execution order, for source-3 resolution
	executedSet map[string]struct{}

	// unresolved holds the final pass's (sid, missing) records.
	unresolved []unresolvedService
}

type unresolvedService struct {
	sid     string
	missing []string
}

// loop runs the fixed-point execution until every pick executed or the
// stall budget is exhausted.
func (e *execution) loop(ctx context.Context) {
	order := e.plan()
	prevKeys := keySet(e.context)
	stalls := 0

	for {
		remaining := e.remaining(order)
		if len(remaining) == 0 {
			return
		}

		progress := false
		e.unresolved = nil
		for _, sid := range remaining {
			required := e.contracts[sid].Input.EffectiveRequired()
			res := resolveInputs(required, e.context, e.executed, e.responses)
			if !res.resolvable() {
				e.unresolved = append(e.unresolved, unresolvedService{sid: sid, missing: res.missing})
				continue
			}
			e.execute(ctx, sid, res.resolved)
			progress = true
		}

		curKeys := keySet(e.context)
		if !progress && equalKeys(curKeys, prevKeys) {
			stalls++
		} else {
			stalls = 0
		}
		prevKeys = curKeys

		if stalls >= maxStalls {
			return
		}
		if !progress {
			// A cycle or unsourceable contract is recoverable here:
			// fall back to pick order and let the stall budget decide.
			next, err := planner.Order(e.selection.PickIDs, e.contracts, keys(e.context))
			if err != nil {
				e.logger.Debug("Dependency replanning failed, using pick order", "error", err)
				next = e.selection.PickIDs
			}
			order = next
		}
	}
}

// plan computes the initial execution order, falling back to pick order
// when the contracts cannot be topologically resolved yet. Contracts are
// informational: runtime responses can still surface missing fields, so
// unresolved picks are tried anyway.
func (e *execution) plan() []string {
	order, err := planner.Order(e.selection.PickIDs, e.contracts, keys(e.context))
	if err != nil {
		e.logger.Debug("Dependency planning failed, using pick order", "error", err)
		return e.selection.PickIDs
	}
	return order
}

// remaining filters order down to unexecuted picks.
func (e *execution) remaining(order []string) []string {
	out := make([]string, 0, len(order))
	for _, sid := range order {
		if _, done := e.executedSet[sid]; !done {
			out = append(out, sid)
		}
	}
	return out
}

// execute performs one downstream call and folds the outcome into the
// run's state. Failures are contained as {error: ...} responses; the
// service counts as executed either way and is never retried.
func (e *execution) execute(ctx context.Context, sid string, resolved map[string]any) {
	cand := e.byID[sid]
	url := substituteURL(cand.Metadata.Endpoint(), resolved)

	start := time.Now()
	response := e.dispatcher.call(ctx, url, e.correlationID, resolved)
	elapsed := time.Since(start)

	outcome := metrics.OutcomeOK
	if _, failed := response["error"]; failed {
		outcome = metrics.OutcomeError
	}
	metrics.DownstreamCallsTotal.WithLabelValues(sid, outcome).Inc()
	metrics.DownstreamCallDuration.WithLabelValues(sid).Observe(elapsed.Seconds())

	e.responses[sid] = response
	e.executed = append(e.executed, sid)
	e.executedSet[sid] = struct{}{}
	for k, v := range response {
		e.context[k] = v
	}

	reason := e.selection.Reasons[sid]
	if reason == "" {
		reason = defaultReason
	}
	e.dispatcher.audit.Log(audit.Event{
		Service:        ServiceName,
		CorrelationID:  e.correlationID,
		Request:        resolved,
		Response:       response,
		TargetService:  sid,
		TargetURL:      url,
		Reason:         reason,
		Query:          e.query,
		ContractInput:  cand.Metadata.ContractInput(),
		ContractOutput: cand.Metadata.ContractOutput(),
	})

	e.logger.Info("Executed downstream service",
		"service", sid,
		"url", url,
		"outcome", outcome,
		"duration", elapsed)
}

// recordSkips converts the final pass's unresolved services into skip
// records and audits them with the final context as the request.
func (e *execution) recordSkips() {
	for _, u := range e.unresolved {
		skip := map[string]any{
			"skipped":        true,
			"missing_inputs": u.missing,
			"reason":         skipReason,
		}
		e.responses[u.sid] = skip
		metrics.ServicesSkippedTotal.Inc()

		cand := e.byID[u.sid]
		e.dispatcher.audit.Log(audit.Event{
			Service:        ServiceName,
			CorrelationID:  e.correlationID,
			Request:        e.context,
			Response:       skip,
			TargetService:  u.sid,
			TargetURL:      cand.Metadata.TargetURL(),
			Reason:         skipReason,
			Query:          e.query,
			ContractInput:  cand.Metadata.ContractInput(),
			ContractOutput: cand.Metadata.ContractOutput(),
		})

		e.logger.Info("Skipped unresolvable service",
			"service", u.sid,
			"missing_inputs", u.missing)
	}
}

// call POSTs the resolved inputs to the substituted URL. Every failure
// shape collapses to a map with an "error" key; by construction no
// contract requires that key, so failures never satisfy a dependency.
func (d *Dispatcher) call(ctx context.Context, url, correlationID string, body map[string]any) map[string]any {
	payload, err := json.Marshal(body)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-correlation-id", correlationID)
	req.Header.Set("x-jwt", "{}")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 400 {
		return map[string]any{"error": fmt.Sprintf("%d error for url: %s", resp.StatusCode, url)}
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		snippet := string(raw)
		if len(snippet) > maxRawSnippet {
			snippet = snippet[:maxRawSnippet]
		}
		return map[string]any{"error": "invalid JSON", "raw": snippet}
	}
	return parsed
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func keySet(m map[string]any) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func equalKeys(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
