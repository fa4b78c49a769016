package pipeline

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/nexis-ai/nexis-fetch/internal/registry"
	"github.com/nexis-ai/nexis-fetch/internal/types"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	// OutcomeSkipped: the completion marker already covers this
	// configuration; no work was performed.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSuccess: every request reached a successful placement.
	OutcomeSuccess Outcome = "success"
	// OutcomePartialFailure: some requests failed terminally, others
	// succeeded. Tolerated; the marker is still written.
	OutcomePartialFailure Outcome = "partial_failure"
	// OutcomeTimedOut: the run-level budget expired. Completed placements
	// are kept, remaining work was abandoned.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeFailed: nothing succeeded and every failure was
	// network-class, i.e. no registry was reachable at all.
	OutcomeFailed Outcome = "failed"
)

// Transferrer is the transfer engine contract the orchestrator fans work
// out to.
type Transferrer interface {
	Fetch(ctx context.Context, artifact *types.ResolvedArtifact, tempDir string) (*types.TransferResult, error)
}

// ArtifactPlacer verifies and atomically places a completed transfer.
type ArtifactPlacer interface {
	VerifyAndPlace(res *types.TransferResult) (*types.PlacedFile, error)
}

// RequestResult records the terminal state of one acquisition request.
type RequestResult struct {
	Request types.AcquisitionRequest
	Placed  *types.PlacedFile
	Err     error
}

// RunReport aggregates per-request outcomes into the run's terminal state.
type RunReport struct {
	Outcome     Outcome
	Fingerprint string
	Results     []RequestResult
	Err         error
}

// Orchestrator sequences the pipeline: fingerprint gate, bounded fan-out
// of resolve→fetch→place per request, outcome aggregation, and the single
// marker write after all work has joined. Individual request failures
// never stop the run.
type Orchestrator struct {
	resolvers     map[types.Registry]registry.Resolver
	engine        Transferrer
	placer        ArtifactPlacer
	marker        *MarkerStore
	tempDir       string
	maxConcurrent int
	logger        *zap.Logger

	// resolveLocks serializes metadata lookups per identifier; concurrent
	// lookups of the same identifier buy nothing and hammer the API.
	resolveMu    sync.Mutex
	resolveLocks map[string]*sync.Mutex
}

func NewOrchestrator(
	resolvers map[types.Registry]registry.Resolver,
	engine Transferrer,
	placer ArtifactPlacer,
	marker *MarkerStore,
	tempDir string,
	maxConcurrent int,
	logger *zap.Logger,
) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Orchestrator{
		resolvers:     resolvers,
		engine:        engine,
		placer:        placer,
		marker:        marker,
		tempDir:       tempDir,
		maxConcurrent: maxConcurrent,
		logger:        logger.Named("pipeline"),
		resolveLocks:  make(map[string]*sync.Mutex),
	}
}

// Run executes the whole pipeline for one work list. identifierValues are
// the raw configuration values the fingerprint is computed over; requests
// is the parsed work list.
func (o *Orchestrator) Run(ctx context.Context, identifierValues []string, requests []types.AcquisitionRequest) *RunReport {
	fingerprint := Fingerprint(identifierValues)
	report := &RunReport{Fingerprint: fingerprint}

	if o.marker.Matches(fingerprint) {
		o.logger.Info("completion marker matches configuration, skipping run",
			zap.String("fingerprint", fingerprint),
		)
		report.Outcome = OutcomeSkipped
		return report
	}

	if len(requests) == 0 {
		o.logger.Info("no identifiers configured, nothing to acquire")
		report.Outcome = OutcomeSuccess
		o.writeMarker(fingerprint)
		return report
	}

	o.logger.Info("starting acquisition run",
		zap.Int("requests", len(requests)),
		zap.String("fingerprint", fingerprint),
	)

	wp := workerpool.New(o.maxConcurrent)
	var mu sync.Mutex
	results := make([]RequestResult, 0, len(requests))

	for _, req := range requests {
		req := req
		wp.Submit(func() {
			result := o.process(ctx, req)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		})
	}
	wp.StopWait()

	report.Results = results
	o.finalize(ctx, report)
	return report
}

// process drives one request to a terminal state. Errors are recorded,
// never propagated as a crash.
func (o *Orchestrator) process(ctx context.Context, req types.AcquisitionRequest) RequestResult {
	result := RequestResult{Request: req}

	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	resolver, ok := o.resolvers[req.Registry]
	if !ok {
		result.Err = &types.ResolveError{
			Registry:   req.Registry,
			Identifier: req.Identifier,
			Reason:     "no client for registry",
		}
		return result
	}

	unlock := o.lockIdentifier(req.Identifier)
	artifact, err := resolver.Resolve(ctx, req)
	unlock()
	if err != nil {
		result.Err = err
		return result
	}

	transferred, err := o.engine.Fetch(ctx, artifact, o.tempDir)
	if err != nil {
		result.Err = err
		return result
	}

	placed, err := o.placer.VerifyAndPlace(transferred)
	if err != nil {
		result.Err = err
		return result
	}

	result.Placed = placed
	return result
}

// finalize classifies the joined results, applies the marker policy, and
// emits the per-identifier summary.
func (o *Orchestrator) finalize(ctx context.Context, report *RunReport) {
	var placed, failed int
	var errs *multierror.Error
	networkOnly := true

	for _, r := range report.Results {
		if r.Err == nil {
			placed++
			o.logger.Info("acquired",
				zap.String("registry", string(r.Request.Registry)),
				zap.String("identifier", r.Request.Identifier),
				zap.String("path", r.Placed.Path),
				zap.Bool("verified", r.Placed.Verified),
			)
			continue
		}

		failed++
		errs = multierror.Append(errs, r.Err)
		if types.IsTerminal(r.Err) {
			networkOnly = false
		}
		o.logger.Error("acquisition failed",
			zap.String("registry", string(r.Request.Registry)),
			zap.String("identifier", r.Request.Identifier),
			zap.Error(r.Err),
		)
	}

	switch {
	case ctx.Err() != nil:
		// Budget exhausted: keep what completed, keep any marker from a
		// previous successful run, suppress this run's marker write.
		report.Outcome = OutcomeTimedOut
	case failed == 0:
		report.Outcome = OutcomeSuccess
		o.writeMarker(report.Fingerprint)
	case placed == 0 && networkOnly:
		// No registry reachable at all. Clear the marker so the next
		// invocation always retries.
		report.Outcome = OutcomeFailed
		report.Err = errs.ErrorOrNil()
		if err := o.marker.Clear(); err != nil {
			o.logger.Warn("failed to clear completion marker", zap.Error(err))
		}
	default:
		// Partial failure is a tolerated terminal state; the marker is
		// written so an unchanged configuration is not endlessly retried.
		report.Outcome = OutcomePartialFailure
		report.Err = errs.ErrorOrNil()
		o.writeMarker(report.Fingerprint)
	}

	o.logger.Info("acquisition run finished",
		zap.String("outcome", string(report.Outcome)),
		zap.Int("placed", placed),
		zap.Int("failed", failed),
		zap.Int("total", len(report.Results)),
	)
}

func (o *Orchestrator) writeMarker(fingerprint string) {
	if err := o.marker.Write(fingerprint); err != nil {
		o.logger.Warn("failed to write completion marker", zap.Error(err))
	}
}

func (o *Orchestrator) lockIdentifier(identifier string) func() {
	o.resolveMu.Lock()
	lock, ok := o.resolveLocks[identifier]
	if !ok {
		lock = &sync.Mutex{}
		o.resolveLocks[identifier] = lock
	}
	o.resolveMu.Unlock()

	lock.Lock()
	return lock.Unlock
}
