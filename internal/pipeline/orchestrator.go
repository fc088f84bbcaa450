// -----------------------------------------------------------------------
// Pipeline Orchestrator - drives jobs from submission to terminal state
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
)

// Orchestrator accepts job requests, validates the step DAG, dispatches
// ready steps to the worker pool, tracks status, handles retries and
// cancellation, and publishes progress. Job state is mutated only by the
// per-job scheduler goroutine; everything else communicates by message.
type Orchestrator struct {
	registry *Registry
	pool     *WorkerPool
	bus      interfaces.ProgressBus
	jobs     interfaces.JobStorage
	graph    interfaces.GraphService
	embedder interfaces.EmbeddingService
	llm      interfaces.LLMService
	config   *common.Config
	logger   arbor.ILogger

	mu     sync.Mutex
	active map[string]*jobRun
}

// NewOrchestrator wires the orchestrator. The worker pool is sized from
// the per-step concurrency configuration.
func NewOrchestrator(
	registry *Registry,
	bus interfaces.ProgressBus,
	jobs interfaces.JobStorage,
	graph interfaces.GraphService,
	embedder interfaces.EmbeddingService,
	llm interfaces.LLMService,
	config *common.Config,
	logger arbor.ILogger,
) *Orchestrator {
	caps := make(map[string]int)
	for _, name := range registry.Names() {
		caps[name] = registry.ConcurrencyFor(name)
	}
	return &Orchestrator{
		registry: registry,
		pool:     NewWorkerPool(caps, logger),
		bus:      bus,
		jobs:     jobs,
		graph:    graph,
		embedder: embedder,
		llm:      llm,
		config:   config,
		logger:   logger,
		active:   make(map[string]*jobRun),
	}
}

type msgKind int

const (
	msgStepStarted msgKind = iota
	msgStepProgress
	msgStepDone
	msgStepRetryReady
)

// schedMsg is the only channel between workers and a job's scheduler.
type schedMsg struct {
	kind     msgKind
	step     string
	attempt  int
	err      error
	percent  float64
	message  string
	counters map[string]int
}

// jobRun is the in-memory execution state of one active job.
type jobRun struct {
	job       *models.Job
	dag       *DAG
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	msgs      chan schedMsg
	done      chan struct{}
	scratch   *interfaces.JobScratch
	inflight  int
	logger    arbor.ILogger
}

// Submit validates a job request and starts it. Returns the initial job
// state immediately; execution proceeds on the scheduler goroutine.
func (o *Orchestrator) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*models.Job, error) {
	if len(req.Steps) == 0 {
		return nil, models.NewPipelineError(models.ErrInvalidPipeline, "no steps requested")
	}

	info, err := os.Stat(req.RepoPath)
	if err != nil {
		return nil, &models.PipelineError{Kind: models.ErrRepoNotAccessible,
			Message: fmt.Sprintf("repository path not accessible: %s", req.RepoPath), Cause: err}
	}
	if !info.IsDir() {
		return nil, models.NewPipelineError(models.ErrRepoNotAccessible,
			"repository path is not a directory: %s", req.RepoPath)
	}

	requested := make([]string, 0, len(req.Steps))
	for _, s := range req.Steps {
		requested = append(requested, s.Name)
	}

	// Resolve per-step dependencies and validate parameters fail-closed.
	deps := make(map[string][]string, len(req.Steps))
	for _, s := range req.Steps {
		if !o.registry.Has(s.Name) {
			return nil, models.NewPipelineError(models.ErrInvalidPipeline, "unknown step: %s", s.Name)
		}
		if err := o.registry.ValidateParams(s.Name, s.Params); err != nil {
			return nil, err
		}
		step, err := o.registry.NewStep(s.Name)
		if err != nil {
			return nil, err
		}
		params := o.registry.MergedParams(s.Name, s.Params)
		params[RequestedStepsParam] = requested
		deps[s.Name] = step.DeclaredDependencies(params)
	}

	dag, err := BuildDAG(requested, deps)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(req.RepoPath, req.Steps)
	if req.JobID != "" {
		job.ID = req.JobID
	}
	for name, st := range job.StepStates {
		st.Dependencies = append([]string(nil), dag.Dependencies(name)...)
	}

	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &jobRun{
		job:     job,
		dag:     dag,
		ctx:     runCtx,
		cancel:  cancel,
		msgs:    make(chan schedMsg, 512),
		done:    make(chan struct{}),
		scratch: interfaces.NewJobScratch(),
		logger:  o.logger.WithCorrelationId(job.ID),
	}

	o.mu.Lock()
	o.active[job.ID] = run
	o.mu.Unlock()

	common.SafeGo(o.logger, "scheduler:"+job.ID, func() {
		o.runJob(run)
	})

	run.logger.Info().
		Str("repo_path", job.RepoPath).
		Str("dag", dag.String()).
		Msg("Job submitted")

	return job.Clone(), nil
}

// GetJob returns the current state of a job. The scheduler goroutine owns
// the live record; storage holds the persisted mirror snapshots read from.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return o.jobs.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the filter, paginated.
func (o *Orchestrator) ListJobs(ctx context.Context, opts *models.JobListOptions) ([]*models.Job, error) {
	return o.jobs.ListJobs(ctx, opts)
}

// Cancel requests cooperative cancellation. Idempotent; cancelling a
// terminal job is a no-op success.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	run, ok := o.active[jobID]
	o.mu.Unlock()

	if !ok {
		job, err := o.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		// Job persisted but scheduler gone (process restart): mark cancelled.
		now := time.Now()
		job.Status = models.JobStatusCancelled
		job.FinishedAt = &now
		job.UpdatedAt = now
		return o.jobs.SaveJob(ctx, job)
	}

	if run.cancelled.CompareAndSwap(false, true) {
		run.logger.Info().Msg("Job cancellation requested")
		run.cancel()
	}
	return nil
}

// WaitForJob blocks until the job reaches a terminal state or ctx is done.
func (o *Orchestrator) WaitForJob(ctx context.Context, jobID string) (*models.Job, error) {
	o.mu.Lock()
	run, ok := o.active[jobID]
	o.mu.Unlock()

	if ok {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.jobs.GetJob(ctx, jobID)
}

// Shutdown cancels all active jobs and waits for workers to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	runs := make([]*jobRun, 0, len(o.active))
	for _, run := range o.active {
		runs = append(runs, run)
	}
	o.mu.Unlock()

	for _, run := range runs {
		if run.cancelled.CompareAndSwap(false, true) {
			run.cancel()
		}
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return
		}
	}
	o.pool.WaitAll()
}

// runJob is the single-writer scheduler loop for one job.
func (o *Orchestrator) runJob(run *jobRun) {
	defer close(run.done)
	defer func() {
		o.mu.Lock()
		delete(o.active, run.job.ID)
		o.mu.Unlock()
	}()

	job := run.job
	now := time.Now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	o.persist(run)
	o.publishJobState(run)

	o.dispatchReady(run)

	deadline := time.Duration(o.config.Pipeline.CancelDeadlineSeconds) * time.Second
	ctxDone := run.ctx.Done()
	var abandonTimer <-chan time.Time

	for !o.settled(run) {
		select {
		case msg := <-run.msgs:
			o.handleMsg(run, msg)

		case <-ctxDone:
			ctxDone = nil
			o.markCancelledPending(run)
			abandonTimer = time.After(deadline)

		case <-abandonTimer:
			o.abandonRunning(run)
			abandonTimer = nil
		}
	}

	o.finalize(run)
}

// settled reports whether every step is terminal and no worker is in flight.
func (o *Orchestrator) settled(run *jobRun) bool {
	if run.inflight > 0 {
		return false
	}
	for _, st := range run.job.StepStates {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// dispatchReady moves every ready step to Ready and submits it.
func (o *Orchestrator) dispatchReady(run *jobRun) {
	if run.cancelled.Load() {
		return
	}
	for _, name := range run.dag.Ready(run.job.StepStates) {
		o.dispatch(run, name)
	}
}

// dispatch submits one step invocation to the worker pool.
func (o *Orchestrator) dispatch(run *jobRun, name string) {
	st := run.job.StepStates[name]
	st.Status = models.StepStatusReady
	run.inflight++
	o.persist(run)

	attempt := st.Attempts + 1
	jobParams := map[string]interface{}{}
	for _, rs := range run.job.RequestedSteps {
		if rs.Name == name {
			jobParams = rs.Params
			break
		}
	}
	params := o.registry.MergedParams(name, jobParams)
	params[RequestedStepsParam] = run.job.StepOrder()

	o.pool.Submit(run.ctx, name, func() {
		o.runStep(run, name, attempt, params)
	}, func(err error) {
		// Slot never freed before cancellation; report as cancelled.
		run.send(schedMsg{kind: msgStepDone, step: name, attempt: attempt, err: run.ctx.Err()})
	})
}

// send delivers a message to the scheduler unless it has already exited.
func (r *jobRun) send(msg schedMsg) {
	select {
	case r.msgs <- msg:
	case <-r.done:
	}
}

// runStep executes one attempt of a step on a worker goroutine.
func (o *Orchestrator) runStep(run *jobRun, name string, attempt int, params map[string]interface{}) {
	run.send(schedMsg{kind: msgStepStarted, step: name, attempt: attempt})

	step, err := o.registry.NewStep(name)
	if err != nil {
		run.send(schedMsg{kind: msgStepDone, step: name, attempt: attempt, err: err})
		return
	}

	ctx := run.ctx
	var cancel context.CancelFunc
	if timeout := o.registry.TimeoutFor(name); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sc := &interfaces.StepContext{
		JobID:    run.job.ID,
		RepoPath: run.job.RepoPath,
		Params:   params,
		Attempt:  attempt,
		Graph:    o.graph,
		Embedder: o.embedder,
		LLM:      o.llm,
		Publisher: &stepPublisher{
			run:     run,
			step:    name,
			attempt: attempt,
		},
		Logger: run.logger,
		State:  run.scratch,
	}

	err = func() (runErr error) {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("step panicked: %v", r)
			}
		}()
		return step.Run(ctx, sc)
	}()

	// Timeouts surface as cancellation with a distinguished error kind.
	if err != nil && ctx.Err() == context.DeadlineExceeded && run.ctx.Err() == nil {
		err = &models.PipelineError{Kind: models.ErrTimeout,
			Message: fmt.Sprintf("step %s exceeded its timeout", name), Cause: err}
	}

	run.send(schedMsg{kind: msgStepDone, step: name, attempt: attempt, err: err})
}

// handleMsg applies one scheduler message to job state.
func (o *Orchestrator) handleMsg(run *jobRun, msg schedMsg) {
	st := run.job.StepStates[msg.step]
	if st == nil {
		return
	}

	switch msg.kind {
	case msgStepStarted:
		if st.Status.IsTerminal() {
			return // cancelled while queued; done message follows
		}
		now := time.Now()
		st.Status = models.StepStatusRunning
		st.Attempts = msg.attempt
		st.StartedAt = &now
		st.Progress = models.StepProgress{Message: "started"}
		o.persist(run)
		o.publish(run, models.ProgressEvent{
			JobID: run.job.ID, StepName: msg.step, Kind: models.EventStepStarted,
			Attempt: msg.attempt,
		})

	case msgStepProgress:
		if st.Status != models.StepStatusRunning || msg.attempt != st.Attempts {
			return // stale attempt
		}
		// Progress is monotone non-decreasing within an attempt.
		if msg.percent < st.Progress.Percent {
			msg.percent = st.Progress.Percent
		}
		st.Progress = models.StepProgress{Percent: msg.percent, Message: msg.message, Counters: msg.counters}
		o.persist(run)
		o.publish(run, models.ProgressEvent{
			JobID: run.job.ID, StepName: msg.step, Kind: models.EventStepProgress,
			Percent: msg.percent, Message: msg.message, Counters: msg.counters, Attempt: msg.attempt,
		})

	case msgStepDone:
		run.inflight--
		o.completeStep(run, st, msg)

	case msgStepRetryReady:
		if st.Status != models.StepStatusReady || run.cancelled.Load() {
			return
		}
		st.Status = models.StepStatusPending
		o.dispatchReady(run)
	}
}

// completeStep resolves one finished attempt: success, retry, terminal
// failure, or cancellation.
func (o *Orchestrator) completeStep(run *jobRun, st *models.StepState, msg schedMsg) {
	if st.Status.IsTerminal() {
		return // already abandoned or cancelled
	}

	now := time.Now()
	job := run.job

	if msg.err == nil {
		st.Status = models.StepStatusSucceeded
		st.FinishedAt = &now
		st.Progress.Percent = 1.0
		o.persist(run)
		o.publish(run, models.ProgressEvent{
			JobID: job.ID, StepName: st.Name, Kind: models.EventStepSucceeded, Percent: 1.0, Attempt: msg.attempt,
		})
		run.logger.Info().Str("step", st.Name).Int("attempts", st.Attempts).Msg("Step succeeded")
		o.dispatchReady(run)
		return
	}

	if run.cancelled.Load() || msg.err == context.Canceled || models.KindOf(msg.err) == models.ErrCancelled {
		st.Status = models.StepStatusCancelled
		st.FinishedAt = &now
		o.persist(run)
		o.publish(run, models.ProgressEvent{
			JobID: job.ID, StepName: st.Name, Kind: models.EventStepCancelled, Attempt: msg.attempt,
		})
		return
	}

	step, newErr := o.registry.NewStep(st.Name)
	var policy interfaces.RetryPolicy
	if newErr == nil {
		policy = o.registry.RetryPolicyFor(st.Name, step)
	} else {
		policy = interfaces.RetryPolicy{MaxAttempts: 1}
	}

	retryable := policy.Retryable(msg.err) && models.KindOf(msg.err) != models.ErrInvalidPipeline
	if retryable && st.Attempts < policy.MaxAttempts {
		st.Status = models.StepStatusReady
		record := models.NewErrorRecord(models.KindOf(msg.err), st.Name, true, msg.err)
		record.Attempts = st.Attempts
		st.Error = record
		o.persist(run)
		o.publish(run, models.ProgressEvent{
			JobID: job.ID, StepName: st.Name, Kind: models.EventStepFailed,
			Attempt: msg.attempt, Error: record,
		})

		delay := backoffDelay(policy.BaseDelay, st.Attempts)
		run.logger.Warn().
			Str("step", st.Name).
			Int("attempt", st.Attempts).
			Dur("backoff", delay).
			Err(msg.err).
			Msg("Step failed, retrying after backoff")

		stepName := st.Name
		time.AfterFunc(delay, func() {
			select {
			case run.msgs <- schedMsg{kind: msgStepRetryReady, step: stepName}:
			case <-run.done:
			}
		})
		return
	}

	// Terminal failure: record, publish, and skip transitive dependents.
	record := models.NewErrorRecord(models.KindOf(msg.err), st.Name, false, msg.err)
	record.Attempts = st.Attempts
	st.Status = models.StepStatusFailed
	st.FinishedAt = &now
	st.Error = record
	job.LastError = record

	// Transitive dependents can never run. With fail_fast, steps on
	// independent branches are skipped too; otherwise they continue.
	skip := run.dag.TransitiveDependents(st.Name)
	if o.config.Pipeline.FailFast {
		skip = job.StepOrder()
	}
	for _, dep := range skip {
		depState := job.StepStates[dep]
		if depState != nil && depState.Status == models.StepStatusPending {
			depState.Status = models.StepStatusSkipped
			depState.FinishedAt = &now
		}
	}

	o.persist(run)
	o.publish(run, models.ProgressEvent{
		JobID: job.ID, StepName: st.Name, Kind: models.EventStepFailed,
		Attempt: msg.attempt, Error: record,
	})
	run.logger.Error().
		Str("step", st.Name).
		Int("attempts", st.Attempts).
		Err(msg.err).
		Msg("Step failed terminally")

	// Independent branches keep running; the job outcome is decided at
	// finalize per the failure policy.
	o.dispatchReady(run)
}

// markCancelledPending marks every not-yet-started step Cancelled. Running
// steps are left to observe the context and report back.
func (o *Orchestrator) markCancelledPending(run *jobRun) {
	now := time.Now()
	for _, st := range run.job.StepStates {
		if st.Status == models.StepStatusPending || st.Status == models.StepStatusReady {
			st.Status = models.StepStatusCancelled
			st.FinishedAt = &now
			o.publish(run, models.ProgressEvent{
				JobID: run.job.ID, StepName: st.Name, Kind: models.EventStepCancelled,
			})
		}
	}
	o.persist(run)
}

// abandonRunning gives up on steps that ignored cancellation past the hard
// deadline. Their workers may still be running; their results are ignored.
func (o *Orchestrator) abandonRunning(run *jobRun) {
	now := time.Now()
	for _, st := range run.job.StepStates {
		if st.Status == models.StepStatusRunning || st.Status == models.StepStatusReady {
			st.Status = models.StepStatusCancelled
			st.FinishedAt = &now
			run.inflight--
			o.publish(run, models.ProgressEvent{
				JobID: run.job.ID, StepName: st.Name, Kind: models.EventStepCancelled, Abandoned: true,
			})
			run.logger.Warn().Str("step", st.Name).Msg("Step abandoned after cancellation deadline")
		}
	}
	if run.inflight < 0 {
		run.inflight = 0
	}
	o.persist(run)
}

// finalize computes and publishes the job's terminal state.
func (o *Orchestrator) finalize(run *jobRun) {
	job := run.job
	now := time.Now()

	switch {
	case run.cancelled.Load():
		job.Status = models.JobStatusCancelled
	case o.anyFailed(job):
		job.Status = models.JobStatusFailed
	default:
		job.Status = models.JobStatusSucceeded
	}

	job.FinishedAt = &now
	o.persist(run)
	o.publishJobState(run)

	run.logger.Info().
		Str("status", string(job.Status)).
		Msg("Job finished")
}

func (o *Orchestrator) anyFailed(job *models.Job) bool {
	for _, st := range job.StepStates {
		if st.Status == models.StepStatusFailed {
			return true
		}
	}
	return false
}

// persist mirrors the scheduler's job record into storage so snapshot
// reads and late subscribers see the authoritative state.
func (o *Orchestrator) persist(run *jobRun) {
	run.job.UpdatedAt = time.Now()
	if err := o.jobs.SaveJob(context.Background(), run.job.Clone()); err != nil {
		run.logger.Warn().Err(err).Msg("Failed to persist job state")
	}
}

// publish assigns the next sequence number and emits the event.
func (o *Orchestrator) publish(run *jobRun, event models.ProgressEvent) {
	run.job.LastSequence++
	event.Sequence = run.job.LastSequence
	event.Timestamp = time.Now()
	if err := o.bus.Publish(context.Background(), event); err != nil {
		run.logger.Warn().Err(err).Msg("Failed to publish progress event")
	}
}

func (o *Orchestrator) publishJobState(run *jobRun) {
	o.publish(run, models.ProgressEvent{
		JobID:     run.job.ID,
		Kind:      models.EventJobStateChanged,
		JobStatus: run.job.Status,
		Error:     run.job.LastError,
	})
}

// backoffDelay computes base * factor^(attempts-1) with jitter.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := float64(base)
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	jitter := rand.Float64() * 0.25 * delay
	return time.Duration(delay + jitter)
}

// stepPublisher routes intra-step progress through the scheduler channel,
// which assigns sequence numbers in order.
type stepPublisher struct {
	run     *jobRun
	step    string
	attempt int
}

// Progress implements interfaces.ProgressPublisher.
func (p *stepPublisher) Progress(percent float64, message string, counters map[string]int) {
	select {
	case p.run.msgs <- schedMsg{
		kind:     msgStepProgress,
		step:     p.step,
		attempt:  p.attempt,
		percent:  percent,
		message:  message,
		counters: counters,
	}:
	case <-p.run.done:
	}
}
