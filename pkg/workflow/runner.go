// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/itchyny/gojq"
	"golang.org/x/sync/semaphore"

	"github.com/spinedata/spine/internal/ident"
	"github.com/spinedata/spine/internal/log"
)

// Runnable executes pipeline steps against a backend: the container
// bridge in production, an in-process fake in tests.
type Runnable interface {
	RunOperation(ctx context.Context, operation string, params map[string]any, wctx Context) (*StepResult, error)
}

// RunnableFunc adapts a function to the Runnable interface.
type RunnableFunc func(ctx context.Context, operation string, params map[string]any, wctx Context) (*StepResult, error)

func (f RunnableFunc) RunOperation(ctx context.Context, operation string, params map[string]any, wctx Context) (*StepResult, error) {
	return f(ctx, operation, params, wctx)
}

// LambdaHandler is an in-process step implementation. Its return value is
// coerced through FromValue.
type LambdaHandler func(ctx context.Context, config map[string]any, wctx Context) (any, error)

// RunStatus is the terminal classification of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
)

// StepState is where a step ended up within a run.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// StepOutcome records one step's fate within a run.
type StepOutcome struct {
	Name        string      `json:"name"`
	State       StepState   `json:"state"`
	Result      *StepResult `json:"result,omitempty"`
	Attempts    int         `json:"attempts"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// RunResult is the final report of one workflow run.
type RunResult struct {
	RunID       string                  `json:"run_id"`
	Workflow    string                  `json:"workflow"`
	Status      RunStatus               `json:"status"`
	Steps       map[string]*StepOutcome `json:"steps"`
	Context     Context                 `json:"-"`
	Error       string                  `json:"error,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
}

// RunEvent is published to subscribers as a run progresses.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Workflow  string    `json:"workflow"`
	Step      string    `json:"step,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// Runner executes planned workflows.
type Runner struct {
	runnable Runnable
	records  *RunStore
	logger   *slog.Logger

	mu          sync.Mutex
	lambdas     map[string]LambdaHandler
	subscribers []chan RunEvent

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner over the given backend. records may be nil
// to disable persistence.
func NewRunner(runnable Runnable, records *RunStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		runnable: runnable,
		records:  records,
		logger:   log.WithComponent(logger, "workflow"),
		lambdas:  make(map[string]LambdaHandler),
		sleep:    sleepCtx,
	}
}

// RegisterLambda binds an in-process handler name.
func (r *Runner) RegisterLambda(name string, handler LambdaHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lambdas[name] = handler
}

// Subscribe returns a channel receiving run events. Slow subscribers drop
// events rather than blocking the runner.
func (r *Runner) Subscribe(buffer int) <-chan RunEvent {
	ch := make(chan RunEvent, buffer)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()
	return ch
}

func (r *Runner) publish(event RunEvent) {
	r.mu.Lock()
	subs := r.subscribers
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Execute plans and runs the workflow with the given run parameters.
func (r *Runner) Execute(ctx context.Context, wf *Workflow, runParams map[string]any, execCtx ExecutionContext) (*RunResult, error) {
	plan, err := Plan(wf, runParams, nil)
	if err != nil {
		return nil, err
	}

	if wf.Policy.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(wf.Policy.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	run := &runState{
		result: &RunResult{
			RunID:     ident.NewID(),
			Workflow:  wf.Name,
			Status:    RunRunning,
			Steps:     make(map[string]*StepOutcome, len(plan.Steps)),
			StartedAt: time.Now().UTC(),
		},
		choiceSkips: make(map[string]bool),
	}
	run.result.Context = Context{
		RunID:        run.result.RunID,
		WorkflowName: wf.Name,
		Params:       mergeParams(wf.Defaults, runParams),
		Outputs:      map[string]map[string]any{},
		Execution:    execCtx,
		StartedAt:    run.result.StartedAt,
		Metadata:     map[string]any{},
	}
	for i := range plan.Steps {
		planned := &plan.Steps[i]
		run.result.Steps[planned.Name] = &StepOutcome{Name: planned.Name, State: StepPending}
	}

	logger := r.logger.With(log.RunIDKey, run.result.RunID, log.WorkflowKey, wf.Name)
	logger.Info("run starting", "steps", len(plan.Steps), "mode", wf.Policy.Mode)
	if r.records != nil {
		if err := r.records.CreateRun(ctx, run.result, runParams); err != nil {
			return nil, err
		}
	}
	r.publish(RunEvent{RunID: run.result.RunID, Workflow: wf.Name, Type: "run_started", Timestamp: time.Now().UTC()})

	if wf.Policy.Mode == ModeParallel {
		r.runParallel(ctx, wf, plan, run)
	} else {
		r.runSequential(ctx, wf, plan, run)
	}

	run.result.Status = runStatus(wf.Policy, run.result.Steps)
	run.result.CompletedAt = time.Now().UTC()
	logger.Info("run finished", "status", run.result.Status,
		log.DurationKey, run.result.CompletedAt.Sub(run.result.StartedAt))
	if r.records != nil {
		if err := r.records.FinishRun(ctx, run.result); err != nil {
			log.Error(logger, "recording run completion", err)
		}
	}
	r.publish(RunEvent{RunID: run.result.RunID, Workflow: wf.Name, Type: "run_" + string(run.result.Status), Timestamp: time.Now().UTC()})

	return run.result, nil
}

// runState is the runner's mutable view of one run. The parallel path
// mutates it only from the coordinating goroutine.
type runState struct {
	result      *RunResult
	choiceSkips map[string]bool
	anyFailed   bool
}

func (r *Runner) runSequential(ctx context.Context, wf *Workflow, plan *ExecutionPlan, run *runState) {
	for i := range plan.Steps {
		planned := &plan.Steps[i]
		if reason := r.skipReason(wf, planned, run); reason != "" {
			r.settleSkipped(ctx, run, planned, reason)
			continue
		}
		r.dispatch(ctx, wf, planned, run)
	}
}

func (r *Runner) runParallel(ctx context.Context, wf *Workflow, plan *ExecutionPlan, run *runState) {
	maxConcurrency := wf.Policy.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	sem := semaphore.NewWeighted(int64(maxConcurrency))

	type stepDone struct {
		planned *PlannedStep
		result  *StepResult
		outcome StepOutcome
	}
	done := make(chan stepDone)
	inFlight := make(map[string]bool)
	settled := 0

	for settled < len(plan.Steps) {
		dispatched := false
		for i := range plan.Steps {
			planned := &plan.Steps[i]
			outcome := run.result.Steps[planned.Name]
			if outcome.State != StepPending || inFlight[planned.Name] {
				continue
			}
			if reason := r.skipReason(wf, planned, run); reason != "" {
				r.settleSkipped(ctx, run, planned, reason)
				settled++
				dispatched = true
				continue
			}
			if !r.depsSettled(planned, run) {
				continue
			}

			inFlight[planned.Name] = true
			dispatched = true
			wctx := run.result.Context
			go func(planned *PlannedStep, wctx Context) {
				if err := sem.Acquire(ctx, 1); err != nil {
					done <- stepDone{planned: planned, result: Fail(ErrInternal, err.Error())}
					return
				}
				defer sem.Release(1)
				result, attempts, started, completed := r.runStep(ctx, planned, wctx)
				done <- stepDone{
					planned: planned,
					result:  result,
					outcome: StepOutcome{Attempts: attempts, StartedAt: started, CompletedAt: completed},
				}
			}(planned, wctx)
		}

		if len(inFlight) == 0 {
			if !dispatched {
				// Remaining steps are all blocked; settle them as skipped.
				for i := range plan.Steps {
					planned := &plan.Steps[i]
					if run.result.Steps[planned.Name].State == StepPending {
						r.settleSkipped(ctx, run, planned, "dependency unsatisfied")
						settled++
					}
				}
			}
			continue
		}

		d := <-done
		delete(inFlight, d.planned.Name)
		settled++
		r.settle(ctx, run, d.planned, d.result, d.outcome.Attempts, d.outcome.StartedAt, d.outcome.CompletedAt)
	}
}

// dispatch runs one step synchronously and settles it.
func (r *Runner) dispatch(ctx context.Context, wf *Workflow, planned *PlannedStep, run *runState) {
	result, attempts, started, completed := r.runStep(ctx, planned, run.result.Context)
	r.settle(ctx, run, planned, result, attempts, started, completed)
}

// skipReason decides rule 2 of the execution protocol. Empty means run it.
func (r *Runner) skipReason(wf *Workflow, planned *PlannedStep, run *runState) string {
	if run.choiceSkips[planned.Name] {
		return "branch not chosen"
	}
	if run.anyFailed && wf.Policy.OnFailure != OnErrorContinue {
		return "prior step failed"
	}
	for _, dep := range planned.DependsOn {
		switch run.result.Steps[dep].State {
		case StepFailed:
			return fmt.Sprintf("dependency %q failed", dep)
		case StepSkipped:
			return fmt.Sprintf("dependency %q skipped", dep)
		}
	}
	return ""
}

func (r *Runner) depsSettled(planned *PlannedStep, run *runState) bool {
	for _, dep := range planned.DependsOn {
		state := run.result.Steps[dep].State
		if state != StepCompleted && state != StepFailed && state != StepSkipped {
			return false
		}
	}
	return true
}

func (r *Runner) settle(ctx context.Context, run *runState, planned *PlannedStep, result *StepResult, attempts int, started, completed time.Time) {
	outcome := run.result.Steps[planned.Name]
	outcome.Result = result
	outcome.Attempts = attempts
	outcome.StartedAt = started
	outcome.CompletedAt = completed

	if result.Success {
		outcome.State = StepCompleted
		run.result.Context = run.result.Context.WithOutput(planned.Name, result.Output)
		if len(result.ContextUpdates) > 0 {
			run.result.Context = run.result.Context.WithParams(result.ContextUpdates)
		}
		if planned.Step.effectiveType() == StepChoice {
			r.applyChoice(planned.Step, result, run)
		}
	} else {
		outcome.State = StepFailed
		run.anyFailed = true
	}

	eventType := "step_" + string(outcome.State)
	r.publish(RunEvent{
		RunID: run.result.RunID, Workflow: run.result.Workflow,
		Step: planned.Name, Type: eventType, Timestamp: time.Now().UTC(),
		Message: result.Error,
	})
	if r.records != nil {
		if err := r.records.RecordStep(ctx, run.result.RunID, planned, outcome); err != nil {
			log.Error(r.logger, "recording step outcome", err, log.StepKey, planned.Name)
		}
	}
}

func (r *Runner) settleSkipped(ctx context.Context, run *runState, planned *PlannedStep, reason string) {
	outcome := run.result.Steps[planned.Name]
	outcome.State = StepSkipped
	outcome.Result = &StepResult{Success: false, Error: reason}

	r.publish(RunEvent{
		RunID: run.result.RunID, Workflow: run.result.Workflow,
		Step: planned.Name, Type: "step_skipped", Timestamp: time.Now().UTC(),
		Message: reason,
	})
	if r.records != nil {
		if err := r.records.RecordStep(ctx, run.result.RunID, planned, outcome); err != nil {
			log.Error(r.logger, "recording skipped step", err, log.StepKey, planned.Name)
		}
	}
}

// applyChoice marks the unchosen branch for skipping.
func (r *Runner) applyChoice(step *Step, result *StepResult, run *runState) {
	for _, branch := range []string{step.Then, step.Else} {
		if branch != "" && branch != result.NextStep {
			run.choiceSkips[branch] = true
		}
	}
}

// runStep executes one step with its retry policy.
func (r *Runner) runStep(ctx context.Context, planned *PlannedStep, wctx Context) (result *StepResult, attempts int, started, completed time.Time) {
	step := planned.Step
	maxAttempts := 1
	if step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
	}

	started = time.Now().UTC()
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		result = r.executeStep(ctx, planned, wctx)
		if result.Success || !retryable(result.Category) || attempts == maxAttempts || ctx.Err() != nil {
			break
		}
		if err := r.sleep(ctx, retryDelay(step.Retry, attempts)); err != nil {
			break
		}
	}
	completed = time.Now().UTC()
	return result, attempts, started, completed
}

// retryable reports whether a failure category is worth another attempt.
// Data-quality, configuration and internal failures are deterministic;
// replaying them burns the budget without changing the outcome.
func retryable(category ErrorCategory) bool {
	switch category {
	case ErrTransient, ErrTimeout, ErrDependency:
		return true
	default:
		return false
	}
}

// retryDelay is exponential backoff with half-width jitter.
func retryDelay(policy *RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	return time.Duration(delay/2 + rand.Float64()*delay/2)
}

func (r *Runner) executeStep(ctx context.Context, planned *PlannedStep, wctx Context) *StepResult {
	step := planned.Step
	switch step.effectiveType() {
	case StepPipeline:
		result, err := r.runnable.RunOperation(ctx, step.Operation, planned.Params, wctx)
		if err != nil {
			return Fail(ErrDependency, err.Error())
		}
		return FromValue(result)
	case StepLambda:
		r.mu.Lock()
		handler, ok := r.lambdas[step.Handler]
		r.mu.Unlock()
		if !ok {
			return Fail(ErrConfiguration, fmt.Sprintf("lambda handler %q not registered", step.Handler))
		}
		value, err := handler(ctx, step.Config, wctx)
		if err != nil {
			return Fail(ErrInternal, err.Error())
		}
		return FromValue(value)
	case StepChoice:
		return r.evalChoice(step, wctx)
	case StepWait:
		return r.execWait(ctx, step)
	case StepMap:
		return r.execMap(ctx, planned, wctx)
	default:
		return Fail(ErrConfiguration, fmt.Sprintf("step %q has unknown type %q", step.Name, step.Type))
	}
}

// evalChoice compiles and evaluates the condition against the run
// context.
func (r *Runner) evalChoice(step *Step, wctx Context) *StepResult {
	env := map[string]any{
		"params":   wctx.Params,
		"outputs":  wctx.Outputs,
		"metadata": wctx.Metadata,
	}
	program, err := expr.Compile(step.Condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return Fail(ErrConfiguration, fmt.Sprintf("compiling condition: %v", err))
	}
	value, err := expr.Run(program, env)
	if err != nil {
		return Fail(ErrConfiguration, fmt.Sprintf("evaluating condition: %v", err))
	}

	result := OK(map[string]any{"condition": value.(bool)})
	if value.(bool) {
		result.NextStep = step.Then
	} else {
		result.NextStep = step.Else
	}
	return result
}

func (r *Runner) execWait(ctx context.Context, step *Step) *StepResult {
	var d time.Duration
	switch {
	case step.WaitUntil != nil:
		d = time.Until(*step.WaitUntil)
	default:
		d = time.Duration(step.WaitSeconds) * time.Second
	}
	if d > 0 {
		if err := r.sleep(ctx, d); err != nil {
			return Fail(ErrTimeout, "wait interrupted: "+err.Error())
		}
	}
	return OK(map[string]any{"waited": d.String()})
}

// execMap fans the iterator step out over the collection at items_path.
func (r *Runner) execMap(ctx context.Context, planned *PlannedStep, wctx Context) *StepResult {
	step := planned.Step
	if step.Iterator == nil {
		return Fail(ErrConfiguration, "map step requires an iterator")
	}

	items, err := r.evalItems(step.ItemsPath, wctx)
	if err != nil {
		return Fail(ErrConfiguration, err.Error())
	}

	maxConcurrency := step.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrency))

	results := make([]*StepResult, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Fail(ErrInternal, err.Error())
				return
			}
			defer sem.Release(1)

			iterParams := mergeParams(planned.Params, step.Iterator.Parameters,
				map[string]any{"item": item, "index": i})
			iterPlanned := &PlannedStep{
				Name:      fmt.Sprintf("%s[%d]", step.Name, i),
				Operation: step.Iterator.Operation,
				Step:      step.Iterator,
				Params:    iterParams,
			}
			result, _, _, _ := r.runStep(ctx, iterPlanned, wctx)
			results[i] = result
		}(i, item)
	}
	wg.Wait()

	outputs := make([]any, len(results))
	failures := 0
	firstError := ""
	for i, res := range results {
		outputs[i] = res.Output
		if !res.Success {
			failures++
			if firstError == "" {
				firstError = res.Error
			}
		}
	}
	if failures > 0 {
		return Fail(ErrInternal, fmt.Sprintf("%d of %d iterations failed: %s", failures, len(results), firstError))
	}
	return OK(map[string]any{"results": outputs, "count": len(results)})
}

// evalItems runs the jq items_path query against the run context.
func (r *Runner) evalItems(itemsPath string, wctx Context) ([]any, error) {
	if itemsPath == "" {
		return nil, fmt.Errorf("map step requires items_path")
	}
	query, err := gojq.Parse(itemsPath)
	if err != nil {
		return nil, fmt.Errorf("parsing items_path: %w", err)
	}

	doc := map[string]any{
		"params":  wctx.Params,
		"outputs": outputsAsAny(wctx.Outputs),
	}
	iter := query.Run(doc)
	value, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("items_path %q yielded nothing", itemsPath)
	}
	if err, isErr := value.(error); isErr {
		return nil, fmt.Errorf("items_path %q: %w", itemsPath, err)
	}
	items, isSlice := value.([]any)
	if !isSlice {
		return nil, fmt.Errorf("items_path %q did not yield a collection", itemsPath)
	}
	return items, nil
}

func outputsAsAny(outputs map[string]map[string]any) map[string]any {
	converted := make(map[string]any, len(outputs))
	for k, v := range outputs {
		inner := make(map[string]any, len(v))
		for ik, iv := range v {
			inner[ik] = iv
		}
		converted[k] = inner
	}
	return converted
}

// runStatus applies the result rules over settled steps.
func runStatus(policy ExecutionPolicy, steps map[string]*StepOutcome) RunStatus {
	failed, completed := 0, 0
	for _, outcome := range steps {
		switch outcome.State {
		case StepFailed:
			failed++
		case StepCompleted:
			completed++
		}
	}
	switch {
	case failed == 0:
		return RunCompleted
	case policy.OnFailure != OnErrorContinue:
		return RunFailed
	case completed > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
