// ABOUTME: Orchestrator drives each task through the five-phase agent pipeline.
// ABOUTME: Tasks run concurrently under a semaphore; phases within a task run in order.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/bridge"
	"github.com/2389/conclave/internal/events"
	"github.com/2389/conclave/internal/fallback"
	"github.com/2389/conclave/internal/store"
)

var (
	// ErrInvalidTaskSpec is returned synchronously by Submit for a bad submission.
	ErrInvalidTaskSpec = errors.New("invalid task spec")

	// ErrInternalOrchestrator is the cause of every FAILED task except cancellation.
	ErrInternalOrchestrator = errors.New("internal orchestrator error")

	// ErrTaskTerminal is returned when cancelling or running a finished task.
	ErrTaskTerminal = errors.New("task already finished")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// Failure reasons recorded on FAILED tasks.
const (
	reasonCancelled   = "cancelled"
	reasonInterrupted = "interrupted by restart"
)

// Defaults for Config.
const (
	DefaultMaxConcurrentTasks  = 50
	DefaultDigestEntryChars    = 600
	DefaultDigestMaxChars      = 2400
	DefaultMaxDescriptionChars = 8000
)

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrentTasks  int
	DigestEntryChars    int
	DigestMaxChars      int
	MaxDescriptionChars int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.DigestEntryChars <= 0 {
		c.DigestEntryChars = DefaultDigestEntryChars
	}
	if c.DigestMaxChars <= 0 {
		c.DigestMaxChars = DefaultDigestMaxChars
	}
	if c.MaxDescriptionChars <= 0 {
		c.MaxDescriptionChars = DefaultMaxDescriptionChars
	}
	return c
}

// Router executes one phase call. bridge.Manager satisfies it.
type Router interface {
	Execute(ctx context.Context, call bridge.Call) (*bridge.Outcome, error)
}

// Publisher receives lifecycle events. events.Broadcaster satisfies it.
type Publisher interface {
	Publish(ev *events.Event)
}

// Orchestrator owns task execution.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	router    Router
	agents    *agent.Manager
	publisher Publisher
	sem       *semaphore.Weighted
	logger    *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
}

// New creates an Orchestrator. publisher may be nil.
func New(cfg Config, st store.Store, router Router, agents *agent.Manager, publisher Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		router:    router,
		agents:    agents,
		publisher: publisher,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		logger:    logger.With("component", "orchestrator"),
		baseCtx:   baseCtx,
		stop:      stop,
		running:   make(map[string]context.CancelFunc),
	}
}

// Validate checks a submission and returns the normalized description and task type.
func (o *Orchestrator) Validate(description, taskType string) (string, string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", "", fmt.Errorf("%w: description is required", ErrInvalidTaskSpec)
	}
	if !utf8.ValidString(description) {
		return "", "", fmt.Errorf("%w: description is not valid UTF-8", ErrInvalidTaskSpec)
	}
	if n := utf8.RuneCountInString(description); n > o.cfg.MaxDescriptionChars {
		return "", "", fmt.Errorf("%w: description is %d characters, limit is %d", ErrInvalidTaskSpec, n, o.cfg.MaxDescriptionChars)
	}

	taskType = strings.ToLower(strings.TrimSpace(taskType))
	if taskType == "" {
		taskType = DefaultTaskType
	}
	if !ValidTaskType(taskType) {
		return "", "", fmt.Errorf("%w: unknown task type %q (valid: %s)", ErrInvalidTaskSpec, taskType, strings.Join(taskTypes, ", "))
	}
	return description, taskType, nil
}

// Submit validates and persists a task, then runs it in the background.
// The returned task is in state CREATED.
func (o *Orchestrator) Submit(ctx context.Context, description, taskType string) (*store.Task, error) {
	description, taskType, err := o.Validate(description, taskType)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	now := time.Now().UTC()
	task := &store.Task{
		ID:          uuid.New().String(),
		Description: description,
		TaskType:    taskType,
		State:       store.TaskCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		o.wg.Done()
		return nil, fmt.Errorf("persist task: %w", err)
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.running[task.ID] = cancel
	o.mu.Unlock()

	o.logger.Info("task submitted", "task_id", task.ID, "task_type", taskType)
	o.publish(events.NewTaskEvent(events.TaskCreated, task.ID, map[string]any{
		"task_type": taskType,
	}))

	go o.execute(runCtx, task.Clone())

	return task, nil
}

func (o *Orchestrator) execute(ctx context.Context, task *store.Task) {
	defer o.wg.Done()
	defer o.forget(task.ID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(ctx, task, reasonCancelled)
		return
	}
	defer o.sem.Release(1)

	if err := o.Run(ctx, task); err != nil {
		o.logger.Debug("task ended without completing", "task_id", task.ID, "error", err)
	}
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	cancel, ok := o.running[id]
	delete(o.running, id)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run drives task through every remaining phase synchronously. The task ends
// COMPLETED, or FAILED on cancellation or an internal error, and the error
// explains why it did not complete.
func (o *Orchestrator) Run(ctx context.Context, task *store.Task) (err error) {
	if task.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.ID, task.State)
	}
	logger := o.logger.With("task_id", task.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("phase panicked", "panic", r)
			err = fmt.Errorf("%w: panic: %v", ErrInternalOrchestrator, r)
			o.fail(ctx, task, err.Error())
		}
	}()

	// Store writes outlive cancellation so a cancelled task is still recorded.
	wctx := context.WithoutCancel(ctx)

	task.State = store.TaskInProgress
	task.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateTask(wctx, task); err != nil {
		return o.internalError(ctx, task, "mark task started", err)
	}
	o.publish(events.NewTaskEvent(events.TaskStarted, task.ID, nil))
	logger.Info("task started", "task_type", task.TaskType)

	subject := fallback.Subject(task.Description)
	limits := digestLimits{entryChars: o.cfg.DigestEntryChars, maxChars: o.cfg.DigestMaxChars}

	for _, s := range pipeline[min(len(task.Results), len(pipeline)):] {
		if ctx.Err() != nil {
			o.fail(ctx, task, reasonCancelled)
			return ctx.Err()
		}

		ag, err := o.agents.ForRole(s.role)
		if err != nil {
			return o.internalError(ctx, task, "resolve agent", err)
		}

		out, err := o.router.Execute(ctx, bridge.Call{
			TaskID:            task.ID,
			Phase:             string(s.phase),
			TaskType:          task.TaskType,
			Subject:           subject,
			Capabilities:      ag.Capabilities,
			Prompt:            buildPrompt(task, s, limits),
			System:            SystemPrompt(s.role),
			PreferredProvider: ag.PreferredProvider,
			Model:             ag.Model,
		})
		if err != nil {
			if ctx.Err() != nil {
				o.fail(ctx, task, reasonCancelled)
				return ctx.Err()
			}
			return o.internalError(ctx, task, "execute phase "+string(s.phase), err)
		}

		result := store.PhaseResult{
			Phase:       string(s.phase),
			AgentID:     ag.ID,
			Provider:    out.Provider,
			Model:       out.Model,
			Text:        out.Text,
			Confidence:  out.Confidence,
			Latency:     out.Latency,
			Fallback:    out.Fallback,
			Attempts:    out.Attempts,
			CompletedAt: time.Now().UTC(),
		}

		if err := o.agents.RecordPhase(ag.ID, agent.PhaseOutcome{
			Confidence: out.Confidence,
			Latency:    out.Latency,
			Success:    !out.Fallback,
		}); err != nil {
			logger.Warn("failed to record agent stats", "agent_id", ag.ID, "error", err)
		}

		if err := o.store.AppendPhaseResult(wctx, task.ID, result); err != nil {
			return o.internalError(ctx, task, "persist phase result", err)
		}
		task.Results = append(task.Results, result)
		task.UpdatedAt = result.CompletedAt

		logger.Info("phase completed",
			"phase", s.phase,
			"agent_id", ag.ID,
			"provider", out.Provider,
			"confidence", out.Confidence,
			"fallback", out.Fallback,
			"latency", out.Latency)
		if out.Fallback && out.Cause != nil {
			logger.Debug("phase served by fallback", "phase", s.phase, "cause", out.Cause)
		}

		o.publish(events.NewTaskEvent(events.PhaseCompleted, task.ID, map[string]any{
			"phase":      result.Phase,
			"agent_id":   result.AgentID,
			"provider":   result.Provider,
			"confidence": result.Confidence,
			"fallback":   result.Fallback,
		}))
	}

	task.State = store.TaskCompleted
	task.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateTask(wctx, task); err != nil {
		return o.internalError(ctx, task, "mark task completed", err)
	}

	cons := task.Consensus()
	logger.Info("task completed",
		"confidence", cons.Confidence,
		"agreement_level", cons.Agreement,
		"consensus_reached", cons.Reached)
	o.publish(events.NewTaskEvent(events.TaskCompleted, task.ID, map[string]any{
		"confidence":        cons.Confidence,
		"agreement_level":   string(cons.Agreement),
		"consensus_reached": cons.Reached,
	}))
	return nil
}

func (o *Orchestrator) internalError(ctx context.Context, task *store.Task, op string, err error) error {
	wrapped := fmt.Errorf("%w: %s: %w", ErrInternalOrchestrator, op, err)
	o.logger.Error("task failed", "task_id", task.ID, "error", wrapped)
	o.fail(ctx, task, wrapped.Error())
	return wrapped
}

// fail marks task FAILED with reason and announces it.
func (o *Orchestrator) fail(ctx context.Context, task *store.Task, reason string) error {
	task.State = store.TaskFailed
	task.Error = reason
	task.UpdatedAt = time.Now().UTC()
	err := o.store.UpdateTask(context.WithoutCancel(ctx), task)
	if err != nil {
		o.logger.Error("failed to persist task failure", "task_id", task.ID, "error", err)
	}
	o.logger.Warn("task failed", "task_id", task.ID, "reason", reason)
	o.publish(events.NewTaskEvent(events.TaskFailed, task.ID, map[string]any{
		"error": reason,
	}))
	return err
}

func (o *Orchestrator) publish(ev *events.Event) {
	if o.publisher != nil {
		o.publisher.Publish(ev)
	}
}

// Get returns a task by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*store.Task, error) {
	return o.store.GetTask(ctx, id)
}

// List returns recent tasks, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*store.Task, error) {
	return o.store.ListTasks(ctx, store.TaskFilter{Limit: limit})
}

// Cancel stops a running or queued task. Its in-flight provider call is
// abandoned and the task ends FAILED with "cancelled".
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		o.logger.Info("cancelling task", "task_id", id)
		cancel()
		return nil
	}

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, task.State)
	}

	// Not owned by this process, so nothing else will finish it.
	return o.fail(ctx, task, reasonCancelled)
}

// RecoverInterrupted fails tasks left CREATED or IN_PROGRESS by a previous
// process. It returns how many were marked.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	filter := store.TaskFilter{
		States: []store.TaskState{store.TaskCreated, store.TaskInProgress},
		Limit:  store.MaxListLimit,
	}

	n := 0
	for {
		tasks, err := o.store.ListTasks(ctx, filter)
		if err != nil {
			return n, fmt.Errorf("list interrupted tasks: %w", err)
		}
		for _, t := range tasks {
			if err := o.fail(ctx, t, reasonInterrupted); err != nil {
				return n, fmt.Errorf("mark task %s interrupted: %w", t.ID, err)
			}
			n++
		}
		if len(tasks) < filter.Limit {
			break
		}
	}
	if n > 0 {
		o.logger.Info("marked interrupted tasks failed", "count", n)
	}
	return n, nil
}

// Wait blocks until every submitted task has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops accepting tasks and waits for running ones. If ctx ends first,
// remaining tasks are cancelled and Close waits for them to record FAILED.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.stop()
		return nil
	case <-ctx.Done():
		o.stop()
		<-done
		return ctx.Err()
	}
}
