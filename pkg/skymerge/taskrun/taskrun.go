// Package taskrun executes a batch of named, dependency-ordered tasks.
//
// Tasks form a DAG: each task names the tasks that must complete before
// it may start. Barriers are no-op tasks used as synchronization points
// (and to announce pipeline phases). Execution is fail-fast: once any
// task fails, tasks that have not started are abandoned, while tasks
// already running are allowed to finish so no partial output file is
// left mid-write.
package taskrun

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/skymerge/pkg/skymerge/journal"
	"github.com/randalmurphal/skymerge/pkg/skymerge/observability"
)

// Func is one unit of work. It must honor ctx cancellation on blocking
// operations.
type Func func(ctx context.Context) error

// TaskError wraps a task failure with the task's name.
type TaskError struct {
	Task string
	Err  error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TaskError) Unwrap() error {
	return e.Err
}

type task struct {
	name string
	deps []string
	fn   Func
	note string
}

// Runner collects tasks and executes them in dependency order.
// Not safe for concurrent mutation; build the graph, then call Run.
type Runner struct {
	runID   string
	log     *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	journal journal.Store

	tasks map[string]*task
	order []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for task lifecycle messages.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithSpans sets the span manager for per-task tracing.
func WithSpans(s observability.SpanManager) Option {
	return func(r *Runner) { r.spans = s }
}

// WithJournal sets the journal store that records task outcomes.
func WithJournal(j journal.Store) Option {
	return func(r *Runner) { r.journal = j }
}

// New creates an empty Runner with a fresh run ID.
func New(opts ...Option) *Runner {
	r := &Runner{
		runID:   uuid.NewString(),
		log:     slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		journal: journal.NewMemoryStore(),
		tasks:   make(map[string]*task),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunID returns the identifier journal entries are recorded under.
func (r *Runner) RunID() string {
	return r.runID
}

// TaskCount returns the number of registered tasks, barriers included.
func (r *Runner) TaskCount() int {
	return len(r.tasks)
}

// AddTask registers a task. deps name tasks or barriers that must
// complete first; they must already be registered.
func (r *Runner) AddTask(name string, deps []string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("task %s has no function", name)
	}
	return r.add(&task{name: name, deps: deps, fn: fn})
}

// AddBarrier registers a synchronization point. note, if non-empty, is
// logged when the barrier is reached (used to announce pipeline phases).
func (r *Runner) AddBarrier(name string, deps []string, note string) error {
	return r.add(&task{name: name, deps: deps, note: note})
}

func (r *Runner) add(t *task) error {
	if _, dup := r.tasks[t.name]; dup {
		return fmt.Errorf("duplicate task name: %s", t.name)
	}
	for _, dep := range t.deps {
		if _, ok := r.tasks[dep]; !ok {
			return fmt.Errorf("task %s depends on unknown task %s", t.name, dep)
		}
	}
	r.tasks[t.name] = t
	r.order = append(r.order, t.name)
	return nil
}

type completion struct {
	name string
	err  error
}

// Run executes the graph. With parallel false, ready tasks run one at a
// time in registration order; with parallel true, every ready task runs
// in its own goroutine. The first failure is returned, wrapped in a
// TaskError; tasks that never started are journaled as aborted.
func (r *Runner) Run(ctx context.Context, parallel bool) error {
	start := time.Now()

	pending := make(map[string]int, len(r.tasks))
	dependents := make(map[string][]string, len(r.tasks))
	for _, name := range r.order {
		t := r.tasks[name]
		pending[name] = len(t.deps)
		for _, dep := range t.deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range r.order {
		if pending[name] == 0 {
			ready = append(ready, name)
		}
	}

	results := make(chan completion, len(r.tasks))
	var wg sync.WaitGroup

	launch := func(name string) {
		t := r.tasks[name]
		tlog := observability.EnrichLogger(r.log, r.runID, name)
		if err := r.journal.RecordStart(r.runID, name); err != nil {
			tlog.Warn("journal write failed", "error", err)
		}

		if t.fn == nil {
			if t.note != "" {
				r.log.Info(t.note)
			}
			r.finish(ctx, tlog, name, 0, nil)
			results <- completion{name: name}
			return
		}

		run := func() {
			observability.LogTaskStart(r.log, name)
			taskCtx, span := r.spans.StartTaskSpan(ctx, name)
			t0 := time.Now()
			err := t.fn(taskCtx)
			r.spans.EndSpanWithError(span, err)
			r.finish(ctx, tlog, name, time.Since(t0), err)
			results <- completion{name: name, err: err}
		}

		if parallel {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run()
			}()
		} else {
			run()
		}
	}

	var (
		firstErr error
		started  = make(map[string]bool, len(r.tasks))
		done     = 0
		inflight = 0
	)

	for done < len(r.tasks) {
		// Launch everything ready, unless we are already failing.
		if firstErr == nil {
			for len(ready) > 0 {
				name := ready[0]
				ready = ready[1:]
				started[name] = true
				inflight++
				launch(name)
				if !parallel {
					break
				}
			}
		}

		if inflight == 0 {
			break
		}

		res := <-results
		inflight--
		done++

		if res.err != nil {
			if firstErr == nil {
				firstErr = &TaskError{Task: res.name, Err: res.err}
			}
			continue
		}

		for _, next := range dependents[res.name] {
			pending[next]--
			if pending[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	wg.Wait()

	if firstErr == nil && done < len(r.tasks) {
		return fmt.Errorf("task graph has a dependency cycle (%d of %d tasks ran)",
			done, len(r.tasks))
	}

	if firstErr != nil {
		var aborted []string
		for _, name := range r.order {
			if !started[name] {
				aborted = append(aborted, name)
			}
		}
		sort.Strings(aborted)
		for _, name := range aborted {
			if err := r.journal.RecordOutcome(r.runID, name, journal.StatusAborted, ""); err != nil {
				r.log.Warn("journal write failed", "task", name, "error", err)
			}
		}
		if len(aborted) > 0 {
			r.log.Warn("abandoning unstarted tasks", "count", len(aborted))
		}
	}

	r.metrics.RecordRun(ctx, firstErr == nil, time.Since(start))
	return firstErr
}

func (r *Runner) finish(ctx context.Context, tlog *slog.Logger, name string, d time.Duration, err error) {
	r.metrics.RecordTaskExecution(ctx, name, d, err)

	status := journal.StatusDone
	msg := ""
	if err != nil {
		status = journal.StatusFailed
		msg = err.Error()
		observability.LogTaskError(r.log, name, err)
	} else {
		observability.LogTaskComplete(r.log, name, float64(d.Milliseconds()))
	}
	if jerr := r.journal.RecordOutcome(r.runID, name, status, msg); jerr != nil {
		tlog.Warn("journal write failed", "error", jerr)
	}
}
