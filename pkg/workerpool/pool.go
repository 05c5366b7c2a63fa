package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one independently executable unit of work. Tasks are immutable
// once built; ID keys the unit in logs and in the failure ledger.
type Task[T any] struct {
	ID     string
	Params T
}

// Result is the successful outcome of one task.
type Result[R any] struct {
	// TaskID is the ID of the task that produced Value.
	TaskID string

	// Index is the task's position in the submitted slice.
	Index int

	Value    R
	Duration time.Duration
}

// Batch holds successful results in completion order.
type Batch[R any] struct {
	// Submitted is the number of tasks handed to Run.
	Submitted int

	Results []Result[R]
}

// Len returns the number of successful results.
func (b *Batch[R]) Len() int { return len(b.Results) }

// Values returns the result values in completion order.
func (b *Batch[R]) Values() []R {
	out := make([]R, 0, len(b.Results))
	for _, r := range b.Results {
		out = append(out, r.Value)
	}
	return out
}

// WorkerFunc executes a single task. ctx carries the per-unit timeout.
type WorkerFunc[T, R any] func(ctx context.Context, task Task[T]) (R, error)

// Progress is a point-in-time view of a running batch.
type Progress struct {
	Total     int
	Completed int
	Succeeded int
	Failed    int
}

// Percent returns completion as a percentage of Total.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Config holds worker pool configuration.
type Config struct {
	// MaxWorkers bounds the number of tasks in flight.
	// Zero or negative uses DefaultMaxWorkers.
	MaxWorkers int

	// Timeout per task; zero disables the per-unit deadline.
	Timeout time.Duration

	// ProgressEvery logs a progress line every N completions.
	ProgressEvery int

	// OnProgress, if set, is called after every completion from the
	// collecting goroutine. It never delays running tasks.
	OnProgress func(Progress)
}

// DefaultMaxWorkers derives the worker count from the machine: network-bound
// units, so five per CPU.
func DefaultMaxWorkers() int {
	return runtime.NumCPU() * 5
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:    DefaultMaxWorkers(),
		Timeout:       3 * time.Minute,
		ProgressEvery: 50,
	}
}

// Pool runs batches of tasks under a fixed concurrency budget. Every
// submitted task resolves to exactly one Result or one FailureRecord before
// Run returns.
type Pool[T, R any] struct {
	name   string
	config Config
	logger zerolog.Logger
}

// New creates a pool. name labels logs and metrics.
func New[T, R any](name string, config Config, logger zerolog.Logger) *Pool[T, R] {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultMaxWorkers()
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 50
	}

	return &Pool[T, R]{
		name:   name,
		config: config,
		logger: logger.With().Str("pool", name).Logger(),
	}
}

// Config returns the effective configuration.
func (p *Pool[T, R]) Config() Config { return p.config }

type outcome[R any] struct {
	index    int
	value    R
	err      error
	duration time.Duration
}

// Run executes tasks with fn and returns the successes and the failure
// ledger. A failing or panicking task never affects its siblings. If ctx is
// cancelled, tasks that have not started are recorded as failures carrying
// the context error; outcomes already collected are kept.
func (p *Pool[T, R]) Run(ctx context.Context, tasks []Task[T], fn WorkerFunc[T, R]) (*Batch[R], *Ledger) {
	start := time.Now()
	total := len(tasks)
	batch := &Batch[R]{Submitted: total, Results: make([]Result[R], 0, total)}
	ledger := NewLedger()

	if total == 0 {
		return batch, ledger
	}

	workers := p.config.MaxWorkers
	if workers > total {
		workers = total
	}

	p.logger.Info().
		Int("total", total).
		Int("workers", workers).
		Msg("Starting worker pool")

	// Both channels hold every task, so neither the feeder nor the workers
	// ever block on the collector.
	queue := make(chan int, total)
	for i := range tasks {
		queue <- i
	}
	close(queue)

	outcomes := make(chan outcome[R], total)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(ctx, tasks, fn, queue, outcomes, &wg, i)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	progress := Progress{Total: total}
	for o := range outcomes {
		task := tasks[o.index]
		progress.Completed++
		unitDuration.WithLabelValues(p.name).Observe(o.duration.Seconds())

		if o.err != nil {
			progress.Failed++
			ledger.Record(task.ID, o.err)
			unitsTotal.WithLabelValues(p.name, "failed").Inc()
			p.logger.Warn().
				Err(o.err).
				Str("unit", task.ID).
				Msg("Unit failed")
		} else {
			progress.Succeeded++
			batch.Results = append(batch.Results, Result[R]{
				TaskID:   task.ID,
				Index:    o.index,
				Value:    o.value,
				Duration: o.duration,
			})
			unitsTotal.WithLabelValues(p.name, "succeeded").Inc()
		}

		if p.config.OnProgress != nil {
			p.config.OnProgress(progress)
		}
		if progress.Completed%p.config.ProgressEvery == 0 {
			p.logger.Info().
				Int("completed", progress.Completed).
				Int("total", total).
				Float64("progress_pct", progress.Percent()).
				Msg("Pool progress")
		}
	}

	p.logger.Info().
		Int("succeeded", progress.Succeeded).
		Int("failed", progress.Failed).
		Int("total", total).
		Dur("duration", time.Since(start)).
		Msg("Worker pool complete")

	return batch, ledger
}

// worker processes task indexes from the queue.
func (p *Pool[T, R]) worker(ctx context.Context, tasks []Task[T], fn WorkerFunc[T, R], queue <-chan int, outcomes chan<- outcome[R], wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		if err := ctx.Err(); err != nil {
			outcomes <- outcome[R]{index: i, err: fmt.Errorf("%w: %v", ErrCancelled, err)}
			continue
		}
		outcomes <- p.execute(ctx, i, tasks[i], fn)
		processed++
	}

	p.logger.Debug().
		Int("worker_id", workerID).
		Int("units_processed", processed).
		Msg("Worker completed")
}

// execute runs one task under its own deadline and converts a panic into
// an error.
func (p *Pool[T, R]) execute(ctx context.Context, index int, task Task[T], fn WorkerFunc[T, R]) (o outcome[R]) {
	o.index = index

	unitCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.config.Timeout > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
	}
	defer cancel()

	unitsInFlight.WithLabelValues(p.name).Inc()
	defer unitsInFlight.WithLabelValues(p.name).Dec()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		o.duration = time.Since(start)
	}()

	p.logger.Debug().Str("unit", task.ID).Msg("Unit started")
	o.value, o.err = fn(unitCtx, task)
	return o
}
