// Package worker runs shard jobs on a fixed number of goroutines.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job represents a unit of work to be processed by a worker
type Job interface {
	// Execute performs the work synchronously.
	// Context should be used to check for cancellation.
	Execute(ctx context.Context) Result
}

// Result represents the outcome of a job execution
type Result interface {
	// Error returns any error that occurred during execution, or nil if successful
	Error() error
}

// PanicResult is reported for a job that panicked
type PanicResult struct {
	Value any
}

func (r PanicResult) Error() error {
	return fmt.Errorf("worker: job panicked: %v", r.Value)
}

// SpawnWorkerPool starts numWorkers goroutines reading from jobQueue.
// Every job's result is passed to onResult (which may be nil) from the worker goroutine.
// Workers exit when jobQueue is closed. On context cancellation the remaining buffered
// jobs are still executed with the cancelled context so each can report its own outcome.
//
// Returns a WaitGroup tracking all workers.
func SpawnWorkerPool(
	ctx context.Context,
	numWorkers int,
	jobQueue <-chan Job,
	onResult func(Job, Result),
	logger *slog.Logger,
) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	wg := &sync.WaitGroup{}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			executeJob := func(job Job) {
				var result Result
				defer func() {
					if r := recover(); r != nil {
						logger.Error("Job panicked",
							"worker_id", workerID,
							"panic", fmt.Sprintf("%v", r),
						)
						result = PanicResult{Value: r}
					}
					if onResult != nil {
						onResult(job, result)
					}
				}()

				result = job.Execute(ctx)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Debug("Worker draining remaining jobs",
						"worker_id", workerID,
						"reason", "context_cancelled",
					)
					for job := range jobQueue {
						executeJob(job)
					}
					return

				case job, ok := <-jobQueue:
					if !ok {
						return
					}
					executeJob(job)
				}
			}
		}(i)
	}

	logger.Debug("Worker pool spawned",
		"num_workers", numWorkers,
	)

	return wg
}

// RunAll executes jobs on numWorkers goroutines and returns their results in job order
func RunAll(ctx context.Context, numWorkers int, jobs []Job, logger *slog.Logger) []Result {
	results := make([]Result, len(jobs))

	type indexed struct {
		Job
		i int
	}

	queue := make(chan Job, len(jobs))
	for i, job := range jobs {
		queue <- indexed{Job: job, i: i}
	}
	close(queue)

	var mu sync.Mutex
	wg := SpawnWorkerPool(ctx, numWorkers, queue, func(job Job, res Result) {
		mu.Lock()
		defer mu.Unlock()
		results[job.(indexed).i] = res
	}, logger)
	wg.Wait()

	return results
}
