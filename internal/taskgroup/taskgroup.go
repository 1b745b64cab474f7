// Package taskgroup runs independent tasks concurrently and reports the
// outcome of every task. Unlike errgroup, a failing task never cancels its
// siblings: each task runs to completion or failure on its own, and the
// partial-failure outcome is a first-class return value.
package taskgroup

import (
	"context"
	"strings"
	"sync"
)

type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Failure struct {
	Name string
	Err  error
}

type Results struct {
	Succeeded []string
	Failed    []Failure
}

func (r Results) AllSucceeded() bool {
	return len(r.Failed) == 0
}

// ErrorMessage concatenates every failure reason into one message, in task
// order, for storage on the owning record.
func (r Results) ErrorMessage() string {
	if len(r.Failed) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		parts = append(parts, f.Name+": "+f.Err.Error())
	}
	return strings.Join(parts, "; ")
}

// Run executes all tasks with at most limit in flight and blocks until every
// task has settled. limit <= 0 means no bound.
func Run(ctx context.Context, limit int, tasks []Task) Results {
	if limit <= 0 {
		limit = len(tasks)
	}

	errs := make([]error, len(tasks))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, limit)

	for i, task := range tasks {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int, task Task) {
			defer wg.Done()
			defer func() { <-semaphore }()
			errs[i] = task.Run(ctx)
		}(i, task)
	}
	wg.Wait()

	var results Results
	for i, err := range errs {
		if err != nil {
			results.Failed = append(results.Failed, Failure{Name: tasks[i].Name, Err: err})
		} else {
			results.Succeeded = append(results.Succeeded, tasks[i].Name)
		}
	}
	return results
}
