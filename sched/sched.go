// sched/sched.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package sched runs many independent transfers with a bound on how many
// are in flight at once.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	u "github.com/mmp/azbk/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Policy says what happens to the remaining tasks when one fails.
type Policy int

const (
	// FailFast stops starting new tasks after the first failure. Tasks
	// already running are left to finish.
	FailFast Policy = iota
	// ContinueOnError runs every task and reports all failures at the end.
	ContinueOnError
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case ContinueOnError:
		return "continue"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail-fast":
		return FailFast, nil
	case "continue":
		return ContinueOnError, nil
	default:
		return FailFast, fmt.Errorf("%s: unknown failure policy", s)
	}
}

type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskError records which task failed.
type TaskError struct {
	Name string
	Err  error
}

func (e *TaskError) Error() string {
	return e.Name + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

type Pool struct {
	// Maximum number of tasks running at once. Must be positive.
	Concurrency int
	Policy      Policy
}

// Run runs the tasks, at most p.Concurrency at a time, in no particular
// order of completion, and returns once all started tasks are done. With
// FailFast, the error is the first task's *TaskError; with
// ContinueOnError, it joins all of them.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if p.Concurrency <= 0 {
		return fmt.Errorf("%d: concurrency must be positive", p.Concurrency)
	}

	sem := make(chan bool, p.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	var failed atomic.Bool
	skipped := 0

	for i, t := range tasks {
		select {
		case sem <- true:
		case <-ctx.Done():
			wg.Wait()
			mu.Lock()
			defer mu.Unlock()
			return errors.Join(append(errs, ctx.Err())...)
		}
		if p.Policy == FailFast && failed.Load() {
			<-sem
			skipped++
			continue
		}

		wg.Add(1)
		go func(i int, t Task) {
			defer func() { <-sem; wg.Done() }()

			symbol := u.Symbol(i)
			log.Verbose("%s %s: starting", symbol, t.Name)
			start := time.Now()
			if err := t.Run(ctx); err != nil {
				log.Error("%s %s: %s", symbol, t.Name, err)
				mu.Lock()
				errs = append(errs, &TaskError{Name: t.Name, Err: err})
				mu.Unlock()
				failed.Store(true)
				return
			}
			log.Verbose("%s %s: done in %s", symbol, t.Name, time.Since(start).Round(time.Millisecond))
		}(i, t)
	}
	wg.Wait()

	if skipped > 0 {
		log.Warning("%d of %d tasks not started after a failure", skipped, len(tasks))
	}
	if len(errs) == 0 {
		return nil
	}
	if p.Policy == FailFast {
		return errs[0]
	}
	return errors.Join(errs...)
}
