// sched/sched_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyBound(t *testing.T) {
	for _, conc := range []int{1, 3, 8} {
		var inflight, peak, ran atomic.Int32
		var tasks []Task
		for i := 0; i < 40; i++ {
			tasks = append(tasks, Task{Name: fmt.Sprintf("t%d", i), Run: func(ctx context.Context) error {
				n := inflight.Add(1)
				for {
					m := peak.Load()
					if n <= m || peak.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inflight.Add(-1)
				ran.Add(1)
				return nil
			}})
		}

		p := &Pool{Concurrency: conc}
		if err := p.Run(context.Background(), tasks); err != nil {
			t.Fatal(err)
		}
		if ran.Load() != 40 {
			t.Errorf("%d: ran %d tasks", conc, ran.Load())
		}
		if m := peak.Load(); m > int32(conc) || m < 1 {
			t.Errorf("%d: %d tasks in flight", conc, m)
		}
	}
}

func TestFailFastSkipsRemaining(t *testing.T) {
	boom := errors.New("boom")
	var ran []string
	var mu sync.Mutex
	task := func(name string, err error) Task {
		return Task{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return err
		}}
	}

	p := &Pool{Concurrency: 1, Policy: FailFast}
	err := p.Run(context.Background(), []Task{
		task("a", nil), task("b", boom), task("c", nil), task("d", nil),
	})

	var te *TaskError
	if !errors.As(err, &te) || te.Name != "b" || !errors.Is(err, boom) {
		t.Fatalf("expected TaskError for b, got %v", err)
	}
	if fmt.Sprint(ran) != "[a b]" {
		t.Errorf("tasks run: %v", ran)
	}
}

func TestFailFastWaitsForInFlight(t *testing.T) {
	bDone := make(chan struct{})
	var aFinished atomic.Bool
	tasks := []Task{
		{Name: "a", Run: func(ctx context.Context) error {
			<-bDone
			aFinished.Store(true)
			return nil
		}},
		{Name: "b", Run: func(ctx context.Context) error {
			close(bDone)
			return errors.New("b failed")
		}},
	}

	p := &Pool{Concurrency: 2}
	err := p.Run(context.Background(), tasks)
	if err == nil || err.Error() != "b: b failed" {
		t.Errorf("unexpected error %v", err)
	}
	if !aFinished.Load() {
		t.Errorf("Run returned before the in-flight task finished")
	}
}

func TestContinueOnError(t *testing.T) {
	e1, e2 := errors.New("first"), errors.New("second")
	var ran atomic.Int32
	mk := func(name string, err error) Task {
		return Task{Name: name, Run: func(ctx context.Context) error {
			ran.Add(1)
			return err
		}}
	}

	p := &Pool{Concurrency: 2, Policy: ContinueOnError}
	err := p.Run(context.Background(), []Task{
		mk("a", e1), mk("b", nil), mk("c", e2), mk("d", nil),
	})
	if ran.Load() != 4 {
		t.Errorf("ran %d tasks", ran.Load())
	}
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Errorf("expected both failures, got %v", err)
	}
}

func TestInvalidConcurrency(t *testing.T) {
	p := &Pool{}
	if err := p.Run(context.Background(), nil); err == nil {
		t.Errorf("zero concurrency accepted")
	}
}

func TestParsePolicy(t *testing.T) {
	for s, want := range map[string]Policy{"": FailFast, "fail-fast": FailFast, "continue": ContinueOnError} {
		if p, err := ParsePolicy(s); err != nil || p != want {
			t.Errorf("%q: got %v, %v", s, p, err)
		}
	}
	if _, err := ParsePolicy("retry"); err == nil {
		t.Errorf("expected error")
	}
}
