// metrics/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package metrics collects item counts and durations of transfers.
package metrics

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Sink receives counts and timings. Names are dotted, like
// "backup.table.items".
type Sink interface {
	Count(name string, n int)
	// Timer runs f and records how long it took and whether it failed;
	// it returns f's error.
	Timer(name string, f func() error) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Count(name string, n int) {}

func (Nop) Timer(name string, f func() error) error {
	return f()
}

// Transfers take anywhere from milliseconds for an empty table to hours
// for a large container.
var durationBuckets = []float64{0.1, 1, 5, 15, 60, 300, 900, 3600, 4 * 3600}

// Prometheus records to a registry of its own, which can be pushed to a
// Pushgateway once the run is done.
type Prometheus struct {
	reg       *prometheus.Registry
	items     *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Prometheus{
		reg: reg,
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "azbk_items_total",
			Help: "Rows and blobs transferred",
		}, []string{"name"}),
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "azbk_duration_seconds",
			Help:    "Time taken by transfers",
			Buckets: durationBuckets,
		}, []string{"name", "status"}),
	}
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.reg
}

func (p *Prometheus) Count(name string, n int) {
	p.items.WithLabelValues(name).Add(float64(n))
}

func (p *Prometheus) Timer(name string, f func() error) error {
	start := time.Now()
	err := f()
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.durations.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
	return err
}

// Push sends everything recorded so far to the Pushgateway at url,
// replacing the previous metrics of job.
func (p *Prometheus) Push(url, job string) error {
	err := push.New(url, job).Gatherer(p.reg).Push()
	return errors.Annotatef(err, "%s: pushing metrics", url)
}

// Recorder keeps totals in memory.
type Recorder struct {
	mu     sync.Mutex
	counts map[string]int
	timers map[string]int
	failed map[string]int
}

func NewRecorder() *Recorder {
	return &Recorder{
		counts: make(map[string]int),
		timers: make(map[string]int),
		failed: make(map[string]int),
	}
}

func (r *Recorder) Count(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += n
}

func (r *Recorder) Timer(name string, f func() error) error {
	err := f()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[name]++
	if err != nil {
		r.failed[name]++
	}
	return err
}

// Total returns the sum of the counts recorded under name.
func (r *Recorder) Total(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// Timed returns how many times the named timer ran and how many of those
// failed.
func (r *Recorder) Timed(name string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timers[name], r.failed[name]
}
