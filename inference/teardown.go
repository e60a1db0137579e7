package inference

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// StepResult records the outcome of one teardown step.
type StepResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Teardown is an ordered list of best-effort cleanup steps. Every step runs
// inside its own recover boundary; a failing or panicking step is logged and
// the remaining steps still run.
type Teardown struct {
	logger *log.Logger
	steps  []teardownStep
}

type teardownStep struct {
	name string
	fn   func() error
}

// NewTeardown creates an empty teardown. A nil logger uses the default logger.
func NewTeardown(logger *log.Logger) *Teardown {
	if logger == nil {
		logger = log.Default()
	}
	return &Teardown{logger: logger}
}

// Add appends a step.
func (t *Teardown) Add(name string, fn func() error) *Teardown {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
	return t
}

// Run executes every step in order. Failures are logged and reported in the
// results but never returned as an error.
func (t *Teardown) Run() []StepResult {
	results := make([]StepResult, 0, len(t.steps))
	for _, s := range t.steps {
		start := time.Now()
		err := runStep(s.fn)
		r := StepResult{Name: s.name, Err: err, Duration: time.Since(start)}
		if err != nil {
			t.logger.Warn("teardown step failed", "step", s.name, "err", err)
		} else {
			t.logger.Debug("teardown step done", "step", s.name, "took", r.Duration)
		}
		results = append(results, r)
	}
	return results
}

func runStep(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
