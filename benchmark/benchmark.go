package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// ErrScenariosFailed is returned by RunAllScenarios when at least one
// scenario failed.
var ErrScenariosFailed = errors.New("one or more scenarios failed")

// Suite manages and executes benchmark scenarios
type Suite struct {
	runner    Runner
	outputDir string
	logger    *log.Logger
	mu        sync.RWMutex
	scenarios []Scenario
	results   []LayerResult
	failures  map[string]error
	now       func() time.Time
}

// NewSuite creates a new benchmark suite.
//
// Arguments:
//   - runner: Executes each scenario.
//   - outputDir: Where SaveResults writes; empty disables saving.
//   - logger: Progress logger (default: log.Default()).
//
// Returns:
//   - *Suite: The benchmark suite.
func NewSuite(runner Runner, outputDir string, logger *log.Logger) *Suite {
	if logger == nil {
		logger = log.Default()
	}
	return &Suite{
		runner:    runner,
		outputDir: outputDir,
		logger:    logger.WithPrefix("suite"),
		failures:  make(map[string]error),
		now:       time.Now,
	}
}

// AddScenario adds a test scenario to the benchmark suite
func (s *Suite) AddScenario(scenario Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, scenario)
}

// AddScenarioSet adds every scenario of set.
func (s *Suite) AddScenarioSet(set *ScenarioSet) {
	for _, sc := range set.Scenarios {
		s.AddScenario(sc)
	}
}

// Scenarios returns a copy of the configured scenarios.
func (s *Suite) Scenarios() []Scenario {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Scenario, len(s.scenarios))
	copy(out, s.scenarios)
	return out
}

// RunScenario executes a single benchmark scenario and records its result.
func (s *Suite) RunScenario(ctx context.Context, scenario Scenario) (*LayerResult, error) {
	result, err := s.runner.Run(ctx, scenario)
	if err != nil {
		s.mu.Lock()
		s.failures[scenario.Name] = err
		s.mu.Unlock()
		return nil, errors.Wrapf(err, "scenario %s", scenario.Name)
	}

	s.mu.Lock()
	s.results = append(s.results, *result)
	s.mu.Unlock()
	return result, nil
}

// RunAllScenarios executes every configured scenario in order. A failing
// scenario is logged and the rest still run; the results of the successful
// ones are saved when an output directory is set.
func (s *Suite) RunAllScenarios(ctx context.Context) error {
	scenarios := s.Scenarios()
	failed := 0
	for i, scenario := range scenarios {
		s.logger.Info("running scenario", "name", scenario.Name, "index", i+1, "of", len(scenarios))
		result, err := s.RunScenario(ctx, scenario)
		if err != nil {
			failed++
			s.logger.Error("scenario failed", "name", scenario.Name, "err", err)
			continue
		}
		s.logger.Info("scenario completed", "name", scenario.Name, "took", result.TotalDuration.Truncate(time.Millisecond))
	}

	if s.outputDir != "" {
		if _, err := s.SaveResults(); err != nil {
			return err
		}
	}
	if failed > 0 {
		return errors.Wrapf(ErrScenariosFailed, "%d of %d", failed, len(scenarios))
	}
	return nil
}

// GetResults returns a copy of all benchmark results
func (s *Suite) GetResults() []LayerResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]LayerResult, len(s.results))
	copy(results, s.results)
	return results
}

// Failures returns the error of every failed scenario by name.
func (s *Suite) Failures() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]error, len(s.failures))
	for k, v := range s.failures {
		out[k] = v
	}
	return out
}

// SaveResults persists the results as JSON plus a CSV summary.
//
// Returns:
//   - []string: The written files (results JSON, summary CSV).
//   - error: Any filesystem or encoding failure.
func (s *Suite) SaveResults() ([]string, error) {
	results := s.GetResults()

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create output directory")
	}

	timestamp := s.now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(s.outputDir, fmt.Sprintf("layerbench_results_%s.json", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal results")
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to write results file")
	}

	summaryFile := filepath.Join(s.outputDir, fmt.Sprintf("layerbench_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return nil, errors.Wrap(err, "failed to save summary CSV")
	}

	s.logger.Info("results saved", "results", resultsFile, "summary", summaryFile)
	return []string{resultsFile, summaryFile}, nil
}

var summaryHeader = []string{
	"scenario", "model", "dtype", "num_seq", "seq_len", "module",
	MetricDurationItersCount, MetricDurationAvgMS,
	MetricEventsTotalMS, MetricEventsAvgMS,
	MetricOneSyncTotalMS, MetricOneSyncAvgMS,
}

// saveSummaryCSV writes one row per measured module.
func saveSummaryCSV(filename string, results []LayerResult) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(summaryHeader); err != nil {
		return err
	}
	for _, r := range results {
		for _, res := range []*Results{r.Attention, r.MLP, r.DecoderLayer} {
			if res == nil {
				continue
			}
			m := res.Map()
			row := []string{
				r.Scenario.Name,
				r.Scenario.Model,
				r.Scenario.Dtype,
				strconv.Itoa(r.Scenario.NumSeq),
				strconv.Itoa(r.Scenario.SeqLen),
				res.Label,
			}
			for _, key := range summaryHeader[6:] {
				row = append(row, strconv.FormatFloat(m[key], 'f', 3, 64))
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}
