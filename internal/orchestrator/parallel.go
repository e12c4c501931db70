package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
)

// ParallelConfig holds configuration for processing several documents.
type ParallelConfig struct {
	MaxWorkers       int                                   // Number of parallel workers (0 = runtime.NumCPU())
	ProgressCallback ProgressCallback                      // Optional progress reporting
	ErrorHandler     func(int, document.RawCapture, error) // Optional per-document error handler
}

// DefaultParallelConfig returns sensible defaults for parallel processing.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{MaxWorkers: runtime.NumCPU()}
}

type captureJob struct {
	index   int
	capture document.RawCapture
}

type captureResult struct {
	index int
	cp    *document.Checkpoint
	err   error
}

// ProcessAll ingests captures with a pool of workers. Each document still
// runs its stages sequentially. Checkpoints are returned in input order;
// a document that failed has its Failed checkpoint in place, one that never
// got its first checkpoint is nil. The first error in input order is
// returned. On cancellation the checkpoints reached so far are returned
// with ctx.Err().
func (o *Orchestrator) ProcessAll(ctx context.Context, captures []document.RawCapture, config ParallelConfig) ([]*document.Checkpoint, error) {
	if len(captures) == 0 {
		return nil, errors.New("no captures provided")
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.NumCPU()
	}
	workers := min(config.MaxWorkers, len(captures))
	start := o.now()

	progress := config.ProgressCallback
	if progress != nil {
		progress.OnStart(len(captures))
	}

	jobs := make(chan captureJob, len(captures))
	results := make(chan captureResult, len(captures))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go o.worker(ctx, jobs, results, &wg)
	}

	go func() {
		defer close(jobs)
		for i, c := range captures {
			select {
			case jobs <- captureJob{index: i, capture: c}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]*document.Checkpoint, len(captures))
	errs := make([]error, len(captures))
	processed := 0
	for r := range results {
		ordered[r.index] = r.cp
		errs[r.index] = r.err
		processed++
		if progress != nil {
			progress.OnDocument(Progress{
				Index:      r.index,
				Done:       processed,
				Total:      len(captures),
				Filename:   captures[r.index].Filename,
				Checkpoint: r.cp,
				Err:        r.err,
			})
		}
	}
	if progress != nil {
		progress.OnComplete(Stats(ordered, o.now().Sub(start)))
	}

	if err := ctx.Err(); err != nil {
		return ordered, err
	}

	var firstError error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if firstError == nil {
			firstError = fmt.Errorf("capture %d (%s): %w", i, captures[i].Filename, err)
		}
		if config.ErrorHandler != nil {
			config.ErrorHandler(i, captures[i], err)
		}
	}
	return ordered, firstError
}

func (o *Orchestrator) worker(ctx context.Context, jobs <-chan captureJob, results chan<- captureResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return
			}
			cp, err := o.Ingest(ctx, job.capture)
			results <- captureResult{index: job.index, cp: cp, err: err}
		case <-ctx.Done():
			return
		}
	}
}

// BatchStats summarizes a ProcessAll run.
type BatchStats struct {
	Total            int           `json:"total"`
	Stored           int           `json:"stored"`
	Failed           int           `json:"failed"`
	Flagged          int           `json:"flagged"`
	Duration         time.Duration `json:"duration_ns"`
	ThroughputPerSec float64       `json:"throughput_per_sec"`
}

// Stats counts the outcome of a batch.
func Stats(cps []*document.Checkpoint, d time.Duration) BatchStats {
	s := BatchStats{Total: len(cps), Duration: d}
	for _, cp := range cps {
		switch {
		case cp == nil:
			s.Failed++
			continue
		case cp.State == document.StateStored:
			s.Stored++
		case cp.State == document.StateFailed:
			s.Failed++
		}
		if len(cp.ReviewFlags) > 0 {
			s.Flagged++
		}
	}
	if d > 0 {
		s.ThroughputPerSec = float64(s.Stored) / d.Seconds()
	}
	return s
}
