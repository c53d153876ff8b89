package compressor

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"image-compressor-go/internal/storage"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ItemEvent reports the completion of one file.
type ItemEvent struct {
	Completed int
	Total     int
	InputPath string
	Adapter   AdapterID
	Result    *CompressionResult
	Failure   *ItemFailure
}

// Outcome is the collected result of one engine run. Results and Failures keep
// the name order of the input listing.
type Outcome struct {
	Total    int
	Results  []CompressionResult
	Failures []ItemFailure
}

// Err aggregates item failures when nothing succeeded. It is nil otherwise.
func (o *Outcome) Err() error {
	if len(o.Results) > 0 || len(o.Failures) == 0 {
		return nil
	}
	var merr *multierror.Error
	for _, f := range o.Failures {
		merr = multierror.Append(merr, f)
	}
	return merr.ErrorOrNil()
}

// Engine runs the dispatcher over every file in a directory on a bounded worker pool.
// Work already handed to a worker always runs to completion; a cancelled context only
// stops files that have not started yet.
type Engine struct {
	workers int
	logger  *logrus.Logger
	onItem  func(ItemEvent)
}

// NewEngine returns an engine with the given pool size. workers <= 0 uses the CPU count.
func NewEngine(workers int, logger *logrus.Logger) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{workers: workers, logger: logger}
}

// SetOnItem registers a callback invoked once per finished file, from a single goroutine.
func (e *Engine) SetOnItem(fn func(ItemEvent)) {
	e.onItem = fn
}

// Workers returns the pool size.
func (e *Engine) Workers() int { return e.workers }

// Run compresses every regular file in inputDir into outputDir.
func (e *Engine) Run(ctx context.Context, inputDir, outputDir string, d *Dispatcher) (*Outcome, error) {
	files, err := storage.ListFiles(inputDir)
	if err != nil {
		return nil, fmt.Errorf("list input files: %w", err)
	}
	out := &Outcome{Total: len(files)}
	if len(files) == 0 {
		return out, nil
	}

	type job struct {
		index int
		path  string
	}
	type result struct {
		index   int
		res     *CompressionResult
		failure *ItemFailure
	}

	numWorkers := min(e.workers, len(files))
	jobs := make(chan job, len(files))
	results := make(chan result, len(files))

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					results <- result{index: j.index, failure: &ItemFailure{
						InputPath: j.path,
						Message:   ctx.Err().Error(),
						Err:       ctx.Err(),
					}}
					continue
				default:
				}
				res, failure := e.compressOne(j.path, outputDir, d)
				results <- result{index: j.index, res: res, failure: failure}
			}
		}()
	}

	for i, path := range files {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	resArr := make([]result, len(files))
	completed := 0
	for r := range results {
		resArr[r.index] = r
		completed++
		if e.onItem != nil {
			ev := ItemEvent{Completed: completed, Total: len(files), InputPath: files[r.index], Result: r.res, Failure: r.failure}
			if r.res != nil {
				ev.Adapter = r.res.Adapter
			} else {
				ev.Adapter = r.failure.Adapter
			}
			e.onItem(ev)
		}
	}

	for _, r := range resArr {
		if r.res != nil {
			out.Results = append(out.Results, *r.res)
		} else if r.failure != nil {
			out.Failures = append(out.Failures, *r.failure)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"operation": "compress",
		"workers":   numWorkers,
		"method":    d.Method(),
	}).Infof("Compressed %d of %d files", len(out.Results), len(files))
	return out, nil
}

func (e *Engine) compressOne(path, outputDir string, d *Dispatcher) (*CompressionResult, *ItemFailure) {
	log := e.logger.WithFields(logrus.Fields{
		"file":      filepath.Base(path),
		"operation": "compress",
	})

	adapter, err := d.For(path)
	if err != nil {
		log.Errorf("Compression error: %v", err)
		return nil, &ItemFailure{InputPath: path, Message: err.Error(), Err: err}
	}

	res, err := adapter.Compress(path, outputDir)
	if err != nil {
		log.WithField("adapter", adapter.ID()).Errorf("Compression error: %v", err)
		return nil, &ItemFailure{InputPath: path, Adapter: adapter.ID(), Message: err.Error(), Err: err}
	}
	return res, nil
}
