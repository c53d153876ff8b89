package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/diagnostics"
	"image-compressor-go/internal/external"
	"image-compressor-go/internal/ingest"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metadata"
	"image-compressor-go/internal/settings"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// BatchResult is returned for every batch that got past ingestion.
type BatchResult struct {
	BatchID     string                         `json:"batch_id"`
	Method      settings.CompressionMethod     `json:"method"`
	Results     []compressor.CompressionResult `json:"results"`
	Failures    []compressor.ItemFailure       `json:"failures"`
	Metadata    []metadata.ImageMetadata       `json:"metadata"`
	Diagnostics diagnostics.Report             `json:"diagnostics"`
	Summary     string                         `json:"summary"`
}

// Pipeline runs compression batches against one storage layout. At most one batch
// runs at a time.
type Pipeline struct {
	config     *config.Config
	layout     *storage.Layout
	logger     *logrus.Logger
	settings   *settings.Store
	metadata   *metadata.Store
	ingestor   *ingest.Ingestor
	reconciler *metadata.Reconciler
	metrics    *statistics.Metrics
	tool       external.Tool
	newTimer   func() backoff.Timer
	onEvent    EventFunc

	running atomic.Bool

	mu   sync.RWMutex
	last *statistics.Statistics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTool replaces the external compressor used in external mode.
func WithTool(tool external.Tool) Option {
	return func(p *Pipeline) { p.tool = tool }
}

// WithTimer replaces the poll clock used in external mode.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(p *Pipeline) { p.newTimer = newTimer }
}

func WithMetrics(m *statistics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEventHook registers a progress callback.
func WithEventHook(fn EventFunc) Option {
	return func(p *Pipeline) { p.onEvent = fn }
}

// New returns a Pipeline over an initialized layout.
func New(cfg *config.Config, layout *storage.Layout, log *logrus.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:     cfg,
		layout:     layout,
		logger:     log,
		settings:   settings.NewStore(layout.SettingsPath()),
		metadata:   metadata.NewStore(layout.MetadataPath()),
		ingestor:   ingest.NewIngestor(layout, log),
		reconciler: metadata.NewReconciler(log),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tool == nil {
		p.tool = external.NewCommandTool(cfg.External.Binary, cfg.External.Args)
	}
	return p
}

// SetEventHook replaces the progress callback. It must not be called while a batch runs.
func (p *Pipeline) SetEventHook(fn EventFunc) { p.onEvent = fn }

func (p *Pipeline) Layout() *storage.Layout { return p.layout }

func (p *Pipeline) Logger() *logrus.Logger { return p.logger }

// Running reports whether a batch is in flight.
func (p *Pipeline) Running() bool { return p.running.Load() }

// LastStatistics returns the statistics of the most recent batch, or nil.
func (p *Pipeline) LastStatistics() *statistics.Statistics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Submit ingests transport-encoded images and compresses them.
func (p *Pipeline) Submit(ctx context.Context, images []ingest.ImageData) (*BatchResult, error) {
	return p.run(ctx, len(images), func() ([]metadata.ImageMetadata, error) {
		return p.ingestor.Ingest(images)
	})
}

// SubmitRecords compresses already decoded images.
func (p *Pipeline) SubmitRecords(ctx context.Context, records []ingest.ImageRecord) (*BatchResult, error) {
	return p.run(ctx, len(records), func() ([]metadata.ImageMetadata, error) {
		return p.ingestor.IngestRecords(records)
	})
}

func (p *Pipeline) run(ctx context.Context, submitted int, ingestFn func() ([]metadata.ImageMetadata, error)) (*BatchResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrBatchInProgress
	}
	defer p.running.Store(false)

	batchID := uuid.NewString()
	log := logger.WithBatch(p.logger, batchID, "batch")

	appSettings, err := p.settings.Load()
	if err != nil {
		return nil, p.fail(batchID, stageErr(StageSettings, err))
	}

	stats := statistics.NewStatistics(batchID, string(appSettings.Method))
	stats.AddSubmitted(submitted)
	p.metrics.BatchStarted()
	p.emit(EventBatchStarted, map[string]interface{}{
		"batch_id": batchID,
		"method":   string(appSettings.Method),
		"quality":  appSettings.CompressionQuality,
		"total":    submitted,
	})
	log.Infof("Starting batch of %d images (method=%s, quality=%.0f)", submitted, appSettings.Method, appSettings.CompressionQuality)

	entries, err := ingestFn()
	if err != nil {
		if errors.Is(err, ingest.ErrNoValidImages) {
			if serr := p.metadata.Save(entries); serr != nil {
				log.Errorf("Could not persist metadata: %v", serr)
			}
		}
		p.finish(stats, string(appSettings.Method), "failed")
		return nil, p.fail(batchID, stageErr(StageIngest, err))
	}
	for _, e := range entries {
		if e.Staged() {
			stats.IncrementStaged()
		} else {
			stats.IncrementRejected()
			stats.AddError(e.OriginalName, "ingest", e.Error)
		}
	}

	if err := p.layout.Clear(storage.RoleOutput); err != nil {
		p.finish(stats, string(appSettings.Method), "failed")
		return nil, p.fail(batchID, stageErr(StageClear, fmt.Errorf("failed to clear output folder: %w", err)))
	}

	result := &BatchResult{BatchID: batchID, Method: appSettings.Method}

	var execErr error
	if p.config.IsExternal() {
		execErr = p.runExternal(ctx, batchID, appSettings, entries, stats, result)
	} else {
		execErr = p.runSync(ctx, batchID, appSettings, entries, stats, result)
	}
	if execErr == nil && ctx.Err() != nil {
		execErr = ctx.Err()
	}

	// Metadata is written whatever happened during execution.
	if err := p.metadata.Save(entries); err != nil {
		p.finish(stats, string(appSettings.Method), "failed")
		return nil, p.fail(batchID, stageErr(StageMetadata, err))
	}
	result.Metadata = entries

	produced := 0
	for _, e := range entries {
		if e.Succeeded() {
			produced++
		}
	}
	result.Diagnostics = diagnostics.Diagnose(len(entries), produced)

	status := "succeeded"
	switch result.Diagnostics.Outcome {
	case diagnostics.Partial:
		status = "partial"
		log.Warn(result.Diagnostics.Message)
	case diagnostics.NoneSucceeded, diagnostics.Empty:
		status = "failed"
	}
	if execErr != nil {
		status = "failed"
	}
	p.finish(stats, string(appSettings.Method), status)
	result.Summary = stats.GetSummary()
	log.Info(result.Summary)

	if execErr != nil {
		return result, p.fail(batchID, stageErr(StageExecute, execErr))
	}
	if produced == 0 {
		var merr *multierror.Error
		merr = multierror.Append(merr, ErrNoneSucceeded)
		for _, f := range result.Failures {
			merr = multierror.Append(merr, f)
		}
		return result, p.fail(batchID, stageErr(StageExecute, merr))
	}

	p.emit(EventBatchCompleted, map[string]interface{}{
		"batch_id": batchID,
		"outcome":  string(result.Diagnostics.Outcome),
		"expected": result.Diagnostics.Expected,
		"produced": produced,
		"saved":    stats.BytesSaved(),
	})
	return result, nil
}

func (p *Pipeline) compressorOptions(s settings.AppSettings) compressor.Options {
	return compressor.Options{
		Quality:        float64(s.IntQuality()),
		Progressive:    p.config.Codecs.JPEG.Progressive,
		JpegtranPath:   p.config.Codecs.JPEG.JpegtranPath,
		PreserveExif:   p.config.Codecs.JPEG.PreserveExif,
		IncludeEncoded: p.config.Codecs.IncludeEncoded,
	}
}

func (p *Pipeline) runSync(ctx context.Context, batchID string, s settings.AppSettings, entries []metadata.ImageMetadata, stats *statistics.Statistics, result *BatchResult) error {
	dispatcher := compressor.NewDispatcher(s, p.compressorOptions(s), p.logger)
	engine := compressor.NewEngine(p.config.Performance.WorkerThreads, p.logger)
	engine.SetOnItem(func(ev compressor.ItemEvent) {
		data := map[string]interface{}{
			"batch_id":  batchID,
			"file":      filepath.Base(ev.InputPath),
			"adapter":   string(ev.Adapter),
			"completed": ev.Completed,
			"total":     ev.Total,
		}
		if ev.Result != nil {
			stats.RecordCompressed(string(ev.Adapter), ev.Result.OriginalSize, ev.Result.CompressedSize)
			p.metrics.FileCompressed(string(ev.Adapter), ev.Result.OriginalSize, ev.Result.CompressedSize, ev.Result.ReductionPercent)
			data["reduction_percent"] = ev.Result.ReductionPercent
			p.emit(EventItemCompleted, data)
			return
		}
		stats.RecordFailed(string(ev.Adapter), ev.InputPath, ev.Failure.Message)
		p.metrics.FileFailed(string(ev.Adapter))
		data["error"] = ev.Failure.Message
		p.emit(EventItemFailed, data)
	})

	outcome, err := engine.Run(ctx, p.layout.InputDir(), p.layout.OutputDir(), dispatcher)
	if err != nil {
		return err
	}

	produced := make([]metadata.Produced, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		produced = append(produced, metadata.Produced{InputPath: r.OriginalPath, OutputPath: r.CompressedPath})
	}
	reasons := make(map[string]string, len(outcome.Failures))
	for _, f := range outcome.Failures {
		reasons[f.InputPath] = f.Message
	}

	sum := p.reconciler.ByInput(entries, produced, reasons)
	stats.AddRenames(sum.Renamed, sum.RenameFailed)

	// Point results at the names reconciliation settled on.
	finalPath := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.Succeeded() {
			finalPath[e.InputPath] = e.OutputPath
		}
	}
	for i := range outcome.Results {
		if path, ok := finalPath[outcome.Results[i].OriginalPath]; ok {
			outcome.Results[i].CompressedPath = path
		}
	}

	result.Results = outcome.Results
	result.Failures = outcome.Failures
	return nil
}

func (p *Pipeline) runExternal(ctx context.Context, batchID string, s settings.AppSettings, entries []metadata.ImageMetadata, stats *statistics.Statistics, result *BatchResult) error {
	var inputs []string
	for _, e := range entries {
		if e.Staged() {
			inputs = append(inputs, e.InputPath)
		}
	}

	runner := external.NewRunner(p.tool, p.logger,
		external.WithPolling(p.config.Execution.PollInterval, p.config.Execution.PollAttempts),
		external.WithTimer(p.newTimer),
		external.WithPollHook(func(ev external.PollEvent) {
			stats.IncrementPollAttempts()
			p.metrics.PollAttempt()
			p.emit(EventPollAttempt, map[string]interface{}{
				"batch_id": batchID,
				"attempt":  ev.Attempt,
				"observed": ev.Observed,
				"expected": ev.Expected,
			})
		}),
		external.WithProgressHook(func(line string) {
			p.emit(EventToolProgress, map[string]interface{}{"batch_id": batchID, "line": line})
		}),
	)

	req := external.Request{
		InputDir:  p.layout.InputDir(),
		OutputDir: p.layout.OutputDir(),
		Quality:   s.IntQuality(),
		Inputs:    inputs,
	}

	rep, err := runner.Run(ctx, req, len(inputs), func(rep *external.Report) error {
		observed, err := metadata.Observe(p.layout.OutputDir(), external.IsOutputName)
		if err != nil {
			return err
		}
		sum := p.reconciler.ByOrder(entries, observed)
		stats.AddRenames(sum.Renamed, sum.RenameFailed)
		if rep.ToolErr != nil {
			stats.AddError(p.tool.Name(), "external", rep.ToolErr.Error())
		}
		return nil
	})
	if rep != nil && rep.Shortfall() > 0 {
		p.logger.WithFields(logrus.Fields{
			"batch_id": batchID,
			"state":    rep.State.String(),
		}).Warnf("External tool left %d of %d files uncompressed", rep.Shortfall(), rep.Expected)
	}

	for _, e := range entries {
		if !e.Staged() {
			continue
		}
		data := map[string]interface{}{
			"batch_id": batchID,
			"file":     e.OriginalName,
			"adapter":  string(compressor.AdapterExternal),
		}
		if !e.Succeeded() {
			stats.RecordFailed(string(compressor.AdapterExternal), e.InputPath, e.Error)
			p.metrics.FileFailed(string(compressor.AdapterExternal))
			result.Failures = append(result.Failures, compressor.ItemFailure{
				InputPath: e.InputPath,
				Adapter:   compressor.AdapterExternal,
				Message:   e.Error,
			})
			data["error"] = e.Error
			p.emit(EventItemFailed, data)
			continue
		}

		res := compressor.CompressionResult{
			OriginalPath:     e.InputPath,
			CompressedPath:   e.OutputPath,
			OriginalSize:     e.OriginalSize,
			CompressedSize:   *e.CompressedSize,
			ReductionPercent: compressor.ReductionPercent(e.OriginalSize, *e.CompressedSize),
			Adapter:          compressor.AdapterExternal,
		}
		if p.config.Codecs.IncludeEncoded {
			res.OriginalEncoded, _ = transport.EncodeFile(e.InputPath)
			res.CompressedEncoded, _ = transport.EncodeFile(e.OutputPath)
		}
		stats.RecordCompressed(string(compressor.AdapterExternal), res.OriginalSize, res.CompressedSize)
		p.metrics.FileCompressed(string(compressor.AdapterExternal), res.OriginalSize, res.CompressedSize, res.ReductionPercent)
		result.Results = append(result.Results, res)
		data["reduction_percent"] = res.ReductionPercent
		p.emit(EventItemCompleted, data)
	}
	return err
}

func (p *Pipeline) finish(stats *statistics.Statistics, method, status string) {
	stats.Finalize()
	p.metrics.BatchFinished(method, status, stats)
	p.mu.Lock()
	p.last = stats
	p.mu.Unlock()
}

func (p *Pipeline) fail(batchID string, err error) error {
	logger.WithBatch(p.logger, batchID, "batch").Errorf("Batch failed: %v", err)
	p.emit(EventBatchFailed, map[string]interface{}{
		"batch_id": batchID,
		"error":    err.Error(),
	})
	return err
}
