// Package downloader runs episode downloads: stream resolution through
// the plugin registry, then one of three transfer paths (direct HTTP,
// external accelerator, HLS assembly) with retries and progress
// aggregation.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/lucasmonteiro/anifetch/internal/config"
	"github.com/lucasmonteiro/anifetch/internal/downloader/hls"
	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
	"github.com/lucasmonteiro/anifetch/internal/request"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

// Engine owns the download pipeline. Concurrency across episodes is
// bounded by a semaphore sized from settings; per-task state lives in
// DownloadTask records visible through Snapshot.
type Engine struct {
	registry *plugin.Registry
	settings config.Settings
	agg      *Aggregator
	accel    *Accelerator
	sem      chan struct{}

	mu      sync.Mutex
	tasks   map[string]*models.DownloadTask
	cancels map[string]context.CancelFunc
}

func NewEngine(registry *plugin.Registry, settings config.Settings, agg *Aggregator) *Engine {
	settings.Clamp()
	return &Engine{
		registry: registry,
		settings: settings,
		agg:      agg,
		accel: NewAccelerator(settings.AcceleratorPath, settings.AccelConnections,
			settings.AccelSplit, settings.AccelMinSplitSize),
		sem:     make(chan struct{}, settings.ConcurrentDownloads),
		tasks:   make(map[string]*models.DownloadTask),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Task returns a snapshot of the task by key.
func (e *Engine) Task(key string) (models.TaskSnapshot, bool) {
	e.mu.Lock()
	task, ok := e.tasks[key]
	e.mu.Unlock()
	if !ok {
		return models.TaskSnapshot{}, false
	}
	return task.Snapshot(), true
}

// Cancel aborts the task by key. Safe to call for unknown keys.
func (e *Engine) Cancel(key string) {
	e.mu.Lock()
	cancel := e.cancels[key]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OutputPath computes the destination file for an episode download.
func (e *Engine) OutputPath(animeTitle string, ep models.Episode, quality models.Quality) string {
	return filepath.Join(e.settings.OutputDir,
		util.SanitizeFilename(animeTitle),
		util.EpisodeFilename(animeTitle, ep, quality))
}

// DownloadEpisode downloads one episode synchronously and returns the
// final task snapshot. A quality the episode does not offer falls back
// to the episode's best rung.
func (e *Engine) DownloadEpisode(ctx context.Context, animeTitle string, ep models.Episode, quality models.Quality) (models.TaskSnapshot, error) {
	if err := ep.Validate(); err != nil {
		return models.TaskSnapshot{}, err
	}
	task := e.register(animeTitle, ep, quality)
	err := e.run(ctx, task)
	return task.Snapshot(), err
}

// DownloadBatch downloads the episodes with at most the configured
// number running at once. It returns every final snapshot; the error is
// the first failure, if any.
func (e *Engine) DownloadBatch(ctx context.Context, animeTitle string, episodes []models.Episode, quality models.Quality) ([]models.TaskSnapshot, error) {
	tasks := make([]*models.DownloadTask, 0, len(episodes))
	for _, ep := range episodes {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		tasks = append(tasks, e.register(animeTitle, ep, quality))
	}

	errCh := make(chan error, len(tasks))
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task *models.DownloadTask) {
			defer wg.Done()
			errCh <- e.run(ctx, task)
		}(task)
	}
	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	snapshots := make([]models.TaskSnapshot, 0, len(tasks))
	for _, task := range tasks {
		snapshots = append(snapshots, task.Snapshot())
	}
	return snapshots, firstErr
}

func (e *Engine) register(animeTitle string, ep models.Episode, quality models.Quality) *models.DownloadTask {
	task := models.NewDownloadTask(ep, quality, e.OutputPath(animeTitle, ep, quality))

	e.mu.Lock()
	e.tasks[task.Key()] = task
	e.mu.Unlock()

	e.publish(task)
	return task
}

func (e *Engine) publish(task *models.DownloadTask) {
	if e.agg == nil {
		return
	}
	snap := task.Snapshot()
	e.agg.Publish(ProgressEvent{
		TaskKey:    snap.Key,
		Status:     snap.Status,
		Downloaded: snap.Downloaded,
		Total:      snap.TotalBytes,
		Speed:      snap.Speed,
	})
}

// run drives one task to a terminal state.
func (e *Engine) run(ctx context.Context, task *models.DownloadTask) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		_ = task.Transition(models.StatusCancelled)
		e.publish(task)
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancels[task.Key()] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, task.Key())
		e.mu.Unlock()
	}()

	if err := task.Transition(models.StatusDownloading); err != nil {
		return err
	}
	e.publish(task)

	err := e.attemptLoop(taskCtx, task)
	switch {
	case err == nil:
		_ = task.Transition(models.StatusCompleted)
	case errors.Is(err, context.Canceled):
		task.SetError(err)
		_ = task.Transition(models.StatusCancelled)
	default:
		task.SetError(err)
		_ = task.Transition(models.StatusFailed)
	}
	e.publish(task)
	return err
}

// terminalErr reports whether retrying cannot help: validation and
// plugin failures, explicit download errors, and 4xx responses.
func terminalErr(err error) bool {
	var validationErr *models.ValidationError
	var pluginErr *models.PluginError
	var downloadErr *models.DownloadError
	if errors.As(err, &validationErr) || errors.As(err, &pluginErr) || errors.As(err, &downloadErr) {
		return true
	}
	var netErr *models.NetworkError
	if errors.As(err, &netErr) && netErr.StatusCode >= 400 && netErr.StatusCode < 500 {
		return true
	}
	return false
}

func (e *Engine) attemptLoop(ctx context.Context, task *models.DownloadTask) error {
	var lastErr error
	for attempt := 0; attempt <= e.settings.MaxRetries; attempt++ {
		if attempt > 0 {
			task.SetRetryCount(attempt)
			delay := time.Duration(1<<uint(attempt)) * time.Second
			util.Warnf("download %s failed, retrying in %v (attempt %d/%d): %v",
				task.Key(), delay, attempt, e.settings.MaxRetries, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = e.attempt(ctx, task)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if terminalErr(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (e *Engine) attempt(ctx context.Context, task *models.DownloadTask) error {
	p, ok := e.registry.Get(task.Episode.Source)
	if !ok {
		return models.NewDownloadError("no active plugin for source "+task.Episode.Source, nil)
	}

	streamURL, headers, err := p.ResolveStream(ctx, task.Episode.URL, task.Quality)
	if err != nil {
		return err
	}
	task.StreamURL = streamURL
	task.Headers = headers
	util.Debugf("resolved %s -> %s", task.Key(), streamURL)

	if err := os.MkdirAll(filepath.Dir(task.OutputPath), 0o750); err != nil {
		return models.NewDownloadError("failed to create output directory", err)
	}

	if util.IsHLSURL(streamURL) {
		return e.downloadHLS(ctx, task, streamURL, headers)
	}
	if e.settings.UseAccelerator && e.accel.Available() {
		return e.downloadAccelerated(ctx, task, streamURL, headers)
	}
	return e.downloadDirect(ctx, task, streamURL, headers)
}

// downloadDirect streams the file over a single connection, reporting
// progress at chunk granularity. The client has no overall timeout;
// large files take longer than any fixed deadline and cancellation runs
// through the context.
func (e *Engine) downloadDirect(ctx context.Context, task *models.DownloadTask, streamURL string, headers map[string]string) error {
	client := &http.Client{Transport: request.SharedTransport()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return models.NewValidationError("cannot build request for " + streamURL)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0")
	}

	resp, err := client.Do(req)
	if err != nil {
		return models.NewNetworkError(streamURL, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.NewNetworkError(streamURL, resp.StatusCode, nil)
	}

	out, err := os.OpenFile(task.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 - path built from sanitized names
	if err != nil {
		return models.NewDownloadError("failed to create output file", err)
	}
	defer func() { _ = out.Close() }()

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	task.UpdateBytes(0, total)
	e.publish(task)

	buf := make([]byte, e.settings.ChunkSize)
	var downloaded int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return models.NewDownloadError("failed to write output file", writeErr)
			}
			downloaded += int64(n)
			task.UpdateBytes(downloaded, total)
			e.publish(task)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return models.NewNetworkError(streamURL, resp.StatusCode, readErr)
		}
	}

	if total > 0 && downloaded < total {
		return models.NewNetworkError(streamURL, resp.StatusCode,
			fmt.Errorf("short read: %d of %d bytes", downloaded, total))
	}
	return nil
}

func (e *Engine) downloadAccelerated(ctx context.Context, task *models.DownloadTask, streamURL string, headers map[string]string) error {
	err := e.accel.Download(ctx, streamURL, task.OutputPath, headers, func(downloaded, total int64, speed float64) {
		task.UpdateBytes(downloaded, total)
		e.publish(task)
	})
	if err != nil {
		return err
	}
	// aria2c emits no summary line for very fast transfers; trust the
	// file on disk for the final byte count.
	if info, statErr := os.Stat(task.OutputPath); statErr == nil {
		task.UpdateBytes(info.Size(), info.Size())
		e.publish(task)
	}
	return nil
}

func (e *Engine) downloadHLS(ctx context.Context, task *models.DownloadTask, streamURL string, headers map[string]string) error {
	assembler := hls.NewAssembler(e.settings.AccelConnections, e.settings.FragmentRetries)
	err := assembler.Download(ctx, streamURL, task.OutputPath, headers, task.Quality,
		func(downloadedBytes, totalEstimate int64, doneSegments, totalSegments int) {
			task.UpdateBytes(downloadedBytes, totalEstimate)
			e.publish(task)
		})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !e.settings.UseYtdlpFallback {
		return err
	}

	util.Warnf("hls assembly failed for %s, falling back to yt-dlp: %v", task.Key(), err)
	return e.downloadWithYtdlp(ctx, task, streamURL, headers)
}

// downloadWithYtdlp delegates the whole transfer to yt-dlp, which copes
// with encrypted and discontinuity-heavy streams the native assembler
// does not handle.
func (e *Engine) downloadWithYtdlp(ctx context.Context, task *models.DownloadTask, streamURL string, headers map[string]string) error {
	if _, err := ytdlp.Install(ctx, nil); err != nil {
		return models.NewDownloadError("failed to install yt-dlp", err)
	}

	dl := ytdlp.New().
		Output(task.OutputPath).
		ConcurrentFragments(4).
		FragmentRetries(fmt.Sprintf("%d", e.settings.FragmentRetries)).
		NoPlaylist()
	for key, value := range headers {
		dl.AddHeaders(key + ":" + value)
	}

	dl.ProgressFunc(250*time.Millisecond, func(update ytdlp.ProgressUpdate) {
		if update.Status == ytdlp.ProgressStatusPostProcessing ||
			update.Status == ytdlp.ProgressStatusFinished {
			return
		}
		task.UpdateBytes(int64(update.DownloadedBytes), int64(update.TotalBytes))
		e.publish(task)
	})

	if _, err := dl.Run(ctx, streamURL, "--hls-use-mpegts"); err != nil {
		return models.NewDownloadError("yt-dlp download failed", err)
	}
	info, err := os.Stat(task.OutputPath)
	if err != nil || info.Size() == 0 {
		return models.NewDownloadError("yt-dlp produced no output file", err)
	}
	task.UpdateBytes(info.Size(), info.Size())
	return nil
}
