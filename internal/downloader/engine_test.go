package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasmonteiro/anifetch/internal/config"
	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
)

// resolverStub is a plugin whose ResolveStream always yields streamURL.
type resolverStub struct {
	name       string
	streamURL  string
	headers    map[string]string
	resolveErr error
}

func (s *resolverStub) Search(ctx context.Context, query string) ([]*models.AnimeResult, error) {
	return nil, nil
}

func (s *resolverStub) Episodes(ctx context.Context, animeURL string) ([]models.Episode, error) {
	return nil, nil
}

func (s *resolverStub) ResolveStream(ctx context.Context, episodeURL string, quality models.Quality) (string, map[string]string, error) {
	if s.resolveErr != nil {
		return "", nil, s.resolveErr
	}
	return s.streamURL, s.headers, nil
}

func (s *resolverStub) ValidateConnection(ctx context.Context) bool { return true }

func (s *resolverStub) Metadata() models.PluginMetadata {
	return models.PluginMetadata{Name: s.name, Version: "0.0.1"}
}

func (s *resolverStub) Cleanup() {}

func testEngine(t *testing.T, stub *resolverStub, mutate func(*config.Settings)) *Engine {
	t.Helper()

	r := plugin.NewRegistry()
	r.RegisterConstructor(stub.name, func(cfg map[string]interface{}) (plugin.Plugin, error) {
		return stub, nil
	})
	require.NoError(t, r.Load(map[string]models.SourceConfig{
		stub.name: {Enabled: true, Priority: 1},
	}))

	settings := config.DefaultSettings()
	settings.OutputDir = t.TempDir()
	settings.MaxRetries = 0
	settings.UseAccelerator = false
	if mutate != nil {
		mutate(&settings)
	}
	return NewEngine(r, settings, nil)
}

func testEpisode(source string, number int) models.Episode {
	return models.NewEpisode(number, "", fmt.Sprintf("https://site.example/anime/x/episode/%d", number),
		source, []models.Quality{models.QualityHigh, models.QualityMedium})
}

func TestEngineDownloadsDirectFile(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("a"), 1<<20)
	var gotReferer string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	stub := &resolverStub{
		name:      "stub",
		streamURL: server.URL + "/video.mp4",
		headers:   map[string]string{"Referer": "https://site.example/"},
	}
	engine := testEngine(t, stub, nil)

	snap, err := engine.DownloadEpisode(context.Background(), "My Show", testEpisode("stub", 1), models.QualityHigh)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, int64(len(payload)), snap.Downloaded)
	assert.Equal(t, "https://site.example/", gotReferer)

	data, err := os.ReadFile(snap.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestEngineCompletesZeroByteFile(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
	}))
	defer server.Close()

	stub := &resolverStub{name: "stub", streamURL: server.URL + "/empty.mp4"}
	engine := testEngine(t, stub, nil)

	snap, err := engine.DownloadEpisode(context.Background(), "My Show", testEpisode("stub", 2), models.QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.Progress)

	info, err := os.Stat(snap.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestEngineFailsOnClientError(t *testing.T) {
	t.Parallel()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	stub := &resolverStub{name: "stub", streamURL: server.URL + "/gone.mp4"}
	engine := testEngine(t, stub, func(s *config.Settings) { s.MaxRetries = 3 })

	snap, err := engine.DownloadEpisode(context.Background(), "My Show", testEpisode("stub", 3), models.QualityHigh)
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "4xx must not be retried")
}

func TestEngineFailsForUnknownSource(t *testing.T) {
	t.Parallel()

	stub := &resolverStub{name: "stub", streamURL: "http://unused.example/"}
	engine := testEngine(t, stub, nil)

	snap, err := engine.DownloadEpisode(context.Background(), "My Show", testEpisode("other-source", 1), models.QualityHigh)
	require.Error(t, err)
	var dlErr *models.DownloadError
	assert.True(t, errors.As(err, &dlErr))
	assert.Equal(t, models.StatusFailed, snap.Status)
}

func TestEnginePropagatesResolveFailure(t *testing.T) {
	t.Parallel()

	stub := &resolverStub{name: "stub", resolveErr: models.NewPluginError("stub", "no stream found")}
	engine := testEngine(t, stub, nil)

	snap, err := engine.DownloadEpisode(context.Background(), "My Show", testEpisode("stub", 4), models.QualityHigh)
	require.Error(t, err)
	var pluginErr *models.PluginError
	assert.True(t, errors.As(err, &pluginErr))
	assert.Equal(t, models.StatusFailed, snap.Status)
}

func TestEngineCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	stub := &resolverStub{name: "stub", streamURL: "http://unused.example/"}
	engine := testEngine(t, stub, func(s *config.Settings) { s.ConcurrentDownloads = 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// semaphore is free, so the cancelled context surfaces inside the
	// attempt; either way the task must end CANCELLED
	snap, err := engine.DownloadEpisode(ctx, "My Show", testEpisode("stub", 5), models.QualityHigh)
	require.Error(t, err)
	assert.Equal(t, models.StatusCancelled, snap.Status)
}

func TestEngineBatchRespectsConcurrencyBound(t *testing.T) {
	t.Parallel()

	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		_, _ = w.Write(bytes.Repeat([]byte("b"), 64<<10))
		atomic.AddInt32(&inFlight, -1)
	}))
	defer server.Close()

	stub := &resolverStub{name: "stub", streamURL: server.URL + "/ep.mp4"}
	engine := testEngine(t, stub, func(s *config.Settings) { s.ConcurrentDownloads = 2 })

	episodes := make([]models.Episode, 0, 5)
	for n := 1; n <= 5; n++ {
		episodes = append(episodes, testEpisode("stub", n))
	}

	snaps, err := engine.DownloadBatch(context.Background(), "My Show", episodes, models.QualityHigh)
	require.NoError(t, err)
	require.Len(t, snaps, 5)
	for _, snap := range snaps {
		assert.Equal(t, models.StatusCompleted, snap.Status)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestEngineBatchSerializesAtConcurrencyOne(t *testing.T) {
	t.Parallel()

	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("serial"))
		atomic.AddInt32(&inFlight, -1)
	}))
	defer server.Close()

	stub := &resolverStub{name: "stub", streamURL: server.URL + "/ep.mp4"}
	engine := testEngine(t, stub, func(s *config.Settings) { s.ConcurrentDownloads = 1 })

	episodes := make([]models.Episode, 0, 3)
	for n := 1; n <= 3; n++ {
		episodes = append(episodes, testEpisode("stub", n))
	}

	snaps, err := engine.DownloadBatch(context.Background(), "My Show", episodes, models.QualityHigh)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for _, snap := range snaps {
		assert.Equal(t, models.StatusCompleted, snap.Status)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "downloads must run strictly one at a time")
}

func TestEngineBatchCapsAtMaximumConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("capped"))
		atomic.AddInt32(&inFlight, -1)
	}))
	defer server.Close()

	stub := &resolverStub{name: "stub", streamURL: server.URL + "/ep.mp4"}
	engine := testEngine(t, stub, func(s *config.Settings) { s.ConcurrentDownloads = 10 })

	// one more task than the ceiling: the 11th has to wait its turn
	episodes := make([]models.Episode, 0, 11)
	for n := 1; n <= 11; n++ {
		episodes = append(episodes, testEpisode("stub", n))
	}

	snaps, err := engine.DownloadBatch(context.Background(), "My Show", episodes, models.QualityHigh)
	require.NoError(t, err)
	require.Len(t, snaps, 11)
	for _, snap := range snaps {
		assert.Equal(t, models.StatusCompleted, snap.Status)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(10))
}

func TestEngineTracksTasksByKey(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	stub := &resolverStub{name: "stub", streamURL: server.URL + "/ep.mp4"}
	engine := testEngine(t, stub, nil)

	snap, err := engine.DownloadEpisode(context.Background(), "My Show", testEpisode("stub", 9), models.QualityHigh)
	require.NoError(t, err)

	got, ok := engine.Task(snap.Key)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, got.Status)

	_, ok = engine.Task("missing#1@1080p")
	assert.False(t, ok)
}

func TestTerminalErrClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, terminalErr(models.NewValidationError("bad")))
	assert.True(t, terminalErr(models.NewPluginError("p", "no stream")))
	assert.True(t, terminalErr(models.NewDownloadError("broken", nil)))
	assert.True(t, terminalErr(models.NewNetworkError("u", http.StatusForbidden, nil)))
	assert.False(t, terminalErr(models.NewNetworkError("u", http.StatusBadGateway, nil)))
	assert.False(t, terminalErr(models.NewNetworkError("u", 0, errors.New("connection reset"))))
}

func TestEngineOutputPathLayout(t *testing.T) {
	t.Parallel()

	stub := &resolverStub{name: "stub"}
	engine := testEngine(t, stub, func(s *config.Settings) { s.OutputDir = "/downloads" })

	ep := models.NewEpisode(3, "The Night Before", "https://site.example/ep/3", "stub",
		[]models.Quality{models.QualityHigh})
	got := engine.OutputPath("My: Show", ep, models.QualityHigh)
	assert.Equal(t, "/downloads/My_ Show/My_ Show - E03 - The Night Before [1080p].mp4", got)
}
