// Package hls assembles an HLS stream into a single local file by
// fetching every media segment concurrently and writing them back in
// playlist order.
package hls

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

// Segment is one media segment of a playlist. Length and Offset carry an
// optional #EXT-X-BYTERANGE window; Length is zero when the segment is a
// whole resource.
type Segment struct {
	URL      string
	Index    int
	Duration float64
	Length   int64
	Offset   int64
}

// Playlist is a parsed media playlist.
type Playlist struct {
	Version        string
	TargetDuration float64
	MediaSequence  int
	Segments       []Segment
	EndList        bool
	PlaylistType   string
}

// variant is one #EXT-X-STREAM-INF entry of a master playlist.
type variant struct {
	URL       string
	Bandwidth int
	Height    int
}

// ProgressCallback receives cumulative byte counts. totalEstimate is an
// extrapolation from the segments fetched so far, not an exact size.
type ProgressCallback func(downloadedBytes, totalEstimate int64, doneSegments, totalSegments int)

// Assembler downloads HLS streams.
type Assembler struct {
	client          *http.Client
	workers         int
	fragmentRetries int
}

// maxWorkers caps segment concurrency. CDNs rate-limit aggressive
// per-host fan-out well before four parallel fetches.
const maxWorkers = 4

// NewAssembler builds an assembler with at most min(connections, 4)
// segment workers and the given per-segment retry budget.
func NewAssembler(connections, fragmentRetries int) *Assembler {
	workers := connections
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}
	if fragmentRetries < 0 {
		fragmentRetries = 0
	}

	// Force HTTP/1.1 by disabling HTTP/2. CDN servers often reset
	// multiplexed HTTP/2 streams with INTERNAL_ERROR when many segments
	// are fetched concurrently over a single connection.
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: maxWorkers,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Assembler{
		client: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: transport,
		},
		workers:         workers,
		fragmentRetries: fragmentRetries,
	}
}

func (a *Assembler) get(ctx context.Context, rawURL string, headers map[string]string, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	return a.client.Do(req) // #nosec G704
}

func (a *Assembler) fetchLines(ctx context.Context, rawURL string, headers map[string]string) ([]string, error) {
	resp, err := a.get(ctx, rawURL, headers, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewNetworkError(rawURL, resp.StatusCode, nil)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// resolveURL makes line absolute against the playlist URL.
func resolveURL(baseURL, line string) string {
	if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
		return line
	}
	if idx := strings.LastIndex(baseURL, "/"); idx != -1 {
		return baseURL[:idx+1] + line
	}
	return baseURL + "/" + line
}

var (
	bandwidthRe  = regexp.MustCompile(`BANDWIDTH=(\d+)`)
	resolutionRe = regexp.MustCompile(`RESOLUTION=\d+x(\d+)`)
)

func parseVariants(lines []string, baseURL string) []variant {
	var variants []variant
	for i, line := range lines {
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			continue
		}
		v := variant{}
		if m := bandwidthRe.FindStringSubmatch(line); len(m) > 1 {
			v.Bandwidth, _ = strconv.Atoi(m[1])
		}
		if m := resolutionRe.FindStringSubmatch(line); len(m) > 1 {
			v.Height, _ = strconv.Atoi(m[1])
		}
		for j := i + 1; j < len(lines); j++ {
			next := lines[j]
			if next == "" {
				continue
			}
			if !strings.HasPrefix(next, "#") {
				v.URL = resolveURL(baseURL, next)
			}
			break
		}
		if v.URL != "" {
			variants = append(variants, v)
		}
	}
	return variants
}

// selectVariant picks the variant for the requested rung: the highest
// height not exceeding it, else the lowest available. Bandwidth breaks
// ties and orders variants without resolution tags.
func selectVariant(variants []variant, quality models.Quality) string {
	if len(variants) == 0 {
		return ""
	}

	better := func(v, cur variant) bool {
		if v.Height != cur.Height {
			return v.Height > cur.Height
		}
		return v.Bandwidth > cur.Bandwidth
	}

	var best *variant
	for i := range variants {
		v := &variants[i]
		if v.Height > int(quality) {
			continue
		}
		if best == nil || better(*v, *best) {
			best = v
		}
	}
	if best != nil {
		return best.URL
	}

	// everything exceeds the request: take the lowest
	lowest := &variants[0]
	for i := range variants[1:] {
		v := &variants[i+1]
		if v.Height < lowest.Height || (v.Height == lowest.Height && v.Bandwidth < lowest.Bandwidth) {
			lowest = v
		}
	}
	return lowest.URL
}

// ParsePlaylist fetches the playlist at rawURL, following a master
// playlist into the variant matching quality.
func (a *Assembler) ParsePlaylist(ctx context.Context, rawURL string, headers map[string]string, quality models.Quality) (*Playlist, error) {
	lines, err := a.fetchLines(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}

	master := false
	for _, line := range lines {
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			master = true
			break
		}
	}
	if master {
		mediaURL := selectVariant(parseVariants(lines, rawURL), quality)
		if mediaURL == "" {
			return nil, models.NewDownloadError("no playable variant in master playlist", nil)
		}
		util.Debugf("hls: selected variant %s", mediaURL)
		lines, err = a.fetchLines(ctx, mediaURL, headers)
		if err != nil {
			return nil, err
		}
		rawURL = mediaURL
	}

	return parseMediaPlaylist(lines, rawURL)
}

func parseMediaPlaylist(lines []string, baseURL string) (*Playlist, error) {
	playlist := &Playlist{Segments: make([]Segment, 0)}

	var pendingDuration float64
	var pendingLength, pendingOffset int64
	var haveRange bool
	var nextOffset int64
	haveInf := false

	for _, line := range lines {
		switch {
		case line == "" || line == "#EXTM3U":
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			playlist.Version = strings.TrimPrefix(line, "#EXT-X-VERSION:")
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			playlist.TargetDuration, _ = strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			playlist.MediaSequence, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			playlist.PlaylistType = strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")
		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			playlist.EndList = true
		case strings.HasPrefix(line, "#EXTINF:"):
			inf := strings.TrimPrefix(line, "#EXTINF:")
			parts := strings.SplitN(inf, ",", 2)
			pendingDuration, _ = strconv.ParseFloat(strings.TrimRight(parts[0], ", "), 64)
			haveInf = true
		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			// length[@offset]; a missing offset continues from the
			// previous range's end
			spec := strings.TrimPrefix(line, "#EXT-X-BYTERANGE:")
			var length, offset int64
			var err error
			if at := strings.IndexByte(spec, '@'); at >= 0 {
				length, err = strconv.ParseInt(spec[:at], 10, 64)
				if err == nil {
					offset, err = strconv.ParseInt(spec[at+1:], 10, 64)
				}
			} else {
				length, err = strconv.ParseInt(spec, 10, 64)
				offset = nextOffset
			}
			if err == nil && length > 0 {
				pendingLength, pendingOffset = length, offset
				nextOffset = offset + length
				haveRange = true
			}
		case strings.HasPrefix(line, "#"):
		default:
			if !haveInf {
				continue
			}
			seg := Segment{
				URL:      resolveURL(baseURL, line),
				Index:    len(playlist.Segments),
				Duration: pendingDuration,
			}
			if haveRange {
				seg.Length, seg.Offset = pendingLength, pendingOffset
			}
			playlist.Segments = append(playlist.Segments, seg)
			pendingDuration, pendingLength, pendingOffset = 0, 0, 0
			haveInf, haveRange = false, false
		}
	}

	return playlist, nil
}

func (s Segment) rangeHeader() string {
	if s.Length <= 0 {
		return ""
	}
	return fmt.Sprintf("bytes=%d-%d", s.Offset, s.Offset+s.Length-1)
}

func (a *Assembler) downloadSegment(ctx context.Context, seg Segment, headers map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= a.fragmentRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		resp, err := a.get(ctx, seg.URL, headers, seg.rangeHeader())
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			lastErr = models.NewNetworkError(seg.URL, resp.StatusCode, nil)
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("segment %d failed after %d attempts: %w", seg.Index, a.fragmentRetries+1, lastErr)
}

func sanitizeOutputPath(path string) (string, error) {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if strings.Contains(absPath, "..") {
		return "", fmt.Errorf("path contains directory traversal")
	}
	return absPath, nil
}

// Download assembles the stream at rawURL into output. Progress is
// reported per completed segment with a byte total extrapolated from the
// average segment size so far.
func (a *Assembler) Download(ctx context.Context, rawURL, output string, headers map[string]string, quality models.Quality, progress ProgressCallback) error {
	playlist, err := a.ParsePlaylist(ctx, rawURL, headers, quality)
	if err != nil {
		return models.NewDownloadError("failed to parse playlist", err)
	}
	if len(playlist.Segments) == 0 {
		return models.NewDownloadError("playlist has no segments", nil)
	}

	output, err = sanitizeOutputPath(output)
	if err != nil {
		return models.NewValidationError("invalid output path: " + err.Error())
	}
	if err = os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return models.NewDownloadError("failed to create output directory", err)
	}
	outFile, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 - path sanitized above
	if err != nil {
		return models.NewDownloadError("failed to create output file", err)
	}
	defer func() { _ = outFile.Close() }()

	totalSegments := len(playlist.Segments)
	var doneSegments int32
	var downloadedBytes int64

	type result struct {
		index int
		data  []byte
		err   error
	}
	jobs := make(chan Segment, totalSegments)
	results := make(chan result, totalSegments)

	var wg sync.WaitGroup
	for i := 0; i < a.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seg := range jobs {
				select {
				case <-ctx.Done():
					results <- result{index: seg.Index, err: ctx.Err()}
					continue
				default:
				}
				data, err := a.downloadSegment(ctx, seg, headers)
				results <- result{index: seg.Index, data: data, err: err}
			}
		}()
	}

	for _, seg := range playlist.Segments {
		jobs <- seg
	}
	close(jobs)

	// Collect out-of-order results and flush sequential runs so the
	// output file is written strictly in playlist order.
	buffer := make(map[int][]byte)
	nextIndex := 0
	failed := 0
	var firstErr error

	for i := 0; i < totalSegments; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-results:
			if res.err != nil {
				failed++
				if firstErr == nil {
					firstErr = res.err
				}
				buffer[res.index] = nil
			} else {
				buffer[res.index] = res.data
				atomic.AddInt64(&downloadedBytes, int64(len(res.data)))
			}
			done := atomic.AddInt32(&doneSegments, 1)

			for {
				data, ok := buffer[nextIndex]
				if !ok {
					break
				}
				if data != nil {
					if _, err := outFile.Write(data); err != nil && firstErr == nil {
						firstErr = fmt.Errorf("failed to write segment %d: %w", nextIndex, err)
					}
				}
				delete(buffer, nextIndex)
				nextIndex++
			}

			if progress != nil {
				bytes := atomic.LoadInt64(&downloadedBytes)
				estimate := bytes
				if done > 0 {
					estimate = bytes * int64(totalSegments) / int64(done)
				}
				progress(bytes, estimate, int(done), totalSegments)
			}
		}
	}

	wg.Wait()

	// Any segment still missing after its retries leaves a gap in the
	// output, so the whole download fails.
	if failed > 0 {
		return models.NewDownloadError(
			fmt.Sprintf("download incomplete: %d/%d segments failed", failed, totalSegments), firstErr)
	}

	return nil
}
