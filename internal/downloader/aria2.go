package downloader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

// Accelerator shells out to aria2c for multi-connection direct
// downloads. When the binary is missing the engine falls back to the
// single-connection path for the rest of the process.
type Accelerator struct {
	path         string
	connections  int
	split        int
	minSplitSize string

	probeOnce sync.Once
	available bool
}

func NewAccelerator(path string, connections, split int, minSplitSize string) *Accelerator {
	if path == "" {
		path = "aria2c"
	}
	if connections < 1 {
		connections = 16
	}
	if split < 1 {
		split = 16
	}
	if minSplitSize == "" {
		minSplitSize = "1M"
	}
	return &Accelerator{
		path:         path,
		connections:  connections,
		split:        split,
		minSplitSize: minSplitSize,
	}
}

// Available probes for the binary once per process. A missing binary is
// logged a single time and the answer is cached.
func (a *Accelerator) Available() bool {
	a.probeOnce.Do(func() {
		resolved, err := exec.LookPath(a.path)
		if err != nil {
			util.Warnf("accelerator %s not found, using single-connection downloads", a.path)
			return
		}
		probe, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exec.CommandContext(probe, resolved, "--version").Run(); err != nil {
			util.Warnf("accelerator %s failed version probe: %v", resolved, err)
			return
		}
		a.available = true
		util.Debugf("accelerator available at %s", resolved)
	})
	return a.available
}

// aria2ProgressRe matches aria2c summary lines such as
// [#1a2b3c 1.2MiB/3.4MiB(35%) CN:16 DL:500KiB ETA:5s]
var aria2ProgressRe = regexp.MustCompile(`\[#\w+\s+([\d.]+)(KiB|MiB|GiB|B)/([\d.]+)(KiB|MiB|GiB|B)\(\d+%\).*?DL:([\d.]+)(KiB|MiB|GiB|B)`)

func toBytes(value string, unit string) int64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch unit {
	case "KiB":
		f *= 1024
	case "MiB":
		f *= 1024 * 1024
	case "GiB":
		f *= 1024 * 1024 * 1024
	}
	return int64(f)
}

// parseProgressLine extracts (downloaded, total, speed bytes/s) from one
// aria2c console line; ok is false for non-progress lines.
func parseProgressLine(line string) (downloaded, total int64, speed float64, ok bool) {
	m := aria2ProgressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, 0, false
	}
	downloaded = toBytes(m[1], m[2])
	total = toBytes(m[3], m[4])
	speed = float64(toBytes(m[5], m[6]))
	return downloaded, total, speed, true
}

// Download runs aria2c for url into output, streaming parsed progress to
// the callback. Interrupted transfers resume from partial files.
func (a *Accelerator) Download(ctx context.Context, url, output string, headers map[string]string, progress func(downloaded, total int64, speed float64)) error {
	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return models.NewDownloadError("failed to create output directory", err)
	}

	args := []string{
		"-x", strconv.Itoa(a.connections),
		"-s", strconv.Itoa(a.split),
		"--min-split-size=" + a.minSplitSize,
		"--continue=true",
		"--allow-overwrite=true",
		"--auto-file-renaming=false",
		"--summary-interval=1",
		"--console-log-level=warn",
		"--download-result=hide",
		"-d", dir,
		"-o", filepath.Base(output),
	}
	for key, value := range headers {
		args = append(args, fmt.Sprintf("--header=%s: %s", key, value))
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, a.path, args...) // #nosec G204 - binary path comes from settings
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.NewDownloadError("cannot attach to accelerator output", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return models.NewDownloadError("cannot start accelerator", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if downloaded, total, speed, ok := parseProgressLine(line); ok && progress != nil {
			progress(downloaded, total, speed)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.NewDownloadError("accelerator exited with error", err)
	}
	return nil
}
