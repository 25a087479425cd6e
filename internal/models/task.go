package models

import (
	"fmt"
	"sync"
	"time"
)

// TaskStatus is the lifecycle state of a download task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "PENDING"
	StatusDownloading TaskStatus = "DOWNLOADING"
	StatusPaused      TaskStatus = "PAUSED"
	StatusCompleted   TaskStatus = "COMPLETED"
	StatusFailed      TaskStatus = "FAILED"
	StatusCancelled   TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions encodes the task state machine: PENDING→DOWNLOADING,
// DOWNLOADING↔PAUSED, DOWNLOADING→{COMPLETED,FAILED,CANCELLED}.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:     {StatusDownloading, StatusCancelled},
	StatusDownloading: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:      {StatusDownloading, StatusCancelled},
}

// DownloadTask is the mutable record the download engine owns for one
// episode download. Only the owning worker mutates it; readers see
// snapshots through the progress aggregator.
type DownloadTask struct {
	mu sync.Mutex

	Episode    Episode
	Quality    Quality
	OutputPath string

	StreamURL string
	Headers   map[string]string

	Status     TaskStatus
	Progress   float64
	TotalBytes int64
	Downloaded int64
	Speed      float64
	ETASeconds int

	StartTime  time.Time
	EndTime    time.Time
	LastError  string
	RetryCount int
}

// NewDownloadTask creates a PENDING task for the episode at the given
// quality. A quality the episode does not offer falls back to its best.
func NewDownloadTask(ep Episode, quality Quality, outputPath string) *DownloadTask {
	if !ep.HasQuality(quality) {
		quality = ep.BestQuality()
	}
	return &DownloadTask{
		Episode:    ep,
		Quality:    quality,
		OutputPath: outputPath,
		Status:     StatusPending,
	}
}

// Key identifies the task for progress reporting; stable across the
// task's lifetime.
func (t *DownloadTask) Key() string {
	return fmt.Sprintf("%s#%d@%s", t.Episode.Source, t.Episode.Number, t.Quality)
}

// Transition moves the task to next, enforcing the state machine.
func (t *DownloadTask) Transition(next TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, allowed := range validTransitions[t.Status] {
		if allowed == next {
			t.Status = next
			switch next {
			case StatusDownloading:
				if t.StartTime.IsZero() {
					t.StartTime = time.Now()
				}
			case StatusCompleted:
				t.EndTime = time.Now()
				t.Progress = 100.0
			case StatusFailed, StatusCancelled:
				t.EndTime = time.Now()
			}
			return nil
		}
	}
	return NewValidationError(fmt.Sprintf("invalid task transition %s -> %s", t.Status, next))
}

// UpdateBytes records download progress and recomputes percent, speed
// and ETA. Downloaded is clamped to total when the total is known.
func (t *DownloadTask) UpdateBytes(downloaded, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if total > 0 {
		t.TotalBytes = total
		if downloaded > total {
			downloaded = total
		}
	}
	t.Downloaded = downloaded
	if t.TotalBytes > 0 {
		t.Progress = float64(t.Downloaded) / float64(t.TotalBytes) * 100.0
	}
	if !t.StartTime.IsZero() {
		elapsed := time.Since(t.StartTime).Seconds()
		if elapsed > 0 {
			t.Speed = float64(t.Downloaded) / elapsed
			if t.TotalBytes > 0 && t.Speed > 0 {
				t.ETASeconds = int(float64(t.TotalBytes-t.Downloaded) / t.Speed)
			}
		}
	}
}

// SetRetryCount records the current retry attempt.
func (t *DownloadTask) SetRetryCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RetryCount = n
}

// SetError records the last failure message.
func (t *DownloadTask) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.LastError = err.Error()
	}
}

// Snapshot returns a copy safe to hand to readers.
func (t *DownloadTask) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		Key:        t.Key(),
		Episode:    t.Episode.Number,
		Source:     t.Episode.Source,
		Quality:    t.Quality,
		OutputPath: t.OutputPath,
		Status:     t.Status,
		Progress:   t.Progress,
		TotalBytes: t.TotalBytes,
		Downloaded: t.Downloaded,
		Speed:      t.Speed,
		ETASeconds: t.ETASeconds,
		StartTime:  t.StartTime,
		EndTime:    t.EndTime,
		LastError:  t.LastError,
		RetryCount: t.RetryCount,
	}
}

// CurrentStatus reads the status under the task lock.
func (t *DownloadTask) CurrentStatus() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// TaskSnapshot is the immutable view of a task handed to callers and to
// the progress aggregator consumer.
type TaskSnapshot struct {
	Key        string
	Episode    int
	Source     string
	Quality    Quality
	OutputPath string
	Status     TaskStatus
	Progress   float64
	TotalBytes int64
	Downloaded int64
	Speed      float64
	ETASeconds int
	StartTime  time.Time
	EndTime    time.Time
	LastError  string
	RetryCount int
}
