package downloader

import (
	"sync"
	"time"

	"github.com/lucasmonteiro/anifetch/internal/models"
)

// ProgressEvent is one progress sample from a download worker. Samples
// are cumulative, so a sample dropped under load costs nothing: the next
// one carries the full state.
type ProgressEvent struct {
	TaskKey    string
	Status     models.TaskStatus
	Downloaded int64
	Total      int64 // zero when unknown
	Speed      float64
}

// ProgressState is the folded per-task view the consumer maintains.
type ProgressState struct {
	TaskKey    string
	Status     models.TaskStatus
	Downloaded int64
	Total      int64
	Speed      float64
	Percent    float64
}

// notifyInterval bounds UI refreshes to roughly 4 Hz.
const notifyInterval = 250 * time.Millisecond

// Aggregator decouples high-frequency worker updates from the UI: a
// bounded lossy queue feeds a single consumer that folds events into a
// state table and notifies at a bounded rate.
type Aggregator struct {
	events chan ProgressEvent
	stop   chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	table map[string]ProgressState

	notify func(states []ProgressState)
}

// NewAggregator starts the consumer. notify may be nil when no UI is
// attached; Snapshot still works.
func NewAggregator(queueSize int, notify func(states []ProgressState)) *Aggregator {
	if queueSize <= 0 {
		queueSize = 256
	}
	a := &Aggregator{
		events: make(chan ProgressEvent, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		table:  make(map[string]ProgressState),
		notify: notify,
	}
	go a.consume()
	return a
}

// Publish enqueues a sample without blocking; when the queue is full the
// sample is dropped. Terminal events are never dropped because Stop
// waits for every task to reach a terminal state.
func (a *Aggregator) Publish(ev ProgressEvent) {
	if ev.Status.Terminal() {
		select {
		case a.events <- ev:
		case <-a.done:
		}
		return
	}
	select {
	case a.events <- ev:
	default:
	}
}

func (a *Aggregator) consume() {
	defer close(a.done)
	ticker := time.NewTicker(notifyInterval)
	defer ticker.Stop()

	stopCh := a.stop
	stopping := false
	for {
		select {
		case ev := <-a.events:
			a.apply(ev)
			if stopping && a.allTerminal() {
				a.flush()
				return
			}
		case <-ticker.C:
			a.flush()
		case <-stopCh:
			stopCh = nil
			stopping = true
			if a.allTerminal() {
				a.flush()
				return
			}
		}
	}
}

func (a *Aggregator) apply(ev ProgressEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := ProgressState{
		TaskKey:    ev.TaskKey,
		Status:     ev.Status,
		Downloaded: ev.Downloaded,
		Total:      ev.Total,
		Speed:      ev.Speed,
		Percent:    derivePercent(ev),
	}
	a.table[ev.TaskKey] = state
}

// derivePercent computes the displayed percentage. Known totals use the
// exact ratio; unknown totals use an indeterminate estimate capped at 95
// until COMPLETED forces 100.
func derivePercent(ev ProgressEvent) float64 {
	if ev.Status == models.StatusCompleted {
		return 100.0
	}
	if ev.Total > 0 {
		pct := float64(ev.Downloaded) / float64(ev.Total) * 100.0
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	mb := float64(ev.Downloaded) / (1024 * 1024)
	pct := mb * 2
	if pct > 95 {
		pct = 95
	}
	return pct
}

func (a *Aggregator) allTerminal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range a.table {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

func (a *Aggregator) flush() {
	if a.notify == nil {
		return
	}
	a.notify(a.Snapshot())
}

// Snapshot returns a copy of the current task states.
func (a *Aggregator) Snapshot() []ProgressState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ProgressState, 0, len(a.table))
	for _, st := range a.table {
		out = append(out, st)
	}
	return out
}

// Stop signals the consumer and waits for it to drain. The consumer
// exits once every known task reached a terminal state.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}
