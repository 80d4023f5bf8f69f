package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verigo/verigo/pkg/plog"
)

// Stage identifies the phase a run is currently in.
type Stage int

const (
	StageIdle Stage = iota
	StageScanning
	StageDiffing
	StageChecksumming
	StageSyncing
	StageComparing
	StageFinalizing
	StageCompleted
	StageCancelled
	StageFailed
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageScanning:
		return "scanning"
	case StageDiffing:
		return "diffing"
	case StageChecksumming:
		return "checksumming"
	case StageSyncing:
		return "syncing"
	case StageComparing:
		return "comparing"
	case StageFinalizing:
		return "finalizing"
	case StageCompleted:
		return "completed"
	case StageCancelled:
		return "cancelled"
	case StageFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown_stage(%d)", s)
}

// Terminal reports whether the stage is a terminal state.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCancelled || s == StageFailed
}

// Counters holds the atomic counters shared between the controller, the
// checksum workers and the sync executor. It is the only state mutated
// concurrently during a run; all increments are atomic. It is explicitly
// passed, never a package-level singleton.
type Counters struct {
	FilesViewed    atomic.Int64
	DirsViewed     atomic.Int64
	SymlinksViewed atomic.Int64
	UnknownViewed  atomic.Int64

	ChecksumsOK  atomic.Int64
	ChecksumsErr atomic.Int64

	CopiedOK       atomic.Int64
	CopiedErr      atomic.Int64
	DeletedOK      atomic.Int64
	DeletedErr     atomic.Int64
	DirsCreatedOK  atomic.Int64
	DirsCreatedErr atomic.Int64

	ValidatedOK       atomic.Int64
	ValidatedMismatch atomic.Int64
	ValidatedMissing  atomic.Int64

	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
}

// ErrorCount sums every error counter.
func (c *Counters) ErrorCount() int64 {
	return c.ChecksumsErr.Load() + c.CopiedErr.Load() + c.DeletedErr.Load() + c.DirsCreatedErr.Load()
}

// Snapshot is a read-only copy of the counters plus stage and timing
// figures, handed to the external progress consumer.
type Snapshot struct {
	Stage  Stage
	Paused bool

	FilesViewed    int64
	DirsViewed     int64
	SymlinksViewed int64
	UnknownViewed  int64

	ChecksumsOK  int64
	ChecksumsErr int64

	CopiedOK       int64
	CopiedErr      int64
	DeletedOK      int64
	DeletedErr     int64
	DirsCreatedOK  int64
	DirsCreatedErr int64

	ValidatedOK       int64
	ValidatedMismatch int64
	ValidatedMissing  int64

	BytesRead    int64
	BytesWritten int64

	Elapsed                 time.Duration
	EstimatedRemainingStage time.Duration
	EstimatedRemainingTotal time.Duration
}

// Tracker owns the stage/ETA bookkeeping for one run. Stage transitions and
// step updates happen only on the controller goroutine; Snapshot may be
// called from any goroutine.
type Tracker struct {
	counters *Counters

	mu          sync.Mutex
	stage       Stage
	paused      bool
	stageIndex  int // 1-based index of the current stage
	stagesTotal int
	runStart    time.Time
	stageStart  time.Time
	stageDone   int
	stageTotal  int
}

// NewTracker creates a tracker over the given counters.
func NewTracker(counters *Counters) *Tracker {
	return &Tracker{counters: counters, stage: StageIdle}
}

// StartRun resets timing for a fresh run with the given number of stages.
func (t *Tracker) StartRun(stagesTotal int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runStart = time.Now()
	t.stagesTotal = stagesTotal
	t.stageIndex = 0
	t.stage = StageIdle
	t.paused = false
	t.stageDone, t.stageTotal = 0, 0
}

// EnterStage switches to the given stage with the expected number of items.
// Pass 0 when the item count is unknown (e.g. scanning).
func (t *Tracker) EnterStage(stage Stage, totalItems int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = stage
	if !stage.Terminal() {
		t.stageIndex++
	}
	t.stageStart = time.Now()
	t.stageDone = 0
	t.stageTotal = totalItems
}

// Step records n completed items within the current stage.
func (t *Tracker) Step(n int) {
	t.mu.Lock()
	t.stageDone += n
	t.mu.Unlock()
}

// SetPaused flips the published paused flag.
func (t *Tracker) SetPaused(paused bool) {
	t.mu.Lock()
	t.paused = paused
	t.mu.Unlock()
}

// Stage returns the current stage.
func (t *Tracker) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Snapshot captures the counters and timing estimates. The per-stage
// estimate extrapolates the current stage's item rate; the total estimate
// weighs stages equally, mirroring how overall progress is reported.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	stage := t.stage
	paused := t.paused
	stageIndex, stagesTotal := t.stageIndex, t.stagesTotal
	runStart, stageStart := t.runStart, t.stageStart
	done, total := t.stageDone, t.stageTotal
	t.mu.Unlock()

	snap := Snapshot{
		Stage:  stage,
		Paused: paused,

		FilesViewed:    t.counters.FilesViewed.Load(),
		DirsViewed:     t.counters.DirsViewed.Load(),
		SymlinksViewed: t.counters.SymlinksViewed.Load(),
		UnknownViewed:  t.counters.UnknownViewed.Load(),

		ChecksumsOK:  t.counters.ChecksumsOK.Load(),
		ChecksumsErr: t.counters.ChecksumsErr.Load(),

		CopiedOK:       t.counters.CopiedOK.Load(),
		CopiedErr:      t.counters.CopiedErr.Load(),
		DeletedOK:      t.counters.DeletedOK.Load(),
		DeletedErr:     t.counters.DeletedErr.Load(),
		DirsCreatedOK:  t.counters.DirsCreatedOK.Load(),
		DirsCreatedErr: t.counters.DirsCreatedErr.Load(),

		ValidatedOK:       t.counters.ValidatedOK.Load(),
		ValidatedMismatch: t.counters.ValidatedMismatch.Load(),
		ValidatedMissing:  t.counters.ValidatedMissing.Load(),

		BytesRead:    t.counters.BytesRead.Load(),
		BytesWritten: t.counters.BytesWritten.Load(),
	}

	if runStart.IsZero() {
		return snap
	}
	snap.Elapsed = time.Since(runStart)

	if done > 0 && total > done {
		stageElapsed := time.Since(stageStart)
		snap.EstimatedRemainingStage = time.Duration(float64(stageElapsed) / float64(done) * float64(total-done))
	}

	if stagesTotal > 0 && stageIndex > 0 && !stage.Terminal() {
		frac := 0.0
		if total > 0 {
			frac = float64(done) / float64(total)
			if frac > 1 {
				frac = 1
			}
		}
		progressTotal := (float64(stageIndex-1) + frac) / float64(stagesTotal)
		if progressTotal > 1 {
			progressTotal = 1
		}
		if progressTotal > 0 {
			snap.EstimatedRemainingTotal = time.Duration(float64(snap.Elapsed) * (1 - progressTotal) / progressTotal)
		}
	}
	return snap
}

// LogSummary prints the counter totals with a custom message.
func (s Snapshot) LogSummary(msg string) {
	plog.Info(msg,
		"stage", s.Stage.String(),
		"files_viewed", s.FilesViewed,
		"dirs_viewed", s.DirsViewed,
		"symlinks_viewed", s.SymlinksViewed,
		"unknown_viewed", s.UnknownViewed,
		"checksums_ok", s.ChecksumsOK,
		"checksums_err", s.ChecksumsErr,
		"copied_ok", s.CopiedOK,
		"copied_err", s.CopiedErr,
		"deleted_ok", s.DeletedOK,
		"deleted_err", s.DeletedErr,
		"dirs_created_ok", s.DirsCreatedOK,
		"dirs_created_err", s.DirsCreatedErr,
		"validated_ok", s.ValidatedOK,
		"validated_mismatch", s.ValidatedMismatch,
		"validated_missing", s.ValidatedMissing,
		"elapsed", s.Elapsed.Round(time.Millisecond),
	)
}
