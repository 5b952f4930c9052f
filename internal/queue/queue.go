// Package queue implements ixchel's sync queue and worker (spec.md §4.9):
// per-(repo, tool) coalescing, a Queued→Running→Done/Error job state
// machine, and a broadcast-on-completion Wait call. Grounded on the
// teacher's cmd/bd/daemon_event_loop.go (debounced-trigger / ticker-driven
// run loop shape, parent-liveness and periodic-tick patterns) and
// cmd/bd/daemon_status.go (worker status payload shape).
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a SyncJob's lifecycle state.
type State int

const (
	Queued State = iota
	Running
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s == Done || s == Error }

// Key identifies one coalescing slot: a repository root plus the calling
// tool's name (e.g. "watcher", "cli", "mcp").
type Key struct {
	RepoRoot string
	Tool     string
}

// Stats summarizes a completed sync, mirroring the teacher's worker status
// payload shape (counts the orchestrator reports).
type Stats struct {
	Scanned int
	Inserted int
	Updated  int
	Skipped  int
	Reembedded int
	Deleted    int
	Renamed    int
	Duration   time.Duration
}

// Job is one sync job tracked by the queue.
type Job struct {
	ID          string
	Key         Key
	Directory   string
	Force       bool
	State       State
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Stats       Stats
	Err         error

	mu   sync.Mutex
	done chan struct{}
}

func newJob(key Key, dir string, force bool) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Key:      key,
		Directory: dir,
		Force:    force,
		State:    Queued,
		QueuedAt: time.Now(),
		done:     make(chan struct{}),
	}
}

// transition moves the job to a terminal state and closes its done channel,
// broadcasting completion to every Wait caller (spec.md §4.9).
func (j *Job) transition(state State, stats Stats, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.State = state
	j.CompletedAt = time.Now()
	j.Stats = stats
	j.Err = err
	close(j.done)
}

// snapshot returns a copy of the job's exported fields, safe to read
// without racing a concurrent transition.
func (j *Job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *j
	cp.done = nil
	return cp
}

// Runner executes the sync orchestrator for a job's directory. Returning
// an error transitions the job to Error; a panic is recovered and also
// reported as Error, matching spec.md §4.9's worker contract.
type Runner func(job *Job) (Stats, error)

// Queue holds pending/running jobs and coalesces enqueue calls per
// (repo, tool), per spec.md §4.9.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending map[Key]string
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		jobs:    make(map[string]*Job),
		pending: make(map[Key]string),
	}
}

// Enqueue installs a new job, or returns an existing Queued job for the
// same (repo, tool) when force is false (coalescing).
func (q *Queue) Enqueue(repoRoot, tool, dir string, force bool) (job *Job, isNew bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := Key{RepoRoot: repoRoot, Tool: tool}
	if !force {
		if id, ok := q.pending[key]; ok {
			if existing, ok := q.jobs[id]; ok && existing.snapshot().State == Queued {
				return existing, false
			}
		}
	}

	j := newJob(key, dir, force)
	q.jobs[j.ID] = j
	q.pending[key] = j.ID
	return j, true
}

// Get returns a job snapshot by id.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// NextQueued pops the oldest Queued job (FIFO by QueuedAt) and marks it
// Running, or returns ok=false if none are waiting.
func (q *Queue) NextQueued() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *Job
	for _, j := range q.jobs {
		if j.snapshot().State != Queued {
			continue
		}
		if oldest == nil || j.QueuedAt.Before(oldest.QueuedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, false
	}
	oldest.mu.Lock()
	oldest.State = Running
	oldest.StartedAt = time.Now()
	oldest.mu.Unlock()
	return oldest, true
}

// Run executes runner against job, recovering a panic into an Error
// transition, then transitions to Done or Error.
func (q *Queue) Run(job *Job, runner Runner) {
	defer func() {
		if r := recover(); r != nil {
			job.transition(Error, Stats{}, fmt.Errorf("queue: sync panicked: %v", r))
		}
	}()
	stats, err := runner(job)
	if err != nil {
		job.transition(Error, stats, err)
		return
	}
	job.transition(Done, stats, nil)
}

// Wait blocks until job reaches a terminal state or timeout elapses,
// returning the final snapshot and ok=false on timeout.
func (q *Queue) Wait(id string, timeout time.Duration) (Job, bool) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return Job{}, false
	}

	snap := j.snapshot()
	if snap.State.Terminal() {
		return snap, true
	}

	select {
	case <-j.done:
		return j.snapshot(), true
	case <-time.After(timeout):
		return Job{}, false
	}
}

// Pending reports whether any job, for any key, is Queued or Running, used by
// the IPC server's idle-timeout check (spec.md §4.11): the daemon may not
// shut down while work is outstanding.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		s := j.snapshot().State
		if s == Queued || s == Running {
			return true
		}
	}
	return false
}

// Keys returns every (repo, tool) key that has ever had a job enqueued,
// for the IPC server's Status command (spec.md §6.3).
func (q *Queue) Keys() []Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[Key]bool)
	keys := make([]Key, 0, len(q.jobs))
	for _, j := range q.jobs {
		if seen[j.Key] {
			continue
		}
		seen[j.Key] = true
		keys = append(keys, j.Key)
	}
	return keys
}

// KeyCounts reports how many jobs for key are currently Queued and Running,
// for the IPC server's Status command.
func (q *Queue) KeyCounts(key Key) (pending, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Key != key {
			continue
		}
		switch j.snapshot().State {
		case Queued:
			pending++
		case Running:
			active++
		}
	}
	return pending, active
}
