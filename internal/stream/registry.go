package stream

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// JobKind distinguishes the two supervised stream shapes.
type JobKind string

const (
	// FileStream transcodes a local library file.
	FileStream JobKind = "file"
	// URLStream relays a remote source, typically after URL resolution.
	URLStream JobKind = "url"
)

// StreamJob is the registry's view of one live transcode. The engine owns the
// mutable fields; everything here is written under the job's own mutex except
// the identity fields, which are fixed at admission.
type StreamJob struct {
	ID         string
	Kind       JobKind
	Source     string
	Target     string
	PlaylistID string
	StartedAt  time.Time

	supervisor supervisorHandle

	onTerminal func(id string, outcome Outcome)

	mu                sync.Mutex
	progress          float64
	durationSeconds   float64
	stopRequested     bool
	terminated        bool
	lastDiagnostic    string
	lastProgressWrite time.Time
	lastProgressPct   float64

	// terminalOnce guarantees exactly one terminal persistence per job, so a
	// cancel that already wrote its record suppresses the natural exit write.
	terminalOnce sync.Once
}

// Progress reports the most recent progress value: a percentage when the
// media duration is known, raw elapsed seconds otherwise.
func (j *StreamJob) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// StopRequested reports whether a stop has been requested for this job.
func (j *StreamJob) StopRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopRequested
}

// Registry tracks which stream identifiers currently have a live process. It
// is the single admission gate: TryAdmit is the only way in, and its
// check-and-insert runs under one lock so two concurrent starts for the same
// id cannot both succeed.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*StreamJob
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*StreamJob)}
}

// TryAdmit inserts job under its id, failing with ErrAlreadyActive when the
// id is already live. Nothing is spawned before admission succeeds.
func (r *Registry) TryAdmit(job *StreamJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("%w: stream %s", ErrAlreadyActive, job.ID)
	}
	r.jobs[job.ID] = job
	return nil
}

// Get returns the live job for id, or nil when none is active.
func (r *Registry) Get(id string) *StreamJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

// Remove drops id from the registry. Safe to call for ids that are not
// present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// ListIDs returns the active stream ids in sorted order.
func (r *Registry) ListIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the active jobs, sorted by id.
func (r *Registry) List() []*StreamJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]*StreamJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs
}

// Len reports how many streams are currently admitted.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
