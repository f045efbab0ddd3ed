// Package logbuf holds boot log lines for running droplets and fans them out
// to live subscribers. Buffers live only as long as the process; logs are a
// diagnostic aid, not a system of record.
package logbuf

import "sync"

// DefaultMaxLines caps the per-job buffer. When exceeded the oldest lines are
// dropped so replay reflects only the most recent output.
const DefaultMaxLines = 10000

// Subscriber receives every line appended to a job after registration.
type Subscriber func(line string)

type jobBuffer struct {
	lines []string
	subs  map[int64]Subscriber
}

// Registry maps numeric job ids to append-only line buffers plus the set of
// live subscribers. All operations are safe for concurrent use; delivery to
// subscribers happens synchronously under the registry lock, so append order
// is the delivery order for every subscriber.
type Registry struct {
	mu       sync.Mutex
	maxLines int
	nextSub  int64
	jobs     map[int64]*jobBuffer
}

// NewRegistry returns an empty registry. maxLines <= 0 selects
// DefaultMaxLines.
func NewRegistry(maxLines int) *Registry {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Registry{
		maxLines: maxLines,
		jobs:     make(map[int64]*jobBuffer),
	}
}

func (r *Registry) job(id int64) *jobBuffer {
	jb, ok := r.jobs[id]
	if !ok {
		jb = &jobBuffer{subs: make(map[int64]Subscriber)}
		r.jobs[id] = jb
	}
	return jb
}

// Append records line for the job and delivers it to every current
// subscriber in registration-independent but append-consistent order.
func (r *Registry) Append(jobID int64, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jb := r.job(jobID)
	jb.lines = append(jb.lines, line)
	if over := len(jb.lines) - r.maxLines; over > 0 {
		jb.lines = jb.lines[over:]
	}

	for _, fn := range jb.subs {
		fn(line)
	}
}

// Lines returns a copy of everything appended so far for the job, in append
// order. An unknown job yields an empty slice.
func (r *Registry) Lines(jobID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	jb, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	out := make([]string, len(jb.lines))
	copy(out, jb.lines)
	return out
}

// Subscribe registers fn for every line appended to the job from now on and
// returns a cancel function that removes exactly this subscription. Cancel is
// idempotent.
func (r *Registry) Subscribe(jobID int64, fn Subscriber) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked(jobID, fn)
}

func (r *Registry) subscribeLocked(jobID int64, fn Subscriber) func() {
	jb := r.job(jobID)
	r.nextSub++
	id := r.nextSub
	jb.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if jb, ok := r.jobs[jobID]; ok {
			delete(jb.subs, id)
		}
	}
}

// Attach atomically snapshots the buffered lines and registers fn, so no line
// appended between replay and subscription can be missed or duplicated. The
// streaming handler replays the snapshot before draining live deliveries.
func (r *Registry) Attach(jobID int64, fn Subscriber) ([]string, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jb := r.job(jobID)
	replay := make([]string, len(jb.lines))
	copy(replay, jb.lines)

	return replay, r.subscribeLocked(jobID, fn)
}

// HasSubscribers reports whether at least one subscriber is registered for
// the job.
func (r *Registry) HasSubscribers(jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	jb, ok := r.jobs[jobID]
	return ok && len(jb.subs) > 0
}

// Drop releases the job's buffer and subscriber set. The reaper calls this
// after archiving a droplet so log memory follows the droplet lifecycle.
func (r *Registry) Drop(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}
