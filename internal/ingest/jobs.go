package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/workerpool"
)

// JobState is the lifecycle of a background hierarchy build.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is the handle returned for an asynchronous hierarchy build.
type Job struct {
	ID          string     `json:"id"`
	MessageID   string     `json:"message_id"`
	State       JobState   `json:"state"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type jobEntry struct {
	job    Job
	future *workerpool.Future
}

// jobRegistry remembers recent jobs. Finished jobs beyond limit are
// forgotten oldest first; the message row keeps the durable status.
type jobRegistry struct {
	mu        sync.Mutex
	limit     int
	byID      map[string]*jobEntry
	byMessage map[string]string
	order     []string
}

func newJobRegistry(limit int) *jobRegistry {
	if limit <= 0 {
		limit = 1000
	}
	return &jobRegistry{limit: limit, byID: make(map[string]*jobEntry), byMessage: make(map[string]string)}
}

func (r *jobRegistry) add(id, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = &jobEntry{job: Job{ID: id, MessageID: messageID, State: JobQueued, SubmittedAt: time.Now().UTC()}}
	r.byMessage[messageID] = id
	r.order = append(r.order, id)
	r.trim()
}

func (r *jobRegistry) trim() {
	for len(r.order) > r.limit {
		oldest := r.byID[r.order[0]]
		if oldest != nil && oldest.job.FinishedAt == nil {
			return
		}
		if oldest != nil && r.byMessage[oldest.job.MessageID] == oldest.job.ID {
			delete(r.byMessage, oldest.job.MessageID)
		}
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *jobRegistry) attach(id string, f *workerpool.Future) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.future = f
	}
}

func (r *jobRegistry) start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok && e.job.State == JobQueued {
		e.job.State = JobRunning
	}
}

func (r *jobRegistry) finish(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	e.job.FinishedAt = &now
	e.job.State = JobDone
	if err != nil {
		e.job.State = JobFailed
		e.job.Error = err.Error()
	}
	if e.future == nil {
		e.future = workerpool.Resolved(err)
	}
	r.trim()
}

func (r *jobRegistry) get(id string) (Job, *workerpool.Future, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return Job{}, nil, false
	}
	return e.job, e.future, true
}

func (r *jobRegistry) forMessage(messageID string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byMessage[messageID]
	if !ok {
		return Job{}, false
	}
	return r.byID[id].job, true
}

// Job returns a job snapshot.
func (s *Service) Job(id string) (Job, error) {
	j, _, ok := s.jobs.get(id)
	if !ok {
		return Job{}, fmt.Errorf("ingest: job %s: %w", id, apperr.ErrNotFound)
	}
	return j, nil
}

// WaitJob blocks until the job finishes or ctx is done and returns its
// final snapshot. A failed build is reported in the job, not as an error.
func (s *Service) WaitJob(ctx context.Context, id string) (Job, error) {
	j, f, ok := s.jobs.get(id)
	if !ok {
		return Job{}, fmt.Errorf("ingest: job %s: %w", id, apperr.ErrNotFound)
	}
	if f == nil {
		// Submitted but the future is not attached yet; poll briefly.
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for f == nil {
			select {
			case <-ctx.Done():
				return j, ctx.Err()
			case <-ticker.C:
				if j, f, ok = s.jobs.get(id); !ok {
					return Job{}, fmt.Errorf("ingest: job %s: %w", id, apperr.ErrNotFound)
				}
			}
		}
	}
	select {
	case <-f.Done():
	case <-ctx.Done():
		return j, ctx.Err()
	}
	// finish runs inside the task, before the future resolves.
	j, _, _ = s.jobs.get(id)
	return j, nil
}
