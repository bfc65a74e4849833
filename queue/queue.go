// Package queue implements a priority job queue shared by any number of
// processes through a JSON state file guarded by a flock lock file.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cocoonstack/flockd/lock"
	"github.com/cocoonstack/flockd/lock/flock"
	"github.com/cocoonstack/flockd/storage"
	storejson "github.com/cocoonstack/flockd/storage/json"
	"github.com/cocoonstack/flockd/utils"
	"github.com/projecteru2/core/log"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrNotProcessing = errors.New("job is not processing")
	ErrWrongWorker   = errors.New("job is owned by another worker")

	// errEmpty aborts an Update that has nothing to write.
	errEmpty = errors.New("nothing to update")
)

// Job is one unit of work.
type Job struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Priority  int             `json:"priority"`
	Status    Status          `json:"status"`
	Created   time.Time       `json:"created"`
	Started   *time.Time      `json:"started,omitempty"`
	Completed *time.Time      `json:"completed,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Stats holds the queue-wide counters.
type Stats struct {
	TotalJobs     int `json:"total_jobs"`
	PendingJobs   int `json:"pending_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	ExpiredJobs   int `json:"expired_jobs"`
}

// WorkerStats aggregates the jobs handled by one worker.
type WorkerStats struct {
	JobsProcessed int       `json:"jobs_processed"`
	JobsCompleted int       `json:"jobs_completed"`
	JobsFailed    int       `json:"jobs_failed"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// State is the persisted queue.
type State struct {
	Jobs    map[string]*Job         `json:"jobs"`
	Stats   Stats                   `json:"stats"`
	Workers map[string]*WorkerStats `json:"workers"`
	Created time.Time               `json:"created"`
}

// Init implements storage.Initer.
func (s *State) Init() {
	if s.Jobs == nil {
		s.Jobs = make(map[string]*Job)
	}
	if s.Workers == nil {
		s.Workers = make(map[string]*WorkerStats)
	}
	if s.Created.IsZero() {
		s.Created = time.Now()
	}
}

func (s *State) worker(id string, now time.Time) *WorkerStats {
	ws := s.Workers[id]
	if ws == nil {
		ws = &WorkerStats{FirstSeen: now}
		s.Workers[id] = ws
	}
	ws.LastSeen = now
	return ws
}

// Queue is safe for concurrent use by goroutines and processes.
type Queue struct {
	path  string
	store storage.Store[State]
}

// New creates a Queue on top of store. path is the data file the store
// persists to; workers watch it for changes.
func New(path string, store storage.Store[State]) *Queue {
	return &Queue{path: path, store: store}
}

// Open creates a Queue persisted at path, locked through "<path>.lock".
func Open(path string, opts ...flock.Option) *Queue {
	lockPath := path + ".lock"
	return New(path, storejson.New[State](path, func() lock.Locker {
		return flock.NewAsync(lockPath, opts...)
	}))
}

// Path returns the data file path.
func (q *Queue) Path() string { return q.path }

// Add enqueues data with priority (higher runs first) and returns the job ID.
func (q *Queue) Add(ctx context.Context, data json.RawMessage, priority int) (string, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("job data is not valid JSON")
	}
	id := utils.GenerateID()
	if err := q.store.Update(ctx, func(s *State) error {
		for s.Jobs[id] != nil {
			id = utils.GenerateID()
		}
		s.Jobs[id] = &Job{
			ID:       id,
			Data:     data,
			Priority: priority,
			Status:   StatusPending,
			Created:  time.Now(),
		}
		s.Stats.TotalJobs++
		s.Stats.PendingJobs++
		return nil
	}); err != nil {
		return "", fmt.Errorf("add job: %w", err)
	}
	log.WithFunc("queue.Add").Infof(ctx, "job %s added (priority %d)", id, priority)
	return id, nil
}

// Next claims the highest-priority pending job for workerID, oldest first
// within a priority. ok is false when nothing is pending.
func (q *Queue) Next(ctx context.Context, workerID string) (job *Job, ok bool, err error) {
	err = q.store.Update(ctx, func(s *State) error {
		var best *Job
		for _, j := range s.Jobs {
			if j.Status != StatusPending {
				continue
			}
			if best == nil || j.Priority > best.Priority ||
				(j.Priority == best.Priority && j.Created.Before(best.Created)) {
				best = j
			}
		}
		if best == nil {
			return errEmpty
		}
		now := time.Now()
		best.Status = StatusProcessing
		best.Started = &now
		best.WorkerID = workerID
		s.Stats.PendingJobs--
		s.worker(workerID, now)
		c := *best
		job = &c
		return nil
	})
	if errors.Is(err, errEmpty) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	log.WithFunc("queue.Next").Infof(ctx, "worker %s claimed job %s (priority %d)", workerID, job.ID, job.Priority)
	return job, true, nil
}

// Complete marks a processing job owned by workerID as completed.
func (q *Queue) Complete(ctx context.Context, id, workerID string, result json.RawMessage) error {
	return q.finish(ctx, id, workerID, func(s *State, j *Job, ws *WorkerStats) {
		j.Status = StatusCompleted
		j.Result = result
		s.Stats.CompletedJobs++
		ws.JobsCompleted++
	})
}

// Fail marks a processing job owned by workerID as failed with msg.
func (q *Queue) Fail(ctx context.Context, id, workerID, msg string) error {
	return q.finish(ctx, id, workerID, func(s *State, j *Job, ws *WorkerStats) {
		j.Status = StatusFailed
		j.Error = msg
		s.Stats.FailedJobs++
		ws.JobsFailed++
	})
}

func (q *Queue) finish(ctx context.Context, id, workerID string, mark func(*State, *Job, *WorkerStats)) error {
	err := q.store.Update(ctx, func(s *State) error {
		j := s.Jobs[id]
		switch {
		case j == nil:
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		case j.Status != StatusProcessing:
			return fmt.Errorf("%s is %s: %w", id, j.Status, ErrNotProcessing)
		case j.WorkerID != workerID:
			return fmt.Errorf("%s owned by %s: %w", id, j.WorkerID, ErrWrongWorker)
		}
		now := time.Now()
		j.Completed = &now
		ws := s.worker(workerID, now)
		ws.JobsProcessed++
		mark(s, j, ws)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	log.WithFunc("queue.finish").Infof(ctx, "worker %s finished job %s", workerID, id)
	return nil
}

// ExpireStale marks processing jobs started more than jobTimeout ago as
// expired and returns their IDs. A worker finishing an expired job gets
// ErrNotProcessing.
func (q *Queue) ExpireStale(ctx context.Context, jobTimeout time.Duration) ([]string, error) {
	var expired []string
	err := q.store.Update(ctx, func(s *State) error {
		now := time.Now()
		for id, j := range s.Jobs {
			if j.Status != StatusProcessing || j.Started == nil || now.Sub(*j.Started) <= jobTimeout {
				continue
			}
			j.Status = StatusExpired
			j.Completed = &now
			j.Error = fmt.Sprintf("expired after %s", jobTimeout)
			s.Stats.ExpiredJobs++
			expired = append(expired, id)
		}
		if len(expired) == 0 {
			return errEmpty
		}
		return nil
	})
	if errors.Is(err, errEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("expire jobs: %w", err)
	}
	sort.Strings(expired)
	log.WithFunc("queue.ExpireStale").Warnf(ctx, "expired %d job(s): %v", len(expired), expired)
	return expired, nil
}

// Stats returns a detached copy of the whole state.
func (q *Queue) Stats(ctx context.Context) (*State, error) {
	var out *State
	err := q.store.With(ctx, func(s *State) error {
		out = s
		return nil
	})
	return out, err
}

// List returns all jobs ordered by creation time.
func (q *Queue) List(ctx context.Context) ([]*Job, error) {
	st, err := q.Stats(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(st.Jobs))
	for _, j := range st.Jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Created.Equal(jobs[k].Created) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].Created.Before(jobs[k].Created)
	})
	return jobs, nil
}
