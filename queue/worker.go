package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/panjf2000/ants/v2"

	"github.com/cocoonstack/flockd/lock/flock"
	"github.com/projecteru2/core/log"
)

// defaultPollInterval is how often an idle worker re-checks the queue when
// no change notification arrives.
const defaultPollInterval = 500 * time.Millisecond

// Handler processes one job. A non-nil error marks the job failed.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Worker claims jobs from a Queue and runs them on an ants pool.
type Worker struct {
	q          *Queue
	id         string
	handler    Handler
	pool       *ants.Pool
	size       int
	poll       time.Duration
	jobTimeout time.Duration
}

// NewWorker creates a worker running up to concurrency jobs at once.
// jobTimeout > 0 lets the worker expire jobs other workers abandoned.
func NewWorker(q *Queue, id string, handler Handler, concurrency int, jobTimeout time.Duration) (*Worker, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}
	return &Worker{
		q:          q,
		id:         id,
		handler:    handler,
		pool:       pool,
		size:       concurrency,
		poll:       defaultPollInterval,
		jobTimeout: jobTimeout,
	}, nil
}

// ID returns the worker ID recorded on claimed jobs.
func (w *Worker) ID() string { return w.id }

// Close releases the ants pool.
func (w *Worker) Close() {
	if w.pool != nil {
		w.pool.Release()
	}
}

// Run processes jobs until ctx ends or, when idle > 0, the queue has stayed
// empty with nothing in flight for idle. It returns the number of jobs
// handled. Lock timeouts while claiming are logged and retried.
func (w *Worker) Run(ctx context.Context, idle time.Duration) (int, error) {
	logger := log.WithFunc("queue.Worker.Run")
	wctx, stop := context.WithCancel(ctx)
	defer stop()
	events := w.watch(wctx)

	var (
		wg        sync.WaitGroup
		processed atomic.Int64
		slots     = make(chan struct{}, w.size)
		idleSince = time.Now()
		runErr    error
	)

loop:
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		job, ok, err := w.q.Next(ctx, w.id)
		switch {
		case err != nil && ctx.Err() != nil:
			<-slots
			break loop
		case errors.Is(err, flock.ErrTimeout):
			<-slots
			logger.Warnf(ctx, "worker %s: %v, retrying", w.id, err)
			continue
		case err != nil:
			<-slots
			runErr = err
			break loop
		case !ok:
			<-slots
			if len(slots) > 0 {
				// Jobs in flight; wait for them or for new work.
				w.wait(ctx, events)
				idleSince = time.Now()
				continue
			}
			if idle > 0 && time.Since(idleSince) >= idle {
				break loop
			}
			w.expire(ctx)
			w.wait(ctx, events)
			continue
		}

		idleSince = time.Now()
		wg.Add(1)
		if err := w.pool.Submit(func() {
			defer wg.Done()
			defer func() { <-slots }()
			w.process(ctx, job)
			processed.Add(1)
		}); err != nil {
			wg.Done()
			<-slots
			// Hand the claimed job back as failed rather than leaving it processing.
			_ = w.q.Fail(context.WithoutCancel(ctx), job.ID, w.id, fmt.Sprintf("submit: %v", err))
			runErr = fmt.Errorf("submit job %s: %w", job.ID, err)
			break loop
		}
	}

	wg.Wait()
	return int(processed.Load()), runErr
}

// process runs the handler and records the outcome. Bookkeeping ignores
// ctx cancellation so a claimed job never stays processing because the
// worker is shutting down.
func (w *Worker) process(ctx context.Context, job *Job) {
	logger := log.WithFunc("queue.Worker.process")
	result, err := w.call(ctx, job)
	bctx := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := w.q.Fail(bctx, job.ID, w.id, err.Error()); ferr != nil {
			logger.Errorf(ctx, ferr, "worker %s: mark job %s failed", w.id, job.ID)
		}
		return
	}
	if cerr := w.q.Complete(bctx, job.ID, w.id, result); cerr != nil {
		logger.Errorf(ctx, cerr, "worker %s: complete job %s", w.id, job.ID)
	}
}

func (w *Worker) call(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) expire(ctx context.Context) {
	if w.jobTimeout <= 0 {
		return
	}
	if _, err := w.q.ExpireStale(ctx, w.jobTimeout); err != nil && ctx.Err() == nil {
		log.WithFunc("queue.Worker.expire").Warnf(ctx, "worker %s: %v", w.id, err)
	}
}

// watch reports changes to the queue file. The directory is watched, not the
// file, because updates replace the file by rename. A nil channel (watcher
// unavailable) leaves the worker polling.
func (w *Worker) watch(ctx context.Context) <-chan struct{} {
	logger := log.WithFunc("queue.Worker.watch")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf(ctx, "fsnotify unavailable, polling: %v", err)
		return nil
	}
	dir, base := filepath.Dir(w.q.Path()), filepath.Base(w.q.Path())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		logger.Warnf(ctx, "create %s, polling: %v", dir, err)
		_ = watcher.Close()
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		logger.Warnf(ctx, "watch %s, polling: %v", dir, err)
		_ = watcher.Close()
		return nil
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer watcher.Close() //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf(ctx, "watch %s: %v", dir, werr)
			}
		}
	}()
	return ch
}

// wait blocks until the queue file changes, the poll interval passes or ctx ends.
func (w *Worker) wait(ctx context.Context, events <-chan struct{}) {
	t := time.NewTimer(w.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-events:
	}
}
