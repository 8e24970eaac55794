package passphrase

import (
	"context"
	"sync"
	"time"

	"calmkit/internal/util"
)

// Tracker stores job state. Begin enforces one active job per user.
type Tracker interface {
	Begin(ctx context.Context, userID string) (Job, error)
	Update(ctx context.Context, job Job) error
	Finish(ctx context.Context, job Job) error
	Latest(ctx context.Context, userID string) (*Job, error)
}

// MemoryTracker keeps jobs in process memory. Finished jobs are dropped
// after retention.
type MemoryTracker struct {
	mu        sync.Mutex
	jobs      map[string]Job
	retention time.Duration
	now       func() time.Time
}

func NewMemoryTracker(retention time.Duration) *MemoryTracker {
	return &MemoryTracker{
		jobs:      make(map[string]Job),
		retention: retention,
		now:       time.Now,
	}
}

func (t *MemoryTracker) Begin(_ context.Context, userID string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.jobs[userID]; ok && !current.State.Terminal() {
		return Job{}, ErrJobInFlight
	}
	now := t.now()
	job := Job{
		ID:        util.NewID("job"),
		UserID:    userID,
		State:     StateStarting,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.jobs[userID] = job
	return job, nil
}

func (t *MemoryTracker) Update(_ context.Context, job Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.jobs[job.UserID]
	if !ok || current.ID != job.ID {
		return ErrJobNotFound
	}
	job.UpdatedAt = t.now()
	t.jobs[job.UserID] = job
	return nil
}

func (t *MemoryTracker) Finish(ctx context.Context, job Job) error {
	return t.Update(ctx, job)
}

func (t *MemoryTracker) Latest(_ context.Context, userID string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[userID]
	if !ok {
		return nil, nil
	}
	if job.State.Terminal() && t.retention > 0 && t.now().Sub(job.UpdatedAt) > t.retention {
		delete(t.jobs, userID)
		return nil, nil
	}
	return &job, nil
}
