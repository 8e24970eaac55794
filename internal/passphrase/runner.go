package passphrase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"calmkit/internal/keymgr"
	"calmkit/internal/store"
)

// LogStore is the slice of the data store the job needs.
type LogStore interface {
	ListLogs(ctx context.Context, userID string) ([]store.LogRecord, error)
	UpdateLogCiphertext(ctx context.Context, userID, logID, ciphertext, keyID string) error
	ClearPreviousPassphrase(ctx context.Context, userID string) error
}

// Backup archives a user's records before they are rewritten.
type Backup interface {
	Save(ctx context.Context, job Job, records []store.LogRecord) error
}

// Notifier is told when a job reaches a terminal state.
type Notifier interface {
	PassphraseMigrated(ctx context.Context, job Job)
}

// Runner executes re-encryption jobs in the background.
type Runner struct {
	store   LogStore
	tracker Tracker
	backup  Backup
	notify  Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRunner(logs LogStore, tracker Tracker, timeout time.Duration) *Runner {
	return &Runner{store: logs, tracker: tracker, timeout: timeout}
}

// WithBackup archives records to b before each run.
func (r *Runner) WithBackup(b Backup) *Runner {
	r.backup = b
	return r
}

func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notify = n
	return r
}

// Start runs the job on its own goroutine. prior lists the keys that may
// have sealed existing logs; it is empty when the user had no passcode
// before.
func (r *Runner) Start(job Job, next *keymgr.Key, prior ...*keymgr.Key) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		r.Run(ctx, job, next, prior...)
	}()
}

// Wait blocks until every started job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run re-encrypts the user's logs synchronously and records the terminal
// state in the tracker.
func (r *Runner) Run(ctx context.Context, job Job, next *keymgr.Key, prior ...*keymgr.Key) Job {
	final, err := r.run(ctx, job, next, prior)
	if err != nil {
		log.Printf("passphrase: job %s for user %s failed: %v", job.ID, job.UserID, err)
		final.State = StateFailed
		final.Message = err.Error()
	} else {
		final.State = StateCompleted
	}

	// The run context may be the reason we failed; record the outcome anyway.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracker.Finish(finishCtx, final); err != nil {
		log.Printf("passphrase: record outcome of job %s: %v", job.ID, err)
	}
	if r.notify != nil {
		r.notify.PassphraseMigrated(finishCtx, final)
	}
	return final
}

func (r *Runner) run(ctx context.Context, job Job, next *keymgr.Key, prior []*keymgr.Key) (Job, error) {
	records, err := r.store.ListLogs(ctx, job.UserID)
	if err != nil {
		return job, fmt.Errorf("list logs: %w", err)
	}

	job.State = StateRunning
	job.Total = len(records)
	r.update(ctx, job)

	if r.backup != nil && len(records) > 0 {
		if err := r.backup.Save(ctx, job, records); err != nil {
			return job, fmt.Errorf("backup logs: %w", err)
		}
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return job, fmt.Errorf("re-encrypt logs: %w", err)
		}
		switch result, err := r.reencrypt(ctx, record, next, prior); {
		case err != nil:
			log.Printf("passphrase: job %s log %s: %v", job.ID, record.ID, err)
			job.Errors++
		case result == outcomeSkipped:
			job.Skipped++
		default:
			job.Processed++
		}
		r.update(ctx, job)
	}

	if job.Errors == 0 {
		if err := r.store.ClearPreviousPassphrase(ctx, job.UserID); err != nil {
			return job, fmt.Errorf("clear previous passphrase: %w", err)
		}
	}
	return job, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
)

var errUnknownKey = errors.New("log sealed with an unknown key")

func (r *Runner) reencrypt(ctx context.Context, record store.LogRecord, next *keymgr.Key, prior []*keymgr.Key) (outcome, error) {
	var plaintext []byte
	switch {
	case record.Ciphertext == "" && len(record.Payload) == 0:
		return outcomeSkipped, nil
	case record.Ciphertext == "":
		plaintext = record.Payload
	case record.KeyID == next.ID():
		return outcomeSkipped, nil
	default:
		key := findKey(prior, record.KeyID)
		if key == nil {
			return outcomeProcessed, errUnknownKey
		}
		opened, err := key.OpenString(record.Ciphertext)
		if err != nil {
			return outcomeProcessed, err
		}
		plaintext = opened
	}

	sealed, err := next.SealString(plaintext)
	if err != nil {
		return outcomeProcessed, err
	}
	err = r.store.UpdateLogCiphertext(ctx, record.UserID, record.ID, sealed, next.ID())
	if errors.Is(err, store.ErrNotFound) {
		// deleted while the job ran
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeProcessed, err
	}
	return outcomeProcessed, nil
}

func findKey(keys []*keymgr.Key, id string) *keymgr.Key {
	for _, key := range keys {
		if key != nil && key.ID() == id {
			return key
		}
	}
	return nil
}

func (r *Runner) update(ctx context.Context, job Job) {
	if err := r.tracker.Update(ctx, job); err != nil {
		log.Printf("passphrase: update job %s: %v", job.ID, err)
	}
}
