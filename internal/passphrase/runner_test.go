package passphrase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"calmkit/internal/keymgr"
	"calmkit/internal/store"
)

type fakeLogStore struct {
	mu          sync.Mutex
	records     []store.LogRecord
	listErr     error
	updateErrFn func(logID string) error
	cleared     int
}

func (f *fakeLogStore) ListLogs(_ context.Context, userID string) ([]store.LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []store.LogRecord
	for _, record := range f.records {
		if record.UserID == userID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeLogStore) UpdateLogCiphertext(_ context.Context, userID, logID, ciphertext, keyID string) error {
	if f.updateErrFn != nil {
		if err := f.updateErrFn(logID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, record := range f.records {
		if record.ID == logID && record.UserID == userID {
			f.records[i].Ciphertext = ciphertext
			f.records[i].KeyID = keyID
			f.records[i].Payload = nil
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeLogStore) ClearPreviousPassphrase(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeLogStore) get(id string) store.LogRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.records {
		if record.ID == id {
			return record
		}
	}
	return store.LogRecord{}
}

type fakeBackup struct {
	saveFn func(ctx context.Context, job Job, records []store.LogRecord) error
}

func (f fakeBackup) Save(ctx context.Context, job Job, records []store.LogRecord) error {
	return f.saveFn(ctx, job, records)
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []Job
}

func (n *recordingNotifier) PassphraseMigrated(_ context.Context, job Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func testKey(t *testing.T, fill byte) *keymgr.Key {
	t.Helper()
	key, err := keymgr.NewKey(bytes.Repeat([]byte{fill}, keymgr.KeySize))
	if err != nil {
		t.Fatalf("NewKey() error = %v", err)
	}
	return key
}

func sealed(t *testing.T, key *keymgr.Key, plaintext string) store.LogRecord {
	t.Helper()
	ciphertext, err := key.SealString([]byte(plaintext))
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	return store.LogRecord{Ciphertext: ciphertext, KeyID: key.ID()}
}

func beginJob(t *testing.T, tracker Tracker, userID string) Job {
	t.Helper()
	job, err := tracker.Begin(context.Background(), userID)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return job
}

func TestRunnerReencryptsLogs(t *testing.T) {
	oldKey := testKey(t, 1)
	newKey := testKey(t, 2)
	strayKey := testKey(t, 3)

	legacy := store.LogRecord{ID: "log_legacy", UserID: "usr_1", Payload: json.RawMessage(`{"emotion":"calm"}`)}
	previous := sealed(t, oldKey, `{"emotion":"tense"}`)
	previous.ID, previous.UserID = "log_prev", "usr_1"
	current := sealed(t, newKey, `{"emotion":"ok"}`)
	current.ID, current.UserID = "log_current", "usr_1"
	stray := sealed(t, strayKey, `{"emotion":"?"}`)
	stray.ID, stray.UserID = "log_stray", "usr_1"
	other := store.LogRecord{ID: "log_other", UserID: "usr_2", Payload: json.RawMessage(`{}`)}

	logs := &fakeLogStore{records: []store.LogRecord{legacy, previous, current, stray, other}}
	tracker := NewMemoryTracker(time.Hour)
	notifier := &recordingNotifier{}
	runner := NewRunner(logs, tracker, time.Minute).WithNotifier(notifier)

	job := beginJob(t, tracker, "usr_1")
	final := runner.Run(context.Background(), job, newKey, oldKey)

	if final.State != StateCompleted {
		t.Fatalf("state = %s, want completed (message %q)", final.State, final.Message)
	}
	if final.Total != 4 || final.Processed != 2 || final.Skipped != 1 || final.Errors != 1 {
		t.Fatalf("unexpected counters: %+v", final)
	}
	if logs.cleared != 0 {
		t.Fatal("previous passphrase must be kept when any log failed")
	}

	for _, id := range []string{"log_legacy", "log_prev"} {
		record := logs.get(id)
		if record.KeyID != newKey.ID() || record.Payload != nil {
			t.Fatalf("%s not re-encrypted: %+v", id, record)
		}
		if _, err := newKey.OpenString(record.Ciphertext); err != nil {
			t.Fatalf("%s does not open with the new key: %v", id, err)
		}
	}
	if got := logs.get("log_other"); got.Ciphertext != "" {
		t.Fatal("another user's log was touched")
	}

	latest, _ := tracker.Latest(context.Background(), "usr_1")
	if latest == nil || latest.State != StateCompleted || latest.Done() != 4 {
		t.Fatalf("tracker not updated: %+v", latest)
	}
	if len(notifier.jobs) != 1 || notifier.jobs[0].ID != job.ID {
		t.Fatalf("unexpected notifications: %+v", notifier.jobs)
	}
}

func TestRunnerClearsPreviousOnCleanRun(t *testing.T) {
	oldKey := testKey(t, 1)
	newKey := testKey(t, 2)
	record := sealed(t, oldKey, "entry")
	record.ID, record.UserID = "log_1", "usr_1"

	logs := &fakeLogStore{records: []store.LogRecord{record}}
	tracker := NewMemoryTracker(time.Hour)
	final := NewRunner(logs, tracker, time.Minute).Run(context.Background(), beginJob(t, tracker, "usr_1"), newKey, oldKey)

	if final.State != StateCompleted || final.Processed != 1 {
		t.Fatalf("unexpected job: %+v", final)
	}
	if logs.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", logs.cleared)
	}
	opened, err := newKey.OpenString(logs.get("log_1").Ciphertext)
	if err != nil || string(opened) != "entry" {
		t.Fatalf("re-encrypted log = %q, %v", opened, err)
	}
}

func TestRunnerCountsUpdateFailures(t *testing.T) {
	newKey := testKey(t, 2)
	logs := &fakeLogStore{
		records: []store.LogRecord{
			{ID: "log_1", UserID: "usr_1", Payload: json.RawMessage(`{}`)},
			{ID: "log_2", UserID: "usr_1", Payload: json.RawMessage(`{}`)},
		},
		updateErrFn: func(logID string) error {
			if logID == "log_2" {
				return errors.New("write failed")
			}
			return nil
		},
	}
	tracker := NewMemoryTracker(time.Hour)
	final := NewRunner(logs, tracker, time.Minute).Run(context.Background(), beginJob(t, tracker, "usr_1"), newKey)

	if final.State != StateCompleted || final.Processed != 1 || final.Errors != 1 {
		t.Fatalf("unexpected job: %+v", final)
	}
}

func TestRunnerSkipsLogsDeletedMidRun(t *testing.T) {
	oldKey := testKey(t, 1)
	newKey := testKey(t, 2)
	kept := sealed(t, oldKey, "kept")
	kept.ID, kept.UserID = "log_1", "usr_1"
	gone := sealed(t, oldKey, "gone")
	gone.ID, gone.UserID = "log_2", "usr_1"

	logs := &fakeLogStore{
		records: []store.LogRecord{kept, gone},
		updateErrFn: func(logID string) error {
			if logID == "log_2" {
				return store.ErrNotFound
			}
			return nil
		},
	}
	tracker := NewMemoryTracker(time.Hour)
	final := NewRunner(logs, tracker, time.Minute).Run(context.Background(), beginJob(t, tracker, "usr_1"), newKey, oldKey)

	if final.State != StateCompleted || final.Processed != 1 || final.Skipped != 1 || final.Errors != 0 {
		t.Fatalf("unexpected job: %+v", final)
	}
	if logs.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", logs.cleared)
	}
}

func TestRunnerFailsWhenListingFails(t *testing.T) {
	logs := &fakeLogStore{listErr: errors.New("db down")}
	tracker := NewMemoryTracker(time.Hour)
	final := NewRunner(logs, tracker, time.Minute).Run(context.Background(), beginJob(t, tracker, "usr_1"), testKey(t, 2))

	if final.State != StateFailed || final.Message == "" {
		t.Fatalf("unexpected job: %+v", final)
	}
	if _, err := tracker.Begin(context.Background(), "usr_1"); err != nil {
		t.Fatalf("failed job must release the user: %v", err)
	}
}

func TestRunnerFailsWhenBackupFails(t *testing.T) {
	logs := &fakeLogStore{records: []store.LogRecord{{ID: "log_1", UserID: "usr_1", Payload: json.RawMessage(`{}`)}}}
	tracker := NewMemoryTracker(time.Hour)
	backup := fakeBackup{saveFn: func(context.Context, Job, []store.LogRecord) error {
		return errors.New("bucket unavailable")
	}}
	final := NewRunner(logs, tracker, time.Minute).WithBackup(backup).Run(context.Background(), beginJob(t, tracker, "usr_1"), testKey(t, 2))

	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if logs.get("log_1").Ciphertext != "" {
		t.Fatal("logs must not be rewritten without a backup")
	}
}

func TestRunnerBacksUpBeforeRewriting(t *testing.T) {
	logs := &fakeLogStore{records: []store.LogRecord{{ID: "log_1", UserID: "usr_1", Payload: json.RawMessage(`{"a":1}`)}}}
	tracker := NewMemoryTracker(time.Hour)
	var archived []store.LogRecord
	backup := fakeBackup{saveFn: func(_ context.Context, job Job, records []store.LogRecord) error {
		if job.Total != 1 {
			t.Errorf("backup saw total %d", job.Total)
		}
		archived = records
		return nil
	}}
	final := NewRunner(logs, tracker, time.Minute).WithBackup(backup).Run(context.Background(), beginJob(t, tracker, "usr_1"), testKey(t, 2))

	if final.State != StateCompleted {
		t.Fatalf("state = %s", final.State)
	}
	if len(archived) != 1 || string(archived[0].Payload) != `{"a":1}` {
		t.Fatalf("unexpected archive: %+v", archived)
	}
}

func TestRunnerFailsOnTimeout(t *testing.T) {
	logs := &fakeLogStore{records: []store.LogRecord{{ID: "log_1", UserID: "usr_1", Payload: json.RawMessage(`{}`)}}}
	tracker := NewMemoryTracker(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final := NewRunner(logs, tracker, time.Minute).Run(ctx, beginJob(t, tracker, "usr_1"), testKey(t, 2))
	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
}

func TestRunnerStartRunsInBackground(t *testing.T) {
	logs := &fakeLogStore{records: []store.LogRecord{{ID: "log_1", UserID: "usr_1", Payload: json.RawMessage(`{}`)}}}
	tracker := NewMemoryTracker(time.Hour)
	runner := NewRunner(logs, tracker, time.Minute)

	runner.Start(beginJob(t, tracker, "usr_1"), testKey(t, 2))
	runner.Wait()

	latest, _ := tracker.Latest(context.Background(), "usr_1")
	if latest == nil || latest.State != StateCompleted || latest.Processed != 1 {
		t.Fatalf("unexpected job after Wait: %+v", latest)
	}
}
