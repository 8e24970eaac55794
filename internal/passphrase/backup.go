package passphrase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"calmkit/internal/store"
)

// MinioConfig locates the bucket that receives pre-migration archives.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioBackup writes one JSON archive per job to S3-compatible storage.
// Archives only ever contain ciphertext or the legacy plaintext the server
// already held.
type MinioBackup struct {
	client *minio.Client
	bucket string
}

func NewMinioBackup(ctx context.Context, cfg MinioConfig) (*MinioBackup, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioBackup{client: client, bucket: cfg.Bucket}, nil
}

type archivedLog struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ciphertext string          `json:"ciphertext,omitempty"`
	KeyID      string          `json:"keyId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type archive struct {
	JobID    string        `json:"jobId"`
	UserID   string        `json:"userId"`
	Archived time.Time     `json:"archivedAt"`
	Logs     []archivedLog `json:"logs"`
}

// ObjectName is where the archive of job lands in the bucket.
func ObjectName(job Job) string {
	return fmt.Sprintf("passphrase-backups/%s/%s.json", job.UserID, job.ID)
}

func encodeArchive(job Job, records []store.LogRecord) ([]byte, error) {
	out := archive{
		JobID:    job.ID,
		UserID:   job.UserID,
		Archived: time.Now().UTC(),
		Logs:     make([]archivedLog, 0, len(records)),
	}
	for _, record := range records {
		out.Logs = append(out.Logs, archivedLog{
			ID:         record.ID,
			Payload:    record.Payload,
			Ciphertext: record.Ciphertext,
			KeyID:      record.KeyID,
			CreatedAt:  record.CreatedAt,
		})
	}
	return json.Marshal(out)
}

func (b *MinioBackup) Save(ctx context.Context, job Job, records []store.LogRecord) error {
	body, err := encodeArchive(job, records)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	_, err = b.client.PutObject(ctx, b.bucket, ObjectName(job), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	return nil
}
