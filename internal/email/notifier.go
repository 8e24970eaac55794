package email

import (
	"context"
	"log"

	"calmkit/internal/passphrase"
	"calmkit/internal/store"
)

// UserLookup resolves the recipient of a notice.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

// MigrationNotifier emails users when their passcode-change job ends.
type MigrationNotifier struct {
	mail  *Service
	users UserLookup
}

func NewMigrationNotifier(mail *Service, users UserLookup) *MigrationNotifier {
	return &MigrationNotifier{mail: mail, users: users}
}

func (n *MigrationNotifier) PassphraseMigrated(ctx context.Context, job passphrase.Job) {
	if n.mail == nil || !n.mail.IsConfigured() {
		return
	}
	user, err := n.users.GetUserByID(ctx, job.UserID)
	if err != nil {
		log.Printf("email: lookup user %s for job %s: %v", job.UserID, job.ID, err)
		return
	}
	if user.Email == "" {
		return
	}
	err = n.mail.SendPasscodeChangedEmail(user.Email, PasscodeChangedData{
		UserName: user.Username,
		Failed:   job.State == passphrase.StateFailed,
		Total:    job.Total,
		Errors:   job.Errors,
	})
	if err != nil {
		log.Printf("email: notify user %s of job %s: %v", job.UserID, job.ID, err)
	}
}
