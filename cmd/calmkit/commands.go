package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"calmkit/internal/keymgr"
	"calmkit/internal/localstore"
	"calmkit/internal/migration"
	"calmkit/internal/passphrase"
)

// moodEntry is the plaintext of one log before it is sealed.
type moodEntry struct {
	Trigger   string    `json:"trigger"`
	Emotion   string    `json:"emotion"`
	Intensity int       `json:"intensity"`
	Anchor    string    `json:"anchor,omitempty"`
	At        time.Time `json:"at"`
}

func cmdRegister(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	username := fs.String("username", "", "display name")
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password (min 8 characters)")
	passcode := fs.String("passcode", "", "optional 4 digit passcode to set right away")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *passcode != "" {
		if err := keymgr.ValidatePasscode(*passcode); err != nil {
			return err
		}
	}
	user, err := e.api.Register(ctx, *username, *email, *password)
	if err != nil {
		return err
	}
	if err := e.local.Set(ctx, localstore.TokenKey, e.api.Token()); err != nil {
		return err
	}
	fmt.Printf("Registered %s (%s)\n", user.Username, user.Email)
	if *passcode == "" {
		return nil
	}
	return changePasscode(ctx, e, *passcode)
}

func cmdLogin(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	user, err := e.api.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	if err := e.local.Set(ctx, localstore.TokenKey, e.api.Token()); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", user.Username)
	return nil
}

func cmdLogout(ctx context.Context, e *env) error {
	if err := e.api.Logout(ctx); err != nil {
		fmt.Println("Warning: server logout failed:", describe(err))
	}
	if err := e.local.Delete(ctx, localstore.TokenKey); err != nil {
		return err
	}
	if err := e.keys.Forget(ctx); err != nil {
		return err
	}
	if err := e.session.End(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func cmdUnlock(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("unlock", flag.ContinueOnError)
	passcode := fs.String("passcode", "", "4 digit passcode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := e.keys.Derive(ctx, *passcode)
	if err != nil {
		return err
	}
	if err := e.keys.SavePasscode(ctx, *passcode); err != nil {
		return err
	}
	fmt.Printf("Unlocked (key %s)\n", key.ID())
	return nil
}

// unlock makes sure a key is cached, from the session or from passcode.
func unlock(ctx context.Context, e *env, passcode string) error {
	if passcode != "" {
		if _, err := e.keys.Derive(ctx, passcode); err != nil {
			return err
		}
		return e.keys.SavePasscode(ctx, passcode)
	}
	ok, err := e.keys.EnsureKeyFromSession(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return keymgr.ErrLocked
	}
	return nil
}

func cmdSetPasscode(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("set-passcode", flag.ContinueOnError)
	passcode := fs.String("passcode", "", "new 4 digit passcode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return changePasscode(ctx, e, *passcode)
}

// changePasscode submits passcode and follows the re-encryption job to the
// end, then caches the new key.
func changePasscode(ctx context.Context, e *env, passcode string) error {
	if err := keymgr.ValidatePasscode(passcode); err != nil {
		return err
	}
	if _, err := e.keys.GetOrCreateLocalSalt(ctx); err != nil {
		return err
	}
	salt, ok, err := e.keys.ExportLocalSaltBase64(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no local salt")
	}

	coordinator := migration.New(e.api, e.keys,
		migration.WithPollInterval(e.cfg.PollInterval),
		migration.WithGraceDelay(e.cfg.GraceDelay),
		migration.WithOnUpdate(printProgress),
	)
	defer coordinator.Close()

	if err := coordinator.Submit(ctx, passcode, salt); err != nil {
		if msg := coordinator.Snapshot().Message; msg != "" {
			return errors.New(msg)
		}
		return err
	}
	snap, err := coordinator.Wait(ctx)
	if err != nil {
		return err
	}
	if snap.Outcome == passphrase.StateFailed {
		if snap.Message != "" {
			return fmt.Errorf("passcode change failed: %s", snap.Message)
		}
		return errors.New("passcode change failed")
	}

	key, err := e.keys.Derive(ctx, passcode)
	if err != nil {
		return err
	}
	fmt.Printf("Passcode set (key %s)\n", key.ID())
	return nil
}

func printProgress(s migration.Snapshot) {
	switch s.State {
	case migration.StateSubmitting:
		fmt.Println("Submitting new passcode...")
	case migration.StatePolling:
		fmt.Println(describeJob(s.Job))
	}
}

func describeJob(job *passphrase.Job) string {
	if job == nil {
		return "Re-encrypting logs..."
	}
	pct, ok := job.Percent()
	if !ok {
		return fmt.Sprintf("Re-encrypting logs (%s)...", job.State)
	}
	line := fmt.Sprintf("Re-encrypting logs: %d%% (%d/%d, %s)", pct, job.Done(), job.Total, job.State)
	if job.Errors > 0 {
		line += fmt.Sprintf(", %d errors", job.Errors)
	}
	return line
}

func cmdStatus(ctx context.Context, e *env) error {
	job, err := e.api.PassphraseStatus(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		fmt.Println("No passcode change on record")
		return nil
	}
	fmt.Println(describeJob(job))
	if job.Message != "" {
		fmt.Println(job.Message)
	}
	return nil
}

func cmdSalt(ctx context.Context, e *env) error {
	salt, ok, err := e.keys.ExportLocalSaltBase64(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(none)")
		return nil
	}
	fmt.Println(salt)
	return nil
}

func cmdLog(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	trigger := fs.String("trigger", "", "what set it off")
	emotion := fs.String("emotion", "", "how it felt")
	intensity := fs.Int("intensity", 5, "intensity 1-10")
	anchor := fs.String("anchor", "", "grounding technique used")
	passcode := fs.String("passcode", "", "passcode, when the session is locked")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*emotion) == "" {
		return errors.New("-emotion is required")
	}
	if *intensity < 1 || *intensity > 10 {
		return errors.New("-intensity must be between 1 and 10")
	}
	if err := unlock(ctx, e, *passcode); err != nil {
		return err
	}

	raw, err := json.Marshal(moodEntry{
		Trigger:   *trigger,
		Emotion:   *emotion,
		Intensity: *intensity,
		Anchor:    *anchor,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ciphertext, keyID, err := e.keys.Encrypt(raw)
	if err != nil {
		return err
	}
	created, err := e.api.CreateLog(ctx, ciphertext, keyID)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s\n", created.ID)
	return nil
}

func cmdLogs(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	passcode := fs.String("passcode", "", "passcode, when the session is locked")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := unlock(ctx, e, *passcode); err != nil {
		return err
	}
	key, err := e.keys.Key()
	if err != nil {
		return err
	}

	logs, err := e.api.ListLogs(ctx)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Println("No logs yet")
		return nil
	}
	for _, l := range logs {
		stamp := l.CreatedAt.Local().Format("2006-01-02 15:04")
		if l.Ciphertext == "" {
			fmt.Printf("%s  %s  (unencrypted) %s\n", stamp, l.ID, string(l.Payload))
			continue
		}
		if l.KeyID != key.ID() {
			fmt.Printf("%s  %s  (sealed with another passcode)\n", stamp, l.ID)
			continue
		}
		plain, err := key.OpenString(l.Ciphertext)
		if err != nil {
			fmt.Printf("%s  %s  (cannot decrypt)\n", stamp, l.ID)
			continue
		}
		var entry moodEntry
		if err := json.Unmarshal(plain, &entry); err != nil {
			fmt.Printf("%s  %s  %s\n", stamp, l.ID, string(plain))
			continue
		}
		fmt.Printf("%s  %s  %s %d/10 trigger=%q anchor=%q\n", stamp, l.ID, entry.Emotion, entry.Intensity, entry.Trigger, entry.Anchor)
	}
	return nil
}
