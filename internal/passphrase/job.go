// Package passphrase runs the server side of a passcode change: it
// re-encrypts a user's stored logs under the new key and publishes progress
// as a pollable job.
package passphrase

import (
	"errors"
	"time"
)

type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	// ErrJobInFlight is returned when a user already has an active job.
	ErrJobInFlight = errors.New("passphrase migration already in progress")
	ErrJobNotFound = errors.New("passphrase migration not found")
)

// Job is the observable state of one re-encryption run. Once Total is
// known, Processed+Skipped+Errors never exceeds it.
type Job struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	State     State     `json:"state"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Done counts the records the job has finished with, whatever the outcome.
func (j Job) Done() int {
	return j.Processed + j.Skipped + j.Errors
}

// Percent is the share of records handled. ok is false while the total is
// still unknown, which clients render as indeterminate progress.
func (j *Job) Percent() (pct int, ok bool) {
	if j == nil || j.Total <= 0 {
		if j != nil && j.State == StateCompleted {
			return 100, true
		}
		return 0, false
	}
	pct = j.Done() * 100 / j.Total
	if pct > 100 {
		pct = 100
	}
	return pct, true
}
