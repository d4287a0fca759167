// Package jobs persists delayed jobs and hands them to named handlers once
// they come due.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nuid"
)

var (
	ErrUnknownJob  = errors.New("unknown job")
	ErrInvalidJob  = errors.New("invalid job")
	ErrJobNotFound = errors.New("job not found")
)

// Job is a unit of deferred work. Metadata is opaque to the store and is
// decoded by the handler registered under Name.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	DueAt       time.Time       `json:"due_at"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// New builds a job named name due at dueAt carrying metadata encoded as JSON.
func New(name string, dueAt time.Time, metadata any) (*Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if dueAt.IsZero() {
		return nil, fmt.Errorf("%w: due_at is required", ErrInvalidJob)
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrInvalidJob, err)
	}
	return &Job{
		ID:       nuid.Next(),
		Name:     name,
		DueAt:    dueAt.UTC(),
		Metadata: raw,
	}, nil
}

// Status summarizes where the job is in its lifecycle.
func (j Job) Status() string {
	switch {
	case j.CompletedAt != nil && j.Error != "":
		return "failed"
	case j.CompletedAt != nil:
		return "done"
	case j.StartedAt != nil:
		return "running"
	default:
		return "pending"
	}
}
