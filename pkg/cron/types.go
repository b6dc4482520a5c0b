package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/HKUDS/wxdify/pkg/config"
)

// Kind selects what a job sends on each firing.
type Kind int

const (
	// AIPrompt sends Payload to the chat backend on behalf of each target and
	// delivers the answer.
	AIPrompt Kind = iota
	// FixedText delivers Payload verbatim.
	FixedText
)

func (k Kind) String() string {
	if k == FixedText {
		return "text"
	}
	return "dify"
}

// Last run outcomes.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Job is a scheduled broadcast.
type Job struct {
	Name        string
	Kind        Kind
	Expr        string
	Targets     []string
	Payload     string
	Enabled     bool
	Description string
}

// JobState is the runtime view of a registered job.
type JobState struct {
	Job        Job
	Firing     bool
	LastRun    time.Time
	LastStatus string
	LastError  string
	Next       time.Time
}

// Report summarizes one firing.
type Report struct {
	Job       string
	Delivered int
	Failed    int
	Err       error
}

// Status maps the per-target counts to a LastStatus value.
func (r Report) Status() string {
	switch {
	case r.Failed == 0:
		return StatusOK
	case r.Delivered == 0:
		return StatusError
	default:
		return StatusPartial
	}
}

// JobError is a job that could not be registered.
type JobError struct {
	Job    string
	Reason string
	Err    error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %q: %s: %v", e.Job, e.Reason, e.Err)
	}
	return fmt.Sprintf("job %q: %s", e.Job, e.Reason)
}

func (e *JobError) Unwrap() error { return e.Err }

// JobFromTask converts a config entry. Type "text" is FixedText; "dify" or
// empty is AIPrompt.
func JobFromTask(t config.ScheduledTask) (Job, error) {
	job := Job{
		Name:        strings.TrimSpace(t.Name),
		Expr:        strings.TrimSpace(t.Cron),
		Enabled:     t.IsEnabled(),
		Description: t.Description,
	}
	if job.Name == "" {
		job.Name = "Unnamed Task"
	}
	for _, g := range t.TargetGroups {
		if g = strings.TrimSpace(g); g != "" {
			job.Targets = append(job.Targets, g)
		}
	}

	switch strings.ToLower(strings.TrimSpace(t.Type)) {
	case "text":
		job.Kind = FixedText
		job.Payload = t.Message
	case "dify", "":
		job.Kind = AIPrompt
		job.Payload = t.Prompt
	default:
		return job, &JobError{Job: job.Name, Reason: fmt.Sprintf("unknown type %q", t.Type)}
	}
	return job, nil
}
