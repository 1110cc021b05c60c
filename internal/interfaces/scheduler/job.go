package scheduler

import "context"

// Job represents a unit of work that can be executed by the worker pool.
type Job interface {
	// Execute runs the job. Returning an error marks it failed in telemetry.
	Execute(ctx context.Context) error

	// OrganizationID returns the organization this job works for, or "" for
	// jobs that span organizations.
	OrganizationID() string

	// Description returns a human-readable description of the job
	Description() string
}
