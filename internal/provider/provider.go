// Package provider abstracts external AI providers behind three adapter
// capabilities: synchronous (image), asynchronous job-based (video), and
// streaming (chat). Adapters normalize provider failures into a small error
// taxonomy so the orchestrator never branches on provider identity.
package provider

import (
	"context"

	"github.com/google/uuid"

	"github.com/atelierai/backend/internal/models"
)

// Request is the provider-agnostic generation input for one unit.
type Request struct {
	UnitID   uuid.UUID
	Model    *models.Model
	Prompt   string
	Options  map[string]string
	Quantity int
}

// Result is the normalized output of a completed unit.
type Result struct {
	URLs         []string
	Text         string
	InputTokens  int
	OutputTokens int
}

// Async job states reported by Status.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// JobStatus is one observation of an asynchronous job.
type JobStatus struct {
	State  string
	Result *Result // set when State == JobSucceeded
	Err    error   // set when State == JobFailed, already classified
}

// StreamEvent is one increment of a chat stream. The final event has Done
// set and carries the provider-reported token usage.
type StreamEvent struct {
	Delta        string
	Done         bool
	InputTokens  int
	OutputTokens int
}

// Stream delivers chat tokens. Recv blocks until the next event or error;
// Close releases the upstream connection and may be called mid-stream to
// cancel.
type Stream interface {
	Recv() (*StreamEvent, error)
	Close() error
}

// SyncAdapter completes within the call. Typical for image models.
type SyncAdapter interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// AsyncAdapter submits a job and reports progress via Status (polled on a
// bounded interval) or a provider-pushed webhook keyed by the job handle.
type AsyncAdapter interface {
	Name() string
	Submit(ctx context.Context, req *Request) (handle string, err error)
	Status(ctx context.Context, handle string) (*JobStatus, error)
}

// StreamAdapter opens an incremental token stream. Typical for chat models.
type StreamAdapter interface {
	Name() string
	Open(ctx context.Context, req *Request) (Stream, error)
}
