package assistant

import (
	"context"

	"github.com/jxucoder/assistchat/model"
)

// RunStatus is the lifecycle state the service reports for a run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunIncomplete     RunStatus = "incomplete"
	RunExpired        RunStatus = "expired"

	// RunPollLimit is not reported by the service; it marks a run abandoned
	// because the poll attempt bound ran out.
	RunPollLimit RunStatus = "poll_limit"
)

// Pending reports whether the run is still being worked on.
func (s RunStatus) Pending() bool {
	return s == RunQueued || s == RunInProgress
}

// Thread is a remote conversation context.
type Thread struct {
	ID string
}

// Run is one assistant computation over a thread.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	LastError string
}

// ContentBlock is one typed part of a message. Only "text" blocks carry Text.
type ContentBlock struct {
	Type string
	Text string
}

// Message is a turn as stored by the service.
type Message struct {
	ID      string
	Role    model.Role
	Content []ContentBlock
}

// Service is the subset of the hosted assistant API the Gateway drives.
type Service interface {
	CreateThread(ctx context.Context) (*Thread, error)
	RetrieveThread(ctx context.Context, threadID string) (*Thread, error)
	CreateMessage(ctx context.Context, threadID, content string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)
	// ListMessages returns the thread's messages, newest first.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}
