package render

import "context"

// Operation selects which vendor pipeline a task runs on.
type Operation string

const (
	OpGenerate Operation = "generate"
	OpTryOn    Operation = "tryon"
	OpUpscale  Operation = "upscale"
	OpInpaint  Operation = "inpaint"
)

// TaskState is the remote task lifecycle as reported by the vendor.
type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateInProgress TaskState = "in_progress"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
)

// SubmitRequest carries everything the vendor needs to start a task.
type SubmitRequest struct {
	Operation Operation
	Prompt    string
	SourceURL string
	// ExtraURLs carries secondary inputs, e.g. the garment image for try-on.
	ExtraURLs   []string
	AspectRatio string
	Scale       int
	Region      [4]int
	RequestID   string
}

// TaskStatus is the normalized remote status.
type TaskStatus struct {
	State     TaskState
	ResultURL string
	Reason    string
}

// Client is the contract pollers and workers use to talk to the render
// vendor. Submit is fire-once per stage; retries are the watchdog's job.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, taskID string) (TaskStatus, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}
