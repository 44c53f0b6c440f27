// Package core provides the task model, error model, and resolver metadata
// shared by every subsystem of the fabric: the retry engine, the registries,
// the mastery composer and executor, the evolver, and monitoring.
package core

import (
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Task status
// ═══════════════════════════════════════════════════════════════════════════

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal returns true if the status will never transition again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ═══════════════════════════════════════════════════════════════════════════
// Task
// ═══════════════════════════════════════════════════════════════════════════

// Task is the unit of work routed through the fabric. It is created by a
// caller, mutated only by its owning Executor or the Retry Engine, and
// becomes immutable once it reaches a terminal status.
type Task struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Status      TaskStatus             `json:"status"`
	Input       map[string]interface{} `json:"input"`
	Result      *TaskResult            `json:"result,omitempty"`
	Error       *TaskError             `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewTask creates a new Pending task. CreatedAt and UpdatedAt are set to now.
func NewTask(id, description string, input map[string]interface{}) *Task {
	now := time.Now()
	return &Task{
		ID:          id,
		Description: description,
		Status:      TaskStatusPending,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Complete attaches a result and forces status to Completed. It is a
// programming error to call this on a task that already has a terminal
// status; callers should check Status.IsTerminal() first.
func (t *Task) Complete(result *TaskResult) {
	t.Result = result
	t.Status = TaskStatusCompleted
	t.UpdatedAt = time.Now()
}

// Fail attaches an error and forces status to Failed.
func (t *Task) Fail(err *TaskError) {
	t.Error = err
	t.Status = TaskStatusFailed
	t.UpdatedAt = time.Now()
}

// Cancel forces status to Cancelled.
func (t *Task) Cancel() {
	t.Status = TaskStatusCancelled
	t.UpdatedAt = time.Now()
}

// Start moves a Pending task to InProgress.
func (t *Task) Start() {
	t.Status = TaskStatusInProgress
	t.UpdatedAt = time.Now()
}

// TaskResult is the output attached to a Task on success.
type TaskResult struct {
	Data     interface{}            `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// TaskError
// ═══════════════════════════════════════════════════════════════════════════

// TaskErrorKind is the closed set of domain error kinds a resolver may
// report. It is distinct from the Go-level FrameworkError used by registry
// and executor APIs: TaskErrorKind travels on the wire inside a Task.
type TaskErrorKind string

const (
	ErrorKindNotFound      TaskErrorKind = "NotFound"
	ErrorKindValidation    TaskErrorKind = "Validation"
	ErrorKindNetwork       TaskErrorKind = "Network"
	ErrorKindAuthentication TaskErrorKind = "Authentication"
	ErrorKindRateLimit     TaskErrorKind = "RateLimit"
	ErrorKindTimeout       TaskErrorKind = "Timeout"
	ErrorKindResource      TaskErrorKind = "Resource"
	ErrorKindConfiguration TaskErrorKind = "Configuration"
	ErrorKindDependency    TaskErrorKind = "Dependency"
	ErrorKindState         TaskErrorKind = "State"
	ErrorKindBusinessLogic TaskErrorKind = "BusinessLogic"
	ErrorKindInternal      TaskErrorKind = "Internal"
	ErrorKindCancelled     TaskErrorKind = "Cancelled"
)

// defaultRetryable carries the retryability defaults from the error-handling
// design: Network, RateLimit, Timeout, Resource and Dependency are retryable
// unless a policy overrides them; everything else is not.
var defaultRetryable = map[TaskErrorKind]bool{
	ErrorKindNetwork:    true,
	ErrorKindRateLimit:  true,
	ErrorKindTimeout:    true,
	ErrorKindResource:   true,
	ErrorKindDependency: true,
}

// DefaultRetryable reports whether a TaskErrorKind is retryable absent an
// overriding policy.
func DefaultRetryable(kind TaskErrorKind) bool {
	return defaultRetryable[kind]
}

// TaskError is the structured error attached to a Task on failure.
type TaskError struct {
	Kind      TaskErrorKind          `json:"kind"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the chained cause for errors.Is/errors.As.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// NewTaskError builds a TaskError using the default retryability for its
// kind. Use WithRetryable to override it.
func NewTaskError(kind TaskErrorKind, message string, cause error) *TaskError {
	return &TaskError{
		Kind:      kind,
		Message:   message,
		Retryable: DefaultRetryable(kind),
		Cause:     cause,
	}
}

// WithRetryable returns a copy of the error with Retryable overridden.
func (e *TaskError) WithRetryable(retryable bool) *TaskError {
	cp := *e
	cp.Retryable = retryable
	return &cp
}

// WithDetails returns a copy of the error with Details set.
func (e *TaskError) WithDetails(details map[string]interface{}) *TaskError {
	cp := *e
	cp.Details = details
	return &cp
}

// ═══════════════════════════════════════════════════════════════════════════
// ResolverMetadata / SemanticVersion
// ═══════════════════════════════════════════════════════════════════════════

// SemanticVersion is a comparable (major, minor, patch) tuple. Versions are
// always compared numerically, never lexicographically.
type SemanticVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// String renders "major.minor.patch".
func (v SemanticVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than o.
func (v SemanticVersion) Compare(o SemanticVersion) int {
	switch {
	case v.Major != o.Major:
		return sign(v.Major - o.Major)
	case v.Minor != o.Minor:
		return sign(v.Minor - o.Minor)
	default:
		return sign(v.Patch - o.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// ResolverMetadata is the stable description of a resolver, supplied by the
// resolver itself and recorded verbatim in its RegistryEntry.
type ResolverMetadata struct {
	Name                       string          `json:"name"`
	Version                    SemanticVersion `json:"version"`
	Description                string          `json:"description"`
	Depth                      int             `json:"depth"`
	InputSchema                string          `json:"input_schema,omitempty"`
	ResultSchema                string          `json:"result_schema,omitempty"`
	ErrorSchema                string          `json:"error_schema,omitempty"`
	Tags                       []string        `json:"tags,omitempty"`
	Capabilities               []string        `json:"capabilities,omitempty"`
	EvolutionThresholdFailures int             `json:"evolution_threshold_failures"`
	MinEvolutionInterval       time.Duration   `json:"min_evolution_interval"`
}
