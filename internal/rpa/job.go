package rpa

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrStepExecution 标记单个步骤的执行失败, 具体信息见 *StepError。
	ErrStepExecution = errors.New("step execution failed")
	// ErrJobTimeout 表示任务超出了总时长预算。
	ErrJobTimeout = errors.New("job timeout")
	// ErrInvalidTransition 表示违反了任务状态机。
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// StepError 是一个步骤在策略处理之后仍然失败的原因。
type StepError struct {
	StepID string
	Type   StepType
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s): %v", e.StepID, e.Type, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrStepExecution }

// Status 是任务状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal 报告状态是否为终态。终态不再变化。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

var transitions = map[Status]map[Status]bool{
	StatusQueued:  {StatusRunning: true, StatusCancelled: true},
	StatusRunning: {StatusRunning: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true, StatusTimeout: true},
}

// CanTransition 报告 from -> to 是否合法。
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Progress 是顶层步骤的执行进度, CurrentStep 从 1 开始。
type Progress struct {
	CurrentStep int `json:"currentStep"`
	TotalSteps  int `json:"totalSteps"`
}

// 步骤日志的状态。
const (
	StepSucceeded = "success"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// StepLog 记录一次步骤执行。
type StepLog struct {
	StepID     string      `json:"stepId"`
	Type       StepType    `json:"type"`
	Name       string      `json:"name,omitempty"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	Error      string      `json:"error,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	DurationMs int64       `json:"durationMs"`
}

// Job 是一个任务在某个配置档案上的一次调度。
type Job struct {
	ID             string                 `json:"id"`
	TaskID         string                 `json:"taskId"`
	ProfileID      string                 `json:"profileId"`
	Status         Status                 `json:"status"`
	Priority       int                    `json:"priority"`
	Progress       Progress               `json:"progress"`
	RetryCount     int                    `json:"retryCount"`
	MaxRetries     int                    `json:"maxRetries"`
	TimeoutMs      int64                  `json:"timeoutMs"`
	CreatedAt      time.Time              `json:"createdAt"`
	StartedAt      *time.Time             `json:"startedAt,omitempty"`
	FinishedAt     *time.Time             `json:"finishedAt,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StepsCompleted int                    `json:"stepsCompleted"`
	StepsFailed    int                    `json:"stepsFailed"`
	Degraded       bool                   `json:"degraded"`
	Logs           []StepLog              `json:"logs,omitempty"`

	seq uint64
}

// Transition 按状态机修改状态。
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	if to == StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() {
		j.FinishedAt = &now
	}
	j.Status = to
	return nil
}

// Clone 返回不共享可变字段的副本。
func (j *Job) Clone() Job {
	c := *j
	if j.Logs != nil {
		c.Logs = append([]StepLog(nil), j.Logs...)
	}
	if j.Result != nil {
		c.Result = make(map[string]interface{}, len(j.Result))
		for k, v := range j.Result {
			c.Result[k] = v
		}
	}
	return c
}

// JobHandle 串行化对一个运行中任务的修改, 并在每次修改后通知观察者。
type JobHandle struct {
	mu       *sync.Mutex
	job      *Job
	onChange func(Job)
	onStep   func(Job, StepLog)
}

// NewJobHandle 用独立的锁包装 job, 供单独使用执行器时使用。
func NewJobHandle(job *Job) *JobHandle {
	return &JobHandle{mu: &sync.Mutex{}, job: job}
}

// Update 在锁内修改任务。
func (h *JobHandle) Update(fn func(j *Job)) {
	h.mu.Lock()
	fn(h.job)
	snap := h.job.Clone()
	h.mu.Unlock()
	if h.onChange != nil {
		h.onChange(snap)
	}
}

// AppendLog 追加一条步骤日志。
func (h *JobHandle) AppendLog(entry StepLog) {
	h.mu.Lock()
	h.job.Logs = append(h.job.Logs, entry)
	snap := h.job.Clone()
	h.mu.Unlock()
	if h.onStep != nil {
		h.onStep(snap, entry)
	}
}

// Snapshot 返回任务当前的副本。
func (h *JobHandle) Snapshot() Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.Clone()
}
