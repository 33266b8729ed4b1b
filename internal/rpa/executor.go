package rpa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"maskbrowser/internal/browser"
	"maskbrowser/internal/shared/logger"
)

// StepResult 是一个步骤处理函数的返回。
type StepResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   error       `json:"-"`
}

func succeed(data interface{}) StepResult { return StepResult{Success: true, Data: data} }

func fail(err error) StepResult { return StepResult{Error: err} }

type handlerFunc func(ctx context.Context, r *run, s Step) StepResult

// Executor 在一个页面上按顺序执行任务的步骤。自身无状态, 可被多个任务共享。
type Executor struct {
	humanoid      *browser.Humanoid
	screenshotDir string
	logger        zerolog.Logger
	handlers      map[StepType]handlerFunc
	now           func() time.Time
}

// ExecutorOptions 是执行器的可选参数。
type ExecutorOptions struct {
	// ScreenshotDir 是截图相对路径的根目录。
	ScreenshotDir string
	HumanoidSeed  int64
}

func NewExecutor(opts ExecutorOptions) *Executor {
	seed := opts.HumanoidSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e := &Executor{
		humanoid:      browser.NewHumanoid(seed),
		screenshotDir: opts.ScreenshotDir,
		logger:        logger.WithComponent("RPA/Executor"),
		now:           time.Now,
	}
	e.handlers = map[StepType]handlerFunc{
		StepNavigate:      handleNavigate,
		StepClick:         handleClick,
		StepInput:         handleInput,
		StepWait:          handleWait,
		StepScroll:        handleScroll,
		StepExtract:       handleExtract,
		StepScreenshot:    handleScreenshot,
		StepExecuteScript: handleExecuteScript,
		StepHover:         handleHover,
		StepKeypress:      handleKeypress,
		StepSetVariable:   handleSetVariable,
		StepCondition:     handleCondition,
		StepLoop:          handleLoop,
	}
	return e
}

// Run 执行一次完整的任务尝试并更新 h 中的计数与日志。
// 返回 nil 表示所有步骤已处理完 (可能有被 skip 的失败);
// *StepError 表示按策略终止; ctx 的错误表示被取消或超时。
func (e *Executor) Run(ctx context.Context, page browser.Page, task *Task, h *JobHandle) error {
	r := &run{
		exec: e,
		page: page,
		task: task,
		job:  h,
		vars: make(map[string]interface{}, len(task.Variables)),
		l:    e.logger.With().Str("job_id", h.Snapshot().ID).Str("task_id", task.ID).Logger(),
	}
	for k, v := range task.Variables {
		r.vars[k] = v
	}

	steps := ordered(task.Steps)
	h.Update(func(j *Job) {
		j.Progress = Progress{TotalSteps: len(steps)}
	})

	for i, s := range steps {
		h.Update(func(j *Job) { j.Progress.CurrentStep = i + 1 })
		if err := r.step(ctx, s); err != nil {
			r.saveResult()
			return err
		}
	}
	r.saveResult()
	return nil
}

// run 是一次任务尝试的执行状态。
type run struct {
	exec   *Executor
	page   browser.Page
	task   *Task
	job    *JobHandle
	vars   map[string]interface{}
	cursor browser.Point
	l      zerolog.Logger
}

func (r *run) saveResult() {
	vars := make(map[string]interface{}, len(r.vars))
	for k, v := range r.vars {
		vars[k] = v
	}
	r.job.Update(func(j *Job) { j.Result = vars })
}

// steps 按顺序执行一个子序列。
func (r *run) steps(ctx context.Context, steps []Step) error {
	for _, s := range ordered(steps) {
		if err := r.step(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// step 执行一个步骤并按其 onError 策略处理失败。
func (r *run) step(ctx context.Context, s Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := r.exec.now()
	entry := StepLog{StepID: s.ID, Type: s.Type, Name: s.Name, StartedAt: start}

	if !s.IsEnabled() {
		entry.Status = StepSkipped
		r.record(entry)
		return nil
	}
	// 非 condition 步骤上的 conditions 是执行前提
	if s.Conditions != nil && s.Type != StepCondition {
		pass, err := r.evaluate(ctx, s.Conditions)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || !pass {
			entry.Status = StepSkipped
			if err != nil {
				entry.Error = err.Error()
			}
			r.record(entry)
			return nil
		}
	}

	handler, found := r.exec.handlers[s.Type]
	if !found {
		return r.failed(s, entry, fmt.Errorf("unsupported step type %q", s.Type))
	}

	attempts := 1
	if s.Policy() == OnErrorRetry && s.Retries > 0 {
		attempts += s.Retries
	}
	var res StepResult
	for attempt := 1; attempt <= attempts; attempt++ {
		entry.Attempts = attempt
		res = handler(ctx, r, s)
		if res.Success {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// stop_task 语义的失败 (子序列中) 不在这一层重试
		var se *StepError
		if errors.As(res.Error, &se) {
			break
		}
		if attempt < attempts {
			r.l.Debug().Err(res.Error).Str("step_id", s.ID).Int("attempt", attempt).Msg("Step failed, retrying.")
			if s.RetryDelayMs > 0 {
				if err := sleep(ctx, time.Duration(s.RetryDelayMs)*time.Millisecond); err != nil {
					return err
				}
			}
		}
	}
	entry.DurationMs = r.exec.now().Sub(start).Milliseconds()

	if res.Success {
		entry.Status = StepSucceeded
		entry.Data = res.Data
		r.job.Update(func(j *Job) { j.StepsCompleted++ })
		r.record(entry)
		return nil
	}
	if res.Error == nil {
		res.Error = errors.New("step reported failure")
	}
	// 子序列中已经终止任务的失败已被计数, 容器步骤只记录日志
	var se *StepError
	if errors.As(res.Error, &se) {
		entry.Status = StepFailed
		entry.Error = res.Error.Error()
		r.record(entry)
		return res.Error
	}
	return r.failed(s, entry, res.Error)
}

func (r *run) failed(s Step, entry StepLog, err error) error {
	entry.Status = StepFailed
	entry.Error = err.Error()
	policy := s.Policy()
	r.job.Update(func(j *Job) {
		j.StepsFailed++
		if policy == OnErrorSkip {
			j.Degraded = true
		}
	})
	r.record(entry)

	switch policy {
	case OnErrorSkip, OnErrorContinue:
		r.l.Warn().Err(err).Str("step_id", s.ID).Str("policy", string(policy)).Msg("Step failed, continuing.")
		return nil
	default:
		return &StepError{StepID: s.ID, Type: s.Type, Err: err}
	}
}

func (r *run) record(entry StepLog) {
	r.job.AppendLog(entry)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
