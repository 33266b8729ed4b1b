package rpa

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"maskbrowser/internal/browser"
	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/settings"
	"maskbrowser/internal/shared/types"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrNoSession       = errors.New("profile session not running")
	ErrSchedulerClosed = errors.New("scheduler stopped")
)

// Target 是一个运行中会话提供给调度器的能力: 页面和注入就绪信号。
type Target struct {
	Page  browser.Page
	Ready <-chan struct{}
}

// Sessions 按配置档案查找运行中的会话。
type Sessions interface {
	Target(profileID string) (Target, bool)
}

// Tasks 按 id 查找任务定义。
type Tasks interface {
	Get(id string) (*Task, bool)
}

// Options 是调度器的已解析配置。
type Options struct {
	ConcurrencyLimit int
	DefaultTimeout   time.Duration
	MaxRetries       int
}

// OptionsFromConfig 将 ini 配置转换为 Options。
func OptionsFromConfig(c types.RPAConf) Options {
	return Options{
		ConcurrencyLimit: c.ConcurrencyLimit,
		DefaultTimeout:   time.Duration(c.DefaultTimeoutSec) * time.Second,
		MaxRetries:       c.MaxRetries,
	}
}

func (o Options) withDefaults() Options {
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = 1
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	return o
}

// Scheduler 是任务队列: 最多 ConcurrencyLimit 个任务同时运行,
// 其余按优先级、再按创建顺序排队。
type Scheduler struct {
	exec     *Executor
	tasks    Tasks
	sessions Sessions
	store    Store
	sink     EventSink
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	opts    Options
	jobs    map[string]*Job
	queue   jobQueue
	running map[string]context.CancelFunc
	seq     uint64
	closed  bool

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler 创建调度器。store 和 sink 可为 nil。
func NewScheduler(opts Options, exec *Executor, tasks Tasks, sessions Sessions, store Store, sink EventSink) *Scheduler {
	if store == nil {
		store = NewMemoryStore()
	}
	if sink == nil {
		sink = nopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		exec:     exec,
		tasks:    tasks,
		sessions: sessions,
		store:    store,
		sink:     sink,
		logger:   logger.WithComponent("RPA/Scheduler"),
		now:      time.Now,
		opts:     opts.withDefaults(),
		jobs:     make(map[string]*Job),
		running:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 恢复历史任务并启动分发循环。上次进程遗留的非终态任务被结束:
// 排队中的记为 cancelled, 运行中的记为 failed。
func (s *Scheduler) Start() error {
	s.logger.Info().Int("concurrency", s.options().ConcurrencyLimit).Msg("RPA scheduler starting...")
	jobs, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load job history: %w", err)
	}
	s.mu.Lock()
	for i := range jobs {
		j := jobs[i]
		switch j.Status {
		case StatusQueued:
			_ = j.Transition(StatusCancelled, s.now())
			j.Error = "interrupted by restart"
		case StatusRunning:
			_ = j.Transition(StatusFailed, s.now())
			j.Error = "interrupted by restart"
		}
		s.jobs[j.ID] = &j
		_ = s.store.Save(j)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatch()
	return nil
}

// Stop 取消所有运行中的任务并等待它们结束。
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("RPA scheduler stopping...")
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopChan)
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Scheduler) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// OnSettingsUpdate 实现 settings.ConfigurableModule, 在线调整并发上限。
// 调小时正在运行的任务不受影响, 只是暂不启动新任务。
func (s *Scheduler) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	cfg, ok := newSettings.(*settings.RPASettings)
	if !ok {
		return fmt.Errorf("rpa scheduler: unexpected settings type %T for %s", newSettings, moduleKey)
	}
	s.mu.Lock()
	s.opts = Options{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		DefaultTimeout:   time.Duration(cfg.DefaultTimeoutSec) * time.Second,
		MaxRetries:       cfg.MaxRetries,
	}.withDefaults()
	limit := s.opts.ConcurrencyLimit
	s.mu.Unlock()
	s.logger.Info().Int("concurrency", limit).Msg("RPA scheduler settings updated.")
	s.signal()
	return nil
}

// Submit 为 profileID 排队执行 taskID, 返回新任务的快照。
func (s *Scheduler) Submit(taskID, profileID string, priority int) (Job, error) {
	task, found := s.tasks.Get(taskID)
	if !found {
		return Job{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Job{}, ErrSchedulerClosed
	}
	opts := s.opts
	maxRetries := opts.MaxRetries
	if task.Settings.MaxRetries > 0 {
		maxRetries = task.Settings.MaxRetries
	}
	timeout := opts.DefaultTimeout
	if task.Settings.TimeoutSec > 0 {
		timeout = time.Duration(task.Settings.TimeoutSec) * time.Second
	}
	if priority == 0 {
		priority = task.Settings.Priority
	}
	s.seq++
	job := &Job{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		ProfileID:  profileID,
		Status:     StatusQueued,
		Priority:   priority,
		MaxRetries: maxRetries,
		TimeoutMs:  timeout.Milliseconds(),
		CreatedAt:  s.now(),
		Progress:   Progress{TotalSteps: len(task.Steps)},
		seq:        s.seq,
	}
	s.jobs[job.ID] = job
	heap.Push(&s.queue, job)
	snap := job.Clone()
	s.mu.Unlock()

	s.persist(snap)
	s.publish(EventJobQueued, snap, nil)
	s.logger.Info().Str("job_id", snap.ID).Str("task_id", taskID).Str("profile_id", profileID).Int("priority", priority).Msg("Job queued.")
	s.signal()
	return snap, nil
}

// Get 返回任务快照。
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, found := s.jobs[id]
	if !found {
		return Job{}, false
	}
	return j.Clone(), true
}

// List 返回全部任务快照, 按创建时间排序。
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.Unlock()
	sortByCreation(out)
	return out
}

// Cancel 取消一个任务。排队中的任务直接结束, 运行中的任务在下一个挂起点结束。
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	j, found := s.jobs[id]
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if cancel, isRunning := s.running[id]; isRunning {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.queue.remove(j)
	_ = j.Transition(StatusCancelled, s.now())
	snap := j.Clone()
	s.mu.Unlock()

	s.persist(snap)
	s.publish(EventJobFinished, snap, nil)
	return nil
}

// CancelProfile 取消一个配置档案的所有未结束任务, 返回受影响的数量。
func (s *Scheduler) CancelProfile(profileID string) int {
	s.mu.Lock()
	var ids []string
	for id, j := range s.jobs {
		if j.ProfileID == profileID && !j.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Cancel(id)
	}
	return len(ids)
}

// Purge 删除所有终态任务, 返回删除的数量。
func (s *Scheduler) Purge() int {
	s.mu.Lock()
	var ids []string
	for id, j := range s.jobs {
		if j.Status.Terminal() {
			ids = append(ids, id)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()
	if len(ids) > 0 {
		if err := s.store.Delete(ids...); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to purge jobs from store.")
		}
	}
	return len(ids)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.running) < s.opts.ConcurrencyLimit && s.queue.Len() > 0 {
			j := heap.Pop(&s.queue).(*Job)
			ctx, cancel := context.WithCancel(s.ctx)
			s.running[j.ID] = cancel
			s.wg.Add(1)
			go s.runJob(ctx, cancel, j)
		}
		s.mu.Unlock()

		select {
		case <-s.stopChan:
			return
		case <-s.wake:
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, cancel context.CancelFunc, j *Job) {
	defer s.wg.Done()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, j.ID)
		s.mu.Unlock()
		s.signal()
	}()

	l := s.logger.With().Str("job_id", j.ID).Str("profile_id", j.ProfileID).Logger()
	h := &JobHandle{
		mu:       &s.mu,
		job:      j,
		onChange: func(snap Job) { s.persist(snap); s.publish(EventJobProgress, snap, nil) },
		onStep:   func(snap Job, entry StepLog) { s.publish(EventStepDone, snap, &entry) },
	}

	var started bool
	h.Update(func(j *Job) {
		// 排队期间已被取消
		started = j.Transition(StatusRunning, s.now()) == nil
	})
	if !started {
		return
	}
	s.publish(EventJobStarted, h.Snapshot(), nil)
	l.Info().Msg("Job started.")

	status, err := s.execute(ctx, j, h)
	h.Update(func(j *Job) {
		if err != nil {
			j.Error = err.Error()
		}
		_ = j.Transition(status, s.now())
	})
	snap := h.Snapshot()
	s.publish(EventJobFinished, snap, nil)
	ev := l.Info()
	if status != StatusCompleted {
		ev = l.Warn().Err(err)
	}
	ev.Str("status", string(status)).
		Int("steps_completed", snap.StepsCompleted).
		Int("steps_failed", snap.StepsFailed).
		Int("retries", snap.RetryCount).
		Msg("Job finished.")
}

// execute 等待会话就绪后执行任务, 失败时按 MaxRetries 重跑整个任务。
func (s *Scheduler) execute(ctx context.Context, j *Job, h *JobHandle) (Status, error) {
	snap := h.Snapshot()
	task, found := s.tasks.Get(snap.TaskID)
	if !found {
		return StatusFailed, fmt.Errorf("%w: %s", ErrTaskNotFound, snap.TaskID)
	}
	target, found := s.sessions.Target(snap.ProfileID)
	if !found {
		return StatusFailed, fmt.Errorf("%w: %s", ErrNoSession, snap.ProfileID)
	}
	if target.Ready != nil {
		select {
		case <-target.Ready:
		case <-ctx.Done():
			return StatusCancelled, ctx.Err()
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(snap.TimeoutMs)*time.Millisecond)
	defer cancel()

	for {
		err := s.exec.Run(jobCtx, target.Page, task, h)
		switch {
		case err == nil:
			return StatusCompleted, nil
		case ctx.Err() != nil:
			return StatusCancelled, ctx.Err()
		case jobCtx.Err() != nil:
			return StatusTimeout, fmt.Errorf("%w after %dms", ErrJobTimeout, snap.TimeoutMs)
		}

		retry := false
		h.Update(func(j *Job) {
			if j.RetryCount < j.MaxRetries {
				j.RetryCount++
				j.StepsCompleted, j.StepsFailed, j.Degraded = 0, 0, false
				_ = j.Transition(StatusRunning, s.now())
				retry = true
			}
		})
		if !retry {
			return StatusFailed, err
		}
		s.logger.Warn().Err(err).Str("job_id", snap.ID).Int("retry", h.Snapshot().RetryCount).Msg("Job failed, retrying.")
	}
}

func (s *Scheduler) persist(j Job) {
	if err := s.store.Save(j); err != nil {
		s.logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to persist job.")
	}
}

func (s *Scheduler) publish(t EventType, j Job, step *StepLog) {
	s.sink.Publish(Event{Type: t, JobID: j.ID, ProfileID: j.ProfileID, Job: &j, Step: step, Time: s.now()})
}

// jobQueue 是按 (优先级降序, 创建时间升序, 序号升序) 排列的堆。
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, k int) bool {
	a, b := q[i], q[k]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (q jobQueue) Swap(i, k int) { q[i], q[k] = q[k], q[i] }

func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*Job)) }

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

func (q *jobQueue) remove(j *Job) {
	for i, x := range *q {
		if x == j {
			heap.Remove(q, i)
			return
		}
	}
}
