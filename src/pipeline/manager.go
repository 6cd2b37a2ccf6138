package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

// ErrManagerClosed 管理器已关闭
var ErrManagerClosed = errors.New("pipeline manager closed")

// RunRecorder 运行历史记录，记录失败只打日志，不影响管道
type RunRecorder interface {
	RunStarted(ctx context.Context, runID, source string, startedAt time.Time) error
	SegmentUploaded(ctx context.Context, runID string, rec media.UploadRecord) error
	RunFinished(ctx context.Context, result media.Result) error
}

// ResultHook 每次运行结束后调用，排队中被取消的运行也会调用
type ResultHook func(result media.Result)

// StartHook 运行拿到槽位、真正开始时调用
type StartHook func(runID string)

// ManagerConfig 管理器配置
type ManagerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"` // 最大并发数
}

// DefaultManagerConfig 返回默认配置
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		MaxConcurrent: 2,
	}
}

// Job 已提交的运行
type Job struct {
	RunID  string
	Source string
	// Done 终态时写入一次结果
	Done <-chan media.Result
}

// Manager 管道运行管理器
// 负责并发控制、取消与运行历史记录，每个输入文件一个 Orchestrator
type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	collab       Collaborators
	opts         Options
	config       *ManagerConfig
	recorder     RunRecorder
	hooks        []ResultHook
	startHooks   []StartHook
	slots        chan struct{}
	runningTasks map[string]context.CancelFunc
	mu           sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
}

// NewManager 创建管理器，recorder 可为空
func NewManager(ctx context.Context, collab Collaborators, opts Options, config *ManagerConfig, recorder RunRecorder) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	opts.setDefaults()

	managerCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		collab:       collab,
		opts:         opts,
		config:       config,
		recorder:     recorder,
		slots:        make(chan struct{}, config.MaxConcurrent),
		runningTasks: make(map[string]context.CancelFunc),
	}
}

// OnResult 注册结果回调，须在 Submit 之前调用
func (m *Manager) OnResult(hook ResultHook) {
	m.hooks = append(m.hooks, hook)
}

// OnStart 注册开始回调，须在 Submit 之前调用
func (m *Manager) OnStart(hook StartHook) {
	m.startHooks = append(m.startHooks, hook)
}

// Submit 提交一个输入文件，超过并发上限时排队
func (m *Manager) Submit(in Inputs) (*Job, error) {
	opts := m.opts
	userHook := opts.OnUploaded
	opts.OnUploaded = func(runID string, rec media.UploadRecord, took time.Duration) {
		if m.recorder != nil {
			if err := m.recorder.SegmentUploaded(context.WithoutCancel(m.ctx), runID, rec); err != nil {
				logrus.WithError(err).WithField("run_id", runID).Warn("failed to record uploaded segment")
			}
		}
		if userHook != nil {
			userHook(runID, rec, took)
		}
	}
	o := NewOrchestrator(m.collab, opts)
	if err := o.validate(in); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	taskCtx, cancel := context.WithCancel(m.ctx)
	m.runningTasks[o.RunID()] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	done := make(chan media.Result, 1)
	job := &Job{RunID: o.RunID(), Source: in.Source.Name(), Done: done}

	logrus.WithFields(logrus.Fields{
		"run_id": job.RunID,
		"source": job.Source,
	}).Info("pipeline run enqueued")

	bilisentry.Go(func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.runningTasks, job.RunID)
			m.mu.Unlock()
			cancel()
		}()
		done <- m.execute(taskCtx, o, in)
		close(done)
	})
	return job, nil
}

func (m *Manager) execute(ctx context.Context, o *Orchestrator, in Inputs) media.Result {
	// 历史记录在管理器关闭时仍要写入
	recordCtx := context.WithoutCancel(m.ctx)

	// 等待空余槽位
	select {
	case m.slots <- struct{}{}:
		defer func() { <-m.slots }()
	case <-ctx.Done():
		err := media.NewError(media.KindCanceled, "queue", context.Cause(ctx))
		logrus.WithField("run_id", o.RunID()).Info("pipeline run cancelled before start")
		m.record(recordCtx, o, in)
		return m.finish(recordCtx, media.Result{
			RunID:  o.RunID(),
			Status: media.StatusFailed,
			Err:    err,
			Kind:   media.KindCanceled,
		})
	}

	m.record(recordCtx, o, in)
	for _, hook := range m.startHooks {
		hook(o.RunID())
	}

	result, err := o.Run(ctx, in)
	if err != nil {
		result = media.Result{
			RunID:  o.RunID(),
			Status: media.StatusFailed,
			Err:    err,
			Kind:   media.KindOf(err),
		}
	}
	return m.finish(recordCtx, result)
}

func (m *Manager) record(ctx context.Context, o *Orchestrator, in Inputs) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RunStarted(ctx, o.RunID(), in.Source.Name(), time.Now()); err != nil {
		logrus.WithError(err).WithField("run_id", o.RunID()).Warn("failed to record run start")
	}
}

func (m *Manager) finish(ctx context.Context, result media.Result) media.Result {
	if m.recorder != nil {
		if err := m.recorder.RunFinished(ctx, result); err != nil {
			logrus.WithError(err).WithField("run_id", result.RunID).Warn("failed to record run result")
		}
	}
	for _, hook := range m.hooks {
		hook(result)
	}
	return result
}

// Cancel 取消一次运行
func (m *Manager) Cancel(runID string) error {
	m.mu.RLock()
	cancel, ok := m.runningTasks[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run %s is not running", runID)
	}
	cancel()
	logrus.WithField("run_id", runID).Info("pipeline run cancelled")
	return nil
}

// Running 返回排队或运行中的运行 ID
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.runningTasks))
	for id := range m.runningTasks {
		ids = append(ids, id)
	}
	return ids
}

// Wait 等待所有已提交的运行结束
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close 取消所有运行并等待其退出
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
