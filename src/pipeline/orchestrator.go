package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

var (
	// ErrNotReusable 编排器只能启动一次
	ErrNotReusable = errors.New("orchestrator already started")
	// ErrMissingCollaborator 缺少必要的外部能力
	ErrMissingCollaborator = errors.New("missing pipeline collaborator")
)

const (
	DefaultResolutionLabel = "144p"
	DefaultContainerExt    = "mp4"
)

// Options 编排器选项
type Options struct {
	FlushThreshold   int64
	ResolutionLabel  string
	ContainerExt     string
	PreviewQueueSize int
	Logger           logrus.FieldLogger
	// OnUploaded 每个批次上传成功后调用，在上传 goroutine 中执行
	OnUploaded func(runID string, rec media.UploadRecord, took time.Duration)
}

func (o *Options) setDefaults() {
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = DefaultFlushThreshold
	}
	if o.ResolutionLabel == "" {
		o.ResolutionLabel = DefaultResolutionLabel
	}
	if o.ContainerExt == "" {
		o.ContainerExt = DefaultContainerExt
	}
	if o.PreviewQueueSize <= 0 {
		o.PreviewQueueSize = DefaultPreviewQueueSize
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Inputs 一次运行的输入
type Inputs struct {
	Source       SourceFile
	EncodeConfig media.EncodeConfig
	// Renderer 可为空，为空时不做预览解码
	Renderer Renderer
	// OnProgress 可为空，状态变化与每次上传后调用
	OnProgress func(Progress)
}

// Orchestrator 构建并运行一次 解封装 -> 解码 -> 编码 -> 预览旁路 -> 封装 -> 上传 的管道
// 状态 INIT -> RUNNING -> DONE | FAILED，不可复用
type Orchestrator struct {
	collab Collaborators
	opts   Options
	runID  string
	logger logrus.FieldLogger

	mu    sync.Mutex
	state State
}

// NewOrchestrator 创建编排器
func NewOrchestrator(collab Collaborators, opts Options) *Orchestrator {
	opts.setDefaults()
	runID := uuid.Must(uuid.NewV4()).String()
	return &Orchestrator{
		collab: collab,
		opts:   opts,
		runID:  runID,
		logger: opts.Logger.WithField("run_id", runID),
		state:  StateInit,
	}
}

// RunID 本次运行的唯一标识
func (o *Orchestrator) RunID() string {
	return o.runID
}

// State 当前状态
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) validate(in Inputs) error {
	switch {
	case in.Source == nil:
		return fmt.Errorf("%w: source", ErrMissingCollaborator)
	case o.collab.Demuxer == nil:
		return fmt.Errorf("%w: demuxer", ErrMissingCollaborator)
	case o.collab.NewDecoder == nil:
		return fmt.Errorf("%w: decoder", ErrMissingCollaborator)
	case o.collab.NewEncoder == nil:
		return fmt.Errorf("%w: encoder", ErrMissingCollaborator)
	case o.collab.NewMuxer == nil:
		return fmt.Errorf("%w: muxer", ErrMissingCollaborator)
	case o.collab.Uploader == nil:
		return fmt.Errorf("%w: uploader", ErrMissingCollaborator)
	}
	return nil
}

// Start 启动管道，结果在终态时写入返回的通道（恰好一次）
// 取消 ctx 会中止管道，结果为 FAILED
func (o *Orchestrator) Start(ctx context.Context, in Inputs) (<-chan media.Result, error) {
	o.mu.Lock()
	if o.state != StateInit {
		o.mu.Unlock()
		return nil, ErrNotReusable
	}
	if err := o.validate(in); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.state = StateRunning
	o.mu.Unlock()

	results := make(chan media.Result, 1)
	bilisentry.Go(func() {
		results <- o.run(ctx, in)
		close(results)
	})
	return results, nil
}

// Run 同步运行，等价于 Start 后等待结果
func (o *Orchestrator) Run(ctx context.Context, in Inputs) (media.Result, error) {
	results, err := o.Start(ctx, in)
	if err != nil {
		return media.Result{}, err
	}
	return <-results, nil
}

func (o *Orchestrator) run(ctx context.Context, in Inputs) (result media.Result) {
	start := time.Now()
	naming := NewNaming(in.Source.Name(), o.opts.ResolutionLabel, o.opts.ContainerExt)
	logger := o.logger.WithField("source", in.Source.Name())

	result = media.Result{
		RunID:          o.runID,
		OutputFileName: naming.OutputName(),
	}
	progress := func(state State, segments int, bytes int64) {
		if in.OnProgress != nil {
			in.OnProgress(Progress{
				RunID:    o.runID,
				State:    state,
				Elapsed:  time.Since(start),
				Segments: segments,
				Bytes:    bytes,
			})
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("pipeline panic: %v", r)
			bilisentry.CaptureException(err)
			logger.Errorf("pipeline panic: %v\n%s", r, debug.Stack())
			result.Status = media.StatusFailed
			result.Err = err
			result.Kind = media.KindOf(err)
			result.Elapsed = time.Since(start)
			o.setState(StateFailed)
		}
	}()

	logger.WithFields(logrus.Fields{
		"encode":    in.EncodeConfig.String(),
		"threshold": o.opts.FlushThreshold,
	}).Info("pipeline started")
	progress(StateRunning, 0, 0)

	var uploadedBytes int64
	var uploadedCount int
	batcher := NewUploadBatcher(o.collab.Uploader, naming, o.opts.FlushThreshold,
		WithBatcherLogger(logger),
		WithUploadHook(func(rec media.UploadRecord, took time.Duration) {
			uploadedCount++
			uploadedBytes += rec.Bytes
			if o.opts.OnUploaded != nil {
				o.opts.OnUploaded(o.runID, rec, took)
			}
			progress(StateRunning, uploadedCount, uploadedBytes)
		}),
	)
	previewFactory := o.collab.NewPreviewDecoder
	if previewFactory == nil {
		previewFactory = o.collab.NewDecoder
	}
	tap := NewTapDecodeStage(previewFactory, in.Renderer, o.opts.PreviewQueueSize, logger)

	chain := NewChain(ctx, logger)
	packets := From[media.Packet](chain, NewDemuxSource(o.collab.Demuxer, in.Source, logger))
	frames := Pipe[media.Packet, *media.RawFrame](chain, packets, NewDecodeStage(o.collab.NewDecoder, logger))
	encoded := Pipe[*media.RawFrame, media.Packet](chain, frames, NewEncodeStage(o.collab.NewEncoder, in.EncodeConfig, logger))
	tapped := Pipe[media.Packet, media.Packet](chain, encoded, tap)
	segments := Pipe[media.Packet, media.MuxedSegment](chain, tapped, NewMuxStage(o.collab.NewMuxer, logger))
	To[media.MuxedSegment](chain, segments, NewBatchSink(batcher))
	err := chain.Wait()

	result.Uploaded = batcher.Uploaded()
	result.Bytes = batcher.UploadedBytes()
	result.RenderFailures = tap.Failures()
	result.Elapsed = time.Since(start)

	fields := logrus.Fields{
		"uploads":         len(result.Uploaded),
		"bytes":           result.Bytes,
		"render_failures": result.RenderFailures,
		"elapsed":         result.Elapsed.Round(time.Millisecond),
	}
	if err != nil {
		result.Status = media.StatusFailed
		result.Err = err
		result.Kind = media.KindOf(err)
		o.setState(StateFailed)
		logger.WithFields(fields).WithError(err).WithField("kind", result.Kind).Error("pipeline failed")
		progress(StateFailed, len(result.Uploaded), result.Bytes)
		return result
	}

	result.Status = media.StatusDone
	o.setState(StateDone)
	logger.WithFields(fields).Info("pipeline finished")
	progress(StateDone, len(result.Uploaded), result.Bytes)
	return result
}
