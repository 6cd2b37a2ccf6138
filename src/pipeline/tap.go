package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

// DefaultPreviewQueueSize 预览解码队列长度（以块计）
const DefaultPreviewQueueSize = 32

// DefaultPreviewDrainTimeout 流结束后等待预览处理剩余块的最长时间
const DefaultPreviewDrainTimeout = 200 * time.Millisecond

// TapDecodeStage 原样转发编码流，同时把一份副本交给独立的预览解码器
// 预览链路永远不会阻塞主链路：队列满时丢弃数据块直到下一个关键帧
// 预览解码与渲染的失败只计数，不影响管道结果
type TapDecodeStage struct {
	factory   DecoderFactory
	renderer  Renderer
	queueSize int
	// drainTimeout 流结束后最多等待预览这么久，超时后放弃剩余的块
	drainTimeout time.Duration
	logger       logrus.FieldLogger

	failures atomic.Int64
	dropped  atomic.Int64
	rendered atomic.Int64
	disabled atomic.Bool

	// 以下字段只在 Run 的 goroutine 中访问
	queue         chan media.Packet
	resync        bool
	pendingConfig *media.ConfigEvent
}

// NewTapDecodeStage 创建预览旁路，renderer 为空时只做转发
func NewTapDecodeStage(factory DecoderFactory, renderer Renderer, queueSize int, logger logrus.FieldLogger) *TapDecodeStage {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if queueSize <= 0 {
		queueSize = DefaultPreviewQueueSize
	}
	return &TapDecodeStage{
		factory:      factory,
		renderer:     renderer,
		queueSize:    queueSize,
		drainTimeout: DefaultPreviewDrainTimeout,
		logger:       logger.WithField("stage", StageNameTap),
	}
}

func (s *TapDecodeStage) Name() string {
	return StageNameTap
}

// Failures 预览解码与渲染失败次数
func (s *TapDecodeStage) Failures() int {
	return int(s.failures.Load())
}

// Dropped 因预览跟不上而丢弃的块数
func (s *TapDecodeStage) Dropped() int {
	return int(s.dropped.Load())
}

// Rendered 成功渲染的帧数
func (s *TapDecodeStage) Rendered() int {
	return int(s.rendered.Load())
}

func (s *TapDecodeStage) Run(ctx context.Context, in <-chan media.Packet, out chan<- media.Packet) error {
	preview := s.renderer != nil && s.factory != nil
	previewDone := make(chan struct{})
	previewCtx, stopPreview := context.WithCancel(ctx)
	defer stopPreview()

	if preview {
		s.queue = make(chan media.Packet, s.queueSize)
		s.resync = true
		bilisentry.GoWithContext(previewCtx, func(ctx context.Context) {
			defer close(previewDone)
			s.runPreview(ctx, s.queue)
		})
	}

	err := func() error {
		for {
			p, ok, err := recv(ctx, in)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if preview && !s.disabled.Load() {
				s.offer(p)
			}
			if err := send(ctx, out, p); err != nil {
				return err
			}
		}
	}()

	if preview {
		s.finishPreview(err, previewDone, stopPreview)
	}
	return err
}

// finishPreview 正常结束时给预览有限的时间处理剩余的块，出错时直接停止
// 超时后取消预览并返回，卡在 Render 中的 goroutine 由渲染器自行返回后退出
func (s *TapDecodeStage) finishPreview(err error, done <-chan struct{}, stop context.CancelFunc) {
	close(s.queue)
	if err != nil {
		stop()
	}
	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		stop()
		s.logger.WithField("timeout", s.drainTimeout).Warn("preview did not drain in time, remaining frames abandoned")
	}
	s.logger.WithFields(logrus.Fields{
		"rendered": s.Rendered(),
		"dropped":  s.Dropped(),
		"failures": s.Failures(),
	}).Debug("preview tap finished")
}

// offer 非阻塞地把数据包交给预览队列
// 配置事件暂存，随后续第一个关键帧一起入队
func (s *TapDecodeStage) offer(p media.Packet) {
	switch p := p.(type) {
	case *media.ConfigEvent:
		s.pendingConfig = p
		s.resync = true
	case *media.CodedChunk:
		if s.resync {
			if !p.IsKey() {
				s.dropped.Add(1)
				return
			}
			if s.pendingConfig != nil {
				if !s.tryEnqueue(s.pendingConfig) {
					s.dropped.Add(1)
					return
				}
				s.pendingConfig = nil
			}
			s.resync = false
		}
		if !s.tryEnqueue(p) {
			s.dropped.Add(1)
			s.resync = true
		}
	}
}

func (s *TapDecodeStage) tryEnqueue(p media.Packet) bool {
	select {
	case s.queue <- p:
		return true
	default:
		return false
	}
}

// runPreview 预览解码循环，出错后关闭预览，主链路不受影响
func (s *TapDecodeStage) runPreview(ctx context.Context, queue <-chan media.Packet) {
	adapter := NewAdapter(StageNamePreview, s.factory, s.logger)
	defer adapter.Close()

	err := adapter.Drive(ctx,
		func(ctx context.Context) error {
			for {
				p, ok, err := recv(ctx, queue)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				switch p := p.(type) {
				case *media.ConfigEvent:
					err = adapter.Configure(ctx, p.Config)
				case *media.CodedChunk:
					if !adapter.Configured() {
						continue
					}
					err = adapter.Feed(ctx, p)
				}
				if err != nil {
					return err
				}
			}
		},
		func(_ context.Context, frame *media.RawFrame) error {
			defer frame.Release()
			if err := s.renderer.Render(frame); err != nil {
				n := s.failures.Add(1)
				// 只打印前几次，避免刷屏
				if n <= 3 {
					s.logger.WithError(err).WithField("timestamp", frame.Timestamp).Warn("preview render failed")
				}
				return nil
			}
			s.rendered.Add(1)
			return nil
		},
	)
	if err != nil && ctx.Err() == nil {
		s.failures.Add(1)
		s.disabled.Store(true)
		s.logger.WithError(err).Warn("preview decoder failed, preview disabled")
	}
}
