package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
)

// DefaultFlushThreshold 累计字节数超过该值时上传一个批次
const DefaultFlushThreshold int64 = 10_000_000

var errBatcherEnded = errors.New("upload batcher already ended")

// Naming 上传对象命名规则：{base}-{resolution}.{seq}.{ext}
type Naming struct {
	BaseName        string
	ResolutionLabel string
	ContainerExt    string
}

// NewNaming 由输入文件名构造命名规则
func NewNaming(sourceName, resolutionLabel, containerExt string) Naming {
	return Naming{
		BaseName:        BaseName(sourceName),
		ResolutionLabel: resolutionLabel,
		ContainerExt:    containerExt,
	}
}

// SegmentName 第 seq 个上传批次的名称
func (n Naming) SegmentName(seq int) string {
	return fmt.Sprintf("%s-%s.%d.%s", n.BaseName, n.ResolutionLabel, seq, n.ContainerExt)
}

// OutputName 拼接所有批次后得到的完整文件名
func (n Naming) OutputName() string {
	return fmt.Sprintf("%s-%s.%s", n.BaseName, n.ResolutionLabel, n.ContainerExt)
}

// UploadBatch 待上传的字节累积
type UploadBatch struct {
	Buffers    [][]byte
	TotalBytes int64
	// SequenceNumber 最近一次已分配的序号，从 1 开始分配
	SequenceNumber int
}

// Append 追加一段数据，空数据忽略
func (b *UploadBatch) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.Buffers = append(b.Buffers, data)
	b.TotalBytes += int64(len(data))
}

// Empty 是否没有待上传数据
func (b UploadBatch) Empty() bool {
	return b.TotalBytes == 0
}

// Flush 把当前批次拼接成一个上传请求，返回序号加一后的空批次
func (b UploadBatch) Flush(naming Naming) (UploadBatch, media.UploadRequest) {
	seq := b.SequenceNumber + 1
	data := make([]byte, 0, b.TotalBytes)
	for _, buf := range b.Buffers {
		data = append(data, buf...)
	}
	return UploadBatch{SequenceNumber: seq}, media.UploadRequest{
		Name:     naming.SegmentName(seq),
		Sequence: seq,
		Data:     data,
	}
}

// UploadHook 每次上传成功后回调
type UploadHook func(rec media.UploadRecord, took time.Duration)

// BatcherOption 批量上传器选项
type BatcherOption func(*UploadBatcher)

// WithUploadHook 设置上传成功回调
func WithUploadHook(hook UploadHook) BatcherOption {
	return func(b *UploadBatcher) {
		b.hooks = append(b.hooks, hook)
	}
}

// WithBatcherLogger 设置日志
func WithBatcherLogger(logger logrus.FieldLogger) BatcherOption {
	return func(b *UploadBatcher) {
		b.logger = logger.WithField("stage", StageNameUpload)
	}
}

// UploadBatcher 按字节阈值把复用器分段攒批上传
// 非并发安全，只应在一个 goroutine 中使用
type UploadBatcher struct {
	svc       UploadService
	naming    Naming
	threshold int64
	hooks     []UploadHook
	logger    logrus.FieldLogger

	batch    UploadBatch
	ended    bool
	uploaded []media.UploadRecord
	bytes    int64
}

// NewUploadBatcher 创建批量上传器，threshold <= 0 时使用默认阈值
func NewUploadBatcher(svc UploadService, naming Naming, threshold int64, opts ...BatcherOption) *UploadBatcher {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	b := &UploadBatcher{
		svc:       svc,
		naming:    naming,
		threshold: threshold,
		logger:    logrus.StandardLogger().WithField("stage", StageNameUpload),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnSegment 追加一个分段，累计字节数严格超过阈值时立即上传
func (b *UploadBatcher) OnSegment(ctx context.Context, seg media.MuxedSegment) error {
	if b.ended {
		return errBatcherEnded
	}
	b.batch.Append(seg.Data)
	if b.batch.TotalBytes > b.threshold {
		return b.flush(ctx)
	}
	return nil
}

// OnEnd 流结束，上传剩余数据（如有）
func (b *UploadBatcher) OnEnd(ctx context.Context) error {
	if b.ended {
		return errBatcherEnded
	}
	b.ended = true
	if b.batch.Empty() {
		return nil
	}
	return b.flush(ctx)
}

func (b *UploadBatcher) flush(ctx context.Context) error {
	next, req := b.batch.Flush(b.naming)
	b.batch = next

	start := time.Now()
	logger := b.logger.WithFields(logrus.Fields{
		"name":  req.Name,
		"bytes": len(req.Data),
	})
	logger.Debug("uploading batch")
	if err := b.svc.Upload(ctx, req); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		logger.WithError(err).Error("upload failed")
		return media.NewError(media.KindUploadFault, StageNameUpload, fmt.Errorf("upload %s: %w", req.Name, err))
	}

	took := time.Since(start)
	rec := media.UploadRecord{
		Sequence:   req.Sequence,
		Name:       req.Name,
		Bytes:      int64(len(req.Data)),
		UploadedAt: time.Now(),
	}
	b.uploaded = append(b.uploaded, rec)
	b.bytes += rec.Bytes
	logger.WithField("took", took.Round(time.Millisecond)).Info("batch uploaded")
	for _, hook := range b.hooks {
		hook(rec, took)
	}
	return nil
}

// Uploaded 已成功上传的批次
func (b *UploadBatcher) Uploaded() []media.UploadRecord {
	return append([]media.UploadRecord(nil), b.uploaded...)
}

// UploadedBytes 已成功上传的字节数
func (b *UploadBatcher) UploadedBytes() int64 {
	return b.bytes
}

// Pending 当前批次
func (b *UploadBatcher) Pending() UploadBatch {
	return b.batch
}

// BatchSink 把 UploadBatcher 接到管道末端
type BatchSink struct {
	batcher *UploadBatcher
}

// NewBatchSink 创建上传终点
func NewBatchSink(batcher *UploadBatcher) *BatchSink {
	return &BatchSink{batcher: batcher}
}

func (s *BatchSink) Name() string {
	return StageNameUpload
}

func (s *BatchSink) Run(ctx context.Context, in <-chan media.MuxedSegment) error {
	for {
		seg, ok, err := recv(ctx, in)
		if err != nil {
			return err
		}
		// 管道已失败时不再接受新的分段
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !ok {
			return s.batcher.OnEnd(ctx)
		}
		if err := s.batcher.OnSegment(ctx, seg); err != nil {
			return err
		}
	}
}
