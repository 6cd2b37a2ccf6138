//go:generate go run go.uber.org/mock/mockgen -package pipeline -destination mock_test.go github.com/bililive-go/segcast/src/pipeline UploadService,Renderer

// Package pipeline 分段转码管道：解封装、解码、编码、预览旁路、封装、批量上传
package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bililive-go/segcast/src/media"
)

// State 编排器状态
type State string

const (
	StateInit    State = "init"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// 阶段名，用于日志与错误分类
const (
	StageNameDemux   = "demux"
	StageNameDecode  = "decode"
	StageNameEncode  = "encode"
	StageNameTap     = "tap_decode"
	StageNamePreview = "preview"
	StageNameMux     = "mux"
	StageNameUpload  = "upload"
)

// Source 管道起点，产出写入 out，out 由调用方在 Run 返回后关闭
type Source[Out any] interface {
	Name() string
	Run(ctx context.Context, out chan<- Out) error
}

// Stage 管道中间阶段，从 in 读取直到其关闭
// 实现不得关闭 out
type Stage[In, Out any] interface {
	Name() string
	Run(ctx context.Context, in <-chan In, out chan<- Out) error
}

// Sink 管道终点
type Sink[In any] interface {
	Name() string
	Run(ctx context.Context, in <-chan In) error
}

// SourceFile 待处理的输入文件
type SourceFile interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// LocalFile 本地文件输入
type LocalFile struct {
	Path string
}

// Name 返回文件名（含扩展名）
func (f LocalFile) Name() string {
	return filepath.Base(f.Path)
}

func (f LocalFile) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// LocalPath 供需要直接访问路径的解封装器使用
func (f LocalFile) LocalPath() string {
	return f.Path
}

// BaseName 去掉扩展名的文件名
func BaseName(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// DemuxHandlers 解封装回调，两个回调均在 Demuxer.Run 的调用 goroutine 中按流顺序执行
type DemuxHandlers struct {
	OnConfig func(ctx context.Context, cfg media.DecoderConfig) error
	OnChunk  func(ctx context.Context, chunk *media.CodedChunk) error
}

// Demuxer 解析容器并按顺序回调配置与数据块
// 回调返回错误时应立即停止并返回该错误
type Demuxer interface {
	Run(ctx context.Context, src SourceFile, h DemuxHandlers) error
}

// CodecCallbacks 编解码器的异步输出
// Output 返回错误表示下游已不再接收，编解码器应停止产出
type CodecCallbacks[Out any] struct {
	Output func(out Out) error
	Error  func(err error)
}

// Codec 异步编解码器
// Flush 返回前，所有已提交输入对应的输出都必须已经通过 Output 交付
// Close 可能与阻塞中的 Submit、Flush 并发调用，此时后两者应尽快返回错误
type Codec[Cfg, In any] interface {
	IsConfigSupported(ctx context.Context, cfg Cfg) (bool, error)
	Configure(ctx context.Context, cfg Cfg) error
	Submit(ctx context.Context, in In) error
	Flush(ctx context.Context) error
	Close() error
}

// CodecFactory 创建编解码器实例
type CodecFactory[Cfg, In, Out any] func(cb CodecCallbacks[Out]) (Codec[Cfg, In], error)

// EncodedChunk 编码器输出：数据块，以及可选的解码配置（首个块或配置变化时携带）
type EncodedChunk struct {
	Chunk  *media.CodedChunk
	Config *media.DecoderConfig
}

type (
	Decoder        = Codec[media.DecoderConfig, *media.CodedChunk]
	Encoder        = Codec[media.EncodeConfig, *media.RawFrame]
	DecoderFactory = CodecFactory[media.DecoderConfig, *media.CodedChunk, *media.RawFrame]
	EncoderFactory = CodecFactory[media.EncodeConfig, *media.RawFrame, EncodedChunk]
)

// SegmentEmitter 复用器产出分段
type SegmentEmitter func(ctx context.Context, seg media.MuxedSegment) error

// Muxer 分片容器复用器
// 产出的分段按顺序拼接即为完整的容器文件
type Muxer interface {
	Configure(cfg media.DecoderConfig) error
	AddChunk(ctx context.Context, chunk *media.CodedChunk, emit SegmentEmitter) error
	Finalize(ctx context.Context, emit SegmentEmitter) error
}

// MuxerFactory 每次运行创建一个新的复用器
type MuxerFactory func() (Muxer, error)

// Renderer 预览渲染，不得在返回后持有 frame
type Renderer interface {
	Render(frame *media.RawFrame) error
}

// UploadService 上传服务，每个请求最多尝试一次
type UploadService interface {
	Upload(ctx context.Context, req media.UploadRequest) error
}

// Collaborators 管道依赖的外部能力
type Collaborators struct {
	Demuxer    Demuxer
	NewDecoder DecoderFactory
	NewEncoder EncoderFactory
	// NewPreviewDecoder 为空时使用 NewDecoder
	NewPreviewDecoder DecoderFactory
	NewMuxer          MuxerFactory
	Uploader          UploadService
}

// Progress 运行进度
type Progress struct {
	RunID    string
	State    State
	Elapsed  time.Duration
	Segments int
	Bytes    int64
}
