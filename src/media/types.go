// Package media 定义转码管道中流转的数据类型
package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ChunkType 编码块类型
type ChunkType string

const (
	// ChunkKey 关键帧，可独立解码
	ChunkKey ChunkType = "key"
	// ChunkDelta 依赖前序帧的增量帧
	ChunkDelta ChunkType = "delta"
)

// Packet 编码流中的一个条目：*ConfigEvent 或 *CodedChunk
// 两者共用一条有序通道，以保证配置事件与数据块的相对顺序
type Packet interface {
	isPacket()
}

// CodedChunk 一个视频访问单元的压缩表示
type CodedChunk struct {
	Type      ChunkType     `json:"type"`
	Timestamp time.Duration `json:"timestamp"`          // 显示时间戳
	Duration  time.Duration `json:"duration,omitempty"` // 可为 0（未知）
	Data      []byte        `json:"-"`
}

func (*CodedChunk) isPacket() {}

// IsKey 是否为关键帧
func (c *CodedChunk) IsKey() bool {
	return c.Type == ChunkKey
}

func (c *CodedChunk) String() string {
	return fmt.Sprintf("chunk(%s ts=%s size=%d)", c.Type, c.Timestamp, len(c.Data))
}

// ConfigEvent 解码配置事件，必须出现在第一个依赖它的 CodedChunk 之前
type ConfigEvent struct {
	Config DecoderConfig
}

func (*ConfigEvent) isPacket() {}

// RawFrame 解码后的图像
// 所有权：由产生者交给唯一的下游消费者，消费者用完后必须调用 Release
type RawFrame struct {
	Width     int
	Height    int
	Timestamp time.Duration
	Duration  time.Duration
	// Data 为 yuv420p 平面数据：Y(w*h) U(w*h/4) V(w*h/4)
	Data []byte

	releaseOnce sync.Once
	released    atomic.Bool
	onRelease   func([]byte)
}

// NewRawFrame 创建帧，onRelease 可为 nil（例如不使用缓冲池时）
func NewRawFrame(width, height int, ts time.Duration, data []byte, onRelease func([]byte)) *RawFrame {
	return &RawFrame{
		Width:     width,
		Height:    height,
		Timestamp: ts,
		Data:      data,
		onRelease: onRelease,
	}
}

// FrameSize 返回 yuv420p 帧的字节数
func FrameSize(width, height int) int {
	return width*height + 2*((width+1)/2)*((height+1)/2)
}

// Release 归还帧占用的资源，重复调用无副作用
func (f *RawFrame) Release() {
	f.releaseOnce.Do(func() {
		f.released.Store(true)
		data := f.Data
		f.Data = nil
		if f.onRelease != nil && data != nil {
			f.onRelease(data)
		}
	})
}

// Released 帧是否已被释放
func (f *RawFrame) Released() bool {
	return f.released.Load()
}

// MuxedSegment 复用器输出的一段连续字节
// 同一次运行中的分段按产出顺序拼接即得到完整的输出容器
type MuxedSegment struct {
	Data     []byte
	Position int64 // 该段在输出容器中的起始偏移
}

// Len 分段字节数
func (s MuxedSegment) Len() int {
	return len(s.Data)
}

// UploadRequest 一次上传调用
type UploadRequest struct {
	Name     string
	Sequence int
	Data     []byte
}

// UploadRecord 已完成的上传
type UploadRecord struct {
	Sequence   int       `json:"sequence"`
	Name       string    `json:"name"`
	Bytes      int64     `json:"bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}
