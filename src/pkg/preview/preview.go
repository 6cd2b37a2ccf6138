// Package preview 把解码帧写成 WebP 预览图
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chai2010/webp"
	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

// ErrShortFrame 帧数据长度与尺寸不符
var ErrShortFrame = errors.New("preview: frame data shorter than yuv420p size")

// Options 预览选项
type Options struct {
	// Path 预览图路径，为空时只保留在内存中
	Path string
	// Interval 两次写入的最小间隔
	Interval time.Duration
	Quality  float32
	Logger   logrus.FieldLogger
}

// Writer 节流的预览渲染器
// Render 只做一次帧拷贝，编码与写盘在后台进行，忙时直接丢弃新帧
type Writer struct {
	opts Options

	mu      sync.Mutex
	last    time.Time
	latest  []byte
	busy    atomic.Bool
	written atomic.Int64
	skipped atomic.Int64
	wg      sync.WaitGroup
}

// New 创建预览渲染器
func New(opts Options) (*Writer, error) {
	if opts.Quality <= 0 {
		opts.Quality = 75
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create preview directory: %w", err)
		}
	}
	return &Writer{opts: opts}, nil
}

// Render 实现 pipeline.Renderer，返回后不再引用 frame
func (w *Writer) Render(frame *media.RawFrame) error {
	if len(frame.Data) < media.FrameSize(frame.Width, frame.Height) {
		return ErrShortFrame
	}

	w.mu.Lock()
	now := time.Now()
	if !w.last.IsZero() && now.Sub(w.last) < w.opts.Interval {
		w.mu.Unlock()
		w.skipped.Add(1)
		return nil
	}
	if !w.busy.CompareAndSwap(false, true) {
		w.mu.Unlock()
		w.skipped.Add(1)
		return nil
	}
	w.last = now
	w.mu.Unlock()

	img := toImage(frame)
	w.wg.Add(1)
	bilisentry.Go(func() {
		defer w.wg.Done()
		defer w.busy.Store(false)
		if err := w.write(img); err != nil {
			w.opts.Logger.WithError(err).Warn("failed to write preview")
		}
	})
	return nil
}

// toImage 拷贝 yuv420p 平面并转换为 RGBA
func toImage(frame *media.RawFrame) *image.RGBA {
	rect := image.Rect(0, 0, frame.Width, frame.Height)
	ycc := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
	ySize := frame.Width * frame.Height
	cSize := ((frame.Width + 1) / 2) * ((frame.Height + 1) / 2)
	copy(ycc.Y, frame.Data[:ySize])
	copy(ycc.Cb, frame.Data[ySize:ySize+cSize])
	copy(ycc.Cr, frame.Data[ySize+cSize:ySize+2*cSize])

	rgba := image.NewRGBA(rect)
	draw.Draw(rgba, rect, ycc, image.Point{}, draw.Src)
	return rgba
}

func (w *Writer) write(img image.Image) error {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: w.opts.Quality}); err != nil {
		return fmt.Errorf("encode webp: %w", err)
	}
	data := buf.Bytes()

	w.mu.Lock()
	w.latest = data
	w.mu.Unlock()

	if w.opts.Path != "" {
		tmp := w.opts.Path + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return err
		}
		if err := os.Rename(tmp, w.opts.Path); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	w.written.Add(1)
	return nil
}

// Latest 最近一张预览图的 WebP 数据，没有时返回 nil
func (w *Writer) Latest() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// Written 已写出的预览图数量
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Skipped 因节流或忙碌而跳过的帧数
func (w *Writer) Skipped() int64 {
	return w.skipped.Load()
}

// Close 等待后台写入完成
func (w *Writer) Close() error {
	w.wg.Wait()
	return nil
}
