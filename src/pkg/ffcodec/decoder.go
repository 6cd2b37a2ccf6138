// Package ffcodec ffmpeg 子进程实现的 H.264 编解码器
package ffcodec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/pipeline"
	"github.com/bililive-go/segcast/src/pkg/avc"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

// Options 编解码器公共选项
type Options struct {
	FFmpegPath string
	// HWAccel 解码使用的 -hwaccel 值，为空时软件解码
	HWAccel string
	Prober  *Prober
	Logger  logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.Prober == nil {
		o.Prober = NewProber(0)
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

func (o *Options) capabilities() (*Capabilities, error) {
	if o.FFmpegPath == "" {
		return nil, errors.New("ffmpeg path not configured")
	}
	return o.Prober.Capabilities(o.FFmpegPath)
}

// Decoder 把 Annex-B 访问单元解码为 yuv420p 帧
// 每次 Configure 启动一个 ffmpeg 进程，Flush 结束该进程
type Decoder struct {
	opts Options
	cb   pipeline.CodecCallbacks[*media.RawFrame]
	pool sync.Pool

	mu         sync.Mutex
	proc       *process
	readerDone chan struct{}
	width      int
	height     int
	pts        []time.Duration
	closed     bool
}

// NewDecoderFactory 返回 pipeline.DecoderFactory
func NewDecoderFactory(opts Options) pipeline.DecoderFactory {
	opts.setDefaults()
	return func(cb pipeline.CodecCallbacks[*media.RawFrame]) (pipeline.Decoder, error) {
		return &Decoder{opts: opts, cb: cb}, nil
	}
}

// IsConfigSupported 只支持 H.264，且 ffmpeg 需带 h264 解码器
func (d *Decoder) IsConfigSupported(_ context.Context, cfg media.DecoderConfig) (bool, error) {
	if !strings.HasPrefix(cfg.Codec, "avc1") && !strings.HasPrefix(cfg.Codec, "avc3") {
		return false, nil
	}
	if cfg.CodedWidth <= 0 || cfg.CodedHeight <= 0 {
		return false, nil
	}
	caps, err := d.opts.capabilities()
	if err != nil {
		return false, err
	}
	if d.opts.HWAccel != "" && !caps.HasHWAccel(d.opts.HWAccel) {
		return false, nil
	}
	return caps.HasDecoder("h264"), nil
}

func decoderArgs(cfg media.DecoderConfig, hwaccel string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if hwaccel != "" {
		args = append(args, "-hwaccel", hwaccel)
	}
	return append(args,
		"-f", "h264", "-i", "pipe:0",
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.CodedWidth, cfg.CodedHeight),
		"-pix_fmt", "yuv420p",
		"-vsync", "passthrough",
		"-f", "rawvideo", "pipe:1",
	)
}

// Configure 启动解码进程并写入带外参数集
func (d *Decoder) Configure(ctx context.Context, cfg media.DecoderConfig) error {
	if err := d.Flush(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	proc, err := startProcess(d.opts.FFmpegPath, decoderArgs(cfg, d.opts.HWAccel), d.opts.Logger)
	if err != nil {
		return err
	}
	d.proc = proc
	d.width, d.height = cfg.CodedWidth, cfg.CodedHeight
	d.pts = d.pts[:0]
	d.readerDone = make(chan struct{})

	done := d.readerDone
	width, height := d.width, d.height
	bilisentry.Go(func() {
		defer close(done)
		d.readFrames(proc, width, height)
	})

	if len(cfg.ParameterSets) > 0 {
		if err := proc.write(avc.MarshalAnnexB(cfg.ParameterSets)); err != nil {
			return err
		}
	}
	return nil
}

// Submit 写入一个访问单元，管道写满时阻塞
func (d *Decoder) Submit(_ context.Context, chunk *media.CodedChunk) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errClosed
	}
	proc := d.proc
	if proc == nil {
		d.mu.Unlock()
		return errors.New("ffmpeg decoder not configured")
	}
	// 输出按显示顺序排列，时间戳取最小的待输出值
	i := sort.Search(len(d.pts), func(i int) bool { return d.pts[i] > chunk.Timestamp })
	d.pts = append(d.pts, 0)
	copy(d.pts[i+1:], d.pts[i:])
	d.pts[i] = chunk.Timestamp
	d.mu.Unlock()

	return proc.write(chunk.Data)
}

func (d *Decoder) nextPTS() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pts) == 0 {
		return 0
	}
	ts := d.pts[0]
	d.pts = d.pts[1:]
	return ts
}

func (d *Decoder) getBuffer(size int) []byte {
	if b, ok := d.pool.Get().([]byte); ok && cap(b) >= size {
		return b[:size]
	}
	return make([]byte, size)
}

func (d *Decoder) readFrames(proc *process, width, height int) {
	size := media.FrameSize(width, height)
	for {
		buf := d.getBuffer(size)
		if _, err := io.ReadFull(proc.stdout, buf); err != nil {
			d.pool.Put(buf[:0])
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !d.isClosed() {
				d.cb.Error(proc.describe(fmt.Errorf("ffmpeg decoder read: %w", err)))
			}
			return
		}
		frame := media.NewRawFrame(width, height, d.nextPTS(), buf, func(b []byte) {
			d.pool.Put(b[:0])
		})
		if err := d.cb.Output(frame); err != nil {
			// 下游已停止接收
			proc.kill()
			io.Copy(io.Discard, proc.stdout)
			return
		}
	}
}

func (d *Decoder) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Flush 关闭输入并等待所有帧输出，进程退出后可重新 Configure
func (d *Decoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	proc, done := d.proc, d.readerDone
	d.mu.Unlock()
	if proc == nil {
		return nil
	}
	defer func() {
		d.mu.Lock()
		if d.proc == proc {
			d.proc = nil
		}
		d.mu.Unlock()
	}()

	proc.closeInput()
	select {
	case <-done:
	case <-ctx.Done():
		proc.kill()
		<-done
		proc.wait()
		return context.Cause(ctx)
	}
	if err := proc.wait(); err != nil {
		if d.isClosed() {
			return errClosed
		}
		return err
	}
	return nil
}

// Close 结束进程，可与阻塞中的 Submit、Flush 并发调用
func (d *Decoder) Close() error {
	d.mu.Lock()
	d.closed = true
	proc := d.proc
	d.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
	return nil
}
