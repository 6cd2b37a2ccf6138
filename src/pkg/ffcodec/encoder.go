package ffcodec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/pipeline"
	"github.com/bililive-go/segcast/src/pkg/avc"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

const softwareEncoder = "libx264"

// hardwareEncoders 按优先级排列
var hardwareEncoders = []string{"h264_nvenc", "h264_qsv", "h264_videotoolbox", "h264_amf"}

// chooseEncoder 按硬件偏好选择 ffmpeg 编码器，没有可用的返回空串
func chooseEncoder(caps *Capabilities, pref media.HardwareAcceleration) string {
	hw := ""
	for _, name := range hardwareEncoders {
		if caps.HasEncoder(name) {
			hw = name
			break
		}
	}
	sw := ""
	if caps.HasEncoder(softwareEncoder) {
		sw = softwareEncoder
	}
	switch pref {
	case media.HardwarePreferHW:
		if hw != "" {
			return hw
		}
		return sw
	case media.HardwarePreferSW:
		return sw
	default:
		if sw != "" {
			return sw
		}
		return hw
	}
}

func encoderArgs(cfg media.EncodeConfig, encoder string, inWidth, inHeight int) []string {
	fps := cfg.Framerate
	if fps <= 0 {
		fps = 30
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "rawvideo", "-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", inWidth, inHeight),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "pipe:0",
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-pix_fmt", "yuv420p",
		"-c:v", encoder,
		"-b:v", strconv.Itoa(cfg.Bitrate),
		"-bf", "0",
		"-vsync", "passthrough",
	}
	if cfg.KeyframeInterval > 0 {
		args = append(args, "-g", strconv.Itoa(cfg.KeyframeInterval))
	}
	if encoder == softwareEncoder {
		args = append(args, "-profile:v", "baseline", "-preset", "veryfast", "-tune", "zerolatency")
	}
	// 每个访问单元以 AUD 开头，便于切分
	return append(args, "-bsf:v", "h264_metadata=aud=insert", "-f", "h264", "pipe:1")
}

type frameMeta struct {
	ts  time.Duration
	dur time.Duration
}

// Encoder 把 yuv420p 帧编码为 H.264 Annex-B 访问单元
// 进程在第一帧到达时按其尺寸启动
type Encoder struct {
	opts Options
	cb   pipeline.CodecCallbacks[pipeline.EncodedChunk]

	mu         sync.Mutex
	cfg        media.EncodeConfig
	encoder    string
	proc       *process
	readerDone chan struct{}
	inWidth    int
	inHeight   int
	pending    []frameMeta
	lastConfig *media.DecoderConfig
	closed     bool
}

// NewEncoderFactory 返回 pipeline.EncoderFactory
func NewEncoderFactory(opts Options) pipeline.EncoderFactory {
	opts.setDefaults()
	return func(cb pipeline.CodecCallbacks[pipeline.EncodedChunk]) (pipeline.Encoder, error) {
		return &Encoder{opts: opts, cb: cb}, nil
	}
}

// IsConfigSupported 只支持 H.264 输出
func (e *Encoder) IsConfigSupported(_ context.Context, cfg media.EncodeConfig) (bool, error) {
	if !cfg.IsAVC() || cfg.Width <= 0 || cfg.Height <= 0 || cfg.Bitrate <= 0 {
		return false, nil
	}
	// yuv420p 要求偶数尺寸
	if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return false, nil
	}
	caps, err := e.opts.capabilities()
	if err != nil {
		return false, err
	}
	return chooseEncoder(caps, cfg.HardwareAcceleration) != "", nil
}

// Configure 记录编码配置，已有进程时先排空
func (e *Encoder) Configure(ctx context.Context, cfg media.EncodeConfig) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}
	caps, err := e.opts.capabilities()
	if err != nil {
		return err
	}
	encoder := chooseEncoder(caps, cfg.HardwareAcceleration)
	if encoder == "" {
		return fmt.Errorf("%w: no H.264 encoder available", media.ErrUnsupportedConfiguration)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed
	}
	e.cfg = cfg
	e.encoder = encoder
	e.opts.Logger.WithField("encoder", encoder).Debug("ffmpeg encoder selected")
	return nil
}

func (e *Encoder) start(width, height int) (*process, error) {
	proc, err := startProcess(e.opts.FFmpegPath, encoderArgs(e.cfg, e.encoder, width, height), e.opts.Logger)
	if err != nil {
		return nil, err
	}
	e.proc = proc
	e.inWidth, e.inHeight = width, height
	e.pending = e.pending[:0]
	e.readerDone = make(chan struct{})
	done := e.readerDone
	bilisentry.Go(func() {
		defer close(done)
		e.readChunks(proc)
	})
	return proc, nil
}

// Submit 写入一帧，返回后调用方即可释放该帧
func (e *Encoder) Submit(_ context.Context, frame *media.RawFrame) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errClosed
	}
	if e.encoder == "" {
		e.mu.Unlock()
		return errors.New("ffmpeg encoder not configured")
	}
	proc := e.proc
	if proc == nil {
		var err error
		if proc, err = e.start(frame.Width, frame.Height); err != nil {
			e.mu.Unlock()
			return err
		}
	} else if frame.Width != e.inWidth || frame.Height != e.inHeight {
		e.mu.Unlock()
		return fmt.Errorf("frame size changed from %dx%d to %dx%d", e.inWidth, e.inHeight, frame.Width, frame.Height)
	}
	dur := frame.Duration
	if dur <= 0 && e.cfg.Framerate > 0 {
		dur = time.Duration(float64(time.Second) / e.cfg.Framerate)
	}
	e.pending = append(e.pending, frameMeta{ts: frame.Timestamp, dur: dur})
	e.mu.Unlock()

	return proc.write(frame.Data)
}

// popMeta 编码器不产生 B 帧，输出顺序与输入一致
func (e *Encoder) popMeta() frameMeta {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return frameMeta{}
	}
	m := e.pending[0]
	e.pending = e.pending[1:]
	return m
}

func (e *Encoder) readChunks(proc *process) {
	reader := avc.NewReader(proc.stdout)
	for {
		au, err := reader.Read()
		if err != nil {
			if !e.isClosed() && !errors.Is(err, io.EOF) {
				e.cb.Error(proc.describe(fmt.Errorf("ffmpeg encoder read: %w", err)))
			}
			return
		}
		meta := e.popMeta()
		out := pipeline.EncodedChunk{
			Chunk: &media.CodedChunk{
				Type:      avc.ChunkType(au),
				Timestamp: meta.ts,
				Duration:  meta.dur,
				Data:      avc.MarshalAnnexB(au),
			},
		}
		if sps, pps := avc.ParameterSets(au); sps != nil && pps != nil {
			cfg, err := avc.DecoderConfig(sps, pps)
			if err != nil {
				e.cb.Error(err)
				proc.kill()
				return
			}
			if e.lastConfig == nil || !e.lastConfig.Equal(cfg) {
				e.lastConfig = &cfg
				out.Config = &cfg
			}
		}
		if err := e.cb.Output(out); err != nil {
			proc.kill()
			io.Copy(io.Discard, proc.stdout)
			return
		}
	}
}

func (e *Encoder) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Flush 关闭输入并等待全部访问单元输出
func (e *Encoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	proc, done := e.proc, e.readerDone
	e.mu.Unlock()
	if proc == nil {
		return nil
	}
	defer func() {
		e.mu.Lock()
		if e.proc == proc {
			e.proc = nil
		}
		e.mu.Unlock()
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
		if e.isClosed() {
			return errClosed
		}
		return err
	}
	return nil
}

// Close 结束进程
func (e *Encoder) Close() error {
	e.mu.Lock()
	e.closed = true
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
	return nil
}
