package ffdemux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/pipeline"
	"github.com/bililive-go/segcast/src/pkg/avc"
	"github.com/bililive-go/segcast/src/pkg/ffcodec"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

// Options 解封装器选项
type Options struct {
	FFmpegPath  string
	FFprobePath string
	// TempDir 非本地输入落盘的目录，为空时使用系统临时目录
	TempDir string
	Logger  logrus.FieldLogger
}

// Demuxer 用 ffmpeg 以 -c copy 输出 Annex-B，用 ffprobe 取每个包的时间戳
type Demuxer struct {
	opts Options
}

// New 创建解封装器
func New(opts Options) *Demuxer {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Demuxer{opts: opts}
}

type localSource interface {
	LocalPath() string
}

// packetTiming 一个视频包的时间信息，顺序与解码顺序一致
type packetTiming struct {
	pts    time.Duration
	dur    time.Duration
	key    bool
	hasPTS bool
}

// Run 先回调一次解码配置，再按解码顺序回调每个访问单元
func (d *Demuxer) Run(ctx context.Context, src pipeline.SourceFile, h pipeline.DemuxHandlers) error {
	path, cleanup, err := d.localPath(src)
	if err != nil {
		return err
	}
	defer cleanup()

	info, err := Probe(ctx, d.opts.FFprobePath, path)
	if err != nil {
		return err
	}
	if info.Codec != "h264" {
		return media.Errorf(media.KindUnsupportedConfiguration, pipeline.StageNameDemux,
			"%w: source codec %s", media.ErrUnsupportedConfiguration, info.Codec)
	}
	logger := d.opts.Logger.WithFields(logrus.Fields{
		"source": src.Name(),
		"codec":  info.Codec,
		"size":   fmt.Sprintf("%dx%d", info.Width, info.Height),
	})
	logger.Info("demuxing source")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timings := make(chan packetTiming, 64)
	probeErr := make(chan error, 1)
	bilisentry.Go(func() {
		probeErr <- d.readTimings(runCtx, path, timings)
	})

	stderr := &ffcodec.StderrTail{}
	cmd := exec.CommandContext(runCtx, d.opts.FFmpegPath, annexBArgs(path)...)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	pumpErr := d.pump(runCtx, stdout, timings, h, info)
	if pumpErr != nil {
		// 停止子进程，避免其阻塞在写管道上
		cancel()
	}
	io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	cancel()
	if err := <-probeErr; err != nil && ctx.Err() == nil && pumpErr == nil {
		logger.WithError(err).Warn("ffprobe packet listing failed, timestamps extrapolated")
	}

	if pumpErr != nil {
		return pumpErr
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("ffmpeg demux failed: %w: %s", waitErr, stderr.String())
	}
	return nil
}

func annexBArgs(path string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", path,
		"-map", "0:v:0",
		"-c:v", "copy",
		"-bsf:v", "h264_mp4toannexb,h264_metadata=aud=insert",
		"-f", "h264", "pipe:1",
	}
}

func (d *Demuxer) pump(ctx context.Context, stdout io.Reader, timings <-chan packetTiming, h pipeline.DemuxHandlers, info StreamInfo) error {
	reader := avc.NewReader(stdout)
	var cfg *media.DecoderConfig
	var last packetTiming
	count := 0
	defaultDur := time.Second / 30
	if info.FrameRate > 0 {
		defaultDur = time.Duration(float64(time.Second) / info.FrameRate)
	}

	for {
		au, err := reader.Read()
		if errors.Is(err, io.EOF) {
			if cfg == nil {
				return ErrNoVideoTrack
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read annex-b stream: %w", err)
		}

		if cfg == nil {
			sps, pps := avc.ParameterSets(au)
			c, err := avc.DecoderConfig(sps, pps)
			if err != nil {
				return fmt.Errorf("first access unit: %w", err)
			}
			cfg = &c
			if err := h.OnConfig(ctx, c); err != nil {
				return err
			}
		}

		timing, ok := <-timings
		if timing.dur <= 0 {
			timing.dur = defaultDur
		}
		if !ok || !timing.hasPTS {
			// 包信息缺失时按上一包外推
			timing.pts = last.pts + last.dur
			if count == 0 {
				timing.pts = 0
			}
		}
		last = timing
		count++

		chunk := &media.CodedChunk{
			Type:      avc.ChunkType(au),
			Timestamp: timing.pts,
			Duration:  timing.dur,
			Data:      avc.MarshalAnnexB(au),
		}
		if err := h.OnChunk(ctx, chunk); err != nil {
			return err
		}
	}
}

// readTimings 以 compact 格式流式读取 ffprobe 的包列表
func (d *Demuxer) readTimings(ctx context.Context, path string, out chan<- packetTiming) error {
	defer close(out)
	cmd := exec.CommandContext(ctx, d.opts.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "packet=pts_time,duration_time,flags",
		"-of", "compact=p=0",
		path,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	sc := bufio.NewScanner(stdout)
	var origin time.Duration
	first := true
	for sc.Scan() {
		t, ok := parsePacketLine(sc.Text())
		if !ok {
			continue
		}
		if t.hasPTS {
			if first {
				origin = t.pts
				first = false
			}
			t.pts -= origin
			if t.pts < 0 {
				t.pts = 0
			}
		}
		select {
		case out <- t:
		case <-ctx.Done():
			io.Copy(io.Discard, stdout)
			return cmd.Wait()
		}
	}
	return cmd.Wait()
}

// parsePacketLine 解析 "pts_time=0.033333|duration_time=0.033333|flags=K__"
func parsePacketLine(line string) (packetTiming, bool) {
	var t packetTiming
	found := false
	for _, field := range strings.Split(strings.TrimSpace(line), "|") {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		found = true
		switch k {
		case "pts_time":
			// 值可能为 N/A
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				t.pts = time.Duration(f * float64(time.Second))
				t.hasPTS = true
			}
		case "duration_time":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				t.dur = time.Duration(f * float64(time.Second))
			}
		case "flags":
			t.key = strings.HasPrefix(v, "K")
		}
	}
	return t, found
}

// localPath 非本地输入先写入临时文件，ffprobe 与 ffmpeg 需要可重复读取的路径
func (d *Demuxer) localPath(src pipeline.SourceFile) (string, func(), error) {
	if l, ok := src.(localSource); ok {
		return l.LocalPath(), func() {}, nil
	}
	r, err := src.Open()
	if err != nil {
		return "", nil, err
	}
	defer r.Close()

	f, err := os.CreateTemp(d.opts.TempDir, "segcast-*-"+pipeline.BaseName(src.Name()))
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to buffer source: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}
