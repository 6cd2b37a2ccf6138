// Package stages 按配置组装管道依赖的编解码、封装与上传实现
package stages

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/configs"
	"github.com/bililive-go/segcast/src/pipeline"
	"github.com/bililive-go/segcast/src/pkg/ffcodec"
	"github.com/bililive-go/segcast/src/pkg/ffdemux"
	"github.com/bililive-go/segcast/src/pkg/fmp4mux"
	"github.com/bililive-go/segcast/src/pkg/openlist"
	"github.com/bililive-go/segcast/src/pkg/uploader"
)

// capabilityTTL ffmpeg 能力探测结果的缓存时长
const capabilityTTL = 10 * time.Minute

// UploaderFactory 按配置创建上传目标
type UploaderFactory func(ctx context.Context, cfg *configs.Config, logger logrus.FieldLogger) (pipeline.UploadService, error)

var (
	uploadersMu sync.RWMutex
	uploaders   = map[string]UploaderFactory{}
)

func init() {
	RegisterUploader(configs.UploadTargetHTTP, newHTTPUploader)
	RegisterUploader(configs.UploadTargetOpenList, newOpenListUploader)
}

// RegisterUploader 注册上传目标，同名覆盖
func RegisterUploader(name string, factory UploaderFactory) {
	uploadersMu.Lock()
	defer uploadersMu.Unlock()
	uploaders[name] = factory
}

// Uploaders 已注册的上传目标名
func Uploaders() []string {
	uploadersMu.RLock()
	defer uploadersMu.RUnlock()
	names := make([]string, 0, len(uploaders))
	for name := range uploaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools 解析后的外部程序
type Tools struct {
	FFmpeg  string
	FFprobe string
	Prober  *ffcodec.Prober
}

// ResolveTools 查找 ffmpeg/ffprobe 并检查版本
func ResolveTools(cfg *configs.Config) (*Tools, error) {
	ffmpeg, err := ffcodec.FindFFmpeg(cfg.FfmpegPath)
	if err != nil {
		return nil, err
	}
	ffprobe, err := ffcodec.FindFFprobe(cfg.FfprobePath)
	if err != nil {
		return nil, err
	}
	tools := &Tools{FFmpeg: ffmpeg, FFprobe: ffprobe, Prober: ffcodec.NewProber(capabilityTTL)}
	caps, err := tools.Prober.Capabilities(ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("probe ffmpeg: %w", err)
	}
	if err := caps.CheckVersion(); err != nil {
		return nil, err
	}
	return tools, nil
}

// Build 按配置组装 pipeline.Collaborators
func Build(ctx context.Context, cfg *configs.Config, tools *Tools, logger logrus.FieldLogger) (pipeline.Collaborators, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	uploadersMu.RLock()
	factory, ok := uploaders[cfg.Upload.Target]
	uploadersMu.RUnlock()
	if !ok {
		return pipeline.Collaborators{}, fmt.Errorf("unknown upload target %q", cfg.Upload.Target)
	}
	up, err := factory(ctx, cfg, logger.WithField("target", cfg.Upload.Target))
	if err != nil {
		return pipeline.Collaborators{}, err
	}

	codecOpts := ffcodec.Options{
		FFmpegPath: tools.FFmpeg,
		HWAccel:    cfg.Encoder.DecoderHWAccel,
		Prober:     tools.Prober,
		Logger:     logger,
	}
	// 预览解码不占用硬件解码器
	previewOpts := codecOpts
	previewOpts.HWAccel = ""

	return pipeline.Collaborators{
		Demuxer: ffdemux.New(ffdemux.Options{
			FFmpegPath:  tools.FFmpeg,
			FFprobePath: tools.FFprobe,
			TempDir:     cfg.TempDir,
			Logger:      logger,
		}),
		NewDecoder:        ffcodec.NewDecoderFactory(codecOpts),
		NewEncoder:        ffcodec.NewEncoderFactory(codecOpts),
		NewPreviewDecoder: ffcodec.NewDecoderFactory(previewOpts),
		NewMuxer:          fmp4mux.NewFactory(fmp4mux.WithFragmentDuration(cfg.Muxer.FragmentDuration)),
		Uploader:          up,
	}, nil
}

// Options 由配置生成编排器选项
func Options(cfg *configs.Config, logger logrus.FieldLogger) pipeline.Options {
	return pipeline.Options{
		FlushThreshold:   cfg.Upload.ThresholdBytes,
		ResolutionLabel:  cfg.Upload.ResolutionLabel,
		ContainerExt:     cfg.Upload.ContainerExt,
		PreviewQueueSize: cfg.Preview.QueueSize,
		Logger:           logger,
	}
}

func newHTTPUploader(_ context.Context, cfg *configs.Config, logger logrus.FieldLogger) (pipeline.UploadService, error) {
	client := &http.Client{Timeout: cfg.Upload.Timeout}
	return uploader.NewHTTPUploader(cfg.Upload.URL, uploader.WithHTTPClient(client), uploader.WithLogger(logger)), nil
}

func newOpenListUploader(ctx context.Context, cfg *configs.Config, logger logrus.FieldLogger) (pipeline.UploadService, error) {
	ol := cfg.Upload.OpenList
	client := openlist.NewClient(ol.URL, ol.Token, cfg.Upload.Timeout)
	if !client.HasToken() && ol.Username != "" {
		if err := client.Login(ctx, ol.Username, ol.Password); err != nil {
			return nil, fmt.Errorf("openlist login: %w", err)
		}
		logger.WithField("user", ol.Username).Info("logged in to openlist")
	}
	return uploader.NewOpenListUploader(client, ol.PathTmpl, uploader.WithLogger(logger))
}
