// Package configs segcast 的 YAML 配置
package configs

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bililive-go/segcast/src/media"
)

// 环境变量覆盖项
const (
	EnvUploadURL     = "SEGCAST_UPLOAD_URL"
	EnvOpenListToken = "SEGCAST_OPENLIST_TOKEN"
	EnvSentryDSN     = "SENTRY_DSN"
)

// 上传目标
const (
	UploadTargetHTTP     = "http"
	UploadTargetOpenList = "openlist"
)

// DefaultFlushThreshold 批次超过该字节数即上传
const DefaultFlushThreshold = 10_000_000

type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
	SaveLastLog  bool   `yaml:"save_last_log" json:"save_last_log"`
	SaveEveryLog bool   `yaml:"save_every_log" json:"save_every_log"`
	// RotateDays 按天滚动日志时最多保留的天数（<=0 表示不清理）
	RotateDays int `yaml:"rotate_days" json:"rotate_days"`
}

// Encoder 编码配置
type Encoder struct {
	Codec                string  `yaml:"codec" json:"codec"`
	Width                int     `yaml:"width" json:"width"`
	Height               int     `yaml:"height" json:"height"`
	Bitrate              int     `yaml:"bitrate" json:"bitrate"`
	Framerate            float64 `yaml:"framerate" json:"framerate"`
	KeyframeInterval     int     `yaml:"keyframe_interval" json:"keyframe_interval"`
	HardwareAcceleration string  `yaml:"hardware_acceleration" json:"hardware_acceleration"`
	// DecoderHWAccel 传给 ffmpeg -hwaccel，留空为软件解码
	DecoderHWAccel string `yaml:"decoder_hwaccel" json:"decoder_hwaccel"`
}

// OpenList OpenList 上传目标
type OpenList struct {
	URL      string `yaml:"url" json:"url"`
	Token    string `yaml:"token" json:"-"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	PathTmpl string `yaml:"path_tmpl" json:"path_tmpl"`
}

// Upload 上传配置
type Upload struct {
	Target          string        `yaml:"target" json:"target"`
	URL             string        `yaml:"url" json:"url"`
	ThresholdBytes  int64         `yaml:"threshold_bytes" json:"threshold_bytes"`
	ResolutionLabel string        `yaml:"resolution_label" json:"resolution_label"`
	ContainerExt    string        `yaml:"container_ext" json:"container_ext"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	OpenList        OpenList      `yaml:"openlist" json:"openlist"`
}

// Preview 预览配置
type Preview struct {
	Enable    bool          `yaml:"enable" json:"enable"`
	Path      string        `yaml:"path" json:"path"`
	Interval  time.Duration `yaml:"interval" json:"interval"`
	Quality   float32       `yaml:"quality" json:"quality"`
	QueueSize int           `yaml:"queue_size" json:"queue_size"`
}

// Muxer 封装配置
type Muxer struct {
	FragmentDuration time.Duration `yaml:"fragment_duration" json:"fragment_duration"`
}

// Sentry 崩溃上报配置
type Sentry struct {
	Enable      bool   `yaml:"enable" json:"enable"`
	DSN         string `yaml:"dsn" json:"-"`
	Environment string `yaml:"environment" json:"environment"`
}

type Config struct {
	File  string `yaml:"-" json:"-"`
	Debug bool   `yaml:"debug" json:"debug"`

	FfmpegPath  string  `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	FfprobePath string  `yaml:"ffprobe_path" json:"ffprobe_path"`
	TempDir     string  `yaml:"temp_dir" json:"temp_dir"`
	Encoder     Encoder `yaml:"encoder" json:"encoder"`
	Muxer       Muxer   `yaml:"muxer" json:"muxer"`
	Upload      Upload  `yaml:"upload" json:"upload"`
	Preview     Preview `yaml:"preview" json:"preview"`
	Log         Log     `yaml:"log" json:"log"`

	AppDataPath   string `yaml:"app_data_path" json:"app_data_path"`
	DBPath        string `yaml:"db_path" json:"db_path"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
	Sentry        Sentry `yaml:"sentry" json:"sentry"`
}

var config atomic.Pointer[Config]

// 单独的 Debug 标志，便于高频读取
var currentDebug atomic.Bool

// SetCurrentConfig 设置全局配置
func SetCurrentConfig(cfg *Config) {
	config.Store(cfg)
	currentDebug.Store(cfg != nil && cfg.Debug)
}

// GetCurrentConfig 返回全局配置，未设置时为 nil
func GetCurrentConfig() *Config {
	return config.Load()
}

// IsDebug 并发安全的 Debug 读取
func IsDebug() bool {
	return currentDebug.Load()
}

var defaultConfig = Config{
	Debug: false,
	Encoder: Encoder{
		Codec:                "avc1.42001f",
		Width:                320,
		Height:               240,
		Bitrate:              10_000_000,
		Framerate:            30,
		KeyframeInterval:     60,
		HardwareAcceleration: string(media.HardwarePreferSW),
	},
	Muxer: Muxer{
		FragmentDuration: 2 * time.Second,
	},
	Upload: Upload{
		Target:          UploadTargetHTTP,
		URL:             "http://127.0.0.1:3000/upload",
		ThresholdBytes:  DefaultFlushThreshold,
		ResolutionLabel: "144p",
		ContainerExt:    "mp4",
		Timeout:         5 * time.Minute,
		OpenList: OpenList{
			URL:      "http://127.0.0.1:5244",
			PathTmpl: `/segcast/{{ now | date "2006-01-02" }}/{{ .Base }}/{{ .Name }}`,
		},
	},
	Preview: Preview{
		Enable:    false,
		Path:      "preview.webp",
		Interval:  time.Second,
		Quality:   75,
		QueueSize: 8,
	},
	Log: Log{
		OutPutFolder: "./",
		SaveLastLog:  true,
		SaveEveryLog: false,
		RotateDays:   7,
	},
	AppDataPath:   ".appdata",
	MetricsAddr:   "",
	MaxConcurrent: 2,
	Sentry: Sentry{
		Enable:      false,
		Environment: "production",
	},
}

// NewConfig 返回默认配置
func NewConfig() *Config {
	c := defaultConfig
	c.postProcess()
	return &c
}

func (c *Config) postProcess() {
	if c.DBPath == "" {
		c.DBPath = strings.TrimSuffix(c.AppDataPath, "/") + "/runs.db"
	}
}

// NewConfigWithBytes 在默认配置之上解析 YAML
func NewConfigWithBytes(b []byte) (*Config, error) {
	c := defaultConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.postProcess()
	return &c, nil
}

// NewConfigWithFile 读取配置文件，并把补全后的配置写回
func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		if diag := DiagnoseFilePermission(file).FormatError(); diag != "" {
			return nil, fmt.Errorf("can`t open file: %s%s", file, diag)
		}
		return nil, fmt.Errorf("can`t open file: %s", file)
	}
	c, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	c.File = file
	if err := c.Marshal(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadEnv 读取 .env（不存在时忽略）并应用环境变量覆盖
func (c *Config) LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env: %w", err)
	}
	if v := os.Getenv(EnvUploadURL); v != "" {
		c.Upload.URL = v
	}
	if v := os.Getenv(EnvOpenListToken); v != "" {
		c.Upload.OpenList.Token = v
	}
	if v := os.Getenv(EnvSentryDSN); v != "" {
		c.Sentry.DSN = v
	}
	if v := os.Getenv("SEGCAST_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Debug = debug
		}
	}
	return nil
}

// Verify 检查配置是否可用
func (c *Config) Verify() error {
	if c == nil {
		return fmt.Errorf("配置不存在")
	}
	enc := c.EncodeConfig()
	if enc.Width <= 0 || enc.Height <= 0 {
		return fmt.Errorf("编码尺寸必须大于 0: %dx%d", enc.Width, enc.Height)
	}
	if enc.Bitrate <= 0 {
		return fmt.Errorf("码率必须大于 0")
	}
	switch enc.HardwareAcceleration {
	case media.HardwareNoPreference, media.HardwarePreferHW, media.HardwarePreferSW:
	default:
		return fmt.Errorf("未知的硬件加速偏好 %q", enc.HardwareAcceleration)
	}
	if c.Upload.ThresholdBytes <= 0 {
		return fmt.Errorf("上传阈值必须大于 0")
	}
	if c.Upload.ResolutionLabel == "" || c.Upload.ContainerExt == "" {
		return fmt.Errorf("分辨率标签与容器扩展名不能为空")
	}
	switch c.Upload.Target {
	case UploadTargetHTTP:
		if err := verifyURL(c.Upload.URL); err != nil {
			return fmt.Errorf("上传地址无效: %w", err)
		}
	case UploadTargetOpenList:
		if err := verifyURL(c.Upload.OpenList.URL); err != nil {
			return fmt.Errorf("OpenList 地址无效: %w", err)
		}
		if _, err := template.New("").Funcs(sprig.TxtFuncMap()).Parse(c.Upload.OpenList.PathTmpl); err != nil {
			return fmt.Errorf("OpenList 路径模板无效: %w", err)
		}
	default:
		return fmt.Errorf("未知的上传目标 %q", c.Upload.Target)
	}
	if c.Preview.Enable && c.Preview.Path == "" {
		return fmt.Errorf("预览已启用但未指定输出路径")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("最大并发数必须大于 0")
	}
	if c.Sentry.Enable && c.Sentry.DSN == "" {
		return fmt.Errorf("Sentry 已启用但未配置 DSN")
	}
	return nil
}

func verifyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// EncodeConfig 转换为管道的编码配置
func (c *Config) EncodeConfig() media.EncodeConfig {
	return media.EncodeConfig{
		Codec:                c.Encoder.Codec,
		Width:                c.Encoder.Width,
		Height:               c.Encoder.Height,
		Bitrate:              c.Encoder.Bitrate,
		Framerate:            c.Encoder.Framerate,
		KeyframeInterval:     c.Encoder.KeyframeInterval,
		HardwareAcceleration: media.HardwareAcceleration(c.Encoder.HardwareAcceleration),
	}
}

// Marshal 带注释写回配置文件
func (c *Config) Marshal() error {
	if c.File == "" {
		return errors.New("config path not set")
	}
	tempBytes, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(tempBytes, &node); err != nil {
		return err
	}
	DecorateConfigNode(&node)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return err
	}
	return os.WriteFile(c.File, buf.Bytes(), 0644)
}
