package flag

import (
	"os"
	"time"

	"github.com/alecthomas/kingpin"

	"github.com/bililive-go/segcast/src/configs"
	"github.com/bililive-go/segcast/src/consts"
)

var (
	app = kingpin.New(consts.AppName, "Transcode media files into small segments and upload them in batches.")

	Debug       = app.Flag("debug", "Enable debug mode.").Default("false").Bool()
	Conf        = app.Flag("config", "Config file.").Short('c').String()
	EnvFile     = app.Flag("env-file", "Dotenv file with overrides.").Default(".env").String()
	FfmpegPath  = app.Flag("ffmpeg", "Path of ffmpeg.").String()
	FfprobePath = app.Flag("ffprobe", "Path of ffprobe.").String()
	UploadURL   = app.Flag("upload-url", "Upload endpoint for the http target.").String()
	Target      = app.Flag("target", "Upload target (http, openlist).").String()
	Threshold   = app.Flag("threshold", "Flush a batch once it holds more than this many bytes.").Int64()
	MetricsAddr = app.Flag("metrics-addr", "Serve /metrics and the run API on this address.").String()

	RunCmd     = app.Command("run", "Transcode and upload files.").Default()
	RunFiles   = RunCmd.Arg("file", "Input media files.").Required().ExistingFiles()
	RunTimeout = RunCmd.Flag("timeout", "Cancel all runs after this duration (0 disables).").Default("0s").Duration()

	RunsCmd    = app.Command("runs", "List recorded runs.")
	RunsStatus = RunsCmd.Flag("status", "Only runs with this status.").String()
	RunsLimit  = RunsCmd.Flag("limit", "Maximum number of runs.").Default("20").Int()

	ProbeCmd = app.Command("probe", "Show ffmpeg capabilities and check the upload target.")
)

func init() {
	app.Version(consts.Version())
	app.HelpFlag.Short('h')
}

// Parse 解析命令行，返回子命令名
func Parse(args []string) string {
	return kingpin.MustParse(app.Parse(args))
}

// GenConfigFromFlags 未指定配置文件时由命令行生成配置
func GenConfigFromFlags() *configs.Config {
	cfg := configs.NewConfig()
	ApplyOverrides(cfg)
	return cfg
}

// ApplyOverrides 命令行参数优先于配置文件
func ApplyOverrides(cfg *configs.Config) {
	if *Debug {
		cfg.Debug = true
	}
	if *FfmpegPath != "" {
		cfg.FfmpegPath = *FfmpegPath
	}
	if *FfprobePath != "" {
		cfg.FfprobePath = *FfprobePath
	}
	if *UploadURL != "" {
		cfg.Upload.URL = *UploadURL
	}
	if *Target != "" {
		cfg.Upload.Target = *Target
	}
	if *Threshold > 0 {
		cfg.Upload.ThresholdBytes = *Threshold
	}
	if *MetricsAddr != "" {
		cfg.MetricsAddr = *MetricsAddr
	}
}

// Deadline 运行总时长上限，0 表示不限
func Deadline() time.Duration {
	if RunTimeout == nil {
		return 0
	}
	return *RunTimeout
}

// ExitOnError 打印错误并退出
func ExitOnError(err error) {
	if err == nil {
		return
	}
	app.Errorf("%s", err)
	os.Exit(1)
}
