package ffcodec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/bluele/gcache"
)

const probeTimeout = 10 * time.Second

// MinimumVersion 需要 h264_metadata 比特流过滤器
const MinimumVersion = "4.0.0"

var (
	minimumConstraint = mustConstraint(">= " + MinimumVersion)
	versionPattern    = regexp.MustCompile(`^n?(\d+(?:\.\d+){0,2})`)
)

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// Capabilities ffmpeg 可用的编解码器与硬件加速方式
type Capabilities struct {
	// Version `ffmpeg -version` 中的版本号，git 构建等无法识别时为 nil
	Version  *semver.Version
	Decoders map[string]bool
	Encoders map[string]bool
	HWAccels []string
}

// HasDecoder 是否支持该视频解码器
func (c *Capabilities) HasDecoder(name string) bool {
	return c != nil && c.Decoders[name]
}

// HasEncoder 是否支持该视频编码器
func (c *Capabilities) HasEncoder(name string) bool {
	return c != nil && c.Encoders[name]
}

// HasHWAccel 是否支持该硬件加速方式
func (c *Capabilities) HasHWAccel(name string) bool {
	if c == nil {
		return false
	}
	for _, h := range c.HWAccels {
		if h == name {
			return true
		}
	}
	return false
}

// CheckVersion 版本过旧时返回错误，未知版本视为可用
func (c *Capabilities) CheckVersion() error {
	if c == nil || c.Version == nil {
		return nil
	}
	if !minimumConstraint.Check(c.Version) {
		return fmt.Errorf("ffmpeg %s is too old, need >= %s", c.Version, MinimumVersion)
	}
	return nil
}

// parseVersion 解析 `ffmpeg -version` 的首行
//
//	ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023 the FFmpeg developers
func parseVersion(out []byte) *semver.Version {
	line, _, _ := bytes.Cut(out, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 3 || fields[1] != "version" {
		return nil
	}
	m := versionPattern.FindStringSubmatch(fields[2])
	if m == nil {
		return nil
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return nil
	}
	return v
}

// Prober 查询 ffmpeg 能力，结果按 ffmpeg 路径缓存
type Prober struct {
	cache gcache.Cache
}

// NewProber 创建探测器，expiration <= 0 时结果永久缓存
func NewProber(expiration time.Duration) *Prober {
	builder := gcache.New(8).LRU().LoaderFunc(func(key interface{}) (interface{}, error) {
		return probeCapabilities(key.(string))
	})
	if expiration > 0 {
		builder = builder.Expiration(expiration)
	}
	return &Prober{cache: builder.Build()}
}

// Capabilities 返回 ffmpegPath 的能力
func (p *Prober) Capabilities(ffmpegPath string) (*Capabilities, error) {
	v, err := p.cache.Get(ffmpegPath)
	if err != nil {
		return nil, err
	}
	return v.(*Capabilities), nil
}

func probeCapabilities(ffmpegPath string) (*Capabilities, error) {
	run := func(flag string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", flag).Output()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg %s: %w", flag, err)
		}
		return out, nil
	}
	encoders, err := run("-encoders")
	if err != nil {
		return nil, err
	}
	decoders, err := run("-decoders")
	if err != nil {
		return nil, err
	}
	caps := &Capabilities{
		Encoders: parseCodecList(encoders),
		Decoders: parseCodecList(decoders),
	}
	if out, err := run("-version"); err == nil {
		caps.Version = parseVersion(out)
	}
	// 硬件加速列表获取失败不影响软件编解码
	if hw, err := run("-hwaccels"); err == nil {
		caps.HWAccels = parseHWAccels(hw)
	}
	return caps, nil
}

// parseCodecList 解析 `ffmpeg -encoders/-decoders` 输出中的视频编解码器
//
//	V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
func parseCodecList(out []byte) map[string]bool {
	codecs := make(map[string]bool)
	started := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !started {
			started = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "V") {
			continue
		}
		codecs[fields[1]] = true
	}
	return codecs
}

// parseHWAccels 解析 `ffmpeg -hwaccels` 输出
func parseHWAccels(out []byte) []string {
	var accels []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		accels = append(accels, line)
	}
	return accels
}
