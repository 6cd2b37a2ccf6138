// Package ffdemux 基于 ffmpeg/ffprobe 的解封装器：取出视频轨的 H.264 访问单元
package ffdemux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNoVideoTrack 输入中没有视频轨
var ErrNoVideoTrack = errors.New("no video track found")

// StreamInfo 视频轨信息
type StreamInfo struct {
	Codec     string        `json:"codec"`
	Profile   string        `json:"profile,omitempty"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	FrameRate float64       `json:"frame_rate,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Format    string        `json:"format,omitempty"`
	BitRate   int64         `json:"bit_rate,omitempty"`
}

// Probe 读取第一个视频轨的信息
func Probe(ctx context.Context, ffprobePath, path string) (StreamInfo, error) {
	out, err := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return StreamInfo{}, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return StreamInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (StreamInfo, error) {
	result := gjson.ParseBytes(out)
	stream := result.Get("streams.0")
	if !stream.Exists() || stream.Get("codec_type").String() != "video" {
		return StreamInfo{}, ErrNoVideoTrack
	}
	info := StreamInfo{
		Codec:     stream.Get("codec_name").String(),
		Profile:   stream.Get("profile").String(),
		Width:     int(stream.Get("width").Int()),
		Height:    int(stream.Get("height").Int()),
		FrameRate: parseRational(stream.Get("avg_frame_rate").String()),
		Format:    result.Get("format.format_name").String(),
		BitRate:   result.Get("format.bit_rate").Int(),
	}
	if info.FrameRate == 0 {
		info.FrameRate = parseRational(stream.Get("r_frame_rate").String())
	}
	// 流时长缺失时使用容器时长
	dur := stream.Get("duration").Float()
	if dur == 0 {
		dur = result.Get("format.duration").Float()
	}
	info.Duration = time.Duration(dur * float64(time.Second))
	return info, nil
}

// parseRational 解析 "30000/1001" 形式的帧率
func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
