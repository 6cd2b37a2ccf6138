package media

import (
	"bytes"
	"fmt"
	"strings"
)

// DecoderConfig 解码器配置
type DecoderConfig struct {
	Codec       string `json:"codec" yaml:"codec"` // 例如 avc1.42001f
	CodedWidth  int    `json:"coded_width" yaml:"coded_width"`
	CodedHeight int    `json:"coded_height" yaml:"coded_height"`
	// ParameterSets 带外参数集（H.264 为 SPS、PPS 的 NALU，不含起始码）
	ParameterSets [][]byte `json:"-" yaml:"-"`
}

// Equal 比较两个配置是否等价
func (c DecoderConfig) Equal(o DecoderConfig) bool {
	if c.Codec != o.Codec || c.CodedWidth != o.CodedWidth || c.CodedHeight != o.CodedHeight {
		return false
	}
	if len(c.ParameterSets) != len(o.ParameterSets) {
		return false
	}
	for i := range c.ParameterSets {
		if !bytes.Equal(c.ParameterSets[i], o.ParameterSets[i]) {
			return false
		}
	}
	return true
}

func (c DecoderConfig) String() string {
	return fmt.Sprintf("%s %dx%d", c.Codec, c.CodedWidth, c.CodedHeight)
}

// HardwareAcceleration 硬件加速偏好
type HardwareAcceleration string

const (
	HardwareNoPreference HardwareAcceleration = "no-preference"
	HardwarePreferHW     HardwareAcceleration = "prefer-hardware"
	HardwarePreferSW     HardwareAcceleration = "prefer-software"
)

// EncodeConfig 编码配置
type EncodeConfig struct {
	Codec                string               `json:"codec" yaml:"codec"`
	Width                int                  `json:"width" yaml:"width"`
	Height               int                  `json:"height" yaml:"height"`
	Bitrate              int                  `json:"bitrate" yaml:"bitrate"`
	Framerate            float64              `json:"framerate,omitempty" yaml:"framerate,omitempty"`
	KeyframeInterval     int                  `json:"keyframe_interval,omitempty" yaml:"keyframe_interval,omitempty"` // 以帧为单位
	HardwareAcceleration HardwareAcceleration `json:"hardware_acceleration,omitempty" yaml:"hardware_acceleration,omitempty"`
}

// DefaultEncodeConfig 默认编码配置：qvga、10Mbps、软件编码
func DefaultEncodeConfig() EncodeConfig {
	return EncodeConfig{
		Codec:                "avc1.42001f",
		Width:                320,
		Height:               240,
		Bitrate:              10e6,
		Framerate:            30,
		KeyframeInterval:     60,
		HardwareAcceleration: HardwarePreferSW,
	}
}

// IsAVC 是否为 H.264 编码
func (c EncodeConfig) IsAVC() bool {
	return strings.HasPrefix(c.Codec, "avc1.") || strings.HasPrefix(c.Codec, "avc3.")
}

func (c EncodeConfig) String() string {
	return fmt.Sprintf("%s %dx%d@%dbps", c.Codec, c.Width, c.Height, c.Bitrate)
}
