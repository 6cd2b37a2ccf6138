// Package avc H.264 基本流辅助函数：访问单元切分、参数集提取、关键帧判断
package avc

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/bililive-go/segcast/src/media"
)

var (
	// ErrNoParameterSets 访问单元中缺少 SPS 或 PPS
	ErrNoParameterSets = errors.New("avc: SPS or PPS missing")
)

// ParameterSets 从访问单元中取出 SPS 与 PPS，没有时返回 nil
func ParameterSets(au [][]byte) (sps, pps []byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// CodecString 由 SPS 生成 avc1.PPCCLL 形式的编码字符串
func CodecString(sps []byte) string {
	if len(sps) < 4 {
		return "avc1"
	}
	return fmt.Sprintf("avc1.%02x%02x%02x", sps[1], sps[2], sps[3])
}

// DecoderConfig 由参数集生成解码配置
func DecoderConfig(sps, pps []byte) (media.DecoderConfig, error) {
	if len(sps) == 0 || len(pps) == 0 {
		return media.DecoderConfig{}, ErrNoParameterSets
	}
	var s h264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return media.DecoderConfig{}, fmt.Errorf("avc: invalid SPS: %w", err)
	}
	return media.DecoderConfig{
		Codec:         CodecString(sps),
		CodedWidth:    s.Width(),
		CodedHeight:   s.Height(),
		ParameterSets: [][]byte{clone(sps), clone(pps)},
	}, nil
}

// FrameRate 从 SPS 的 VUI 中读取帧率，未知时返回 0
func FrameRate(sps []byte) float64 {
	var s h264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0
	}
	if fps := s.FPS(); fps > 0 && fps < 300 {
		return fps
	}
	return 0
}

// IsKey 访问单元是否可随机访问（含 IDR）
func IsKey(au [][]byte) bool {
	return h264.IsRandomAccess(au)
}

// ChunkType 访问单元对应的编码块类型
func ChunkType(au [][]byte) media.ChunkType {
	if IsKey(au) {
		return media.ChunkKey
	}
	return media.ChunkDelta
}

// StripParameterSets 去掉访问单元中的 AUD、SPS、PPS，参数集改由配置带外传递
func StripParameterSets(au [][]byte) [][]byte {
	out := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS:
			continue
		}
		out = append(out, nalu)
	}
	return out
}

// MarshalAnnexB 把访问单元编码为带 4 字节起始码的字节流
func MarshalAnnexB(au [][]byte) []byte {
	n := 0
	for _, nalu := range au {
		n += 4 + len(nalu)
	}
	buf := make([]byte, 0, n)
	for _, nalu := range au {
		buf = append(buf, 0, 0, 0, 1)
		buf = append(buf, nalu...)
	}
	return buf
}

// UnmarshalAnnexB 把 Annex-B 字节流拆成 NALU
func UnmarshalAnnexB(buf []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(buf); err != nil {
		return nil, err
	}
	return au, nil
}

// PrependParameterSets 关键帧前补上 SPS、PPS，便于独立解码
func PrependParameterSets(au [][]byte, cfg media.DecoderConfig) [][]byte {
	if len(cfg.ParameterSets) == 0 {
		return au
	}
	out := make([][]byte, 0, len(au)+len(cfg.ParameterSets))
	out = append(out, cfg.ParameterSets...)
	return append(out, au...)
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
