// Package fmp4mux 基于 mediacommon fmp4 的分片 MP4 复用器
// 输出依次为 init 段与若干 moof+mdat 片段，按序拼接即为可播放的文件
package fmp4mux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/pipeline"
	"github.com/bililive-go/segcast/src/pkg/avc"
)

const (
	trackID   = 1
	timeScale = 90000

	// DefaultFragmentDuration 片段最短时长，片段只在关键帧处切分
	DefaultFragmentDuration = 2 * time.Second
	// defaultSampleDuration 无法推算时长时使用（30fps）
	defaultSampleDuration = timeScale / 30
)

var (
	ErrNotConfigured = errors.New("fmp4mux: chunk before decoder config")
	ErrUnsupported   = errors.New("fmp4mux: only H.264 is supported")
	ErrFinalized     = errors.New("fmp4mux: muxer already finalized")
)

type pendingSample struct {
	dts     uint64
	key     bool
	payload []byte
	dur     uint32
}

// Muxer 单视频轨 fMP4 复用器，非并发安全
type Muxer struct {
	fragmentDuration time.Duration

	config      media.DecoderConfig
	configured  bool
	initPending bool
	finalized   bool

	seq       uint32
	position  int64
	samples   []*fmp4.Sample
	baseTime  uint64
	fragStart uint64
	prev      *pendingSample
	lastDur   uint32
	origin    time.Duration
	hasOrigin bool
}

// Option 复用器选项
type Option func(*Muxer)

// WithFragmentDuration 设置片段最短时长
func WithFragmentDuration(d time.Duration) Option {
	return func(m *Muxer) {
		if d > 0 {
			m.fragmentDuration = d
		}
	}
}

// New 创建复用器
func New(opts ...Option) *Muxer {
	m := &Muxer{
		fragmentDuration: DefaultFragmentDuration,
		lastDur:          defaultSampleDuration,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewFactory 返回 pipeline.MuxerFactory
func NewFactory(opts ...Option) pipeline.MuxerFactory {
	return func() (pipeline.Muxer, error) {
		return New(opts...), nil
	}
}

// Configure 设置（或中途更换）解码配置，新的 init 段在下一个数据块之前输出
func (m *Muxer) Configure(cfg media.DecoderConfig) error {
	if m.finalized {
		return ErrFinalized
	}
	if !strings.HasPrefix(cfg.Codec, "avc1") && !strings.HasPrefix(cfg.Codec, "avc3") {
		return fmt.Errorf("%w: %s", ErrUnsupported, cfg.Codec)
	}
	if len(cfg.ParameterSets) < 2 {
		return fmt.Errorf("%w: %s", avc.ErrNoParameterSets, cfg)
	}
	if m.configured && m.config.Equal(cfg) {
		return nil
	}
	var s h264.SPS
	if err := s.Unmarshal(cfg.ParameterSets[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	m.config = cfg
	m.configured = true
	m.initPending = true
	return nil
}

// AddChunk 加入一个 Annex-B 访问单元，必要时输出已完成的片段
func (m *Muxer) AddChunk(ctx context.Context, chunk *media.CodedChunk, emit pipeline.SegmentEmitter) error {
	if m.finalized {
		return ErrFinalized
	}
	if !m.configured {
		return ErrNotConfigured
	}

	au, err := avc.UnmarshalAnnexB(chunk.Data)
	if err != nil {
		return fmt.Errorf("fmp4mux: invalid access unit: %w", err)
	}
	payload, err := h264.AVCC(avc.StripParameterSets(au)).Marshal()
	if err != nil {
		return fmt.Errorf("fmp4mux: %w", err)
	}

	if !m.hasOrigin {
		m.origin = chunk.Timestamp
		m.hasOrigin = true
	}
	dts := toTimescale(chunk.Timestamp - m.origin)

	if m.prev != nil {
		if dts > m.prev.dts {
			m.prev.dur = uint32(dts - m.prev.dts)
		} else {
			m.prev.dur = m.lastDur
		}
		m.lastDur = m.prev.dur
		m.appendSample(m.prev)
		m.prev = nil
	}

	// 关键帧处切片，或者配置变化后需要新的 init 段
	if chunk.IsKey() && len(m.samples) > 0 &&
		(m.initPending || time.Duration(dts-m.fragStart)*time.Second/timeScale >= m.fragmentDuration) {
		if err := m.flushFragment(ctx, emit); err != nil {
			return err
		}
	}
	if m.initPending {
		if err := m.writeInit(ctx, emit); err != nil {
			return err
		}
	}

	if len(m.samples) == 0 {
		m.baseTime = dts
		m.fragStart = dts
	}
	dur := uint32(0)
	if chunk.Duration > 0 {
		dur = uint32(toTimescale(chunk.Duration))
	}
	m.prev = &pendingSample{dts: dts, key: chunk.IsKey(), payload: payload, dur: dur}
	return nil
}

// Finalize 输出最后一个片段
func (m *Muxer) Finalize(ctx context.Context, emit pipeline.SegmentEmitter) error {
	if m.finalized {
		return ErrFinalized
	}
	m.finalized = true
	if m.prev != nil {
		if m.prev.dur == 0 {
			m.prev.dur = m.lastDur
		}
		m.appendSample(m.prev)
		m.prev = nil
	}
	if len(m.samples) == 0 {
		return nil
	}
	if m.initPending {
		if err := m.writeInit(ctx, emit); err != nil {
			return err
		}
	}
	return m.flushFragment(ctx, emit)
}

func (m *Muxer) appendSample(s *pendingSample) {
	if s.dur == 0 {
		s.dur = m.lastDur
	}
	m.samples = append(m.samples, &fmp4.Sample{
		Duration:        s.dur,
		IsNonSyncSample: !s.key,
		Payload:         s.payload,
	})
}

func (m *Muxer) writeInit(ctx context.Context, emit pipeline.SegmentEmitter) error {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        trackID,
			TimeScale: timeScale,
			Codec: &mp4.CodecH264{
				SPS: m.config.ParameterSets[0],
				PPS: m.config.ParameterSets[1],
			},
		}},
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4mux: marshal init: %w", err)
	}
	m.initPending = false
	return m.emit(ctx, emit, buf.Bytes())
}

func (m *Muxer) flushFragment(ctx context.Context, emit pipeline.SegmentEmitter) error {
	m.seq++
	part := fmp4.Part{
		SequenceNumber: m.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       trackID,
			BaseTime: m.baseTime,
			Samples:  m.samples,
		}},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4mux: marshal fragment: %w", err)
	}
	m.samples = nil
	return m.emit(ctx, emit, buf.Bytes())
}

func (m *Muxer) emit(ctx context.Context, emit pipeline.SegmentEmitter, data []byte) error {
	seg := media.MuxedSegment{Data: data, Position: m.position}
	m.position += int64(len(data))
	return emit(ctx, seg)
}

func toTimescale(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d) * timeScale / uint64(time.Second)
}
