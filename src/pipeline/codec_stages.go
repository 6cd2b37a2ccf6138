package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
)

// DecodeStage 编码流 -> 原始帧
type DecodeStage struct {
	adapter *Adapter[media.DecoderConfig, *media.CodedChunk, *media.RawFrame]
}

// NewDecodeStage 创建解码阶段
func NewDecodeStage(factory DecoderFactory, logger logrus.FieldLogger) *DecodeStage {
	return &DecodeStage{adapter: NewAdapter(StageNameDecode, factory, logger)}
}

func (s *DecodeStage) Name() string {
	return StageNameDecode
}

func (s *DecodeStage) Run(ctx context.Context, in <-chan media.Packet, out chan<- *media.RawFrame) error {
	defer s.adapter.Close()

	return s.adapter.Drive(ctx,
		func(ctx context.Context) error {
			for {
				p, ok, err := recv(ctx, in)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				switch p := p.(type) {
				case *media.ConfigEvent:
					err = s.adapter.Configure(ctx, p.Config)
				case *media.CodedChunk:
					err = s.adapter.Feed(ctx, p)
				}
				if err != nil {
					return err
				}
			}
		},
		func(ctx context.Context, frame *media.RawFrame) error {
			return send(ctx, out, frame)
		},
	)
}

// EncodeStage 原始帧 -> 编码流
// 每次得到新的或变化了的解码配置时，先于下一个块产出 ConfigEvent
type EncodeStage struct {
	adapter *Adapter[media.EncodeConfig, *media.RawFrame, EncodedChunk]
	config  media.EncodeConfig

	lastConfig *media.DecoderConfig
}

// NewEncodeStage 创建编码阶段
func NewEncodeStage(factory EncoderFactory, config media.EncodeConfig, logger logrus.FieldLogger) *EncodeStage {
	return &EncodeStage{
		adapter: NewAdapter(StageNameEncode, factory, logger),
		config:  config,
	}
}

func (s *EncodeStage) Name() string {
	return StageNameEncode
}

func (s *EncodeStage) Run(ctx context.Context, in <-chan *media.RawFrame, out chan<- media.Packet) error {
	defer s.adapter.Close()

	return s.adapter.Drive(ctx,
		func(ctx context.Context) error {
			if err := s.adapter.Configure(ctx, s.config); err != nil {
				return err
			}
			for {
				frame, ok, err := recv(ctx, in)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				err = s.adapter.Feed(ctx, frame)
				// 提交后帧即归还，编码器需要的数据已被复制走
				frame.Release()
				if err != nil {
					return err
				}
			}
		},
		s.forward(out),
	)
}

func (s *EncodeStage) forward(out chan<- media.Packet) func(context.Context, EncodedChunk) error {
	return func(ctx context.Context, ec EncodedChunk) error {
		if ec.Config != nil && (s.lastConfig == nil || !s.lastConfig.Equal(*ec.Config)) {
			cfg := *ec.Config
			s.lastConfig = &cfg
			if err := send[media.Packet](ctx, out, &media.ConfigEvent{Config: cfg}); err != nil {
				return err
			}
		}
		if ec.Chunk == nil {
			return nil
		}
		if s.lastConfig == nil {
			return media.Errorf(media.KindCodecFault, StageNameEncode, "encoder produced %s before its decoder config", ec.Chunk)
		}
		return send[media.Packet](ctx, out, ec.Chunk)
	}
}
