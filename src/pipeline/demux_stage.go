package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
)

// DemuxSource 读取输入文件，按流顺序产出 ConfigEvent 与 CodedChunk
type DemuxSource struct {
	demuxer Demuxer
	src     SourceFile
	logger  logrus.FieldLogger
}

// NewDemuxSource 创建解封装起点
func NewDemuxSource(demuxer Demuxer, src SourceFile, logger logrus.FieldLogger) *DemuxSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DemuxSource{demuxer: demuxer, src: src, logger: logger.WithField("stage", StageNameDemux)}
}

func (s *DemuxSource) Name() string {
	return StageNameDemux
}

func (s *DemuxSource) Run(ctx context.Context, out chan<- media.Packet) error {
	var (
		configured bool
		chunks     int
	)
	err := s.demuxer.Run(ctx, s.src, DemuxHandlers{
		OnConfig: func(ctx context.Context, cfg media.DecoderConfig) error {
			configured = true
			s.logger.WithField("config", cfg.String()).Info("demuxed decoder config")
			return send[media.Packet](ctx, out, &media.ConfigEvent{Config: cfg})
		},
		OnChunk: func(ctx context.Context, chunk *media.CodedChunk) error {
			if !configured {
				return media.Errorf(media.KindDemuxFault, StageNameDemux, "chunk at %s before decoder config", chunk.Timestamp)
			}
			chunks++
			return send[media.Packet](ctx, out, chunk)
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return media.NewError(media.KindDemuxFault, StageNameDemux, fmt.Errorf("demux %s: %w", s.src.Name(), err))
	}
	if !configured {
		return media.NewError(media.KindDemuxFault, StageNameDemux, errors.New("no video track found in "+s.src.Name()))
	}
	s.logger.WithField("chunks", chunks).Debug("demux finished")
	return nil
}
