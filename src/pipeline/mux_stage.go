package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
)

// MuxStage 编码流 -> 分片容器字节段
type MuxStage struct {
	factory MuxerFactory
	logger  logrus.FieldLogger

	segments int
	bytes    int64
}

// NewMuxStage 创建封装阶段
func NewMuxStage(factory MuxerFactory, logger logrus.FieldLogger) *MuxStage {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MuxStage{factory: factory, logger: logger.WithField("stage", StageNameMux)}
}

func (s *MuxStage) Name() string {
	return StageNameMux
}

func (s *MuxStage) Run(ctx context.Context, in <-chan media.Packet, out chan<- media.MuxedSegment) error {
	muxer, err := s.factory()
	if err != nil {
		return media.NewError(media.KindMuxFault, StageNameMux, fmt.Errorf("create muxer: %w", err))
	}

	emit := func(ctx context.Context, seg media.MuxedSegment) error {
		if seg.Len() == 0 {
			return nil
		}
		s.segments++
		s.bytes += int64(seg.Len())
		return send(ctx, out, seg)
	}

	configured := false
	for {
		p, ok, err := recv(ctx, in)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch p := p.(type) {
		case *media.ConfigEvent:
			err = muxer.Configure(p.Config)
			configured = true
		case *media.CodedChunk:
			if !configured {
				return media.Errorf(media.KindMuxFault, StageNameMux, "%s before decoder config", p)
			}
			err = muxer.AddChunk(ctx, p, emit)
		}
		if err != nil {
			return s.classify(ctx, err)
		}
	}

	if err := muxer.Finalize(ctx, emit); err != nil {
		return s.classify(ctx, fmt.Errorf("finalize: %w", err))
	}
	s.logger.WithFields(logrus.Fields{
		"segments": s.segments,
		"bytes":    s.bytes,
	}).Debug("mux finished")
	return nil
}

func (s *MuxStage) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return media.NewError(media.KindMuxFault, StageNameMux, err)
}
