package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

var errAdapterClosed = errors.New("codec adapter closed")

// Adapter 把回调式的异步编解码器包装成可由阶段驱动的形式
// 输出通过无缓冲通道交付，下游不读时编解码器的输出回调会阻塞，形成背压
type Adapter[Cfg, In, Out any] struct {
	name    string
	factory CodecFactory[Cfg, In, Out]
	logger  logrus.FieldLogger

	codec      Codec[Cfg, In]
	configured bool

	outputs   chan Out
	done      chan struct{}
	closeOnce sync.Once

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

// NewAdapter 创建适配器，编解码器在首次 Configure 时才实例化
func NewAdapter[Cfg, In, Out any](name string, factory CodecFactory[Cfg, In, Out], logger logrus.FieldLogger) *Adapter[Cfg, In, Out] {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter[Cfg, In, Out]{
		name:    name,
		factory: factory,
		logger:  logger.WithField("stage", name),
		outputs: make(chan Out),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
}

// Configure 先探测配置是否受支持，再配置编解码器
// 已配置过时先冲刷，保证旧配置下的输出先于新配置的输出
func (a *Adapter[Cfg, In, Out]) Configure(ctx context.Context, cfg Cfg) error {
	if a.codec == nil {
		if a.factory == nil {
			return media.Errorf(media.KindCodecFault, a.name, "no codec factory")
		}
		codec, err := a.factory(CodecCallbacks[Out]{Output: a.push, Error: a.fail})
		if err != nil {
			return media.NewError(media.KindCodecFault, a.name, fmt.Errorf("create codec: %w", err))
		}
		a.codec = codec
	}

	supported, err := a.codec.IsConfigSupported(ctx, cfg)
	if err != nil {
		return a.classify(ctx, fmt.Errorf("probe config %v: %w", cfg, err))
	}
	if !supported {
		return media.NewError(media.KindUnsupportedConfiguration, a.name,
			fmt.Errorf("%w: %v", media.ErrUnsupportedConfiguration, cfg))
	}

	if a.configured {
		if err := a.Flush(ctx); err != nil {
			return err
		}
	}
	if err := a.codec.Configure(ctx, cfg); err != nil {
		return a.classify(ctx, fmt.Errorf("configure %v: %w", cfg, err))
	}
	a.configured = true
	a.logger.WithField("config", fmt.Sprint(cfg)).Debug("codec configured")
	return nil
}

// Configured 是否已完成配置
func (a *Adapter[Cfg, In, Out]) Configured() bool {
	return a.configured
}

// Feed 提交一个输入
func (a *Adapter[Cfg, In, Out]) Feed(ctx context.Context, in In) error {
	if !a.configured {
		return media.Errorf(media.KindCodecFault, a.name, "input submitted before configuration")
	}
	if err := a.Err(); err != nil {
		return err
	}
	if err := a.codec.Submit(ctx, in); err != nil {
		return a.classify(ctx, fmt.Errorf("submit: %w", err))
	}
	return nil
}

// Flush 等待所有已提交输入的输出交付完毕
func (a *Adapter[Cfg, In, Out]) Flush(ctx context.Context) error {
	if a.codec == nil || !a.configured {
		return nil
	}
	if err := a.codec.Flush(ctx); err != nil {
		return a.classify(ctx, fmt.Errorf("flush: %w", err))
	}
	return a.Err()
}

// Outputs 输出通道，不会被关闭，用 Drive 消费
func (a *Adapter[Cfg, In, Out]) Outputs() <-chan Out {
	return a.outputs
}

// Failed 编解码器报告异步错误后关闭
func (a *Adapter[Cfg, In, Out]) Failed() <-chan struct{} {
	return a.failed
}

// Err 返回编解码器报告的第一个异步错误
func (a *Adapter[Cfg, In, Out]) Err() error {
	select {
	case <-a.failed:
		return a.err
	default:
		return nil
	}
}

// Close 停止接收输出并关闭编解码器，可重复调用
func (a *Adapter[Cfg, In, Out]) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		if a.codec != nil {
			err = a.codec.Close()
		}
	})
	return err
}

// Drive 在当前 goroutine 中执行 feed，同时在独立 goroutine 中把输出交给 forward
// feed 正常结束后会冲刷编解码器；任一方出错都会取消另一方
func (a *Adapter[Cfg, In, Out]) Drive(
	ctx context.Context,
	feed func(ctx context.Context) error,
	forward func(ctx context.Context, out Out) error,
) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	flushed := make(chan struct{})
	forwardErr := make(chan error, 1)
	bilisentry.Go(func() {
		err := a.forward(ctx, flushed, forward)
		if err != nil {
			cancel(err)
		}
		forwardErr <- err
	})

	err := feed(ctx)
	if err == nil {
		err = a.Flush(ctx)
	}
	if err != nil {
		cancel(err)
		a.stop()
	}
	close(flushed)
	ferr := <-forwardErr

	if err == nil && ferr == nil {
		return nil
	}
	return context.Cause(ctx)
}

func (a *Adapter[Cfg, In, Out]) forward(ctx context.Context, flushed <-chan struct{}, fn func(context.Context, Out) error) error {
	for {
		select {
		case out := <-a.outputs:
			if err := fn(ctx, out); err != nil {
				a.stop()
				return err
			}
		case <-flushed:
			return nil
		case <-a.failed:
			a.stop()
			return a.err
		case <-ctx.Done():
			a.stop()
			return context.Cause(ctx)
		}
	}
}

// push 编解码器输出回调
func (a *Adapter[Cfg, In, Out]) push(out Out) error {
	select {
	case a.outputs <- out:
		return nil
	case <-a.done:
		release(out)
		return errAdapterClosed
	}
}

// fail 编解码器异步错误回调，只记录第一个错误
func (a *Adapter[Cfg, In, Out]) fail(err error) {
	if err == nil {
		return
	}
	a.failOnce.Do(func() {
		a.err = media.NewError(media.KindCodecFault, a.name, err)
		a.logger.WithError(err).Error("codec reported error")
		close(a.failed)
	})
}

// stop 不再接收输出，阻塞中的输出回调立即返回
func (a *Adapter[Cfg, In, Out]) stop() {
	_ = a.Close()
}

// classify 取消导致的错误保留取消原因，其余归为编解码错误
func (a *Adapter[Cfg, In, Out]) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if aerr := a.Err(); aerr != nil {
		return aerr
	}
	return media.NewError(media.KindCodecFault, a.name, err)
}
