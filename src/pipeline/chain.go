package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

// Chain 把各阶段用无缓冲通道串联起来，每个阶段一个 goroutine
// 任一阶段出错即取消整条链，第一个错误即为链的结果
type Chain struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	group  errgroup.Group
	logger logrus.FieldLogger
}

// NewChain 创建串联器
func NewChain(ctx context.Context, logger logrus.FieldLogger) *Chain {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Chain{ctx: ctx, cancel: cancel, logger: logger}
}

// Context 链的上下文，任一阶段失败后被取消
func (c *Chain) Context() context.Context {
	return c.ctx
}

// Abort 以 cause 取消整条链
func (c *Chain) Abort(cause error) {
	c.cancel(cause)
}

// spawn 启动一个阶段；失败时先取消整条链，再关闭其输出
// 下游看到通道关闭时，总能通过 ctx 区分正常结束与上游失败
func (c *Chain) spawn(name string, fn func(ctx context.Context) error, closeOut func()) {
	c.group.Go(func() error {
		err := c.call(name, fn)
		if err != nil {
			c.cancel(err)
			c.logger.WithField("stage", name).WithError(err).Debug("stage stopped")
		} else {
			c.logger.WithField("stage", name).Debug("stage finished")
		}
		if closeOut != nil {
			closeOut()
		}
		return err
	})
}

func (c *Chain) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panic: %v", name, r)
			bilisentry.CaptureException(err)
			c.logger.WithField("stage", name).Errorf("stage panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(c.ctx)
}

// From 启动起点阶段
func From[Out any](c *Chain, src Source[Out]) <-chan Out {
	out := make(chan Out)
	c.spawn(src.Name(), func(ctx context.Context) error {
		return src.Run(ctx, out)
	}, func() { close(out) })
	return out
}

// Pipe 启动中间阶段，返回其输出通道
func Pipe[In, Out any](c *Chain, in <-chan In, st Stage[In, Out]) <-chan Out {
	out := make(chan Out)
	c.spawn(st.Name(), func(ctx context.Context) error {
		return st.Run(ctx, in, out)
	}, func() { close(out) })
	return out
}

// To 启动终点阶段
func To[In any](c *Chain, in <-chan In, sink Sink[In]) {
	c.spawn(sink.Name(), func(ctx context.Context) error {
		return sink.Run(ctx, in)
	}, nil)
}

// Wait 等待所有阶段退出，返回第一个失败原因
func (c *Chain) Wait() error {
	err := c.group.Wait()
	defer c.cancel(context.Canceled)
	if err == nil {
		return nil
	}
	if cause := context.Cause(c.ctx); cause != nil {
		return cause
	}
	return err
}
