package pipeline

import "context"

type releaser interface {
	Release()
}

// release 释放实现了 Release 的值（例如 *media.RawFrame）
func release[T any](v T) {
	if r, ok := any(v).(releaser); ok {
		r.Release()
	}
}

// send 向下游推送一个值，阻塞直到被接收或 ctx 取消
// 取消时释放该值
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		release(v)
		return context.Cause(ctx)
	}
}

// recv 从上游读取一个值，ok 为 false 表示上游已结束
func recv[T any](ctx context.Context, ch <-chan T) (v T, ok bool, err error) {
	select {
	case v, ok = <-ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, context.Cause(ctx)
	}
}
