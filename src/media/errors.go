package media

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind 管道错误分类
type ErrorKind string

const (
	KindNone ErrorKind = ""
	// KindUnsupportedConfiguration 请求的编解码配置不受支持，不尝试降级
	KindUnsupportedConfiguration ErrorKind = "unsupported_configuration"
	// KindCodecFault 编解码运行时错误
	KindCodecFault ErrorKind = "codec_fault"
	// KindDemuxFault 解封装错误
	KindDemuxFault ErrorKind = "demux_fault"
	// KindMuxFault 封装错误
	KindMuxFault ErrorKind = "mux_fault"
	// KindUploadFault 上传失败，不自动重试
	KindUploadFault ErrorKind = "upload_fault"
	// KindCanceled 调用方取消
	KindCanceled ErrorKind = "canceled"
)

// ErrUnsupportedConfiguration 可与 errors.Is 配合使用
var ErrUnsupportedConfiguration = errors.New("unsupported configuration")

// Error 带分类的管道错误
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

// NewError 包装 err，err 已经是 *Error 时保持原有分类
func NewError(kind ErrorKind, stage string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Errorf 创建带分类的错误
func Errorf(kind ErrorKind, stage string, format string, args ...any) error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同类错误视为相等，便于 errors.Is(err, &Error{Kind: ...})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// KindOf 返回错误分类，未分类的取消错误归为 KindCanceled
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	if errors.Is(err, ErrUnsupportedConfiguration) {
		return KindUnsupportedConfiguration
	}
	return KindNone
}
