// Package sentry 崩溃上报封装：初始化、脱敏与 panic 安全的 goroutine
package sentry

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

var initialized atomic.Bool

const redacted = "[REDACTED]"

var sensitiveKeywords = []string{
	"token", "password", "passwd", "secret", "auth", "cookie", "credential", "api_key", "apikey", "dsn",
}

var (
	// key=value 或 key: value
	sensitivePairPattern = regexp.MustCompile(`(?i)([a-z_]*(?:` + strings.Join(quoteAll(sensitiveKeywords), "|") + `)[a-z_]*)\s*[=:]\s*[^\s,&}"\]]+`)
	userinfoPattern      = regexp.MustCompile(`(://)[^/@\s]+@`)
)

func quoteAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = regexp.QuoteMeta(w)
	}
	return out
}

// Options 初始化参数
type Options struct {
	DSN         string
	Environment string
	Release     string
	// DataDir 保存匿名设备 ID 的目录，为空时每次启动生成新 ID
	DataDir string
}

// Init 初始化 Sentry，DSN 为空时不启用
func Init(opts Options) error {
	if opts.DSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
		BeforeSend:       beforeSend,
		SampleRate:       1.0,
	})
	if err != nil {
		return err
	}
	deviceID := AnonymousDeviceID(opts.DataDir)
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: deviceID})
	})
	initialized.Store(true)
	return nil
}

// IsInitialized Sentry 是否已启用
func IsInitialized() bool {
	return initialized.Load()
}

// Flush 退出前发送积压事件
func Flush(timeout time.Duration) {
	if IsInitialized() {
		sentry.Flush(timeout)
	}
}

func report(ctx context.Context, r any) {
	logrus.WithField("panic", r).Errorf("recovered from panic\n%s", debug.Stack())
	if !IsInitialized() {
		return
	}
	hub := sentry.CurrentHub()
	if ctx != nil {
		if h := sentry.GetHubFromContext(ctx); h != nil {
			hub = h
		}
		hub.RecoverWithContext(ctx, r)
		return
	}
	hub.Recover(r)
}

// Recover 在 goroutine 顶部 defer 调用，吞掉 panic 并上报
func Recover() {
	if r := recover(); r != nil {
		report(nil, r)
	}
}

// RecoverWithContext 同 Recover，优先使用 ctx 上的 hub
func RecoverWithContext(ctx context.Context) {
	if r := recover(); r != nil {
		report(ctx, r)
	}
}

// CaptureException 上报错误
func CaptureException(err error) {
	if IsInitialized() && err != nil {
		sentry.CaptureException(err)
	}
}

// CaptureMessage 上报消息
func CaptureMessage(format string, args ...any) {
	if IsInitialized() {
		sentry.CaptureMessage(fmt.Sprintf(format, args...))
	}
}

// Go 启动带 panic 恢复的 goroutine
func Go(f func()) {
	go func() {
		defer Recover()
		f()
	}()
}

// GoWithContext 启动带 panic 恢复的 goroutine，f 接收 ctx
func GoWithContext(ctx context.Context, f func(context.Context)) {
	go func() {
		defer RecoverWithContext(ctx)
		f(ctx)
	}()
}

func beforeSend(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.Message = sanitizeString(event.Message)
	for i := range event.Exception {
		ex := &event.Exception[i]
		ex.Value = sanitizeString(ex.Value)
		if ex.Stacktrace == nil {
			continue
		}
		for j := range ex.Stacktrace.Frames {
			ex.Stacktrace.Frames[j].Vars = sanitizeMap(ex.Stacktrace.Frames[j].Vars)
		}
	}
	event.Extra = sanitizeMap(event.Extra)
	for key, c := range event.Contexts {
		event.Contexts[key] = sanitizeMap(c)
	}
	for key, value := range event.Tags {
		if isSensitiveKey(key) {
			event.Tags[key] = redacted
		} else {
			event.Tags[key] = sanitizeString(value)
		}
	}
	if req := event.Request; req != nil {
		req.URL = sanitizeString(req.URL)
		req.QueryString = sanitizeString(req.QueryString)
		req.Data = sanitizeString(req.Data)
		if req.Cookies != "" {
			req.Cookies = redacted
		}
		for h := range req.Headers {
			if isSensitiveKey(h) {
				req.Headers[h] = redacted
			}
		}
	}
	return event
}

// sanitizeString 去掉 URL 中的账号信息与敏感键值
func sanitizeString(s string) string {
	if s == "" {
		return s
	}
	s = userinfoPattern.ReplaceAllString(s, "$1"+redacted+"@")
	return sensitivePairPattern.ReplaceAllString(s, "$1="+redacted)
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		switch v := value.(type) {
		case string:
			if isSensitiveKey(key) {
				out[key] = redacted
			} else {
				out[key] = sanitizeString(v)
			}
		case map[string]any:
			out[key] = sanitizeMap(v)
		default:
			if isSensitiveKey(key) {
				out[key] = redacted
			} else {
				out[key] = v
			}
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(key, keyword) {
			return true
		}
	}
	return false
}
