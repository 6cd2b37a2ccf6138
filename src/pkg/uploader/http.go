// Package uploader 分段上传目标：multipart HTTP 与 OpenList
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/pkg/openlist"
)

// ProgressInterval 上传进度日志的最小间隔
const ProgressInterval = time.Second

// Option 上传器选项
type Option func(*options)

type options struct {
	client *http.Client
	logger logrus.FieldLogger
}

// WithHTTPClient 指定 HTTP 客户端
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithLogger 指定日志
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{
		client: http.DefaultClient,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func logProgress(logger logrus.FieldLogger, name string) func(openlist.UploadProgress) {
	return func(p openlist.UploadProgress) {
		logger.WithFields(logrus.Fields{
			"name":     name,
			"uploaded": p.BytesUploaded,
			"total":    p.TotalBytes,
			"speed":    p.SpeedBytesPerSec,
			"percent":  fmt.Sprintf("%.1f", p.Percentage),
		}).Debug("upload progress")
	}
}

// HTTPUploader 以 multipart/form-data POST 上传分段
// 表单只有一个文件部分，字段名与文件名均为分段名
type HTTPUploader struct {
	url string
	options
}

// NewHTTPUploader 创建 HTTP 上传器
func NewHTTPUploader(url string, opts ...Option) *HTTPUploader {
	return &HTTPUploader{url: url, options: newOptions(opts)}
}

// Upload 上传一个分段，非 2xx 响应视为失败
func (u *HTTPUploader) Upload(ctx context.Context, req media.UploadRequest) error {
	body, contentType, err := multipartBody(req)
	if err != nil {
		return err
	}
	size := int64(body.Len())
	reader := openlist.NewProgressReader(body, size, ProgressInterval, logProgress(u.logger, req.Name))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.ContentLength = size

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload service responded %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func multipartBody(req media.UploadRequest) (*bytes.Buffer, string, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(req.Data)+512))
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile(req.Name, req.Name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
