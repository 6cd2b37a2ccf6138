package uploader

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig"

	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/pkg/openlist"
)

// DefaultPathTemplate 默认远端路径模板
const DefaultPathTemplate = `/segcast/{{ .Base }}/{{ .Name }}`

// PathInfo 远端路径模板的可用字段
type PathInfo struct {
	Name     string // 分段名
	Base     string // 分段名去掉 ".序号.扩展名"
	Sequence int
}

func newPathInfo(req media.UploadRequest) PathInfo {
	base := req.Name
	suffix := fmt.Sprintf(".%d%s", req.Sequence, path.Ext(req.Name))
	if strings.HasSuffix(base, suffix) {
		base = strings.TrimSuffix(base, suffix)
	}
	return PathInfo{Name: req.Name, Base: base, Sequence: req.Sequence}
}

// OpenListUploader 把分段 PUT 到 OpenList 挂载的存储
type OpenListUploader struct {
	client *openlist.Client
	tmpl   *template.Template
	options

	mu      sync.Mutex
	created map[string]struct{}
}

// NewOpenListUploader 创建 OpenList 上传器，pathTmpl 为空时使用默认模板
// 模板支持 sprig 函数，例如 {{ now | date "2006-01-02" }}
func NewOpenListUploader(client *openlist.Client, pathTmpl string, opts ...Option) (*OpenListUploader, error) {
	if pathTmpl == "" {
		pathTmpl = DefaultPathTemplate
	}
	tmpl, err := template.New("remote_path").Funcs(sprig.TxtFuncMap()).Parse(pathTmpl)
	if err != nil {
		return nil, fmt.Errorf("invalid path template: %w", err)
	}
	return &OpenListUploader{
		client:  client,
		tmpl:    tmpl,
		options: newOptions(opts),
		created: make(map[string]struct{}),
	}, nil
}

// RemotePath 渲染分段的远端路径
func (u *OpenListUploader) RemotePath(req media.UploadRequest) (string, error) {
	var buf bytes.Buffer
	if err := u.tmpl.Execute(&buf, newPathInfo(req)); err != nil {
		return "", err
	}
	p := strings.TrimSpace(buf.String())
	if p == "" {
		return "", fmt.Errorf("path template rendered empty path for %s", req.Name)
	}
	return path.Clean("/" + p), nil
}

// Upload 上传一个分段，目录在首次使用时创建
func (u *OpenListUploader) Upload(ctx context.Context, req media.UploadRequest) error {
	remote, err := u.RemotePath(req)
	if err != nil {
		return err
	}
	if err := u.ensureDir(ctx, path.Dir(remote)); err != nil {
		return err
	}
	size := int64(len(req.Data))
	reader := openlist.NewProgressReader(bytes.NewReader(req.Data), size, ProgressInterval, logProgress(u.logger, req.Name))
	if err := u.client.Upload(ctx, reader, size, remote); err != nil {
		return err
	}
	u.logger.WithField("remote_path", remote).Debug("segment stored in openlist")
	return nil
}

func (u *OpenListUploader) ensureDir(ctx context.Context, dir string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.created[dir]; ok || dir == "/" {
		return nil
	}
	if err := u.client.Mkdir(ctx, dir); err != nil {
		return err
	}
	u.created[dir] = struct{}{}
	return nil
}
