// Package servers HTTP 服务：分段接收端、运行历史 API、/metrics 与预览图
package servers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/consts"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
)

// PreviewSource 最新预览图
type PreviewSource interface {
	Latest() []byte
}

// RouterOptions 可选路由，为空的项不注册
type RouterOptions struct {
	Receiver *Receiver
	History  RunHistory
	Control  RunController
	Metrics  http.Handler
	Preview  PreviewSource
}

// NewRouter 构建路由
func NewRouter(opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	r.Use(log)
	r.HandleFunc("/api/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, consts.GetAppInfo())
	}).Methods(http.MethodGet)
	if opts.Receiver != nil {
		RegisterReceiverHandlers(r, opts.Receiver)
	}
	if opts.History != nil || opts.Control != nil {
		RegisterRunHandlers(r.PathPrefix("/api").Subrouter(), opts.History, opts.Control)
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	if opts.Preview != nil {
		r.HandleFunc("/preview.webp", makePreviewHandler(opts.Preview)).Methods(http.MethodGet)
	}
	return r
}

func makePreviewHandler(src PreviewSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img := src.Latest()
		if len(img) == 0 {
			http.Error(w, "no preview yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/webp")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(img)
	}
}

// Server HTTP 服务
type Server struct {
	server *http.Server
	ln     net.Listener
}

// NewServer 监听 addr，addr 端口为 0 时随机分配
func NewServer(addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start 后台开始服务
func (s *Server) Start() {
	logrus.WithField("addr", s.Addr()).Info("http server listening")
	bilisentry.Go(func() {
		if err := s.server.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("http server stopped")
		}
	})
}

// Close 优雅关闭
func (s *Server) Close(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
