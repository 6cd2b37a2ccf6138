package servers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// maxMemory multipart 解析时放在内存中的上限，超出部分落盘到临时文件
const maxMemory = 32 << 20

// StoredFile 接收到的文件
type StoredFile struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

// Receiver 接收分段上传并保存到目录
type Receiver struct {
	dir string
	mu  sync.Mutex
}

// NewReceiver 清空并重建 dir
func NewReceiver(dir string) (*Receiver, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clean %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return &Receiver{dir: dir}, nil
}

// Dir 保存目录
func (rc *Receiver) Dir() string {
	return rc.dir
}

// storedName 只取最后一级，防止写出目录
func storedName(field, filename string) string {
	name := filename
	if name == "" {
		name = field
	}
	name = filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// Save 保存一个文件部分，同名文件被覆盖
func (rc *Receiver) Save(field, filename string, r io.Reader) (StoredFile, error) {
	name := storedName(field, filename)
	if name == "" {
		return StoredFile{}, fmt.Errorf("invalid file name %q", filename)
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	tmp, err := os.CreateTemp(rc.dir, ".upload-*")
	if err != nil {
		return StoredFile{}, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(rc.dir, name))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return StoredFile{}, err
	}
	return StoredFile{Name: name, Size: n, ReceivedAt: time.Now()}, nil
}

// List 按名称列出已保存文件
func (rc *Receiver) List() ([]StoredFile, error) {
	entries, err := os.ReadDir(rc.dir)
	if err != nil {
		return nil, err
	}
	files := make([]StoredFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".upload-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, StoredFile{Name: e.Name(), Size: info.Size(), ReceivedAt: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// RegisterReceiverHandlers 注册上传接收相关路由
func RegisterReceiverHandlers(r *mux.Router, rc *Receiver) {
	r.HandleFunc("/upload", makeUploadHandler(rc)).Methods(http.MethodPost)
	r.HandleFunc("/upload", makeListFilesHandler(rc)).Methods(http.MethodGet)
	r.PathPrefix("/files/").Handler(http.StripPrefix("/files/", http.FileServer(http.Dir(rc.dir)))).Methods(http.MethodGet)
}

func makeUploadHandler(rc *Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		var stored []StoredFile
		for field, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				sf, err := rc.Save(field, fh.Filename, f)
				f.Close()
				if err != nil {
					logrus.WithError(err).WithField("field", field).Error("failed to store uploaded file")
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				logrus.WithFields(logrus.Fields{
					"name": sf.Name,
					"size": sf.Size,
				}).Info("file received")
				stored = append(stored, sf)
			}
		}
		if len(stored) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("no file part in request"))
			return
		}
		writeJSON(w, http.StatusOK, stored)
	}
}

func makeListFilesHandler(rc *Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := rc.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, files)
	}
}
