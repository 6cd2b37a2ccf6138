package servers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/bililive-go/segcast/src/store"
)

// RunHistory 运行历史查询
type RunHistory interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListSegments(ctx context.Context, runID string) ([]store.Segment, error)
}

// RunController 运行控制，通常为 *pipeline.Manager
type RunController interface {
	Running() []string
	Cancel(runID string) error
}

// RegisterRunHandlers 注册运行历史与控制相关路由，r 为 /api 子路由
func RegisterRunHandlers(r *mux.Router, history RunHistory, ctl RunController) {
	if history != nil {
		r.HandleFunc("/runs", makeListRunsHandler(history)).Methods(http.MethodGet)
		r.HandleFunc("/runs/{id}", makeGetRunHandler(history)).Methods(http.MethodGet)
		r.HandleFunc("/runs/{id}/segments", makeListSegmentsHandler(history)).Methods(http.MethodGet)
	}
	if ctl != nil {
		r.HandleFunc("/active", makeActiveRunsHandler(ctl)).Methods(http.MethodGet)
		r.HandleFunc("/runs/{id}/cancel", makeCancelRunHandler(ctl)).Methods(http.MethodPost)
	}
}

func makeListRunsHandler(history RunHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.RunFilter{Status: r.URL.Query().Get("status")}
		if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
			filter.Limit = limit
		}
		if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
			filter.Offset = offset
		}
		runs, err := history.ListRuns(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// 返回空数组而不是 null
		if runs == nil {
			runs = []*store.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func makeGetRunHandler(history RunHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := history.GetRun(r.Context(), mux.Vars(r)["id"])
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func makeListSegmentsHandler(history RunHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		segments, err := history.ListSegments(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if segments == nil {
			segments = []store.Segment{}
		}
		writeJSON(w, http.StatusOK, segments)
	}
}

func makeActiveRunsHandler(ctl RunController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctl.Running())
	}
}

func makeCancelRunHandler(ctl RunController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ctl.Cancel(mux.Vars(r)["id"]); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}
