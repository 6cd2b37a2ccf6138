// Package store 运行历史的 SQLite 存储
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/bililive-go/segcast/src/media"
)

// ErrRunNotFound 运行记录不存在
var ErrRunNotFound = errors.New("run not found")

// RunStatusRunning 运行中；终态沿用 media.Status
const RunStatusRunning = "running"

// Run 一次运行的记录
type Run struct {
	ID             string          `json:"id"`
	Source         string          `json:"source"`
	OutputName     string          `json:"output_name"`
	Status         string          `json:"status"`
	ErrorKind      media.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Bytes          int64           `json:"bytes"`
	Segments       int             `json:"segments"`
	RenderFailures int             `json:"render_failures"`
	Elapsed        time.Duration   `json:"elapsed"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Segment 一次上传的记录
type Segment struct {
	RunID string `json:"run_id"`
	media.UploadRecord
}

// RunFilter 查询条件
type RunFilter struct {
	Status string
	Limit  int
	Offset int
}

// SQLiteStore SQLite 存储实现
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore 打开（必要时创建）数据库并执行迁移
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 单写者
	db.SetMaxOpenConns(1)

	if err := migrateUp(db, dbPath); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// RunStarted 记录运行开始
func (s *SQLiteStore) RunStarted(ctx context.Context, runID, source string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, source, status, started_at) VALUES (?, ?, ?, ?)
	`, runID, source, RunStatusRunning, startedAt.UnixMilli())
	return err
}

// SegmentUploaded 记录一次成功上传
func (s *SQLiteStore) SegmentUploaded(ctx context.Context, runID string, rec media.UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO segments (run_id, sequence, name, bytes, uploaded_at) VALUES (?, ?, ?, ?, ?)
	`, runID, rec.Sequence, rec.Name, rec.Bytes, rec.UploadedAt.UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET segments = segments + 1, bytes = bytes + ? WHERE id = ?
	`, rec.Bytes, runID); err != nil {
		return err
	}
	return tx.Commit()
}

// RunFinished 记录终态
func (s *SQLiteStore) RunFinished(ctx context.Context, result media.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			output_name = ?,
			status = ?,
			error_kind = ?,
			error_message = ?,
			bytes = ?,
			segments = ?,
			render_failures = ?,
			elapsed_ms = ?,
			finished_at = ?
		WHERE id = ?
	`,
		result.OutputFileName,
		string(result.Status),
		string(result.Kind),
		result.ErrorMessage(),
		result.Bytes,
		len(result.Uploaded),
		result.RenderFailures,
		result.Elapsed.Milliseconds(),
		time.Now().UnixMilli(),
		result.RunID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, result.RunID)
	}
	return nil
}

const runColumns = `id, source, output_name, status, error_kind, error_message,
	bytes, segments, render_failures, elapsed_ms, started_at, finished_at`

// GetRun 获取运行记录
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// ListRuns 按开始时间倒序列出运行记录
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs`
	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			logrus.WithError(err).Warn("failed to scan run")
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListSegments 按序号列出一次运行的上传记录
func (s *SQLiteStore) ListSegments(ctx context.Context, runID string) ([]Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence, name, bytes, uploaded_at
		FROM segments WHERE run_id = ? ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var uploadedAt int64
		if err := rows.Scan(&seg.RunID, &seg.Sequence, &seg.Name, &seg.Bytes, &uploadedAt); err != nil {
			return nil, err
		}
		seg.UploadedAt = time.UnixMilli(uploadedAt)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// ResetRunningRuns 把上次异常退出时遗留的运行中记录标记为失败
func (s *SQLiteStore) ResetRunningRuns(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error_kind = ?, error_message = ?, finished_at = ?
		WHERE status = ?
	`, string(media.StatusFailed), string(media.KindCanceled), "interrupted", time.Now().UnixMilli(), RunStatusRunning)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteRun 删除运行记录及其上传记录
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// Close 关闭存储
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var kind string
	var elapsedMS, startedAt int64
	var finishedAt sql.NullInt64
	err := row.Scan(
		&run.ID, &run.Source, &run.OutputName, &run.Status, &kind, &run.ErrorMessage,
		&run.Bytes, &run.Segments, &run.RenderFailures, &elapsedMS, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.ErrorKind = media.ErrorKind(kind)
	run.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	run.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		run.FinishedAt = &t
	}
	return &run, nil
}
