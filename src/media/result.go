package media

import "time"

// Status 管道终态
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Result 一次管道运行的终态记录
type Result struct {
	RunID          string         `json:"run_id"`
	Status         Status         `json:"status"`
	Kind           ErrorKind      `json:"error_kind,omitempty"`
	Err            error          `json:"-"`
	OutputFileName string         `json:"output_file_name,omitempty"`
	Uploaded       []UploadRecord `json:"uploaded,omitempty"`
	Bytes          int64          `json:"bytes"`
	Elapsed        time.Duration  `json:"elapsed"`
	RenderFailures int            `json:"render_failures"`
}

// ErrorMessage 返回错误信息，成功时为空
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
