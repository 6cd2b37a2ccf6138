package openlist

import (
	"io"
	"time"
)

// UploadProgress 上传进度
type UploadProgress struct {
	BytesUploaded       int64   // 已上传字节数
	TotalBytes          int64   // 总字节数
	SpeedBytesPerSec    int64   // 最近窗口内的速度
	AvgSpeedBytesPerSec int64   // 平均速度
	EtaSeconds          int64   // 预计剩余时间（秒）
	Percentage          float64 // 0-100
}

const speedWindow = 5 * time.Second

type speedSample struct {
	bytes int64
	at    time.Time
}

// ProgressReader 带进度回调的 Reader，由单个 goroutine（HTTP 传输）读取
type ProgressReader struct {
	reader   io.Reader
	total    int64
	uploaded int64
	start    time.Time
	samples  []speedSample

	onProgress func(UploadProgress)
	lastReport time.Time
	interval   time.Duration
	now        func() time.Time
}

// NewProgressReader 创建进度 Reader，onProgress 为 nil 时只计数
func NewProgressReader(reader io.Reader, total int64, interval time.Duration, onProgress func(UploadProgress)) *ProgressReader {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &ProgressReader{
		reader:     reader,
		total:      total,
		start:      time.Now(),
		onProgress: onProgress,
		interval:   interval,
		now:        time.Now,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.uploaded += int64(n)
		now := pr.now()
		pr.samples = append(pr.samples, speedSample{bytes: int64(n), at: now})
		for len(pr.samples) > 0 && now.Sub(pr.samples[0].at) > speedWindow {
			pr.samples = pr.samples[1:]
		}
		// 最后一块总是上报
		if pr.onProgress != nil && (now.Sub(pr.lastReport) >= pr.interval || pr.uploaded >= pr.total) {
			pr.lastReport = now
			pr.onProgress(pr.Progress())
		}
	}
	return n, err
}

// Uploaded 已读取的字节数
func (pr *ProgressReader) Uploaded() int64 {
	return pr.uploaded
}

// Progress 当前进度快照
func (pr *ProgressReader) Progress() UploadProgress {
	p := UploadProgress{
		BytesUploaded: pr.uploaded,
		TotalBytes:    pr.total,
	}
	if elapsed := pr.now().Sub(pr.start).Seconds(); elapsed > 0 {
		p.AvgSpeedBytesPerSec = int64(float64(pr.uploaded) / elapsed)
	}
	if len(pr.samples) >= 2 {
		var sum int64
		for _, s := range pr.samples {
			sum += s.bytes
		}
		if d := pr.samples[len(pr.samples)-1].at.Sub(pr.samples[0].at).Seconds(); d > 0 {
			p.SpeedBytesPerSec = int64(float64(sum) / d)
		}
	}
	if p.AvgSpeedBytesPerSec > 0 {
		p.EtaSeconds = (pr.total - pr.uploaded) / p.AvgSpeedBytesPerSec
	}
	if pr.total > 0 {
		p.Percentage = float64(pr.uploaded) / float64(pr.total) * 100
	}
	return p
}
