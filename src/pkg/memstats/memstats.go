// Package memstats 采样本进程及其子进程（ffmpeg/ffprobe）的内存
package memstats

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot 一次内存采样
type Snapshot struct {
	RSS          uint64 `json:"rss"`          // 本进程常驻内存 (bytes)
	ChildrenRSS  uint64 `json:"children_rss"` // 子进程常驻内存之和 (bytes)
	Children     int    `json:"children"`
	HeapAlloc    uint64 `json:"heap_alloc"`
	NumGoroutine int    `json:"num_goroutine"`
}

// Sample 采样当前进程，子进程读取失败时忽略该子进程
func Sample() (Snapshot, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	snap := Snapshot{
		HeapAlloc:    m.HeapAlloc,
		NumGoroutine: runtime.NumGoroutine(),
	}

	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return snap, err
	}
	info, err := self.MemoryInfo()
	if err != nil {
		return snap, err
	}
	snap.RSS = info.RSS

	// 没有子进程时 gopsutil 返回错误
	children, _ := self.Children()
	for _, child := range children {
		if mem, err := child.MemoryInfo(); err == nil {
			snap.ChildrenRSS += mem.RSS
			snap.Children++
		}
	}
	return snap, nil
}
