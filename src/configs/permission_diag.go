//go:build !windows

package configs

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// PermissionDiagnostics 配置文件的权限诊断
type PermissionDiagnostics struct {
	FilePath    string
	FileExists  bool
	CanRead     bool
	CanWrite    bool
	FileMode    os.FileMode
	OwnerUID    uint32
	CurrentUID  int
	Suggestions []string
}

// DiagnoseFilePermission 诊断文件为何无法读写
func DiagnoseFilePermission(filePath string) *PermissionDiagnostics {
	diag := &PermissionDiagnostics{FilePath: filePath, CurrentUID: os.Getuid()}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			diag.Suggestions = append(diag.Suggestions, fmt.Sprintf("文件 %s 不存在，请检查配置文件路径是否正确", filePath))
		} else {
			diag.Suggestions = append(diag.Suggestions, fmt.Sprintf("无法获取文件信息: %v", err))
		}
		return diag
	}
	diag.FileExists = true
	diag.FileMode = info.Mode()
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		diag.OwnerUID = stat.Uid
	}
	if f, err := os.OpenFile(filePath, os.O_RDONLY, 0); err == nil {
		diag.CanRead = true
		f.Close()
	}
	if f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND, 0); err == nil {
		diag.CanWrite = true
		f.Close()
	}

	if !diag.CanRead {
		diag.Suggestions = append(diag.Suggestions, fmt.Sprintf("无法读取文件 %s，当前权限 %v，所有者 UID %d，当前 UID %d",
			filePath, diag.FileMode, diag.OwnerUID, diag.CurrentUID))
	}
	if !diag.CanWrite {
		diag.Suggestions = append(diag.Suggestions, fmt.Sprintf("无法写入文件 %s，补全后的配置将无法保存", filePath))
	}
	return diag
}

// FormatError 格式化为错误信息附加内容，没有问题时为空
func (d *PermissionDiagnostics) FormatError() string {
	if len(d.Suggestions) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n========== 权限诊断信息 ==========\n")
	for _, s := range d.Suggestions {
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	sb.WriteString("===================================\n")
	return sb.String()
}
