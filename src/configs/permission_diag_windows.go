//go:build windows

package configs

// PermissionDiagnostics Windows 上不做 Unix 权限检查
type PermissionDiagnostics struct {
	Suggestions []string
}

// DiagnoseFilePermission 诊断文件权限问题
func DiagnoseFilePermission(string) *PermissionDiagnostics {
	return &PermissionDiagnostics{}
}

// FormatError 格式化诊断信息
func (d *PermissionDiagnostics) FormatError() string {
	return ""
}
