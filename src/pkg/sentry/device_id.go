package sentry

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	uuid "github.com/satori/go.uuid"
)

const deviceIDFile = "device_id"

var deviceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// AnonymousDeviceID 读取 dataDir 下保存的匿名设备 ID，不存在或无效时生成并写入
// 返回 32 位十六进制字符串，写入失败时仍返回新 ID
func AnonymousDeviceID(dataDir string) string {
	if dataDir == "" {
		return newDeviceID()
	}
	path := filepath.Join(dataDir, deviceIDFile)
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); deviceIDPattern.MatchString(id) {
			return id
		}
	}
	id := newDeviceID()
	if err := os.MkdirAll(dataDir, 0755); err == nil {
		_ = os.WriteFile(path, []byte(id+"\n"), 0644)
	}
	return id
}

func newDeviceID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")
}
