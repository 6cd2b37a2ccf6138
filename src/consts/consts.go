package consts

import (
	"fmt"
	"os"
	"runtime"
)

const (
	AppName = "segcast"
)

type Info struct {
	AppName    string `json:"app_name"`
	AppVersion string `json:"app_version"`
	BuildTime  string `json:"build_time"`
	GitHash    string `json:"git_hash"`
	Pid        int    `json:"pid"`
	Platform   string `json:"platform"`
	GoVersion  string `json:"go_version"`
	IsDocker   string `json:"is_docker"`
}

// 通过 -ldflags -X 注入
var (
	BuildTime  string
	AppVersion string
	GitHash    string
)

// GetAppInfo 返回应用信息
// 必须在运行时读取，链接阶段注入的变量在编译期仍为空
func GetAppInfo() Info {
	return Info{
		AppName:    AppName,
		AppVersion: Version(),
		BuildTime:  BuildTime,
		GitHash:    GitHash,
		Pid:        os.Getpid(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		GoVersion:  runtime.Version(),
		IsDocker:   os.Getenv("IS_DOCKER"),
	}
}

// Version 未注入版本号时返回 dev
func Version() string {
	if AppVersion == "" {
		return "dev"
	}
	return AppVersion
}

// Release sentry release 名
func Release() string {
	return AppName + "@" + Version()
}
