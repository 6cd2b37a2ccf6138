package configs

import "gopkg.in/yaml.v3"

// DecorateConfigNode 将硬编码的中文注释注入到配置节点树中。
func DecorateConfigNode(node *yaml.Node) {
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return
	}
	root := node.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}

	root.HeadComment = `# 这个配置文件内的注释是自动生成的，请不要手动修改。
# 需要修改注释时，请在 src/configs/config_comments.go 文件内修改。`

	setFieldLineComment(root, "ffmpeg_path", "# 如果此项为空，就自动在环境变量里寻找")
	setFieldLineComment(root, "ffprobe_path", "# 如果此项为空，就自动在环境变量里寻找")
	setFieldLineComment(root, "temp_dir", "# 非本地输入的临时缓冲目录，留空使用系统临时目录")

	if encoder := findNode(root, "encoder"); encoder != nil {
		setFieldComment(encoder, "codec", "# 目前只支持 H.264（avc1.*），其他编码会直接报 unsupported_configuration", "")
		setFieldLineComment(encoder, "bitrate", "# 单位 bps")
		setFieldLineComment(encoder, "keyframe_interval", "# 单位为帧，0 表示由编码器决定")
		setFieldComment(encoder, "hardware_acceleration",
			`# no-preference / prefer-hardware / prefer-software
# prefer-hardware 会依次尝试 nvenc、qsv、videotoolbox、amf，均不可用时回退到 libx264`, "")
	}

	if muxer := findNode(root, "muxer"); muxer != nil {
		setFieldLineComment(muxer, "fragment_duration", "# 每个 fMP4 分片的最短时长，分片总在关键帧处切分")
	}

	setFieldHeadComment(root, "upload", "# 上传配置")
	if upload := findNode(root, "upload"); upload != nil {
		setFieldLineComment(upload, "target", "# http 或 openlist")
		setFieldComment(upload, "url", "# multipart 上传地址，可用环境变量 SEGCAST_UPLOAD_URL 覆盖", "")
		setFieldComment(upload, "threshold_bytes", "# 待上传数据超过该字节数时立即上传一个分段", "")
		setFieldComment(upload, "resolution_label", "# 分段命名：<源文件名>-<resolution_label>.<序号>.<container_ext>", "")
		if openlist := findNode(upload, "openlist"); openlist != nil {
			setFieldComment(openlist, "token", "# 可用环境变量 SEGCAST_OPENLIST_TOKEN 覆盖；为空时使用用户名密码登录", "")
			setFieldComment(openlist, "path_tmpl",
				`# 远端路径模板，可用 .Name .Base .Sequence 以及 sprig 函数
# 例如 /segcast/{{ now | date "2006-01-02" }}/{{ .Base }}/{{ .Name }}`, "")
		}
	}

	if preview := findNode(root, "preview"); preview != nil {
		setFieldComment(preview, "enable", "# 是否输出 WebP 预览图（只保留最新一帧）", "")
		setFieldLineComment(preview, "queue_size", "# 预览解码队列长度，满时丢弃到下一个关键帧")
	}

	setFieldLineComment(root, "metrics_addr", "# Prometheus /metrics 监听地址，留空不启用")
	setFieldLineComment(root, "db_path", "# 运行历史数据库，留空时放在 app_data_path 下")

	setFieldHeadComment(root, "sentry", "# Sentry 错误监控配置（用于收集崩溃日志）")
	if sentryNode := findNode(root, "sentry"); sentryNode != nil {
		setFieldComment(sentryNode, "enable", "# 是否启用 Sentry 错误监控", "")
		setFieldComment(sentryNode, "dsn", "# Sentry DSN，可用环境变量 SENTRY_DSN 覆盖", "")
		setFieldComment(sentryNode, "environment", "# 环境标识：production 或 development", "")
	}
}

func findNode(mapNode *yaml.Node, key string) *yaml.Node {
	for i := 0; i < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return mapNode.Content[i+1]
		}
	}
	return nil
}

func setFieldComment(mapNode *yaml.Node, key, headComment, lineComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			if headComment != "" {
				k.HeadComment = headComment
			}
			if lineComment != "" {
				k.LineComment = lineComment
			}
			return
		}
	}
}

func setFieldLineComment(mapNode *yaml.Node, key, lineComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			k.LineComment = lineComment
			return
		}
	}
}

func setFieldHeadComment(mapNode *yaml.Node, key, headComment string) {
	for i := 0; i < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			k.HeadComment = headComment
			return
		}
	}
}
