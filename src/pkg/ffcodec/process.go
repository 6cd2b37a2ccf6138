package ffcodec

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var errClosed = errors.New("ffmpeg codec closed")

const StderrTailSize = 4096

// StderrTail 只保留 stderr 的最后 StderrTailSize 字节，用于错误信息
type StderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *StderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - StderrTailSize; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *StderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// process 一个以管道读写的 ffmpeg 子进程
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *StderrTail

	closeInOnce sync.Once
	waitOnce    sync.Once
	waitErr     error
}

func startProcess(path string, args []string, logger logrus.FieldLogger) (*process, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &StderrTail{}
	cmd.Stderr = stderr

	logger.WithField("cmd", path+" "+strings.Join(args, " ")).Debug("starting ffmpeg")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return &process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *process) write(data []byte) error {
	if _, err := p.stdin.Write(data); err != nil {
		return p.describe(fmt.Errorf("ffmpeg stdin: %w", err))
	}
	return nil
}

func (p *process) closeInput() {
	p.closeInOnce.Do(func() {
		p.stdin.Close()
	})
}

// wait 须在 stdout 读完之后调用
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		p.closeInput()
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = p.describe(fmt.Errorf("ffmpeg exited: %w", err))
		}
	})
	return p.waitErr
}

func (p *process) kill() {
	p.closeInput()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

func (p *process) describe(err error) error {
	if tail := p.stderr.String(); tail != "" {
		return fmt.Errorf("%w: %s", err, tail)
	}
	return err
}

// FindFFmpeg 返回可用的 ffmpeg 路径，configured 为空时在 PATH 中查找
func FindFFmpeg(configured string) (string, error) {
	return findBinary(configured, "ffmpeg")
}

// FindFFprobe 返回可用的 ffprobe 路径
func FindFFprobe(configured string) (string, error) {
	return findBinary(configured, "ffprobe")
}

func findBinary(configured, name string) (string, error) {
	if configured != "" {
		return exec.LookPath(configured)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}
