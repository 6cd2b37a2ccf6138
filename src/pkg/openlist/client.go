// Package openlist OpenList API 客户端，用于把分段写入 OpenList 挂载的存储
package openlist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Client OpenList API 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient 创建 OpenList 客户端，timeout 为 0 时不限制单次请求时长
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetToken 设置 API Token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// HasToken 是否已有 Token
func (c *Client) HasToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	req.Header.Set("Authorization", c.token)
	c.mu.RUnlock()
}

// apiResponse OpenList 的统一响应格式
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) postJSON(ctx context.Context, path string, body any, auth bool) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		c.authorize(req)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*apiResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &result, nil
}

// Upload 上传一段数据（PUT /api/fs/put），body 需恰好 size 字节
func (c *Client) Upload(ctx context.Context, body io.Reader, size int64, remotePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/fs/put", body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("File-Path", url.PathEscape(remotePath))
	req.ContentLength = size

	result, err := c.do(req)
	if err != nil {
		return fmt.Errorf("上传失败: %w", err)
	}
	if result.Code != http.StatusOK {
		return fmt.Errorf("上传失败: %s", result.Message)
	}
	return nil
}

// Login 用户名密码登录，成功后保存 Token
func (c *Client) Login(ctx context.Context, username, password string) error {
	result, err := c.postJSON(ctx, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, false)
	if err != nil {
		return err
	}
	if result.Code != http.StatusOK {
		return fmt.Errorf("登录失败: %s", result.Message)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(result.Data, &data); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	c.SetToken(data.Token)
	return nil
}

// Mkdir 创建目录，已存在视为成功
func (c *Client) Mkdir(ctx context.Context, remotePath string) error {
	result, err := c.postJSON(ctx, "/api/fs/mkdir", map[string]string{"path": remotePath}, true)
	if err != nil {
		return err
	}
	if result.Code != http.StatusOK && result.Message != "file exists" {
		return fmt.Errorf("创建目录失败: %s", result.Message)
	}
	return nil
}

// CheckPath 检查远端目录是否可访问
func (c *Client) CheckPath(ctx context.Context, remotePath string) error {
	result, err := c.postJSON(ctx, "/api/fs/list", map[string]any{
		"path":    remotePath,
		"refresh": false,
	}, true)
	if err != nil {
		return fmt.Errorf("存储连接失败: %w", err)
	}
	if result.Code != http.StatusOK {
		return fmt.Errorf("存储不可用: %s", result.Message)
	}
	return nil
}

// IsServiceReady 检查 OpenList 服务是否就绪
func (c *Client) IsServiceReady(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/public/settings", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
