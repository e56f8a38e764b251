package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const webhookTimeout = 10 * time.Second

// DingTalkWebhook 通过钉钉自定义机器人 webhook 发送文本消息，支持
// 加签密钥。
type DingTalkWebhook struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewDingTalkWebhook 创建钉钉 webhook 发送器。
func NewDingTalkWebhook(webhookURL, secret string) *DingTalkWebhook {
	return &DingTalkWebhook{
		url:        webhookURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

// Send 发送文本消息。
func (s *DingTalkWebhook) Send(ctx context.Context, content string) error {
	endpoint := s.url
	if s.secret != "" {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		sign := dingTalkSign(timestamp, s.secret)
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "timestamp=" + timestamp + "&sign=" + url.QueryEscape(sign)
	}

	payload, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
	if err != nil {
		return fmt.Errorf("序列化钉钉消息失败: %w", err)
	}
	return postJSON(ctx, s.httpClient, endpoint, "", payload)
}

func dingTalkSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SlackWebhook 通过 Slack chat.postMessage API 发送消息。
type SlackWebhook struct {
	token      string
	httpClient *http.Client
}

// NewSlackWebhook 创建 Slack 发送器。
func NewSlackWebhook(token string) *SlackWebhook {
	return &SlackWebhook{
		token:      token,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

// Send 向指定频道发送消息。
func (s *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    content,
	})
	if err != nil {
		return fmt.Errorf("序列化 Slack 消息失败: %w", err)
	}
	return postJSON(ctx, s.httpClient, "https://slack.com/api/chat.postMessage", s.token, payload)
}

func postJSON(ctx context.Context, client *http.Client, endpoint, bearer string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("告警服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
