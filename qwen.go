package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Upstream wire shapes for the Qwen web API (chat.qwen.ai).

type qwenChatRequest struct {
	Stream            bool          `json:"stream"`
	IncrementalOutput bool          `json:"incremental_output"`
	ChatType          string        `json:"chat_type"`
	Model             string        `json:"model"`
	Messages          []qwenMessage `json:"messages"`
	SessionID         string        `json:"session_id"`
	ChatID            string        `json:"chat_id"`
	ID                string        `json:"id"`
	SubChatType       string        `json:"sub_chat_type"`
	ChatMode          string        `json:"chat_mode"`
	Size              string        `json:"size,omitempty"`
	Temperature       *float64      `json:"temperature,omitempty"`
}

type qwenMessage struct {
	Role          string             `json:"role"`
	Content       any                `json:"content"`
	ChatType      string             `json:"chat_type"`
	Extra         map[string]any     `json:"extra"`
	FeatureConfig *qwenFeatureConfig `json:"feature_config"`
}

type qwenFeatureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	OutputSchema    string `json:"output_schema"`
	ThinkingBudget  int    `json:"thinking_budget,omitempty"`
}

// qwenContentPart is one element of a multimodal message: {"type":"text",
// "text":...} or {"type":"image","image":"<cdn url>"}.
type qwenContentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
	Video string `json:"video,omitempty"`
}

type qwenSearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

type qwenDeltaExtra struct {
	WebSearchInfo []qwenSearchResult `json:"web_search_info,omitempty"`
	Wanx          *struct {
		TaskID string `json:"task_id"`
	} `json:"wanx,omitempty"`
}

type qwenDelta struct {
	Role    string          `json:"role,omitempty"`
	Content string          `json:"content,omitempty"`
	Phase   string          `json:"phase,omitempty"`
	Name    string          `json:"name,omitempty"`
	Status  string          `json:"status,omitempty"`
	Extra   *qwenDeltaExtra `json:"extra,omitempty"`
}

type qwenStreamChunk struct {
	Choices []struct {
		Delta        qwenDelta `json:"delta"`
		FinishReason string    `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Error string `json:"error,omitempty"`
}

type qwenResponseMessage struct {
	Role    string          `json:"role"`
	Content string          `json:"content"`
	Phase   string          `json:"phase,omitempty"`
	Extra   *qwenDeltaExtra `json:"extra,omitempty"`
}

type qwenChatResponse struct {
	Choices []struct {
		Message qwenResponseMessage `json:"message"`
	} `json:"choices"`
	Messages []qwenResponseMessage `json:"messages"`
}

// taskID digs the asynchronous generation task id out of a buffered
// response; draw/video submissions return one instead of content.
func (r *qwenChatResponse) taskID() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if extra := r.Messages[i].Extra; extra != nil && extra.Wanx != nil && extra.Wanx.TaskID != "" {
			return extra.Wanx.TaskID
		}
	}
	for _, c := range r.Choices {
		if extra := c.Message.Extra; extra != nil && extra.Wanx != nil && extra.Wanx.TaskID != "" {
			return extra.Wanx.TaskID
		}
	}
	return ""
}

type qwenTaskStatus struct {
	TaskStatus string `json:"task_status"`
	Message    string `json:"message"`
	Content    string `json:"content"`
}

type stsToken struct {
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	SecurityToken   string `json:"security_token"`
	Region          string `json:"region"`
	BucketName      string `json:"bucketname"`
	FilePath        string `json:"file_path"`
	FileURL         string `json:"file_url"`
}

// qwenClient issues authenticated calls against the Qwen web API on behalf
// of a pool account.
type qwenClient struct {
	base      *url.URL
	transport http.RoundTripper
}

func newQwenClient(base *url.URL, transport http.RoundTripper) *qwenClient {
	return &qwenClient{base: base, transport: transport}
}

func (c *qwenClient) endpoint(path string) string {
	u := *c.base
	u.Path = singleJoin(c.base.Path, path)
	return u.String()
}

// setHeaders applies the browser-session header set the Qwen web API expects
// plus the account's bearer token and cookie. Credentials never come from
// the inbound request.
func (c *qwenClient) setHeaders(req *http.Request, acc *Account) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.8,en-US;q=0.3,en;q=0.2")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:138.0) Gecko/20100101 Firefox/138.0")
	req.Header.Set("Origin", "https://chat.qwen.ai")
	req.Header.Set("Referer", "https://chat.qwen.ai/")
	req.Header.Set("Source", "web")
	if acc != nil {
		acc.mu.Lock()
		token, cookie := acc.Token, acc.Cookie
		acc.mu.Unlock()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}
}

func (c *qwenClient) do(ctx context.Context, acc *Account, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, acc)
	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstream, err)
	}
	return resp, nil
}

// chat submits a translated request. The caller owns the response body; for
// streaming calls it is the live SSE stream.
func (c *qwenClient) chat(ctx context.Context, acc *Account, req *qwenChatRequest) (*http.Response, error) {
	resp, err := c.do(ctx, acc, http.MethodPost, "/chat/completions", req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%w: upstream %s", errAuthRejected, resp.Status)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%w: upstream %s", errRateLimited, resp.Status)
	}
	if resp.StatusCode >= 400 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: %s", errUpstream, resp.Status, safeText(sample))
	}
	return resp, nil
}

func (c *qwenClient) getJSON(ctx context.Context, acc *Account, method, path string, payload, out any) error {
	resp, err := c.do(ctx, acc, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: upstream %s", errAuthRejected, resp.Status)
	}
	if resp.StatusCode >= 400 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s: %s", errUpstream, resp.Status, safeText(sample))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// taskStatus polls one generation task.
func (c *qwenClient) taskStatus(ctx context.Context, acc *Account, taskID string) (*qwenTaskStatus, error) {
	var status qwenTaskStatus
	if err := c.getJSON(ctx, acc, http.MethodGet, "/v1/tasks/status/"+taskID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// fetchModels pulls the upstream base-model list for the catalog.
func (c *qwenClient) fetchModels(ctx context.Context, acc *Account) ([]string, error) {
	var parsed struct {
		Data struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, acc, http.MethodGet, "/models/", nil, &parsed); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(parsed.Data.Data))
	for _, m := range parsed.Data.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// getStsToken requests scoped OSS upload credentials for one file.
func (c *qwenClient) getStsToken(ctx context.Context, acc *Account, filesize int) (*stsToken, error) {
	payload := map[string]any{
		"filename": uuid.NewString() + ".jpg",
		"filesize": filesize,
		"filetype": "image",
	}
	var token stsToken
	if err := c.getJSON(ctx, acc, http.MethodPost, "/v1/files/getstsToken", payload, &token); err != nil {
		return nil, err
	}
	if token.AccessKeyID == "" || token.BucketName == "" {
		return nil, fmt.Errorf("%w: incomplete sts token", errUpstream)
	}
	return &token, nil
}

type signinResult struct {
	Token     string
	Cookie    string
	ExpiresAt int64
}

// signin logs a username/password into the Qwen web app and captures the
// bearer token plus session cookie. Passwords go over the wire sha256-hashed,
// matching the web client.
func (c *qwenClient) signin(ctx context.Context, username, password string) (*signinResult, error) {
	sum := sha256.Sum256([]byte(password))
	payload := map[string]string{
		"email":    username,
		"password": hex.EncodeToString(sum[:]),
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/auths/signin"), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, nil)
	req.Header.Set("Referer", "https://chat.qwen.ai/auth?action=signin")
	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: signin %s: %s", errAuthRejected, resp.Status, safeText(sample))
	}
	var parsed struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode signin response: %v", errUpstream, err)
	}
	cookie := strings.Join(resp.Header.Values("Set-Cookie"), "; ")
	token := parsed.Token
	if token == "" {
		token = tokenFromCookie(cookie)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: signin response carried no token", errAuthRejected)
	}
	return &signinResult{Token: token, Cookie: cookie, ExpiresAt: parsed.ExpiresAt}, nil
}

// tokenFromCookie extracts the token attribute from a session cookie string.
func tokenFromCookie(cookie string) string {
	for _, part := range strings.FieldsFunc(cookie, func(r rune) bool { return r == ';' || r == ',' }) {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "token="); ok && v != "" {
			return v
		}
	}
	return ""
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
