// Package tgapi is a small Telegram Bot API client used for avatar lookup.
package tgapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const minAvatarSide = 128

type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 32},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int    `json:"file_size,omitempty"`
}

type UserProfilePhotos struct {
	TotalCount int           `json:"total_count"`
	Photos     [][]PhotoSize `json:"photos"`
}

type File struct {
	FileID   string `json:"file_id"`
	FileSize int    `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// APIError is a Bot API reply with ok=false.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error: code=%d %s", e.Code, e.Description)
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (c *Client) GetUserProfilePhotos(ctx context.Context, userID string, limit int) (*UserProfilePhotos, error) {
	q := url.Values{"user_id": {userID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out UserProfilePhotos
	if err := c.call(ctx, "getUserProfilePhotos", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var out File
	if err := c.call(ctx, "getFile", url.Values{"file_id": {fileID}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadFile fetches a file previously resolved with GetFile.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	body, err := c.do(ctx, c.baseURL+"/file/bot"+c.token+"/"+strings.TrimLeft(filePath, "/"))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Avatar returns the user's current profile photo as a data URL, or "" when
// the user has none. The smallest size larger than 128px on both sides is
// preferred; otherwise the largest available.
func (c *Client) Avatar(ctx context.Context, userID string) (string, error) {
	photos, err := c.GetUserProfilePhotos(ctx, userID, 1)
	if err != nil {
		return "", err
	}
	if len(photos.Photos) == 0 || len(photos.Photos[0]) == 0 {
		return "", nil
	}
	size := pickSize(photos.Photos[0])

	f, err := c.GetFile(ctx, size.FileID)
	if err != nil {
		return "", err
	}
	if f.FilePath == "" {
		return "", errors.New("telegram file has no path")
	}
	raw, err := c.DownloadFile(ctx, f.FilePath)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw), nil
}

func pickSize(sizes []PhotoSize) PhotoSize {
	sorted := append([]PhotoSize(nil), sizes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Width > sorted[j].Width })
	chosen := sorted[0]
	for _, s := range sorted {
		if s.Width > minAvatarSide && s.Height > minAvatarSide {
			chosen = s
		}
	}
	return chosen
}

func (c *Client) call(ctx context.Context, method string, q url.Values, out any) error {
	uri := c.baseURL + "/bot" + c.token + "/" + method
	if len(q) > 0 {
		uri += "?" + q.Encode()
	}
	body, err := c.do(ctx, uri)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(body) > 0 {
			return decodeAPIError(body, apiErr.Code)
		}
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.OK {
		return &APIError{Code: env.ErrorCode, Description: env.Description}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func decodeAPIError(body []byte, status int) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Description != "" {
		return &APIError{Code: env.ErrorCode, Description: env.Description}
	}
	return &APIError{Code: status, Description: truncate(string(body), 512)}
}

// do performs a GET with retry on transport errors and 5xx. On a non-2xx
// reply the body is returned together with an *APIError.
func (c *Client) do(ctx context.Context, uri string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(uri)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			body := append([]byte(nil), resp.Body()...)
			if status >= 200 && status < 300 {
				return body, nil
			}
			if attempt == attempts || !shouldRetryStatus(status) {
				return body, &APIError{Code: status, Description: truncate(string(body), 512)}
			}
			lastErr = &APIError{Code: status}
		}
		if attempt == attempts {
			break
		}
		if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return nil, lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return nil, lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
