package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"wemp/internal/domain"
	"wemp/internal/media"
	"wemp/internal/menu"
	"wemp/internal/provider"

	"golang.org/x/sync/singleflight"
)

const (
	defaultWeChatAPIBase = "https://api.weixin.qq.com"
	wechatAPITimeout     = 30 * time.Second

	// refresh the access token this long before WeChat expires it
	tokenRefreshMargin = 5 * time.Minute
	defaultTokenTTL    = 7200 * time.Second

	maxBatchGetUsers = 100
)

// WeChat error codes for an invalid or expired access token.
const (
	errCodeInvalidToken = 40001
	errCodeExpiredToken = 42001
)

// Credentials are the API credentials of one official account.
type Credentials struct {
	AppID     string
	AppSecret string
}

// APIError is a WeChat API response with a non-zero errcode.
type APIError struct {
	Path    string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat %s: errcode %d: %s", e.Path, e.Code, e.Message)
}

type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// WeChatClientConfig configures a WeChatClient.
type WeChatClientConfig struct {
	Accounts map[string]Credentials
	APIBase  string
	Client   *http.Client
	Now      func() time.Time
	Logger   *slog.Logger
}

// WeChatClient calls the WeChat official-account API on behalf of the
// configured accounts. It implements domain.Sender and domain.TypingSender.
type WeChatClient struct {
	apiBase string
	client  *http.Client
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	accounts map[string]Credentials
	tokens   map[string]cachedToken
	refresh  singleflight.Group
}

// NewWeChatClient creates a WeChatClient.
func NewWeChatClient(cfg WeChatClientConfig) *WeChatClient {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultWeChatAPIBase
	}
	if cfg.Client == nil {
		cfg.Client = provider.SharedHTTPClient(wechatAPITimeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &WeChatClient{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  cfg.Client,
		now:     cfg.Now,
		logger:  cfg.Logger,
		tokens:  make(map[string]cachedToken),
	}
	c.SetAccounts(cfg.Accounts)
	return c
}

// SetAccounts replaces the account credentials. Cached tokens of accounts
// whose credentials changed are dropped.
func (c *WeChatClient) SetAccounts(accounts map[string]Credentials) {
	next := make(map[string]Credentials, len(accounts))
	for id, cr := range accounts {
		next[id] = cr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, old := range c.accounts {
		if next[id] != old {
			delete(c.tokens, id)
		}
	}
	c.accounts = next
}

// AccessToken returns a cached access token of the account, fetching a new
// one when the cache is empty or about to expire.
func (c *WeChatClient) AccessToken(ctx context.Context, accountID string) (string, error) {
	c.mu.RLock()
	tok, ok := c.tokens[accountID]
	c.mu.RUnlock()
	if ok && c.now().Before(tok.expiresAt) {
		return tok.value, nil
	}

	v, err, _ := c.refresh.Do(accountID, func() (any, error) {
		return c.fetchToken(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *WeChatClient) invalidateToken(accountID string) {
	c.mu.Lock()
	delete(c.tokens, accountID)
	c.mu.Unlock()
}

func (c *WeChatClient) fetchToken(ctx context.Context, accountID string) (string, error) {
	c.mu.RLock()
	cr, ok := c.accounts[accountID]
	c.mu.RUnlock()
	if !ok || cr.AppID == "" || cr.AppSecret == "" {
		return "", fmt.Errorf("%w: no credentials for account %q", domain.ErrNotFound, accountID)
	}

	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", cr.AppID)
	q.Set("secret", cr.AppSecret)
	endpoint := c.apiBase + "/cgi-bin/token?" + q.Encode()

	resp, err := provider.DoWithRetry(ctx, c.client, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, c.logger)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		apiStatus
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode access token: %w", err)
	}
	if out.ErrCode != 0 {
		return "", &APIError{Path: "/cgi-bin/token", Code: out.ErrCode, Message: out.ErrMsg}
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("fetch access token: empty token")
	}

	ttl := defaultTokenTTL
	if out.ExpiresIn > 0 {
		ttl = time.Duration(out.ExpiresIn) * time.Second
	}
	expiresAt := c.now().Add(ttl - tokenRefreshMargin)

	c.mu.Lock()
	c.tokens[accountID] = cachedToken{value: out.AccessToken, expiresAt: expiresAt}
	c.mu.Unlock()

	c.logger.Info("wechat access token refreshed", "account_id", accountID, "expires_at", expiresAt)
	return out.AccessToken, nil
}

// call performs an authenticated API call. An invalid or expired token is
// dropped and the call retried once with a fresh one.
func (c *WeChatClient) call(ctx context.Context, accountID, path string, newBody func() (io.Reader, string, error), out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.AccessToken(ctx, accountID)
		if err != nil {
			return err
		}

		err = c.do(ctx, path, token, newBody, out)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) &&
			(apiErr.Code == errCodeInvalidToken || apiErr.Code == errCodeExpiredToken) {
			c.logger.Warn("wechat access token rejected, refreshing", "account_id", accountID, "errcode", apiErr.Code)
			c.invalidateToken(accountID)
			continue
		}
		return err
	}
}

func (c *WeChatClient) do(ctx context.Context, path, token string, newBody func() (io.Reader, string, error), out any) error {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	endpoint := c.apiBase + path + sep + "access_token=" + url.QueryEscape(token)

	resp, err := provider.DoWithRetry(ctx, c.client, func() (*http.Request, error) {
		body, contentType, err := newBody()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, c.logger)
	if err != nil {
		return fmt.Errorf("wechat %s: %w", apiPath(path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("wechat %s: read response: %w", apiPath(path), err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wechat %s: HTTP %d", apiPath(path), resp.StatusCode)
	}

	var st apiStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("wechat %s: decode response: %w", apiPath(path), err)
	}
	if st.ErrCode != 0 {
		return &APIError{Path: apiPath(path), Code: st.ErrCode, Message: st.ErrMsg}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("wechat %s: decode response: %w", apiPath(path), err)
		}
	}
	return nil
}

func apiPath(path string) string {
	p, _, _ := strings.Cut(path, "?")
	return p
}

func jsonBody(v any) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("marshal: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// SendText sends a customer-service text message.
func (c *WeChatClient) SendText(ctx context.Context, accountID, openID, text string) error {
	return c.call(ctx, accountID, "/cgi-bin/message/custom/send", jsonBody(map[string]any{
		"touser":  openID,
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}), nil)
}

// SendTyping shows the "typing" indicator to the user.
func (c *WeChatClient) SendTyping(ctx context.Context, accountID, openID string) error {
	return c.call(ctx, accountID, "/cgi-bin/message/custom/typing", jsonBody(map[string]string{
		"touser":  openID,
		"command": "Typing",
	}), nil)
}

// SendImage uploads the image behind imageURL (http(s) or data:image) as
// temporary media and sends it to the user.
func (c *WeChatClient) SendImage(ctx context.Context, accountID, openID, imageURL string) error {
	data, mime, err := c.loadImage(ctx, imageURL)
	if err != nil {
		return err
	}
	mediaID, err := c.UploadImage(ctx, accountID, data, "image"+media.FileExtension(mime))
	if err != nil {
		return err
	}
	return c.SendImageByMediaID(ctx, accountID, openID, mediaID)
}

// SendImageByMediaID sends an already uploaded image.
func (c *WeChatClient) SendImageByMediaID(ctx context.Context, accountID, openID, mediaID string) error {
	return c.call(ctx, accountID, "/cgi-bin/message/custom/send", jsonBody(map[string]any{
		"touser":  openID,
		"msgtype": "image",
		"image":   map[string]string{"media_id": mediaID},
	}), nil)
}

// SendVoiceByMediaID sends an already uploaded voice message.
func (c *WeChatClient) SendVoiceByMediaID(ctx context.Context, accountID, openID, mediaID string) error {
	return c.call(ctx, accountID, "/cgi-bin/message/custom/send", jsonBody(map[string]any{
		"touser":  openID,
		"msgtype": "voice",
		"voice":   map[string]string{"media_id": mediaID},
	}), nil)
}

// UploadImage uploads temporary image media and returns its media id.
func (c *WeChatClient) UploadImage(ctx context.Context, accountID string, data []byte, filename string) (string, error) {
	var out struct {
		MediaID string `json:"media_id"`
	}
	err := c.call(ctx, accountID, "/cgi-bin/media/upload?type=image", func() (io.Reader, string, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("media", filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	}, &out)
	if err != nil {
		return "", err
	}
	if out.MediaID == "" {
		return "", fmt.Errorf("wechat media upload: empty media_id")
	}
	return out.MediaID, nil
}

func (c *WeChatClient) loadImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	if media.IsDataURL(imageURL) {
		return media.DecodeDataURL(imageURL)
	}
	return c.Download(ctx, imageURL, media.MaxImageBytes)
}

// Download fetches an http(s) resource of at most limit bytes.
func (c *WeChatClient) Download(ctx context.Context, rawURL string, limit int64) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: unsupported image url", domain.ErrValidation)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download image: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > limit {
		return nil, "", fmt.Errorf("%w: image exceeds %d bytes", domain.ErrValidation, limit)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("%w: image exceeds %d bytes", domain.ErrValidation, limit)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	mime, _, _ = strings.Cut(mime, ";")
	return data, strings.TrimSpace(mime), nil
}

// CreateMenu replaces the custom menu of the account.
func (c *WeChatClient) CreateMenu(ctx context.Context, accountID string, buttons []menu.Button) error {
	if len(buttons) == 0 {
		return fmt.Errorf("%w: menu has no buttons", domain.ErrValidation)
	}
	return c.call(ctx, accountID, "/cgi-bin/menu/create", jsonBody(map[string]any{"button": buttons}), nil)
}

// UserInfo is the profile of a follower.
type UserInfo struct {
	OpenID         string `json:"openid"`
	UnionID        string `json:"unionid,omitempty"`
	Subscribe      int    `json:"subscribe"`
	Nickname       string `json:"nickname,omitempty"`
	Language       string `json:"language,omitempty"`
	SubscribeTime  int64  `json:"subscribe_time,omitempty"`
	Remark         string `json:"remark,omitempty"`
	GroupID        int    `json:"groupid,omitempty"`
	TagIDs         []int  `json:"tagid_list,omitempty"`
	SubscribeScene string `json:"subscribe_scene,omitempty"`
}

// BatchGetUsers returns the profiles of up to 100 followers.
func (c *WeChatClient) BatchGetUsers(ctx context.Context, accountID string, openIDs []string) ([]UserInfo, error) {
	if len(openIDs) > maxBatchGetUsers {
		return nil, fmt.Errorf("%w: at most %d users per request, got %d", domain.ErrValidation, maxBatchGetUsers, len(openIDs))
	}
	if len(openIDs) == 0 {
		return nil, nil
	}

	type userRef struct {
		OpenID string `json:"openid"`
		Lang   string `json:"lang"`
	}
	list := make([]userRef, 0, len(openIDs))
	for _, id := range openIDs {
		list = append(list, userRef{OpenID: id, Lang: "zh_CN"})
	}

	var out struct {
		Users []UserInfo `json:"user_info_list"`
	}
	if err := c.call(ctx, accountID, "/cgi-bin/user/info/batchget", jsonBody(map[string]any{"user_list": list}), &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Nicknames maps each follower's openID to their nickname, fetching profiles
// in batches of at most 100.
func (c *WeChatClient) Nicknames(ctx context.Context, accountID string, openIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(openIDs))
	for batch := range slices.Chunk(openIDs, maxBatchGetUsers) {
		users, err := c.BatchGetUsers(ctx, accountID, batch)
		if err != nil {
			return out, err
		}
		for _, u := range users {
			if u.Nickname != "" {
				out[u.OpenID] = u.Nickname
			}
		}
	}
	return out, nil
}
