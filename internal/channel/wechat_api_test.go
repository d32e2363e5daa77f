package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"wemp/internal/domain"
	"wemp/internal/menu"
	"wemp/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	provider.RetryBackoff = time.Millisecond
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeWeChat is an in-process stand-in for api.weixin.qq.com.
type fakeWeChat struct {
	mu           sync.Mutex
	tokenFetches int
	rejectToken  string
	sendErrCode  int
	sent         []map[string]any
	uploads      int
	menus        [][]byte
	batches      []int
}

func newFakeWeChat(t *testing.T) (*fakeWeChat, *httptest.Server) {
	t.Helper()
	f := &fakeWeChat{}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeWeChat) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := `{"errcode":0,"errmsg":"ok"}`

	switch r.URL.Path {
	case "/cgi-bin/token":
		f.tokenFetches++
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":7200}`, f.tokenFetches)
	case "/cgi-bin/message/custom/send", "/cgi-bin/message/custom/typing":
		if r.URL.Query().Get("access_token") == f.rejectToken {
			io.WriteString(w, `{"errcode":40001,"errmsg":"invalid credential"}`)
			return
		}
		if f.sendErrCode != 0 {
			fmt.Fprintf(w, `{"errcode":%d,"errmsg":"out of response count limit"}`, f.sendErrCode)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		body["_path"] = r.URL.Path
		f.sent = append(f.sent, body)
		io.WriteString(w, ok)
	case "/cgi-bin/media/upload":
		if _, _, err := r.FormFile("media"); err != nil {
			io.WriteString(w, `{"errcode":41005,"errmsg":"media data missing"}`)
			return
		}
		f.uploads++
		fmt.Fprintf(w, `{"type":"image","media_id":"media-%d"}`, f.uploads)
	case "/cgi-bin/menu/create":
		data, _ := io.ReadAll(r.Body)
		f.menus = append(f.menus, data)
		io.WriteString(w, ok)
	case "/cgi-bin/user/info/batchget":
		var req struct {
			UserList []struct {
				OpenID string `json:"openid"`
			} `json:"user_list"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.batches = append(f.batches, len(req.UserList))
		users := make([]map[string]any, 0, len(req.UserList))
		for _, u := range req.UserList {
			nickname := "nick-" + u.OpenID
			if u.OpenID == "o1" {
				nickname = "Alice"
			}
			users = append(users, map[string]any{"subscribe": 1, "openid": u.OpenID, "nickname": nickname})
		}
		json.NewEncoder(w).Encode(map[string]any{"user_info_list": users})
	case "/pic.jpg":
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("\xff\xd8\xff\xe0fake-jpeg"))
	default:
		http.NotFound(w, r)
	}
}

// texts returns the content of every text message sent so far.
func (f *fakeWeChat) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m["msgtype"] != "text" {
			continue
		}
		if text, ok := m["text"].(map[string]any); ok {
			out = append(out, text["content"].(string))
		}
	}
	return out
}

func (f *fakeWeChat) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenFetches
}

func newTestClient(srv *httptest.Server, now func() time.Time) *WeChatClient {
	return NewWeChatClient(WeChatClientConfig{
		Accounts: map[string]Credentials{"acc": {AppID: "wx123", AppSecret: "secret"}},
		APIBase:  srv.URL,
		Client:   srv.Client(),
		Now:      now,
		Logger:   quietLogger(),
	})
}

func TestWeChatClient_TokenCachedUntilMargin(t *testing.T) {
	f, srv := newFakeWeChat(t)
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	c := newTestClient(srv, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.SendText(ctx, "acc", "o1", "one"))
	require.NoError(t, c.SendText(ctx, "acc", "o1", "two"))
	assert.Equal(t, 1, f.fetches())

	now = now.Add(7200*time.Second - tokenRefreshMargin - time.Second)
	require.NoError(t, c.SendText(ctx, "acc", "o1", "three"))
	assert.Equal(t, 1, f.fetches(), "token still inside its refresh margin")

	now = now.Add(2 * time.Second)
	require.NoError(t, c.SendText(ctx, "acc", "o1", "four"))
	assert.Equal(t, 2, f.fetches())
	assert.Equal(t, []string{"one", "two", "three", "four"}, f.texts())
}

func TestWeChatClient_InvalidTokenRefreshedOnce(t *testing.T) {
	f, srv := newFakeWeChat(t)
	f.rejectToken = "tok-1"
	c := newTestClient(srv, nil)

	require.NoError(t, c.SendText(context.Background(), "acc", "o1", "hello"))
	assert.Equal(t, 2, f.fetches())
	assert.Equal(t, []string{"hello"}, f.texts())
}

func TestWeChatClient_APIError(t *testing.T) {
	f, srv := newFakeWeChat(t)
	f.sendErrCode = 45047
	c := newTestClient(srv, nil)

	err := c.SendText(context.Background(), "acc", "o1", "hello")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 45047, apiErr.Code)
	assert.Equal(t, "/cgi-bin/message/custom/send", apiErr.Path)
}

func TestWeChatClient_UnknownAccount(t *testing.T) {
	_, srv := newFakeWeChat(t)
	c := newTestClient(srv, nil)

	err := c.SendText(context.Background(), "nope", "o1", "hello")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWeChatClient_SendImage(t *testing.T) {
	f, srv := newFakeWeChat(t)
	c := newTestClient(srv, nil)
	ctx := context.Background()

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))
	require.NoError(t, c.SendImage(ctx, "acc", "o1", dataURL))
	require.NoError(t, c.SendImage(ctx, "acc", "o1", srv.URL+"/pic.jpg"))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.uploads)
	require.Len(t, f.sent, 2)
	assert.Equal(t, "image", f.sent[0]["msgtype"])
	assert.Equal(t, map[string]any{"media_id": "media-2"}, f.sent[1]["image"])
}

func TestWeChatClient_SendImageRejectsBadURL(t *testing.T) {
	f, srv := newFakeWeChat(t)
	c := newTestClient(srv, nil)

	err := c.SendImage(context.Background(), "acc", "o1", "ftp://example.com/a.png")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, f.uploads)
}

func TestWeChatClient_SendTyping(t *testing.T) {
	f, srv := newFakeWeChat(t)
	c := newTestClient(srv, nil)

	require.NoError(t, c.SendTyping(context.Background(), "acc", "o1"))
	require.Len(t, f.sent, 1)
	assert.Equal(t, "Typing", f.sent[0]["command"])
	assert.Equal(t, "/cgi-bin/message/custom/typing", f.sent[0]["_path"])
}

func TestWeChatClient_CreateMenu(t *testing.T) {
	f, srv := newFakeWeChat(t)
	c := newTestClient(srv, nil)
	ctx := context.Background()

	assert.ErrorIs(t, c.CreateMenu(ctx, "acc", nil), domain.ErrValidation)
	require.NoError(t, c.CreateMenu(ctx, "acc", []menu.Button{{Name: "帮助", Type: "click", Key: "wemp_menu:abc"}}))
	require.Len(t, f.menus, 1)
	assert.JSONEq(t, `{"button":[{"name":"帮助","type":"click","key":"wemp_menu:abc"}]}`, string(f.menus[0]))
}

func TestWeChatClient_BatchGetUsers(t *testing.T) {
	f, srv := newFakeWeChat(t)
	c := newTestClient(srv, nil)
	ctx := context.Background()

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("o%d", i)
	}
	_, err := c.BatchGetUsers(ctx, "acc", ids)
	require.True(t, errors.Is(err, domain.ErrValidation))
	assert.Zero(t, f.fetches(), "no network call for an oversized batch")

	users, err := c.BatchGetUsers(ctx, "acc", ids[:2])
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Alice", users[1].Nickname)
}

func TestWeChatClient_NicknamesBatches(t *testing.T) {
	f, srv := newFakeWeChat(t)
	c := newTestClient(srv, nil)

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("o%d", i)
	}
	names, err := c.Nicknames(context.Background(), "acc", ids)
	require.NoError(t, err)
	assert.Len(t, names, 250)
	assert.Equal(t, "Alice", names["o1"])
	assert.Equal(t, "nick-o249", names["o249"])

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []int{100, 100, 50}, f.batches)
}

func TestWeChatClient_SetAccountsDropsStaleToken(t *testing.T) {
	f, srv := newFakeWeChat(t)
	c := newTestClient(srv, nil)
	ctx := context.Background()

	require.NoError(t, c.SendText(ctx, "acc", "o1", "a"))
	c.SetAccounts(map[string]Credentials{"acc": {AppID: "wx123", AppSecret: "secret"}})
	require.NoError(t, c.SendText(ctx, "acc", "o1", "b"))
	assert.Equal(t, 1, f.fetches(), "unchanged credentials keep the token")

	c.SetAccounts(map[string]Credentials{"acc": {AppID: "wx123", AppSecret: "rotated"}})
	require.NoError(t, c.SendText(ctx, "acc", "o1", "c"))
	assert.Equal(t, 2, f.fetches())
}
