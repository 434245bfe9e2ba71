package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gamehost/pkg/docker"
	"gamehost/pkg/model"
	"gamehost/pkg/version"
)

// Client talks to one node. It is safe for concurrent use.
type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{},
	}
}

func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Authenticate exchanges the node's shared secret for a token. The token is
// returned, not stored.
func (c *Client) Authenticate(ctx context.Context, secret string) (string, error) {
	var out AuthResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth", "", AuthRequest{Secret: secret}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &Error{Kind: KindRemote, Status: http.StatusOK, Message: "empty token"}
	}
	return out.Token, nil
}

// Ping checks liveness. It sends the token so an expired or foreign token
// surfaces as KindUnauthorized.
func (c *Client) Ping(ctx context.Context) error {
	var out PingResponse
	return c.call(ctx, http.MethodGet, "/api/v1/ping", "", nil, &out)
}

func (c *Client) SyncUsers(ctx context.Context, users []model.DirectoryEntry) error {
	return c.call(ctx, http.MethodPost, "/api/v1/users/sync", "", SyncUsersRequest{Users: users}, nil)
}

func (c *Client) CreateServer(ctx context.Context, userID string, req CreateServerRequest) (model.Server, error) {
	var out model.Server
	err := c.call(ctx, http.MethodPost, "/api/v1/servers", userID, req, &out)
	return out, err
}

func (c *Client) GetServer(ctx context.Context, userID, serverID string) (model.Server, error) {
	var out model.Server
	err := c.call(ctx, http.MethodGet, serverPath(serverID, ""), userID, nil, &out)
	return out, err
}

func (c *Client) DeleteServer(ctx context.Context, userID, serverID string) error {
	return c.call(ctx, http.MethodDelete, serverPath(serverID, ""), userID, nil, nil)
}

func (c *Client) Status(ctx context.Context, userID, serverID string) (docker.Result, error) {
	var out docker.Result
	err := c.call(ctx, http.MethodGet, serverPath(serverID, "/status"), userID, nil, &out)
	return out, err
}

func (c *Client) Power(ctx context.Context, userID, serverID, action string) (docker.Result, error) {
	var out docker.Result
	err := c.call(ctx, http.MethodPost, serverPath(serverID, "/power"), userID, PowerRequest{Action: action}, &out)
	return out, err
}

func (c *Client) Command(ctx context.Context, userID, serverID, command string) (docker.Result, error) {
	var out docker.Result
	err := c.call(ctx, http.MethodPost, serverPath(serverID, "/command"), userID, CommandRequest{Command: command}, &out)
	return out, err
}

// Config reads one of the network, limits or startup sections into out.
func (c *Client) Config(ctx context.Context, userID, serverID, section string, out interface{}) error {
	return c.call(ctx, http.MethodGet, serverPath(serverID, "/"+section), userID, nil, out)
}

// SetConfig writes one of the network, limits or startup sections and decodes
// the stored value into out.
func (c *Client) SetConfig(ctx context.Context, userID, serverID, section string, in, out interface{}) error {
	return c.call(ctx, http.MethodPut, serverPath(serverID, "/"+section), userID, in, out)
}

func (c *Client) Stats(ctx context.Context, userID, serverID string, since time.Time) ([]model.StatSample, error) {
	p := serverPath(serverID, "/stats")
	if !since.IsZero() {
		p += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var out []model.StatSample
	err := c.call(ctx, http.MethodGet, p, userID, nil, &out)
	return out, err
}

func (c *Client) Logs(ctx context.Context, userID, serverID string, limit int) ([]model.LogEntry, error) {
	var out []model.LogEntry
	err := c.call(ctx, http.MethodGet, serverPath(serverID, "/logs?limit="+strconv.Itoa(limit)), userID, nil, &out)
	return out, err
}

func (c *Client) Grant(ctx context.Context, userID, serverID string, g GrantRequest) error {
	return c.call(ctx, http.MethodPut, serverPath(serverID, "/grants"), userID, g, nil)
}

func (c *Client) Revoke(ctx context.Context, userID, serverID string, g GrantRequest) error {
	return c.call(ctx, http.MethodDelete, serverPath(serverID, "/grants"), userID, g, nil)
}

func serverPath(serverID, suffix string) string {
	return "/api/v1/servers/" + url.PathEscape(serverID) + suffix
}

func (c *Client) call(ctx context.Context, method, path, userID string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header, userID)
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindRemote, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

func (c *Client) authorize(h http.Header, userID string) {
	h.Set("User-Agent", version.UserAgent("coordinator"))
	if tok := c.bearer(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	if userID != "" {
		h.Set(HeaderUserID, userID)
	}
}

func responseError(resp *http.Response) *Error {
	e := &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode}
	var body ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		e.Message = body.Error
		e.Outcome = body.Outcome
		e.EngineStatus = body.EngineStatus
	} else {
		e.Message = strings.TrimSpace(string(b))
	}
	return e
}
