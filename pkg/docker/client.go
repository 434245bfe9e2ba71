// Package docker is a thin client for the container engine HTTP API. Expected
// remote failures come back as a Result outcome; only transport failures are
// returned as errors.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultHost       = "unix:///var/run/docker.sock"
	DefaultAPIVersion = "v1.41"
)

type Client struct {
	base       string
	apiVersion string
	http       *http.Client
}

// New builds a client for host, which is either unix:///path/to.sock or an
// http(s)/tcp base URL.
func New(host string) (*Client, error) {
	if host == "" {
		host = DefaultHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse docker host: %w", err)
	}
	c := &Client{apiVersion: DefaultAPIVersion}
	switch u.Scheme {
	case "unix":
		socket := u.Path
		c.base = "http://docker"
		c.http = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		}
	case "tcp":
		c.base = "http://" + u.Host
		c.http = &http.Client{}
	case "http", "https":
		c.base = strings.TrimRight(host, "/")
		c.http = &http.Client{}
	default:
		return nil, fmt.Errorf("unsupported docker host scheme %q", u.Scheme)
	}
	return c, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	s := c.base + "/" + c.apiVersion + path
	if len(q) > 0 {
		s += "?" + q.Encode()
	}
	return s
}

// do sends a request and returns the response with the body still open.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body interface{}) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// call performs a non-streaming request, classifies its status and decodes a
// success body into out when provided.
func (c *Client) call(ctx context.Context, op Op, method, path string, q url.Values, body, out interface{}) (Result, error) {
	resp, err := c.do(ctx, method, path, q, body)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	res := Result{Op: op, Outcome: Classify(op, resp.StatusCode), HTTPStatus: resp.StatusCode}
	if !res.OK() {
		res.Message = errorMessage(resp.Body)
		return res, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Result{}, fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return res, nil
}

func errorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(b))
}
