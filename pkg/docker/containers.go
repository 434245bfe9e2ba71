package docker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ContainerSpec is the minimal description needed to create a game server container.
type ContainerSpec struct {
	Name              string
	Image             string
	Cmd               []string
	Env               []string
	Ports             []string // "host:container[/proto]" or "port[/proto]"
	CPULimit          float64  // cores
	RAMLimit          int64    // MiB
	RestartPolicy     string
	RestartRetryCount int
	Binds             []string
	Labels            map[string]string
}

type portBinding struct {
	HostIP   string `json:"HostIp,omitempty"`
	HostPort string `json:"HostPort"`
}

type restartPolicy struct {
	Name              string `json:"Name,omitempty"`
	MaximumRetryCount int    `json:"MaximumRetryCount,omitempty"`
}

type hostConfig struct {
	PortBindings  map[string][]portBinding `json:"PortBindings,omitempty"`
	NanoCPUs      int64                    `json:"NanoCpus,omitempty"`
	Memory        int64                    `json:"Memory,omitempty"`
	RestartPolicy restartPolicy            `json:"RestartPolicy"`
	Binds         []string                 `json:"Binds,omitempty"`
}

type createBody struct {
	Image        string              `json:"Image"`
	Cmd          []string            `json:"Cmd,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	Tty          bool                `json:"Tty"`
	OpenStdin    bool                `json:"OpenStdin"`
	AttachStdin  bool                `json:"AttachStdin"`
	AttachStdout bool                `json:"AttachStdout"`
	AttachStderr bool                `json:"AttachStderr"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	HostConfig   hostConfig          `json:"HostConfig"`
}

// ParsePort splits "host:container[/proto]" into the engine's "container/proto"
// key and host port. A bare "port" maps to itself.
func ParsePort(spec string) (string, string, error) {
	spec = strings.TrimSpace(spec)
	proto := "tcp"
	if i := strings.LastIndex(spec, "/"); i >= 0 {
		proto = strings.ToLower(spec[i+1:])
		spec = spec[:i]
	}
	if proto != "tcp" && proto != "udp" {
		return "", "", fmt.Errorf("invalid protocol %q", proto)
	}
	host, container := spec, spec
	if i := strings.Index(spec, ":"); i >= 0 {
		host, container = spec[:i], spec[i+1:]
	}
	for _, p := range []string{host, container} {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return "", "", fmt.Errorf("invalid port %q", p)
		}
	}
	return container + "/" + proto, host, nil
}

func buildCreateBody(spec ContainerSpec) (createBody, error) {
	body := createBody{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       spec.Labels,
		HostConfig: hostConfig{
			NanoCPUs: int64(spec.CPULimit * 1e9),
			Memory:   spec.RAMLimit * 1024 * 1024,
			RestartPolicy: restartPolicy{
				Name: spec.RestartPolicy,
			},
			Binds: spec.Binds,
		},
	}
	if spec.RestartPolicy == "on-failure" {
		body.HostConfig.RestartPolicy.MaximumRetryCount = spec.RestartRetryCount
	}
	if len(spec.Ports) > 0 {
		body.ExposedPorts = map[string]struct{}{}
		body.HostConfig.PortBindings = map[string][]portBinding{}
		for _, p := range spec.Ports {
			key, host, err := ParsePort(p)
			if err != nil {
				return createBody{}, err
			}
			body.ExposedPorts[key] = struct{}{}
			body.HostConfig.PortBindings[key] = append(body.HostConfig.PortBindings[key], portBinding{HostPort: host})
		}
	}
	return body, nil
}

// Create creates (but does not start) a container.
func (c *Client) Create(ctx context.Context, spec ContainerSpec) (Result, error) {
	body, err := buildCreateBody(spec)
	if err != nil {
		return Result{Op: OpCreate, Outcome: BadParameter, Message: err.Error()}, nil
	}
	q := url.Values{}
	if spec.Name != "" {
		q.Set("name", spec.Name)
	}
	var out struct {
		ID       string   `json:"Id"`
		Warnings []string `json:"Warnings"`
	}
	res, err := c.call(ctx, OpCreate, http.MethodPost, "/containers/create", q, body, &out)
	if err != nil {
		return res, err
	}
	res.ContainerID = out.ID
	return res, nil
}

// Inspect reports the container's current state.
func (c *Client) Inspect(ctx context.Context, id string) (Result, error) {
	var out struct {
		ID    string `json:"Id"`
		State struct {
			Status string `json:"Status"`
		} `json:"State"`
	}
	res, err := c.call(ctx, OpInspect, http.MethodGet, "/containers/"+url.PathEscape(id)+"/json", nil, nil, &out)
	if err != nil || !res.OK() {
		return res, err
	}
	res.ContainerID = out.ID
	st, ok := parseStatus(out.State.Status)
	if !ok {
		res.Outcome = UnknownError
		res.Message = "unrecognized container status " + strconv.Quote(out.State.Status)
		return res, nil
	}
	res.Status = st
	return res, nil
}

func (c *Client) Start(ctx context.Context, id string) (Result, error) {
	return c.action(ctx, OpStart, id, "start", nil)
}

// Stop asks the engine to stop the container, waiting up to timeoutSec before SIGKILL.
func (c *Client) Stop(ctx context.Context, id string, timeoutSec int) (Result, error) {
	q := url.Values{}
	if timeoutSec > 0 {
		q.Set("t", strconv.Itoa(timeoutSec))
	}
	return c.action(ctx, OpStop, id, "stop", q)
}

func (c *Client) Restart(ctx context.Context, id string, timeoutSec int) (Result, error) {
	q := url.Values{}
	if timeoutSec > 0 {
		q.Set("t", strconv.Itoa(timeoutSec))
	}
	return c.action(ctx, OpRestart, id, "restart", q)
}

func (c *Client) Kill(ctx context.Context, id string) (Result, error) {
	return c.action(ctx, OpKill, id, "kill", nil)
}

// Remove force-removes the container together with its anonymous volumes.
func (c *Client) Remove(ctx context.Context, id string) (Result, error) {
	q := url.Values{"force": {"1"}, "v": {"1"}}
	res, err := c.call(ctx, OpRemove, http.MethodDelete, "/containers/"+url.PathEscape(id), q, nil, nil)
	res.ContainerID = id
	return res, err
}

func (c *Client) action(ctx context.Context, op Op, id, verb string, q url.Values) (Result, error) {
	res, err := c.call(ctx, op, http.MethodPost, "/containers/"+url.PathEscape(id)+"/"+verb, q, nil, nil)
	res.ContainerID = id
	return res, err
}

// Exec runs cmd inside the running container, detached.
func (c *Client) Exec(ctx context.Context, id string, cmd []string) (Result, error) {
	var created struct {
		ID string `json:"Id"`
	}
	body := map[string]interface{}{
		"Cmd":          cmd,
		"AttachStdout": false,
		"AttachStderr": false,
	}
	res, err := c.call(ctx, OpExec, http.MethodPost, "/containers/"+url.PathEscape(id)+"/exec", nil, body, &created)
	if err != nil || !res.OK() {
		res.ContainerID = id
		return res, err
	}
	res, err = c.call(ctx, OpExec, http.MethodPost, "/exec/"+url.PathEscape(created.ID)+"/start", nil, map[string]bool{"Detach": true}, nil)
	res.ContainerID = id
	return res, err
}
