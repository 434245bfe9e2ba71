package docker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestCreateSuccess(t *testing.T) {
	var got createBody
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1.41/containers/create" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("name") != "srv-1" {
			t.Errorf("expected name srv-1 got %q", r.URL.Query().Get("name"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"abc123","Warnings":[]}`))
	})
	res, err := c.Create(context.Background(), ContainerSpec{
		Name:              "srv-1",
		Image:             "games/minecraft",
		Ports:             []string{"25565:25565", "19132/udp"},
		CPULimit:          1.5,
		RAMLimit:          1024,
		RestartPolicy:     "on-failure",
		RestartRetryCount: 3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.OK() || res.ContainerID != "abc123" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.HostConfig.NanoCPUs != 1_500_000_000 || got.HostConfig.Memory != 1024*1024*1024 {
		t.Fatalf("limits not applied: %+v", got.HostConfig)
	}
	if got.HostConfig.RestartPolicy.MaximumRetryCount != 3 {
		t.Fatalf("retry count not applied: %+v", got.HostConfig.RestartPolicy)
	}
	if b := got.HostConfig.PortBindings["19132/udp"]; len(b) != 1 || b[0].HostPort != "19132" {
		t.Fatalf("udp binding missing: %+v", got.HostConfig.PortBindings)
	}
	if !got.Tty || !got.OpenStdin {
		t.Fatalf("expected tty and stdin enabled")
	}
}

func TestCreateUnknownStatusPreserved(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"message":"short and stout"}`))
	})
	res, err := c.Create(context.Background(), ContainerSpec{Image: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Outcome != UnknownError {
		t.Fatalf("expected unknownError got %s", res.Outcome)
	}
	if res.HTTPStatus != http.StatusTeapot || res.Message != "short and stout" {
		t.Fatalf("raw diagnostics lost: %+v", res)
	}
	if res.Err() == nil || !strings.Contains(res.Err().Error(), "418") {
		t.Fatalf("expected error mentioning status, got %v", res.Err())
	}
}

func TestCreateBadPortIsBadParameter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("engine must not be called")
	})
	res, err := c.Create(context.Background(), ContainerSpec{Image: "x", Ports: []string{"abc"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Outcome != BadParameter {
		t.Fatalf("expected badParameter got %s", res.Outcome)
	}
}

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		op     Op
		status int
		want   Outcome
	}{
		{OpCreate, 201, Success},
		{OpCreate, 400, BadParameter},
		{OpCreate, 404, NoSuchImage},
		{OpCreate, 409, Conflict},
		{OpCreate, 500, ServerError},
		{OpCreate, 418, UnknownError},
		{OpInspect, 200, Success},
		{OpInspect, 404, NoSuchContainer},
		{OpInspect, 500, ServerError},
		{OpStart, 204, Success},
		{OpStart, 304, AlreadyStarted},
		{OpStart, 404, NoSuchContainer},
		{OpStop, 304, AlreadyStopped},
		{OpStop, 409, UnknownError},
		{OpRestart, 204, Success},
		{OpRestart, 304, UnknownError},
		{OpKill, 409, NotRunning},
		{OpKill, 304, UnknownError},
		{OpRemove, 409, Conflict},
		{OpExec, 409, NotRunning},
		{OpStats, 200, Success},
		{OpAttach, 101, Success},
	}
	for _, tt := range tests {
		if got := Classify(tt.op, tt.status); got != tt.want {
			t.Errorf("Classify(%s, %d) = %s, want %s", tt.op, tt.status, got, tt.want)
		}
	}
}

func TestInspect(t *testing.T) {
	status := "running"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1.41/containers/missing/json" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"No such container: missing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"Id":"abc","State":{"Status":"` + status + `"}}`))
	})
	ctx := context.Background()
	res, err := c.Inspect(ctx, "abc")
	if err != nil || res.Status != StatusRunning {
		t.Fatalf("expected running got %+v err=%v", res, err)
	}
	res, _ = c.Inspect(ctx, "missing")
	if res.Outcome != NoSuchContainer {
		t.Fatalf("expected noSuchContainer got %s", res.Outcome)
	}
	status = "hibernating"
	res, _ = c.Inspect(ctx, "abc")
	if res.Outcome != UnknownError {
		t.Fatalf("unrecognized status must be unknownError, got %s", res.Outcome)
	}
}

func TestLifecycleOutcomes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/start"):
			w.WriteHeader(http.StatusNotModified)
		case strings.HasSuffix(r.URL.Path, "/stop"):
			if r.URL.Query().Get("t") != "30" {
				t.Errorf("expected stop timeout 30")
			}
			w.WriteHeader(http.StatusNotModified)
		case strings.HasSuffix(r.URL.Path, "/kill"):
			w.WriteHeader(http.StatusConflict)
		case strings.HasSuffix(r.URL.Path, "/restart"):
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			if r.URL.Query().Get("force") != "1" {
				t.Errorf("expected forced remove")
			}
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()
	if res, _ := c.Start(ctx, "abc"); res.Outcome != AlreadyStarted {
		t.Fatalf("start: %s", res.Outcome)
	}
	if res, _ := c.Stop(ctx, "abc", 30); res.Outcome != AlreadyStopped {
		t.Fatalf("stop: %s", res.Outcome)
	}
	if res, _ := c.Kill(ctx, "abc"); res.Outcome != NotRunning {
		t.Fatalf("kill: %s", res.Outcome)
	}
	if res, _ := c.Restart(ctx, "abc", 0); !res.OK() {
		t.Fatalf("restart: %s", res.Outcome)
	}
	if res, _ := c.Remove(ctx, "abc"); !res.OK() || res.ContainerID != "abc" {
		t.Fatalf("remove: %+v", res)
	}
}

func TestExecCreatesAndStarts(t *testing.T) {
	var cmd []string
	var started bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.41/containers/abc/exec":
			var body struct {
				Cmd []string `json:"Cmd"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			cmd = body.Cmd
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"Id":"exec-1"}`))
		case "/v1.41/exec/exec-1/start":
			started = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	res, err := c.Exec(context.Background(), "abc", []string{"echo", "hi"})
	if err != nil || !res.OK() {
		t.Fatalf("exec: %+v %v", res, err)
	}
	if !started || len(cmd) != 2 || cmd[1] != "hi" {
		t.Fatalf("exec not started with command: started=%v cmd=%v", started, cmd)
	}
}

func TestStatsStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1.41/containers/gone/stats" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("{\"a\":1}\n{\"a\":2}\n"))
	})
	ctx := context.Background()
	s, res, err := c.Stats(ctx, "abc")
	if err != nil || !res.OK() {
		t.Fatalf("stats: %+v %v", res, err)
	}
	b, _ := io.ReadAll(s)
	if strings.Count(string(b), "\n") != 2 {
		t.Fatalf("unexpected stream body %q", b)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	s, res, err = c.Stats(ctx, "gone")
	if err != nil || s != nil || res.Outcome != NoSuchContainer {
		t.Fatalf("expected noSuchContainer got %+v stream=%v err=%v", res, s, err)
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		in, key, host string
		wantErr       bool
	}{
		{"25565", "25565/tcp", "25565", false},
		{"8080:80", "80/tcp", "8080", false},
		{"19132/udp", "19132/udp", "19132", false},
		{"1:2/sctp", "", "", true},
		{"0", "", "", true},
		{"70000:1", "", "", true},
	}
	for _, tt := range tests {
		key, host, err := ParsePort(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParsePort(%q) err=%v", tt.in, err)
		}
		if key != tt.key || host != tt.host {
			t.Fatalf("ParsePort(%q) = %q,%q", tt.in, key, host)
		}
	}
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	if _, err := New("ftp://host"); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}
