package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gamehost/pkg/auth"
	"gamehost/pkg/docker"
	"gamehost/pkg/events"
	"gamehost/pkg/model"
	"gamehost/pkg/power"
	"gamehost/pkg/rpc"
	"gamehost/pkg/template"
)

const nodeSecret = "node-shared-secret"

type fakeRuntime struct {
	mu      sync.Mutex
	running map[string]bool
	next    int
	console string
}

func (f *fakeRuntime) ok(op docker.Op, id string) docker.Result {
	return docker.Result{Op: op, Outcome: docker.Success, ContainerID: id}
}

func (f *fakeRuntime) Create(context.Context, docker.ContainerSpec) (docker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := "ctr" + string(rune('0'+f.next))
	f.running[id] = false
	return f.ok(docker.OpCreate, id), nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) (docker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.running[id]
	if !ok {
		return docker.Result{Op: docker.OpInspect, Outcome: docker.NoSuchContainer}, nil
	}
	r := f.ok(docker.OpInspect, id)
	r.Status = docker.StatusExited
	if run {
		r.Status = docker.StatusRunning
	}
	return r, nil
}

func (f *fakeRuntime) set(op docker.Op, id string, run bool) docker.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return docker.Result{Op: op, Outcome: docker.NoSuchContainer, HTTPStatus: 404}
	}
	f.running[id] = run
	return f.ok(op, id)
}

func (f *fakeRuntime) Start(_ context.Context, id string) (docker.Result, error) {
	return f.set(docker.OpStart, id, true), nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ int) (docker.Result, error) {
	return f.set(docker.OpStop, id, false), nil
}

func (f *fakeRuntime) Restart(_ context.Context, id string, _ int) (docker.Result, error) {
	return f.set(docker.OpRestart, id, true), nil
}

func (f *fakeRuntime) Kill(_ context.Context, id string) (docker.Result, error) {
	return f.set(docker.OpKill, id, false), nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) (docker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	return f.ok(docker.OpRemove, id), nil
}

func (f *fakeRuntime) Exec(_ context.Context, id string, _ []string) (docker.Result, error) {
	return f.ok(docker.OpExec, id), nil
}

func (f *fakeRuntime) Attach(_ context.Context, id string) (*docker.Stream, docker.Result, error) {
	return docker.NewStream(io.NopCloser(strings.NewReader(f.console))), f.ok(docker.OpAttach, id), nil
}

type nopWatcher struct{}

func (nopWatcher) Started(string, string) {}
func (nopWatcher) Stopped(string)         {}

type testNode struct {
	srv   *httptest.Server
	store *SQLiteStore
	rt    *fakeRuntime
	token string
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cat, err := template.Parse([]byte("types:\n  - {type: minecraft, image: example/mc}\n"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	rt := &fakeRuntime{running: map[string]bool{}, console: "[Server] Starting\r\n[Server] Done\n"}
	log := zap.NewNop()
	orch := power.New(rt, store, cat, nopWatcher{}, events.LogSink{Log: log}, log, power.Options{})
	h := NewHandler(Deps{
		Store:   store,
		Power:   orch,
		Console: rt,
		Signer:  auth.NewSigner(nodeSecret, "gamehost-node", time.Hour),
		Secret:  nodeSecret,
		Version: "test",
		Log:     log,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	n := &testNode{srv: ts, store: store, rt: rt}
	var out rpc.AuthResponse
	if code := n.do(t, http.MethodPost, "/api/v1/auth", "", rpc.AuthRequest{Secret: nodeSecret}, &out); code != http.StatusOK {
		t.Fatalf("auth: %d", code)
	}
	n.token = out.Token
	dir := rpc.SyncUsersRequest{Users: []model.DirectoryEntry{{ID: "owner", Username: "olive"}, {ID: "guest", Username: "gus"}}}
	if code := n.do(t, http.MethodPost, "/api/v1/users/sync", "", dir, nil); code != http.StatusOK {
		t.Fatalf("seed directory: %d", code)
	}
	return n
}

func (n *testNode) do(t *testing.T, method, path, userID string, body, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, n.srv.URL+path, rd)
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	if userID != "" {
		req.Header.Set(rpc.HeaderUserID, userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (n *testNode) createServer(t *testing.T, id, owner string) {
	t.Helper()
	req := rpc.CreateServerRequest{
		ID: id, Name: "survival", Type: "minecraft", Ports: []string{"25565:25565"},
		CPULimit: 1, RAMLimit: 1024, RestartPolicy: model.RestartNo,
	}
	if code := n.do(t, http.MethodPost, "/api/v1/servers", owner, req, nil); code != http.StatusCreated {
		t.Fatalf("create server: %d", code)
	}
}

func TestAuthAndPing(t *testing.T) {
	n := newTestNode(t)
	n.token = ""
	if code := n.do(t, http.MethodPost, "/api/v1/auth", "", rpc.AuthRequest{Secret: "wrong"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad secret: %d", code)
	}
	var ping rpc.PingResponse
	if code := n.do(t, http.MethodGet, "/api/v1/ping", "", nil, &ping); code != http.StatusOK || ping.Status != "ok" {
		t.Fatalf("ping: %d %+v", code, ping)
	}
	if code := n.do(t, http.MethodPost, "/api/v1/users/sync", "", rpc.SyncUsersRequest{}, nil); code != http.StatusUnauthorized {
		t.Fatalf("sync without token: %d", code)
	}
	n.token = "not-a-jwt"
	if code := n.do(t, http.MethodGet, "/api/v1/ping", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("ping with stale token: %d", code)
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/x", "u1", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", code)
	}
}

func TestUserSyncUpserts(t *testing.T) {
	n := newTestNode(t)
	users := []model.DirectoryEntry{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}}
	for i := 0; i < 2; i++ {
		if code := n.do(t, http.MethodPost, "/api/v1/users/sync", "", rpc.SyncUsersRequest{Users: users}, nil); code != http.StatusOK {
			t.Fatalf("sync %d: %d", i, code)
		}
	}
	users[0].Username = "alice2"
	users[0].IsAdmin = true
	if code := n.do(t, http.MethodPost, "/api/v1/users/sync", "", rpc.SyncUsersRequest{Users: users[:1]}, nil); code != http.StatusOK {
		t.Fatalf("resync: %d", code)
	}
	u, err := n.store.GetUser(context.Background(), "u1")
	if err != nil || u.Username != "alice2" || !u.IsAdmin {
		t.Fatalf("user not updated: %+v %v", u, err)
	}
	if _, err := n.store.GetUser(context.Background(), "u2"); err != nil {
		t.Fatalf("u2 missing: %v", err)
	}
}

func TestCascadeOnNode(t *testing.T) {
	n := newTestNode(t)
	n.createServer(t, "s1", "owner")

	if code := n.do(t, http.MethodGet, "/api/v1/servers/missing", "owner", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing server: %d", code)
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1", "owner", nil, nil); code != http.StatusOK {
		t.Fatalf("owner get: %d", code)
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1", "", nil, nil); code != http.StatusForbidden {
		t.Fatalf("anonymous get: %d", code)
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1", "guest", nil, nil); code != http.StatusForbidden {
		t.Fatalf("stranger get: %d", code)
	}

	grant := func(perm string) {
		if code := n.do(t, http.MethodPut, "/api/v1/servers/s1/grants", "owner", rpc.GrantRequest{UserID: "guest", Permission: perm}, nil); code != http.StatusOK {
			t.Fatalf("grant %s: %d", perm, code)
		}
	}
	grant("server.power")
	if code := n.do(t, http.MethodPost, "/api/v1/servers/s1/power", "guest", rpc.PowerRequest{Action: "start"}, nil); code != http.StatusForbidden {
		t.Fatalf("power without sentinel: %d", code)
	}
	grant("server")
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1/stats", "guest", nil, nil); code != http.StatusForbidden {
		t.Fatalf("stats without grant: %d", code)
	}
	var res docker.Result
	if code := n.do(t, http.MethodPost, "/api/v1/servers/s1/power", "guest", rpc.PowerRequest{Action: "start"}, &res); code != http.StatusOK || res.Outcome != docker.Success {
		t.Fatalf("power with grant: %d %+v", code, res)
	}
	if code := n.do(t, http.MethodPut, "/api/v1/servers/s1/grants", "guest", rpc.GrantRequest{UserID: "guest", Permission: "server.delete"}, nil); code != http.StatusForbidden {
		t.Fatalf("self escalation: %d", code)
	}
	if code := n.do(t, http.MethodPut, "/api/v1/servers/s1/grants", "owner", rpc.GrantRequest{UserID: "guest", Permission: "server.everything"}, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown permission: %d", code)
	}
	if code := n.do(t, http.MethodDelete, "/api/v1/servers/s1/grants", "owner", rpc.GrantRequest{UserID: "guest", Permission: "server"}, nil); code != http.StatusNoContent {
		t.Fatalf("revoke: %d", code)
	}
	if code := n.do(t, http.MethodPost, "/api/v1/servers/s1/power", "guest", rpc.PowerRequest{Action: "stop"}, nil); code != http.StatusForbidden {
		t.Fatalf("power after sentinel revoke: %d", code)
	}
}

func TestUnknownUsersFailClosed(t *testing.T) {
	n := newTestNode(t)
	n.createServer(t, "s1", "owner")
	ctx := context.Background()

	if err := n.store.Grant(ctx, model.PermissionGrant{UserID: "mallory", ServerID: "s1", Permission: "server"}); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1", "mallory", nil, nil); code != http.StatusForbidden {
		t.Fatalf("user outside directory: %d", code)
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/missing", "mallory", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing server still reports not found: %d", code)
	}
	if code := n.do(t, http.MethodPut, "/api/v1/servers/s1/grants", "owner", rpc.GrantRequest{UserID: "nobody", Permission: "server"}, nil); code != http.StatusBadRequest {
		t.Fatalf("grant to unknown user: %d", code)
	}
	req := rpc.CreateServerRequest{ID: "s2", Name: "x", Type: "minecraft", OwnerID: "nobody", CPULimit: 1, RAMLimit: 512, RestartPolicy: model.RestartNo}
	if code := n.do(t, http.MethodPost, "/api/v1/servers", "owner", req, nil); code != http.StatusBadRequest {
		t.Fatalf("create for unknown owner: %d", code)
	}

	dir := rpc.SyncUsersRequest{Users: []model.DirectoryEntry{{ID: "mallory", Username: "mal"}}}
	if code := n.do(t, http.MethodPost, "/api/v1/users/sync", "", dir, nil); code != http.StatusOK {
		t.Fatalf("sync: %d", code)
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1", "mallory", nil, nil); code != http.StatusOK {
		t.Fatalf("synced user with sentinel grant: %d", code)
	}
}

func TestConfigRoundTripOverRPC(t *testing.T) {
	n := newTestNode(t)
	n.createServer(t, "s1", "owner")
	if code := n.do(t, http.MethodPost, "/api/v1/servers/s1/power", "owner", rpc.PowerRequest{Action: "start"}, nil); code != http.StatusOK {
		t.Fatalf("start: %d", code)
	}
	var srv model.Server
	n.do(t, http.MethodGet, "/api/v1/servers/s1", "owner", nil, &srv)
	if !srv.HasContainer() {
		t.Fatalf("container id not set after start")
	}

	want := model.NetworkConfig{Ports: []string{"25570:25565", "19132/udp"}}
	if code := n.do(t, http.MethodPut, "/api/v1/servers/s1/network", "owner", want, nil); code != http.StatusOK {
		t.Fatalf("put network: %d", code)
	}
	var got model.NetworkConfig
	n.do(t, http.MethodGet, "/api/v1/servers/s1/network", "owner", nil, &got)
	if strings.Join(got.Ports, ",") != strings.Join(want.Ports, ",") {
		t.Fatalf("network read back %v", got.Ports)
	}
	srv = model.Server{}
	n.do(t, http.MethodGet, "/api/v1/servers/s1", "owner", nil, &srv)
	if srv.HasContainer() {
		t.Fatalf("container id kept after network change")
	}

	limits := model.LimitsConfig{CPULimit: 2, RAMLimit: 4096, RestartPolicy: model.RestartAlways}
	if code := n.do(t, http.MethodPut, "/api/v1/servers/s1/limits", "owner", limits, nil); code != http.StatusOK {
		t.Fatalf("put limits: %d", code)
	}
	var gotLimits model.LimitsConfig
	n.do(t, http.MethodGet, "/api/v1/servers/s1/limits", "owner", nil, &gotLimits)
	if gotLimits != limits {
		t.Fatalf("limits read back %+v", gotLimits)
	}

	if code := n.do(t, http.MethodPut, "/api/v1/servers/s1/network", "owner", model.NetworkConfig{Ports: []string{"abc"}}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad port accepted: %d", code)
	}
	if code := n.do(t, http.MethodPost, "/api/v1/servers/s1/power", "owner", rpc.PowerRequest{Action: "kill"}, nil); code != http.StatusBadRequest {
		t.Fatalf("kill without container: %d", code)
	}

	var logs []model.LogEntry
	n.do(t, http.MethodGet, "/api/v1/servers/s1/logs", "owner", nil, &logs)
	if len(logs) < 4 {
		t.Fatalf("expected audit entries, got %d", len(logs))
	}
	if logs[0].Success {
		t.Fatalf("newest entry should be the failed kill: %+v", logs[0])
	}
}

func TestStatsEndpoint(t *testing.T) {
	n := newTestNode(t)
	n.createServer(t, "s1", "owner")
	now := time.Now().UTC()
	ctx := context.Background()
	for i, ago := range []time.Duration{2 * time.Hour, 30 * time.Minute, time.Minute} {
		_ = n.store.AppendStat(ctx, model.StatSample{ServerID: "s1", Timestamp: now.Add(-ago), NetworkInDelta: uint64(i)})
	}
	var samples []model.StatSample
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1/stats", "owner", nil, &samples); code != http.StatusOK {
		t.Fatalf("stats: %d", code)
	}
	if len(samples) != 2 || samples[0].NetworkInDelta != 1 {
		t.Fatalf("default window: %+v", samples)
	}
	since := now.Add(-10 * time.Minute).Format(time.RFC3339)
	n.do(t, http.MethodGet, "/api/v1/servers/s1/stats?since="+since, "owner", nil, &samples)
	if len(samples) != 1 {
		t.Fatalf("since filter: %d", len(samples))
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1/stats?since=yesterday", "owner", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", code)
	}
}

func TestConsoleWebsocket(t *testing.T) {
	n := newTestNode(t)
	n.createServer(t, "s1", "owner")
	wsURL := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/api/v1/servers/s1/console"
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+n.token)
	hdr.Set(rpc.HeaderUserID, "owner")

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr); err == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("console without container should fail with 409")
	}

	if code := n.do(t, http.MethodPost, "/api/v1/servers/s1/power", "owner", rpc.PowerRequest{Action: "start"}, nil); code != http.StatusOK {
		t.Fatalf("start: %d", code)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range []string{"[Server] Starting", "[Server] Done"} {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) != want {
			t.Fatalf("got %q want %q", msg, want)
		}
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after stream end")
	}
}

func TestDeleteServer(t *testing.T) {
	n := newTestNode(t)
	n.createServer(t, "s1", "owner")
	n.do(t, http.MethodPost, "/api/v1/servers/s1/power", "owner", rpc.PowerRequest{Action: "start"}, nil)
	if code := n.do(t, http.MethodDelete, "/api/v1/servers/s1", "owner", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: %d", code)
	}
	if code := n.do(t, http.MethodGet, "/api/v1/servers/s1", "owner", nil, nil); code != http.StatusNotFound {
		t.Fatalf("after delete: %d", code)
	}
	if len(n.rt.running) != 0 {
		t.Fatalf("container kept")
	}
}
