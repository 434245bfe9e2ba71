package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"gamehost/pkg/events"
	"gamehost/pkg/model"
	"gamehost/pkg/rpc"
)

type memStore struct {
	mu     sync.Mutex
	nodes  map[string]model.Node
	users  []model.User
	health map[string]model.HealthState
}

func newMemStore(nodes ...model.Node) *memStore {
	s := &memStore{nodes: map[string]model.Node{}, health: map[string]model.HealthState{}}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	s.users = []model.User{{ID: "u1", Username: "alice", PasswordHash: "secret-hash"}}
	return s
}

func (s *memStore) ListNodes(context.Context) ([]model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Node
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (s *memStore) GetNode(_ context.Context, id string) (model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return n, errors.New("not found")
	}
	return n, nil
}

func (s *memStore) SetNodeHealth(_ context.Context, id string, st model.HealthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[id] = st
	return nil
}

func (s *memStore) ListUsers(context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.User(nil), s.users...), nil
}

func (s *memStore) setURL(id, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	n.URL = url
	s.nodes[id] = n
}

func (s *memStore) healthOf(id string) model.HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health[id]
}

// fakeNode answers the three heartbeat calls with programmable statuses.
type fakeNode struct {
	mu         sync.Mutex
	secret     string
	authStatus int
	syncStatus int
	pingStatus int
	authCalls  int
	syncCalls  int
	pingCalls  int
	lastSync   rpc.SyncUsersRequest
	expired    string
	onSync     func()
}

func newFakeNode(t *testing.T, secret string) (*fakeNode, *httptest.Server) {
	f := &fakeNode{secret: secret, authStatus: 200, syncStatus: 200, pingStatus: 200}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authCalls++
		var req rpc.AuthRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Secret != f.secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.authStatus != 200 {
			w.WriteHeader(f.authStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(rpc.AuthResponse{Token: fmt.Sprintf("tok-%d", f.authCalls)})
	})
	mux.HandleFunc("POST /api/v1/users/sync", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.syncCalls++
		_ = json.NewDecoder(r.Body).Decode(&f.lastSync)
		if f.onSync != nil {
			f.onSync()
		}
		w.WriteHeader(f.syncStatus)
	})
	mux.HandleFunc("GET /api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pingCalls++
		if f.expired != "" && r.Header.Get("Authorization") == "Bearer "+f.expired {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(f.pingStatus)
		if f.pingStatus == 200 {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

func (f *fakeNode) set(fn func(f *fakeNode)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeNode) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.syncCalls, f.pingCalls
}

func newTestManager(store Store) *Manager {
	return NewManager(store, zap.NewNop(), Options{Interval: 200 * time.Millisecond, CallTimeout: 150 * time.Millisecond})
}

func TestHealthFollowsLatestTick(t *testing.T) {
	fn, ts := newFakeNode(t, "cred")
	node := model.Node{ID: "n1", URL: ts.URL, Credential: "cred"}
	store := newMemStore(node)
	m := NewManager(store, zap.NewNop(), Options{Interval: time.Second, CallTimeout: 500 * time.Millisecond})
	m.Add(node)
	s, _ := m.Session("n1")
	ctx := context.Background()

	steps := []struct {
		name  string
		setup func(f *fakeNode)
		want  model.HealthState
	}{
		{"all good", func(f *fakeNode) {}, model.HealthConnected},
		{"ping fails", func(f *fakeNode) { f.pingStatus = 500 }, model.HealthConnectionError},
		{"ping recovers", func(f *fakeNode) { f.pingStatus = 200 }, model.HealthConnected},
		{"token rejected", func(f *fakeNode) { f.pingStatus = 401 }, model.HealthAuthenticationError},
		{"bad credential", func(f *fakeNode) { f.pingStatus = 200; f.secret = "rotated" }, model.HealthAuthenticationError},
		{"credential fixed", func(f *fakeNode) { f.secret = "cred" }, model.HealthConnected},
	}
	for _, st := range steps {
		fn.set(st.setup)
		if got := m.tick(ctx, s); got != st.want {
			t.Fatalf("%s: tick returned %s want %s", st.name, got, st.want)
		}
		if got := store.healthOf("n1"); got != st.want {
			t.Fatalf("%s: stored health %s want %s", st.name, got, st.want)
		}
		if s.Health() != st.want {
			t.Fatalf("%s: session health %s", st.name, s.Health())
		}
	}
	auths, syncs, _ := fn.counts()
	// "token rejected" retries auth once within its tick.
	if auths != 4 || syncs != 1 {
		t.Fatalf("auth=%d sync=%d", auths, syncs)
	}
	if len(fn.lastSync.Users) != 1 || fn.lastSync.Users[0].Username != "alice" {
		t.Fatalf("directory: %+v", fn.lastSync)
	}
}

func TestURLCorrectedOutOfBand(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	fn, live := newFakeNode(t, "cred")

	node := model.Node{ID: "n1", URL: deadURL, Credential: "cred"}
	store := newMemStore(node)
	m := newTestManager(store)
	m.Add(node)
	s, _ := m.Session("n1")
	ctx := context.Background()

	if got := m.tick(ctx, s); got != model.HealthConnectionError {
		t.Fatalf("first tick: %s", got)
	}
	store.setURL("n1", live.URL)
	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("second tick: %s", got)
	}
	if s.Client().BaseURL() != live.URL {
		t.Fatalf("client not rebuilt: %s", s.Client().BaseURL())
	}
	if a, sy, p := fn.counts(); a != 1 || sy != 1 || p != 1 {
		t.Fatalf("calls auth=%d sync=%d ping=%d", a, sy, p)
	}
}

func TestSyncErrorKeepsToken(t *testing.T) {
	fn, ts := newFakeNode(t, "cred")
	node := model.Node{ID: "n1", URL: ts.URL, Credential: "cred"}
	store := newMemStore(node)
	m := NewManager(store, zap.NewNop(), Options{Interval: time.Second, CallTimeout: 500 * time.Millisecond})
	m.Add(node)
	s, _ := m.Session("n1")
	ctx := context.Background()

	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("first: %s", got)
	}
	m.MarkUsersDirty()
	fn.set(func(f *fakeNode) { f.syncStatus = 500 })
	if got := m.tick(ctx, s); got != model.HealthSyncError {
		t.Fatalf("sync failure: %s", got)
	}
	fn.set(func(f *fakeNode) { f.syncStatus = 200 })
	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("sync retry: %s", got)
	}
	auths, syncs, pings := fn.counts()
	if auths != 1 || syncs != 3 || pings != 2 {
		t.Fatalf("auth=%d sync=%d ping=%d", auths, syncs, pings)
	}
}

func TestRefreshPicksUpCredential(t *testing.T) {
	fn, ts := newFakeNode(t, "new-cred")
	node := model.Node{ID: "n1", URL: ts.URL, Credential: "old-cred"}
	store := newMemStore(node)
	m := NewManager(store, zap.NewNop(), Options{Interval: time.Second, CallTimeout: 500 * time.Millisecond})
	m.Add(node)
	s, _ := m.Session("n1")
	ctx := context.Background()
	if got := m.tick(ctx, s); got != model.HealthAuthenticationError {
		t.Fatalf("old credential: %s", got)
	}
	node.Credential = "new-cred"
	store.mu.Lock()
	store.nodes["n1"] = node
	store.mu.Unlock()
	m.Refresh(node)
	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("after refresh: %s", got)
	}
	if a, _, _ := fn.counts(); a != 2 {
		t.Fatalf("auth calls %d", a)
	}
}

func TestRunHeartbeatsAndStops(t *testing.T) {
	_, ts := newFakeNode(t, "cred")
	store := newMemStore(
		model.Node{ID: "n1", URL: ts.URL, Credential: "cred"},
		model.Node{ID: "off", URL: ts.URL, Credential: "cred", Disabled: true},
	)
	m := newTestManager(store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.healthOf("n1") != model.HealthConnected {
		if time.Now().After(deadline) {
			t.Fatalf("node never connected: %s", store.healthOf("n1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := m.Session("off"); ok {
		t.Fatalf("disabled node got a session")
	}
	if _, err := m.Client("missing"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("missing session: %v", err)
	}
	if c, err := m.Client("n1"); err != nil || c == nil {
		t.Fatalf("connected node client: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("manager did not stop")
	}
}

func TestExpiredTokenReauthenticatesInTick(t *testing.T) {
	fn, ts := newFakeNode(t, "cred")
	node := model.Node{ID: "n1", URL: ts.URL, Credential: "cred"}
	store := newMemStore(node)
	m := NewManager(store, zap.NewNop(), Options{Interval: time.Second, CallTimeout: 500 * time.Millisecond})
	m.Add(node)
	s, _ := m.Session("n1")
	ctx := context.Background()

	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("first tick: %s", got)
	}
	fn.set(func(f *fakeNode) { f.expired = "tok-1" })
	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("expired token tick: %s", got)
	}
	if _, err := m.Client("n1"); err != nil {
		t.Fatalf("node dropped out on token expiry: %v", err)
	}
	auths, syncs, pings := fn.counts()
	if auths != 2 || syncs != 1 || pings != 3 {
		t.Fatalf("auth=%d sync=%d ping=%d", auths, syncs, pings)
	}
	if tok := s.snapshot().token; tok != "tok-2" {
		t.Fatalf("token not replaced: %q", tok)
	}
}

func TestDirectoryChangeDuringSyncIsPushed(t *testing.T) {
	fn, ts := newFakeNode(t, "cred")
	node := model.Node{ID: "n1", URL: ts.URL, Credential: "cred"}
	store := newMemStore(node)
	m := NewManager(store, zap.NewNop(), Options{Interval: time.Second, CallTimeout: 500 * time.Millisecond})
	m.Add(node)
	s, _ := m.Session("n1")
	ctx := context.Background()

	fn.set(func(f *fakeNode) {
		f.onSync = func() {
			f.onSync = nil
			store.mu.Lock()
			store.users = append(store.users, model.User{ID: "u2", Username: "bob"})
			store.mu.Unlock()
			m.MarkUsersDirty()
		}
	})
	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("first tick: %s", got)
	}
	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("second tick: %s", got)
	}
	fn.mu.Lock()
	users := fn.lastSync.Users
	fn.mu.Unlock()
	if len(users) != 2 {
		t.Fatalf("user registered during sync never pushed: %+v", users)
	}
	if got := m.tick(ctx, s); got != model.HealthConnected {
		t.Fatalf("third tick: %s", got)
	}
	if _, syncs, _ := fn.counts(); syncs != 2 {
		t.Fatalf("sync calls %d", syncs)
	}
}

type healthLog struct {
	mu     sync.Mutex
	events []events.HealthEvent
}

func (h *healthLog) NodeHealth(_ context.Context, ev events.HealthEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func TestHealthTransitionsPublished(t *testing.T) {
	fn, ts := newFakeNode(t, "cred")
	node := model.Node{ID: "n1", URL: ts.URL, Credential: "cred"}
	sink := &healthLog{}
	m := NewManager(newMemStore(node), zap.NewNop(), Options{Interval: time.Second, CallTimeout: 500 * time.Millisecond, Events: sink})
	m.Add(node)
	s, _ := m.Session("n1")
	ctx := context.Background()

	m.tick(ctx, s)
	m.tick(ctx, s)
	fn.set(func(f *fakeNode) { f.pingStatus = 500 })
	m.tick(ctx, s)
	m.tick(ctx, s)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("events: %+v", sink.events)
	}
	first, second := sink.events[0], sink.events[1]
	if first.State != string(model.HealthConnected) || first.Previous != string(model.HealthConnectionError) {
		t.Fatalf("first: %+v", first)
	}
	if second.State != string(model.HealthConnectionError) || second.Previous != string(model.HealthConnected) || second.NodeID != "n1" {
		t.Fatalf("second: %+v", second)
	}
}
