package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"gamehost/pkg/docker"
	"gamehost/pkg/events"
	"gamehost/pkg/model"
	"gamehost/pkg/stats"
)

// pipes hands out one io.Pipe per opened stream and keeps the write ends.
type pipes struct {
	mu      sync.Mutex
	opened  []string
	writers map[string]*io.PipeWriter
}

func newPipes() *pipes { return &pipes{writers: map[string]*io.PipeWriter{}} }

func (p *pipes) open(id string) *docker.Stream {
	r, w := io.Pipe()
	p.mu.Lock()
	p.opened = append(p.opened, id)
	p.writers[id] = w
	p.mu.Unlock()
	return docker.NewStream(r)
}

func (p *pipes) writer(id string) *io.PipeWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writers[id]
}

func (p *pipes) openedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.opened...)
}

type pipeAttacher struct{ *pipes }

func (a pipeAttacher) Attach(_ context.Context, id string) (*docker.Stream, docker.Result, error) {
	return a.open(id), docker.Result{Op: docker.OpAttach, Outcome: docker.Success, ContainerID: id}, nil
}

type pipeStats struct{ *pipes }

func (s pipeStats) Stats(_ context.Context, id string) (*docker.Stream, docker.Result, error) {
	return s.open(id), docker.Result{Op: docker.OpStats, Outcome: docker.Success, ContainerID: id}, nil
}

type nopStats struct{}

func (nopStats) AppendStat(context.Context, model.StatSample) error  { return nil }
func (nopStats) PruneStats(context.Context, string, time.Time) error { return nil }

type consoleSink struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (s *consoleSink) Power(context.Context, events.PowerEvent) {}

func (s *consoleSink) Console(_ context.Context, serverID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[serverID] = append(s.lines[serverID], line)
}

func (s *consoleSink) count(serverID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines[serverID])
}

type staticInspector map[string]docker.ContainerStatus

func (s staticInspector) Inspect(_ context.Context, id string) (docker.Result, error) {
	st, ok := s[id]
	if !ok {
		return docker.Result{Op: docker.OpInspect, Outcome: docker.NoSuchContainer, ContainerID: id}, nil
	}
	return docker.Result{Op: docker.OpInspect, Outcome: docker.Success, ContainerID: id, Status: st}, nil
}

type monitorHarness struct {
	mon     *Monitor
	attach  *pipes
	stats   *pipes
	samples *stats.Registry
	sink    *consoleSink
}

func newMonitorHarness(t *testing.T) *monitorHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := &monitorHarness{attach: newPipes(), stats: newPipes(), sink: &consoleSink{lines: map[string][]string{}}}
	h.samples = stats.NewRegistry(stats.NewSampler(pipeStats{h.stats}, nopStats{}, zap.NewNop()), zap.NewNop())
	h.mon = NewMonitor(ctx, h.samples, pipeAttacher{h.attach}, h.sink, zap.NewNop())
	return h
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitorStartedTailsAndSamples(t *testing.T) {
	h := newMonitorHarness(t)
	h.mon.Started("s1", "c1")

	if !h.samples.Running("s1") {
		t.Fatalf("sampler not started")
	}
	waitFor(t, "console attach", func() bool { return h.attach.writer("c1") != nil })
	if _, err := io.WriteString(h.attach.writer("c1"), "[Server] Starting\r\n[Server] Done\n"); err != nil {
		t.Fatalf("write console: %v", err)
	}
	waitFor(t, "console lines", func() bool { return h.sink.count("s1") == 2 })
	h.sink.mu.Lock()
	got := h.sink.lines["s1"]
	h.sink.mu.Unlock()
	if got[0] != "[Server] Starting" || got[1] != "[Server] Done" {
		t.Fatalf("lines: %q", got)
	}
}

func TestMonitorStoppedTearsDown(t *testing.T) {
	h := newMonitorHarness(t)
	h.mon.Started("s1", "c1")
	waitFor(t, "console attach", func() bool { return h.attach.writer("c1") != nil })
	waitFor(t, "stats stream", func() bool { return h.stats.writer("c1") != nil })

	h.mon.Stopped("s1")
	h.mon.Stopped("s1")
	if h.samples.Running("s1") {
		t.Fatalf("sampler still running")
	}
	waitFor(t, "console stream closed", func() bool {
		_, err := h.attach.writer("c1").Write([]byte("late\n"))
		return err != nil
	})
	if _, err := h.stats.writer("c1").Write([]byte("{}")); err == nil {
		t.Fatalf("stats stream still open")
	}
}

func TestMonitorRestartReplacesTail(t *testing.T) {
	h := newMonitorHarness(t)
	h.mon.Started("s1", "c1")
	waitFor(t, "first attach", func() bool { return h.attach.writer("c1") != nil })
	h.mon.Started("s1", "c2")
	waitFor(t, "first tail closed", func() bool {
		_, err := h.attach.writer("c1").Write([]byte("x\n"))
		return err != nil
	})
	waitFor(t, "second attach", func() bool { return h.attach.writer("c2") != nil })
	h.mon.Stopped("s1")
}

func TestMonitorResumeOnlyRunning(t *testing.T) {
	h := newMonitorHarness(t)
	servers := []model.Server{
		{ID: "s1", ContainerID: "c1"},
		{ID: "s2", ContainerID: "c2"},
		{ID: "s3"},
		{ID: "s4", ContainerID: "gone"},
	}
	rt := staticInspector{"c1": docker.StatusRunning, "c2": docker.StatusExited}
	if n := h.mon.Resume(context.Background(), servers, rt); n != 1 {
		t.Fatalf("resumed %d", n)
	}
	if !h.samples.Running("s1") || h.samples.Running("s2") || h.samples.Running("s4") {
		t.Fatalf("samplers: s1=%v s2=%v s4=%v", h.samples.Running("s1"), h.samples.Running("s2"), h.samples.Running("s4"))
	}
	waitFor(t, "attach", func() bool { return len(h.attach.openedIDs()) == 1 })
	if ids := h.attach.openedIDs(); ids[0] != "c1" {
		t.Fatalf("attached to %v", ids)
	}
	h.mon.Stopped("s1")
}
