// Package power drives a server's container through its lifecycle.
package power

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gamehost/pkg/docker"
	"gamehost/pkg/events"
	"gamehost/pkg/metrics"
	"gamehost/pkg/model"
	"gamehost/pkg/template"
)

var ErrBadRequest = errors.New("bad request")

// Runtime is the subset of the container engine client the orchestrator drives.
type Runtime interface {
	Create(ctx context.Context, spec docker.ContainerSpec) (docker.Result, error)
	Inspect(ctx context.Context, id string) (docker.Result, error)
	Start(ctx context.Context, id string) (docker.Result, error)
	Stop(ctx context.Context, id string, timeoutSec int) (docker.Result, error)
	Restart(ctx context.Context, id string, timeoutSec int) (docker.Result, error)
	Kill(ctx context.Context, id string) (docker.Result, error)
	Remove(ctx context.Context, id string) (docker.Result, error)
	Exec(ctx context.Context, id string, cmd []string) (docker.Result, error)
}

// Store persists servers and the audit trail.
type Store interface {
	GetServer(ctx context.Context, id string) (model.Server, error)
	SaveServer(ctx context.Context, s model.Server) error
	DeleteServer(ctx context.Context, id string) error
	AppendLog(ctx context.Context, e model.LogEntry) error
}

// Watcher is told when a container starts or stops running so it can manage
// stats sampling and console tailing.
type Watcher interface {
	Started(serverID, containerID string)
	Stopped(serverID string)
}

type Options struct {
	// DataRoot holds one directory per server, bind mounted at the template's DataPath.
	DataRoot string
	// StopTimeout is the grace period in seconds the engine waits before killing.
	StopTimeout int
}

type Orchestrator struct {
	rt      Runtime
	store   Store
	catalog *template.Catalog
	watch   Watcher
	events  events.Sink
	log     *zap.Logger
	opts    Options
	now     func() time.Time

	// Every read-modify-write of a server record happens under its lock.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(rt Runtime, store Store, catalog *template.Catalog, watch Watcher, sink events.Sink, log *zap.Logger, opts Options) *Orchestrator {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30
	}
	return &Orchestrator{rt: rt, store: store, catalog: catalog, watch: watch, events: sink, log: log, opts: opts, now: time.Now, locks: map[string]*sync.Mutex{}}
}

// lock serializes lifecycle and config operations on one server.
func (o *Orchestrator) lock(serverID string) func() {
	o.mu.Lock()
	l := o.locks[serverID]
	if l == nil {
		l = &sync.Mutex{}
		o.locks[serverID] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Start creates the container if the server has none, then starts it. A
// container that is already running is reported as AlreadyStarted without error.
func (o *Orchestrator) Start(ctx context.Context, userID, serverID string) (docker.Result, error) {
	defer o.lock(serverID)()
	srv, err := o.store.GetServer(ctx, serverID)
	if err != nil {
		return docker.Result{}, err
	}
	if !srv.HasContainer() {
		tpl, err := o.catalog.Get(srv.Type)
		if err != nil {
			o.audit(ctx, userID, serverID, "start server: "+err.Error(), false)
			return docker.Result{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		res, err := o.rt.Create(ctx, o.containerSpec(srv, tpl))
		if err != nil || !res.OK() {
			return res, o.check(ctx, "start", userID, srv, res, err)
		}
		srv.ContainerID = res.ContainerID
		if err := o.store.SaveServer(ctx, srv); err != nil {
			o.log.Error("container id not saved", zap.String("server", srv.ID),
				zap.String("container", res.ContainerID), zap.Bool("orphaned_container", true), zap.Error(err))
			o.audit(ctx, userID, srv.ID, "start server: save container id: "+err.Error(), false)
			return res, fmt.Errorf("save container id: %w", err)
		}
		if err := o.stageFiles(srv, tpl); err != nil {
			o.log.Warn("stage bootstrap files failed", zap.String("server", srv.ID), zap.Error(err))
		}
	}
	res, err := o.rt.Start(ctx, srv.ContainerID)
	if err == nil && res.Outcome == docker.AlreadyStarted {
		o.record(ctx, "start", userID, srv, res)
		o.watch.Started(srv.ID, srv.ContainerID)
		return res, nil
	}
	if err = o.check(ctx, "start", userID, srv, res, err); err != nil {
		return res, err
	}
	o.watch.Started(srv.ID, srv.ContainerID)
	return res, nil
}

// Stop writes the template's stop command into the server console, then asks
// the engine to stop the container whether or not the write went through.
func (o *Orchestrator) Stop(ctx context.Context, userID, serverID string) (docker.Result, error) {
	defer o.lock(serverID)()
	srv, err := o.running(ctx, "stop", userID, serverID)
	if err != nil {
		return docker.Result{}, err
	}
	tpl := o.templateFor(srv)
	if res, err := o.rt.Exec(ctx, srv.ContainerID, StuffCommand(tpl.Session, tpl.StopCommand)); err != nil || !res.OK() {
		o.log.Info("graceful stop command not delivered", zap.String("server", srv.ID),
			zap.String("outcome", string(res.Outcome)), zap.Error(err))
	}
	res, err := o.rt.Stop(ctx, srv.ContainerID, o.opts.StopTimeout)
	if err == nil && res.Outcome == docker.AlreadyStopped {
		o.record(ctx, "stop", userID, srv, res)
		o.watch.Stopped(srv.ID)
		return res, nil
	}
	if err = o.check(ctx, "stop", userID, srv, res, err); err != nil {
		return res, err
	}
	o.watch.Stopped(srv.ID)
	return res, nil
}

func (o *Orchestrator) Restart(ctx context.Context, userID, serverID string) (docker.Result, error) {
	defer o.lock(serverID)()
	srv, err := o.running(ctx, "restart", userID, serverID)
	if err != nil {
		return docker.Result{}, err
	}
	res, err := o.rt.Restart(ctx, srv.ContainerID, o.opts.StopTimeout)
	if err = o.check(ctx, "restart", userID, srv, res, err); err != nil {
		return res, err
	}
	o.watch.Started(srv.ID, srv.ContainerID)
	return res, nil
}

func (o *Orchestrator) Kill(ctx context.Context, userID, serverID string) (docker.Result, error) {
	defer o.lock(serverID)()
	srv, err := o.running(ctx, "kill", userID, serverID)
	if err != nil {
		return docker.Result{}, err
	}
	res, err := o.rt.Kill(ctx, srv.ContainerID)
	if err = o.check(ctx, "kill", userID, srv, res, err); err != nil {
		return res, err
	}
	o.watch.Stopped(srv.ID)
	return res, nil
}

// Do dispatches a power action by name.
func (o *Orchestrator) Do(ctx context.Context, action, userID, serverID string) (docker.Result, error) {
	switch action {
	case "start":
		return o.Start(ctx, userID, serverID)
	case "stop":
		return o.Stop(ctx, userID, serverID)
	case "restart":
		return o.Restart(ctx, userID, serverID)
	case "kill":
		return o.Kill(ctx, userID, serverID)
	}
	return docker.Result{}, fmt.Errorf("%w: unknown power action %q", ErrBadRequest, action)
}

// SendCommand types one line into the server console.
func (o *Orchestrator) SendCommand(ctx context.Context, userID, serverID, line string) (docker.Result, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return docker.Result{}, fmt.Errorf("%w: command must be a single non-empty line", ErrBadRequest)
	}
	defer o.lock(serverID)()
	srv, err := o.running(ctx, "command", userID, serverID)
	if err != nil {
		return docker.Result{}, err
	}
	tpl := o.templateFor(srv)
	res, err := o.rt.Exec(ctx, srv.ContainerID, StuffCommand(tpl.Session, line))
	if err != nil {
		o.audit(ctx, userID, srv.ID, "command: "+err.Error(), false)
		return res, err
	}
	o.audit(ctx, userID, srv.ID, "command: "+line, res.OK())
	return res, res.Err()
}

// Status inspects the server's container. A container id the engine no longer
// knows is cleared so the next start recreates it. The inspect runs without the
// server lock; the clear only applies if the record still names that container.
func (o *Orchestrator) Status(ctx context.Context, serverID string) (docker.Result, error) {
	srv, err := o.store.GetServer(ctx, serverID)
	if err != nil {
		return docker.Result{}, err
	}
	if !srv.HasContainer() {
		return docker.Result{Op: docker.OpInspect, Outcome: docker.NoSuchContainer}, nil
	}
	res, err := o.rt.Inspect(ctx, srv.ContainerID)
	if err != nil {
		return res, err
	}
	if res.Outcome == docker.NoSuchContainer {
		return res, o.forget(ctx, srv.ID, srv.ContainerID)
	}
	return res, nil
}

func (o *Orchestrator) forget(ctx context.Context, serverID, containerID string) error {
	defer o.lock(serverID)()
	srv, err := o.store.GetServer(ctx, serverID)
	if err != nil || srv.ContainerID != containerID {
		return err
	}
	o.log.Info("container gone, clearing reference", zap.String("server", srv.ID), zap.String("container", containerID))
	srv.ContainerID = ""
	return o.store.SaveServer(ctx, srv)
}

// Delete removes the server's container and then its record.
func (o *Orchestrator) Delete(ctx context.Context, userID, serverID string) error {
	defer o.lock(serverID)()
	srv, err := o.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	o.watch.Stopped(srv.ID)
	if srv.HasContainer() {
		res, err := o.rt.Remove(ctx, srv.ContainerID)
		if err == nil && !res.OK() && res.Outcome != docker.NoSuchContainer {
			err = res.Err()
		}
		if err != nil {
			o.audit(ctx, userID, srv.ID, "delete server: "+err.Error(), false)
			return err
		}
	}
	if err := o.store.DeleteServer(ctx, srv.ID); err != nil {
		return err
	}
	o.audit(ctx, userID, srv.ID, "delete server "+srv.Name, true)
	return nil
}

// running loads a server that must have a container id.
func (o *Orchestrator) running(ctx context.Context, action, userID, serverID string) (model.Server, error) {
	srv, err := o.store.GetServer(ctx, serverID)
	if err != nil {
		return srv, err
	}
	if !srv.HasContainer() {
		o.audit(ctx, userID, serverID, action+" server: no container", false)
		return srv, fmt.Errorf("%w: server has no container", ErrBadRequest)
	}
	return srv, nil
}

// check records the outcome of a runtime call and turns failures into errors.
func (o *Orchestrator) check(ctx context.Context, action, userID string, srv model.Server, res docker.Result, err error) error {
	if err != nil {
		metrics.PowerActions.WithLabelValues(action, "transport").Inc()
		o.log.Error("runtime call failed", zap.String("server", srv.ID), zap.String("action", action), zap.Error(err))
		o.audit(ctx, userID, srv.ID, action+" server: "+err.Error(), false)
		return err
	}
	o.record(ctx, action, userID, srv, res)
	if res.Outcome == docker.UnknownError {
		o.log.Error("unrecognized engine response", zap.String("server", srv.ID), zap.String("op", string(res.Op)),
			zap.Int("status", res.HTTPStatus), zap.String("message", res.Message))
	}
	return res.Err()
}

func (o *Orchestrator) record(ctx context.Context, action, userID string, srv model.Server, res docker.Result) {
	metrics.PowerActions.WithLabelValues(action, string(res.Outcome)).Inc()
	o.events.Power(ctx, events.PowerEvent{
		ServerID:    srv.ID,
		ContainerID: srv.ContainerID,
		Action:      action,
		Outcome:     string(res.Outcome),
		UserID:      userID,
		Time:        o.now(),
	})
	success := res.OK() || res.Outcome == docker.AlreadyStarted || res.Outcome == docker.AlreadyStopped
	o.audit(ctx, userID, srv.ID, fmt.Sprintf("%s server: %s", action, res.Outcome), success)
}

func (o *Orchestrator) audit(ctx context.Context, userID, serverID, text string, success bool) {
	e := model.LogEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		ServerID:  serverID,
		Text:      text,
		Timestamp: o.now(),
		Success:   success,
	}
	if err := o.store.AppendLog(ctx, e); err != nil {
		o.log.Warn("append audit failed", zap.String("server", serverID), zap.Error(err))
	}
}

func (o *Orchestrator) templateFor(srv model.Server) template.Template {
	if tpl, err := o.catalog.Get(srv.Type); err == nil {
		return tpl
	}
	return template.Template{StopCommand: template.DefaultStopCommand, Session: template.DefaultSession}
}

func (o *Orchestrator) containerSpec(srv model.Server, tpl template.Template) docker.ContainerSpec {
	spec := docker.ContainerSpec{
		Name:              "gamehost-" + srv.ID,
		Image:             tpl.Image,
		Cmd:               ExpandCommand(tpl.Command, srv.RAMLimit),
		Env:               Environment(tpl.Env, srv.Options, srv.RAMLimit),
		Ports:             srv.Ports,
		CPULimit:          srv.CPULimit,
		RAMLimit:          srv.RAMLimit,
		RestartPolicy:     string(srv.RestartPolicy),
		RestartRetryCount: srv.RestartRetryCount,
		Labels:            map[string]string{"gamehost.server": srv.ID, "gamehost.type": srv.Type},
	}
	if o.opts.DataRoot != "" {
		spec.Binds = []string{filepath.Join(o.opts.DataRoot, srv.ID) + ":" + tpl.DataPath}
	}
	return spec
}

// stageFiles writes bootstrap files that are not already present.
func (o *Orchestrator) stageFiles(srv model.Server, tpl template.Template) error {
	if o.opts.DataRoot == "" || len(tpl.Files) == 0 {
		return nil
	}
	dir := filepath.Join(o.opts.DataRoot, srv.ID)
	for _, f := range tpl.Files {
		p := filepath.Join(dir, filepath.FromSlash(f.Path))
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

const ramToken = "${SERVER_RAM}"

// ExpandCommand substitutes ${SERVER_RAM} with the RAM limit in MiB.
func ExpandCommand(cmd []string, ramMiB int64) []string {
	if len(cmd) == 0 {
		return nil
	}
	ram := strconv.FormatInt(ramMiB, 10)
	out := make([]string, len(cmd))
	for i, c := range cmd {
		out[i] = strings.ReplaceAll(c, ramToken, ram)
	}
	return out
}

// Environment projects template defaults and server options into KEY=value
// pairs. Keys are uppercased, options override defaults and SERVER_RAM is
// always set from the limit.
func Environment(defaults, options map[string]string, ramMiB int64) []string {
	merged := map[string]string{}
	for k, v := range defaults {
		merged[strings.ToUpper(k)] = v
	}
	for k, v := range options {
		merged[strings.ToUpper(k)] = v
	}
	merged["SERVER_RAM"] = strconv.FormatInt(ramMiB, 10)
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// StuffCommand builds the exec that types line into the screen session. Images
// run their server process inside "screen -S <session>".
func StuffCommand(session, line string) []string {
	return []string{"screen", "-S", session, "-p", "0", "-X", "stuff", line + "\n"}
}
