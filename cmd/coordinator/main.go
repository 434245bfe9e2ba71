package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gamehost/pkg/api"
	"gamehost/pkg/auth"
	"gamehost/pkg/config"
	"gamehost/pkg/db"
	"gamehost/pkg/events"
	"gamehost/pkg/metrics"
	"gamehost/pkg/model"
	"gamehost/pkg/nodes"
	"gamehost/pkg/store"
	"gamehost/pkg/version"
)

func main() {
	_ = config.LoadDotEnv()
	cfg := config.CoordinatorFromEnv()

	root := &cobra.Command{
		Use:          "gamehost-coordinator",
		Short:        "Coordinator: users, nodes and the game server API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := root.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (env GAMEHOST_ADDR)")
	f.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "user token signing secret (env GAMEHOST_JWT_SECRET)")
	f.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "lifetime of user tokens")
	f.StringVar(&cfg.Store, "store", cfg.Store, "store backend: memory|mysql|consul (env GAMEHOST_STORE)")
	f.StringVar(&cfg.ConsulAddr, "consul-addr", cfg.ConsulAddr, "consul address when --store=consul (env CONSUL_ADDR)")
	f.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS URL for node health events (env NATS_URL)")
	f.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "node heartbeat interval")
	f.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "deadline for each heartbeat call, below --heartbeat")
	f.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS cert path (enables HTTPS with --tls-key)")
	f.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key path (enables HTTPS with --tls-cert)")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("gamehost-coordinator", version.String())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Coordinator) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.JWTSecret == "" {
		if cfg.JWTSecret, err = auth.NewCredential(); err != nil {
			return err
		}
		log.Warn("no jwt secret configured; user tokens will not survive a restart")
	}

	st, watch, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	var health events.HealthSink = events.LogSink{Log: log}
	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL, "gamehost-coordinator", log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer pub.Close()
		health = pub
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	mgr := nodes.NewManager(st, log, nodes.Options{Interval: cfg.Heartbeat, CallTimeout: cfg.CallTimeout, Events: health})
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	if watch != nil {
		go watch.WatchNodes(ctx, nodeWatcher(mgr, log))
	}

	h := api.NewHandler(api.Deps{
		Store:  st,
		Nodes:  mgr,
		Signer: auth.NewSigner(cfg.JWTSecret, "gamehost", cfg.TokenTTL),
		Log:    log,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	metrics.RegisterMetrics(mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("coordinator listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store), zap.String("version", version.Build))
	err = serve(ctx, srv, cfg.TLSCert, cfg.TLSKey, log)
	cancel()
	if mgrErr := <-done; err == nil {
		err = mgrErr
	}
	return err
}

type nodeWatch interface {
	WatchNodes(ctx context.Context, fn func([]model.Node))
}

func openStore(cfg config.Coordinator, log *zap.Logger) (store.Store, nodeWatch, error) {
	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil, nil
	case "mysql":
		gdb, err := db.Open(db.ParamsFromEnv())
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		return store.NewGormStore(gdb), nil, nil
	case "consul":
		cs, err := store.NewConsulStore(cfg.ConsulAddr)
		if err != nil {
			return nil, nil, err
		}
		return cs, cs, nil
	}
	return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Store)
}

// nodeWatcher feeds out-of-band node edits to the manager. Health rewrites
// also trigger the watch, so only connection fields are compared.
func nodeWatcher(mgr *nodes.Manager, log *zap.Logger) func([]model.Node) {
	seen := map[string]model.Node{}
	return func(list []model.Node) {
		for _, n := range list {
			old, ok := seen[n.ID]
			seen[n.ID] = n
			switch {
			case !ok:
				mgr.Add(n)
			case old.URL != n.URL || old.Credential != n.Credential || old.Disabled != n.Disabled:
				log.Info("node changed in store", zap.String("node", n.ID), zap.String("url", n.URL))
				mgr.Refresh(n)
			}
		}
	}
}

func serve(ctx context.Context, srv *http.Server, cert, key string, log *zap.Logger) error {
	errc := make(chan error, 1)
	go func() {
		if cert != "" && key != "" {
			errc <- srv.ListenAndServeTLS(cert, key)
			return
		}
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
