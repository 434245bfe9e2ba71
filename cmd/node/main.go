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

	"gamehost/pkg/agent"
	"gamehost/pkg/auth"
	"gamehost/pkg/config"
	"gamehost/pkg/docker"
	"gamehost/pkg/events"
	"gamehost/pkg/metrics"
	"gamehost/pkg/power"
	"gamehost/pkg/stats"
	"gamehost/pkg/template"
	"gamehost/pkg/version"
)

func main() {
	_ = config.LoadDotEnv()
	cfg := config.NodeFromEnv()

	root := &cobra.Command{
		Use:          "gamehost-node",
		Short:        "Node agent: runs game server containers for the coordinator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := root.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (env NODE_ADDR)")
	f.StringVar(&cfg.Secret, "secret", cfg.Secret, "credential the coordinator authenticates with (env NODE_SECRET)")
	f.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "token signing secret, defaults to --secret (env NODE_JWT_SECRET)")
	f.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "lifetime of issued node tokens")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path (env NODE_DB)")
	f.StringVar(&cfg.DockerHost, "docker-host", cfg.DockerHost, "container engine address (env DOCKER_HOST)")
	f.StringVar(&cfg.Templates, "templates", cfg.Templates, "server type catalog (env NODE_TEMPLATES)")
	f.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "host directory holding per-server data (env NODE_DATA_ROOT)")
	f.IntVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "seconds the engine waits before killing on stop")
	f.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS URL for power and console events (env NATS_URL)")
	f.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS cert path (enables HTTPS with --tls-key)")
	f.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key path (enables HTTPS with --tls-cert)")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("gamehost-node", version.String())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Node) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Secret == "" {
		return errors.New("node secret is required (--secret or NODE_SECRET)")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = cfg.Secret
	}

	db, err := agent.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open node db: %w", err)
	}
	defer db.Close()

	catalog, err := template.Load(cfg.Templates)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		return err
	}

	var sink events.Sink = events.LogSink{Log: log}
	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL, "gamehost-node", log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer pub.Close()
		sink = pub
	}

	samples := stats.NewRegistry(stats.NewSampler(engine, db, log), log)
	monitor := agent.NewMonitor(ctx, samples, engine, sink, log)
	orch := power.New(engine, db, catalog, monitor, sink, log, power.Options{
		DataRoot:    cfg.DataRoot,
		StopTimeout: cfg.StopTimeout,
	})

	servers, err := db.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	resumed := monitor.Resume(ctx, servers, engine)
	log.Info("node starting",
		zap.String("addr", cfg.Addr),
		zap.String("version", version.Build),
		zap.Strings("types", catalog.Types()),
		zap.Int("servers", len(servers)),
		zap.Int("resumed", resumed))

	h := agent.NewHandler(agent.Deps{
		Store:   db,
		Power:   orch,
		Console: engine,
		Signer:  auth.NewSigner(cfg.JWTSecret, "gamehost-node", cfg.TokenTTL),
		Secret:  cfg.Secret,
		Version: version.String(),
		Log:     log,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	metrics.RegisterMetrics(mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serve(ctx, srv, cfg.TLSCert, cfg.TLSKey, log)
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
