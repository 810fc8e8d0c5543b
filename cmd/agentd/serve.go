package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/config"
	"github.com/bazelment/yoloswe/agentd/eventlog"
	"github.com/bazelment/yoloswe/agentd/gateway"
	"github.com/bazelment/yoloswe/agentd/supervisor"
)

// shutdownTimeout bounds session teardown and HTTP drain on exit.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "Listen address (default 127.0.0.1:7433)")
	serveCmd.Flags().String("db", "", "SQLite event store path")
	serveCmd.Flags().Bool("persist", true, "Persist events to the SQLite store")
	serveCmd.Flags().Int64("max-concurrent", 0, "Max per-message agent processes running at once")
}

// loadConfig reads the config file, environment and the flags of cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := config.New(cfgFile)
	for key, flag := range map[string]string{
		"listen":         "listen",
		"db_path":        "db",
		"persist":        "persist",
		"max_concurrent": "max-concurrent",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, err
			}
		}
	}
	if logFormat != "" {
		v.Set("log_format", logFormat)
	}
	return config.Load(v)
}

// loadSpecs merges the override file into the built-in agent table.
func loadSpecs(cfg config.Config) (map[agent.Kind]agent.Spec, map[agent.Kind]string, error) {
	file, err := config.LoadAgents(cfg.AgentsFile)
	if err != nil {
		return nil, nil, err
	}
	specs, endpoints, err := file.Apply(agent.DefaultSpecs())
	if err != nil {
		return nil, nil, err
	}
	config.WithDefaultGrace(specs, cfg.Grace)
	fromConfig, err := cfg.AgentEndpoints()
	if err != nil {
		return nil, nil, err
	}
	for k, url := range fromConfig {
		if _, ok := endpoints[k]; !ok {
			endpoints[k] = url
		}
	}
	return specs, endpoints, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogFormat)

	specs, endpoints, err := loadSpecs(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logOpts := []eventlog.Option{
		eventlog.WithLogger(logger.With("component", "eventlog")),
		eventlog.WithSubscriberBuffer(cfg.EventBuffer),
	}
	if cfg.Persist {
		store, err := eventlog.OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		logOpts = append(logOpts, eventlog.WithStore(store))
	}
	events := eventlog.New(logOpts...)
	if err := events.Restore(ctx); err != nil {
		return fmt.Errorf("restoring event log: %w", err)
	}

	regOpts := []supervisor.RegistryOption{
		supervisor.WithInstaller(supervisor.PathInstaller{Dirs: cfg.InstallDirs}),
		supervisor.WithRegistryLogger(logger.With("component", "registry")),
	}
	for kind, url := range endpoints {
		regOpts = append(regOpts, supervisor.WithEndpoint(kind, url))
	}
	reg, err := supervisor.NewRegistry(specs, regOpts...)
	if err != nil {
		return err
	}
	sup := supervisor.New(reg, events,
		supervisor.WithLogger(logger.With("component", "supervisor")),
		supervisor.WithMaxConcurrent(cfg.MaxConcurrent))

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: gateway.New(sup, events,
			gateway.WithLogger(logger.With("component", "gateway")),
			gateway.WithCatalog(reg),
			gateway.WithKeepAlive(cfg.KeepAlive)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = sup.Shutdown(context.Background())
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	logger.Info("agentd listening", "addr", ln.Addr().String(), "version", supervisor.Version, "persist", cfg.Persist)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Sessions end first so followers receive session.ended.
		err := sup.Shutdown(sctx)
		cancelBase()
		return errors.Join(err, srv.Shutdown(sctx))
	})
	return g.Wait()
}
