// Package procmon embeds the process monitor agent: a debugger-backed
// supervisor for a fuzzed target, served over JSON/HTTP.
package procmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/procmon/internal/config"
	"github.com/loykin/procmon/internal/debugger"
	"github.com/loykin/procmon/internal/history"
	"github.com/loykin/procmon/internal/history/factory"
	"github.com/loykin/procmon/internal/metrics"
	"github.com/loykin/procmon/internal/monitor"
	"github.com/loykin/procmon/internal/process"
	"github.com/loykin/procmon/internal/server"
	"github.com/loykin/procmon/internal/supervisor"
	ptls "github.com/loykin/procmon/internal/tls"
)

type Config = config.Config

type Spawner = process.Spawner

var ErrCrashDirNotWritable = monitor.ErrCrashDirNotWritable

const (
	shutdownTimeout = 5 * time.Second
	teardownTimeout = 30 * time.Second
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config {
	c := config.Default()
	return &c
}

type Option func(*Agent)

// WithSpawner replaces the ptrace debugger.
func WithSpawner(s Spawner) Option { return func(a *Agent) { a.spawner = s } }

// WithRegisterer selects where metrics are registered when enabled.
func WithRegisterer(r prometheus.Registerer) Option { return func(a *Agent) { a.registerer = r } }

// Agent owns one monitored target and the servers exposing it.
type Agent struct {
	cfg        *Config
	spawner    Spawner
	registerer prometheus.Registerer
	sup        *supervisor.Supervisor
	mon        *monitor.Monitor
	sampler    *metrics.TargetSampler
	sinks      []history.Sink
}

func New(cfg *Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(a)
	}
	if a.spawner == nil {
		a.spawner = debugger.NewPtrace()
	}
	cmds, err := cfg.Commands()
	if err != nil {
		return nil, err
	}
	if cfg.History.Enabled {
		if a.sinks, err = factory.NewSinks(cfg.History.DSNs); err != nil {
			return nil, fmt.Errorf("history sinks: %w", err)
		}
	}
	ctrl := process.NewController(cmds, a.spawner, cfg.ProcessOptions())
	a.sup = supervisor.New(ctrl, cfg.SupervisorOptions())
	a.mon, err = monitor.New(monitor.Config{
		CrashFile: cfg.CrashBin,
		ProcName:  cfg.ProcName,
		Level:     cfg.Log.Level,
		Sinks:     a.sinks,
	}, a.sup)
	if err != nil {
		history.CloseAll(a.sinks)
		return nil, err
	}
	a.sampler = metrics.NewTargetSampler(cfg.Metrics.Sampler)
	return a, nil
}

// Handler is the API router without a listener.
func (a *Agent) Handler() http.Handler {
	return server.NewRouter(a.mon, a.cfg.Server.BasePath).WithSamples(a.sampler).Handler()
}

// Run serves the API, and metrics when enabled, until ctx is done or a
// listener fails. The target sampler runs whenever it is enabled; its
// gauges are exported only with metrics. On return the target has been torn down and the history
// sinks closed.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Close()
	api := server.NewServer(a.cfg.Server.Listen, a.cfg.Server.BasePath, a.mon, a.sampler)
	tlsCfg, err := ptls.Setup(a.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("api tls: %w", err)
	}
	api.TLSConfig = tlsCfg
	slog.Info("starting procmon API server",
		"listen", a.cfg.Server.Listen,
		"base_path", a.cfg.Server.BasePath,
		"tls", tlsCfg != nil)

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{api}

	if a.cfg.Metrics.Enabled {
		if err := metrics.Register(a.registerer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if err := a.sampler.Register(a.registerer); err != nil {
			slog.Warn("target sampler metrics not registered", "error", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
		slog.Info("starting metrics server", "listen", a.cfg.Metrics.Listen)
	}

	a.sampler.Start(gctx, a.sup.TargetPID)

	for _, srv := range servers {
		g.Go(func() error {
			if err := listen(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				_ = srv.Close()
			}
		}
		a.sampler.Stop()
		return nil
	})

	return g.Wait()
}

func listen(srv *http.Server) error {
	if srv.TLSConfig != nil {
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}

// Close tears the target down and releases the history sinks.
func (a *Agent) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := a.mon.StopTarget(ctx); err != nil {
		slog.Warn("target teardown failed", "error", err)
	}
	history.CloseAll(a.sinks)
	a.sinks = nil
}
