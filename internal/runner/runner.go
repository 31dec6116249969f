// Package runner assembles a simctl run from its configuration: the
// process group, one driver per hosted rank, control request sources and
// the observability endpoints.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yndnr/simctl/internal/cluster"
	"github.com/yndnr/simctl/internal/core/consensus"
	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/core/driver"
	"github.com/yndnr/simctl/internal/core/period"
	"github.com/yndnr/simctl/internal/executor"
	"github.com/yndnr/simctl/internal/infra/buildinfo"
	"github.com/yndnr/simctl/internal/infra/confloader"
	"github.com/yndnr/simctl/internal/infra/shutdown"
	"github.com/yndnr/simctl/internal/infra/trigger"
	"github.com/yndnr/simctl/internal/plugin"
	"github.com/yndnr/simctl/internal/runner/config"
	"github.com/yndnr/simctl/internal/server/httpserver"
	"github.com/yndnr/simctl/internal/server/localserver"
	"github.com/yndnr/simctl/internal/sim"
	"github.com/yndnr/simctl/internal/telemetry/logger"
	"github.com/yndnr/simctl/internal/telemetry/metric"
)

const shutdownTimeout = 10 * time.Second

// Option configures a Runner.
type Option func(*Runner)

// WithLoader enables live reload of the loader's config file.
func WithLoader(l *confloader.Loader) Option {
	return func(r *Runner) { r.loader = l }
}

// WithShutdown registers cleanup hooks on h instead of a private handler.
func WithShutdown(h *shutdown.Handler) Option {
	return func(r *Runner) { r.shutdown = h }
}

// WithLogger sets the root logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithSignals enables OS signal control requests.
func WithSignals(enabled bool) Option {
	return func(r *Runner) { r.signals = enabled }
}

// Runner is one simctl run.
type Runner struct {
	cfg      *config.Config
	loader   *confloader.Loader
	shutdown *shutdown.Handler
	log      logger.Logger
	signals  bool

	runID   string
	metrics *metric.Registry
	fanout  *trigger.Fanout
	fabric  *cluster.Fabric
	gossip  *cluster.Gossip
	ranks   []*rank

	mu      sync.Mutex
	failure error
}

type rank struct {
	id     int
	driver *driver.Driver
}

// Status is the JSON view of a run served by /status and the control
// socket.
type Status struct {
	RunID   string          `json:"run_id"`
	Version string          `json:"version"`
	Mode    string          `json:"mode"`
	Size    int             `json:"size"`
	Ranks   []driver.Status `json:"ranks"`
	Error   string          `json:"error,omitempty"`
}

// New returns a runner for a verified configuration.
func New(cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		runID:   ulid.Make().String(),
		metrics: metric.NewRegistry(),
		fanout:  trigger.NewFanout(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Default()
	}
	if r.shutdown == nil {
		r.shutdown = shutdown.NewHandler(shutdownTimeout)
	}
	return r
}

// RunID returns the unique id of this run.
func (r *Runner) RunID() string { return r.runID }

// Run executes the run until every hosted rank terminates or one fails.
// Cleanup hooks run before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	ctx = logger.WithRunID(ctx, r.runID)
	log := r.log.With("run_id", r.runID)
	defer func() {
		if serr := r.shutdown.Shutdown(); serr != nil {
			log.Warn("cleanup failed", "error", serr)
		}
	}()

	comms, err := r.connect(ctx, log)
	if err != nil {
		return err
	}
	if err := r.buildRanks(ctx, comms, log); err != nil {
		return err
	}
	if err := r.metrics.Register(metric.NewCollector(r.rankStates)); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}

	if comms[0].IsCoordinator() {
		log.Info("simulation starting",
			"version", buildinfo.Version,
			"author", r.cfg.Run.Author,
			"mode", r.cfg.Cluster.Mode,
			"ranks", r.cfg.Cluster.Ranks,
			"steps", r.cfg.Run.Steps,
			"soft_restarts", r.cfg.Run.SoftRestarts,
			"checkpoint_period", r.cfg.Checkpoint.Period,
			"checkpoint_dir", r.cfg.Checkpoint.Dir)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.signals {
		trigger.ListenSignals(ctx, r.fanout, log.Slog(), r.metrics)
	}
	if err := r.startServers(log); err != nil {
		return err
	}
	if err := r.watchConfig(log); err != nil {
		return err
	}

	return r.runRanks(ctx, log)
}

// connect builds the process group and returns the comms of the hosted
// ranks.
func (r *Runner) connect(ctx context.Context, log logger.Logger) ([]cluster.Comm, error) {
	switch r.cfg.Cluster.Mode {
	case config.ModeGossip:
		gc, err := config.ToGossipConfig(r.cfg, log.Slog())
		if err != nil {
			return nil, err
		}
		g, err := cluster.NewGossip(gc)
		if err != nil {
			return nil, groupErr(err)
		}
		r.gossip = g
		r.shutdown.OnShutdown(func(context.Context) error {
			return g.Shutdown()
		})

		joinCtx, cancel := context.WithTimeout(ctx, r.cfg.Cluster.JoinTimeout)
		defer cancel()
		log.Info("waiting for fleet", "node", gc.NodeName, "addr", g.Addr(), "size", gc.Size)
		if err := g.WaitFleet(joinCtx); err != nil {
			return nil, groupErr(err)
		}
		return []cluster.Comm{g}, nil

	default:
		r.fabric = cluster.NewFabric(r.cfg.Cluster.Ranks)
		comms := make([]cluster.Comm, 0, r.cfg.Cluster.Ranks)
		for _, c := range r.fabric.Comms() {
			comms = append(comms, c)
		}
		return comms, nil
	}
}

func (r *Runner) buildRanks(ctx context.Context, comms []cluster.Comm, log logger.Logger) error {
	var estimate *period.Period
	if r.cfg.Plugins.EstimatePeriod != "" {
		p, err := period.Parse(r.cfg.Plugins.EstimatePeriod)
		if err != nil {
			return err
		}
		estimate = p
	}

	for _, comm := range comms {
		id := comm.Rank()
		rlog := log.With("rank", id).Slog()

		exec := executor.New(ctx, r.cfg.Executor.Limit)
		engine := sim.New(config.ToSimConfig(r.cfg), id, exec, rlog)
		connector := plugin.NewConnector(rlog)
		connector.Register(engine, nil)
		if estimate != nil && comm.IsCoordinator() {
			connector.Register(plugin.NewEstimate(engine, rlog), estimate)
		}

		// Each rank owns its period since consensus appends to it.
		dcfg, err := config.ToDriverConfig(r.cfg)
		if err != nil {
			return err
		}
		d, err := driver.New(dcfg, driver.Deps{
			Engine:           engine,
			Notifier:         connector,
			Comm:             comm,
			Executor:         exec,
			Signals:          r.fanout.Add(id),
			Metrics:          r.metrics,
			Logger:           rlog,
			ConsensusOptions: []consensus.Option{consensus.WithDebounce(r.cfg.Consensus.Debounce)},
		})
		if err != nil {
			return err
		}
		r.ranks = append(r.ranks, &rank{id: id, driver: d})
		r.shutdown.OnShutdown(func(context.Context) error {
			return engine.Close()
		})
	}
	return nil
}

// runRanks runs every hosted rank. The first failure aborts the in-process
// fabric so that peers blocked in a collective return.
func (r *Runner) runRanks(ctx context.Context, log logger.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, rk := range r.ranks {
		g.Go(func() error {
			err := rk.driver.Run(gctx)
			if err != nil {
				r.fail(err)
				if r.fabric != nil {
					r.fabric.Abort(err)
				}
			}
			return err
		})
	}
	err := g.Wait()
	if err != nil {
		// Peers fail with the abort error; report the root cause.
		if first := r.Err(); first != nil {
			err = first
		}
		log.Error("simulation failed", "error", err)
		return err
	}
	if first := r.ranks[0]; first.id == 0 {
		st := first.driver.Status()
		log.Info("simulation finished", "step", st.Step, "checkpoints", st.CheckpointCount)
	}
	return nil
}

func (r *Runner) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = err
	}
}

// Err returns the first rank failure, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// Status returns the current view of every hosted rank.
func (r *Runner) Status() any {
	st := Status{
		RunID:   r.runID,
		Version: buildinfo.Version,
		Mode:    r.cfg.Cluster.Mode,
		Size:    r.cfg.Cluster.Ranks,
	}
	for _, rk := range r.ranks {
		st.Ranks = append(st.Ranks, rk.driver.Status())
	}
	if err := r.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Deliver implements localserver.Controller.
func (r *Runner) Deliver(rank int, k trigger.Kind) int {
	return r.fanout.Deliver(rank, k)
}

func (r *Runner) rankStates() []metric.RankState {
	out := make([]metric.RankState, 0, len(r.ranks))
	for _, rk := range r.ranks {
		st := rk.driver.Status()
		out = append(out, metric.RankState{Rank: st.Rank, State: st.State, CheckpointCount: uint64(st.CheckpointCount)})
	}
	return out
}

func (r *Runner) startServers(log logger.Logger) error {
	if addr := r.cfg.Metrics.Addr; addr != "" {
		srv := httpserver.New(addr, httpserver.NewRouter(&httpserver.RouterConfig{
			Metrics: r.metrics.Handler(),
			Status:  r.Status,
			Health:  r.Err,
			Logger:  log.Slog(),
		}))
		if err := srv.Listen(); err != nil {
			return fmt.Errorf("metrics listen %s: %w", addr, err)
		}
		r.shutdown.OnShutdown(srv.Shutdown)
		go func() {
			log.Info("metrics endpoint listening", "addr", srv.Addr())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics endpoint error", "error", err)
			}
		}()
	}

	if path := r.cfg.Control.Socket; path != "" {
		h := localserver.NewHandler(r, r.cfg.Control.Rate, r.cfg.Control.Burst, r.metrics)
		srv := localserver.New(path, h, log.Slog())
		r.shutdown.OnShutdown(srv.Shutdown)
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		select {
		case <-srv.Ready():
			go func() {
				if err := <-errc; err != nil {
					log.Error("control socket error", "error", err)
				}
			}()
		case err := <-errc:
			return fmt.Errorf("control socket %s: %w", path, err)
		}
	}
	return nil
}

// watchConfig reloads the config file on change and applies log.level.
// Other keys take effect on the next run.
func (r *Runner) watchConfig(log logger.Logger) error {
	if r.loader == nil || r.loader.FilePath() == "" {
		return nil
	}
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log.Slog()))
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Watch(r.loader.FilePath()); err != nil {
		w.Stop()
		return fmt.Errorf("watch %s: %w", r.loader.FilePath(), err)
	}
	w.OnChange(func(path string) {
		next := config.Default()
		if err := r.loader.Reload(next); err != nil {
			log.Warn("config reload failed", "path", path, "error", err)
			return
		}
		if err := logger.SetLevel(next.Log.Level); err != nil {
			log.Warn("config reload: invalid log level", "level", next.Log.Level, "error", err)
			return
		}
		log.Info("config reloaded", "path", path, "log_level", logger.GetLevel())
	})
	w.StartAsync()
	r.shutdown.OnShutdown(func(context.Context) error {
		return w.Stop()
	})
	return nil
}

// groupErr types a process group setup failure as a collective failure.
func groupErr(err error) error {
	if domain.IsDomainError(err, "") {
		return err
	}
	return domain.ErrCollectiveFailure.WithDetails("process group setup").WithCause(err)
}
