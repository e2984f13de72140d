// Package app wires configuration, storage, transport and the dispatch
// controller into one process and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lovebot/internal/compose"
	"lovebot/internal/config"
	"lovebot/internal/delivery"
	"lovebot/internal/dispatch"
	"lovebot/internal/metrics"
	"lovebot/internal/runtime/supervisor"
	"lovebot/internal/status"
	"lovebot/internal/storage"
	logx "lovebot/pkg/logx"
	"lovebot/pkg/systemd"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	res  *config.Resolved

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	sender alertingSender
	ctrl   *dispatch.Controller
	reg    *prometheus.Registry
	http   *status.Server
	notify *systemd.Notifier

	sup *supervisor.Supervisor
}

// Options tweak NewApp for tests and dry runs.
type Options struct {
	// Stdout receives console transport output; nil means os.Stdout.
	Stdout io.Writer
}

// NewApp loads the configuration and builds every component. Configuration
// problems are returned as *config.Error.
func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, res, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if opts.Stdout == nil {
		opts.Stdout = logx.Stdout()
	}

	logs, log := logx.New(mapLogConfig(cfg.Logging))
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateReload)

	sender, err := newSender(cfg, res, opts.Stdout, log.With(logx.String("comp", res.Transport)))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	logs.SetAlertSender(sender)

	store, err := storage.Open(mapStorageConfig(res), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.InitPrometheusMetrics("lovebot", reg)

	// The controller goroutine is the only user of rng.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	machine := delivery.New(delivery.Deps{
		Store:    store,
		Sender:   sender,
		Composer: compose.NewRotation(cfg.Messages.List, cfg.Messages.File, rng),
		Rand:     rng,
		Log:      log.With(logx.String("comp", "delivery")),
		Observer: m,
	}, delivery.Config{
		Policy:        res.Retry,
		StoragePolicy: res.StorageRetry,
		SendTimeout:   res.SendTimeout,
	})
	ctrl := dispatch.New(dispatch.Deps{
		Machine:  machine,
		Store:    store,
		Rand:     rng,
		Log:      log.With(logx.String("comp", "dispatch")),
		Observer: m,
	}, dispatch.Config{
		Cadence:       res.Cadence,
		CatchUpWindow: res.CatchUpWindow,
		Missed:        res.Missed,
	})

	a := &App{
		cfgm:   cfgm,
		res:    res,
		log:    appLog,
		logs:   logs,
		store:  store,
		sender: sender,
		ctrl:   ctrl,
		reg:    reg,
		notify: systemd.NewNotifier(log.With(logx.String("comp", "systemd"))),
	}
	if res.StatusEnabled {
		a.http = status.New(status.Config{
			Addr:  res.StatusAddr,
			Pprof: res.StatusPprof,
		}, a, reg, log.With(logx.String("comp", "status")))
	}
	return a, nil
}

// Status is the controller status plus the supervised goroutines.
func (a *App) Status() dispatch.Status {
	st := a.ctrl.Status()
	if a.sup != nil {
		st.Tasks = a.sup.Tasks()
	}
	return st
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.log.Info("starting",
		logx.String("config", a.cfgm.Path()),
		logx.String("cadence", a.res.Cadence.String()),
		logx.String("transport", a.res.Transport),
		logx.String("storage", a.res.StorageDriver),
		logx.Int("max_retries", a.res.Retry.MaxRetries),
	)

	a.sup.Go("dispatch", a.ctrl.Run)
	if a.http != nil {
		a.sup.GoRestart("status.http", a.http.Run, 500*time.Millisecond, 10*time.Second)
	}
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	a.sup.Go("systemd", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-a.ctrl.Ready():
		}
		a.notify.Ready()
		if st := a.ctrl.Status(); st.NextSlot != "" {
			a.notify.Status("next slot " + st.NextSlot)
		}
		return a.notify.Watchdog(c, func() bool {
			return a.ctrl.Status().State != dispatch.StateStopped
		})
	})
	return nil
}

// reloadLoop applies hot config sections and reports the rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(last, next)
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.log.Info("config change", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
			for _, s := range changed {
				if s == "logging" {
					a.logs.Apply(mapLogConfig(next.Logging))
				}
			}
			if cold := config.RestartRequired(changed); len(cold) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(cold, ",")),
				)
			}
			last = next
		}
	}
}

// Stop cancels every component and waits for them, bounded by ctx. The
// store is closed last so an in-flight outcome write can still land.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	if err := a.sup.Stop(ctx); err != nil && ctx.Err() != nil {
		a.log.Warn("stop deadline reached; closing anyway", logx.Err(ctx.Err()))
	}
	st := a.ctrl.Status()
	a.log.Info("stopped",
		logx.Int("delivered", st.Delivered),
		logx.Int("abandoned", st.Abandoned),
		logx.Int("suspended", len(st.Suspended)),
	)
	return a.close()
}

func (a *App) close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}
