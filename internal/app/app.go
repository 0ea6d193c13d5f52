// Package app constructs and runs the whole service: config, logging,
// storage, the Telegram gateway, the dispatch core and the operational
// surfaces. Everything is built explicitly and passed by reference; no
// package-level singletons.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"herald/internal/config"
	"herald/internal/eventbus"
	"herald/internal/gateway/telegram"
	"herald/internal/httpapi"
	"herald/internal/observability/pprof"
	"herald/internal/services/campaign"
	"herald/internal/services/janitor"
	"herald/internal/services/queue"
	"herald/internal/services/ratelimit"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type App struct {
	session string

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	adapter   *telegram.Adapter
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	lifecycle *campaign.Service
	janitor   *janitor.Service
	api       *httpapi.Server
	pprof     *pprof.Service

	cfgCh       chan *config.Config
	watchCancel context.CancelFunc
	reloadDone  chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	session := uuid.NewString()
	log = log.With(logx.String("comp", "app"), logx.String("session", session))

	storageCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storageCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	telegramCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegramCfg, st, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	limiter := ratelimit.New(st, log.With(logx.String("comp", "ratelimit")))

	queueCfg, retention, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	q := queue.New(queueCfg, st, limiter, adapter, bus, log)
	lifecycle := campaign.New(st, adapter, q, bus, log)
	jan := janitor.New(janitor.Config{LogRetention: retention}, limiter, lifecycle, st, log)

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := httpapi.New(httpCfg, st, adapter, q, limiter, lifecycle, bus, log)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log)

	return &App{
		session:   session,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		st:        st,
		adapter:   adapter,
		limiter:   limiter,
		queue:     q,
		lifecycle: lifecycle,
		janitor:   jan,
		api:       api,
		pprof:     pprofSvc,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(ctx); err != nil {
		return err
	}
	// Resume draining for any campaigns that were running before a
	// restart. With the memory driver the queue starts empty and the
	// loop just idles.
	a.queue.StartProcessing(ctx)
	if err := a.janitor.Start(ctx); err != nil {
		return err
	}
	if err := a.api.Start(ctx); err != nil {
		return err
	}
	if a.pprof.Enabled() {
		if err := a.pprof.Start(ctx); err != nil {
			a.log.Warn("pprof start failed", logx.Err(err))
		}
	}

	a.startReloads(ctx)
	a.log.Info("herald started", logx.String("session", a.session))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchCancel = nil
	}
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
		<-a.reloadDone
		a.cfgCh = nil
	}

	_ = a.api.Stop(ctx)
	a.pprof.Stop(ctx)
	a.janitor.Stop()
	a.queue.StopProcessing()
	_ = a.adapter.Stop(ctx)
	if err := a.st.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("herald stopped")
	_ = a.logs.Close()
	return nil
}

// startReloads watches the config file and applies the hot-reloadable
// sections: logging and pprof. Storage and the bot token are fixed for
// the process lifetime; changes there are flagged for a restart.
func (a *App) startReloads(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	go func() {
		if err := a.cfgm.Watch(wctx); err != nil && wctx.Err() == nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	a.cfgCh = a.cfgm.Subscribe(4)
	a.reloadDone = make(chan struct{})
	go func() {
		defer close(a.reloadDone)
		prev := a.cfgm.Get()
		for cfg := range a.cfgCh {
			changed, attrs := config.SummarizeChange(prev, cfg)
			if len(changed) == 0 {
				prev = cfg
				continue
			}
			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)...)

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if pprofCfg, err := mapPprofConfig(cfg); err == nil {
				a.pprof.Reconfigure(ctx, pprofCfg)
			}
			for _, section := range changed {
				if section == "storage" || section == "telegram" || section == "http" || section == "dispatch" {
					a.log.Warn("section change requires restart", logx.String("section", section))
				}
			}
			prev = cfg
		}
	}()
}

// ---- config mapping ----

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:            cfg.Telegram.Token,
		PollTimeout:      pollTimeout,
		GlobalRatePerSec: float64(cfg.Telegram.GlobalRatePerSec),
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (queue.Config, time.Duration, error) {
	idle, err := config.ParseDurationOrDefault("dispatch.idle_delay", cfg.Dispatch.IdleDelay, 5*time.Second)
	if err != nil {
		return queue.Config{}, 0, err
	}
	skip, err := config.ParseDurationOrDefault("dispatch.skip_delay", cfg.Dispatch.SkipDelay, 100*time.Millisecond)
	if err != nil {
		return queue.Config{}, 0, err
	}
	backoff, err := config.ParseDurationOrDefault("dispatch.error_backoff", cfg.Dispatch.ErrorBackoff, 5*time.Second)
	if err != nil {
		return queue.Config{}, 0, err
	}
	retention, err := config.ParseDurationOrDefault("dispatch.log_retention", cfg.Dispatch.LogRetention, 720*time.Hour)
	if err != nil {
		return queue.Config{}, 0, err
	}
	return queue.Config{IdleDelay: idle, SkipDelay: skip, ErrorBackoff: backoff}, retention, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validate rejects a config before commit so a bad hot-reload never
// reaches running services.
func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "memory", "mem", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if driver == "sqlite" || driver == "sqlite3" {
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}
