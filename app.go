package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/mgazza/meter-datafeeds/internal/adapters/geotogether"
	"github.com/mgazza/meter-datafeeds/internal/adapters/givenergy"
	"github.com/mgazza/meter-datafeeds/internal/adapters/octopus"
	"github.com/mgazza/meter-datafeeds/internal/alert"
	"github.com/mgazza/meter-datafeeds/internal/config"
	"github.com/mgazza/meter-datafeeds/internal/credentials"
	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/httpcache"
	"github.com/mgazza/meter-datafeeds/internal/logger"
	"github.com/mgazza/meter-datafeeds/internal/metrics"
	"github.com/mgazza/meter-datafeeds/internal/output"
	"github.com/mgazza/meter-datafeeds/internal/tracker"
)

const shutdownTimeout = 10 * time.Second

// App manages application dependencies.
type App struct {
	Config   *config.Config
	Env      *datafeed.Env
	Registry *prometheus.Registry
	log      logger.Logger
	closers  []func() error
}

// NewRegistry returns a registry holding every built-in scraper.
func NewRegistry() *datafeed.Registry {
	r := datafeed.NewRegistry()
	r.MustRegister(octopus.Name, octopus.New)
	r.MustRegister(givenergy.Name, givenergy.New)
	r.MustRegister(geotogether.Name, geotogether.New)
	return r
}

// NewApp wires the collaborators the configuration asks for. Postgres, Redis and
// the alert webhook are optional; without them parents come from the config file,
// jobs are not tracked and alerts are only logged.
func NewApp(cfg *config.Config, log logger.Logger) (*App, error) {
	app := &App{Config: cfg, Registry: prometheus.NewRegistry(), log: log}
	env := &datafeed.Env{
		Logger:       log,
		Registry:     NewRegistry(),
		Metrics:      metrics.New(app.Registry),
		AlertChannel: cfg.Alerts.Channel,
	}

	var rt http.RoundTripper = http.DefaultTransport
	if cfg.HTTPCache.Enabled {
		cache, err := httpcache.New(cfg.HTTPCache.Dir, rt, log)
		if err != nil {
			return nil, fmt.Errorf("create http cache: %w", err)
		}
		rt = cache
		log.Info("HTTP caching enabled", logger.String("dir", cfg.HTTPCache.Dir))
	} else {
		log.Debug("HTTP caching disabled")
	}
	env.Transport = rt

	if cfg.Database.DSN != "" {
		db, err := credentials.Connect(cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db.Close)
		env.Credentials = credentials.NewPostgres(db)
	} else {
		env.Credentials = credentials.NewStatic(cfg.StaticParents())
	}

	if cfg.Redis.Address != "" {
		client, err := tracker.NewClient(tracker.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.JobTTL,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, client.Close)
		env.Tracker = tracker.NewRedis(client, cfg.Redis.JobTTL)
	}

	if cfg.Alerts.WebhookURL != "" {
		env.Alerter = alert.NewWebhook(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout, log)
	}

	app.Env = env
	return app, nil
}

// RunFeed runs one configured feed. start and end override the feed's dates and
// an empty taskID gets a fresh one.
func (a *App) RunFeed(ctx context.Context, name, start, end, taskID string) (datafeed.Status, error) {
	feed, err := a.Config.Feed(name)
	if err != nil {
		return datafeed.StatusFailed, err
	}
	if taskID == "" {
		taskID = tracker.NewTaskID()
	}
	sink, err := output.NewDir(a.Config.Output.Dir, feed.Name, a.log)
	if err != nil {
		return datafeed.StatusFailed, err
	}
	return datafeed.Run(ctx, a.Env, feed.Job(taskID, start, end, sink))
}

// Schedule runs every feed that has a schedule until ctx is done, serving
// metrics while it waits.
func (a *App) Schedule(ctx context.Context) error {
	cl := cronLogger{a.log}
	c := cron.New(
		cron.WithParser(config.ScheduleParser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)

	scheduled := 0
	for _, feed := range a.Config.Feeds {
		if feed.Schedule == "" {
			continue
		}
		name := feed.Name
		if _, err := c.AddFunc(feed.Schedule, func() {
			status, err := a.RunFeed(ctx, name, "", "", "")
			if err != nil {
				a.log.Error("Scheduled run failed", logger.String("feed", name), logger.Error(err))
				return
			}
			a.log.Info("Scheduled run finished", logger.String("feed", name), logger.String("status", status.String()))
		}); err != nil {
			return fmt.Errorf("schedule feed %s: %w", name, err)
		}
		scheduled++
	}
	if scheduled == 0 {
		return errors.New("no feeds have a schedule")
	}

	server := &http.Server{
		Addr:              a.Config.Metrics.Address,
		Handler:           a.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	c.Start()
	a.log.Info("Scheduler started", logger.Int("feeds", scheduled), logger.String("metrics", a.Config.Metrics.Address))

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	a.log.Info("Stopping scheduler")
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		a.log.Warn("Metrics server shutdown failed", logger.Error(shutdownErr))
	}
	return err
}

func (a *App) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close releases database and Redis connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(fields(keysAndValues), logger.Error(err))...)
}

func fields(keysAndValues []any) []logger.Field {
	out := make([]logger.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, logger.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
