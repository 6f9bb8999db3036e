package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"crosspost/internal/alert"
	"crosspost/internal/config"
	"crosspost/internal/destination"
	"crosspost/internal/destination/container"
	"crosspost/internal/destination/direct"
	"crosspost/internal/destination/jobqueue"
	"crosspost/internal/destination/multicast"
	"crosspost/internal/feed"
	"crosspost/internal/linkpreview"
	"crosspost/internal/media"
	"crosspost/internal/metrics"
	"crosspost/internal/platform/atrepo"
	"crosspost/internal/platform/graph"
	"crosspost/internal/platform/hook"
	"crosspost/internal/platform/relay"
	"crosspost/internal/router"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/statestore"
	logx "crosspost/pkg/logx"
)

// App wires the feed, the media pipeline, and the enabled destinations into
// one supervised process.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  statestore.Store
	source *feed.StreamSource
	router *router.Router

	// cont is written only by New and the config.reload goroutine; the
	// refresh job captures its own destination and never reads the field.
	cont *container.Destination

	// cronMu guards cron swaps between the reload goroutine and Stop.
	cronMu sync.Mutex
	cron   *cron.Cron

	events chan feed.Event
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	// Logging first. The alert sink needs a working sender before it is
	// enabled, so bootstrap with it off and Apply() the final config after
	// the sender is attached.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)
	log = log.With(logx.String("comp", "app"))

	if cfg.Alert != nil && strings.TrimSpace(cfg.Alert.Token) != "" {
		sender, err := alert.New(*cfg.Alert)
		if err != nil {
			log.Warn("alert channel unavailable", logx.Err(err))
		} else {
			logSvc.SetSender(sender)
			logSvc.Apply(logCfg)
		}
	}

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		events: make(chan feed.Event, 64),
	}

	// Auth-state store (optional).
	if cfg.State != nil {
		busy, err := config.ParseDurationOrDefault("state.busy_timeout", cfg.State.BusyTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		store, err := statestore.Open(statestore.Config{
			Driver:      cfg.State.Driver,
			Path:        cfg.State.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "statestore")))
		if err != nil {
			return nil, err
		}
		a.store = store
		if store != nil {
			log.Info("state store enabled", logx.String("driver", cfg.State.Driver))
		}
	}

	pipeline, err := mapMediaPipeline(cfg, log.With(logx.String("comp", "media")))
	if err != nil {
		return nil, err
	}

	readTimeout, err := config.ParseDurationOrDefault("feed.read_timeout", cfg.Feed.ReadTimeout, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	source, err := feed.NewStreamSource(feed.StreamConfig{
		URL:         cfg.Feed.StreamURL,
		ReadTimeout: readTimeout,
	}, log.With(logx.String("comp", "stream")))
	if err != nil {
		return nil, err
	}
	a.source = source

	var resolver feed.Resolver
	if strings.TrimSpace(cfg.Feed.APIBase) != "" {
		resolver = feed.NewHTTPResolver(cfg.Feed.APIBase, 30*time.Second)
	}

	targets, err := a.buildTargets(cfg, log)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no destinations enabled")
	}

	a.router = router.New(router.Config{
		Signer:          cfg.Feed.Signer,
		DefaultTimeline: cfg.Feed.Timeline,
	}, resolver, pipeline, targets, nil, log.With(logx.String("comp", "router")))

	return a, nil
}

// buildTargets constructs the enabled destinations in a fixed order. A
// destination's Timeline override falls back to the shared default inside
// the router.
func (a *App) buildTargets(cfg *config.Config, log logx.Logger) ([]router.Target, error) {
	var targets []router.Target
	add := func(d destination.Destination, timeline string) {
		targets = append(targets, router.Target{Dest: d, Timeline: timeline})
	}

	if c := cfg.Destinations.Direct; c != nil && c.Enabled {
		api := direct.NewClient(c.APIBase, c.AccessToken, 0)
		d := direct.New(api, hook.NewClient(0), c.WebhookURL, c.WebhookImageURL,
			log.With(logx.String("comp", "direct")))
		add(d, c.Timeline)
	}

	if c := cfg.Destinations.Container; c != nil && c.Enabled {
		base := c.APIBase
		if base == "" {
			base = "https://graph.threads.net/v1.0"
		}
		client := graph.NewClient(base, c.AccessToken, 0)
		d := container.New(client, a.store, log.With(logx.String("comp", "container")))
		a.cont = d
		add(d, c.Timeline)
	}

	if c := cfg.Destinations.JobQueue; c != nil && c.Enabled {
		transcode := c.TranscodeURL
		if transcode == "" {
			transcode = "https://video.bsky.app"
		}
		client := atrepo.NewClient(c.Service, transcode, 0)
		previews := linkpreview.NewFetcher(30*time.Second, log.With(logx.String("comp", "linkpreview")))
		langs := c.Langs
		if len(langs) == 0 {
			langs = []string{"ja"}
		}
		d := jobqueue.New(client, previews, langs, log.With(logx.String("comp", "jobqueue")))
		add(d, c.Timeline)
	}

	if c := cfg.Destinations.Multicast; c != nil && c.Enabled {
		rate := float64(c.RatePerSec)
		d := multicast.New(relay.NewClient(c.SigningKey, 0), c.Endpoints, rate,
			log.With(logx.String("comp", "multicast")))
		add(d, c.Timeline)
	}

	return targets, nil
}

// Done is closed when the supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.router.SetSupervisor(a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	// Destinations with sessions authenticate before the stream opens so a
	// bad credential fails the start instead of every dispatch.
	if a.cont != nil {
		if err := a.cont.Init(a.sup.Context()); err != nil {
			return err
		}
		if err := a.scheduleRefresh(cfg, a.cont); err != nil {
			return err
		}
	}
	if c := cfg.Destinations.JobQueue; c != nil && c.Enabled {
		if err := loginJobQueue(a.sup.Context(), a.router.Targets(), c); err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		a.sup.Go("metrics", func(c context.Context) error {
			return metrics.Serve(c, addr, a.log.With(logx.String("comp", "metrics")))
		})
	}

	started := false
	a.sup.GoRestart("feed.stream", func(c context.Context) error {
		if started {
			metrics.StreamReconnects.Inc()
		}
		started = true
		return a.source.Start(c, a.events)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithStopOnCleanExit(false))

	a.sup.Go0("feed.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-a.events:
				if !ok {
					return
				}
				a.router.OnEvent(ev)
			}
		}
	})

	a.watchConfig()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notifySystemd()
	a.log.Info("started",
		logx.String("signer", cfg.Feed.Signer),
		logx.Int("destinations", len(a.router.Targets())))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.stopRefresh()
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = a.logs.Close()
	return err
}

// scheduleRefresh installs the cron job rotating the container access token,
// replacing any previous schedule. The job captures cont so a later reload
// swapping the destination fields can never yank it out from under a fire.
func (a *App) scheduleRefresh(cfg *config.Config, cont *container.Destination) error {
	spec := "0 4 * * *"
	if c := cfg.Destinations.Container; c != nil && strings.TrimSpace(c.RefreshSchedule) != "" {
		spec = strings.TrimSpace(c.RefreshSchedule)
	}
	next := cron.New()
	_, err := next.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		if err := cont.RefreshToken(ctx); err != nil {
			a.log.Error("scheduled token refresh failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("refresh schedule: %w", err)
	}

	a.cronMu.Lock()
	if a.cron != nil {
		a.cron.Stop()
	}
	a.cron = next
	a.cronMu.Unlock()

	next.Start()
	a.log.Info("token refresh scheduled", logx.String("spec", spec))
	return nil
}

func (a *App) stopRefresh() {
	a.cronMu.Lock()
	if a.cron != nil {
		a.cron.Stop()
		a.cron = nil
	}
	a.cronMu.Unlock()
}

func loginJobQueue(ctx context.Context, targets []router.Target, c *config.JobQueueConfig) error {
	for _, t := range targets {
		d, ok := t.Dest.(*jobqueue.Destination)
		if !ok {
			continue
		}
		if err := d.Login(ctx, c.Identifier, c.AppPassword); err != nil {
			return fmt.Errorf("jobqueue login: %w", err)
		}
		return nil
	}
	return nil
}

// watchConfig applies hot-reloadable settings (logging, destination set) and
// warns about the rest. Feed, state, and metrics changes need a restart.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				sections, attrs := config.SummarizeChange(last, next)
				if len(sections) == 0 {
					a.log.Debug("config reload: no effective changes")
					last = next
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)

				a.logs.Apply(mapLogConfig(next))
				for _, s := range sections {
					switch s {
					case "logging", "alert":
					case "destinations":
						a.applyDestinations(c, next)
					default:
						a.log.Warn("config section needs a restart to apply", logx.String("section", s))
					}
				}
				last = next
			}
		}
	})
}

// applyDestinations rebuilds the target set from a reloaded config so enable
// flags and timeline overrides take effect without a restart. Destinations
// needing a session authenticate before they are swapped in; a failed init
// drops only that destination and keeps the previous token refresh schedule.
func (a *App) applyDestinations(ctx context.Context, cfg *config.Config) {
	prevCont := a.cont
	a.cont = nil
	targets, err := a.buildTargets(cfg, a.log)
	if err != nil || len(targets) == 0 {
		a.log.Warn("destination reload rejected; keeping previous set", logx.Err(err))
		a.cont = prevCont
		return
	}

	initCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	// The previous refresh schedule keeps running (its job captured the old
	// destination) until the replacement is installed or the container is
	// disabled, so no fire can hit a half-swapped state.
	if a.cont != nil {
		if err := a.cont.Init(initCtx); err != nil {
			a.log.Error("container init failed on reload; destination dropped", logx.Err(err))
			targets = dropTarget(targets, a.cont)
			a.cont = prevCont
		} else if err := a.scheduleRefresh(cfg, a.cont); err != nil {
			a.log.Error("token refresh reschedule failed", logx.Err(err))
		}
	} else if prevCont != nil {
		a.stopRefresh()
	}

	if c := cfg.Destinations.JobQueue; c != nil && c.Enabled {
		if err := loginJobQueue(initCtx, targets, c); err != nil {
			a.log.Error("jobqueue login failed on reload; destination dropped", logx.Err(err))
			targets = dropJobQueue(targets)
		}
	}

	if len(targets) == 0 {
		a.log.Warn("destination reload left no usable targets; keeping previous set")
		return
	}
	a.router.SetTargets(targets)
	a.log.Info("destinations reloaded", logx.Int("targets", len(targets)))
}

func dropTarget(targets []router.Target, dest destination.Destination) []router.Target {
	out := targets[:0]
	for _, t := range targets {
		if t.Dest != dest {
			out = append(out, t)
		}
	}
	return out
}

func dropJobQueue(targets []router.Target) []router.Target {
	out := targets[:0]
	for _, t := range targets {
		if _, ok := t.Dest.(*jobqueue.Destination); !ok {
			out = append(out, t)
		}
	}
	return out
}

func (a *App) notifySystemd() {
	if ack, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ack {
		a.log.Debug("sd_notify ready sent")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapMediaPipeline(cfg *config.Config, log logx.Logger) (*media.Pipeline, error) {
	fetchTimeout, err := config.ParseDurationOrDefault("media.fetch_timeout", cfg.Media.FetchTimeout, 60*time.Second)
	if err != nil {
		return nil, err
	}
	opts := media.Options{
		MaxImageBytes: cfg.Media.MaxImageBytes,
		MaxImageWidth: cfg.Media.MaxImageWidth,
		FetchTimeout:  fetchTimeout,
	}
	if asp := strings.TrimSpace(cfg.Media.DefaultAspect); asp != "" {
		var w, h int
		if _, err := fmt.Sscanf(asp, "%d:%d", &w, &h); err != nil || w <= 0 || h <= 0 {
			return nil, fmt.Errorf("media.default_aspect: invalid %q", asp)
		}
		opts.DefaultAspectW, opts.DefaultAspectH = w, h
	}
	return media.NewPipeline(opts, log), nil
}
