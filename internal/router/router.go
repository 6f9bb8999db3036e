// Package router is the dispatch core: it filters inbound events, suppresses
// duplicate deliveries, normalizes the body, resolves media once, and fans
// the result out to every destination whose routing label matches.
package router

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/destination"
	"crosspost/internal/feed"
	"crosspost/internal/media"
	"crosspost/internal/message"
	"crosspost/internal/metrics"
	"crosspost/internal/runtime/supervisor"
	"crosspost/pkg/logx"
)

// Target binds a destination to its routing label. An empty Timeline means
// the shared default label applies.
type Target struct {
	Dest     destination.Destination
	Timeline string
}

type Config struct {
	// Signer is the only identity whose events are republished.
	Signer string
	// DefaultTimeline is the routing label targets without an override use.
	DefaultTimeline string
}

type Router struct {
	cfg      Config
	resolver feed.Resolver
	pipeline *media.Pipeline
	sup      *supervisor.Supervisor
	log      logx.Logger

	mu      sync.Mutex
	targets []Target
	lastID  string
}

func New(cfg Config, resolver feed.Resolver, pipeline *media.Pipeline, targets []Target, sup *supervisor.Supervisor, log logx.Logger) *Router {
	return &Router{
		cfg:      cfg,
		resolver: resolver,
		pipeline: pipeline,
		targets:  targets,
		sup:      sup,
		log:      log,
	}
}

// SetSupervisor attaches the supervisor dispatches run under. Must be called
// before the first OnEvent when the router was built without one.
func (r *Router) SetSupervisor(sup *supervisor.Supervisor) { r.sup = sup }

func (r *Router) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets
}

// SetTargets swaps the live target set. In-flight dispatches keep the set
// they matched against.
func (r *Router) SetTargets(targets []Target) {
	r.mu.Lock()
	r.targets = targets
	r.mu.Unlock()
}

// OnEvent filters one inbound event and, when it passes, hands the dispatch
// chain to a supervised goroutine. The duplicate check and its update are
// synchronous so concurrent deliveries of the same event cannot race past it.
func (r *Router) OnEvent(ev feed.Event) {
	metrics.EventsReceived.Inc()

	if ev.Schema != feed.SchemaMarkdown && ev.Schema != feed.SchemaMedia {
		metrics.EventsSkipped.WithLabelValues("schema").Inc()
		return
	}
	if ev.Signer != r.cfg.Signer {
		metrics.EventsSkipped.WithLabelValues("signer").Inc()
		return
	}

	r.mu.Lock()
	if ev.ID == r.lastID {
		r.mu.Unlock()
		metrics.EventsSkipped.WithLabelValues("duplicate").Inc()
		r.log.Debug("duplicate delivery suppressed", logx.String("event", ev.ID))
		return
	}
	r.lastID = ev.ID
	r.mu.Unlock()

	targets := r.matchTargets(ev.Timelines)
	if len(targets) == 0 {
		metrics.EventsSkipped.WithLabelValues("timeline").Inc()
		return
	}

	dispatchID := uuid.NewString()
	r.sup.Go0("dispatch-"+dispatchID[:8], func(ctx context.Context) {
		r.dispatch(ctx, dispatchID, ev, targets)
	})
}

// matchTargets returns the targets whose routing label is among the event's
// timelines, falling back to the shared default label for targets without
// an override.
func (r *Router) matchTargets(timelines []string) []Target {
	r.mu.Lock()
	targets := r.targets
	r.mu.Unlock()

	var out []Target
	for _, t := range targets {
		label := t.Timeline
		if label == "" {
			label = r.cfg.DefaultTimeline
		}
		if slices.Contains(timelines, label) {
			out = append(out, t)
		}
	}
	return out
}

func (r *Router) dispatch(ctx context.Context, dispatchID string, ev feed.Event, targets []Target) {
	body := ev.Body
	if body == "" && r.resolver != nil {
		full, err := r.resolver.Resolve(ctx, ev.ID)
		if err != nil {
			r.log.Error("event body fetch failed",
				logx.String("event", ev.ID), logx.Err(err))
			return
		}
		body = full.Body
		if len(ev.Media) == 0 {
			ev.Media = full.Media
		}
	}

	post := message.Extract(body)
	post.Media = append(post.Media, inlineRefs(ev.Media)...)

	if post.Text == "" && len(post.Media) == 0 {
		metrics.EventsSkipped.WithLabelValues("empty").Inc()
		return
	}

	log := r.log.With(
		logx.String("event", ev.ID),
		logx.String("dispatch", dispatchID))
	log.Info("dispatching event",
		logx.Int("media", len(post.Media)),
		logx.Int("destinations", len(targets)))

	// Resolve media once; every destination reads the same immutable assets.
	assets := r.pipeline.Resolve(ctx, post.Media)

	payload := destination.Payload{
		EventID: ev.ID,
		Text:    post.Text,
		URLs:    post.URLs,
		Assets:  assets,
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(dest destination.Destination) {
			defer wg.Done()
			start := time.Now()
			err := dest.Publish(ctx, payload)
			metrics.PublishDuration.WithLabelValues(dest.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.Publishes.WithLabelValues(dest.Name(), "error").Inc()
				log.Error("publish failed",
					logx.String("destination", dest.Name()),
					logx.Duration("took", time.Since(start)),
					logx.Err(err))
				return
			}
			metrics.Publishes.WithLabelValues(dest.Name(), "ok").Inc()
			log.Info("published",
				logx.String("destination", dest.Name()),
				logx.Duration("took", time.Since(start)))
		}(t.Dest)
	}
	wg.Wait()
}

// inlineRefs converts attached-media descriptors to media references so the
// pipeline treats them like markup-referenced media.
func inlineRefs(inline []feed.InlineMedia) []message.MediaRef {
	var refs []message.MediaRef
	for _, m := range inline {
		if m.URL == "" {
			continue
		}
		kind := message.KindImage
		if strings.HasPrefix(m.Type, "video") {
			kind = message.KindVideo
		}
		refs = append(refs, message.MediaRef{URL: m.URL, Kind: kind, Flag: m.Flag})
	}
	return refs
}
