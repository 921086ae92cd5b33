// Package app wires all terrarover subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the result sinks, the
// snapshot archive, the video pipeline, and the HTTP surface; Run starts the
// pipeline and serves until the context ends or the stream is lost; Shutdown
// tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithSink, WithArchive,
// WithMetrics). Providers always come from the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/terrarover/internal/api"
	"github.com/MrWong99/terrarover/internal/config"
	"github.com/MrWong99/terrarover/internal/detection"
	"github.com/MrWong99/terrarover/internal/health"
	"github.com/MrWong99/terrarover/internal/observe"
	"github.com/MrWong99/terrarover/internal/pipeline"
	"github.com/MrWong99/terrarover/internal/snapshot"
	"github.com/MrWong99/terrarover/internal/source"
	"github.com/MrWong99/terrarover/pkg/archive"
	"github.com/MrWong99/terrarover/pkg/archive/local"
	"github.com/MrWong99/terrarover/pkg/archive/minio"
	"github.com/MrWong99/terrarover/pkg/provider/detect"
	"github.com/MrWong99/terrarover/pkg/provider/stt"
	"github.com/MrWong99/terrarover/pkg/provider/vlm"
	"github.com/MrWong99/terrarover/pkg/sink"
	"github.com/MrWong99/terrarover/pkg/sink/postgres"
	"github.com/MrWong99/terrarover/pkg/sink/redis"
	"github.com/MrWong99/terrarover/pkg/sink/websocket"
	"github.com/MrWong99/terrarover/pkg/video"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry. STT may be nil.
type Providers struct {
	Video    video.Dialer
	Detector detect.Provider
	VLM      vlm.Provider
	STT      stt.Provider
}

// healthReporter is implemented by fallback groups.
type healthReporter interface {
	Healthy() bool
}

// pinger is implemented by networked sinks and archives.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	level     *slog.LevelVar
	metrics   *observe.Metrics

	sinks    sink.Multi
	hub      *websocket.Hub
	archives archive.Multi
	pinged   map[string]pinger

	pipeline *pipeline.Controller
	monitor  *Monitor
	watcher  *config.Watcher
	handler  http.Handler
	scrape   http.Handler
	server   *http.Server

	listenMu sync.Mutex
	addr     net.Addr
	ready    chan struct{}

	// closers run in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSink adds a result sink in addition to the configured ones.
func WithSink(name string, s sink.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, sink.Named{Name: name, Sink: s}) }
}

// WithArchive adds a snapshot store in addition to the configured ones.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archives = append(a.archives, s) }
}

// WithMetrics sets the metrics instance. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics. Default is the Prometheus default
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets hot reload change the log level of the handler built on
// v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithWatcher polls the config file behind w and applies hot-reloadable
// changes while the app runs.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Sinks and archives
// that talk to the network are connected here, so New fails fast on a wrong
// DSN or bucket.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	switch {
	case providers == nil || providers.Video == nil:
		return nil, errors.New("app: video driver is required")
	case providers.Detector == nil:
		return nil, errors.New("app: detector is required")
	case providers.VLM == nil:
		return nil, errors.New("app: vision model is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		pinged:    make(map[string]pinger),
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	a.level.Set(cfg.Server.LogLevel.Level())

	// ── 1. Result sinks ──────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 2. Snapshot archive ──────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	a.monitor = NewMonitor(a.pipeline, cfg.Server.StatusInterval)

	// Providers with resources are released last.
	for _, p := range []any{providers.Detector, providers.VLM, providers.STT} {
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSinks(ctx context.Context) error {
	sc := a.cfg.Sinks

	if sc.Log != nil {
		a.sinks = append(a.sinks, sink.Named{Name: "log", Sink: sink.Log{SkipEmpty: sc.Log.SkipEmpty}})
	}

	if sc.WebSocket != nil {
		var opts []websocket.Option
		if sc.WebSocket.Buffer > 0 {
			opts = append(opts, websocket.WithBuffer(sc.WebSocket.Buffer))
		}
		if len(sc.WebSocket.OriginPatterns) > 0 {
			opts = append(opts, websocket.WithOriginPatterns(sc.WebSocket.OriginPatterns...))
		}
		a.hub = websocket.NewHub(opts...)
		a.sinks = append(a.sinks, sink.Named{Name: "websocket", Sink: a.hub})
		a.closers = append(a.closers, a.hub.Close)
	}

	if rc := sc.Redis; rc != nil {
		s, err := redis.New(ctx, redis.Config{
			Addr:      rc.Addr,
			Username:  rc.Username,
			Password:  rc.Password,
			DB:        rc.DB,
			Channel:   rc.Channel,
			LatestKey: rc.LatestKey,
			TTL:       rc.TTL,
		})
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, sink.Named{Name: "redis", Sink: s})
		a.pinged["redis"] = s
		a.closers = append(a.closers, s.Close)
		slog.Info("redis sink connected", "addr", rc.Addr, "channel", s.Channel())
	}

	if pc := sc.Postgres; pc != nil {
		var opts []postgres.Option
		if pc.StoreEmpty {
			opts = append(opts, postgres.WithEmpty())
		}
		s, err := postgres.Open(ctx, pc.DSN, opts...)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		a.sinks = append(a.sinks, sink.Named{Name: "postgres", Sink: s})
		slog.Info("postgres sink connected")
	}
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	ac := a.cfg.Archive

	if ac.Local != nil {
		s, err := local.New(ac.Local.Dir)
		if err != nil {
			return err
		}
		a.archives = append(a.archives, s)
		slog.Info("local snapshot archive enabled", "dir", ac.Local.Dir)
	}

	if mc := ac.MinIO; mc != nil {
		s, err := minio.New(minio.Config{
			Endpoint:  mc.Endpoint,
			AccessKey: mc.AccessKey,
			SecretKey: mc.SecretKey,
			UseSSL:    mc.UseSSL,
			Bucket:    mc.Bucket,
			Region:    mc.Region,
			Prefix:    mc.Prefix,
		})
		if err != nil {
			return err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return err
		}
		a.archives = append(a.archives, s)
		a.pinged["minio"] = s
		slog.Info("object storage archive enabled", "endpoint", mc.Endpoint, "bucket", mc.Bucket)
	}
	return nil
}

func (a *App) initPipeline() error {
	c := a.cfg
	pc := pipeline.Config{
		Source: source.Config{
			Address:                c.Source.Address,
			Dialer:                 a.providers.Video,
			ReconnectDelay:         c.Source.ReconnectDelay,
			MaxReconnectDelay:      c.Source.MaxReconnectDelay,
			MaxRetries:             c.Source.MaxRetries,
			MaxConsecutiveFailures: c.Source.MaxConsecutiveFailures,
			TargetFPS:              c.Source.TargetFPS,
			MinFrameInterval:       c.Source.MinFrameInterval,
		},
		QueueCapacity: c.Queue.Capacity,
		CaptureGrace:  c.Source.CloseGrace,
		Detection: detection.Config{
			Size:            c.Detection.Workers,
			DetectTimeout:   c.Detection.Timeout,
			ShutdownTimeout: c.Detection.ShutdownTimeout,
			DegradedAfter:   c.Detection.DegradedAfter,
			MinConfidence:   c.Detection.MinConfidence,
			Labels:          c.Detection.Labels,
			OnEvent:         logPoolEvent,
		},
		Snapshot: snapshot.Config{
			Timeout:      c.Snapshot.Timeout,
			Cooldown:     c.Snapshot.Cooldown,
			MaxDimension: c.Snapshot.MaxDimension,
			JPEGQuality:  c.Snapshot.JPEGQuality,
			SystemPrompt: c.Snapshot.SystemPrompt,
		},
	}

	opts := []pipeline.Option{pipeline.WithMetrics(a.metrics)}
	if len(a.sinks) > 0 {
		opts = append(opts, pipeline.WithSink(a.sinks))
	}
	if len(a.archives) > 0 {
		opts = append(opts, pipeline.WithArchive(a.archives))
	}
	p, err := pipeline.New(pc, a.providers.Detector, a.providers.VLM, opts...)
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

func logPoolEvent(e detection.Event) {
	switch e.Kind {
	case detection.EventShutdownTimeout:
		slog.Warn("detection workers abandoned on shutdown", "workers", e.Abandoned)
	default:
		slog.Info("detection pool event", "event", e.Kind, "worker", e.Worker, "consecutive", e.Consecutive)
	}
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()

	apiOpts := []api.Option{api.WithMetrics(a.metrics)}
	if a.providers.STT != nil {
		apiOpts = append(apiOpts, api.WithTranscriber(a.providers.STT))
	}
	if a.hub != nil {
		apiOpts = append(apiOpts, api.WithDetectionFeed(a.hub))
	}
	if q := a.cfg.Snapshot.JPEGQuality; q > 0 {
		apiOpts = append(apiOpts, api.WithFrameQuality(q))
	}
	api.New(a.pipeline, apiOpts...).Register(mux)

	health.New(a.checkers()...).Register(mux)
	mux.Handle("GET /metrics", a.scrape)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// checkers builds the readiness probes. The video path is critical; model
// backends and storage only degrade readiness.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		health.Critical("pipeline", func(context.Context) error {
			if a.pipeline.Terminated() {
				if err := a.pipeline.Err(); err != nil {
					return err
				}
				return errors.New("pipeline stopped")
			}
			return nil
		}),
		health.Critical("source", func(context.Context) error {
			switch st := a.pipeline.SourceState(); st {
			case source.StateStreaming, source.StateDegraded:
				return nil
			default:
				return fmt.Errorf("source is %s", st)
			}
		}),
	}
	if h, ok := a.providers.VLM.(healthReporter); ok {
		cs = append(cs, health.Optional("vlm", func(context.Context) error {
			if !h.Healthy() {
				return errors.New("all vision backends unavailable")
			}
			return nil
		}))
	}
	if h, ok := a.providers.STT.(healthReporter); ok {
		cs = append(cs, health.Optional("stt", func(context.Context) error {
			if !h.Healthy() {
				return errors.New("all transcription backends unavailable")
			}
			return nil
		}))
	}
	for name, p := range a.pinged {
		cs = append(cs, health.Optional(name, p.Ping))
	}
	return cs
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.handler }

// Pipeline returns the video pipeline.
func (a *App) Pipeline() *pipeline.Controller { return a.pipeline }

// Addr blocks until the HTTP listener is bound and returns its address, or
// returns nil when ctx ends first.
func (a *App) Addr(ctx context.Context) net.Addr {
	select {
	case <-a.ready:
		a.listenMu.Lock()
		defer a.listenMu.Unlock()
		return a.addr
	case <-ctx.Done():
		return nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the pipeline and serves HTTP until ctx is cancelled or the
// pipeline terminates. A lost video stream is returned as the
// [*source.FatalStreamError] that ended it; cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.listenMu.Lock()
	a.addr = ln.Addr()
	a.listenMu.Unlock()
	close(a.ready)

	if err := a.pipeline.Start(ctx); err != nil {
		ln.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.pipeline.Done():
			return a.pipeline.Err()
		}
	})

	g.Go(func() error { return a.monitor.Run(gctx) })

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	return g.Wait()
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return config.DefaultShutdownTimeout
}

// ApplyConfig applies the hot-reloadable part of d. It matches the
// [config.Watcher] callback signature.
func (a *App) ApplyConfig(_, new *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SnapshotTimeoutChanged {
		a.pipeline.Snapshot().SetTimeout(d.NewSnapshotTimeout)
		slog.Info("snapshot timeout changed", "timeout", d.NewSnapshotTimeout)
	}
	if d.SnapshotCooldownChanged {
		a.pipeline.Snapshot().SetCooldown(d.NewSnapshotCooldown)
		slog.Info("snapshot cooldown changed", "cooldown", d.NewSnapshotCooldown)
	}
	if d.StatusIntervalChanged {
		a.monitor.SetInterval(new.Server.StatusInterval)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and the pipeline, then releases sinks,
// storage, and providers. It respects the ctx deadline: once ctx expires the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.pipeline.Stop(ctx); err != nil {
			errs = append(errs, err)
		}

		for i, closer := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// closeAll releases whatever New managed to open before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Debug("close after failed init", "err", err)
		}
	}
}
