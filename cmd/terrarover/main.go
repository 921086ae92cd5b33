// Command terrarover is the main entry point for the rover vision server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/terrarover/internal/app"
	"github.com/MrWong99/terrarover/internal/config"
	"github.com/MrWong99/terrarover/internal/observe"
	"github.com/MrWong99/terrarover/internal/resilience"
	"github.com/MrWong99/terrarover/pkg/provider/detect"
	"github.com/MrWong99/terrarover/pkg/provider/detect/gocvdnn"
	"github.com/MrWong99/terrarover/pkg/provider/stt"
	oastt "github.com/MrWong99/terrarover/pkg/provider/stt/openai"
	"github.com/MrWong99/terrarover/pkg/provider/stt/whisper"
	"github.com/MrWong99/terrarover/pkg/provider/vlm"
	oavlm "github.com/MrWong99/terrarover/pkg/provider/vlm/openai"
	"github.com/MrWong99/terrarover/pkg/provider/vlm/openaicompat"
	"github.com/MrWong99/terrarover/pkg/video"
	"github.com/MrWong99/terrarover/pkg/video/gocv"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config is expanded")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "terrarover: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "terrarover: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "terrarover: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("terrarover starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.Identity{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SourceAddress:  cfg.Source.Address,
		SourceDriver:   cfg.Source.Driver,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	tel.Install()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// The watcher callback needs the app and the app needs the watcher, so
	// the callback resolves the app lazily.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config, d config.ConfigDiff) {
		if application != nil {
			application.ApplyConfig(old, new, d)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}

	application, err = app.New(ctx, cfg, providers,
		app.WithLevelVar(level),
		app.WithWatcher(watcher),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Video ─────────────────────────────────────────────────────────────────

	reg.RegisterVideo("gocv", func(entry config.ProviderEntry) (video.Dialer, error) {
		var opts []gocv.Option
		if n := optInt(entry.Options, "buffer_size"); n > 0 {
			opts = append(opts, gocv.WithBufferSize(n))
		}
		if optBool(entry.Options, "ffmpeg") {
			opts = append(opts, gocv.WithFFmpeg())
		}
		return gocv.New(opts...), nil
	})

	// ── Detector ──────────────────────────────────────────────────────────────

	reg.RegisterDetector("gocv-dnn", func(entry config.ProviderEntry) (detect.Provider, error) {
		var opts []gocvdnn.Option
		if path := optString(entry.Options, "labels_file"); path != "" {
			labels, err := gocvdnn.LoadLabels(path)
			if err != nil {
				return nil, err
			}
			opts = append(opts, gocvdnn.WithLabels(labels))
		}
		if n := optInt(entry.Options, "input_size"); n > 0 {
			opts = append(opts, gocvdnn.WithInputSize(n))
		}
		if n := optInt(entry.Options, "replicas"); n > 0 {
			opts = append(opts, gocvdnn.WithReplicas(n))
		}
		if v, ok := optFloat(entry.Options, "scale"); ok {
			opts = append(opts, gocvdnn.WithScale(v))
		}
		if v, ok := optFloat(entry.Options, "mean"); ok {
			opts = append(opts, gocvdnn.WithMean(v))
		}
		if v, ok := optFloat(entry.Options, "confidence"); ok {
			opts = append(opts, gocvdnn.WithConfidence(v))
		}
		return gocvdnn.New(entry.Model, optString(entry.Options, "config"), opts...)
	})

	// ── VLM ───────────────────────────────────────────────────────────────────

	reg.RegisterVLM("openai", func(entry config.ProviderEntry) (vlm.Provider, error) {
		var opts []oavlm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oavlm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oavlm.WithOrganization(org))
		}
		if detail := optString(entry.Options, "detail"); detail != "" {
			opts = append(opts, oavlm.WithDetail(detail))
		}
		if n := optInt(entry.Options, "max_tokens"); n > 0 {
			opts = append(opts, oavlm.WithMaxTokens(n))
		}
		return oavlm.New(entry.APIKey, entry.Model, opts...)
	})

	// Self-hosted servers speaking the chat completions dialect (vLLM,
	// llama.cpp, Ollama).
	reg.RegisterVLM("openai-compatible", func(entry config.ProviderEntry) (vlm.Provider, error) {
		var opts []openaicompat.Option
		if n := optInt(entry.Options, "max_tokens"); n > 0 {
			opts = append(opts, openaicompat.WithMaxTokens(n))
		}
		if v, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, openaicompat.WithTemperature(float32(v)))
		}
		return openaicompat.New(entry.BaseURL, entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "concurrency"); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oastt.WithPrompt(prompt))
		}
		return oastt.New(entry.APIKey, opts...), nil
	})

	for _, kind := range []string{"video", "detector", "vlm", "stt"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg. Fallback entries
// are chained behind the primary with a circuit breaker each.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	videoEntry := config.ProviderEntry{
		Name: cfg.Source.Driver,
		Options: map[string]any{
			"buffer_size": cfg.Source.BufferSize,
			"ffmpeg":      cfg.Source.FFmpeg,
		},
	}
	d, err := reg.CreateVideo(videoEntry)
	if err != nil {
		return nil, fmt.Errorf("create video driver %q: %w", videoEntry.Name, err)
	}
	ps.Video = d
	slog.Info("provider created", "kind", "video", "name", videoEntry.Name)

	det, err := reg.CreateDetector(cfg.Providers.Detector)
	if err != nil {
		return nil, fmt.Errorf("create detector %q: %w", cfg.Providers.Detector.Name, err)
	}
	ps.Detector = det
	slog.Info("provider created", "kind", "detector", "name", cfg.Providers.Detector.Name)

	model, err := reg.CreateVLM(cfg.Providers.VLM)
	if err != nil {
		return nil, fmt.Errorf("create vlm %q: %w", cfg.Providers.VLM.Name, err)
	}
	slog.Info("provider created", "kind", "vlm", "name", cfg.Providers.VLM.Name)
	if len(cfg.Providers.VLMFallbacks) == 0 {
		ps.VLM = model
	} else {
		fb := resilience.NewVLMFallback(model, cfg.Providers.VLM.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.VLMFallbacks {
			p, err := reg.CreateVLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create vlm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.VLM = fb
		slog.Info("vlm fallbacks enabled", "order", fallbackNames(cfg.Providers.VLM, cfg.Providers.VLMFallbacks))
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "stt", "name", name)
		if len(cfg.Providers.STTFallbacks) == 0 {
			ps.STT = p
		} else {
			fb := resilience.NewSTTFallback(p, name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.STTFallbacks {
				f, err := reg.CreateSTT(entry)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, f)
			}
			ps.STT = fb
			slog.Info("stt fallbacks enabled", "order", fallbackNames(cfg.Providers.STT, cfg.Providers.STTFallbacks))
		}
	}

	return ps, nil
}

func fallbackNames(primary config.ProviderEntry, rest []config.ProviderEntry) string {
	names := []string{primary.Name}
	for _, e := range rest {
		names = append(names, e.Name)
	}
	return strings.Join(names, " → ")
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       terrarover startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Video", cfg.Source.Driver)
	printRow("Detector", withModel(cfg.Providers.Detector))
	printRow("VLM", withModel(cfg.Providers.VLM))
	printRow("STT", withModel(cfg.Providers.STT))
	printRow("Workers", fmt.Sprint(cfg.Detection.Workers))
	printRow("Queue", fmt.Sprint(cfg.Queue.Capacity))
	printRow("Sinks", enabledSinks(cfg))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func withModel(e config.ProviderEntry) string {
	if e.Name == "" || e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func enabledSinks(cfg *config.Config) string {
	var names []string
	s := cfg.Sinks
	if s.Log != nil {
		names = append(names, "log")
	}
	if s.WebSocket != nil {
		names = append(names, "ws")
	}
	if s.Redis != nil {
		names = append(names, "redis")
	}
	if s.Postgres != nil {
		names = append(names, "pg")
	}
	return strings.Join(names, ",")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt accepts the integer shapes YAML decoding produces.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}
