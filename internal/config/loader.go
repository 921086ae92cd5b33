package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] to unset fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultStatusInterval  = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultSourceDriver    = "gocv"
	DefaultServiceName     = "terrarover"
)

// ValidProviderNames lists the built-in provider names per kind. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"detector": {"gocv-dnn"},
	"vlm":      {"openai", "openai-compatible"},
	"stt":      {"whisper", "whisper-native", "openai"},
	"video":    {"gocv"},
}

// envRef matches ${NAME} and ${NAME:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
		slog.Debug("loaded env file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes the YAML in r, applies
// defaults, and validates the result. Unknown keys are an error.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} with the value of the environment variable NAME
// and ${NAME:-fallback} with fallback when NAME is unset or empty. A bare $
// is left alone so passwords containing it survive.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		sub := envRef.FindStringSubmatch(m)
		if v := os.Getenv(sub[1]); v != "" {
			return v
		}
		return sub[2]
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.StatusInterval == 0 {
		cfg.Server.StatusInterval = DefaultStatusInterval
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Source.Driver == "" {
		cfg.Source.Driver = DefaultSourceDriver
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	nonNegative := func(field string, d time.Duration) {
		if d < 0 {
			bad("%s %s must not be negative", field, d)
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		bad("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	nonNegative("server.status_interval", cfg.Server.StatusInterval)
	nonNegative("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		bad("server.tls requires both cert_file and key_file")
	}

	// Source
	if cfg.Source.Address == "" {
		bad("source.address is required")
	}
	validateProviderName("video", cfg.Source.Driver)
	nonNegative("source.reconnect_delay", cfg.Source.ReconnectDelay)
	nonNegative("source.max_reconnect_delay", cfg.Source.MaxReconnectDelay)
	nonNegative("source.min_frame_interval", cfg.Source.MinFrameInterval)
	nonNegative("source.close_grace", cfg.Source.CloseGrace)
	if cfg.Source.MaxRetries < 0 {
		bad("source.max_retries %d must not be negative", cfg.Source.MaxRetries)
	}
	if cfg.Source.MaxConsecutiveFailures < 0 {
		bad("source.max_consecutive_failures %d must not be negative", cfg.Source.MaxConsecutiveFailures)
	}
	if cfg.Source.TargetFPS < 0 {
		bad("source.target_fps %.2f must not be negative", cfg.Source.TargetFPS)
	}
	if cfg.Source.BufferSize < 0 {
		bad("source.buffer_size %d must not be negative", cfg.Source.BufferSize)
	}

	// Queue and detection
	if cfg.Queue.Capacity < 0 {
		bad("queue.capacity %d must not be negative", cfg.Queue.Capacity)
	}
	if cfg.Detection.Workers < 0 {
		bad("detection.workers %d must not be negative", cfg.Detection.Workers)
	}
	if cfg.Detection.DegradedAfter < 0 {
		bad("detection.degraded_after %d must not be negative", cfg.Detection.DegradedAfter)
	}
	nonNegative("detection.timeout", cfg.Detection.Timeout)
	nonNegative("detection.shutdown_timeout", cfg.Detection.ShutdownTimeout)
	if c := cfg.Detection.MinConfidence; c < 0 || c > 1 {
		bad("detection.min_confidence %.2f is out of range [0, 1]", c)
	}

	// Snapshot
	nonNegative("snapshot.timeout", cfg.Snapshot.Timeout)
	nonNegative("snapshot.cooldown", cfg.Snapshot.Cooldown)
	if q := cfg.Snapshot.JPEGQuality; q < 0 || q > 100 {
		bad("snapshot.jpeg_quality %d is out of range [0, 100]", q)
	}
	if cfg.Snapshot.MaxDimension < 0 {
		bad("snapshot.max_dimension %d must not be negative", cfg.Snapshot.MaxDimension)
	}

	// Providers
	if cfg.Providers.Detector.Name == "" {
		bad("providers.detector.name is required")
	}
	if cfg.Providers.VLM.Name == "" {
		bad("providers.vlm.name is required")
	}
	validateProviderName("detector", cfg.Providers.Detector.Name)
	validateProviderName("vlm", cfg.Providers.VLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.VLMFallbacks {
		if fb.Name == "" {
			bad("providers.vlm_fallbacks[%d].name is required", i)
		}
		validateProviderName("vlm", fb.Name)
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			bad("providers.stt_fallbacks[%d].name is required", i)
		}
		validateProviderName("stt", fb.Name)
	}
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		bad("providers.stt_fallbacks requires providers.stt")
	}

	// Sinks
	if r := cfg.Sinks.Redis; r != nil && r.Addr == "" {
		bad("sinks.redis.addr is required")
	}
	if p := cfg.Sinks.Postgres; p != nil && p.DSN == "" {
		bad("sinks.postgres.dsn is required")
	}
	if ws := cfg.Sinks.WebSocket; ws != nil && ws.Buffer < 0 {
		bad("sinks.websocket.buffer %d must not be negative", ws.Buffer)
	}

	// Archive
	if l := cfg.Archive.Local; l != nil && l.Dir == "" {
		bad("archive.local.dir is required")
	}
	if m := cfg.Archive.MinIO; m != nil {
		if m.Endpoint == "" {
			bad("archive.minio.endpoint is required")
		}
		if m.Bucket == "" {
			bad("archive.minio.bucket is required")
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
