package config

import (
	"fmt"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
//
// Only a handful of fields are applied to a running pipeline; everything else
// is reported in RestartRequired so the operator knows the edit is pending.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SnapshotTimeoutChanged bool
	NewSnapshotTimeout     time.Duration

	SnapshotCooldownChanged bool
	NewSnapshotCooldown     time.Duration

	StatusIntervalChanged bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart, in config order.
	RestartRequired []string
}

// HotReloadable reports whether d carries at least one change that can be
// applied without a restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.SnapshotTimeoutChanged || d.SnapshotCooldownChanged || d.StatusIntervalChanged
}

// Empty reports whether nothing changed at all.
func (d ConfigDiff) Empty() bool {
	return !d.HotReloadable() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Snapshot.Timeout != new.Snapshot.Timeout {
		d.SnapshotTimeoutChanged = true
		d.NewSnapshotTimeout = new.Snapshot.Timeout
	}
	if old.Snapshot.Cooldown != new.Snapshot.Cooldown {
		d.SnapshotCooldownChanged = true
		d.NewSnapshotCooldown = new.Snapshot.Cooldown
	}
	d.StatusIntervalChanged = old.Server.StatusInterval != new.Server.StatusInterval

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server", old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.ShutdownTimeout != new.Server.ShutdownTimeout ||
		!tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("source", old.Source != new.Source)
	restart("queue", old.Queue != new.Queue)
	restart("detection", !detectionEqual(old.Detection, new.Detection))
	restart("snapshot", old.Snapshot.MaxDimension != new.Snapshot.MaxDimension ||
		old.Snapshot.JPEGQuality != new.Snapshot.JPEGQuality ||
		old.Snapshot.SystemPrompt != new.Snapshot.SystemPrompt)
	restart("providers", !providersEqual(old.Providers, new.Providers))
	restart("sinks", !sinksEqual(old.Sinks, new.Sinks))
	restart("archive", !archiveEqual(old.Archive, new.Archive))
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func detectionEqual(a, b DetectionConfig) bool {
	return a.Workers == b.Workers &&
		a.Timeout == b.Timeout &&
		a.ShutdownTimeout == b.ShutdownTimeout &&
		a.DegradedAfter == b.DegradedAfter &&
		a.MinConfidence == b.MinConfidence &&
		slices.Equal(a.Labels, b.Labels)
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.Detector, b.Detector) &&
		entryEqual(a.VLM, b.VLM) &&
		entryEqual(a.STT, b.STT) &&
		slices.EqualFunc(a.VLMFallbacks, b.VLMFallbacks, entryEqual) &&
		slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, entryEqual)
}

// entryEqual compares provider entries. Options are compared by key set and
// formatted value, which is enough for YAML scalars.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !scalarEqual(av, bv) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func sinksEqual(a, b SinksConfig) bool {
	return ptrEqual(a.Log, b.Log) &&
		ptrEqual(a.Redis, b.Redis) &&
		ptrEqual(a.Postgres, b.Postgres) &&
		wsEqual(a.WebSocket, b.WebSocket)
}

func wsEqual(a, b *WebSocketSinkConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Buffer == b.Buffer && slices.Equal(a.OriginPatterns, b.OriginPatterns)
}

func archiveEqual(a, b ArchiveConfig) bool {
	return ptrEqual(a.Local, b.Local) && ptrEqual(a.MinIO, b.MinIO)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
