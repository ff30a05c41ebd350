package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/courier/internal/config"
	"github.com/nuetzliches/courier/internal/processor"
)

const watchDebounce = 200 * time.Millisecond

// tuner is the part of the client that accepts live config changes.
type tuner interface {
	SetIntervals(i processor.Intervals)
	NetworkChanged(n processor.Network)
}

// reloader re-reads the config file and applies the keys that can change
// without a restart: log level, tick intervals and network quality.
type reloader struct {
	path     string
	levelVar *slog.LevelVar
	target   tuner
	logger   *slog.Logger

	mu      sync.Mutex
	running *config.Config
}

func newReloader(path string, running *config.Config, levelVar *slog.LevelVar, target tuner, logger *slog.Logger) *reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &reloader{
		path:     path,
		levelVar: levelVar,
		target:   target,
		logger:   logger,
		running:  running,
	}
}

func (r *reloader) reload(trigger string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := config.Load(r.path)
	if err != nil {
		r.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return false
	}
	res := config.Validate(cfg)
	if !res.OK {
		r.logger.Error("config_reload_failed", slog.String("error", config.FormatValidationText(res)), slog.String("trigger", trigger))
		return false
	}
	if restart := restartRequiredKeys(r.running, cfg); len(restart) > 0 {
		r.logger.Warn("config_reload_restart_required", slog.Any("keys", restart), slog.String("trigger", trigger))
	}

	if r.levelVar != nil {
		if lvl, err := parseLogLevel(cfg.Observability.LogLevel); err == nil {
			r.levelVar.Set(lvl)
		}
	}
	if r.target != nil {
		r.target.SetIntervals(intervalsFromConfig(cfg.Processor))
		if cfg.Processor.Network != r.running.Processor.Network {
			if n, err := processor.ParseNetwork(cfg.Processor.Network); err == nil {
				r.target.NetworkChanged(n)
			}
		}
	}

	// Keys that need a restart keep their running values.
	applied := *r.running
	applied.Observability.LogLevel = cfg.Observability.LogLevel
	applied.Processor = cfg.Processor
	r.running = &applied

	r.logger.Info("config_reloaded", slog.String("trigger", trigger))
	return true
}

func intervalsFromConfig(pc config.ProcessorConfig) processor.Intervals {
	return processor.Intervals{
		Wifi:     pc.WifiInterval.Std(),
		Cellular: pc.CellularInterval.Std(),
	}
}

func restartRequiredKeys(running, next *config.Config) []string {
	var keys []string
	check := func(key string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			keys = append(keys, key)
		}
	}
	check("account_key", running.AccountKey, next.AccountKey)
	check("api", running.API, next.API)
	check("transport", running.Transport, next.Transport)
	check("kafka", running.Kafka, next.Kafka)
	check("storage", running.Storage, next.Storage)
	check("queue", running.Queue, next.Queue)
	check("retry", running.Retry, next.Retry)
	check("control", running.Control, next.Control)
	check("observability.log_output", running.Observability.LogOutput, next.Observability.LogOutput)
	check("observability.log_path", running.Observability.LogPath, next.Observability.LogPath)
	check("observability.metrics_listen", running.Observability.MetricsListen, next.Observability.MetricsListen)
	check("observability.tracing", running.Observability.Tracing, next.Observability.Tracing)
	return keys
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	// Watch the directory so atomic rename-over writes are seen.
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("watching_config", slog.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(watchDebounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
