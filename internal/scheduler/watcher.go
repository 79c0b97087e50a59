package scheduler

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
)

// Watcher hot-reloads the cron file. Inotify events catch in-place edits;
// an mtime poll catches editors that replace the file and filesystems
// without inotify. Bursts collapse behind a debounce window.
type Watcher struct {
	cfg    config.SchedulerConfig
	log    *logger.Logger
	reload func(*CronFile) error

	mu        sync.Mutex
	lastMtime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher that invokes reload with each successfully
// parsed cron file.
func NewWatcher(cfg config.SchedulerConfig, reload func(*CronFile) error, log *logger.Logger) *Watcher {
	return &Watcher{
		cfg:    cfg,
		log:    log,
		reload: reload,
		stopCh: make(chan struct{}),
	}
}

// Start begins watching. The inotify watch is best-effort; polling always
// runs.
func (w *Watcher) Start() error {
	if st, err := os.Stat(w.cfg.ConfigPath); err == nil {
		w.lastMtime = st.ModTime()
	}

	var fsw *fsnotify.Watcher
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("Inotify unavailable, falling back to polling only",
			zap.String("component", "cron_watcher"),
			zap.Error(err))
		fsw = nil
	} else if err := fsw.Add(w.cfg.ConfigPath); err != nil {
		w.log.Warn("Failed to watch cron config, falling back to polling only",
			zap.String("component", "cron_watcher"),
			zap.String("path", w.cfg.ConfigPath),
			zap.Error(err))
		fsw.Close()
		fsw = nil
	}

	w.wg.Add(1)
	go w.loop(fsw)

	w.log.Info("Cron config watcher started",
		zap.String("component", "cron_watcher"),
		zap.String("path", w.cfg.ConfigPath))
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	if fsw != nil {
		defer fsw.Close()
	}

	pollInterval := w.cfg.PollInterval()
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	// A nil channel blocks forever, so a missing inotify watch degrades to
	// polling without a special case below.
	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if fsw != nil {
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	trigger := func() {
		if debounce != nil {
			debounce.Stop()
		}
		d := w.cfg.Debounce()
		if d <= 0 {
			d = 100 * time.Millisecond
		}
		debounce = time.NewTimer(d)
		debounceCh = debounce.C
	}

	for {
		select {
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				trigger()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.log.Warn("Inotify error",
				zap.String("component", "cron_watcher"),
				zap.Error(err))
		case <-poll.C:
			if w.mtimeChanged() {
				trigger()
			}
		case <-debounceCh:
			debounceCh = nil
			w.doReload()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) mtimeChanged() bool {
	st, err := os.Stat(w.cfg.ConfigPath)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if st.ModTime().Equal(w.lastMtime) {
		return false
	}
	w.lastMtime = st.ModTime()
	return true
}

func (w *Watcher) doReload() {
	cf, err := LoadCronFile(w.cfg.ConfigPath, nil, w.cfg.MaxPromptLength)
	if err != nil {
		// The previous schedule set stays active on a bad edit.
		w.log.Error("Cron config reload rejected",
			zap.String("component", "cron_watcher"),
			zap.String("path", w.cfg.ConfigPath),
			zap.Error(err))
		return
	}
	if err := w.reload(cf); err != nil {
		w.log.Error("Cron config reload failed",
			zap.String("component", "cron_watcher"),
			zap.Error(err))
		return
	}
	w.log.Info("Cron config reloaded",
		zap.String("component", "cron_watcher"),
		zap.Int("schedules", len(cf.Schedules)))
}
