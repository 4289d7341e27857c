package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tether/internal/logging"
	"tether/internal/manager"
)

const (
	processedDir = "processed"
	failedDir    = "failed"

	minPollInterval = time.Second
)

// eventFile is the on-disk shape of an inbox event. JSON files decode through
// the same path since YAML is a superset.
type eventFile struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	EntityID string         `yaml:"entity_id"`
	Payload  map[string]any `yaml:"payload"`
}

// Inbox dispatches event files dropped into a directory. Handled files move
// to processed/, undecodable or rejected ones to failed/.
type Inbox struct {
	dir      string
	debounce time.Duration
	poll     time.Duration
	sink     Dispatcher
	logger   *slog.Logger
}

// NewInbox builds an inbox source over dir.
func NewInbox(dir string, debounce time.Duration, sink Dispatcher, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = logging.NewNop()
	}
	poll := debounce * 10
	if poll < minPollInterval {
		poll = minPollInterval
	}
	return &Inbox{
		dir:      dir,
		debounce: debounce,
		poll:     poll,
		sink:     sink,
		logger:   logging.NewComponentLogger(logger, "inbox"),
	}
}

// Name identifies the source in status output.
func (i *Inbox) Name() string { return "inbox" }

// Dir returns the watched directory.
func (i *Inbox) Dir() string { return i.dir }

// Run processes files already present, then watches for new ones. When the
// watcher cannot be created the inbox falls back to polling.
func (i *Inbox) Run(ctx context.Context) error {
	for _, dir := range []string{i.dir, filepath.Join(i.dir, processedDir), filepath.Join(i.dir, failedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create inbox directory %q: %w", dir, err)
		}
	}

	watcher := i.initWatcher()
	if watcher == nil {
		i.Scan(ctx)
		return i.pollLoop(ctx)
	}
	defer watcher.Close()
	// files that arrived before the watch was registered
	i.Scan(ctx)

	i.logger.Info("inbox watching",
		logging.String(logging.FieldEventType, "inbox_started"),
		logging.String("dir", i.dir),
	)

	debounce := newStoppedTimer()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return i.pollLoop(ctx)
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !candidate(filepath.Base(event.Name)) {
				continue
			}
			resetTimer(debounce, i.debounce)
		case <-debounce.C:
			i.Scan(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return i.pollLoop(ctx)
			}
			logging.WarnWithContext(i.logger, "inbox watcher error", "inbox_watch_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "new event files may be picked up late"),
			)
			resetTimer(debounce, i.debounce)
		}
	}
}

func (i *Inbox) initWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.WarnWithContext(i.logger, "inbox watcher unavailable; polling instead", "inbox_watch_fallback",
			logging.Error(err),
			logging.Duration("interval", i.poll),
		)
		return nil
	}
	if err := watcher.Add(i.dir); err != nil {
		_ = watcher.Close()
		logging.WarnWithContext(i.logger, "inbox directory not watchable; polling instead", "inbox_watch_fallback",
			logging.Error(err),
			logging.String("dir", i.dir),
			logging.Duration("interval", i.poll),
		)
		return nil
	}
	return watcher
}

func (i *Inbox) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(i.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			i.Scan(ctx)
		}
	}
}

// Scan handles every pending event file in name order and returns how many
// were dispatched.
func (i *Inbox) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		logging.WarnWithContext(i.logger, "inbox scan failed", "inbox_scan_failed",
			logging.Error(err),
			logging.String("dir", i.dir),
		)
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && candidate(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	handled := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if err := i.ProcessFile(ctx, filepath.Join(i.dir, name)); err == nil {
			handled++
		}
	}
	return handled
}

// ProcessFile decodes and dispatches one event file, then moves it out of
// the inbox. The returned error reports why the file went to failed/.
func (i *Inbox) ProcessFile(ctx context.Context, path string) error {
	name := filepath.Base(path)
	event, err := decodeEventFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		i.reject(path, err)
		return err
	}

	result, err := i.sink.Dispatch(ctx, event)
	if err != nil {
		i.reject(path, err)
		return err
	}
	if _, err := moveInto(path, filepath.Join(i.dir, processedDir)); err != nil {
		logging.WarnWithContext(i.logger, "processed event file could not be moved", "inbox_move_failed",
			logging.Error(err),
			logging.String("file", name),
			logging.String(logging.FieldImpact, "file will be dispatched again on the next scan"),
		)
	}
	i.logger.Info("inbox event dispatched",
		logging.String(logging.FieldEventType, "inbox_event_dispatched"),
		logging.String("file", name),
		logging.String("event_id", result.EventID),
		logging.String("type", event.Type),
		logging.Int("runs", len(result.Runs)),
		logging.Int("dropped", len(result.Dropped)),
	)
	return nil
}

func (i *Inbox) reject(path string, cause error) {
	dest, err := moveInto(path, filepath.Join(i.dir, failedDir))
	if err != nil {
		logging.ErrorWithContext(i.logger, "rejected event file could not be moved", "inbox_move_failed",
			logging.Error(err),
			logging.String("file", filepath.Base(path)),
		)
		return
	}
	logging.WarnWithContext(i.logger, "inbox event rejected", "inbox_event_rejected",
		logging.Error(cause),
		logging.String("file", filepath.Base(path)),
		logging.String("moved_to", dest),
		logging.String(logging.FieldErrorHint, "event files need a non-empty type and a mapping payload"),
	)
}

func decodeEventFile(path string) (manager.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manager.Event{}, err
	}
	var file eventFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return manager.Event{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	file.Type = strings.TrimSpace(file.Type)
	if file.Type == "" {
		return manager.Event{}, fmt.Errorf("decode %s: missing event type", filepath.Base(path))
	}
	return manager.Event{
		ID:       strings.TrimSpace(file.ID),
		Type:     file.Type,
		EntityID: strings.TrimSpace(file.EntityID),
		Payload:  file.Payload,
	}, nil
}

// candidate skips hidden and temporary files so writers can stage content
// and rename it into place.
func candidate(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

func moveInto(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(path)
		stem := strings.TrimSuffix(filepath.Base(path), ext)
		dest = filepath.Join(dir, stem+"-"+uuid.NewString()[:8]+ext)
	}
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
