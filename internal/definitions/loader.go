package definitions

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/bluerobotics/device-gateway/internal/logging"
)

// LoadDir walks dir for *.json definition files. Files that fail to parse
// are skipped with a warning; a missing or empty directory yields an empty
// set, not an error.
func LoadDir(dir string) ([]*Definition, error) {
	logger := logging.With(zap.String("component", "definitions"))

	var defs []*Definition
	seen := make(map[string]string) // id → path of the file that defined it
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("Failed to read definition file", zap.String("path", path), zap.Error(err))
			return nil
		}

		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			logger.Warn("Failed to parse definition file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if def.ID == "" {
			logger.Warn("Definition file without id", zap.String("path", path))
			return nil
		}
		def.ID = strings.ToLower(def.ID)
		if prev, ok := seen[def.ID]; ok {
			logger.Warn("Duplicate definition id, last one wins",
				zap.String("id", def.ID),
				zap.String("path", path),
				zap.String("previous", prev))
		}
		seen[def.ID] = path
		defs = append(defs, &def)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Definitions directory does not exist", zap.String("dir", dir))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to walk definitions dir: %w", err)
	}

	return defs, nil
}

// Watch reloads the store whenever a json file in dir changes. Events are
// debounced because editors fire several per save. onReload (optional) runs
// after each successful reload.
func Watch(ctx context.Context, dir string, store *Store, onReload func()) error {
	logger := logging.With(zap.String("component", "definitions"))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		var pending *time.Timer
		reload := func() {
			defs, err := LoadDir(dir)
			if err != nil {
				logger.Error("Definition reload failed", zap.Error(err))
				return
			}
			store.Replace(defs)
			logger.Info("Definitions reloaded", zap.Int("count", len(defs)))
			if onReload != nil {
				onReload()
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("Watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
