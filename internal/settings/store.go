package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Store owns the settings file. Every write goes through Update, which
// merges, validates and persists under one lock.
type Store struct {
	mu        sync.RWMutex
	path      string
	v         *viper.Viper
	cur       Settings
	listeners []func(Settings)
	log       *zap.Logger
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)
	return v
}

// Open loads path, writing a file full of defaults when none exists.
func Open(path string, log *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve settings path: %w", err)
	}
	s := &Store{path: abs, log: log}

	v := newViper(abs)
	_, statErr := os.Stat(abs)
	switch {
	case statErr == nil:
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	case errors.Is(statErr, os.ErrNotExist):
		log.Info("settings file not found, writing defaults", zap.String("path", abs))
	default:
		return nil, fmt.Errorf("stat settings: %w", statErr)
	}

	cur, err := decode(v)
	if err != nil {
		return nil, err
	}
	if statErr != nil {
		if err := s.persist(v); err != nil {
			return nil, err
		}
	}
	s.v, s.cur = v, cur
	return s, nil
}

func decode(v *viper.Viper) (Settings, error) {
	var out Settings
	if err := v.Unmarshal(&out); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Raw returns every key in the file, including ones the engine does not use.
func (s *Store) Raw() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.AllSettings()
}

// OnChange registers fn to run after each accepted change.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Update merges a partial document into the settings. Keys may be nested
// objects or dotted paths ("thresholds.battery_low").
func (s *Store) Update(patch map[string]any) (Settings, error) {
	s.mu.Lock()
	next := newViper(s.path)
	if err := next.MergeConfigMap(s.v.AllSettings()); err != nil {
		s.mu.Unlock()
		return Settings{}, fmt.Errorf("merge settings: %w", err)
	}
	if err := next.MergeConfigMap(expand(patch)); err != nil {
		s.mu.Unlock()
		return Settings{}, fmt.Errorf("merge settings: %w", err)
	}
	cur, err := decode(next)
	if err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	s.v, s.cur = next, cur
	listeners := append([]func(Settings){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cur)
	}
	return cur, nil
}

// SetLastAlert records dedupe state under last_alerts.
func (s *Store) SetLastAlert(key, value string) error {
	_, err := s.Update(map[string]any{"last_alerts": map[string]any{key: value}})
	return err
}

// persist writes to a sibling temp file and renames it over the target.
func (s *Store) persist(v *viper.Viper) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := s.path + ".tmp.json"
	if err := v.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// Reload re-reads the file, keeping the current settings if it is invalid.
// The read happens under the write lock so it cannot undo a concurrent Update.
func (s *Store) Reload() error {
	s.mu.Lock()
	v := newViper(s.path)
	if err := v.ReadInConfig(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("read settings: %w", err)
	}
	next, err := decode(v)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if reflect.DeepEqual(next, s.cur) && reflect.DeepEqual(v.AllSettings(), s.v.AllSettings()) {
		s.mu.Unlock()
		return nil
	}
	s.v, s.cur = v, next
	listeners := append([]func(Settings){}, s.listeners...)
	s.mu.Unlock()

	s.log.Info("settings reloaded from disk", zap.String("path", s.path))
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// Watch reloads on external edits until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Warn("ignoring settings change", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("settings watcher error", zap.Error(err))
		}
	}
}

// expand turns dotted keys into nested maps so they merge like objects.
func expand(patch map[string]any) map[string]any {
	out := make(map[string]any, len(patch))
	for k, val := range patch {
		if m, ok := val.(map[string]any); ok {
			val = expand(m)
		}
		parts := strings.Split(strings.ToLower(k), ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		last := parts[len(parts)-1]
		if existing, ok := node[last].(map[string]any); ok {
			if m, ok := val.(map[string]any); ok {
				for mk, mv := range m {
					existing[mk] = mv
				}
				continue
			}
		}
		node[last] = val
	}
	return out
}
