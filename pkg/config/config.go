// Package config holds the runtime settings as immutable, validated
// snapshots that can be swapped while the control tasks run.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

// Store publishes settings snapshots. Readers call Load at the start of a
// cycle and keep using that snapshot until the next one.
type Store struct {
	current atomic.Pointer[types.Settings]

	// mu serializes writers so that read-modify-write updates don't race.
	mu           sync.Mutex
	path         string
	pollInterval time.Duration
	fileModTime  time.Time
	listeners    []func(types.Settings)
}

// NewStore validates initial and returns a store holding it.
func NewStore(initial types.Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	snap := initial.Clone()
	s.current.Store(&snap)
	return s, nil
}

// Configured registers the config flags and returns a store loaded from the
// settings file, or the defaults if no file was given.
func Configured() *Store {
	path := lflag.String("config-file", "", "Path to a YAML settings file (optional)")
	poll := lflag.Duration("config-poll-interval", 10*time.Second, "How often the settings file is checked for changes, 0 disables reloading")
	s := &Store{}
	def := types.DefaultSettings()
	s.current.Store(&def)

	lflag.Do(func() {
		if *path == "" {
			return
		}
		s.path = *path
		s.pollInterval = *poll
		if err := s.ReloadFile(context.Background()); err != nil {
			panic(fmt.Sprintf("failed to load settings from %s: %v", *path, err))
		}
	})
	return s
}

// Load returns the active snapshot. The returned value must not be mutated;
// call Clone first to derive a new one.
func (s *Store) Load() types.Settings {
	return *s.current.Load()
}

// OnChange registers fn to be called after every accepted update.
func (s *Store) OnChange(fn func(types.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Replace validates next and makes it the active snapshot. On error the
// previous snapshot stays active.
func (s *Store) Replace(ctx context.Context, next types.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(ctx, next)
}

func (s *Store) replaceLocked(ctx context.Context, next types.Settings) error {
	if err := next.Validate(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "rejected settings update", slog.Any("error", err))
		return err
	}
	snap := next.Clone()
	s.current.Store(&snap)
	log.Ctx(ctx).InfoContext(ctx, "settings updated")
	for _, fn := range s.listeners {
		fn(snap)
	}
	return nil
}

// Apply overlays a partial JSON document onto the active snapshot, validates
// the result and activates it.
func (s *Store) Apply(ctx context.Context, patch []byte) (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return types.Settings{}, fmt.Errorf("%w: %w", types.ErrConfigInvalid, err)
	}
	if err := s.replaceLocked(ctx, next); err != nil {
		return types.Settings{}, err
	}
	return next, nil
}

// ReadFile decodes a YAML settings file on top of the defaults. Unknown keys
// are rejected.
func ReadFile(path string) (types.Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML settings on top of the defaults.
func Parse(b []byte) (types.Settings, error) {
	s := types.DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return types.Settings{}, fmt.Errorf("%w: %w", types.ErrConfigInvalid, err)
	}
	return s, nil
}

// ReloadFile re-reads the configured file and activates it if valid.
func (s *Store) ReloadFile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to stat settings file: %w", err)
	}
	next, err := ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := s.replaceLocked(ctx, next); err != nil {
		return err
	}
	s.fileModTime = fi.ModTime()
	return nil
}

// PollInterval is the interval configured for Watch.
func (s *Store) PollInterval() time.Duration {
	return s.pollInterval
}

// Watch polls the settings file and reloads it whenever its modification
// time changes. It returns when ctx is done.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if s.path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fi, err := os.Stat(s.path)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to stat settings file", slog.String("path", s.path), slog.Any("error", err))
			continue
		}
		s.mu.Lock()
		changed := !fi.ModTime().Equal(s.fileModTime)
		s.mu.Unlock()
		if !changed {
			continue
		}
		if err := s.ReloadFile(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "keeping previous settings", slog.String("path", s.path), slog.Any("error", err))
			// don't retry the same broken file every tick
			s.mu.Lock()
			s.fileModTime = fi.ModTime()
			s.mu.Unlock()
		}
	}
}
