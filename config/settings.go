package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/onnwee/convo-recorder/record"
)

// Channel is one enrolled conversation in the settings file.
type Channel struct {
	Record bool   `mapstructure:"record"`
	Title  string `mapstructure:"title"`
}

// RecordSettings is the "records" block. Durations are in seconds except
// MinStart, which is in minutes.
type RecordSettings struct {
	Msgs            int `mapstructure:"msgs"`
	Timeout         int `mapstructure:"timeout"`
	MinStart        int `mapstructure:"min_start"`
	DStart          int `mapstructure:"d_start"`
	ConfirmWait     int `mapstructure:"confirm_wait"`
	ConfirmInterval int `mapstructure:"confirm_interval"`
}

// Settings is the hot-reloadable bot settings file. It answers enrollment
// questions for the recorder's guard chain.
type Settings struct {
	v *viper.Viper

	mu       sync.RWMutex
	records  RecordSettings
	channels map[int64]Channel
	exists   bool
}

func setSettingsDefaults(v *viper.Viper) {
	v.SetDefault("records.msgs", 10)
	v.SetDefault("records.timeout", 600)
	v.SetDefault("records.min_start", 10)
	v.SetDefault("records.d_start", 600)
	v.SetDefault("records.confirm_wait", 60)
	v.SetDefault("records.confirm_interval", 10)
}

// LoadSettings reads the JSON settings file at path. A missing file yields
// defaults with no enrolled channels.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setSettingsDefaults(v)
	s := &Settings{v: v, channels: map[int64]Channel{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file and swaps the parsed values in.
func (s *Settings) Reload() error {
	exists := true
	if err := s.v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading settings %s: %w", s.v.ConfigFileUsed(), err)
		}
		exists = false
	}

	// Per-key reads so defaults fill keys missing from a partial block.
	rs := RecordSettings{
		Msgs:            s.v.GetInt("records.msgs"),
		Timeout:         s.v.GetInt("records.timeout"),
		MinStart:        s.v.GetInt("records.min_start"),
		DStart:          s.v.GetInt("records.d_start"),
		ConfirmWait:     s.v.GetInt("records.confirm_wait"),
		ConfirmInterval: s.v.GetInt("records.confirm_interval"),
	}
	raw := map[string]Channel{}
	if err := s.v.UnmarshalKey("channels", &raw); err != nil {
		return fmt.Errorf("decoding channels: %w", err)
	}
	channels := make(map[int64]Channel, len(raw))
	for k, ch := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			slog.Warn("ignoring channel with non-numeric id", slog.String("id", k))
			continue
		}
		channels[id] = ch
	}

	s.mu.Lock()
	s.records = rs
	s.channels = channels
	s.exists = exists
	s.mu.Unlock()
	return nil
}

// Watch reloads the file on change and calls onChange after each successful
// reload. It is a no-op when the file did not exist at load time.
func (s *Settings) Watch(onChange func(*Settings)) {
	s.mu.RLock()
	exists := s.exists
	s.mu.RUnlock()
	if !exists {
		slog.Info("settings file missing, hot reload disabled", slog.String("path", s.v.ConfigFileUsed()))
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Reload(); err != nil {
			slog.Error("settings reload failed", slog.String("file", e.Name), slog.Any("err", err))
			return
		}
		slog.Info("settings reloaded", slog.String("file", e.Name), slog.String("op", e.Op.String()))
		if onChange != nil {
			onChange(s)
		}
	})
	s.v.WatchConfig()
}

// Enrolled implements record.Registry.
func (s *Settings) Enrolled(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[chatID]
	return ok
}

// RecordingEnabled implements record.Registry.
func (s *Settings) RecordingEnabled(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[chatID].Record
}

// Channels returns a copy of the enrolled channels.
func (s *Settings) Channels() map[int64]Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]Channel, len(s.channels))
	for k, v := range s.channels {
		out[k] = v
	}
	return out
}

// Recorder converts the records block into controller tunables.
func (s *Settings) Recorder() record.Config {
	s.mu.RLock()
	rs := s.records
	s.mu.RUnlock()
	return record.Config{
		Capacity:        rs.Msgs,
		IdleTimeout:     time.Duration(rs.Timeout) * time.Second,
		HotWindow:       time.Duration(rs.MinStart) * time.Minute,
		CoolDown:        time.Duration(rs.DStart) * time.Second,
		ConfirmWait:     time.Duration(rs.ConfirmWait) * time.Second,
		ConfirmInterval: time.Duration(rs.ConfirmInterval) * time.Second,
	}
}

// Path is the settings file location.
func (s *Settings) Path() string { return s.v.ConfigFileUsed() }
