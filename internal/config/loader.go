package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
)

const (
	// DataDirName is the default app-data directory name.
	DataDirName = ".cowork"
	// ConfigFile is the root config file name.
	ConfigFile = "config.json"
	// WorkspacesFile holds the workspace registry.
	WorkspacesFile = "workspaces.json"
	// ChannelsFile holds external channel configurations.
	ChannelsFile = "channels.json"
)

// DataDir returns the per-user app-data directory.
func DataDir() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("COWORK_HOME")); explicit != "" {
		return expandTilde(explicit)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DataDirName), nil
}

// ConfigPath returns the path to the root config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("COWORK_CONFIG")); explicit != "" {
		return expandTilde(explicit)
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFile), nil
}

func expandTilde(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Load reads the root config file, applies env overrides and defaults.
// A missing file yields the defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a specific config file path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	_ = envconfig.Process("COWORK_PATHS", &cfg.Paths)
	_ = envconfig.Process("COWORK_MODEL", &cfg.Model)
	_ = envconfig.Process("COWORK_BUDGET", &cfg.Budget)
	_ = envconfig.Process("COWORK_ANTHROPIC", &cfg.Providers.Anthropic)
	_ = envconfig.Process("COWORK_OPENAI", &cfg.Providers.OpenAI)
	_ = envconfig.Process("COWORK_OPENROUTER", &cfg.Providers.OpenRouter)
	_ = envconfig.Process("COWORK_OLLAMA", &cfg.Providers.Ollama)
	_ = envconfig.Process("COWORK", &cfg.Approval)
	_ = envconfig.Process("COWORK_TOOLS", &cfg.Tools)
	_ = envconfig.Process("COWORK_CONTROL", &cfg.ControlPlane)
	_ = envconfig.Process("COWORK_HOOKS", &cfg.Hooks)
	_ = envconfig.Process("COWORK_RELAY", &cfg.Relay)
	_ = envconfig.Process("COWORK_SKILLS", &cfg.Skills)
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Model.Name == "" {
		cfg.Model.Name = def.Model.Name
	}
	if cfg.Model.MaxTokens <= 0 {
		cfg.Model.MaxTokens = def.Model.MaxTokens
	}
	if cfg.Model.MaxIterations <= 0 {
		cfg.Model.MaxIterations = def.Model.MaxIterations
	}
	if cfg.Model.LLMTimeoutSecs <= 0 {
		cfg.Model.LLMTimeoutSecs = def.Model.LLMTimeoutSecs
	}
	if cfg.Approval.TTLSeconds <= 0 {
		cfg.Approval.TTLSeconds = def.Approval.TTLSeconds
	}
	if cfg.Tools.ShellTimeoutSeconds <= 0 {
		cfg.Tools.ShellTimeoutSeconds = def.Tools.ShellTimeoutSeconds
	}
	if cfg.Tools.OutputCapBytes <= 0 {
		cfg.Tools.OutputCapBytes = def.Tools.OutputCapBytes
	}
	if cfg.Tools.BulkRenameThreshold <= 0 {
		cfg.Tools.BulkRenameThreshold = def.Tools.BulkRenameThreshold
	}
	if cfg.Tools.MaxSubtaskDepth <= 0 {
		cfg.Tools.MaxSubtaskDepth = def.Tools.MaxSubtaskDepth
	}
	if cfg.ControlPlane.Addr == "" {
		cfg.ControlPlane.Addr = def.ControlPlane.Addr
	}
	if cfg.ControlPlane.MaxFrameBytes <= 0 {
		cfg.ControlPlane.MaxFrameBytes = def.ControlPlane.MaxFrameBytes
	}
	if cfg.ControlPlane.HandshakeTimeoutSeconds <= 0 {
		cfg.ControlPlane.HandshakeTimeoutSeconds = def.ControlPlane.HandshakeTimeoutSeconds
	}
	if cfg.ControlPlane.HeartbeatSeconds <= 0 {
		cfg.ControlPlane.HeartbeatSeconds = def.ControlPlane.HeartbeatSeconds
	}
	if cfg.ControlPlane.IdleTimeoutSeconds <= 0 {
		cfg.ControlPlane.IdleTimeoutSeconds = def.ControlPlane.IdleTimeoutSeconds
	}
	if cfg.Hooks.Addr == "" {
		cfg.Hooks.Addr = def.Hooks.Addr
	}
	if cfg.Hooks.BasePath == "" {
		cfg.Hooks.BasePath = def.Hooks.BasePath
	}
	if cfg.Hooks.MaxBodyBytes <= 0 {
		cfg.Hooks.MaxBodyBytes = def.Hooks.MaxBodyBytes
	}
	if cfg.Hooks.ReadTimeoutSeconds <= 0 {
		cfg.Hooks.ReadTimeoutSeconds = def.Hooks.ReadTimeoutSeconds
	}
}

// ---------------------------------------------------------------------------
// Settings store – crash-safe JSON files with per-file serialization
// ---------------------------------------------------------------------------

// Store persists settings files under the app-data directory. Writes use the
// temp-file + rename dance so a crash never leaves a partial file. Each file
// is serialized behind its own mutex; Begin/End markers collapse write bursts
// (e.g. on startup) into a single flush.
type Store struct {
	dir string

	mu      sync.Mutex
	files   map[string]*fileState
	batches map[string]int
}

type fileState struct {
	mu      sync.Mutex
	pending []byte
	dirty   bool
}

// NewStore creates a settings store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	return &Store{
		dir:     dir,
		files:   make(map[string]*fileState),
		batches: make(map[string]int),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) state(name string) *fileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.files[name]
	if !ok {
		st = &fileState{}
		s.files[name] = st
	}
	return st
}

// Begin opens a write batch for a settings file. While a batch is open, Save
// calls buffer in memory; End flushes the last value once.
func (s *Store) Begin(name string) {
	s.mu.Lock()
	s.batches[name]++
	s.mu.Unlock()
}

// End closes a write batch, flushing any buffered value.
func (s *Store) End(name string) error {
	s.mu.Lock()
	if s.batches[name] > 0 {
		s.batches[name]--
	}
	open := s.batches[name] > 0
	s.mu.Unlock()
	if open {
		return nil
	}

	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.dirty {
		return nil
	}
	if err := s.writeAtomic(name, st.pending); err != nil {
		return err
	}
	st.pending = nil
	st.dirty = false
	return nil
}

func (s *Store) batching(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[name] > 0
}

// Save marshals v and persists it under name atomically.
func (s *Store) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.batching(name) {
		st.pending = data
		st.dirty = true
		return nil
	}
	return s.writeAtomic(name, data)
}

// Load reads the settings file into v. A missing file leaves v untouched and
// returns os.ErrNotExist.
func (s *Store) Load(name string, v any) error {
	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) writeAtomic(name string, data []byte) error {
	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
