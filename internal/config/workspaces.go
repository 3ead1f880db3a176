package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkspaceRegistry owns the workspace list persisted in workspaces.json.
type WorkspaceRegistry struct {
	store *Store

	mu   sync.Mutex
	list []Workspace
}

// NewWorkspaceRegistry loads the registry from the settings store.
func NewWorkspaceRegistry(store *Store) (*WorkspaceRegistry, error) {
	r := &WorkspaceRegistry{store: store}
	var doc struct {
		Workspaces []Workspace `json:"workspaces"`
	}
	if err := store.Load(WorkspacesFile, &doc); err == nil {
		r.list = doc.Workspaces
	}
	return r, nil
}

func (r *WorkspaceRegistry) persist() error {
	doc := struct {
		Workspaces []Workspace `json:"workspaces"`
	}{Workspaces: r.list}
	return r.store.Save(WorkspacesFile, doc)
}

// List returns all workspaces, most recently used first.
func (r *WorkspaceRegistry) List() []Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Workspace, len(r.list))
	copy(out, r.list)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUsedAt.After(out[j].LastUsedAt)
	})
	return out
}

// Get returns a workspace by id. The reserved temp id always resolves.
func (r *WorkspaceRegistry) Get(id string) (Workspace, bool) {
	if id == TempWorkspaceID {
		return TempWorkspace(), true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.list {
		if ws.ID == id {
			return ws, true
		}
	}
	return Workspace{}, false
}

// Create registers a new workspace. The path must be absolute.
func (r *WorkspaceRegistry) Create(name, path string, perms WorkspacePermissions, allowedPaths []string) (Workspace, error) {
	path = strings.TrimSpace(path)
	if path == "" || !filepath.IsAbs(path) {
		return Workspace{}, fmt.Errorf("workspace path must be absolute: %q", path)
	}
	ws := Workspace{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(name),
		Path:         filepath.Clean(path),
		Permissions:  perms,
		AllowedPaths: allowedPaths,
		LastUsedAt:   time.Now(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, ws)
	if err := r.persist(); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

// Touch marks a workspace as used now.
func (r *WorkspaceRegistry) Touch(id string) {
	if id == TempWorkspaceID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.list {
		if r.list[i].ID == id {
			r.list[i].LastUsedAt = time.Now()
			_ = r.persist()
			return
		}
	}
}

// MostRecent returns the most recently used non-temp workspace.
func (r *WorkspaceRegistry) MostRecent() (Workspace, bool) {
	for _, ws := range r.List() {
		if !ws.IsTemp {
			return ws, true
		}
	}
	return Workspace{}, false
}

// ---------------------------------------------------------------------------
// Channel registry
// ---------------------------------------------------------------------------

// ChannelRegistry owns external channel configurations in channels.json.
type ChannelRegistry struct {
	store *Store

	mu   sync.Mutex
	list []ChannelConfig
}

// NewChannelRegistry loads the registry from the settings store.
func NewChannelRegistry(store *Store) (*ChannelRegistry, error) {
	r := &ChannelRegistry{store: store}
	var doc struct {
		Channels []ChannelConfig `json:"channels"`
	}
	if err := store.Load(ChannelsFile, &doc); err == nil {
		r.list = doc.Channels
	}
	return r, nil
}

func (r *ChannelRegistry) persist() error {
	doc := struct {
		Channels []ChannelConfig `json:"channels"`
	}{Channels: r.list}
	return r.store.Save(ChannelsFile, doc)
}

// List returns all channel configurations.
func (r *ChannelRegistry) List() []ChannelConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChannelConfig, len(r.list))
	copy(out, r.list)
	return out
}

// Get returns a channel config by id.
func (r *ChannelRegistry) Get(id string) (ChannelConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.list {
		if c.ID == id {
			return c, true
		}
	}
	return ChannelConfig{}, false
}

// Create registers a new channel configuration.
func (r *ChannelRegistry) Create(cfg ChannelConfig) (ChannelConfig, error) {
	if strings.TrimSpace(cfg.Type) == "" {
		return ChannelConfig{}, fmt.Errorf("channel type is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.SecurityMode == "" {
		cfg.SecurityMode = SecurityPairing
	}
	switch cfg.SecurityMode {
	case SecurityOpen, SecurityPairing, SecurityAllowlist:
	default:
		return ChannelConfig{}, fmt.Errorf("unknown security mode: %s", cfg.SecurityMode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, cfg)
	if err := r.persist(); err != nil {
		return ChannelConfig{}, err
	}
	return cfg, nil
}

// Update replaces a channel configuration by id.
func (r *ChannelRegistry) Update(cfg ChannelConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.list {
		if r.list[i].ID == cfg.ID {
			r.list[i] = cfg
			return r.persist()
		}
	}
	return fmt.Errorf("channel not found: %s", cfg.ID)
}

// SetEnabled toggles a channel.
func (r *ChannelRegistry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.list {
		if r.list[i].ID == id {
			r.list[i].Enabled = enabled
			return r.persist()
		}
	}
	return fmt.Errorf("channel not found: %s", id)
}

// Remove deletes a channel configuration.
func (r *ChannelRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.list {
		if r.list[i].ID == id {
			r.list = append(r.list[:i], r.list[i+1:]...)
			return r.persist()
		}
	}
	return fmt.Errorf("channel not found: %s", id)
}

// AddToAllowlist appends a user id to a channel allowlist (idempotent).
func (r *ChannelRegistry) AddToAllowlist(id, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.list {
		if r.list[i].ID != id {
			continue
		}
		for _, v := range r.list[i].Allowlist {
			if v == userID {
				return nil
			}
		}
		r.list[i].Allowlist = append(r.list[i].Allowlist, userID)
		return r.persist()
	}
	return fmt.Errorf("channel not found: %s", id)
}
