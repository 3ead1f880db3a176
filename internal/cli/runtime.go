package cli

import (
	"fmt"
	"path/filepath"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/daemon"
	"github.com/coworkos/cowork/internal/provider"
	"github.com/coworkos/cowork/internal/sandbox"
	"github.com/coworkos/cowork/internal/skills"
	"github.com/coworkos/cowork/internal/store"
)

// runtime bundles everything a command needs to run the agent core.
type runtime struct {
	cfg        *config.Config
	settings   *config.Store
	workspaces *config.WorkspaceRegistry
	channels   *config.ChannelRegistry
	st         *store.Store
	daemon     *daemon.Daemon
}

// buildRuntime loads config, opens the task database and wires the daemon.
func buildRuntime(needProvider bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dataDir := cfg.Paths.DataDir
	if dataDir == "" {
		dataDir, err = config.DataDir()
		if err != nil {
			return nil, err
		}
	}

	settings, err := config.NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	workspaces, err := config.NewWorkspaceRegistry(settings)
	if err != nil {
		return nil, err
	}
	channels, err := config.NewChannelRegistry(settings)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(dataDir, "cowork.db"))
	if err != nil {
		return nil, err
	}

	var prov provider.Provider
	if needProvider {
		prov, err = provider.Resolve(cfg)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("resolve provider: %w", err)
		}
	}

	skillsDir := cfg.Skills.Dir
	if skillsDir == "" {
		skillsDir = filepath.Join(dataDir, "skills")
	}
	catalog, err := skills.LoadDir(skillsDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load skills: %w", err)
	}

	d := daemon.New(daemon.Options{
		Store:      st,
		Config:     cfg,
		Workspaces: workspaces,
		Provider:   prov,
		Runner:     sandbox.NewHostRunner(""),
		Skills:     catalog,
	})

	return &runtime{
		cfg:        cfg,
		settings:   settings,
		workspaces: workspaces,
		channels:   channels,
		st:         st,
		daemon:     d,
	}, nil
}

func (r *runtime) close() {
	r.daemon.Shutdown()
	_ = r.st.Close()
}
