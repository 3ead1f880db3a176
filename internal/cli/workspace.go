package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/identity"
)

var (
	wsName    string
	wsWrite   bool
	wsDelete  bool
	wsShell   bool
	wsNetwork bool
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(false)
		if err != nil {
			return err
		}
		defer rt.close()
		for _, ws := range rt.workspaces.List() {
			cmd.Printf("%s  %-20s %s\n", ws.ID, ws.Name, ws.Path)
		}
		return nil
	},
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add [path]",
	Short: "Register a directory as a workspace and scaffold its identity files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(false)
		if err != nil {
			return err
		}
		defer rt.close()

		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		name := wsName
		if name == "" {
			name = filepath.Base(path)
		}
		ws, err := rt.workspaces.Create(name, path, config.WorkspacePermissions{
			Read:    true,
			Write:   wsWrite,
			Delete:  wsDelete,
			Shell:   wsShell,
			Network: wsNetwork,
		}, nil)
		if err != nil {
			return err
		}

		result, err := identity.ScaffoldWorkspace(path, false)
		if err != nil {
			return err
		}
		cmd.Printf("workspace %s (%s)\n", ws.ID, ws.Path)
		if len(result.Created) > 0 {
			cmd.Printf("scaffolded: %v\n", result.Created)
		}
		return nil
	},
}

func init() {
	workspaceAddCmd.Flags().StringVar(&wsName, "name", "", "workspace display name")
	workspaceAddCmd.Flags().BoolVar(&wsWrite, "write", true, "allow writes")
	workspaceAddCmd.Flags().BoolVar(&wsDelete, "delete", false, "allow deletions")
	workspaceAddCmd.Flags().BoolVar(&wsShell, "shell", false, "allow shell commands")
	workspaceAddCmd.Flags().BoolVar(&wsNetwork, "network", false, "allow network access")
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceAddCmd)
}
