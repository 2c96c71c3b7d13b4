package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/storyflowhq/storyflow/internal/config"
	"github.com/storyflowhq/storyflow/internal/proc"
)

// app holds the state shared by all subcommands.
type app struct {
	executor *proc.Executor
	cfg      *config.Config
	cfgPath  string // --config override for the project config
	repoPath string
}

func newRootCmd(executor *proc.Executor) *cobra.Command {
	a := &app{executor: executor}

	root := &cobra.Command{
		Use:           "storyflow",
		Short:         "Agent-driven story pipeline: implement, gate, review, integrate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			a.repoPath = wd

			if cmd.Name() == "init" {
				// init writes the config; loading it would be circular.
				return nil
			}
			return a.loadConfig()
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "project config path (default .storyflow/config.yaml)")

	root.AddCommand(
		newRunCmd(a),
		newInitCmd(a),
		newWatchCmd(a),
		newHistoryCmd(a),
		newStoriesCmd(a),
		newCheckCmd(a),
	)
	return root
}

func (a *app) loadConfig() error {
	var cfg *config.Config
	var err error

	if a.cfgPath == "" {
		cfg, err = config.LoadDefault()
	} else {
		globalPath := ""
		if home, herr := os.UserHomeDir(); herr == nil {
			globalPath = filepath.Join(home, ".storyflow", "config.yaml")
		}
		cfg, err = config.Load(globalPath, a.cfgPath)
	}
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) statePath(name string) string {
	return filepath.Join(a.cfg.Paths.StateDir, name)
}
