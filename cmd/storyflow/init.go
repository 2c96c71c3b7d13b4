package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/storyflowhq/storyflow/internal/config"
)

const exampleStory = `# ST-1: Replace me with a real story

Describe the change you want the agent to make.

## Acceptance
- [ ] describe a verifiable outcome
`

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a project config and stories directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("", "")
			if err != nil {
				return err
			}

			agent := cfg.Agents["coder"]
			agentCmd := agent.Command
			model := agent.Model
			baseBranch := cfg.Integration.BaseBranch
			useWorktree := cfg.Integration.UseWorktree
			push := cfg.Integration.Push
			createPR := cfg.Integration.CreatePR

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewSelect[string]().
						Title("Agent CLI").
						Options(huh.NewOptions("claude", "codex", "goose")...).
						Value(&agentCmd),
					huh.NewInput().
						Title("Model").
						Description("empty uses the agent's default").
						Value(&model),
					huh.NewInput().
						Title("Base branch").
						Value(&baseBranch),
					huh.NewConfirm().
						Title("Isolate runs in git worktrees?").
						Value(&useWorktree),
					huh.NewConfirm().
						Title("Push story branches to the remote?").
						Value(&push),
					huh.NewConfirm().
						Title("Open pull requests with gh?").
						Value(&createPR),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			for name, ac := range cfg.Agents {
				ac.Command = agentCmd
				ac.Model = model
				cfg.Agents[name] = ac
			}
			cfg.Integration.BaseBranch = baseBranch
			cfg.Integration.UseWorktree = useWorktree
			cfg.Integration.Push = push
			cfg.Integration.CreatePR = createPR

			cfgPath := a.cfgPath
			if cfgPath == "" {
				cfgPath = filepath.Join(".storyflow", "config.yaml")
			}
			if err := config.Save(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Println("wrote", cfgPath)

			if err := os.MkdirAll(cfg.Paths.StoriesDir, 0o755); err != nil {
				return err
			}
			example := filepath.Join(cfg.Paths.StoriesDir, "st-1.md")
			if _, err := os.Stat(example); os.IsNotExist(err) {
				if err := os.WriteFile(example, []byte(exampleStory), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", example)
			}
			return nil
		},
	}
}
