// Package cli implements chatc, a terminal client for the chat backend and
// its locally cached transcripts.
package cli

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/webclient/internal/config"
	"github.com/zhouzirui/z-tavern/webclient/internal/observability"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/session"
)

var (
	version = "dev"
	commit  = "unknown"
)

type app struct {
	configPath string
	verbose    bool
	cfg        *config.Config

	newConnection func(*config.Config) session.Connection
}

// Execute runs chatc with the process arguments.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the chatc command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{
		newConnection: func(cfg *config.Config) session.Connection {
			return cfg.NewConnectionManager()
		},
	})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatc",
		Short: "Terminal client for live chat sessions",
		Long: `chatc connects to the chat backend over its socket, keeps the
conversation transcript in step with the server, and caches it locally.

Quick Start:
  chatc chat                      # start a new conversation
  chatc chat <conversation-id>    # resume an existing one
  chatc transcript list           # list cached transcripts
  chatc transcript export c1 --format md`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newChatCommand(a), newTranscriptCommand(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	// 允许缺少 .env，仅使用系统环境变量
	_ = godotenv.Load()

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.verbose {
		level = "debug"
	}
	observability.InitLoggerTo(cmd.ErrOrStderr(), "chatc", level)
	return nil
}
