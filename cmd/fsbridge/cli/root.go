// Package cli wires the fsbridge commands.
package cli

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	root       string
	provider   string
	model      string
	verbose    bool
	ci         bool
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fsbridge",
		Short: "Sandboxed filesystem assistant",
		Long: "fsbridge is a conversational assistant that reads and edits files inside\n" +
			"a sandboxed workspace through model tool calls, with persistent context\n" +
			"memory across sessions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Bare invocation starts a chat.
			return runChat(cmd, opts, chatOptions{interactive: true})
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to fsbridge.yaml")
	pf.StringVar(&opts.root, "root", "", "workspace root (overrides config)")
	pf.StringVar(&opts.provider, "provider", "", "model provider: anthropic, openai, ollama, gemini, cli:<binary>")
	pf.StringVar(&opts.model, "model", "", "model name (provider default if empty)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	pf.BoolVar(&opts.ci, "ci", false, "JSON logs, no colors, no interactivity")

	cmd.AddCommand(
		newChatCmd(opts),
		newAskCmd(opts),
		newStatsCmd(opts),
		newSummarizeCmd(opts),
		newCleanupCmd(opts),
		newSessionsCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}
