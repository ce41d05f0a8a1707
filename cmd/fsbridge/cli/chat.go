package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/fsbridge/internal/history"
	"github.com/felixgeelhaar/fsbridge/internal/plugin"
	"github.com/felixgeelhaar/fsbridge/internal/provider"
	"github.com/felixgeelhaar/fsbridge/internal/retry"
	"github.com/felixgeelhaar/fsbridge/internal/runtime"
	"github.com/felixgeelhaar/fsbridge/internal/tools"
	"github.com/felixgeelhaar/fsbridge/internal/ui"
	"github.com/felixgeelhaar/fsbridge/internal/ui/tui"
)

const systemPromptTemplate = `You are fsbridge, a careful assistant working inside the workspace at %s.
Use the provided tools to inspect and change files. All paths are relative to the workspace root; you cannot reach outside it.
Read before you write. Keep answers short and concrete. When a tool returns an error payload, adjust and try a different approach.`

type chatOptions struct {
	interactive bool
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	chatOpts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start a conversation over the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, chatOpts)
		},
	}
	cmd.Flags().BoolVarP(&chatOpts.interactive, "interactive", "i", true, "full-screen interface (set -i=false for a plain REPL)")
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "One-shot question without the tool loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := newApp(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			loop, err := buildLoop(ctx, a)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, err = loop.Ask(ctx, strings.Join(args, " "), func(chunk string) error {
				_, err := fmt.Fprint(out, chunk)
				return err
			})
			fmt.Fprintln(out)
			return err
		},
	}
}

// buildLoop assembles the orchestrator from an app.
func buildLoop(ctx context.Context, a *app) (*runtime.Loop, error) {
	p, err := a.buildProvider(ctx)
	if err != nil {
		return nil, err
	}

	reg := tools.NewRegistry()
	reg.SetMaxPayloadBytes(a.cfg.MaxPayloadBytes)
	if err := tools.RegisterFS(reg, a.guard, a.cfg.MaxReadBytes); err != nil {
		return nil, err
	}
	confirm := shellConfirm(a.cfg.AllowShell)
	if err := tools.RegisterShell(reg, a.guard, a.cfg.CommandTimeout, confirm); err != nil {
		return nil, err
	}
	if err := mountPlugins(reg, a); err != nil {
		return nil, err
	}

	ret := retry.New(retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MinDelay:    a.cfg.Retry.MinDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
	})

	hist := history.NewManager(a.cfg.MaxHistoryMessages)
	loop := runtime.NewLoop(p, reg, hist, ret, a.store, a.obs, runtime.Options{
		SystemPrompt:       fmt.Sprintf(systemPromptTemplate, a.guard.Root()),
		ProjectPath:        a.guard.Root(),
		MaxToolRounds:      a.cfg.MaxToolRounds,
		ContextTokenBudget: a.cfg.ContextTokenBudget,
		ReviewPass:         a.cfg.ReviewPass,
		Pricing: provider.Pricing{
			InputPerMTok:  a.cfg.Pricing.InputPerMTok,
			OutputPerMTok: a.cfg.Pricing.OutputPerMTok,
		},
	})
	return loop, nil
}

// mountPlugins launches every binary named in FSBRIDGE_PLUGINS and mounts
// its tools. A failing plugin is skipped with a warning.
func mountPlugins(reg *tools.Registry, a *app) error {
	paths := os.Getenv("FSBRIDGE_PLUGINS")
	if paths == "" {
		return nil
	}
	for _, path := range strings.Split(paths, string(os.PathListSeparator)) {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		svc, kill, err := plugin.Launch(path)
		if err != nil {
			a.obs.Log().Warn().Err(err).Str("plugin", path).Msg("plugin skipped")
			continue
		}
		if err := plugin.Mount(reg, svc); err != nil {
			kill()
			a.obs.Log().Warn().Err(err).Str("plugin", path).Msg("plugin tools rejected")
			continue
		}
		a.obs.Log().Info().Str("plugin", path).Msg("plugin mounted")
	}
	return nil
}

// shellConfirm asks on the terminal before a command runs. Shell access off
// means the guard rejects anyway, so no prompt is installed.
func shellConfirm(allowShell bool) tools.ConfirmFunc {
	if !allowShell {
		return nil
	}
	return func(cmd string) bool {
		fmt.Fprintf(os.Stderr, "run command? %q [y/N] ", cmd)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func runChat(cmd *cobra.Command, opts *rootOptions, chatOpts chatOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := newApp(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	loop, err := buildLoop(ctx, a)
	if err != nil {
		return err
	}

	loop.StartSession(ctx)
	defer loop.EndSession(context.WithoutCancel(ctx))

	if chatOpts.interactive && !opts.ci {
		return tui.Run(loop)
	}
	return runREPL(ctx, cmd, a, loop)
}

// runREPL is the line-oriented loop for pipes and CI.
func runREPL(ctx context.Context, cmd *cobra.Command, a *app, loop *runtime.Loop) error {
	out := cmd.OutOrStdout()

	view := ui.NewConsole(out)
	// Progress lines are noise when stdout is a pipe; answers still print.
	var progress ui.UI = view
	if a.ci {
		progress = ui.Silent{}
	}
	go ui.Follow(progress, loop.Bus().Subscribe())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintln(out, "fsbridge ready. Empty line or ctrl+d to leave.")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "/quit" || line == "/exit" {
			break
		}

		var onChunk func(string) error
		if a.cfg.Stream {
			onChunk = func(chunk string) error {
				view.Chunk(chunk)
				return nil
			}
		}
		answer, err := loop.ExecuteTurn(ctx, line, onChunk)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			view.Error(err)
		default:
			view.Answer(answer)
		}
	}
	return scanner.Err()
}
