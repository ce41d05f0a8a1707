package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/felixgeelhaar/fsbridge/internal/guard"
	"github.com/felixgeelhaar/fsbridge/internal/provider"
)

const maxCommandOutput = 20_000

// ConfirmFunc is asked before a command runs. The CLI wires an interactive
// prompt here; a nil func means no extra confirmation beyond the safety check.
type ConfirmFunc func(cmd string) bool

// RegisterShell registers the run_command tool. Execution is still gated by
// the guard: unless shell access was enabled in config, every call fails.
func RegisterShell(r *Registry, g *guard.Guard, timeout time.Duration, confirm ConfirmFunc) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return r.Register(Tool{
		Schema: provider.ToolSchema{
			Name:        "run_command",
			Description: "Run a shell command inside the workspace. Requires shell access to be enabled.",
			Parameters: map[string]provider.Property{
				"command": {Type: "string", Description: "Command line to execute with sh -c."},
				"cwd":     {Type: "string", Description: "Working directory relative to the workspace root. Defaults to the root."},
			},
			Required: []string{"command"},
		},
		Run: func(ctx context.Context, args Args) (any, error) {
			command := args.String("command", "")
			if err := g.CheckCommand(command); err != nil {
				return nil, err
			}
			if confirm != nil && !confirm(command) {
				return nil, fmt.Errorf("command rejected by user")
			}

			cwd, err := g.Resolve(args.String("cwd", "."))
			if err != nil {
				return nil, err
			}

			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "sh", "-c", command) // #nosec G204
			cmd.Dir = cwd

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()
			if runErr != nil {
				if _, ok := runErr.(*exec.ExitError); !ok && execCtx.Err() == nil {
					return nil, fmt.Errorf("run %q: %w", command, runErr)
				}
			}

			exitCode := -1
			if cmd.ProcessState != nil {
				exitCode = cmd.ProcessState.ExitCode()
			}
			result := map[string]any{
				"command":   command,
				"cwd":       g.Rel(cwd),
				"stdout":    tail(stdout.String(), maxCommandOutput),
				"stderr":    tail(stderr.String(), maxCommandOutput),
				"exit_code": exitCode,
			}
			if execCtx.Err() == context.DeadlineExceeded {
				result["timed_out"] = true
			}
			return result, nil
		},
	})
}

// tail keeps the last max bytes of output. The end of a failing command's
// output is usually the interesting part.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
