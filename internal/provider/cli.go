package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIProvider shells out to a locally installed agent binary (claude, codex,
// gemini, llm). It cannot request tool calls, so every answer is final.
type CLIProvider struct {
	binaryPath string
	args       []string
}

func NewCLIProvider(binaryPath string, args []string) (*CLIProvider, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("binary path is required for CLI provider")
	}
	return &CLIProvider{
		binaryPath: binaryPath,
		args:       args,
	}, nil
}

func (p *CLIProvider) Name() string {
	return "cli-" + p.binaryPath
}

func (p *CLIProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	var prompt string
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}

	fullArgs := append(append([]string(nil), p.args...), prompt)

	execCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.binaryPath, fullArgs...) // #nosec G204

	output, err := cmd.CombinedOutput()
	result := string(output)

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("cli agent timed out: %w", err)
		}
		return nil, fmt.Errorf("cli agent failed: %w\nOutput: %s", err, result)
	}

	return &Response{
		Content: result,
		Usage: Usage{
			TotalTokens: len(strings.Fields(result)),
		},
	}, nil
}
