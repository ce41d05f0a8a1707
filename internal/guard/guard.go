// Package guard enforces the sandbox boundary for filesystem access.
// Every path a tool touches must pass through Resolve; paths that escape
// the configured root are rejected before any I/O happens.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrOutOfBounds is returned when a path resolves outside the sandbox root.
var ErrOutOfBounds = errors.New("path outside sandbox root")

// Guard validates paths against a sandbox root and a set of ignore globs.
type Guard struct {
	root        string
	ignoreGlobs []string
	allowShell  bool
}

// New creates a Guard rooted at root. The root itself is canonicalized so
// that later prefix checks compare like with like.
func New(root string, ignoreGlobs []string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid root %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize root %q: %w", root, err)
	}
	return &Guard{
		root:        canonical,
		ignoreGlobs: ignoreGlobs,
	}, nil
}

// SetAllowShell enables the command safety check to pass for safe commands.
// With shell disabled every command is rejected.
func (g *Guard) SetAllowShell(allow bool) {
	g.allowShell = allow
}

// Root returns the canonical sandbox root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve canonicalizes requested (relative paths are joined onto the root)
// and verifies the result stays inside the sandbox. Symlinks are followed,
// including in parent directories of paths that do not exist yet, so a link
// pointing outside the root cannot be used to escape.
func (g *Guard) Resolve(requested string) (string, error) {
	p := requested
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	p = filepath.Clean(p)

	canonical, err := canonicalize(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", requested, err)
	}

	if !within(g.root, canonical) {
		return "", fmt.Errorf("%w: %s", ErrOutOfBounds, requested)
	}
	return canonical, nil
}

// Rel returns the root-relative form of an already resolved path, for
// display and ignore matching.
func (g *Guard) Rel(abs string) string {
	rel, err := filepath.Rel(g.root, abs)
	if err != nil {
		return abs
	}
	return rel
}

// IsIgnored reports whether a root-relative path matches any ignore glob.
// A bare pattern such as ".git" also matches that name as any path segment,
// so dependency caches are skipped wherever they appear in the tree.
func (g *Guard) IsIgnored(rel string) bool {
	rel = filepath.ToSlash(rel)
	segments := strings.Split(rel, "/")
	for _, pattern := range g.ignoreGlobs {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		for _, seg := range segments {
			if seg == pattern {
				return true
			}
		}
	}
	return false
}

// unsafeTokens blocks command lines that could wreck the machine even
// inside the sandbox. Matching is substring-based on the lowered command.
var unsafeTokens = []string{
	"rm -rf", "mkfs", ":(){", "dd if=", ">/dev/sd", "kill -9",
	"shutdown", "reboot", "chmod -r 777", "chown -r /", "mount ", "umount ",
}

// CheckCommand verifies a shell command may run. Shell execution must be
// enabled explicitly, and known-destructive commands are always rejected.
func (g *Guard) CheckCommand(cmd string) error {
	if !g.allowShell {
		return errors.New("shell execution is disabled; set ALLOW_SHELL=1 to enable")
	}
	lower := strings.ToLower(strings.TrimSpace(cmd))
	if lower == "" {
		return errors.New("empty command")
	}
	for _, tok := range unsafeTokens {
		if strings.Contains(lower, tok) {
			return fmt.Errorf("command blocked as unsafe: %s", cmd)
		}
	}
	return nil
}

// canonicalize resolves symlinks for p even when p (or a suffix of it) does
// not exist yet: the deepest existing ancestor is resolved and the remaining
// segments are joined back on.
func canonicalize(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir := p
	var rest []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			// Hit the filesystem root without finding anything.
			return p, nil
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
		dir = parent

		resolved, err = filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
}

// within reports whether path is root or lies underneath it. The check is
// separator-aware so /tmp/proj does not admit /tmp/project.
func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
