package guard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newGuard(t *testing.T, globs []string) (*Guard, string) {
	t.Helper()
	root := t.TempDir()
	g, err := New(root, globs)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g, g.Root()
}

func TestGuard_Resolve(t *testing.T) {
	g, root := newGuard(t, nil)

	t.Run("RelativeInside", func(t *testing.T) {
		got, err := g.Resolve("notes/todo.txt")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		want := filepath.Join(root, "notes", "todo.txt")
		if got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	})

	t.Run("DotSegmentsInside", func(t *testing.T) {
		got, err := g.Resolve("a/b/../c.txt")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got != filepath.Join(root, "a", "c.txt") {
			t.Errorf("Unexpected resolution: %s", got)
		}
	})

	t.Run("TraversalEscape", func(t *testing.T) {
		if _, err := g.Resolve("../escape.txt"); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Expected ErrOutOfBounds, got %v", err)
		}
		if _, err := g.Resolve("a/../../escape.txt"); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Expected ErrOutOfBounds, got %v", err)
		}
	})

	t.Run("AbsoluteOutside", func(t *testing.T) {
		if _, err := g.Resolve("/etc/passwd"); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Expected ErrOutOfBounds, got %v", err)
		}
	})

	t.Run("AbsoluteInside", func(t *testing.T) {
		got, err := g.Resolve(filepath.Join(root, "ok.txt"))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got != filepath.Join(root, "ok.txt") {
			t.Errorf("Unexpected resolution: %s", got)
		}
	})

	t.Run("SiblingPrefixNotAdmitted", func(t *testing.T) {
		if _, err := g.Resolve(root + "x/file.txt"); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Expected ErrOutOfBounds for sibling with shared prefix, got %v", err)
		}
	})
}

func TestGuard_Resolve_SymlinkEscape(t *testing.T) {
	g, root := newGuard(t, nil)

	outside := t.TempDir()
	link := filepath.Join(root, "leak")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := g.Resolve("leak/secret.txt"); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds through symlink, got %v", err)
	}

	// A symlink that stays inside the root is fine.
	inside := filepath.Join(root, "real")
	if err := os.Mkdir(inside, 0750); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := os.Symlink(inside, filepath.Join(root, "alias")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}
	got, err := g.Resolve("alias/new.txt")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, root) {
		t.Errorf("Resolved path %s not under root", got)
	}
}

func TestGuard_IsIgnored(t *testing.T) {
	g, _ := newGuard(t, []string{".git", "node_modules", "*.log"})

	cases := []struct {
		rel  string
		want bool
	}{
		{".git", true},
		{".git/config", true},
		{"pkg/node_modules/left-pad/index.js", true},
		{"debug.log", true},
		{"src/main.go", false},
		{"gitlog.txt", false},
	}
	for _, tc := range cases {
		if got := g.IsIgnored(tc.rel); got != tc.want {
			t.Errorf("IsIgnored(%q) = %v, want %v", tc.rel, got, tc.want)
		}
	}
}

func TestGuard_CheckCommand(t *testing.T) {
	g, _ := newGuard(t, nil)

	t.Run("DisabledByDefault", func(t *testing.T) {
		if err := g.CheckCommand("ls"); err == nil {
			t.Error("Expected error while shell is disabled")
		}
	})

	g.SetAllowShell(true)

	t.Run("SafeAllowed", func(t *testing.T) {
		if err := g.CheckCommand("go test ./..."); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("UnsafeBlocked", func(t *testing.T) {
		for _, cmd := range []string{"rm -rf /", "sudo shutdown now", "dd if=/dev/zero of=/dev/sda"} {
			if err := g.CheckCommand(cmd); err == nil {
				t.Errorf("Expected %q to be blocked", cmd)
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if err := g.CheckCommand("  "); err == nil {
			t.Error("Expected error for empty command")
		}
	})
}

func TestGuard_Rel(t *testing.T) {
	g, root := newGuard(t, nil)
	if rel := g.Rel(filepath.Join(root, "a", "b.txt")); rel != filepath.Join("a", "b.txt") {
		t.Errorf("Unexpected rel: %s", rel)
	}
}
