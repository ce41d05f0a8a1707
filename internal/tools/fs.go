package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/felixgeelhaar/fsbridge/internal/guard"
	"github.com/felixgeelhaar/fsbridge/internal/provider"
)

const (
	backupTimeFormat = "20060102-150405"
	maxTreeEntries   = 500
	maxMatchLine     = 200
)

// fsTools binds the filesystem handlers to a guard and the read cap.
type fsTools struct {
	guard        *guard.Guard
	maxReadBytes int
}

// RegisterFS registers the built-in filesystem tools. Every path argument is
// resolved through the guard before any I/O.
func RegisterFS(r *Registry, g *guard.Guard, maxReadBytes int) error {
	t := &fsTools{guard: g, maxReadBytes: maxReadBytes}

	tools := []Tool{
		{
			Schema: provider.ToolSchema{
				Name:        "list_dir",
				Description: "List entries of a directory inside the workspace.",
				Parameters: map[string]provider.Property{
					"path": {Type: "string", Description: "Directory path, relative to the workspace root. Defaults to the root."},
				},
			},
			Run: t.listDir,
		},
		{
			Schema: provider.ToolSchema{
				Name:        "read_file",
				Description: "Read a text file. Large files are clipped; use read_file_range for the rest.",
				Parameters: map[string]provider.Property{
					"path": {Type: "string", Description: "File path relative to the workspace root."},
				},
				Required: []string{"path"},
			},
			Run: t.readFile,
		},
		{
			Schema: provider.ToolSchema{
				Name:        "read_file_range",
				Description: "Read a byte range of a file. Returns next_start for continuing, or -1 at end of file.",
				Parameters: map[string]provider.Property{
					"path":  {Type: "string", Description: "File path relative to the workspace root."},
					"start": {Type: "integer", Description: "Byte offset to start at. Defaults to 0."},
					"size":  {Type: "integer", Description: "Bytes to read. Defaults to the read cap."},
				},
				Required: []string{"path"},
			},
			Run: t.readFileRange,
		},
		{
			Schema: provider.ToolSchema{
				Name:        "write_file",
				Description: "Write a file, creating parent directories. An existing file is backed up first.",
				Parameters: map[string]provider.Property{
					"path":    {Type: "string", Description: "File path relative to the workspace root."},
					"content": {Type: "string", Description: "Full new file content."},
				},
				Required: []string{"path", "content"},
			},
			Run: t.writeFile,
		},
		{
			Schema: provider.ToolSchema{
				Name:        "write_files_batch",
				Description: "Write several files in one call. Each existing file is backed up; failures are reported per file.",
				Parameters: map[string]provider.Property{
					"files": {Type: "array", Description: "Objects with path and content fields.", Items: &provider.Property{Type: "object"}},
				},
				Required: []string{"files"},
			},
			Run: t.writeFilesBatch,
		},
		{
			Schema: provider.ToolSchema{
				Name:        "list_tree",
				Description: "Recursively list the workspace tree up to a depth limit, skipping ignored paths.",
				Parameters: map[string]provider.Property{
					"path":      {Type: "string", Description: "Subtree to list. Defaults to the workspace root."},
					"max_depth": {Type: "integer", Description: "Directory depth limit. Defaults to 3."},
				},
			},
			Run: t.listTree,
		},
		{
			Schema: provider.ToolSchema{
				Name:        "search_text",
				Description: "Search file contents with a regular expression. Returns file, line number and matching line.",
				Parameters: map[string]provider.Property{
					"pattern":     {Type: "string", Description: "Go regular expression."},
					"path":        {Type: "string", Description: "Subtree to search. Defaults to the workspace root."},
					"max_results": {Type: "integer", Description: "Result cap. Defaults to 50."},
				},
				Required: []string{"pattern"},
			},
			Run: t.searchText,
		},
		{
			Schema: provider.ToolSchema{
				Name:        "replace_text",
				Description: "Replace text in a file. Set dry_run to count matches without writing; set regex for pattern mode.",
				Parameters: map[string]provider.Property{
					"path":    {Type: "string", Description: "File path relative to the workspace root."},
					"old":     {Type: "string", Description: "Text or pattern to replace."},
					"new":     {Type: "string", Description: "Replacement text."},
					"regex":   {Type: "boolean", Description: "Treat old as a Go regular expression."},
					"dry_run": {Type: "boolean", Description: "Only count matches, do not write."},
				},
				Required: []string{"path", "old", "new"},
			},
			Run: t.replaceText,
		},
	}

	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func (t *fsTools) listDir(_ context.Context, args Args) (any, error) {
	abs, err := t.guard.Resolve(args.String("path", "."))
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.guard.Rel(abs), err)
	}

	type entry struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Size int64  `json:"size,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		rel := filepath.Join(t.guard.Rel(abs), e.Name())
		if t.guard.IsIgnored(rel) {
			continue
		}
		ent := entry{Name: e.Name(), Type: "file"}
		if e.IsDir() {
			ent.Type = "dir"
		} else if info, err := e.Info(); err == nil {
			ent.Size = info.Size()
		}
		out = append(out, ent)
	}

	return map[string]any{"path": t.guard.Rel(abs), "entries": out}, nil
}

func (t *fsTools) readFile(_ context.Context, args Args) (any, error) {
	abs, err := t.guard.Resolve(args.String("path", ""))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.guard.Rel(abs), err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", t.guard.Rel(abs))
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.guard.Rel(abs), err)
	}
	defer f.Close()

	buf := make([]byte, t.maxReadBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read %s: %w", t.guard.Rel(abs), err)
	}

	return map[string]any{
		"path":    t.guard.Rel(abs),
		"content": string(buf[:n]),
		"clipped": info.Size() > int64(n),
		"size":    info.Size(),
	}, nil
}

func (t *fsTools) readFileRange(_ context.Context, args Args) (any, error) {
	abs, err := t.guard.Resolve(args.String("path", ""))
	if err != nil {
		return nil, err
	}

	start := args.Int("start", 0)
	size := args.Int("size", t.maxReadBytes)
	if start < 0 {
		return nil, fmt.Errorf("start must not be negative")
	}
	if size <= 0 || size > t.maxReadBytes {
		size = t.maxReadBytes
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.guard.Rel(abs), err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.guard.Rel(abs), err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(start))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s at %d: %w", t.guard.Rel(abs), start, err)
	}

	nextStart := -1
	if int64(start+n) < info.Size() {
		nextStart = start + n
	}

	return map[string]any{
		"path":       t.guard.Rel(abs),
		"start":      start,
		"content":    string(buf[:n]),
		"next_start": nextStart,
		"file_size":  info.Size(),
	}, nil
}

func (t *fsTools) writeFile(_ context.Context, args Args) (any, error) {
	return t.writeOne(args.String("path", ""), args.String("content", ""))
}

func (t *fsTools) writeOne(path, content string) (map[string]any, error) {
	abs, err := t.guard.Resolve(path)
	if err != nil {
		return nil, err
	}

	backup, err := t.backup(abs)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", t.guard.Rel(abs), err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", t.guard.Rel(abs), err)
	}

	result := map[string]any{
		"path":          t.guard.Rel(abs),
		"bytes_written": len(content),
	}
	if backup != "" {
		result["backup"] = backup
	}
	return result, nil
}

func (t *fsTools) writeFilesBatch(_ context.Context, args Args) (any, error) {
	raw, _ := args["files"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("files must be a non-empty array")
	}

	results := make([]map[string]any, 0, len(raw))
	written := 0
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			results = append(results, map[string]any{"error": fmt.Sprintf("files[%d] is not an object", i)})
			continue
		}
		path, _ := obj["path"].(string)
		content, _ := obj["content"].(string)
		if path == "" {
			results = append(results, map[string]any{"error": fmt.Sprintf("files[%d] has no path", i)})
			continue
		}

		res, err := t.writeOne(path, content)
		if err != nil {
			results = append(results, map[string]any{"path": path, "error": err.Error()})
			continue
		}
		written++
		results = append(results, res)
	}

	return map[string]any{"written": written, "results": results}, nil
}

func (t *fsTools) listTree(_ context.Context, args Args) (any, error) {
	abs, err := t.guard.Resolve(args.String("path", "."))
	if err != nil {
		return nil, err
	}
	maxDepth := args.Int("max_depth", 3)
	if maxDepth < 1 {
		maxDepth = 1
	}

	var entries []string
	truncated := false
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if p == abs {
			return nil
		}
		rel := t.guard.Rel(p)
		if t.guard.IsIgnored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		depth := strings.Count(filepath.ToSlash(rel), "/") + 1
		if depth > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if len(entries) >= maxTreeEntries {
			truncated = true
			return filepath.SkipAll
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			name += "/"
		}
		entries = append(entries, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", t.guard.Rel(abs), err)
	}

	return map[string]any{
		"root":      t.guard.Rel(abs),
		"entries":   entries,
		"truncated": truncated,
	}, nil
}

func (t *fsTools) searchText(ctx context.Context, args Args) (any, error) {
	re, err := regexp.Compile(args.String("pattern", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	abs, err := t.guard.Resolve(args.String("path", "."))
	if err != nil {
		return nil, err
	}

	maxResults := args.Int("max_results", 50)
	if maxResults < 1 {
		maxResults = 1
	}

	type match struct {
		File string `json:"file"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match
	truncated := false

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel := t.guard.Rel(p)
		if p != abs && t.guard.IsIgnored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()

		// Skip binary files.
		head := make([]byte, 8000)
		n, _ := f.Read(head)
		if bytes.IndexByte(head[:n], 0) >= 0 {
			return nil
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			text := strings.TrimSpace(line)
			if len(text) > maxMatchLine {
				text = text[:maxMatchLine]
			}
			matches = append(matches, match{File: filepath.ToSlash(rel), Line: lineNo, Text: text})
			if len(matches) >= maxResults {
				truncated = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	return map[string]any{
		"matches":   matches,
		"truncated": truncated,
	}, nil
}

func (t *fsTools) replaceText(_ context.Context, args Args) (any, error) {
	abs, err := t.guard.Resolve(args.String("path", ""))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.guard.Rel(abs), err)
	}
	content := string(data)

	old := args.String("old", "")
	if old == "" {
		return nil, fmt.Errorf("old must not be empty")
	}
	replacement := args.String("new", "")

	var count int
	var updated string
	if args.Bool("regex", false) {
		re, err := regexp.Compile(old)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		count = len(re.FindAllStringIndex(content, -1))
		updated = re.ReplaceAllString(content, replacement)
	} else {
		count = strings.Count(content, old)
		updated = strings.ReplaceAll(content, old, replacement)
	}

	result := map[string]any{
		"path":         t.guard.Rel(abs),
		"replacements": count,
		"dry_run":      args.Bool("dry_run", false),
	}
	if args.Bool("dry_run", false) || count == 0 {
		return result, nil
	}

	backup, err := t.backup(abs)
	if err != nil {
		return nil, err
	}
	if backup != "" {
		result["backup"] = backup
	}
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", t.guard.Rel(abs), err)
	}
	return result, nil
}

// backup copies an existing file to a timestamped .bak sibling before it is
// overwritten. Returns the root-relative backup path, or "" when the target
// did not exist.
func (t *fsTools) backup(abs string) (string, error) {
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("stat %s: %w", t.guard.Rel(abs), err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", t.guard.Rel(abs))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", t.guard.Rel(abs), err)
	}

	bak := abs + ".bak-" + time.Now().Format(backupTimeFormat)
	if err := os.WriteFile(bak, data, 0o644); err != nil {
		return "", fmt.Errorf("backup %s: %w", t.guard.Rel(abs), err)
	}
	return t.guard.Rel(bak), nil
}
