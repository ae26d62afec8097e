package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chanbridge/internal/domain"
)

const maxReadBytes = 64 << 10

var errOutsideWorkspace = errors.New("path is outside the workspace")

// Workspace confines file tools to Root. ReadRoots (the media download
// directory, typically) may be read but never written.
type Workspace struct {
	Root      string
	ReadRoots []string
}

func within(root, path string) bool {
	if root == "" {
		return false
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(abs, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolve turns a model-supplied path into an absolute one inside the
// allowed roots. With no Root configured every path is allowed.
func (w Workspace) resolve(raw string, write bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing argument: path")
	}
	if !filepath.IsAbs(raw) {
		raw = filepath.Join(w.Root, raw)
	}
	path, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", raw, err)
	}
	if w.Root == "" || within(w.Root, path) {
		return path, nil
	}
	if !write {
		for _, r := range w.ReadRoots {
			if within(r, path) {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", path, errOutsideWorkspace)
}

type ReadFileTool struct{ ws Workspace }

func NewReadFileTool(ws Workspace) *ReadFileTool { return &ReadFileTool{ws: ws} }

func (*ReadFileTool) Name() string { return "read_file" }
func (*ReadFileTool) Description() string {
	return "Return the text of a workspace file or a received attachment (first 64 KiB)."
}
func (*ReadFileTool) Parameters() map[string]any {
	return params().str("path", "workspace-relative or absolute file path", true).schema()
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) (string, error) {
	path, err := t.ws.resolve(Args(args).String("path"), false)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var sb strings.Builder
	n, err := io.Copy(&sb, io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if n > maxReadBytes {
		return sb.String()[:maxReadBytes] + "\n[truncated]", nil
	}
	return sb.String(), nil
}

type WriteFileTool struct{ ws Workspace }

func NewWriteFileTool(ws Workspace) *WriteFileTool { return &WriteFileTool{ws: ws} }

func (*WriteFileTool) Name() string { return "write_file" }
func (*WriteFileTool) Description() string {
	return "Create or replace a file under the workspace. Missing directories are created."
}
func (*WriteFileTool) Parameters() map[string]any {
	return params().
		str("path", "workspace-relative file path", true).
		str("content", "full file content", true).
		schema()
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) (string, error) {
	a := Args(args)
	path, err := t.ws.resolve(a.String("path"), true)
	if err != nil {
		return "", err
	}
	content := a.String("content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

type ListDirTool struct{ ws Workspace }

func NewListDirTool(ws Workspace) *ListDirTool { return &ListDirTool{ws: ws} }

func (*ListDirTool) Name() string { return "list_dir" }
func (*ListDirTool) Description() string {
	return "List a workspace directory. Directories end in '/', files show their size in bytes."
}
func (*ListDirTool) Parameters() map[string]any {
	return params().str("path", "directory path, '.' for the workspace root", false).schema()
}

func (t *ListDirTool) Execute(_ context.Context, args map[string]any) (string, error) {
	dir := Args(args).String("path")
	if dir == "" {
		dir = "."
	}
	path, err := t.ws.resolve(dir, false)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(e.Name())
		if e.IsDir() {
			sb.WriteByte('/')
		} else if info, err := e.Info(); err == nil {
			fmt.Fprintf(&sb, " %d", info.Size())
		}
	}
	return sb.String(), nil
}

var (
	_ domain.Tool = (*ReadFileTool)(nil)
	_ domain.Tool = (*WriteFileTool)(nil)
	_ domain.Tool = (*ListDirTool)(nil)
)
