package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTools_RoundTrip(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	ctx := context.Background()

	msg, err := NewWriteFileTool(ws).Execute(ctx, map[string]any{"path": "notes/a.txt", "content": "hello"})
	require.NoError(t, err)
	assert.Contains(t, msg, "wrote 5 bytes")

	out, err := NewReadFileTool(ws).Execute(ctx, map[string]any{"path": "notes/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	list, err := NewListDirTool(ws).Execute(ctx, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "notes/", list)

	list, err = NewListDirTool(ws).Execute(ctx, map[string]any{"path": "notes"})
	require.NoError(t, err)
	assert.Equal(t, "a.txt 5", list)
}

func TestFileTools_EmptyDirAndMissingPath(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	ctx := context.Background()

	out, err := NewListDirTool(ws).Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "(empty directory)", out)

	_, err = NewReadFileTool(ws).Execute(ctx, map[string]any{})
	assert.ErrorContains(t, err, "missing argument: path")
}

func TestFileTools_Truncates(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	big := strings.Repeat("x", maxReadBytes+10)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "big.txt"), []byte(big), 0o644))

	out, err := NewReadFileTool(ws).Execute(context.Background(), map[string]any{"path": "big.txt"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "\n[truncated]"))
	assert.Len(t, out, maxReadBytes+len("\n[truncated]"))
}

func TestWorkspace_Resolve(t *testing.T) {
	root := t.TempDir()
	media := t.TempDir()
	ws := Workspace{Root: root, ReadRoots: []string{media}}
	attachment := filepath.Join(media, "photo.txt")

	tests := []struct {
		name  string
		path  string
		write bool
		ok    bool
	}{
		{"relative", "a/b.txt", true, true},
		{"root itself", ".", false, true},
		{"traversal", "../../etc/passwd", false, false},
		{"sibling prefix", root + "-evil/x", false, false},
		{"read root readable", attachment, false, true},
		{"read root not writable", attachment, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ws.resolve(tt.path, tt.write)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errOutsideWorkspace)
			}
		})
	}

	unconfined, err := Workspace{}.resolve("/etc/hosts", true)
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", unconfined)
}
