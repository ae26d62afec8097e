package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"chanbridge/internal/domain"
)

const (
	memoryFileName         = "MEMORY.md"
	defaultMaxContextBytes = 16 << 10
)

var _ domain.ContextProvider = (*FileContext)(nil)

// FileContextConfig configures a FileContext.
type FileContextConfig struct {
	Root     string // directory holding MEMORY.md and <assistantID>/MEMORY.md
	MaxBytes int
}

// FileContext reads layered MEMORY.md notes: global, per assistant, and
// per working directory, in that order.
type FileContext struct {
	root     string
	maxBytes int
}

func NewFileContext(cfg FileContextConfig) *FileContext {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxContextBytes
	}
	return &FileContext{root: cfg.Root, maxBytes: cfg.MaxBytes}
}

// BuildContext concatenates the notes that exist. Missing files are skipped;
// prompt is accepted for interface compatibility and not used for ranking.
func (f *FileContext) BuildContext(ctx context.Context, prompt, assistantID, cwd string) (string, error) {
	var paths []string
	if f.root != "" {
		paths = append(paths, filepath.Join(f.root, memoryFileName))
		if assistantID != "" {
			paths = append(paths, filepath.Join(f.root, filepath.Base(assistantID), memoryFileName))
		}
	}
	if cwd != "" {
		paths = append(paths, filepath.Join(cwd, memoryFileName))
	}

	var b strings.Builder
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", p, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}

	out := b.String()
	if len(out) > f.maxBytes {
		out = out[:f.maxBytes] + "\n[truncated]"
	}
	return out, nil
}
