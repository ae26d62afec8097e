package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "bridge.db"), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_SessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, domain.SessionMeta{
		AssistantID: "a1", Platform: "telegram", ConversationID: "c1", Scope: domain.ScopeDirect, Title: "hello",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.RecordMessage(ctx, id, domain.SessionEvent{Role: "user", Content: "hello"}))
	require.NoError(t, s.RecordMessage(ctx, id, domain.SessionEvent{Role: "assistant", Content: "hi"}))

	title := "Greetings"
	require.NoError(t, s.UpdateSession(ctx, id, domain.SessionPatch{Title: &title}))

	row, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Greetings", row.Title)
	assert.Equal(t, "direct", row.Scope)

	msgs, err := s.Messages(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Content)

	list, err := s.ListSessions(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLStore_UpdateUnknownSession(t *testing.T) {
	s := openTestStore(t)
	title := "x"
	err := s.UpdateSession(context.Background(), "missing", domain.SessionPatch{Title: &title})
	assert.Error(t, err)

	row, err := s.GetSession(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, row)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(StoreConfig{Driver: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestFileContext_LayersNotes(t *testing.T) {
	root := t.TempDir()
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, memoryFileName), []byte("global note"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a1", memoryFileName), []byte("assistant note"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, memoryFileName), []byte("project note"), 0o644))

	fc := NewFileContext(FileContextConfig{Root: root})
	out, err := fc.BuildContext(context.Background(), "anything", "a1", cwd)
	require.NoError(t, err)
	assert.Equal(t, "global note\n\nassistant note\n\nproject note", out)

	out, err = fc.BuildContext(context.Background(), "anything", "a2", "")
	require.NoError(t, err)
	assert.Equal(t, "global note", out)
}

func TestFileContext_Truncates(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, memoryFileName), []byte("0123456789abcdef"), 0o644))

	out, err := NewFileContext(FileContextConfig{Root: root, MaxBytes: 10}).BuildContext(context.Background(), "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "0123456789\n[truncated]", out)
}
