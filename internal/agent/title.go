package agent

import (
	"context"
	"fmt"
	"strings"

	"chanbridge/internal/domain"
)

const (
	titlePrompt  = "Write a short title (at most six words) for the conversation below. Reply with the title only, no quotes."
	titleTurnCap = 500 // runes per turn
)

// TitleWriter asks the model for a session title.
type TitleWriter struct {
	provider domain.Provider
}

func NewTitleWriter(p domain.Provider) *TitleWriter {
	return &TitleWriter{provider: p}
}

func (w *TitleWriter) GenerateTitle(ctx context.Context, turns []domain.Message) (string, error) {
	var sb strings.Builder
	for _, m := range turns {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		text := m.Content
		if r := []rune(text); len(r) > titleTurnCap {
			text = string(r[:titleTurnCap]) + "..."
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no turns to title")
	}

	resp, err := w.provider.Chat(ctx, domain.ChatRequest{
		System:      titlePrompt,
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: sb.String()}},
		MaxTokens:   32,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := strings.TrimSpace(resp.Content)
	if title == "" {
		return "", fmt.Errorf("generate title: empty response")
	}
	return title, nil
}
