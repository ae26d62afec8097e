package content

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
)

// TranscriberConfig configures a Whisper-compatible speech-to-text endpoint.
type TranscriberConfig struct {
	APIBase  string // e.g. "https://api.groq.com/openai/v1"
	APIKey   string
	Model    string
	Language string // optional ISO-639-1 code
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Transcriber turns downloaded voice notes into text.
type Transcriber struct {
	client   *resty.Client
	model    string
	language string
	logger   *slog.Logger
}

func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(cfg.APIBase).
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout)
	return &Transcriber{client: client, model: cfg.Model, language: cfg.Language, logger: cfg.Logger}
}

type transcription struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe uploads the audio file at path and returns the recognized text.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	form := map[string]string{"model": t.model, "response_format": "json"}
	if t.language != "" {
		form["language"] = t.language
	}

	var out transcription
	resp, err := t.client.R().
		SetContext(ctx).
		SetFileReader("file", filepath.Base(path), f).
		SetFormData(form).
		SetResult(&out).
		Post("/audio/transcriptions")
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("transcription API error (status %d): %s", resp.StatusCode(), resp.String())
	}

	t.logger.Info("transcription complete", "text_len", len(out.Text), "language", out.Language, "duration", out.Duration)
	return out.Text, nil
}
