// Package content maps platform payloads onto the canonical
// {text, attachments} shape consumed by the agent loop.
package content

import (
	"context"
	"log/slog"
	"strings"

	"chanbridge/internal/domain"
)

// Placeholder texts used when a payload carries no usable text.
const (
	PlaceholderVoice = "[voice message]"
	PlaceholderImage = "[image]"
	PlaceholderVideo = "[video]"
	PlaceholderFile  = "[file]"
	PlaceholderEmpty = "[empty message]"
	downloadFailed   = " (download failed)"
)

// SpeechToText is implemented by *Transcriber.
type SpeechToText interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// AttachmentArchive is implemented by *Archive.
type AttachmentArchive interface {
	Put(ctx context.Context, assistantID string, att domain.Attachment) (string, error)
}

// ExtractorConfig configures an Extractor. Transcriber and Archive are optional.
type ExtractorConfig struct {
	Downloader  *Downloader
	Transcriber SpeechToText
	Archive     AttachmentArchive
	// BotNames are the handles a leading mention is stripped for. When empty,
	// any leading mention token is stripped.
	BotNames []string
	Logger   *slog.Logger
}

// Extractor never fails: every path yields non-empty text.
type Extractor struct {
	downloader  *Downloader
	transcriber SpeechToText
	archive     AttachmentArchive
	botNames    map[string]struct{}
	logger      *slog.Logger
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	names := make(map[string]struct{}, len(cfg.BotNames))
	for _, n := range cfg.BotNames {
		names[normalizeMention(n)] = struct{}{}
	}
	return &Extractor{
		downloader:  cfg.Downloader,
		transcriber: cfg.Transcriber,
		archive:     cfg.Archive,
		botNames:    names,
		logger:      cfg.Logger,
	}
}

// Extract maps msg.Payload onto domain.Content. resolver may be nil when
// every MediaRef carries a direct URL.
func (e *Extractor) Extract(ctx context.Context, msg domain.InboundMessage, resolver domain.MediaResolver) domain.Content {
	var c domain.Content

	switch p := msg.Payload.(type) {
	case domain.TextPayload:
		c.Text = e.StripMention(p.Text)
	case domain.VoicePayload:
		att, ok := e.fetch(ctx, msg, resolver, domain.KindVoice, p.Media)
		text := strings.TrimSpace(p.Transcript)
		if ok {
			c.Attachments = append(c.Attachments, att)
			if text == "" {
				text = e.transcribe(ctx, att.Path)
			}
		}
		c.Text = withPlaceholder(text, PlaceholderVoice, ok)
	case domain.ImagePayload:
		c = e.media(ctx, msg, resolver, domain.KindImage, p.Media, p.Caption, PlaceholderImage)
	case domain.VideoPayload:
		c = e.media(ctx, msg, resolver, domain.KindVideo, p.Media, p.Caption, PlaceholderVideo)
	case domain.FilePayload:
		c = e.media(ctx, msg, resolver, domain.KindFile, p.Media, p.Caption, fileLabel(p.Media))
	case domain.RichTextPayload:
		c = e.richText(ctx, msg, resolver, p)
	default:
		e.logger.Warn("unknown payload type", "message", msg.ID)
	}

	if strings.TrimSpace(c.Text) == "" {
		c.Text = PlaceholderEmpty
	}
	return c
}

func (e *Extractor) media(ctx context.Context, msg domain.InboundMessage, resolver domain.MediaResolver, kind domain.PayloadKind, ref domain.MediaRef, caption, placeholder string) domain.Content {
	var c domain.Content
	att, ok := e.fetch(ctx, msg, resolver, kind, ref)
	if ok {
		c.Attachments = append(c.Attachments, att)
	}
	caption = e.StripMention(caption)
	if caption != "" {
		c.Text = caption
		if !ok {
			c.Text += "\n" + placeholder + downloadFailed
		}
		return c
	}
	c.Text = withPlaceholder("", placeholder, ok)
	return c
}

func (e *Extractor) richText(ctx context.Context, msg domain.InboundMessage, resolver domain.MediaResolver, p domain.RichTextPayload) domain.Content {
	var c domain.Content
	var parts []string
	for _, seg := range p.Segments {
		switch seg.Kind {
		case domain.SegmentMention:
			continue
		case domain.SegmentText:
			if t := strings.TrimSpace(seg.Text); t != "" {
				parts = append(parts, t)
			}
		case domain.SegmentImage, domain.SegmentFile:
			kind := domain.KindImage
			if seg.Kind == domain.SegmentFile {
				kind = domain.KindFile
			}
			att, ok := e.fetch(ctx, msg, resolver, kind, seg.Media)
			if ok {
				c.Attachments = append(c.Attachments, att)
			} else {
				parts = append(parts, string("["+kind+"]")+downloadFailed)
			}
		}
	}
	c.Text = e.StripMention(strings.Join(parts, "\n"))
	return c
}

// fetch resolves and downloads ref. Failures are logged and reported as !ok.
func (e *Extractor) fetch(ctx context.Context, msg domain.InboundMessage, resolver domain.MediaResolver, kind domain.PayloadKind, ref domain.MediaRef) (domain.Attachment, bool) {
	if e.downloader == nil {
		return domain.Attachment{}, false
	}
	url, header := ref.URL, ref.Header
	if url == "" {
		if resolver == nil || ref.FileID == "" {
			e.logger.Warn("media reference not resolvable", "message", msg.ID, "kind", kind)
			return domain.Attachment{}, false
		}
		var err error
		url, header, err = resolver.ResolveMedia(ctx, ref)
		if err != nil {
			e.logger.Warn("resolve media failed", "message", msg.ID, "kind", kind, "error", err)
			return domain.Attachment{}, false
		}
	}

	att, err := e.downloader.Fetch(ctx, kind, ref, url, header)
	if err != nil {
		e.logger.Warn("media download failed", "message", msg.ID, "kind", kind, "error", err)
		return domain.Attachment{}, false
	}

	if e.archive != nil {
		if link, err := e.archive.Put(ctx, msg.AssistantID, att); err != nil {
			e.logger.Warn("attachment archive failed", "path", att.Path, "error", err)
		} else {
			att.ArchiveURL = link
		}
	}
	return att, true
}

func (e *Extractor) transcribe(ctx context.Context, path string) string {
	if e.transcriber == nil {
		return ""
	}
	text, err := e.transcriber.Transcribe(ctx, path)
	if err != nil {
		e.logger.Warn("voice transcription failed", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

// StripMention removes one leading mention token ("@bot", "<@U123>", "<@!123>").
func (e *Extractor) StripMention(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	token, rest, _ := strings.Cut(text, " ")
	if !isMentionToken(token) {
		return text
	}
	if len(e.botNames) > 0 {
		if _, ok := e.botNames[normalizeMention(token)]; !ok {
			return text
		}
	}
	return strings.TrimSpace(rest)
}

func isMentionToken(tok string) bool {
	if strings.HasPrefix(tok, "<@") && strings.HasSuffix(tok, ">") {
		return len(tok) > 3
	}
	return strings.HasPrefix(tok, "@") && len(tok) > 1
}

func normalizeMention(s string) string {
	s = strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(s), ">"), "<")
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimPrefix(s, "!")
	return strings.ToLower(s)
}

func withPlaceholder(text, placeholder string, downloaded bool) string {
	if text != "" {
		return text
	}
	if downloaded {
		return placeholder
	}
	return placeholder + downloadFailed
}

func fileLabel(ref domain.MediaRef) string {
	if ref.Name != "" {
		return "[file: " + ref.Name + "]"
	}
	return PlaceholderFile
}

// PromptText renders c as the user turn text, listing attachments so tools
// such as read_file can reach them.
func PromptText(c domain.Content) string {
	if len(c.Attachments) == 0 {
		return c.Text
	}
	var b strings.Builder
	b.WriteString(c.Text)
	b.WriteString("\n\nAttachments:")
	for _, a := range c.Attachments {
		b.WriteString("\n- ")
		b.WriteString(a.Path)
		if a.MimeType != "" {
			b.WriteString(" (" + a.MimeType + ")")
		}
		if a.ArchiveURL != "" {
			b.WriteString(" " + a.ArchiveURL)
		}
	}
	return b.String()
}
