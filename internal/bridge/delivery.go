package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chanbridge/internal/domain"
)

const (
	DefaultDraftInterval = 1200 * time.Millisecond
	draftSuffix          = " …"
)

// SplitChunks splits text into pieces of at most limit runes. A piece ends
// after the last paragraph break that fits, else after the last space or
// newline, else at the hard limit. Joining the pieces yields text unchanged.
func SplitChunks(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		window := prefixRunes(text, limit)
		cut := 0
		if i := strings.LastIndex(window, "\n\n"); i > 0 {
			cut = i + 2
		} else if i := strings.LastIndexAny(window, " \n"); i > 0 {
			cut = i + 1
		} else {
			cut = len(window)
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// prefixRunes returns the longest prefix of s holding at most n runes.
func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// delivery sends one turn's reply. With an editor it keeps a single draft
// message updated while the model streams, at most once per interval.
type delivery struct {
	sender   domain.Sender
	editor   domain.DraftEditor // nil disables drafts
	handle   domain.ReplyHandle
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	draftID  string
	draft    string
	lastEdit time.Time
	failed   bool
}

func newDelivery(sender domain.Sender, handle domain.ReplyHandle, streaming bool, interval, timeout time.Duration, now func() time.Time, logger *slog.Logger) *delivery {
	d := &delivery{
		sender:   sender,
		handle:   handle,
		interval: interval,
		timeout:  timeout,
		now:      now,
		logger:   logger,
	}
	if streaming {
		if ed, ok := sender.(domain.DraftEditor); ok {
			d.editor = ed
		}
	}
	return d
}

// Streaming reports whether partial text will be shown as a draft.
func (d *delivery) Streaming() bool { return d.editor != nil }

// Partial receives the accumulated text of the current model call. The first
// call creates the draft, later calls edit it once the interval has passed.
func (d *delivery) Partial(text string) {
	if d.editor == nil || strings.TrimSpace(text) == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed {
		return
	}
	now := d.now()
	if d.draftID != "" && now.Sub(d.lastEdit) < d.interval {
		return
	}
	preview := d.preview(text)
	if preview == d.draft {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if d.draftID == "" {
		id, err := d.sender.Send(ctx, d.handle, preview)
		if err != nil || id == "" {
			// Without an id the draft cannot be edited; fall back to a
			// single final send.
			d.failed = true
			if err != nil {
				d.logger.Warn("draft send failed", "err", err)
			}
			return
		}
		d.draftID = id
	} else if err := d.editor.Edit(ctx, d.handle, d.draftID, preview); err != nil {
		d.logger.Debug("draft edit failed", "err", err)
		return
	}
	d.draft = preview
	d.lastEdit = now
}

func (d *delivery) preview(text string) string {
	limit := d.sender.ChunkLimit() - utf8.RuneCountInString(draftSuffix)
	if limit <= 0 {
		return text
	}
	if utf8.RuneCountInString(text) > limit {
		return prefixRunes(text, limit)
	}
	return text + draftSuffix
}

// Finish delivers the final text. A reply that fits one chunk replaces the
// draft in place; a longer one deletes the draft and goes out as ordered
// chunks.
func (d *delivery) Finish(ctx context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	chunks := SplitChunks(text, d.sender.ChunkLimit())
	var parts []string
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, strings.TrimRight(c, " \n"))
		}
	}
	if len(parts) == 0 {
		return fmt.Errorf("empty reply")
	}

	if d.draftID != "" {
		if len(parts) == 1 {
			ectx, cancel := context.WithTimeout(ctx, d.timeout)
			err := d.editor.Edit(ectx, d.handle, d.draftID, parts[0])
			cancel()
			if err == nil {
				d.draftID = ""
				return nil
			}
			d.logger.Warn("final draft edit failed, resending", "err", err)
		}
		d.discardLocked(ctx)
	}

	for i, part := range parts {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		_, err := d.sender.Send(sctx, d.handle, part)
		cancel()
		if err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

// Abort removes an outstanding draft.
func (d *delivery) Abort(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discardLocked(ctx)
}

func (d *delivery) discardLocked(ctx context.Context) {
	if d.draftID == "" {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.editor.Delete(dctx, d.handle, d.draftID); err != nil {
		d.logger.Debug("draft delete failed", "err", err)
	}
	d.draftID = ""
}
