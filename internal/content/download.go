package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/vincent-petithory/dataurl"

	"chanbridge/internal/domain"
)

const (
	DefaultMaxDownloadBytes = 20 << 20
	DefaultDownloadTimeout  = 30 * time.Second
)

// ErrTooLarge is returned when media exceeds the download size limit.
var ErrTooLarge = errors.New("media exceeds size limit")

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	Dir      string // defaults to os.TempDir()
	MaxBytes int64
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Downloader fetches remote media to local temp files under size and time limits.
type Downloader struct {
	client   *resty.Client
	dir      string
	maxBytes int64
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxDownloadBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDownloadTimeout
	}
	return &Downloader{
		client:   resty.New().SetTimeout(cfg.Timeout),
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Fetch downloads ref (already resolved to url + header) into a temp file.
func (d *Downloader) Fetch(ctx context.Context, kind domain.PayloadKind, ref domain.MediaRef, url string, header map[string]string) (domain.Attachment, error) {
	if strings.HasPrefix(url, "data:") {
		return d.fromDataURL(kind, ref, url)
	}
	if ref.Size > d.maxBytes {
		return domain.Attachment{}, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, ref.Size)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeaders(header).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("download media: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return domain.Attachment{}, fmt.Errorf("download media: HTTP %d", resp.StatusCode())
	}

	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = resp.Header().Get("Content-Type")
	}
	return d.writeTemp(kind, ref.Name, mimeType, io.LimitReader(body, d.maxBytes+1))
}

func (d *Downloader) fromDataURL(kind domain.PayloadKind, ref domain.MediaRef, url string) (domain.Attachment, error) {
	du, err := dataurl.DecodeString(url)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("decode data url: %w", err)
	}
	if int64(len(du.Data)) > d.maxBytes {
		return domain.Attachment{}, fmt.Errorf("%w: inline %d bytes", ErrTooLarge, len(du.Data))
	}
	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = du.MediaType.ContentType()
	}
	return d.writeTemp(kind, ref.Name, mimeType, bytes.NewReader(du.Data))
}

func (d *Downloader) writeTemp(kind domain.PayloadKind, name, mimeType string, r io.Reader) (domain.Attachment, error) {
	ext := filepath.Ext(name)
	if ext == "" && mimeType != "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	f, err := os.CreateTemp(d.dir, "chanbridge-"+string(kind)+"-*"+ext)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil && n > d.maxBytes {
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.maxBytes)
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return domain.Attachment{}, err
	}

	if name == "" {
		name = filepath.Base(f.Name())
	}
	d.logger.Debug("media downloaded", "kind", kind, "path", f.Name(), "bytes", n)
	return domain.Attachment{
		Kind:     kind,
		Path:     f.Name(),
		Name:     name,
		MimeType: mimeType,
		Size:     n,
	}, nil
}
