package content

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"chanbridge/internal/domain"
)

// ArchiveConfig configures S3-compatible attachment archiving.
type ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string // custom endpoint for MinIO and friends
	AccessKey string
	SecretKey string
	PathStyle bool
	Prefix    string
	PublicURL string // base URL used to build links; derived from bucket/region when empty
	Logger    *slog.Logger
}

// Archive copies downloaded attachments to object storage so links outlive
// the local temp files.
type Archive struct {
	client    *s3.Client
	bucket    string
	prefix    string
	publicURL string
	logger    *slog.Logger
}

func NewArchive(cfg ArchiveConfig) *Archive {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	usePathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		switch {
		case cfg.Endpoint != "":
			publicURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		case usePathStyle:
			publicURL = fmt.Sprintf("https://s3.%s.amazonaws.com/%s", cfg.Region, cfg.Bucket)
		default:
			publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}

	return &Archive{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		publicURL: publicURL,
		logger:    cfg.Logger,
	}
}

// ObjectKey builds "<prefix>/<assistant>/<yyyy/mm/dd>/<file>".
func (a *Archive) ObjectKey(assistantID string, att domain.Attachment, now time.Time) string {
	return path.Join(a.prefix, assistantID, now.UTC().Format("2006/01/02"), path.Base(att.Path))
}

// Put uploads att and returns its public URL.
func (a *Archive) Put(ctx context.Context, assistantID string, att domain.Attachment) (string, error) {
	f, err := os.Open(att.Path)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := a.ObjectKey(assistantID, att, time.Now())
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	a.logger.Debug("attachment archived", "bucket", a.bucket, "key", key)
	return a.publicURL + "/" + key, nil
}
