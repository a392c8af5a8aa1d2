package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/antoineross/supabase-go"
	storage_go "github.com/supabase-community/storage-go"

	"airscrapy/internal/config"
	"airscrapy/internal/logger"
)

// Scheme is the FEED_URI scheme served by Supabase: supabase://<bucket>/<path>.
const Scheme = "supabase"

// Uploader is the part of the Supabase storage client used for feeds.
type Uploader interface {
	UploadFile(bucketID, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

type Supabase struct {
	uploader      Uploader
	defaultBucket string
	log           *logger.Logger
}

// New returns nil without error when Supabase is not configured. Production
// deployments must configure it.
func New(cfg config.Config) (*Supabase, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		if cfg.AppEnv == "production" {
			return nil, fmt.Errorf("production environment requires NEXT_PUBLIC_SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
		return nil, nil
	}
	client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("init supabase client: %w", err)
	}
	return NewWithUploader(client.Storage, cfg.SupabaseBucket), nil
}

func NewWithUploader(u Uploader, defaultBucket string) *Supabase {
	return &Supabase{uploader: u, defaultBucket: defaultBucket, log: logger.New("FeedStorage")}
}

// Store uploads body to the bucket named by the URI host, or the default
// bucket when the host is empty. Existing objects are overwritten.
func (s *Supabase) Store(ctx context.Context, target *url.URL, contentType string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bucket := target.Host
	if bucket == "" {
		bucket = s.defaultBucket
	}
	path := strings.TrimPrefix(target.Path, "/")
	if bucket == "" || path == "" {
		return fmt.Errorf("feed uri %q needs a bucket and an object path", target.String())
	}
	upsert := true
	if _, err := s.uploader.UploadFile(bucket, path, body, storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}); err != nil {
		return fmt.Errorf("upload feed to %s/%s: %w", bucket, path, err)
	}
	s.log.LogSuccessf("feed uploaded to %s/%s", bucket, path)
	return nil
}
