// Package inbox stages uploaded files in object storage until a curator
// attaches them to a source or discards them.
package inbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"thelist/api/internal/store"
	"thelist/api/internal/util"
)

// Store is the subset of the record store the inbox needs.
type Store interface {
	InsertUnsortedFile(ctx context.Context, file store.UnsortedFile) (string, error)
	GetUnsortedFile(ctx context.Context, fileID string) (store.UnsortedFile, error)
	ListStagedFiles(ctx context.Context, limit int) ([]store.UnsortedFile, error)
	AttachUnsortedFile(ctx context.Context, fileID, sourceID string) (bool, error)
	DiscardUnsortedFile(ctx context.Context, fileID string) (bool, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service pairs object storage with the unsorted_files table.
type Service struct {
	client *minio.Client
	bucket string
	db     Store
}

// New connects to the object store and ensures the staging bucket
// exists.
func New(ctx context.Context, cfg Config, db Store) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Printf("inbox: created bucket %s", cfg.Bucket)
	}

	return &Service{client: client, bucket: cfg.Bucket, db: db}, nil
}

// ObjectKey builds the storage key for a staged upload. Keys are
// date-partitioned with a random component so original names never
// collide.
func ObjectKey(now time.Time, originalName string) string {
	base := sanitizeName(originalName)
	return fmt.Sprintf("unsorted/%s/%s_%s", now.UTC().Format("2006/01/02"), util.NewID(""), base)
}

func sanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, base)
	if base == "" || base == "." {
		return "upload"
	}
	return base
}

// Stage uploads a file into the bucket and records it as staged.
func (s *Service) Stage(ctx context.Context, reader io.Reader, size int64, originalName, contentType, uploadedBy string) (store.UnsortedFile, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := ObjectKey(time.Now(), originalName)

	if _, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return store.UnsortedFile{}, fmt.Errorf("upload %s: %w", key, err)
	}

	file := store.UnsortedFile{
		ObjectKey:    key,
		OriginalName: originalName,
		ContentType:  contentType,
		Size:         size,
		UploadedBy:   uploadedBy,
	}
	id, err := s.db.InsertUnsortedFile(ctx, file)
	if err != nil {
		// The row is the source of truth; drop the orphan object.
		if removeErr := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); removeErr != nil {
			log.Printf("inbox: remove orphan object %s: %v", key, removeErr)
		}
		return store.UnsortedFile{}, err
	}
	file.ID = id
	file.Status = store.UnsortedStaged
	return file, nil
}

// ListStaged returns files waiting in the inbox.
func (s *Service) ListStaged(ctx context.Context, limit int) ([]store.UnsortedFile, error) {
	return s.db.ListStagedFiles(ctx, limit)
}

// PresignedURL returns a short-lived download link for a staged file.
func (s *Service) PresignedURL(ctx context.Context, fileID string, expiry time.Duration) (*url.URL, error) {
	file, err := s.db.GetUnsortedFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	link, err := s.client.PresignedGetObject(ctx, s.bucket, file.ObjectKey, expiry, nil)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", file.ObjectKey, err)
	}
	return link, nil
}

// Attach binds a staged file to a source. Returns false if the file was
// already attached or discarded.
func (s *Service) Attach(ctx context.Context, fileID, sourceID string) (bool, error) {
	return s.db.AttachUnsortedFile(ctx, fileID, sourceID)
}

// Discard marks a staged file as discarded and removes its object.
func (s *Service) Discard(ctx context.Context, fileID string) (bool, error) {
	file, err := s.db.GetUnsortedFile(ctx, fileID)
	if err != nil {
		return false, err
	}
	ok, err := s.db.DiscardUnsortedFile(ctx, fileID)
	if err != nil || !ok {
		return ok, err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, file.ObjectKey, minio.RemoveObjectOptions{}); err != nil {
		// The row already says discarded; the object is orphaned but harmless.
		log.Printf("inbox: remove object %s: %v", file.ObjectKey, err)
	}
	return true, nil
}
