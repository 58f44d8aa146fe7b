// Package media resolves the background image shown under the grid.
package media

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ImageSource returns the URL the client should load the map image from.
type ImageSource interface {
	ImageURL(ctx context.Context) (string, error)
}

// StaticImage always returns the same URL.
type StaticImage string

func (s StaticImage) ImageURL(context.Context) (string, error) {
	return string(s), nil
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Object    string
	TTL       time.Duration
}

// MinioImage presigns a GET for the image object on every call.
type MinioImage struct {
	client *minio.Client
	bucket string
	object string
	ttl    time.Duration
}

// NewMinioImage builds the client without contacting the server; with the
// region set, presigning stays local.
func NewMinioImage(cfg MinioConfig) (*MinioImage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MinioImage{client: client, bucket: cfg.Bucket, object: cfg.Object, ttl: ttl}, nil
}

func (m *MinioImage) ImageURL(ctx context.Context) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, m.object, m.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", m.bucket, m.object, err)
	}
	return u.String(), nil
}
